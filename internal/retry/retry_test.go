package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSQLErr struct{ state string }

func (f fakeSQLErr) Error() string    { return "driver failure" }
func (f fakeSQLErr) SQLState() string { return f.state }

func TestClassifyCancel(t *testing.T) {
	assert.Equal(t, Cancel, Classify(context.Canceled))
}

func TestClassifyDeadlineIsTransient(t *testing.T) {
	assert.Equal(t, Transient, Classify(context.DeadlineExceeded))
}

func TestClassifyKeywords(t *testing.T) {
	assert.Equal(t, Transient, Classify(errors.New("read tcp: connection reset by peer")))
	assert.Equal(t, Transient, Classify(errors.New("database is locked")))
	assert.Equal(t, Fatal, Classify(errors.New("syntax error at or near")))
}

func TestClassifySQLState(t *testing.T) {
	assert.Equal(t, Transient, Classify(fakeSQLErr{state: "40001"}))
	assert.Equal(t, Transient, Classify(fakeSQLErr{state: "08006"}))
	assert.Equal(t, Fatal, Classify(fakeSQLErr{state: "42703"}))
}

func TestErrorFormat(t *testing.T) {
	e := New(Data, "writer", errors.New("value too long"))
	e.Ident = "users.name"
	e.Row = 17
	e.Column = 2
	msg := e.Error()
	assert.Contains(t, msg, "data error in writer")
	assert.Contains(t, msg, "users.name")
	assert.Contains(t, msg, "row 17")
	assert.Contains(t, msg, "column 2")
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Validation, "validator", errors.New("mismatch")))
	assert.Equal(t, Validation, KindOf(err))
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	retries := 0
	op := func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	}
	p := Policy{MaxRetries: 5, InitDelay: time.Millisecond}
	err := p.Do(context.Background(), op, func(error, int) { retries++ })
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestDoStopsOnFatal(t *testing.T) {
	calls := 0
	op := func() error {
		calls++
		return New(Data, "writer", errors.New("not null violation"))
	}
	p := Policy{MaxRetries: 5, InitDelay: time.Millisecond}
	err := p.Do(context.Background(), op, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Data, KindOf(err))
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	op := func() error {
		calls++
		return errors.New("timeout")
	}
	p := Policy{MaxRetries: 2, InitDelay: time.Millisecond}
	err := p.Do(context.Background(), op, nil)
	assert.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestDoTransientTwiceThenFatal(t *testing.T) {
	calls := 0
	retries := 0
	op := func() error {
		calls++
		if calls <= 2 {
			return errors.New("connection reset")
		}
		return New(Data, "writer", errors.New("conversion failed"))
	}
	p := Policy{MaxRetries: 3, InitDelay: time.Millisecond}
	err := p.Do(context.Background(), op, func(error, int) { retries++ })
	assert.Error(t, err)
	assert.Equal(t, 2, retries)
	assert.Equal(t, Data, KindOf(err))
}
