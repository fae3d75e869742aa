// Package retry classifies pipeline errors into the engine taxonomy and
// runs transient operations under an exponential backoff budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind buckets an error for propagation decisions.
type Kind int

const (
	// Config: unknown provider, missing flag, malformed YAML.
	Config Kind = iota
	// Validation: SQL safety, strict-schema mismatch, key resolution.
	Validation
	// Transient: connection reset, timeout, provider retryable code.
	Transient
	// Data: conversion failure, constraint overflow at load.
	Data
	// Cancel: user or parent-context initiated.
	Cancel
	// Fatal: everything else at the point it reaches the kernel.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case Data:
		return "data"
	case Cancel:
		return "cancel"
	default:
		return "fatal"
	}
}

// Error is the structured error every failure is wrapped into before it
// reaches the kernel.
type Error struct {
	Kind      Kind
	Component string
	// Ident optionally names the offending identifier (table, column).
	Ident string
	// Row and Column optionally locate the offending cell; -1 when unknown.
	Row    int
	Column int
	Err    error
}

func (e *Error) Error() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "%s error in %s", e.Kind, e.Component)
	if e.Ident != "" {
		fmt.Fprintf(&b, " (%s)", e.Ident)
	}
	if e.Row >= 0 {
		fmt.Fprintf(&b, " at row %d", e.Row)
		if e.Column >= 0 {
			fmt.Fprintf(&b, " column %d", e.Column)
		}
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and component, defaulting row/column to unknown.
func New(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Row: -1, Column: -1, Err: err}
}

// KindOf extracts the kind of err, classifying unwrapped errors on the fly.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// transientFragments are driver message fragments that mark an error worth
// retrying across every supported provider.
var transientFragments = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"deadlock",
	"i/o error",
	"server is not ready",
	"too many connections",
	"temporarily unavailable",
	"database is locked", // sqlite busy
}

// transientSQLStates are SQLSTATE classes that providers mark retryable:
// connection exceptions, serialization failures, deadlocks, resource limits.
var transientSQLStates = []string{"08", "40001", "40P01", "57P03", "53"}

// Classify buckets a raw error. Context errors are cancellation; driver
// errors are matched by SQLSTATE fragment and message keywords; anything
// unrecognized is Fatal.
func Classify(err error) Kind {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) {
		return Cancel
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return Transient
		}
	}
	if state := sqlState(err); state != "" {
		for _, prefix := range transientSQLStates {
			if strings.HasPrefix(state, prefix) {
				return Transient
			}
		}
	}
	return Fatal
}

// sqlStater is satisfied by pgconn.PgError and the other driver error types
// that expose a SQLSTATE.
type sqlStater interface{ SQLState() string }

func sqlState(err error) string {
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState()
	}
	return ""
}

// Policy is the retry budget from the job definition.
type Policy struct {
	MaxRetries int
	InitDelay  time.Duration
}

// maxDelay caps the exponential growth.
const maxDelay = 30 * time.Second

// Do runs op under the policy. Transient failures are retried with
// exponential backoff (doubling from InitDelay, capped at 30s) up to
// MaxRetries times; any other kind stops immediately. onRetry, if non-nil,
// is invoked before each sleep.
func (p Policy) Do(ctx context.Context, op func() error, onRetry func(err error, attempt int)) error {
	attempt := 0
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if KindOf(err) != Transient {
			return backoff.Permanent(err)
		}
		attempt++
		if onRetry != nil && attempt <= p.MaxRetries {
			onRetry(err, attempt)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitDelay
	bo.Multiplier = 2
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall time
	bo.RandomizationFactor = 0

	err := backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.MaxRetries)), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
