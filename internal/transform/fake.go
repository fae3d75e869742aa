package transform

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// generators maps directive generator names onto gofakeit calls. The name
// is the dotted path used in CLI args, e.g. internet.email.
var generators = map[string]func(f *gofakeit.Faker) any{
	"name.first":      func(f *gofakeit.Faker) any { return f.FirstName() },
	"name.last":       func(f *gofakeit.Faker) any { return f.LastName() },
	"name.full":       func(f *gofakeit.Faker) any { return f.Name() },
	"internet.email":  func(f *gofakeit.Faker) any { return f.Email() },
	"internet.user":   func(f *gofakeit.Faker) any { return f.Username() },
	"internet.url":    func(f *gofakeit.Faker) any { return f.URL() },
	"internet.ipv4":   func(f *gofakeit.Faker) any { return f.IPv4Address() },
	"internet.domain": func(f *gofakeit.Faker) any { return f.DomainName() },
	"phone.number":    func(f *gofakeit.Faker) any { return f.Phone() },
	"address.city":    func(f *gofakeit.Faker) any { return f.City() },
	"address.street":  func(f *gofakeit.Faker) any { return f.Street() },
	"address.zip":     func(f *gofakeit.Faker) any { return f.Zip() },
	"address.country": func(f *gofakeit.Faker) any { return f.Country() },
	"company.name":    func(f *gofakeit.Faker) any { return f.Company() },
	"company.job":     func(f *gofakeit.Faker) any { return f.JobTitle() },
	"lorem.word":      func(f *gofakeit.Faker) any { return f.Word() },
	"lorem.sentence":  func(f *gofakeit.Faker) any { return f.Sentence(8) },
	"uuid":            func(f *gofakeit.Faker) any { return f.UUID() },
	"number.int":      func(f *gofakeit.Faker) any { return int64(f.Int32()) },
	"number.float":    func(f *gofakeit.Faker) any { return f.Float64() },
	"date.any":        func(f *gofakeit.Faker) any { return f.Date() },
}

type fakeMapping struct {
	column    string
	generator string
	// variant partitions the generator sub-state so two mappings with the
	// same generator and seed still differ.
	variant string
	idx     int
}

// fakeTransformer replaces column values with generator output. Three
// deterministic modes: a global seed, a seed column (equal keys fake
// equally), or row-index seeding.
type fakeTransformer struct {
	mappings []fakeMapping
	opts     Options
	// global is the faker used in global-seed mode.
	global *gofakeit.Faker
	// seedIdx locates the seed column when FakeSeedColumn is set.
	seedIdx int
}

func newFake(args []string, opts Options) (*fakeTransformer, error) {
	t := &fakeTransformer{opts: opts, seedIdx: -1}
	for _, a := range args {
		col, gen, err := splitColArg(a)
		if err != nil {
			return nil, err
		}
		gen = strings.TrimSpace(gen)
		variant := ""
		if name, v, ok := strings.Cut(gen, "#"); ok {
			gen, variant = name, v
		}
		if _, ok := generators[gen]; !ok {
			return nil, fmt.Errorf("transform: fake: unknown generator %q", gen)
		}
		t.mappings = append(t.mappings, fakeMapping{column: col, generator: gen, variant: variant})
	}
	return t, nil
}

func (t *fakeTransformer) Name() string { return "fake" }

func (t *fakeTransformer) Init(in schema.Schema) (schema.Schema, error) {
	for i := range t.mappings {
		pos := in.Index(t.mappings[i].column, nil)
		if pos < 0 {
			return nil, fmt.Errorf("transform: fake: column %q not in schema", t.mappings[i].column)
		}
		t.mappings[i].idx = pos
	}
	if t.opts.FakeSeedColumn != "" {
		pos := in.Index(t.opts.FakeSeedColumn, nil)
		if pos < 0 {
			return nil, fmt.Errorf("transform: fake: seed column %q not in schema", t.opts.FakeSeedColumn)
		}
		t.seedIdx = pos
	}
	t.global = gofakeit.New(t.opts.FakeSeed)
	return in, nil
}

func (t *fakeTransformer) Apply(ctx *Ctx, row schema.Row) (Result, error) {
	for _, m := range t.mappings {
		f := t.faker(ctx, row, m)
		row[m.idx] = generators[m.generator](f)
	}
	return One(row), nil
}

// faker picks the PRNG for one mapping. Seed-column and row-index modes
// build a fresh deterministic faker per row so (seed, input) -> output is a
// pure function regardless of row order.
func (t *fakeTransformer) faker(ctx *Ctx, row schema.Row, m fakeMapping) *gofakeit.Faker {
	switch {
	case t.seedIdx >= 0:
		return gofakeit.New(hashSeed(schema.ToString(row[t.seedIdx]), m.variant))
	case t.opts.FakeRowIndex:
		return gofakeit.New(t.opts.FakeSeed + ctx.RowIndex + hashSeed("", m.variant))
	default:
		if m.variant != "" {
			// Mix the variant into a seed drawn from the global stream so
			// mappings sharing a generator stay decorrelated under the global
			// seed while still varying from row to row.
			return gofakeit.New(t.global.Int64() ^ hashSeed("", m.variant))
		}
		return t.global
	}
}

// hashSeed derives a stable 63-bit seed from a key value and variant.
func hashSeed(key, variant string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(variant))
	return int64(h.Sum64() &^ (1 << 63))
}
