// Package endpoint parses source and sink locators of the form
// <prefix>:<connection-string-or-path> and resolves keyring secrets before
// any other processing.
package endpoint

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/99designs/keyring"
)

// Kind identifies the provider behind an endpoint.
type Kind string

const (
	Oracle    Kind = "ora"
	SQLServer Kind = "mssql"
	Postgres  Kind = "pg"
	DuckDB    Kind = "duck"
	SQLite    Kind = "sqlite"
	CSV       Kind = "csv"
	Parquet   Kind = "parquet"
	Arrow     Kind = "arrow"
	Generate  Kind = "generate"
)

// IsDatabase reports whether the endpoint is a relational target driven by
// the SQL reader/writer skeleton.
func (k Kind) IsDatabase() bool {
	switch k {
	case Oracle, SQLServer, Postgres, DuckDB, SQLite:
		return true
	}
	return false
}

// IsFile reports whether the endpoint is a tabular file.
func (k Kind) IsFile() bool {
	switch k {
	case CSV, Parquet, Arrow:
		return true
	}
	return false
}

// Endpoint is a resolved locator: provider kind plus the connection string
// or file path, with keyring references already substituted.
type Endpoint struct {
	Kind Kind
	// Spec is the connection string (databases), file path (files), or the
	// generator spec (generate).
	Spec string
}

// GenerateSpec is the parsed form of a generate:<N>[;rate=R] endpoint.
type GenerateSpec struct {
	Rows int64
	// RatePerSec limits emission; 0 means unthrottled.
	RatePerSec float64
}

var extensionKinds = map[string]Kind{
	".csv":     CSV,
	".parquet": Parquet,
	".arrow":   Arrow,
	".arrows":  Arrow,
	".db":      SQLite,
	".sqlite":  SQLite,
	".duckdb":  DuckDB,
}

// SecretResolver resolves keyring aliases. The default uses the OS keyring;
// tests substitute a map-backed one.
type SecretResolver func(alias string) (string, error)

// OSKeyring resolves aliases against the operating system keyring.
func OSKeyring(alias string) (string, error) {
	ring, err := keyring.Open(keyring.Config{ServiceName: "dtpipe"})
	if err != nil {
		return "", fmt.Errorf("endpoint: open keyring: %w", err)
	}
	item, err := ring.Get(alias)
	if err != nil {
		return "", fmt.Errorf("endpoint: keyring alias %q: %w", alias, err)
	}
	return string(item.Data), nil
}

// Parse resolves raw into an Endpoint. keyring://<alias> locators are
// resolved through secrets first and the result is parsed again; a failure
// to resolve is fatal. Bare paths are detected by extension.
func Parse(raw string, secrets SecretResolver) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("endpoint: empty locator")
	}

	if rest, ok := strings.CutPrefix(raw, "keyring://"); ok {
		if secrets == nil {
			secrets = OSKeyring
		}
		resolved, err := secrets(rest)
		if err != nil {
			return Endpoint{}, err
		}
		return Parse(resolved, secrets)
	}

	prefix, rest, found := strings.Cut(raw, ":")
	if found {
		switch Kind(prefix) {
		case Oracle, SQLServer, Postgres, DuckDB, SQLite, CSV, Parquet, Arrow, Generate:
			return Endpoint{Kind: Kind(prefix), Spec: rest}, nil
		}
	}

	// Bare path: detect by extension.
	if k, ok := extensionKinds[strings.ToLower(filepath.Ext(raw))]; ok {
		return Endpoint{Kind: k, Spec: raw}, nil
	}
	return Endpoint{}, fmt.Errorf("endpoint: unknown provider in %q", raw)
}

// ParseGenerate parses the spec of a generate endpoint.
func ParseGenerate(spec string) (GenerateSpec, error) {
	parts := strings.Split(spec, ";")
	n, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || n < 0 {
		return GenerateSpec{}, fmt.Errorf("endpoint: generate row count %q", parts[0])
	}
	out := GenerateSpec{Rows: n}
	for _, p := range parts[1:] {
		key, val, ok := strings.Cut(p, "=")
		if !ok {
			return GenerateSpec{}, fmt.Errorf("endpoint: generate option %q", p)
		}
		switch strings.TrimSpace(key) {
		case "rate":
			r, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil || r <= 0 {
				return GenerateSpec{}, fmt.Errorf("endpoint: generate rate %q", val)
			}
			out.RatePerSec = r
		default:
			return GenerateSpec{}, fmt.Errorf("endpoint: generate option %q", key)
		}
	}
	return out, nil
}
