package store

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildFromDSN resolves a record store from a DSN: postgres:// for the
// hosted primary, sqlite://path (or a bare path) for the local fallback,
// memory:// for tests and throwaway deployments.
func BuildFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "", "file", "sqlite":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Opaque)
		}
		if path == "" {
			path = strings.TrimSpace(dsn)
		}
		return OpenSQLite(path)
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}
