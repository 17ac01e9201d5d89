// Package store exposes the narrow relational-store surface the worker and
// the HTTP layer consume: a liveness probe, user inserts with duplicate
// detection, and org-code request persistence. Postgres is the primary
// implementation; SQLite is the local fallback; the in-memory store backs
// tests and throwaway deployments.
package store

import (
	"context"
	"errors"

	"github.com/edunexus/spool/internal/orgcode"
)

var (
	// ErrDuplicate is a permanent rejection: the record already exists and
	// a retry can never succeed.
	ErrDuplicate = errors.New("duplicate record")
	// ErrUnavailable is a transient infrastructure failure: the store could
	// not be reached and the operation may be retried.
	ErrUnavailable = errors.New("store unavailable")
)

// SignupRecord is the user row written during signup recovery.
type SignupRecord struct {
	Name         string
	Email        string
	PasswordHash string
	Role         string
	Extra        map[string]string
}

// RecordStore is the authoritative backing store. The orgcode.Store subset
// lets the state-machine funnel run against it directly.
type RecordStore interface {
	orgcode.Store

	// Probe reports whether the store is currently reachable. Probe must
	// return within a bounded time; a timeout counts as unreachable.
	Probe(ctx context.Context) bool

	// InsertUser inserts a signup record and returns its ID. The email is
	// unique case-insensitively; inserting a second user with the same
	// email fails with ErrDuplicate.
	InsertUser(ctx context.Context, rec SignupRecord) (string, error)

	Close() error
}
