package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/edunexus/spool/internal/orgcode"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLite is the local fallback store, used when the primary is unreachable
// and direct fallback writes are permitted by configuration.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT,
		email TEXT NOT NULL COLLATE NOCASE UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'Management',
		extra TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS org_code_requests (
		token TEXT PRIMARY KEY,
		management_email TEXT NOT NULL,
		org_type TEXT NOT NULL,
		institute_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		org_code TEXT,
		rejection_reason TEXT,
		requested_at INTEGER NOT NULL
	)`,
}

func (s *SQLite) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func (s *SQLite) InsertUser(ctx context.Context, rec SignupRecord) (string, error) {
	extra := rec.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, password_hash, role, extra, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Email, rec.PasswordHash, defaultRole(rec.Role), string(extraJSON), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return "", classifySQLiteError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", id), nil
}

func (s *SQLite) GetRequest(ctx context.Context, token string) (orgcode.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	var req orgcode.Request
	var instituteID, code, reason sql.NullString
	var requestedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT token, management_email, org_type, institute_id, status, org_code, rejection_reason, requested_at
		 FROM org_code_requests WHERE token = ?`, token,
	).Scan(&req.Token, &req.ManagementEmail, &req.OrgType, &instituteID, &req.Status, &code, &reason, &requestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orgcode.Request{}, orgcode.ErrNotFound
	}
	if err != nil {
		return orgcode.Request{}, err
	}
	req.InstituteID = instituteID.String
	req.OrgCode = code.String
	req.RejectionReason = reason.String
	req.RequestedAt = time.UnixMilli(requestedAt).UTC()
	return req, nil
}

func (s *SQLite) SaveRequest(ctx context.Context, req orgcode.Request) error {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO org_code_requests (token, management_email, org_type, institute_id, status, org_code, rejection_reason, requested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (token) DO UPDATE SET
			status = excluded.status,
			org_code = excluded.org_code,
			rejection_reason = excluded.rejection_reason`,
		req.Token, req.ManagementEmail, string(req.OrgType), req.InstituteID,
		string(req.Status), req.OrgCode, req.RejectionReason, requestedAtOrNow(req.RequestedAt).UnixMilli(),
	)
	return err
}

func (s *SQLite) HasConfirmedCode(ctx context.Context, orgType orgcode.OrgType, instituteID, managementEmail string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM org_code_requests
		 WHERE status = 'confirmed' AND org_type = ?
		   AND ((? <> '' AND institute_id = ?) OR management_email = ? COLLATE NOCASE)
		 LIMIT 1`,
		string(orgType), strings.TrimSpace(instituteID), strings.TrimSpace(instituteID), managementEmail,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func classifySQLiteError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}
