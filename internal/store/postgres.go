package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/edunexus/spool/internal/orgcode"
)

const postgresOperationTimeout = 5 * time.Second

// Postgres is the primary hosted store.
type Postgres struct {
	dsn    string
	openDB func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	manageSchema bool
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &Postgres{dsn: dsn, openDB: sql.Open, manageSchema: true}, nil
}

// NewPostgresWithDB wraps an already-open handle whose schema is managed
// externally. Used by tests and by deployments that run migrations
// themselves.
func NewPostgresWithDB(db *sql.DB) *Postgres {
	p := &Postgres{db: db}
	p.initOnce.Do(func() {})
	return p
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		if p.manageSchema {
			ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
			defer cancel()
			for _, stmt := range postgresSchema {
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					_ = db.Close()
					p.initErr = err
					return
				}
			}
		}
		p.db = db
	})
	return p.initErr
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'Management',
		extra JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users ((LOWER(email)))`,
	`CREATE TABLE IF NOT EXISTS org_code_requests (
		token TEXT PRIMARY KEY,
		management_email TEXT NOT NULL,
		org_type TEXT NOT NULL,
		institute_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		org_code TEXT,
		rejection_reason TEXT,
		requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

func (p *Postgres) Probe(ctx context.Context) bool {
	if err := p.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var one int
	return p.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

func (p *Postgres) InsertUser(ctx context.Context, rec SignupRecord) (string, error) {
	if err := p.ensureReady(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	extra := rec.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var id int64
	err = p.db.QueryRowContext(ctx,
		`INSERT INTO users (name, email, password_hash, role, extra) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		nullable(rec.Name), rec.Email, rec.PasswordHash, defaultRole(rec.Role), string(extraJSON),
	).Scan(&id)
	if err != nil {
		return "", classifyPostgresError(err)
	}
	return fmt.Sprintf("%d", id), nil
}

func (p *Postgres) GetRequest(ctx context.Context, token string) (orgcode.Request, error) {
	if err := p.ensureReady(); err != nil {
		return orgcode.Request{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var req orgcode.Request
	var instituteID, code, reason sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT token, management_email, org_type, institute_id, status, org_code, rejection_reason, requested_at
		 FROM org_code_requests WHERE token = $1`, token,
	).Scan(&req.Token, &req.ManagementEmail, &req.OrgType, &instituteID, &req.Status, &code, &reason, &req.RequestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orgcode.Request{}, orgcode.ErrNotFound
	}
	if err != nil {
		return orgcode.Request{}, classifyPostgresError(err)
	}
	req.InstituteID = instituteID.String
	req.OrgCode = code.String
	req.RejectionReason = reason.String
	return req, nil
}

func (p *Postgres) SaveRequest(ctx context.Context, req orgcode.Request) error {
	if err := p.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO org_code_requests (token, management_email, org_type, institute_id, status, org_code, rejection_reason, requested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (token) DO UPDATE SET
			status = EXCLUDED.status,
			org_code = EXCLUDED.org_code,
			rejection_reason = EXCLUDED.rejection_reason`,
		req.Token, req.ManagementEmail, string(req.OrgType), nullable(req.InstituteID),
		string(req.Status), nullable(req.OrgCode), nullable(req.RejectionReason), requestedAtOrNow(req.RequestedAt),
	)
	if err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (p *Postgres) HasConfirmedCode(ctx context.Context, orgType orgcode.OrgType, instituteID, managementEmail string) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM org_code_requests
		 WHERE status = 'confirmed' AND org_type = $1
		   AND (($2 <> '' AND institute_id = $2) OR LOWER(management_email) = LOWER($3))
		 LIMIT 1`,
		string(orgType), strings.TrimSpace(instituteID), managementEmail,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyPostgresError(err)
	}
	return true, nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// classifyPostgresError separates permanent rejections (unique violations)
// from everything else, which the caller treats as retryable.
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func defaultRole(role string) string {
	if strings.TrimSpace(role) == "" {
		return "Management"
	}
	return role
}

func requestedAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
