package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/edunexus/spool/internal/orgcode"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock setup failed: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewPostgresWithDB(db), mock
}

func TestPostgresInsertUserReturnsID(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(nil, "a@example.com", "hash", "Management", `{}`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := p.InsertUser(context.Background(), SignupRecord{Email: "a@example.com", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if id != "42" {
		t.Fatalf("expected id 42, got %q", id)
	}
}

func TestPostgresUniqueViolationClassifiedAsDuplicate(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := p.InsertUser(context.Background(), SignupRecord{Email: "a@example.com", PasswordHash: "hash"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresGetRequestNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT token, management_email`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"token"}))

	_, err := p.GetRequest(context.Background(), "missing")
	if !errors.Is(err, orgcode.ErrNotFound) {
		t.Fatalf("expected orgcode.ErrNotFound, got %v", err)
	}
}

func TestPostgresGetRequestScansNullableColumns(t *testing.T) {
	p, mock := newMockPostgres(t)
	requestedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"token", "management_email", "org_type", "institute_id", "status", "org_code", "rejection_reason", "requested_at",
	}).AddRow("tok1", "head@school.example", "school", nil, "pending", nil, nil, requestedAt)
	mock.ExpectQuery(`SELECT token, management_email`).WithArgs("tok1").WillReturnRows(rows)

	req, err := p.GetRequest(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if req.Token != "tok1" || req.OrgType != orgcode.OrgTypeSchool || req.Status != orgcode.StatusPending {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.InstituteID != "" || req.OrgCode != "" || req.RejectionReason != "" {
		t.Fatalf("nullable columns should scan to empty strings: %+v", req)
	}
}

func TestPostgresSaveRequestUpserts(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO org_code_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := orgcode.Request{
		Token:           "tok2",
		ManagementEmail: "head@school.example",
		OrgType:         orgcode.OrgTypeSchool,
		Status:          orgcode.StatusConfirmed,
		OrgCode:         "XYZ789",
		RequestedAt:     time.Now().UTC(),
	}
	if err := p.SaveRequest(context.Background(), req); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestPostgresHasConfirmedCode(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT 1 FROM org_code_requests`).
		WithArgs("school", "", "head@school.example").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := p.HasConfirmedCode(context.Background(), orgcode.OrgTypeSchool, "", "head@school.example")
	if err != nil || !exists {
		t.Fatalf("expected confirmed code to exist, exists=%v err=%v", exists, err)
	}

	mock.ExpectQuery(`SELECT 1 FROM org_code_requests`).
		WithArgs("institute", "inst-1", "other@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	exists, err = p.HasConfirmedCode(context.Background(), orgcode.OrgTypeInstitute, "inst-1", "other@example.com")
	if err != nil || exists {
		t.Fatalf("expected no confirmed code, exists=%v err=%v", exists, err)
	}
}
