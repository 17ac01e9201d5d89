package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName   = "spool_queues"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresBackend keeps one queue's records in a shared table keyed by
// queue name. Save replaces the full record set under an advisory lock so
// concurrent writers cannot interleave a partial rewrite.
type postgresBackend struct {
	dsn       string
	queueName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn, queueName string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(queueName) == "" {
		return nil, ErrInvalidInput
	}
	return &postgresBackend{
		dsn:       dsn,
		queueName: strings.TrimSpace(queueName),
		openDB:    sql.Open,
	}, nil
}

func (b *postgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				position BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQueueTableName)
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s_queue_key_idx ON %s (queue_key, position)",
			postgresQueueTableName, postgresQueueTableName,
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *postgresBackend) Load() ([]json.RawMessage, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY position ASC", postgresQueueTableName)
	rows, err := b.db.QueryContext(ctx, query, b.queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]json.RawMessage, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		records = append(records, json.RawMessage(payload))
	}
	return records, rows.Err()
}

func (b *postgresBackend) Save(records []json.RawMessage) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(b.queueName)); err != nil {
		return err
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1", postgresQueueTableName)
	if _, err := tx.ExecContext(ctx, deleteQuery, b.queueName); err != nil {
		return err
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload) VALUES ($1, $2)", postgresQueueTableName)
	for _, record := range records {
		if _, err := tx.ExecContext(ctx, insertQuery, b.queueName, string(record)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *postgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQueueLockKey(queueName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(postgresQueueTableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueName)))
	return int64(hasher.Sum64())
}
