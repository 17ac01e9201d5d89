package spool

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend stores the raw records of one named queue. Load returns records
// in order; a missing or corrupt backing file degrades to an empty list
// with a logged warning, never an error that would crash the worker.
// Save atomically replaces the full set.
//
// No concurrent-writer locking is provided: the design assumes a single
// worker process per queue (deployment constraint).
type Backend interface {
	Load() ([]json.RawMessage, error)
	Save(records []json.RawMessage) error
	Close() error
}

type fileBackend struct {
	path   string
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

// NewFileBackend stores records as a JSON array at path, written with the
// marshal-to-temp-then-rename idiom so a crash mid-save never corrupts the
// previous snapshot.
func NewFileBackend(path string, logger *zap.SugaredLogger) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &fileBackend{path: path, logger: logger}, nil
}

func (b *fileBackend) Load() ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		b.logger.Warnw("queue file unreadable, treating as empty", "path", b.path, "error", err)
		return nil, nil
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		b.logger.Warnw("queue file corrupt, treating as empty", "path", b.path, "error", err)
		return nil, nil
	}
	return records, nil
}

func (b *fileBackend) Save(records []json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if records == nil {
		records = []json.RawMessage{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *fileBackend) Close() error { return nil }

type memoryBackend struct {
	mu      sync.Mutex
	records []json.RawMessage
}

// NewMemoryBackend keeps records in memory only. Used in tests and for
// throwaway deployments.
func NewMemoryBackend() Backend {
	return &memoryBackend{}
}

func (b *memoryBackend) Load() ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]json.RawMessage, len(b.records))
	for i, rec := range b.records {
		out[i] = append(json.RawMessage(nil), rec...)
	}
	return out, nil
}

func (b *memoryBackend) Save(records []json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make([]json.RawMessage, len(records))
	for i, rec := range records {
		b.records[i] = append(json.RawMessage(nil), rec...)
	}
	return nil
}

func (b *memoryBackend) Close() error { return nil }
