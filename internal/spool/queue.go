package spool

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edunexus/spool/internal/ids"
)

// Queue is a typed view over a Backend. Append stamps the envelope and
// persists; ListAll decodes the full queue; Rewrite persists a mutated
// pass result, keeping only items the predicate retains and handing back
// the dropped ones so the caller can flag them before they disappear.
//
// PT is the pointer form of T and must implement Envelope.
type Queue[T any, PT interface {
	*T
	Envelope
}] struct {
	name    string
	backend Backend
	logger  *zap.SugaredLogger
	mu      sync.Mutex
}

func NewQueue[T any, PT interface {
	*T
	Envelope
}](name string, backend Backend, logger *zap.SugaredLogger) *Queue[T, PT] {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Queue[T, PT]{name: name, backend: backend, logger: logger}
}

func (q *Queue[T, PT]) Name() string { return q.name }

// Append stamps a fresh ID, createdAt, and queued status onto the item and
// persists it at the tail of the queue.
func (q *Queue[T, PT]) Append(item T) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	meta := PT(&item).Meta()
	meta.ID = ids.New()
	meta.Status = StatusQueued
	meta.Attempts = 0
	meta.CreatedAt = time.Now().UTC()
	records, err := q.backend.Load()
	if err != nil {
		return item, err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return item, err
	}
	if err := q.backend.Save(append(records, raw)); err != nil {
		return item, err
	}
	return item, nil
}

// ListAll decodes every record in queue order. Records that no longer
// parse are skipped with a warning rather than wedging the queue.
func (q *Queue[T, PT]) ListAll() ([]PT, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listLocked()
}

func (q *Queue[T, PT]) listLocked() ([]PT, error) {
	records, err := q.backend.Load()
	if err != nil {
		return nil, err
	}
	items := make([]PT, 0, len(records))
	for _, record := range records {
		var item T
		if err := json.Unmarshal(record, &item); err != nil {
			q.logger.Warnw("dropping undecodable queue record", "queue", q.name, "error", err)
			continue
		}
		items = append(items, PT(&item))
	}
	return items, nil
}

// Rewrite persists the given (typically mutated) items, retaining only
// those the predicate keeps. The dropped items are returned so callers can
// raise a side-channel notification; nothing is silently lost. Records
// appended to the queue after the caller's ListAll are not in items; they
// are carried over untouched instead of being erased by the save.
func (q *Queue[T, PT]) Rewrite(items []PT, keep func(PT) bool) ([]PT, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool, len(items))
	kept := make([]json.RawMessage, 0, len(items))
	dropped := make([]PT, 0)
	for _, item := range items {
		seen[item.Meta().ID] = true
		if keep != nil && !keep(item) {
			dropped = append(dropped, item)
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			q.logger.Warnw("dropping unencodable queue record", "queue", q.name, "error", err)
			dropped = append(dropped, item)
			continue
		}
		kept = append(kept, raw)
	}
	current, err := q.backend.Load()
	if err != nil {
		return nil, err
	}
	for _, record := range current {
		var item T
		if err := json.Unmarshal(record, &item); err != nil {
			continue
		}
		if id := PT(&item).Meta().ID; id != "" && !seen[id] {
			kept = append(kept, record)
		}
	}
	if err := q.backend.Save(kept); err != nil {
		return nil, err
	}
	return dropped, nil
}

// Update rewrites the current queue contents after applying fn to each
// item, keeping everything. Used by admin force-retry.
func (q *Queue[T, PT]) Update(fn func(PT)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.listLocked()
	if err != nil {
		return err
	}
	records := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if fn != nil {
			fn(item)
		}
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		records = append(records, raw)
	}
	return q.backend.Save(records)
}

func (q *Queue[T, PT]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	records, err := q.backend.Load()
	if err != nil {
		return 0
	}
	return len(records)
}

func (q *Queue[T, PT]) Close() error {
	return q.backend.Close()
}

// KeepActive is the standard end-of-pass retention predicate: an item
// stays only while it is still queued and under the retry ceiling.
func KeepActive[PT Envelope](maxAttempts int) func(PT) bool {
	return func(item PT) bool {
		meta := item.Meta()
		return meta.Status == StatusQueued && meta.Attempts < maxAttempts
	}
}

// Queue names shared by the worker, the HTTP layer, and the monitor.
const (
	QueueNameOutbox      = "outbox"
	QueueNameSignups     = "signup_queue"
	QueueNameOrgRequests = "org_code_requests"
	QueueNameInbound     = "inbound"
)

type (
	OutboxQueue     = Queue[OutboxMessage, *OutboxMessage]
	SignupQueue     = Queue[SignupIntent, *SignupIntent]
	OrgRequestQueue = Queue[OrgRequestEntry, *OrgRequestEntry]
	InboundQueue    = Queue[InboundMessage, *InboundMessage]
)

func NewOutboxQueue(backend Backend, logger *zap.SugaredLogger) *OutboxQueue {
	return NewQueue[OutboxMessage, *OutboxMessage](QueueNameOutbox, backend, logger)
}

func NewSignupQueue(backend Backend, logger *zap.SugaredLogger) *SignupQueue {
	return NewQueue[SignupIntent, *SignupIntent](QueueNameSignups, backend, logger)
}

func NewOrgRequestQueue(backend Backend, logger *zap.SugaredLogger) *OrgRequestQueue {
	return NewQueue[OrgRequestEntry, *OrgRequestEntry](QueueNameOrgRequests, backend, logger)
}

func NewInboundQueue(backend Backend, logger *zap.SugaredLogger) *InboundQueue {
	return NewQueue[InboundMessage, *InboundMessage](QueueNameInbound, backend, logger)
}
