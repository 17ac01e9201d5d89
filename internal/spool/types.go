// Package spool holds the durable queue layer: the on-disk record store,
// the typed queue abstraction, and the envelope types carried by the four
// logical queues (outbox, signup recovery, org-code mirror, inbound
// mailbox). Queue files are plain JSON arrays so operators can inspect
// them directly.
package spool

import (
	"time"

	"github.com/edunexus/spool/internal/orgcode"
)

// DefaultMaxAttempts is the retry ceiling: an item that fails this many
// attempted deliveries/inserts becomes terminally failed and is dropped
// from the active queue on the next rewrite.
const DefaultMaxAttempts = 10

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusSynced    Status = "synced"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusSynced || s == StatusFailed || s == StatusCancelled
}

type HistoryEntry struct {
	At     time.Time `json:"at"`
	Status Status    `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// Item is the envelope shared by every queued record. Attempts only ever
// increases and counts real attempted operations, never passes skipped
// because of a known outage.
type Item struct {
	ID            string         `json:"id"`
	Status        Status         `json:"status"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
}

func (it *Item) record(status Status, detail string, now time.Time) {
	it.History = append(it.History, HistoryEntry{At: now, Status: status, Detail: detail})
}

// MarkSent marks an outbox item delivered. Detail names the provider that
// succeeded.
func (it *Item) MarkSent(detail string, now time.Time) {
	it.Status = StatusSent
	it.record(StatusSent, detail, now)
}

// MarkSynced marks a recovery item reflected in the authoritative store.
func (it *Item) MarkSynced(detail string, now time.Time) {
	it.Status = StatusSynced
	it.record(StatusSynced, detail, now)
}

// MarkAttemptFailed records one failed attempt. The item stays queued until
// it reaches maxAttempts, at which point it becomes terminally failed.
func (it *Item) MarkAttemptFailed(detail string, now time.Time, maxAttempts int) {
	it.Attempts++
	it.LastAttemptAt = &now
	it.record(StatusFailed, detail, now)
	if maxAttempts > 0 && it.Attempts >= maxAttempts {
		it.Status = StatusFailed
	}
}

// MarkFailed records a permanent rejection (duplicate key, invalid token).
// The attempt is counted and the item never retries.
func (it *Item) MarkFailed(detail string, now time.Time) {
	it.Attempts++
	it.LastAttemptAt = &now
	it.Status = StatusFailed
	it.record(StatusFailed, detail, now)
}

// MarkCancelled takes the item out of the queue without treating it as an
// error (admin cancellation).
func (it *Item) MarkCancelled(detail string, now time.Time) {
	it.Status = StatusCancelled
	it.record(StatusCancelled, detail, now)
}

// Envelope is implemented by every queued record type.
type Envelope interface {
	Meta() *Item
}

// OutboxMessage is a not-yet-delivered notification.
type OutboxMessage struct {
	Item
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	ReplyTo string `json:"replyTo,omitempty"`
}

func (m *OutboxMessage) Meta() *Item { return &m.Item }

// SignupIntent is a signup that could not be written to the primary store.
// Email is the natural dedup key against the store, compared
// case-insensitively.
type SignupIntent struct {
	Item
	Name         string            `json:"name,omitempty"`
	Email        string            `json:"email"`
	PasswordHash string            `json:"passwordHash"`
	Role         string            `json:"role,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

func (m *SignupIntent) Meta() *Item { return &m.Item }

// OrgRequestEntry mirrors an org-code request on disk while the primary
// store is unreachable. The mirror is a cache of pending state, not a
// source of truth once the store is back.
type OrgRequestEntry struct {
	Item
	Request orgcode.Request `json:"request"`
}

func (m *OrgRequestEntry) Meta() *Item { return &m.Item }

// InboundMessage is a received email held until the worker has scanned it
// for confirm/reject commands. Processed messages are dropped on rewrite.
type InboundMessage struct {
	Item
	From       string    `json:"from"`
	To         string    `json:"to,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	Processed  bool      `json:"processed"`
}

func (m *InboundMessage) Meta() *Item { return &m.Item }
