package spool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestQueueAppendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.json")
	backend, err := NewFileBackend(path, nil)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	queue := NewOutboxQueue(backend, nil)
	first, err := queue.Append(OutboxMessage{To: "a@example.com", Subject: "one"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if first.ID == "" || first.Status != StatusQueued || first.CreatedAt.IsZero() {
		t.Fatalf("append did not stamp the envelope: %+v", first.Item)
	}
	if _, err := queue.Append(OutboxMessage{To: "b@example.com", Subject: "two"}); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	reopenedBackend, err := NewFileBackend(path, nil)
	if err != nil {
		t.Fatalf("reopen backend failed: %v", err)
	}
	reopened := NewOutboxQueue(reopenedBackend, nil)
	items, err := reopened.ListAll()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items after reopen, got %d", len(items))
	}
	if items[0].To != "a@example.com" || items[1].To != "b@example.com" {
		t.Fatalf("queue order not preserved: %q, %q", items[0].To, items[1].To)
	}
}

func TestQueueToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	backend, err := NewFileBackend(path, nil)
	if err != nil {
		t.Fatalf("new file backend failed: %v", err)
	}
	queue := NewOutboxQueue(backend, nil)
	items, err := queue.ListAll()
	if err != nil {
		t.Fatalf("list over corrupt file failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty queue over corrupt file, got %d items", len(items))
	}
	if _, err := queue.Append(OutboxMessage{To: "a@example.com", Subject: "fresh"}); err != nil {
		t.Fatalf("append after corruption failed: %v", err)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected depth 1 after re-append, got %d", depth)
	}
}

func TestRewriteReturnsDroppedItems(t *testing.T) {
	queue := NewOutboxQueue(NewMemoryBackend(), nil)
	for _, subject := range []string{"one", "two", "three"} {
		if _, err := queue.Append(OutboxMessage{To: "x@example.com", Subject: subject}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	items, err := queue.ListAll()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	now := time.Now().UTC()
	items[0].MarkSent("smtp", now)
	items[1].MarkFailed("permanent", now)

	dropped, err := queue.Rewrite(items, KeepActive[*OutboxMessage](DefaultMaxAttempts))
	if err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped items, got %d", len(dropped))
	}
	remaining, err := queue.ListAll()
	if err != nil {
		t.Fatalf("list after rewrite failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Subject != "three" {
		t.Fatalf("expected only item three to remain, got %+v", remaining)
	}
}

func TestRewriteKeepsItemsAppendedMidPass(t *testing.T) {
	queue := NewOutboxQueue(NewMemoryBackend(), nil)
	if _, err := queue.Append(OutboxMessage{To: "x@example.com", Subject: "old"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	snapshot, err := queue.ListAll()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	// A handler appends while the worker is mid-pass with the snapshot.
	if _, err := queue.Append(OutboxMessage{To: "y@example.com", Subject: "new"}); err != nil {
		t.Fatalf("mid-pass append failed: %v", err)
	}

	snapshot[0].MarkSent("smtp", time.Now().UTC())
	dropped, err := queue.Rewrite(snapshot, KeepActive[*OutboxMessage](DefaultMaxAttempts))
	if err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	if len(dropped) != 1 || dropped[0].Subject != "old" {
		t.Fatalf("expected the sent item dropped, got %+v", dropped)
	}
	remaining, err := queue.ListAll()
	if err != nil {
		t.Fatalf("list after rewrite failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Subject != "new" {
		t.Fatalf("rewrite erased the mid-pass append, got %+v", remaining)
	}
	if remaining[0].Status != StatusQueued {
		t.Fatalf("carried-over item must stay queued, got %s", remaining[0].Status)
	}
}

func TestMarkAttemptFailedHitsCeiling(t *testing.T) {
	var item Item
	item.Status = StatusQueued
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		item.MarkAttemptFailed("provider down", now, 3)
	}
	if item.Status != StatusQueued || item.Attempts != 2 {
		t.Fatalf("expected still-queued after 2 of 3 attempts, got %+v", item)
	}
	item.MarkAttemptFailed("provider down", now, 3)
	if item.Status != StatusFailed || item.Attempts != 3 {
		t.Fatalf("expected terminal failure at ceiling, got %+v", item)
	}
	if KeepActive[*OutboxMessage](3)(&OutboxMessage{Item: item}) {
		t.Fatalf("expected ceiling-exceeded item to be dropped by KeepActive")
	}
}

func TestUpdateRewritesEveryItem(t *testing.T) {
	queue := NewSignupQueue(NewMemoryBackend(), nil)
	for i := 0; i < 3; i++ {
		if _, err := queue.Append(SignupIntent{Email: "u@example.com", PasswordHash: "h"}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	items, _ := queue.ListAll()
	now := time.Now().UTC()
	for _, item := range items {
		item.MarkAttemptFailed("db down", now, 10)
	}
	if _, err := queue.Rewrite(items, nil); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	err := queue.Update(func(item *SignupIntent) {
		item.Attempts = 0
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	after, _ := queue.ListAll()
	for _, item := range after {
		if item.Attempts != 0 {
			t.Fatalf("expected attempts reset, got %d", item.Attempts)
		}
	}
}
