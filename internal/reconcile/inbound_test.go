package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/edunexus/spool/internal/spool"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Command
		ok   bool
	}{
		{
			name: "confirm link",
			text: "Looks good.\nhttps://app.example.com/v1/org-codes/confirm/tok_abc123",
			want: Command{Kind: CommandConfirm, Token: "tok_abc123"},
			ok:   true,
		},
		{
			name: "confirm keyword",
			text: "confirm tok_abc123",
			want: Command{Kind: CommandConfirm, Token: "tok_abc123"},
			ok:   true,
		},
		{
			name: "approve keyword with colon",
			text: "Approve: tok_abc123 please",
			want: Command{Kind: CommandConfirm, Token: "tok_abc123"},
			ok:   true,
		},
		{
			name: "reject keyword with reason",
			text: "reject tok_abc123\nreason: details could not be verified",
			want: Command{Kind: CommandReject, Token: "tok_abc123", Reason: "details could not be verified"},
			ok:   true,
		},
		{
			name: "reject link without reason",
			text: "https://app.example.com/v1/org-codes/reject/tok_abc123",
			want: Command{Kind: CommandReject, Token: "tok_abc123"},
			ok:   true,
		},
		{
			name: "confirm wins when both appear",
			text: "I rejected the first draft but: confirm tok_abc123",
			want: Command{Kind: CommandConfirm, Token: "tok_abc123"},
			ok:   true,
		},
		{
			name: "no command",
			text: "Thanks for the update, will review next week.",
			ok:   false,
		},
		{
			name: "token too short",
			text: "confirm abc",
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseCommand(tc.text)
			if ok != tc.ok {
				t.Fatalf("ok=%v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDropDirSourceDrainsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeDrop := func(name string, msg spool.InboundMessage) {
		t.Helper()
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	writeDrop("a.json", spool.InboundMessage{From: "dev@example.com", Subject: "re: request", Body: "confirm tok_abc123"})
	writeDrop("b.json", spool.InboundMessage{From: "dev@example.com", Body: "reject tok_def456"})
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	src := NewDropDirSource(dir, nil)
	var msgs []spool.InboundMessage
	delivered, err := src.Drain(context.Background(), func(msg spool.InboundMessage) error {
		msgs = append(msgs, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if delivered != 2 || len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got delivered=%d collected=%d", delivered, len(msgs))
	}
	for _, msg := range msgs {
		if msg.ReceivedAt.IsZero() {
			t.Fatalf("expected ReceivedAt stamped, got %+v", msg)
		}
	}

	// Parsed and malformed JSON files are gone; unrelated files stay.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "notes.txt" {
		t.Fatalf("expected only notes.txt left, got %v", entries)
	}

	again, err := src.Drain(context.Background(), func(spool.InboundMessage) error { return nil })
	if err != nil || again != 0 {
		t.Fatalf("expected drained source, got %d messages err=%v", again, err)
	}
}

func TestDropDirSourceKeepsFileWhenDeliveryFails(t *testing.T) {
	dir := t.TempDir()
	data, err := json.Marshal(spool.InboundMessage{From: "dev@example.com", Body: "confirm tok_abc123"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.json"), data, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	src := NewDropDirSource(dir, nil)
	wantErr := errors.New("disk full")
	delivered, err := src.Drain(context.Background(), func(spool.InboundMessage) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) || delivered != 0 {
		t.Fatalf("expected delivery error surfaced, delivered=%d err=%v", delivered, err)
	}

	// The message must still be on disk for the next pass.
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected drop file kept after failed handoff, got %v err=%v", entries, err)
	}

	delivered, err = src.Drain(context.Background(), func(spool.InboundMessage) error { return nil })
	if err != nil || delivered != 1 {
		t.Fatalf("expected redelivery on the next pass, delivered=%d err=%v", delivered, err)
	}
}

func TestDropDirSourceMissingDirIsEmpty(t *testing.T) {
	src := NewDropDirSource(filepath.Join(t.TempDir(), "nope"), nil)
	delivered, err := src.Drain(context.Background(), func(spool.InboundMessage) error { return nil })
	if err != nil || delivered != 0 {
		t.Fatalf("expected empty result for missing dir, got %d messages err=%v", delivered, err)
	}
}
