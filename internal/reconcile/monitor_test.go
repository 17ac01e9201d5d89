package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/edunexus/spool/internal/spool"
)

func newMonitorQueues(t *testing.T) Queues {
	t.Helper()
	return Queues{
		Outbox:      spool.NewOutboxQueue(spool.NewMemoryBackend(), nil),
		Signups:     spool.NewSignupQueue(spool.NewMemoryBackend(), nil),
		OrgRequests: spool.NewOrgRequestQueue(spool.NewMemoryBackend(), nil),
		Inbound:     spool.NewInboundQueue(spool.NewMemoryBackend(), nil),
	}
}

func TestMonitorAlertsOnBreach(t *testing.T) {
	queues := newMonitorQueues(t)
	for i := 0; i < 3; i++ {
		if _, err := queues.Outbox.Append(spool.OutboxMessage{To: "a@example.com"}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	sender := &fakeSender{}
	monitor := NewMonitor(queues, sender, "ops@example.com", Thresholds{Outbox: 2}, nil)

	if !monitor.CheckOnce(context.Background()) {
		t.Fatalf("expected breach to be reported")
	}
	alerts := sender.sentTo("ops@example.com")
	if len(alerts) != 1 {
		t.Fatalf("expected one summary alert, got %d", len(alerts))
	}
	if !strings.Contains(alerts[0].Body, spool.QueueNameOutbox) {
		t.Fatalf("alert should name the breached queue, got %q", alerts[0].Body)
	}
	if strings.Contains(alerts[0].Body, spool.QueueNameSignups) {
		t.Fatalf("alert should not name healthy queues, got %q", alerts[0].Body)
	}
}

func TestMonitorQuietBelowThreshold(t *testing.T) {
	queues := newMonitorQueues(t)
	if _, err := queues.Signups.Append(spool.SignupIntent{Email: "u@example.com"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	sender := &fakeSender{}
	monitor := NewMonitor(queues, sender, "ops@example.com", Thresholds{}, nil)

	if monitor.CheckOnce(context.Background()) {
		t.Fatalf("expected no breach below the default threshold")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no alert, got %+v", sender.sent)
	}
}
