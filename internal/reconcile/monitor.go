package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/spool"
)

// DefaultDepthThreshold is the alert line per queue when no explicit
// threshold is configured.
const DefaultDepthThreshold = 50

// Thresholds sets the per-queue alert line. Zero fields fall back to
// DefaultDepthThreshold.
type Thresholds struct {
	Outbox      int
	Signups     int
	OrgRequests int
	Inbound     int
}

func (t Thresholds) normalized() Thresholds {
	def := func(v int) int {
		if v <= 0 {
			return DefaultDepthThreshold
		}
		return v
	}
	return Thresholds{
		Outbox:      def(t.Outbox),
		Signups:     def(t.Signups),
		OrgRequests: def(t.OrgRequests),
		Inbound:     def(t.Inbound),
	}
}

// Monitor watches queue depths and alerts the admin when a queue exceeds
// its threshold: growth means the worker is not keeping up or an upstream
// dependency has been down for a while.
type Monitor struct {
	queues     Queues
	sender     delivery.Sender
	adminEmail string
	thresholds Thresholds
	logger     *zap.SugaredLogger
}

func NewMonitor(queues Queues, sender delivery.Sender, adminEmail string, thresholds Thresholds, logger *zap.SugaredLogger) *Monitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Monitor{
		queues:     queues,
		sender:     sender,
		adminEmail: strings.TrimSpace(adminEmail),
		thresholds: thresholds.normalized(),
		logger:     logger,
	}
}

// CheckOnce measures all queues and sends a single summary alert covering
// every breach. Returns whether any threshold was exceeded.
func (m *Monitor) CheckOnce(ctx context.Context) bool {
	type gauge struct {
		name      string
		depth     int
		threshold int
	}
	gauges := []gauge{
		{spool.QueueNameOutbox, m.queues.Outbox.Depth(), m.thresholds.Outbox},
		{spool.QueueNameSignups, m.queues.Signups.Depth(), m.thresholds.Signups},
		{spool.QueueNameOrgRequests, m.queues.OrgRequests.Depth(), m.thresholds.OrgRequests},
		{spool.QueueNameInbound, m.queues.Inbound.Depth(), m.thresholds.Inbound},
	}
	var breaches []string
	for _, g := range gauges {
		if g.depth > g.threshold {
			breaches = append(breaches, fmt.Sprintf("- %s: %d queued (threshold %d)", g.name, g.depth, g.threshold))
			m.logger.Warnw("queue depth over threshold", "queue", g.name, "depth", g.depth, "threshold", g.threshold)
		}
	}
	if len(breaches) == 0 {
		return false
	}
	if m.adminEmail == "" || m.sender == nil {
		return true
	}
	m.sender.Send(ctx, delivery.Message{
		To:      m.adminEmail,
		Subject: fmt.Sprintf("[spool] %d queue(s) over depth threshold", len(breaches)),
		Body: "The following durable queues have grown past their alert thresholds. " +
			"Check store reachability and delivery provider health.\n\n" +
			strings.Join(breaches, "\n") + "\n",
	})
	return true
}

// Run checks at the given interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}
