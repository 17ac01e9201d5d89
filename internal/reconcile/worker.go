// Package reconcile drives the durable queues back toward the live system:
// it drains the outbox through the delivery chain, replays queued signups
// and org-code requests into the store once it is reachable, applies
// confirm/reject commands found in inbound mail, and watches queue depths.
// Every pass is idempotent; running twice against the same state performs
// the work at most once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/obs"
	"github.com/edunexus/spool/internal/orgcode"
	"github.com/edunexus/spool/internal/spool"
	"github.com/edunexus/spool/internal/store"
)

// Queues bundles the four durable queues a worker drives.
type Queues struct {
	Outbox      *spool.OutboxQueue
	Signups     *spool.SignupQueue
	OrgRequests *spool.OrgRequestQueue
	Inbound     *spool.InboundQueue
}

type Config struct {
	// MaxAttempts is the retry ceiling per item. Zero means
	// spool.DefaultMaxAttempts.
	MaxAttempts int
	// BaseURL is the public origin used to build confirm/reject links.
	BaseURL string
	// DevNotifyEmail receives org-code approval requests.
	DevNotifyEmail string
	// AdminAlertEmail receives drop and backlog alerts. Empty disables them.
	AdminAlertEmail string
	// AllowFallback permits signup replay into the fallback store while the
	// primary is down. Off by default: replaying into a second store creates
	// a reconciliation problem of its own.
	AllowFallback bool
}

type Options struct {
	Queues   Queues
	Primary  store.RecordStore
	Fallback store.RecordStore
	Sender   delivery.Sender
	Inbox    InboundSource
	Metrics  *obs.Metrics
	Logger   *zap.SugaredLogger
	Config   Config
}

// Worker owns the reconciliation passes. It is safe to run a single worker
// per queue directory; passes are serialized by RunLoop.
type Worker struct {
	queues   Queues
	primary  store.RecordStore
	fallback store.RecordStore
	sender   delivery.Sender
	inbox    InboundSource
	metrics  *obs.Metrics
	logger   *zap.SugaredLogger
	cfg      Config
}

func New(opts Options) *Worker {
	cfg := opts.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = spool.DefaultMaxAttempts
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Worker{
		queues:   opts.Queues,
		primary:  opts.Primary,
		fallback: opts.Fallback,
		sender:   opts.Sender,
		inbox:    opts.Inbox,
		metrics:  opts.Metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// RunReport counts the items each stage actually processed in one pass.
type RunReport struct {
	InboxFetched     int `json:"inboxFetched"`
	InboundCommands  int `json:"inboundCommands"`
	OutboxDelivered  int `json:"outboxDelivered"`
	SignupsSynced    int `json:"signupsSynced"`
	OrgRequestsSaved int `json:"orgRequestsSaved"`
}

// PollInboxOnce pulls new messages from the inbound source into the
// durable inbound queue. Without a source it is a no-op. The source keeps
// any message whose append fails, so a full disk stalls intake instead of
// losing mail.
func (w *Worker) PollInboxOnce(ctx context.Context) (int, error) {
	if w.inbox == nil {
		return 0, nil
	}
	fetched, err := w.inbox.Drain(ctx, func(msg spool.InboundMessage) error {
		_, err := w.queues.Inbound.Append(msg)
		return err
	})
	if err != nil {
		return fetched, fmt.Errorf("draining inbound mail: %w", err)
	}
	return fetched, nil
}

// ProcessInboundCommandsOnce scans unprocessed inbound messages for
// confirm/reject commands and applies them through the transition funnel.
// Messages whose command hit a transient failure stay unprocessed and are
// retried on the next pass; messages without a command stay queued until
// an operator clears them (the monitor flags the backlog).
func (w *Worker) ProcessInboundCommandsOnce(ctx context.Context) (int, error) {
	items, err := w.queues.Inbound.ListAll()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	processed := 0
	for _, msg := range items {
		if msg.Processed || msg.Status != spool.StatusQueued {
			continue
		}
		cmd, ok := ParseCommand(msg.Subject + "\n" + msg.Body)
		if !ok {
			continue
		}
		handled, detail, err := w.applyCommand(ctx, cmd)
		now := time.Now().UTC()
		if err != nil {
			w.logger.Warnw("inbound command failed, will retry",
				"kind", cmd.Kind, "token", cmd.Token, "error", err)
			msg.MarkAttemptFailed(err.Error(), now, w.cfg.MaxAttempts)
			continue
		}
		if !handled {
			continue
		}
		msg.Processed = true
		msg.MarkSynced(detail, now)
		processed++
	}
	dropped, err := w.queues.Inbound.Rewrite(items, spool.KeepActive[*spool.InboundMessage](w.cfg.MaxAttempts))
	if err != nil {
		return processed, err
	}
	w.flagDropped(ctx, spool.QueueNameInbound, failedSummaries(dropped))
	return processed, nil
}

// applyCommand routes a command through the decision funnel. Returns
// handled=false with a nil error when the command cannot be applied yet
// and should be retried.
func (w *Worker) applyCommand(ctx context.Context, cmd Command) (bool, string, error) {
	switch cmd.Kind {
	case CommandConfirm:
		_, err := w.ConfirmRequest(ctx, cmd.Token)
		switch {
		case err == nil:
			return true, "command:confirm", nil
		case errors.Is(err, orgcode.ErrNotFound):
			// Request may live only in the unreachable store. Retry.
			return false, "", nil
		case errors.Is(err, orgcode.ErrCodeExists):
			return true, "command:confirm-duplicate", nil
		default:
			return false, "", err
		}
	case CommandReject:
		_, err := w.RejectRequest(ctx, cmd.Token, cmd.Reason)
		switch {
		case err == nil:
			return true, "command:reject", nil
		case errors.Is(err, orgcode.ErrNotFound):
			return false, "", nil
		default:
			return false, "", err
		}
	default:
		return false, "", nil
	}
}

// ConfirmRequest confirms the org-code request behind token, preferring the
// primary store and falling back to the disk mirror when the store is down
// or has not seen the request yet. The management notification follows the
// same split: live chain on the primary path, durable outbox on the mirror
// path. Returns orgcode.ErrCodeExists when the organization already holds
// a confirmed code; the requester is notified about that too.
func (w *Worker) ConfirmRequest(ctx context.Context, token string) (orgcode.Outcome, error) {
	s, viaMirror := w.decisionStore(ctx, token)
	out, err := orgcode.Confirm(ctx, s, token)
	switch {
	case err == nil:
		if out.Minted {
			w.notifyManagement(ctx, approvalMessage(out.Request), viaMirror)
		}
	case errors.Is(err, orgcode.ErrCodeExists):
		w.notifyManagement(ctx, duplicateCodeMessage(out.Request), viaMirror)
	}
	return out, err
}

// RejectRequest rejects the org-code request behind token with an optional
// reason, using the same store routing as ConfirmRequest.
func (w *Worker) RejectRequest(ctx context.Context, token, reason string) (orgcode.Outcome, error) {
	s, viaMirror := w.decisionStore(ctx, token)
	out, err := orgcode.Reject(ctx, s, token, reason)
	if err == nil && out.Changed {
		w.notifyManagement(ctx, rejectionMessage(out.Request), viaMirror)
	}
	return out, err
}

// decisionStore picks where a transition for token should run. The mirror
// wins when the primary is down, and also when the primary has never seen
// the token: a request created during an outage lives only on disk until
// the org-request pass replays it.
func (w *Worker) decisionStore(ctx context.Context, token string) (orgcode.Store, bool) {
	mirror := mirrorStore{queue: w.queues.OrgRequests}
	if w.primary == nil || !w.primary.Probe(ctx) {
		return mirror, true
	}
	if _, err := w.primary.GetRequest(ctx, token); errors.Is(err, orgcode.ErrNotFound) {
		if _, mErr := mirror.GetRequest(ctx, token); mErr == nil {
			return mirror, true
		}
	}
	return w.primary, false
}

// notifyManagement sends through the chain on the live path, but goes
// straight to the durable outbox when the transition ran against the disk
// mirror: if the store is down the mail infrastructure is suspect too, and
// the outbox drain will deliver once things recover.
func (w *Worker) notifyManagement(ctx context.Context, msg delivery.Message, viaMirror bool) {
	if viaMirror {
		if _, err := w.queues.Outbox.Append(spool.OutboxMessage{
			To:      msg.To,
			Subject: msg.Subject,
			Body:    msg.Body,
			ReplyTo: msg.ReplyTo,
		}); err != nil {
			w.logger.Errorw("queueing notification failed", "to", msg.To, "error", err)
		}
		return
	}
	provider, ok := w.sender.Send(ctx, msg)
	w.countDelivery(provider, ok)
}

// ProcessOutboxOnce attempts delivery of every queued outbox message.
// Successes are marked sent and dropped on rewrite; failures count an
// attempt and stay queued until the retry ceiling.
func (w *Worker) ProcessOutboxOnce(ctx context.Context) (int, error) {
	items, err := w.queues.Outbox.ListAll()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	delivered := 0
	for _, msg := range items {
		if msg.Status != spool.StatusQueued {
			continue
		}
		provider, ok := w.sender.Attempt(ctx, delivery.Message{
			To:      msg.To,
			Subject: msg.Subject,
			Body:    msg.Body,
			ReplyTo: msg.ReplyTo,
		})
		w.countDelivery(provider, ok)
		now := time.Now().UTC()
		if ok {
			msg.MarkSent(provider, now)
			delivered++
		} else {
			msg.MarkAttemptFailed("all providers failed", now, w.cfg.MaxAttempts)
		}
	}
	dropped, err := w.queues.Outbox.Rewrite(items, spool.KeepActive[*spool.OutboxMessage](w.cfg.MaxAttempts))
	if err != nil {
		return delivered, err
	}
	w.flagDropped(ctx, spool.QueueNameOutbox, failedSummaries(dropped))
	return delivered, nil
}

// ProcessSignupQueueOnce replays queued signups into the store. The pass
// probes first and skips entirely during an outage so attempts are not
// burned while the store is known to be down. A duplicate is terminal:
// the user already exists, so the intent is marked failed and dropped.
func (w *Worker) ProcessSignupQueueOnce(ctx context.Context) (int, error) {
	items, err := w.queues.Signups.ListAll()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	target := w.primary
	detail := "primary"
	if w.primary == nil || !w.primary.Probe(ctx) {
		if !w.cfg.AllowFallback || w.fallback == nil || !w.fallback.Probe(ctx) {
			w.logger.Infow("store unreachable, skipping signup replay", "queued", len(items))
			return 0, nil
		}
		target = w.fallback
		detail = "fallback"
	}
	synced := 0
	for _, intent := range items {
		if intent.Status != spool.StatusQueued {
			continue
		}
		_, err := target.InsertUser(ctx, store.SignupRecord{
			Name:         intent.Name,
			Email:        intent.Email,
			PasswordHash: intent.PasswordHash,
			Role:         intent.Role,
			Extra:        intent.Extra,
		})
		now := time.Now().UTC()
		switch {
		case err == nil:
			intent.MarkSynced(detail, now)
			synced++
		case isDuplicate(err):
			intent.MarkFailed("duplicate email", now)
			w.logger.Infow("queued signup already exists, dropping", "email", intent.Email)
		default:
			intent.MarkAttemptFailed(err.Error(), now, w.cfg.MaxAttempts)
		}
	}
	dropped, err := w.queues.Signups.Rewrite(items, spool.KeepActive[*spool.SignupIntent](w.cfg.MaxAttempts))
	if err != nil {
		return synced, err
	}
	w.flagDropped(ctx, spool.QueueNameSignups, failedSummaries(dropped))
	return synced, nil
}

// ProcessOrgRequestsOnce upserts mirrored org-code requests into the
// primary store. A replayed request that is still pending gets the
// developer notification re-sent: the request path queued one durably, but
// if that outbox append failed the request would otherwise sit pending with
// nobody told. The developer tolerates the occasional duplicate.
func (w *Worker) ProcessOrgRequestsOnce(ctx context.Context) (int, error) {
	items, err := w.queues.OrgRequests.ListAll()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	if w.primary == nil || !w.primary.Probe(ctx) {
		w.logger.Infow("store unreachable, keeping org request mirror", "queued", len(items))
		return 0, nil
	}
	saved := 0
	for _, entry := range items {
		if entry.Status != spool.StatusQueued {
			continue
		}
		now := time.Now().UTC()
		if err := w.primary.SaveRequest(ctx, entry.Request); err != nil {
			entry.MarkAttemptFailed(err.Error(), now, w.cfg.MaxAttempts)
			continue
		}
		entry.MarkSynced("primary", now)
		saved++
		if entry.Request.Status == orgcode.StatusPending && w.cfg.DevNotifyEmail != "" {
			provider, ok := w.sender.Send(ctx, w.DevRequestMessage(entry.Request))
			w.countDelivery(provider, ok)
		}
	}
	dropped, err := w.queues.OrgRequests.Rewrite(items, spool.KeepActive[*spool.OrgRequestEntry](w.cfg.MaxAttempts))
	if err != nil {
		return saved, err
	}
	w.flagDropped(ctx, spool.QueueNameOrgRequests, failedSummaries(dropped))
	return saved, nil
}

// RunOnce executes one full reconciliation pass. Stage errors are logged
// and do not stop later stages; the inbox is drained first so commands
// received during an outage act before the queues replay.
func (w *Worker) RunOnce(ctx context.Context) RunReport {
	started := time.Now()
	var report RunReport

	report.InboxFetched = w.runStage(ctx, "inbox", w.PollInboxOnce)
	report.InboundCommands = w.runStage(ctx, "inbound_commands", w.ProcessInboundCommandsOnce)
	report.OutboxDelivered = w.runStage(ctx, "outbox", w.ProcessOutboxOnce)
	report.SignupsSynced = w.runStage(ctx, "signups", w.ProcessSignupQueueOnce)
	report.OrgRequestsSaved = w.runStage(ctx, "org_requests", w.ProcessOrgRequestsOnce)

	if w.metrics != nil {
		w.metrics.RunsTotal.Inc()
		w.metrics.RunDuration.Observe(time.Since(started).Seconds())
		w.metrics.QueueDepth.WithLabelValues(spool.QueueNameOutbox).Set(float64(w.queues.Outbox.Depth()))
		w.metrics.QueueDepth.WithLabelValues(spool.QueueNameSignups).Set(float64(w.queues.Signups.Depth()))
		w.metrics.QueueDepth.WithLabelValues(spool.QueueNameOrgRequests).Set(float64(w.queues.OrgRequests.Depth()))
		w.metrics.QueueDepth.WithLabelValues(spool.QueueNameInbound).Set(float64(w.queues.Inbound.Depth()))
	}
	return report
}

func (w *Worker) runStage(ctx context.Context, stage string, fn func(context.Context) (int, error)) int {
	n, err := fn(ctx)
	if err != nil {
		w.logger.Errorw("worker stage failed", "stage", stage, "error", err)
	}
	if w.metrics != nil && n > 0 {
		w.metrics.StageProcessed.WithLabelValues(stage).Add(float64(n))
	}
	return n
}

// SafeRunOnce runs a pass and converts a panic into a logged error so a
// poisoned record cannot take the loop down.
func (w *Worker) SafeRunOnce(ctx context.Context) (report RunReport) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorw("worker pass panicked", "panic", r)
		}
	}()
	report = w.RunOnce(ctx)
	if report != (RunReport{}) {
		w.logger.Infow("worker pass complete",
			"inboxFetched", report.InboxFetched,
			"inboundCommands", report.InboundCommands,
			"outboxDelivered", report.OutboxDelivered,
			"signupsSynced", report.SignupsSynced,
			"orgRequestsSaved", report.OrgRequestsSaved)
	}
	return report
}

// RunLoop runs passes at the given interval until ctx is cancelled. The
// first pass runs immediately. A tick received mid-pass does not stack;
// Kick delivers at most one extra pass.
func (w *Worker) RunLoop(ctx context.Context, interval time.Duration, kick <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.SafeRunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}

func (w *Worker) countDelivery(provider string, ok bool) {
	if w.metrics == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
		if provider == "" {
			provider = "none"
		}
	}
	w.metrics.DeliveriesTotal.WithLabelValues(provider, outcome).Inc()
}

// flagDropped alerts the admin about items that left a queue terminally
// failed. Items dropped because they completed are not flagged.
func (w *Worker) flagDropped(ctx context.Context, queueName string, summaries []string) {
	if len(summaries) == 0 {
		return
	}
	w.logger.Errorw("dropping terminally failed queue items",
		"queue", queueName, "count", len(summaries))
	if w.cfg.AdminAlertEmail == "" {
		return
	}
	provider, ok := w.sender.Send(ctx, delivery.Message{
		To:      w.cfg.AdminAlertEmail,
		Subject: fmt.Sprintf("[spool] %d item(s) dropped from %s queue", len(summaries), queueName),
		Body: fmt.Sprintf("The following items exhausted their retries or failed permanently and were removed from the %s queue:\n\n%s\n",
			queueName, strings.Join(summaries, "\n")),
	})
	w.countDelivery(provider, ok)
}

func failedSummaries[PT spool.Envelope](dropped []PT) []string {
	var out []string
	for _, item := range dropped {
		meta := item.Meta()
		if meta.Status != spool.StatusFailed {
			continue
		}
		detail := ""
		if n := len(meta.History); n > 0 {
			detail = meta.History[n-1].Detail
		}
		out = append(out, fmt.Sprintf("- %s (attempts=%d, last=%s)", meta.ID, meta.Attempts, detail))
	}
	return out
}

func isDuplicate(err error) bool {
	return errors.Is(err, store.ErrDuplicate)
}

// DevRequestMessage is the developer-facing approval request for a pending
// org-code request, with one-click confirm and reject links and Reply-To
// set so a plain email reply can carry a keyword command instead.
func (w *Worker) DevRequestMessage(req orgcode.Request) delivery.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "A new organization code was requested.\n\n")
	fmt.Fprintf(&b, "Type: %s\n", req.OrgType)
	if req.InstituteID != "" {
		fmt.Fprintf(&b, "Institute ID: %s\n", req.InstituteID)
	}
	fmt.Fprintf(&b, "Management email: %s\n", req.ManagementEmail)
	fmt.Fprintf(&b, "Requested at: %s\n\n", req.RequestedAt.Format(time.RFC3339))
	if w.cfg.BaseURL != "" {
		fmt.Fprintf(&b, "Approve: %s/v1/org-codes/confirm/%s\n", w.cfg.BaseURL, req.Token)
		fmt.Fprintf(&b, "Reject:  %s/v1/org-codes/reject/%s\n\n", w.cfg.BaseURL, req.Token)
	}
	fmt.Fprintf(&b, "Or reply with \"confirm %s\" or \"reject %s reason: ...\".\n", req.Token, req.Token)
	return delivery.Message{
		To:      w.cfg.DevNotifyEmail,
		Subject: fmt.Sprintf("Organization code request (%s)", req.OrgType),
		Body:    b.String(),
		ReplyTo: req.ManagementEmail,
	}
}

func approvalMessage(req orgcode.Request) delivery.Message {
	return delivery.Message{
		To:      req.ManagementEmail,
		Subject: "Organization Code Approved",
		Body: fmt.Sprintf("Your organization code request for %s has been approved.\n\nYour Code: %s\n\nYou can now use this code to register users for your organization.\n",
			req.OrgType, req.OrgCode),
	}
}

func rejectionMessage(req orgcode.Request) delivery.Message {
	body := fmt.Sprintf("Your organization code request for %s was rejected by the developer.\n", req.OrgType)
	if req.RejectionReason != "" {
		body += fmt.Sprintf("\nReason: %s\n", req.RejectionReason)
	}
	return delivery.Message{
		To:      req.ManagementEmail,
		Subject: "Organization Code Request Rejected",
		Body:    body,
	}
}

func duplicateCodeMessage(req orgcode.Request) delivery.Message {
	return delivery.Message{
		To:      req.ManagementEmail,
		Subject: "Organization Code Request Rejected",
		Body:    fmt.Sprintf("Your organization code request for %s was not approved: your organization already holds an active code.\n", req.OrgType),
	}
}
