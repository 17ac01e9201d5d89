// Package httpapi exposes the delivery layer over HTTP: public endpoints
// for signups, outbound mail, and org-code requests; one-click confirm and
// reject links for the developer; an authenticated inbound-mail webhook;
// and an admin surface over the durable queues.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/obs"
	"github.com/edunexus/spool/internal/orgcode"
	"github.com/edunexus/spool/internal/reconcile"
	"github.com/edunexus/spool/internal/spool"
	"github.com/edunexus/spool/internal/store"
)

type Config struct {
	// AdminKey guards the /v1/admin surface. Empty disables it.
	AdminKey string
	// WebhookSecret authenticates the inbound-mail webhook. Empty disables
	// the endpoint.
	WebhookSecret string
	// AdminCopyEmail receives a copy of every inbound webhook message.
	AdminCopyEmail string
	// RateLimitMax requests per RateLimitWindow per client IP on the public
	// endpoints. Zero disables limiting.
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Options struct {
	Queues  reconcile.Queues
	Store   store.RecordStore
	Sender  delivery.Sender
	Worker  *reconcile.Worker
	Metrics *obs.Metrics
	Logger  *zap.SugaredLogger
	// Kick wakes the worker loop for an immediate pass. May be nil.
	Kick   chan<- struct{}
	Config Config
}

type Server struct {
	queues  reconcile.Queues
	store   store.RecordStore
	sender  delivery.Sender
	worker  *reconcile.Worker
	metrics *obs.Metrics
	logger  *zap.SugaredLogger
	kick    chan<- struct{}
	limiter *rateLimiter
	cfg     Config
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	return &Server{
		queues:  opts.Queues,
		store:   opts.Store,
		sender:  opts.Sender,
		worker:  opts.Worker,
		metrics: opts.Metrics,
		logger:  logger,
		kick:    opts.Kick,
		limiter: limiter,
		cfg:     cfg,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/signups", s.limited(s.handleSignup))
	mux.HandleFunc("POST /v1/outbox", s.limited(s.handleOutbox))
	mux.HandleFunc("POST /v1/org-codes", s.limited(s.handleOrgCodeRequest))
	mux.HandleFunc("GET /v1/org-codes/confirm/{token}", s.handleConfirm)
	mux.HandleFunc("POST /v1/org-codes/confirm/{token}", s.handleConfirm)
	mux.HandleFunc("GET /v1/org-codes/reject/{token}", s.handleReject)
	mux.HandleFunc("POST /v1/org-codes/reject/{token}", s.handleReject)
	mux.HandleFunc("POST /v1/webhook/inbound", s.handleInboundWebhook)

	mux.HandleFunc("GET /v1/admin/queues", s.requireAdmin(s.handleAdminQueues))
	mux.HandleFunc("GET /v1/admin/queues/live", s.requireAdmin(s.handleAdminLive))
	mux.HandleFunc("GET /v1/admin/queues/{queue}", s.requireAdmin(s.handleAdminQueueItems))
	mux.HandleFunc("POST /v1/admin/queues/{queue}/retry", s.requireAdmin(s.handleAdminQueueRetry))
	mux.HandleFunc("POST /v1/admin/run", s.requireAdmin(s.handleAdminRun))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.store != nil && !s.store.Probe(r.Context()) {
		status["store"] = "unreachable"
	} else {
		status["store"] = "ok"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		Name         string            `json:"name"`
		Email        string            `json:"email"`
		PasswordHash string            `json:"passwordHash"`
		Role         string            `json:"role"`
		Extra        map[string]string `json:"extra"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || body.PasswordHash == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "email and passwordHash are required", correlationID)
		return
	}

	if s.store != nil && s.store.Probe(r.Context()) {
		id, err := s.store.InsertUser(r.Context(), store.SignupRecord{
			Name:         body.Name,
			Email:        body.Email,
			PasswordHash: body.PasswordHash,
			Role:         body.Role,
			Extra:        body.Extra,
		})
		switch {
		case err == nil:
			writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": "created"})
			return
		case errors.Is(err, store.ErrDuplicate):
			writeError(w, http.StatusConflict, "duplicate", "an account with this email already exists", correlationID)
			return
		default:
			s.logger.Warnw("signup insert failed, queueing", "error", err, "correlationId", correlationID)
		}
	}

	queued, err := s.queues.Signups.Append(spool.SignupIntent{
		Name:         body.Name,
		Email:        body.Email,
		PasswordHash: body.PasswordHash,
		Role:         body.Role,
		Extra:        body.Extra,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not queue signup", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": queued.ID, "status": "queued"})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
		ReplyTo string `json:"replyTo"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.To) == "" || strings.TrimSpace(body.Subject) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "to and subject are required", correlationID)
		return
	}
	queued, err := s.queues.Outbox.Append(spool.OutboxMessage{
		To:      strings.TrimSpace(body.To),
		Subject: body.Subject,
		Body:    body.Body,
		ReplyTo: strings.TrimSpace(body.ReplyTo),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not queue message", correlationID)
		return
	}
	s.kickWorker()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": queued.ID, "status": "queued"})
}

func (s *Server) handleOrgCodeRequest(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		ManagementEmail string `json:"managementEmail"`
		OrgType         string `json:"orgType"`
		InstituteID     string `json:"instituteId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	req, err := orgcode.NewRequest(body.ManagementEmail, orgcode.OrgType(strings.ToLower(strings.TrimSpace(body.OrgType))), body.InstituteID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "managementEmail and a valid orgType are required", correlationID)
		return
	}

	live := s.store != nil && s.store.Probe(r.Context())
	if live {
		exists, err := s.store.HasConfirmedCode(r.Context(), req.OrgType, req.InstituteID, req.ManagementEmail)
		if err != nil {
			live = false
		} else if exists {
			writeError(w, http.StatusConflict, "code_exists", "this organization already holds an active code", correlationID)
			return
		}
	}
	if live {
		if err := s.store.SaveRequest(r.Context(), req); err != nil {
			s.logger.Warnw("saving org request failed, mirroring to disk", "error", err, "correlationId", correlationID)
			live = false
		}
	}
	if !live {
		if _, err := s.queues.OrgRequests.Append(spool.OrgRequestEntry{Request: req}); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "could not persist request", correlationID)
			return
		}
	}

	s.deliverOrQueue(r.Context(), s.worker.DevRequestMessage(req), live)
	s.deliverOrQueue(r.Context(), delivery.Message{
		To:      req.ManagementEmail,
		Subject: "Organization Code Request Received",
		Body:    "Your organization code request was received and is awaiting review. You will get another email once it is approved or rejected.\n",
	}, live)
	s.kickWorker()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(orgcode.StatusPending)})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	out, err := s.worker.ConfirmRequest(r.Context(), r.PathValue("token"))
	s.writeDecision(w, r, out, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" && r.Method == http.MethodPost {
		var body struct {
			Reason string `json:"reason"`
		}
		raw, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if readErr == nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err == nil {
				reason = strings.TrimSpace(body.Reason)
			}
		}
	}
	out, err := s.worker.RejectRequest(r.Context(), r.PathValue("token"), reason)
	s.writeDecision(w, r, out, err)
}

func (s *Server) writeDecision(w http.ResponseWriter, r *http.Request, out orgcode.Outcome, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case err == nil:
		resp := map[string]any{"status": string(out.Request.Status)}
		if out.Request.OrgCode != "" {
			resp["orgCode"] = out.Request.OrgCode
		}
		if out.Request.RejectionReason != "" {
			resp["reason"] = out.Request.RejectionReason
		}
		s.kickWorker()
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, orgcode.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no request for this token", correlationID)
	case errors.Is(err, orgcode.ErrCodeExists):
		writeError(w, http.StatusConflict, "code_exists", "this organization already holds an active code", correlationID)
	case errors.Is(err, orgcode.ErrInvalid):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid token", correlationID)
	default:
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not apply decision, try again", correlationID)
	}
}

// deliverOrQueue sends through the chain when the store side of the system
// is healthy, and goes straight to the durable outbox during an outage.
func (s *Server) deliverOrQueue(ctx context.Context, msg delivery.Message, live bool) {
	if live {
		s.sender.Send(ctx, msg)
		return
	}
	if _, err := s.queues.Outbox.Append(spool.OutboxMessage{
		To:      msg.To,
		Subject: msg.Subject,
		Body:    msg.Body,
		ReplyTo: msg.ReplyTo,
	}); err != nil {
		s.logger.Errorw("queueing notification failed", "to", msg.To, "error", err)
	}
}

func (s *Server) kickWorker() {
	if s.kick == nil {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r), time.Now().UTC()) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next(w, r)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
