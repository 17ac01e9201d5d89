package httpapi

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/edunexus/spool/internal/spool"
)

func (s *Server) queueDepths() map[string]int {
	return map[string]int{
		spool.QueueNameOutbox:      s.queues.Outbox.Depth(),
		spool.QueueNameSignups:     s.queues.Signups.Depth(),
		spool.QueueNameOrgRequests: s.queues.OrgRequests.Depth(),
		spool.QueueNameInbound:     s.queues.Inbound.Depth(),
	}
}

func (s *Server) handleAdminQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
		"depths":      s.queueDepths(),
	})
}

func (s *Server) handleAdminQueueItems(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var (
		items any
		err   error
	)
	switch r.PathValue("queue") {
	case spool.QueueNameOutbox:
		items, err = s.queues.Outbox.ListAll()
	case spool.QueueNameSignups:
		items, err = s.queues.Signups.ListAll()
	case spool.QueueNameOrgRequests:
		items, err = s.queues.OrgRequests.ListAll()
	case spool.QueueNameInbound:
		items, err = s.queues.Inbound.ListAll()
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown queue", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleAdminQueueRetry requeues items for another round of attempts. With
// an id in the body only that item is touched, otherwise every non-terminal
// item in the queue gets its attempt counter reset.
func (s *Server) handleAdminQueueRetry(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var body struct {
		ID string `json:"id"`
	}
	if r.ContentLength > 0 && !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	reset := func(meta *spool.Item) {
		if body.ID != "" && meta.ID != body.ID {
			return
		}
		if meta.Status == spool.StatusQueued || meta.Status == spool.StatusFailed {
			meta.Status = spool.StatusQueued
			meta.Attempts = 0
		}
	}
	var err error
	switch r.PathValue("queue") {
	case spool.QueueNameOutbox:
		err = s.queues.Outbox.Update(func(m *spool.OutboxMessage) { reset(m.Meta()) })
	case spool.QueueNameSignups:
		err = s.queues.Signups.Update(func(m *spool.SignupIntent) { reset(m.Meta()) })
	case spool.QueueNameOrgRequests:
		err = s.queues.OrgRequests.Update(func(m *spool.OrgRequestEntry) { reset(m.Meta()) })
	case spool.QueueNameInbound:
		err = s.queues.Inbound.Update(func(m *spool.InboundMessage) { reset(m.Meta()) })
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown queue", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.kickWorker()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}

func (s *Server) handleAdminRun(w http.ResponseWriter, r *http.Request) {
	if s.kick == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "worker loop is not running", getCorrelationID(r))
		return
	}
	s.kickWorker()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// handleAdminLive streams queue depths over a websocket so the ops
// dashboard can watch a drain in real time.
func (s *Server) handleAdminLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		if err := wsjson.Write(ctx, conn, map[string]any{
			"at":     time.Now().UTC().Format(time.RFC3339),
			"depths": s.queueDepths(),
		}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
