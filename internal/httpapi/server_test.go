package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/orgcode"
	"github.com/edunexus/spool/internal/reconcile"
	"github.com/edunexus/spool/internal/spool"
	"github.com/edunexus/spool/internal/store"
)

type serverRig struct {
	store  *store.Memory
	queues reconcile.Queues
	mux    http.Handler
}

// newServerRig wires a server the way the daemon does, with no delivery
// providers configured: every send spills to the outbox, which lets tests
// read outbound mail straight off the queue.
func newServerRig(t *testing.T, cfg Config) *serverRig {
	t.Helper()
	queues := reconcile.Queues{
		Outbox:      spool.NewOutboxQueue(spool.NewMemoryBackend(), nil),
		Signups:     spool.NewSignupQueue(spool.NewMemoryBackend(), nil),
		OrgRequests: spool.NewOrgRequestQueue(spool.NewMemoryBackend(), nil),
		Inbound:     spool.NewInboundQueue(spool.NewMemoryBackend(), nil),
	}
	mem := store.NewMemory()
	sender := delivery.NewChain(nil, reconcile.OutboxSpill{Queue: queues.Outbox}, nil)
	worker := reconcile.New(reconcile.Options{
		Queues:  queues,
		Primary: mem,
		Sender:  sender,
		Config: reconcile.Config{
			BaseURL:        "https://app.example.com",
			DevNotifyEmail: "dev@example.com",
		},
	})
	srv := NewServer(Options{
		Queues: queues,
		Store:  mem,
		Sender: sender,
		Worker: worker,
		Config: cfg,
	})
	return &serverRig{store: mem, queues: queues, mux: srv.Routes()}
}

func (rig *serverRig) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	rig.mux.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestSignupLiveQueuedAndDuplicate(t *testing.T) {
	rig := newServerRig(t, Config{})

	rec := rig.do(t, http.MethodPost, "/v1/signups", `{"email":"u@example.com","passwordHash":"h"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "created" || body["id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = rig.do(t, http.MethodPost, "/v1/signups", `{"email":"U@example.com","passwordHash":"h"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d: %s", rec.Code, rec.Body.String())
	}

	rig.store.SetReachable(false)
	rec = rig.do(t, http.MethodPost, "/v1/signups", `{"email":"v@example.com","passwordHash":"h"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 during outage, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "queued" {
		t.Fatalf("unexpected body: %v", body)
	}
	if depth := rig.queues.Signups.Depth(); depth != 1 {
		t.Fatalf("expected one queued intent, depth=%d", depth)
	}
}

func TestSignupRequiresEmailAndHash(t *testing.T) {
	rig := newServerRig(t, Config{})
	rec := rig.do(t, http.MethodPost, "/v1/signups", `{"email":"u@example.com"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOrgCodeRequestThenConfirmLink(t *testing.T) {
	rig := newServerRig(t, Config{})

	rec := rig.do(t, http.MethodPost, "/v1/org-codes",
		`{"managementEmail":"head@school.example","orgType":"school"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "pending" {
		t.Fatalf("unexpected body: %v", body)
	}
	// The token is the confirm capability; it only travels to the developer.
	if _, leaked := body["token"]; leaked {
		t.Fatalf("token must not be returned to the requester: %v", body)
	}

	// With no providers the dev notification and the requester ack both
	// spill to the outbox. The dev mail carries the token.
	queued, err := rig.queues.Outbox.ListAll()
	if err != nil || len(queued) != 2 {
		t.Fatalf("expected 2 spilled messages, got %d err=%v", len(queued), err)
	}
	var token string
	for _, msg := range queued {
		if msg.To != "dev@example.com" {
			continue
		}
		cmd, ok := reconcile.ParseCommand(msg.Body)
		if !ok || cmd.Kind != reconcile.CommandConfirm {
			t.Fatalf("dev mail should carry a confirm command, got %+v ok=%v", cmd, ok)
		}
		token = cmd.Token
	}
	if token == "" {
		t.Fatalf("no dev notification found in outbox: %+v", queued)
	}

	rec = rig.do(t, http.MethodGet, "/v1/org-codes/confirm/"+token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	confirmed := decodeBody(t, rec)
	code, _ := confirmed["orgCode"].(string)
	if confirmed["status"] != "confirmed" || len(code) != 6 {
		t.Fatalf("unexpected confirm response: %v", confirmed)
	}

	// Clicking the link twice must return the same code, not mint another.
	rec = rig.do(t, http.MethodGet, "/v1/org-codes/confirm/"+token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", rec.Code, rec.Body.String())
	}
	if replay := decodeBody(t, rec); replay["orgCode"] != code {
		t.Fatalf("replay returned a different code: %v vs %q", replay["orgCode"], code)
	}
}

func TestOrgCodeRequestRefusedWhenCodeActive(t *testing.T) {
	rig := newServerRig(t, Config{})
	existing, _ := orgcode.NewRequest("head@school.example", orgcode.OrgTypeSchool, "")
	existing.Status = orgcode.StatusConfirmed
	existing.OrgCode = "ABC123"
	if err := rig.store.SaveRequest(context.Background(), existing); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	rec := rig.do(t, http.MethodPost, "/v1/org-codes",
		`{"managementEmail":"head@school.example","orgType":"school"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["code"] != "code_exists" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestOrgCodeRequestMirroredDuringOutage(t *testing.T) {
	rig := newServerRig(t, Config{})
	rig.store.SetReachable(false)

	rec := rig.do(t, http.MethodPost, "/v1/org-codes",
		`{"managementEmail":"head@school.example","orgType":"school"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 during outage, got %d: %s", rec.Code, rec.Body.String())
	}
	if depth := rig.queues.OrgRequests.Depth(); depth != 1 {
		t.Fatalf("expected request mirrored to disk queue, depth=%d", depth)
	}
	if depth := rig.queues.Outbox.Depth(); depth != 2 {
		t.Fatalf("expected notifications queued for later delivery, depth=%d", depth)
	}
}

func TestRejectCarriesReasonAndMapsErrors(t *testing.T) {
	rig := newServerRig(t, Config{})
	req, _ := orgcode.NewRequest("head@school.example", orgcode.OrgTypeSchool, "")
	if err := rig.store.SaveRequest(context.Background(), req); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	rec := rig.do(t, http.MethodPost, "/v1/org-codes/reject/"+req.Token,
		`{"reason":"could not verify"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "rejected" || body["reason"] != "could not verify" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = rig.do(t, http.MethodGet, "/v1/org-codes/confirm/missing-token", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInboundWebhookAuthAndValidation(t *testing.T) {
	disabled := newServerRig(t, Config{})
	rec := disabled.do(t, http.MethodPost, "/v1/webhook/inbound", `{"from":"a","body":"b"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with no secret configured, got %d", rec.Code)
	}

	rig := newServerRig(t, Config{WebhookSecret: "s3cret"})
	rec = rig.do(t, http.MethodPost, "/v1/webhook/inbound", `{"from":"a","body":"b"}`,
		map[string]string{"X-Webhook-Secret": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", rec.Code)
	}

	auth := map[string]string{"X-Webhook-Secret": "s3cret"}
	rec = rig.do(t, http.MethodPost, "/v1/webhook/inbound", `{"from":"a"}`, auth)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body field, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = rig.do(t, http.MethodPost, "/v1/webhook/inbound",
		`{"from":"dev@example.com","subject":"re: request","body":"confirm tok_abc123"}`, auth)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if depth := rig.queues.Inbound.Depth(); depth != 1 {
		t.Fatalf("expected one queued inbound message, depth=%d", depth)
	}
}

func TestAdminSurfaceAuth(t *testing.T) {
	disabled := newServerRig(t, Config{})
	rec := disabled.do(t, http.MethodGet, "/v1/admin/queues", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with no admin key configured, got %d", rec.Code)
	}

	rig := newServerRig(t, Config{AdminKey: "k3y"})
	rec = rig.do(t, http.MethodGet, "/v1/admin/queues", "", map[string]string{"X-Admin-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", rec.Code)
	}

	auth := map[string]string{"X-Admin-Key": "k3y"}
	rec = rig.do(t, http.MethodGet, "/v1/admin/queues", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	depths, ok := body["depths"].(map[string]any)
	if !ok {
		t.Fatalf("expected depths map, got %v", body)
	}
	for _, name := range []string{spool.QueueNameOutbox, spool.QueueNameSignups, spool.QueueNameOrgRequests, spool.QueueNameInbound} {
		if _, ok := depths[name]; !ok {
			t.Fatalf("depths missing queue %q: %v", name, depths)
		}
	}

	rec = rig.do(t, http.MethodGet, "/v1/admin/queues/nonsense", "", auth)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown queue, got %d", rec.Code)
	}
}

func TestAdminRetryResetsFailedItems(t *testing.T) {
	rig := newServerRig(t, Config{AdminKey: "k3y"})
	auth := map[string]string{"X-Admin-Key": "k3y"}
	if _, err := rig.queues.Outbox.Append(spool.OutboxMessage{To: "a@example.com", Subject: "x"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	err := rig.queues.Outbox.Update(func(m *spool.OutboxMessage) {
		m.Status = spool.StatusFailed
		m.Attempts = 3
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	rec := rig.do(t, http.MethodPost, "/v1/admin/queues/outbox/retry", "", auth)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	items, _ := rig.queues.Outbox.ListAll()
	if len(items) != 1 || items[0].Status != spool.StatusQueued || items[0].Attempts != 0 {
		t.Fatalf("expected item requeued with reset attempts, got %+v", items)
	}
}

func TestPublicEndpointsAreRateLimited(t *testing.T) {
	rig := newServerRig(t, Config{RateLimitMax: 2})
	for i := 0; i < 2; i++ {
		rec := rig.do(t, http.MethodPost, "/v1/signups", `{}`, nil)
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d should not be limited", i)
		}
	}
	rec := rig.do(t, http.MethodPost, "/v1/signups", `{}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on limited response")
	}
}
