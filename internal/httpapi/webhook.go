package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/edunexus/spool/internal/delivery"
	"github.com/edunexus/spool/internal/spool"
)

const inboundSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["from", "body"],
  "properties": {
    "from": {"type": "string", "minLength": 1},
    "to": {"type": "string"},
    "subject": {"type": "string"},
    "body": {"type": "string"},
    "receivedAt": {"type": "string", "format": "date-time"}
  }
}`

var inboundSchema = mustCompileInboundSchema()

func mustCompileInboundSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("inbound.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// handleInboundWebhook accepts inbound mail pushed by an external relay
// (mail provider parse hook). The message lands in the durable inbound
// queue; command extraction happens on the next worker pass.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.WebhookSecret == "" {
		writeError(w, http.StatusForbidden, "forbidden", "inbound webhook is disabled", correlationID)
		return
	}
	if !secretEqual(r.Header.Get("X-Webhook-Secret"), s.cfg.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid webhook secret", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := inboundSchema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("payload does not match schema: %v", err), correlationID)
		return
	}

	var payload struct {
		From       string    `json:"from"`
		To         string    `json:"to"`
		Subject    string    `json:"subject"`
		Body       string    `json:"body"`
		ReceivedAt time.Time `json:"receivedAt"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	receivedAt := payload.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	queued, err := s.queues.Inbound.Append(spool.InboundMessage{
		From:       payload.From,
		To:         payload.To,
		Subject:    payload.Subject,
		Body:       payload.Body,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not queue inbound message", correlationID)
		return
	}

	if s.cfg.AdminCopyEmail != "" {
		s.sender.Send(r.Context(), delivery.Message{
			To:      s.cfg.AdminCopyEmail,
			Subject: fmt.Sprintf("Fwd: %s", payload.Subject),
			Body:    fmt.Sprintf("Inbound message from %s:\n\n%s\n", payload.From, payload.Body),
			ReplyTo: payload.From,
		})
	}
	s.kickWorker()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": queued.ID, "status": "queued"})
}
