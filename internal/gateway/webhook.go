package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lunahq/pulse/internal/store"
)

// webhookSchemaJSON is the wire contract for POST /api/v1/webhooks/trigger.
// External systems (n8n flows, home automation, CI hooks) post camelCase
// payloads; violations are rejected before any row is written.
const webhookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["userId", "triggerType"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "triggerType": {"type": "string", "minLength": 1},
    "message": {"type": "string"},
    "priority": {"type": "integer", "minimum": 0, "maximum": 10},
    "deliveryMethod": {"type": "string", "enum": ["chat", "push", "sse", "telegram"]},
    "payload": {"type": "object"}
  }
}`

var webhookSchema = mustCompileWebhookSchema()

func mustCompileWebhookSchema() *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs to tell integers from floats.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("webhook.json", doc); err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	schema, err := c.Compile("webhook.json")
	if err != nil {
		panic(fmt.Sprintf("webhook schema: %v", err))
	}
	return schema
}

type webhookRequest struct {
	UserID         string         `json:"userId"`
	TriggerType    string         `json:"triggerType"`
	Message        string         `json:"message"`
	Priority       *int           `json:"priority"`
	DeliveryMethod string         `json:"deliveryMethod"`
	Payload        map[string]any `json:"payload"`
}

// handleWebhookTrigger enqueues a webhook-sourced trigger and acknowledges
// with 202 before delivery is attempted. Delivery runs in a detached
// goroutine with its own error boundary, so a slow downstream channel never
// holds the inbound request open, and a downstream failure is never
// propagated to the already-acknowledged caller.
func (s *Server) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := webhookSchema.Validate(parsed); err != nil {
		s.logger.Warn("webhook: payload rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	payload := ""
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		payload = string(raw)
	}

	t, err := s.cfg.Store.EnqueueTrigger(r.Context(), store.EnqueueInput{
		UserID:         req.UserID,
		Type:           req.TriggerType,
		Source:         store.SourceWebhook,
		Priority:       req.Priority,
		Message:        req.Message,
		Payload:        payload,
		DeliveryMethod: store.DeliveryMethod(req.DeliveryMethod),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("webhook: trigger accepted", "trigger_id", t.ID, "user_id", t.UserID, "trigger_type", t.Type)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": t.ID, "status": t.Status})

	if s.cfg.Engine != nil {
		s.cfg.Engine.DeliverAsync(t)
	}
}
