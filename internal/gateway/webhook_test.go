package gateway_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/lunahq/pulse/internal/store"
)

func TestWebhook_AcceptsAndDeliversDetached(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	resp := apiReq(t, ts, http.MethodPost, "/api/v1/webhooks/trigger", map[string]any{
		"userId":      "u1",
		"triggerType": "external_alert",
		"message":     "Your build finished",
		"priority":    7,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("missing trigger id in ack")
	}
	// The ack reports the pre-delivery state; delivery happens after.
	if body["status"] != string(store.TriggerStatusPending) {
		t.Fatalf("expected PENDING in ack, got %v", body["status"])
	}

	waitFor(t, 3*time.Second, func() bool {
		tr, err := st.GetTrigger(ctx, id)
		return err == nil && tr.Status == store.TriggerStatusDelivered
	})

	entries, err := st.ListHistory(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 1 || entries[0].TriggerID != id {
		t.Fatalf("expected one history entry for %s, got %v", id, entries)
	}
	if entries[0].Source != store.SourceWebhook {
		t.Fatalf("expected webhook source, got %q", entries[0].Source)
	}
}

func TestWebhook_SchemaViolationsRejectedPreMutation(t *testing.T) {
	ts, st := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing userId", map[string]any{"triggerType": "alert"}},
		{"missing triggerType", map[string]any{"userId": "u1"}},
		{"empty userId", map[string]any{"userId": "", "triggerType": "alert"}},
		{"priority too high", map[string]any{"userId": "u1", "triggerType": "alert", "priority": 11}},
		{"priority negative", map[string]any{"userId": "u1", "triggerType": "alert", "priority": -1}},
		{"priority not integer", map[string]any{"userId": "u1", "triggerType": "alert", "priority": 5.5}},
		{"priority wrong type", map[string]any{"userId": "u1", "triggerType": "alert", "priority": "high"}},
		{"unknown method", map[string]any{"userId": "u1", "triggerType": "alert", "deliveryMethod": "carrier-pigeon"}},
		{"payload not object", map[string]any{"userId": "u1", "triggerType": "alert", "payload": []int{1, 2}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := apiReq(t, ts, http.MethodPost, "/api/v1/webhooks/trigger", tc.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}

	depth, err := st.QueueDepth(context.Background())
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("schema violations must not enqueue, depth=%d", depth)
	}
}

func TestWebhook_InvalidJSONRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/webhooks/trigger", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", resp.StatusCode)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := apiReq(t, ts, http.MethodGet, "/api/v1/webhooks/trigger", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestWebhook_PriorityAndMethodCarried(t *testing.T) {
	ts, st := newTestServer(t)

	resp := apiReq(t, ts, http.MethodPost, "/api/v1/webhooks/trigger", map[string]any{
		"userId":         "u1",
		"triggerType":    "external_alert",
		"message":        "High priority ping",
		"priority":       9,
		"deliveryMethod": "push",
		"payload":        map[string]any{"source_system": "ci"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	id, _ := body["id"].(string)

	tr, err := st.GetTrigger(context.Background(), id)
	if err != nil {
		t.Fatalf("get trigger: %v", err)
	}
	if tr.Priority != 9 {
		t.Fatalf("expected priority 9, got %d", tr.Priority)
	}
	if tr.DeliveryMethod != store.DeliveryPush {
		t.Fatalf("expected push method, got %q", tr.DeliveryMethod)
	}
	if tr.Payload == "" || tr.Payload == "{}" {
		t.Fatalf("expected payload carried, got %q", tr.Payload)
	}
}
