package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lunahq/pulse/internal/gateway"
	"github.com/lunahq/pulse/internal/presence"
)

// sseConnect opens the SSE feed and consumes the leading ": connected"
// comment, so the caller knows the subscription is registered.
func sseConnect(t *testing.T, url string) (*bufio.Reader, func()) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		resp.Body.Close()
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(line, ": connected") {
		resp.Body.Close()
		t.Fatalf("expected connected comment, got %q", line)
	}
	return reader, func() { resp.Body.Close() }
}

// sseNextData reads lines until the next data frame, skipping comments.
func sseNextData(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	t.Fatal("no data frame before timeout")
	return ""
}

func TestSSE_StreamsBroadcasts(t *testing.T) {
	reg := presence.NewRegistry()
	ts, _ := newTestServer(t, func(c *gateway.Config) {
		c.Presence = reg
		c.HeartbeatInterval = 25 * time.Millisecond
	})

	reader, closeStream := sseConnect(t, ts.URL+"/api/v1/events?user_id=u1&api_key="+testAuthToken)
	defer closeStream()

	waitFor(t, time.Second, func() bool { return reg.IsOnline("u1") })

	reached := reg.Broadcast("u1", presence.Event{
		Type:    "notification",
		UserID:  "u1",
		Payload: map[string]any{"text": "Your reminder fired"},
	})
	if reached != 1 {
		t.Fatalf("expected broadcast to reach 1 subscriber, got %d", reached)
	}

	var ev presence.Event
	if err := json.Unmarshal([]byte(sseNextData(t, reader)), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "notification" || ev.UserID != "u1" {
		t.Fatalf("wrong event: %+v", ev)
	}
	payload, _ := ev.Payload.(map[string]any)
	if payload["text"] != "Your reminder fired" {
		t.Fatalf("wrong payload: %v", ev.Payload)
	}
}

func TestSSE_HeartbeatComments(t *testing.T) {
	reg := presence.NewRegistry()
	ts, _ := newTestServer(t, func(c *gateway.Config) {
		c.Presence = reg
		c.HeartbeatInterval = 25 * time.Millisecond
	})

	reader, closeStream := sseConnect(t, ts.URL+"/api/v1/events?user_id=u1&api_key="+testAuthToken)
	defer closeStream()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, ": heartbeat") {
			return
		}
	}
	t.Fatal("no heartbeat before timeout")
}

func TestSSE_UnsubscribesOnDisconnect(t *testing.T) {
	reg := presence.NewRegistry()
	ts, _ := newTestServer(t, func(c *gateway.Config) {
		c.Presence = reg
		c.HeartbeatInterval = 25 * time.Millisecond
	})

	_, closeStream := sseConnect(t, ts.URL+"/api/v1/events?user_id=u1&api_key="+testAuthToken)
	waitFor(t, time.Second, func() bool { return reg.TotalSubscribers() == 1 })

	closeStream()
	waitFor(t, 3*time.Second, func() bool { return reg.TotalSubscribers() == 0 })
}

func TestSSE_RequiresUserID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := apiReq(t, ts, http.MethodGet, "/api/v1/events", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func connectWS(t *testing.T, serverURL, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	dialOpts := &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + testAuthToken},
		},
	}
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/v1/ws?user_id=" + userID
	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	return conn
}

func TestWS_StreamsBroadcasts(t *testing.T) {
	reg := presence.NewRegistry()
	ts, _ := newTestServer(t, func(c *gateway.Config) {
		c.Presence = reg
	})

	conn := connectWS(t, ts.URL, "u1")
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	waitFor(t, time.Second, func() bool { return reg.IsOnline("u1") })

	reg.Broadcast("u1", presence.Event{
		Type:    "notification",
		UserID:  "u1",
		Payload: map[string]any{"text": "ping"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev presence.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "notification" || ev.UserID != "u1" {
		t.Fatalf("wrong event: %+v", ev)
	}
}

func TestWS_UnsubscribesOnClose(t *testing.T) {
	reg := presence.NewRegistry()
	ts, _ := newTestServer(t, func(c *gateway.Config) {
		c.Presence = reg
	})

	conn := connectWS(t, ts.URL, "u1")
	waitFor(t, time.Second, func() bool { return reg.TotalSubscribers() == 1 })

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, 3*time.Second, func() bool { return reg.TotalSubscribers() == 0 })
}

func TestWS_RequiresUserID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := apiReq(t, ts, http.MethodGet, "/api/v1/ws", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
