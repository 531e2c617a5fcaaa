package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lunahq/pulse/internal/presence"
)

// eventBuffer is the per-connection queue between the presence broadcaster
// and the transport writer. Broadcasts must not block, so a slow consumer
// loses events rather than stalling everyone else's.
const eventBuffer = 16

// handleEvents implements GET /api/v1/events?user_id=X, the SSE feed of a
// user's realtime notifications. The connection is registered in the presence
// registry for its whole lifetime, which is what makes the user "online" to
// the delivery engine.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := make(chan presence.Event, eventBuffer)
	sub := s.cfg.Presence.Subscribe(userID, func(ev presence.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer s.cfg.Presence.Unsubscribe(sub)

	s.logger.Info("sse: client connected", "user_id", userID)
	defer s.logger.Info("sse: client disconnected", "user_id", userID)

	// Leading comment forces proxies to flush the response headers.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.logger.Debug("sse: write failed (client disconnected?)", "user_id", userID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleWS implements GET /api/v1/ws?user_id=X, the same event feed over a
// WebSocket for clients that keep a bidirectional channel open.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// The feed is server-to-client only. CloseRead drains inbound frames and
	// cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	events := make(chan presence.Event, eventBuffer)
	sub := s.cfg.Presence.Subscribe(userID, func(ev presence.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer s.cfg.Presence.Unsubscribe(sub)

	s.logger.Info("ws: client connected", "user_id", userID)
	defer s.logger.Info("ws: client disconnected", "user_id", userID)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}

		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: write failed", "user_id", userID, "error", err)
				return
			}
		}
	}
}
