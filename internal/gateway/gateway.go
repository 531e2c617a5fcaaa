// Package gateway is the HTTP surface of the pulse daemon: the trigger and
// preference REST API, the inbound webhook, and the realtime event feed over
// SSE and WebSocket. All routes live under /api/v1 behind a middleware chain
// of request size limit, CORS, rate limiting, and bearer-token auth; only
// /healthz is open.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lunahq/pulse/internal/config"
	"github.com/lunahq/pulse/internal/delivery"
	"github.com/lunahq/pulse/internal/otel"
	"github.com/lunahq/pulse/internal/presence"
	"github.com/lunahq/pulse/internal/store"
	"github.com/lunahq/pulse/internal/summarize"
)

const (
	defaultHistoryLimit  = 50
	defaultTriggerLimit  = 20
	defaultHeartbeat     = 30 * time.Second
	linkCodeTTL          = 10 * time.Minute
	bucketEvictInterval  = 5 * time.Minute
	bucketEvictAfterIdle = 30 * time.Minute
)

type Config struct {
	Store     *store.Store
	Engine    *delivery.Engine
	Presence  *presence.Registry
	Scheduler *summarize.Scheduler // nil = inbound messages don't arm idle timers

	// AuthToken guards every route except /healthz. Empty disables the
	// check; pulsed generates a token on first run, so an empty token only
	// occurs in tests.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /status.
	ConfigFingerprint string

	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig

	// MaxBodyBytes caps request bodies. Zero means 10MB.
	MaxBodyBytes int64

	// HeartbeatInterval is the SSE/WS keepalive cadence. Zero means 30s.
	HeartbeatInterval time.Duration

	Metrics *otel.Metrics // nil = no instrumentation
	Logger  *slog.Logger
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	auth      *AuthMiddleware
	ratelimit *RateLimitMiddleware
	started   time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		auth:      NewAuthMiddleware(cfg.AuthToken),
		ratelimit: NewRateLimitMiddleware(cfg.RateLimit),
		started:   time.Now(),
	}
	if cfg.Metrics != nil {
		m := cfg.Metrics
		s.ratelimit.OnReject(func() {
			m.RateLimitRejects.Add(context.Background(), 1)
		})
	}
	return s
}

// StartBucketEviction launches periodic cleanup of idle rate-limit buckets.
// It stops when ctx is canceled.
func (s *Server) StartBucketEviction(ctx context.Context) {
	s.ratelimit.StartEviction(ctx, bucketEvictInterval, bucketEvictAfterIdle)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/triggers", s.handleTriggers)
	mux.HandleFunc("/api/v1/triggers/", s.handleTriggerByID)
	mux.HandleFunc("/api/v1/webhooks/trigger", s.handleWebhookTrigger)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/preferences", s.handlePreferences)
	mux.HandleFunc("/api/v1/push/subscriptions", s.handlePushSubscriptions)
	mux.HandleFunc("/api/v1/push/subscriptions/", s.handlePushSubscriptionByID)
	mux.HandleFunc("/api/v1/telegram/link", s.handleTelegramLink)
	mux.HandleFunc("/api/v1/messages", s.handleMessages)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/ws", s.handleWS)
	mux.HandleFunc("/api/v1/status", s.handleStatus)

	// Innermost first: auth runs last, the size limit sees the raw request.
	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.ratelimit.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.instrument(h)
	return h
}

// instrument records request durations. Streaming endpoints hold the
// connection open, so they are skipped. The ResponseWriter is passed through
// unwrapped to keep http.Flusher and Hijacker visible to SSE and WebSocket
// handlers.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/events" || r.URL.Path == "/api/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", routeLabel(r.URL.Path)),
			))
	})
}

// routeLabel collapses resource IDs so the metric label set stays bounded.
func routeLabel(path string) string {
	for _, prefix := range []string{"/api/v1/triggers/", "/api/v1/push/subscriptions/"} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + ":id"
		}
	}
	return path
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	var depth int64
	if d, err := s.cfg.Store.QueueDepth(ctx); err != nil {
		dbOK = false
	} else {
		depth = d
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"queue_depth":    depth,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	depth, err := s.cfg.Store.QueueDepth(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := s.cfg.Store.TriggerCounts(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	byStatus := make(map[string]int64, len(counts))
	for st, n := range counts {
		byStatus[string(st)] = n
	}
	payload := map[string]any{
		"queue_depth":    depth,
		"triggers":       byStatus,
		"config_hash":    s.cfg.ConfigFingerprint,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Engine != nil {
		payload["delivery"] = s.cfg.Engine.Status()
	}
	if s.cfg.Presence != nil {
		payload["presence"] = map[string]any{
			"online_users": s.cfg.Presence.OnlineUserCount(),
			"subscribers":  s.cfg.Presence.TotalSubscribers(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// --- trigger handlers ---

type enqueueRequest struct {
	UserID          string         `json:"user_id"`
	Type            string         `json:"trigger_type"`
	Source          string         `json:"source"`
	Priority        *int           `json:"priority"`
	Message         string         `json:"message"`
	Payload         map[string]any `json:"payload"`
	DeliveryMethod  string         `json:"delivery_method"`
	TargetSessionID string         `json:"target_session_id"`
	MaxAttempts     int            `json:"max_attempts"`
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTrigger(w, r)
	case http.MethodGet:
		s.listTriggers(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	source := store.TriggerSource(req.Source)
	if source == "" {
		source = store.SourceEvent
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
		UserID:          req.UserID,
		Type:            req.Type,
		Source:          source,
		Priority:        req.Priority,
		Message:         req.Message,
		Payload:         payload,
		DeliveryMethod:  store.DeliveryMethod(req.DeliveryMethod),
		TargetSessionID: req.TargetSessionID,
		MaxAttempts:     req.MaxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("api: trigger enqueued", "trigger_id", t.ID, "user_id", t.UserID, "trigger_type", t.Type)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t)
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultTriggerLimit)
	items, err := s.cfg.Store.ListPendingTriggers(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"triggers": items})
}

func (s *Server) handleTriggerByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/triggers/")
	if id == "" {
		http.Error(w, "trigger id required", http.StatusBadRequest)
		return
	}
	t, err := s.cfg.Store.GetTrigger(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	limit := queryLimit(r, defaultHistoryLimit)
	items, err := s.cfg.Store.ListHistory(r.Context(), userID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.cfg.Store.HistoryCount(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"history": items, "total": total})
}

// --- preference handlers ---

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getPreferences(w, r)
	case http.MethodPut:
		s.updatePreferences(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	prefs, err := s.cfg.Store.GetPreferences(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(prefs)
}

func (s *Server) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		store.PreferencesPatch
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	prefs, err := s.cfg.Store.UpdatePreferences(r.Context(), req.UserID, req.PreferencesPatch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("api: preferences updated", "user_id", req.UserID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(prefs)
}

// --- push subscription handlers ---

func (s *Server) handlePushSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createPushSubscription(w, r)
	case http.MethodGet:
		s.listPushSubscriptions(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createPushSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		Endpoint   string `json:"endpoint"`
		P256dh     string `json:"p256dh"`
		Auth       string `json:"auth"`
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sub, err := s.cfg.Store.SavePushSubscription(r.Context(), req.UserID, req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("api: push subscription saved", "user_id", req.UserID, "subscription_id", sub.ID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sub)
}

func (s *Server) listPushSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	subs, err := s.cfg.Store.ListActivePushSubscriptions(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"subscriptions": subs})
}

func (s *Server) handlePushSubscriptionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/push/subscriptions/")
	if id == "" {
		http.Error(w, "subscription id required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.DeactivatePushSubscription(r.Context(), userID, id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Info("api: push subscription deactivated", "user_id", userID, "subscription_id", id)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"deleted": true})
}

// --- telegram link handlers ---

func (s *Server) handleTelegramLink(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createLinkCode(w, r)
	case http.MethodDelete:
		s.removeTelegramLink(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createLinkCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	code, err := s.cfg.Store.CreateLinkCode(r.Context(), req.UserID, linkCodeTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("api: telegram link code issued", "user_id", req.UserID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":               code,
		"expires_in_seconds": int(linkCodeTTL.Seconds()),
	})
}

func (s *Server) removeTelegramLink(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.DeactivateTelegramLink(r.Context(), userID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Info("api: telegram link removed", "user_id", userID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"unlinked": true})
}

// --- message handler ---

// handleMessages records an inbound user turn. The write re-arms the user's
// idle compaction timer, which is what makes "quiet after a burst of chat"
// observable to the summarize scheduler.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Content == "" {
		http.Error(w, "user_id and content are required", http.StatusBadRequest)
		return
	}
	role := req.Role
	if role == "" {
		role = "user"
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := s.cfg.Store.GetOrCreateUpdatesSession(r.Context(), req.UserID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sessionID = sess.ID
	}
	msgID, err := s.cfg.Store.AppendMessage(r.Context(), sessionID, req.UserID, role, req.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.cfg.Scheduler != nil {
		s.cfg.Scheduler.NoteActivity(r.Context(), req.UserID, sessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session_id": sessionID,
		"message_id": msgID,
	})
}

func queryLimit(r *http.Request, def int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}
