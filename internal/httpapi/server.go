package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskpilot/taskpilot/internal/calsync"
)

// notificationSchema is the boundary contract for inbound change
// notifications. Everything beyond this single validation step works on the
// typed calsync.Notification.
const notificationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"eventId": {"type": "string", "minLength": 1},
		"calendarId": {"type": "string"},
		"action": {"enum": ["created", "updated", "deleted"]}
	},
	"required": ["eventId"]
}`

type ServerConfig struct {
	JWTSecret       string
	ChannelToken    string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Services are the engine components the server fronts.
type Services struct {
	Credentials *calsync.CredentialManager
	Engine      *calsync.SyncEngine
	Importer    *calsync.Importer
	Reconciler  *calsync.Reconciler
	Client      calsync.CalendarClient
}

type Server struct {
	svc         Services
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schema      *jsonschema.Schema
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc Services) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc Services, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		cfg:         cfg,
		rateLimiter: limiter,
		schema:      mustCompileNotificationSchema(),
	}
}

func mustCompileNotificationSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("notification.json")
	if err != nil {
		panic(err)
	}
	return schema
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhooks/calendar" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/oauth/callback" && r.Method == http.MethodGet {
		s.handleOAuthCallback(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 5 || parts[0] != "v1" || parts[1] != "users" || parts[3] != "calendar" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	switch {
	case parts[4] == "connect" && r.Method == http.MethodGet:
		requiredScope = "calendar:write"
		route = "connect"
	case parts[4] == "status" && r.Method == http.MethodGet:
		requiredScope = "calendar:read"
		route = "status"
	case parts[4] == "disconnect" && r.Method == http.MethodPost:
		requiredScope = "calendar:write"
		route = "disconnect"
	case parts[4] == "calendars" && r.Method == http.MethodGet:
		requiredScope = "calendar:read"
		route = "calendars"
	case parts[4] == "import" && r.Method == http.MethodPost:
		requiredScope = "calendar:write"
		route = "import"
	case parts[4] == "sync" && r.Method == http.MethodPost:
		requiredScope = "calendar:write"
		route = "sync"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		key := claims.UserID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "connect":
		s.handleConnect(w, r, userID, correlationID)
	case "status":
		s.handleStatus(w, r, userID, correlationID)
	case "disconnect":
		s.handleDisconnect(w, r, userID, correlationID)
	case "calendars":
		s.handleListCalendars(w, r, userID, correlationID)
	case "import":
		s.handleImport(w, r, userID, correlationID)
	case "sync":
		s.handleSyncPeriod(w, r, userID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleWebhook is the inbound notification boundary. Business outcomes,
// including non-matches, are 200 responses with a discriminated action; only
// store and provider failures map to failure statuses.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := verifyChannelToken(s.cfg.ChannelToken, r.Header.Get("X-Channel-Token")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
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
	if err := s.schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid notification: "+err.Error(), correlationID)
		return
	}
	var notification calsync.Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	result, err := s.svc.Reconciler.Reconcile(r.Context(), notification)
	if err != nil {
		switch {
		case errors.Is(err, calsync.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, calsync.ErrStoreFailure):
			writeError(w, http.StatusInternalServerError, "store_failure", err.Error(), correlationID)
		case errors.Is(err, calsync.ErrAuthExpired), errors.Is(err, calsync.ErrTransient):
			writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error(), correlationID)
		default:
			log.Printf("httpapi: webhook reconcile failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "reconcile failed", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing state or code", correlationID)
		return
	}
	userID, err := s.svc.Credentials.VerifyState(state)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid state", correlationID)
		return
	}
	if err := s.svc.Credentials.HandleCallback(r.Context(), userID, code); err != nil {
		writeCalsyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true, "userId": userID})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	consentURL, err := s.svc.Credentials.ConsentURL(userID)
	if err != nil {
		writeCalsyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": consentURL})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	connected, err := s.svc.Credentials.Connected(r.Context(), userID)
	if err != nil {
		writeCalsyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	if err := s.svc.Credentials.Disconnect(r.Context(), userID); err != nil {
		writeCalsyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	calendars, err := s.svc.Client.ListCalendars(r.Context(), userID)
	if err != nil {
		writeCalsyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": calendars})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		From       string `json:"from"`
		To         string `json:"to"`
		CalendarID string `json:"calendarId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	from, err := time.Parse(calsync.DateLayout, req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid from date", correlationID)
		return
	}
	to, err := time.Parse(calsync.DateLayout, req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid to date", correlationID)
		return
	}
	// Make the range end-inclusive for date-only input.
	result, err := s.svc.Importer.Import(r.Context(), userID, from, to.Add(24*time.Hour), req.CalendarID)
	if err != nil {
		writeCalsyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncPeriod(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	result, err := s.svc.Engine.SyncPeriod(r.Context(), userID, req.From, req.To)
	if err != nil {
		writeCalsyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read request body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
		return nil, false
	}
	return body, true
}

func writeCalsyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, calsync.ErrInvalidInput), errors.Is(err, calsync.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, "auth_expired", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrTransient):
		writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrStoreFailure):
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	})
}
