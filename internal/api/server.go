// Package api is the management and ingress surface: operators manage
// bindings and inspect connections over authenticated JSON routes, the
// reasoning service posts replies to /api/dispatch, and Telegram delivers
// webhook updates which are verified and pushed into the owning adapter.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"botfleet/internal/adapter"
	"botfleet/internal/config"
	"botfleet/internal/deadletter"
	"botfleet/internal/domain"
	"botfleet/internal/metrics"
)

const maxWebhookBody = 1 << 20

// ConnectionService is the supervisor surface the API exposes.
type ConnectionService interface {
	States() []domain.ConnectionState
	State(key domain.BindingKey) (domain.ConnectionState, bool)
	Restart(key domain.BindingKey) error
	Handle(key domain.BindingKey) (domain.Adapter, bool)
}

// BindingService is the registry surface the API exposes.
type BindingService interface {
	Put(ctx context.Context, b domain.Binding) (domain.Binding, error)
	Get(ctx context.Context, agentID string, platform domain.Platform) (domain.Binding, error)
	Remove(ctx context.Context, agentID string, platform domain.Platform) error
	List(ctx context.Context) ([]domain.Binding, error)
}

// Sender routes outbound replies through live connections.
type Sender interface {
	Dispatch(ctx context.Context, agentID string, platform domain.Platform, chatID, content string) error
}

// DeadLetterLister reads back stored dead letters. Nil when the sink
// publishes to Kafka instead of the local store.
type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]deadletter.Record, error)
}

// Server is the botfleet management API server.
type Server struct {
	connections ConnectionService
	bindings    BindingService
	sender      Sender
	deadLetters DeadLetterLister
	cfg         config.APIConfig
	logger      *slog.Logger
	srv         *http.Server

	mu            sync.Mutex
	webhookLimits map[string]*rate.Limiter
}

// NewServer creates the API server. deadLetters may be nil.
func NewServer(connections ConnectionService, bindings BindingService, sender Sender, deadLetters DeadLetterLister, cfg config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WebhookPerSecond <= 0 {
		cfg.WebhookPerSecond = 10
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = 20
	}
	s := &Server{
		connections:   connections,
		bindings:      bindings,
		sender:        sender,
		deadLetters:   deadLetters,
		cfg:           cfg,
		logger:        logger,
		webhookLimits: make(map[string]*rate.Limiter),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	mux.HandleFunc("POST /webhook/telegram/{agentId}", s.handleTelegramWebhook)
	mux.HandleFunc("GET /api/connections", s.requireAuth(s.handleListConnections))
	mux.HandleFunc("GET /api/connections/{agentId}/{platform}", s.requireAuth(s.handleGetConnection))
	mux.HandleFunc("POST /api/connections/{agentId}/{platform}/restart", s.requireAuth(s.handleRestartConnection))
	mux.HandleFunc("GET /api/bindings", s.requireAuth(s.handleListBindings))
	mux.HandleFunc("GET /api/bindings/{agentId}/{platform}", s.requireAuth(s.handleGetBinding))
	mux.HandleFunc("PUT /api/bindings/{agentId}/{platform}", s.requireAuth(s.handlePutBinding))
	mux.HandleFunc("DELETE /api/bindings/{agentId}/{platform}", s.requireAuth(s.handleDeleteBinding))
	mux.HandleFunc("POST /api/dispatch", s.requireAuth(s.handleDispatch))
	mux.HandleFunc("GET /api/deadletters", s.requireAuth(s.handleListDeadLetters))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.AuthToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Views ---

type connectionView struct {
	AgentID      string    `json:"agent_id"`
	Platform     string    `json:"platform"`
	Status       string    `json:"status"`
	BoundVersion int64     `json:"bound_version"`
	LastError    string    `json:"last_error,omitempty"`
	RetryCount   int       `json:"retry_count,omitempty"`
	Since        time.Time `json:"since"`
}

func toConnectionView(st domain.ConnectionState) connectionView {
	return connectionView{
		AgentID:      st.Key.AgentID,
		Platform:     string(st.Key.Platform),
		Status:       string(st.Status),
		BoundVersion: st.BoundVersion,
		LastError:    st.LastError,
		RetryCount:   st.RetryCount,
		Since:        st.Since,
	}
}

// bindingView deliberately omits credentials.
type bindingView struct {
	AgentID      string    `json:"agent_id"`
	Platform     string    `json:"platform"`
	DesiredState string    `json:"desired_state"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toBindingView(b domain.Binding) bindingView {
	return bindingView{
		AgentID:      b.AgentID,
		Platform:     string(b.Platform),
		DesiredState: string(b.DesiredState),
		Version:      b.Version,
		UpdatedAt:    b.UpdatedAt,
	}
}

type deadLetterView struct {
	ID        string    `json:"id"`
	Cause     string    `json:"cause"`
	AgentID   string    `json:"agent_id"`
	Platform  string    `json:"platform"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	FailedAt  time.Time `json:"failed_at"`
	Timestamp time.Time `json:"timestamp"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	states := s.connections.States()
	views := make([]connectionView, 0, len(states))
	for _, st := range states {
		views = append(views, toConnectionView(st))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	st, found := s.connections.State(key)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
		return
	}
	writeJSON(w, http.StatusOK, toConnectionView(st))
}

func (s *Server) handleRestartConnection(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	if err := s.connections.Restart(key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("connection restart requested", "binding", key)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.bindings.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	views := make([]bindingView, 0, len(bindings))
	for _, b := range bindings {
		views = append(views, toBindingView(b))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	b, err := s.bindings.Get(r.Context(), key.AgentID, key.Platform)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toBindingView(b))
}

type putBindingRequest struct {
	Token        string `json:"token"`
	DesiredState string `json:"desired_state"`
}

func (s *Server) handlePutBinding(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	var req putBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}
	state := domain.StateEnabled
	if req.DesiredState != "" {
		state = domain.DesiredState(req.DesiredState)
		if state != domain.StateEnabled && state != domain.StateDisabled {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "desired_state must be enabled or disabled"})
			return
		}
	}

	b, err := s.bindings.Put(r.Context(), domain.Binding{
		AgentID:      key.AgentID,
		Platform:     key.Platform,
		Credentials:  domain.BotCredentials{Token: req.Token}.Encode(),
		DesiredState: state,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("binding stored", "binding", key, "version", b.Version, "state", state)
	writeJSON(w, http.StatusOK, toBindingView(b))
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pathKey(w, r)
	if !ok {
		return
	}
	if err := s.bindings.Remove(r.Context(), key.AgentID, key.Platform); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "binding not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Info("binding removed", "binding", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type dispatchRequest struct {
	AgentID  string `json:"agent_id"`
	Platform string `json:"platform"`
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	platform, err := domain.ParsePlatform(req.Platform)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.AgentID == "" || req.ChatID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id, chat_id and content are required"})
		return
	}

	if err := s.sender.Dispatch(r.Context(), req.AgentID, platform, req.ChatID, req.Content); err != nil {
		var re *domain.RoutingError
		if errors.As(err, &re) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": re.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeJSON(w, http.StatusOK, []deadLetterView{})
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.deadLetters.List(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	views := make([]deadLetterView, 0, len(records))
	for _, rec := range records {
		views = append(views, deadLetterView{
			ID:        rec.ID,
			Cause:     rec.Cause,
			AgentID:   rec.Envelope.AgentID,
			Platform:  string(rec.Envelope.Platform),
			ChatID:    rec.Envelope.ChatID,
			Content:   rec.Envelope.Content,
			FailedAt:  rec.FailedAt,
			Timestamp: rec.Envelope.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	metrics.WebhookRequests.Inc()

	if !s.allowWebhook(agentID) {
		metrics.WebhookThrottled.Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	key := domain.BindingKey{AgentID: agentID, Platform: domain.PlatformTelegram}
	a, ok := s.connections.Handle(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no running connection"})
		return
	}
	recv, ok := a.(adapter.WebhookReceiver)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "connection does not accept webhooks"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	secret := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if err := recv.PushWebhook(secret, body); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			s.logger.Warn("webhook failed verification", "agent", agentID)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func (s *Server) allowWebhook(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.webhookLimits[agentID]
	if !ok {
		rl = rate.NewLimiter(rate.Limit(s.cfg.WebhookPerSecond), s.cfg.WebhookBurst)
		s.webhookLimits[agentID] = rl
	}
	return rl.Allow()
}

func (s *Server) pathKey(w http.ResponseWriter, r *http.Request) (domain.BindingKey, bool) {
	platform, err := domain.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return domain.BindingKey{}, false
	}
	agentID := r.PathValue("agentId")
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent id is required"})
		return domain.BindingKey{}, false
	}
	return domain.BindingKey{AgentID: agentID, Platform: platform}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
