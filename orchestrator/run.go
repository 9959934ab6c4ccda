// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"agentrouter/shared/logger"
)

const (
	maxRequestBodySize = 1 << 20
	agentProbeTimeout  = 5 * time.Second
	serviceName        = "agentrouter-orchestrator"
	serviceVersion     = "1.0.0"
)

// Server exposes the task manager over HTTP
type Server struct {
	manager     *TaskManager
	registry    *AgentRegistry
	metrics     *MetricsCollector
	idempotency *IdempotencyCache
	tokens      *TokenValidator
	auditor     *TurnAuditor
	classifier  string
	probeClient *http.Client
	log         *logger.Logger
}

// NewServer creates a server around an assembled task manager
func NewServer(manager *TaskManager, registry *AgentRegistry, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		manager:     manager,
		registry:    registry,
		classifier:  "keyword",
		probeClient: &http.Client{Timeout: agentProbeTimeout},
		log:         log,
	}
}

// WithMetrics serves collector on /metrics
func (s *Server) WithMetrics(collector *MetricsCollector) *Server {
	s.metrics = collector
	return s
}

// WithIdempotency enables Idempotency-Key handling on /run
func (s *Server) WithIdempotency(cache *IdempotencyCache) *Server {
	s.idempotency = cache
	return s
}

// WithTokenValidator enables bearer identity on /run
func (s *Server) WithTokenValidator(v *TokenValidator) *Server {
	s.tokens = v
	return s
}

// Router builds the HTTP routes wrapped in CORS
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health check
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	// Metrics endpoints
	r.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	// Orchestrator turn
	r.HandleFunc("/run", s.runHandler).Methods("POST")

	// Agents
	r.HandleFunc("/api/v1/agents", s.listAgentsHandler).Methods("GET")
	r.HandleFunc("/api/v1/agents/health", s.agentsHealthHandler).Methods("GET")

	// Sessions
	r.HandleFunc("/api/v1/sessions/{id}", s.getSessionHandler).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{id}", s.deleteSessionHandler).Methods("DELETE")

	return c.Handler(r)
}

func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = generateRequestID()
	}
	w.Header().Set("X-Request-ID", requestID)
	ctx := WithRequestID(r.Context(), requestID)

	if s.tokens != nil {
		userID, err := s.tokens.UserFromRequest(r)
		if err != nil {
			s.log.Warn("", requestID, "Rejected bearer token", map[string]interface{}{"error": err.Error()})
			sendErrorResponse(w, err.Error(), ErrorTypeUnauthorized, http.StatusUnauthorized)
			return
		}
		if userID != "" {
			ctx = withUserID(ctx, userID)
		}
	}

	var req TaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		sendErrorResponse(w, fmt.Sprintf("%v: invalid request body", ErrMalformedRequest), ErrorTypeMalformedRequest, http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && s.idempotency != nil {
		state, cached := s.idempotency.Claim(key)
		switch state {
		case IdempotencyInFlight:
			sendErrorResponse(w, "a request with this Idempotency-Key is already in progress", ErrorTypeDuplicateRequest, http.StatusConflict)
			return
		case IdempotencyReplay:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	resp := s.manager.Run(ctx, req)
	statusCode := statusCodeFor(resp)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(resp); err != nil {
		if key != "" && s.idempotency != nil {
			s.idempotency.Release(key)
		}
		s.log.ErrorWithCode(resp.SessionID, requestID, "Error encoding response", http.StatusInternalServerError, err, nil)
		sendErrorResponse(w, "failed to encode response", ErrorTypeInternal, http.StatusInternalServerError)
		return
	}
	if key != "" && s.idempotency != nil {
		s.idempotency.Complete(key, statusCode, buf.Bytes())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// statusCodeFor maps a turn outcome to an HTTP status
func statusCodeFor(resp *TaskResponse) int {
	if resp.Status == StatusSuccess {
		return http.StatusOK
	}
	switch resp.ErrorType {
	case ErrorTypeMalformedRequest:
		return http.StatusBadRequest
	case ErrorTypeDispatchFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"session_store": s.manager.Store().Name(),
		"classifier":    s.classifier,
	}
	if s.auditor != nil {
		components["audit_logger"] = s.auditor.IsHealthy()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"service":    serviceName,
		"version":    serviceVersion,
		"timestamp":  time.Now().UTC(),
		"components": components,
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// AgentInfo is one entry of GET /api/v1/agents
type AgentInfo struct {
	ID          string `json:"id"`
	Endpoint    string `json:"endpoint"`
	Description string `json:"description"`
	Configured  bool   `json:"configured"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) listAgentsHandler(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.Agents()
	out := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		info := AgentInfo{ID: a.ID, Endpoint: a.Endpoint, Description: a.Description, Configured: true}
		if _, err := s.registry.Resolve(a.ID); err != nil {
			info.Configured = false
			info.Error = err.Error()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out, "count": len(out)})
}

// AgentHealth is the probe result of one agent
type AgentHealth struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) agentsHealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ProbeAgents(r.Context()))
}

// ProbeAgents posts a health_check prompt to every agent concurrently.
// HTTP 200 and 422 both count as healthy.
func (s *Server) ProbeAgents(ctx context.Context) map[string]AgentHealth {
	agents := s.registry.Agents()
	results := make([]AgentHealth, len(agents))

	var g errgroup.Group
	for i, a := range agents {
		i, a := i, a
		g.Go(func() error {
			results[i] = s.probeAgent(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]AgentHealth, len(agents))
	for i, a := range agents {
		out[a.ID] = results[i]
	}
	return out
}

func (s *Server) probeAgent(ctx context.Context, a AgentEndpoint) AgentHealth {
	health := AgentHealth{URL: a.Endpoint, Status: "offline"}

	endpoint, err := s.registry.Resolve(a.ID)
	if err != nil {
		health.Status = "not_configured"
		health.Error = err.Error()
		return health
	}

	ctx, cancel := context.WithTimeout(ctx, agentProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(`{"prompt":"health_check"}`)))
	if err != nil {
		health.Error = err.Error()
		return health
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.probeClient.Do(req)
	if err != nil {
		health.Error = err.Error()
		return health
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnprocessableEntity {
		health.Healthy = true
		health.Status = "online"
	} else {
		health.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return health
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, ok, err := s.manager.Store().Get(r.Context(), sessionID)
	if err != nil {
		sendErrorResponse(w, fmt.Sprintf("failed to read session: %v", err), ErrorTypeInternal, http.StatusInternalServerError)
		return
	}
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("session '%s' not found", sessionID), ErrorTypeNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	ctx := WithRequestID(r.Context(), generateRequestID())

	resp := s.manager.EndConversation(ctx, sessionID)
	writeJSON(w, statusCodeFor(resp), resp)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, message, errorType string, statusCode int) {
	writeJSON(w, statusCode, TaskResponse{
		Status:    StatusError,
		Error:     message,
		ErrorType: errorType,
	})
}

// buildServer assembles every component from cfg. The returned cleanup
// releases stores, the audit log and the idempotency janitor.
func buildServer(ctx context.Context, cfg Config, lookup func(string) string, log *logger.Logger) (*Server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	registry := DefaultAgentRegistry()
	if cfg.AgentRegistryFile != "" {
		if err := registry.LoadFromFile(cfg.AgentRegistryFile); err != nil {
			return nil, cleanup, err
		}
	}
	registry.ApplyEnvOverrides(lookup)

	var store SessionStore
	switch cfg.SessionBackend {
	case SessionBackendRedis:
		redisStore, err := NewRedisSessionStoreFromURL(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, func() { _ = redisStore.Close() })
		store = redisStore
	default:
		store = NewMemorySessionStore(cfg.SessionTTL)
	}

	classifierName := "keyword"
	var primary Classifier
	provider, err := NewLLMProvider(ctx, cfg.LLM)
	if err != nil {
		log.Warn("", "", "LLM provider unavailable, classifying by keywords only", map[string]interface{}{
			"provider": cfg.LLM.Provider,
			"error":    err.Error(),
		})
	} else if provider != nil {
		primary = NewLLMClassifier(provider, registry, cfg.ClassifierTimeout)
		classifierName = provider.Name() + "+keyword"
	}
	classifier := WithFallback(primary, NewKeywordClassifier(), log)

	metrics := NewMetricsCollector()
	manager := NewTaskManager(
		registry,
		store,
		NewContinuationAnalyzer(classifier),
		NewDispatcher(cfg.Dispatch, log),
		log,
	).WithMetrics(metrics)

	srv := NewServer(manager, registry, log).WithMetrics(metrics)
	srv.classifier = classifierName

	if cfg.DatabaseURL != "" {
		auditor, err := OpenTurnAuditor(cfg.DatabaseURL, log)
		if err != nil {
			log.Warn("", "", "Turn audit log disabled", map[string]interface{}{"error": err.Error()})
		} else {
			closers = append(closers, func() { _ = auditor.Close() })
			manager.WithRecorder(auditor)
			srv.auditor = auditor
		}
	}

	idempotency := NewIdempotencyCache(cfg.IdempotencyTTL)
	closers = append(closers, idempotency.Close)
	srv.WithIdempotency(idempotency).WithTokenValidator(NewTokenValidator(cfg.JWTSecret))

	log.Info("", "", "Orchestrator components initialized", map[string]interface{}{
		"agents":          registry.IDs(),
		"session_backend": store.Name(),
		"classifier":      classifierName,
		"max_attempts":    manager.dispatcher.Config().MaxAttempts,
		"retry_delay":     manager.dispatcher.Config().RetryDelay.String(),
		"audit_log":       srv.auditor != nil,
		"bearer_identity": srv.tokens != nil,
	})

	return srv, cleanup, nil
}

// Run is the exported entry point for the orchestrator service.
//
// It reads the configuration from the environment, assembles the session
// store, classifier, dispatcher and task manager, and serves HTTP until
// SIGINT or SIGTERM.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8001)
//   - GCP_ADVISOR_URL, ARCHITECTURE_URL, GCP_MANAGEMENT_URL: agent endpoints
//   - AGENT_REGISTRY_FILE: optional YAML agent registry
//   - SESSION_BACKEND: memory or redis; REDIS_URL for the latter
//   - LLM_PROVIDER: gemini, openai, ollama or bedrock (optional)
//   - DATABASE_URL: PostgreSQL turn audit log (optional)
//   - JWT_SECRET: enables bearer identity (optional)
func Run() {
	log := logger.New("orchestrator")
	log.Info("", "", "Starting orchestrator...", nil)

	cfg, err := LoadConfig()
	if err != nil {
		log.Error("", "", "Invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg, os.Getenv, log)
	if err != nil {
		cleanup()
		log.Error("", "", "Failed to initialize orchestrator", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer cleanup()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("", "", "Orchestrator listening", map[string]interface{}{"port": cfg.Port})
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("", "", "Server failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	log.Info("", "", "Orchestrator stopped", nil)
}
