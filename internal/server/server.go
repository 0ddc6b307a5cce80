// Package server exposes the gateway's HTTP surface: the websocket
// endpoint, the admin API for actions and trust rules, health, and
// metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhub/warden-gateway/internal/config"
	"github.com/wardenhub/warden-gateway/internal/policy"
	"github.com/wardenhub/warden-gateway/internal/router"
	"github.com/wardenhub/warden-gateway/internal/store"
	"github.com/wardenhub/warden-gateway/internal/transport"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	router     *router.Router
	gate       *policy.Engine
	store      store.Store
	hub        *transport.Hub
	wsHandler  *transport.Handler
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Sessions  int    `json:"sessions"`
	Timestamp string `json:"timestamp"`
}

// ActionsResponse lists pending actions.
type ActionsResponse struct {
	Actions []store.Action `json:"actions"`
}

// TrustRulesResponse lists standing trust rules.
type TrustRulesResponse struct {
	Rules []store.TrustRule `json:"rules"`
}

// TrustRuleRequest is the upsert body for a trust rule.
type TrustRuleRequest struct {
	Service  string `json:"service"`
	Action   string `json:"action"`
	Decision string `json:"decision"`
}

// CapabilitiesResponse lists configured capabilities.
type CapabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

// New creates the HTTP server and wires its routes.
func New(cfg *config.Config, rt *router.Router, gate *policy.Engine, st store.Store, hub *transport.Hub, wsHandler *transport.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		router:    rt,
		gate:      gate,
		store:     st,
		hub:       hub,
		wsHandler: wsHandler,
		startTime: time.Now(),
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/api/v1/actions", s.actionsHandler)
	mux.HandleFunc("/api/v1/actions/", s.actionDecisionHandler)
	mux.HandleFunc("/api/v1/trust-rules", s.trustRulesHandler)
	mux.HandleFunc("/api/v1/trust-rules/", s.trustRuleDeleteHandler)
	mux.HandleFunc("/api/v1/capabilities", s.capabilitiesHandler)
	mux.HandleFunc("/api/v1/models", s.modelsHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   "1.0.0",
		Uptime:    time.Since(s.startTime).String(),
		Sessions:  s.hub.SessionCount(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// actionsHandler lists pending actions.
func (s *Server) actionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	actions, err := s.gate.ListPending(r.Context())
	if err != nil {
		s.logger.Error("failed to list pending actions", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if actions == nil {
		actions = []store.Action{}
	}
	writeJSON(w, http.StatusOK, ActionsResponse{Actions: actions})
}

// actionDecisionHandler resolves POST /api/v1/actions/{id}/approve and
// /api/v1/actions/{id}/deny.
func (s *Server) actionDecisionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/actions/")
	id, verb, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	var transitioned bool
	var err error
	switch verb {
	case "approve":
		transitioned, err = s.gate.Approve(r.Context(), id)
	case "deny":
		transitioned, err = s.gate.Deny(r.Context(), id)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("action decision failed", "action_id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !transitioned {
		http.Error(w, "Action not found or already resolved", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// trustRulesHandler lists (GET) or upserts (POST) trust rules.
func (s *Server) trustRulesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := s.store.ListTrustRules(r.Context())
		if err != nil {
			s.logger.Error("failed to list trust rules", "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if rules == nil {
			rules = []store.TrustRule{}
		}
		writeJSON(w, http.StatusOK, TrustRulesResponse{Rules: rules})

	case http.MethodPost:
		var req TrustRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Service == "" || req.Action == "" {
			http.Error(w, "service and action are required", http.StatusBadRequest)
			return
		}
		switch req.Decision {
		case store.DecisionAutoApprove, store.DecisionAutoDeny, store.DecisionAsk:
		default:
			http.Error(w, "invalid decision", http.StatusBadRequest)
			return
		}

		rule := &store.TrustRule{
			Service:  req.Service,
			Action:   req.Action,
			Decision: req.Decision,
		}
		if err := s.store.CreateOrReplaceTrustRule(r.Context(), rule); err != nil {
			s.logger.Error("failed to save trust rule", "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rule)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// trustRuleDeleteHandler resolves DELETE /api/v1/trust-rules/{id}.
func (s *Server) trustRuleDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/trust-rules/")
	if id == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if err := s.store.DeleteTrustRule(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to delete trust rule", "rule_id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) capabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, CapabilitiesResponse{Capabilities: s.router.Capabilities()})
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": s.router.ListModels(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
