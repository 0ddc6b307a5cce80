package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wardenhub/warden-gateway/internal/config"
	"github.com/wardenhub/warden-gateway/internal/logging"
	"github.com/wardenhub/warden-gateway/internal/orchestrator"
	"github.com/wardenhub/warden-gateway/internal/policy"
	"github.com/wardenhub/warden-gateway/internal/router"
	"github.com/wardenhub/warden-gateway/internal/store"
	"github.com/wardenhub/warden-gateway/internal/tools"
	"github.com/wardenhub/warden-gateway/internal/transport"
)

func testServer(t *testing.T) (*Server, store.Store) {
	t.Helper()

	logger := logging.WithComponent("test")
	st := store.NewMemoryStore()
	gate := policy.NewEngine(st, logger)
	rt, err := router.New(map[string][]router.Slot{}, logger)
	if err != nil {
		t.Fatalf("router.New failed: %v", err)
	}
	hub := transport.NewHub(logger)
	orch := orchestrator.New(rt, st, gate, tools.NewRegistry(), orchestrator.NewCanceller(), time.Second, logger)
	wsHandler := transport.NewHandler(hub, orch, gate, logger)

	cfg := &config.Config{Server: config.ServerConfig{Port: 18700, Host: "localhost"}}
	return New(cfg, rt, gate, st, hub, wsHandler, logger), st
}

func TestHealthHandler(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.healthHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	var hr HealthResponse
	json.NewDecoder(resp.Body).Decode(&hr)
	if hr.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", hr.Status)
	}
}

func TestActionsHandlerEmpty(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/actions", nil)
	w := httptest.NewRecorder()
	srv.actionsHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	var ar ActionsResponse
	json.NewDecoder(resp.Body).Decode(&ar)
	if len(ar.Actions) != 0 {
		t.Errorf("Expected no pending actions, got %d", len(ar.Actions))
	}
}

func TestActionDecisionHandler(t *testing.T) {
	srv, st := testServer(t)

	a := &store.Action{Type: "shell.execute", Tier: store.TierRed, Status: store.StatusPending}
	if err := st.CreateAction(context.Background(), a); err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}

	w := httptest.NewRecorder()
	srv.actionDecisionHandler(w, httptest.NewRequest(http.MethodPost, "/api/v1/actions/"+a.ID+"/approve", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// A second decision conflicts.
	w = httptest.NewRecorder()
	srv.actionDecisionHandler(w, httptest.NewRequest(http.MethodPost, "/api/v1/actions/"+a.ID+"/deny", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}

	got, err := st.GetAction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if got.Status != store.StatusApproved {
		t.Errorf("Expected approved, got %s", got.Status)
	}
}

func TestTrustRulesUpsert(t *testing.T) {
	srv, st := testServer(t)

	body, _ := json.Marshal(TrustRuleRequest{Service: "shell", Action: "execute", Decision: store.DecisionAutoDeny})
	w := httptest.NewRecorder()
	srv.trustRulesHandler(w, httptest.NewRequest(http.MethodPost, "/api/v1/trust-rules", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rules, err := st.ListTrustRules(context.Background())
	if err != nil {
		t.Fatalf("ListTrustRules failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Decision != store.DecisionAutoDeny {
		t.Errorf("Expected one auto_deny rule, got %+v", rules)
	}
}

func TestTrustRulesInvalidDecision(t *testing.T) {
	srv, _ := testServer(t)

	body, _ := json.Marshal(TrustRuleRequest{Service: "shell", Action: "execute", Decision: "maybe"})
	w := httptest.NewRecorder()
	srv.trustRulesHandler(w, httptest.NewRequest(http.MethodPost, "/api/v1/trust-rules", bytes.NewReader(body)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

