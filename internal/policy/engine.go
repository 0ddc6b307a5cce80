// Package policy implements the trust-tier action gate: instantaneous
// tier/rule decisions, pending approvals with per-action wake-up, and the
// periodic expiry sweep.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhub/warden-gateway/internal/metrics"
	"github.com/wardenhub/warden-gateway/internal/store"
)

// Submission results.
const (
	ResultAutoApproved = "auto_approved"
	ResultAutoDenied   = "auto_denied"
	ResultPending      = "pending"
)

// ErrDecisionTimeout is returned when no decision arrives within the
// per-call wait budget. The action itself stays pending; only the sweep
// marks it expired.
var ErrDecisionTimeout = errors.New("no decision within wait budget")

// Notification describes a pending action awaiting a human decision.
type Notification struct {
	ActionID    string
	Type        string
	Tier        string
	Title       string
	Description string
}

// Notifier delivers action notifications to connected clients or remote
// channels.
type Notifier interface {
	NotifyAction(n Notification)
}

// Request is one action submitted to the gate. Service and Action form the
// trust-rule lookup key.
type Request struct {
	ConversationID string
	Service        string
	Action         string
	Tier           string
	Title          string
	Description    string
	Payload        map[string]any
}

// Decision is the outcome of a submission. ActionID is set for every
// result so callers can await or display the record.
type Decision struct {
	Result   string
	ActionID string
}

// Engine is the trust-tier policy engine. It owns Action records and the
// per-action waiter registry.
type Engine struct {
	store  store.Store
	logger *slog.Logger

	mu        sync.Mutex
	waiters   map[string][]chan string // action id -> terminal status
	notifiers []Notifier
}

// NewEngine creates a policy engine on top of the given store.
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		logger:  logger,
		waiters: make(map[string][]chan string),
	}
}

// AddNotifier registers a notification channel for pending actions.
func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// Submit gates one requested action. Green-tier actions and rule-matched
// actions resolve instantly without touching the notification path; only
// "ask" (or no rule) creates a pending record and broadcasts.
func (e *Engine) Submit(ctx context.Context, req Request) (*Decision, error) {
	action := &store.Action{
		ConversationID: req.ConversationID,
		Type:           req.Service + "." + req.Action,
		Tier:           req.Tier,
		Title:          req.Title,
		Description:    req.Description,
		Payload:        req.Payload,
	}

	if req.Tier == store.TierGreen {
		now := time.Now().UTC()
		action.Status = store.StatusApproved
		action.ResolvedAt = &now
		if err := e.store.CreateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("create action: %w", err)
		}
		metrics.ActionsTotal.WithLabelValues(store.StatusApproved).Inc()
		return &Decision{Result: ResultAutoApproved, ActionID: action.ID}, nil
	}

	rule, err := e.store.FindTrustRule(ctx, req.Service, req.Action)
	if err != nil {
		return nil, fmt.Errorf("find trust rule: %w", err)
	}

	if rule != nil && rule.Decision != store.DecisionAsk {
		now := time.Now().UTC()
		action.ResolvedAt = &now
		result := ResultAutoDenied
		action.Status = store.StatusDenied
		if rule.Decision == store.DecisionAutoApprove {
			result = ResultAutoApproved
			action.Status = store.StatusApproved
		}
		if err := e.store.CreateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("create action: %w", err)
		}
		metrics.ActionsTotal.WithLabelValues(action.Status).Inc()
		e.logger.Info("action resolved by trust rule",
			"action", action.Type, "rule", rule.ID, "decision", rule.Decision)
		return &Decision{Result: result, ActionID: action.ID}, nil
	}

	action.Status = store.StatusPending
	if err := e.store.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	metrics.ActionsTotal.WithLabelValues(store.StatusPending).Inc()

	e.broadcast(Notification{
		ActionID:    action.ID,
		Type:        action.Type,
		Tier:        action.Tier,
		Title:       action.Title,
		Description: action.Description,
	})

	return &Decision{Result: ResultPending, ActionID: action.ID}, nil
}

func (e *Engine) broadcast(n Notification) {
	e.mu.Lock()
	notifiers := make([]Notifier, len(e.notifiers))
	copy(notifiers, e.notifiers)
	e.mu.Unlock()

	for _, notifier := range notifiers {
		notifier.NotifyAction(n)
	}
}

// Approve transitions a pending action to approved and wakes any waiter.
// Returns false when the action is unknown or already resolved.
func (e *Engine) Approve(ctx context.Context, id string) (bool, error) {
	transitioned, err := e.store.ApproveAction(ctx, id)
	if err != nil {
		return false, err
	}
	if transitioned {
		metrics.ActionsTotal.WithLabelValues(store.StatusApproved).Inc()
		e.signal(id, store.StatusApproved)
	}
	return transitioned, nil
}

// Deny transitions a pending action to denied and wakes any waiter.
// Returns false when the action is unknown or already resolved.
func (e *Engine) Deny(ctx context.Context, id string) (bool, error) {
	transitioned, err := e.store.DenyAction(ctx, id)
	if err != nil {
		return false, err
	}
	if transitioned {
		metrics.ActionsTotal.WithLabelValues(store.StatusDenied).Inc()
		e.signal(id, store.StatusDenied)
	}
	return transitioned, nil
}

// signal delivers the terminal status to every waiter of the action.
func (e *Engine) signal(id, status string) {
	e.mu.Lock()
	chans := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()

	for _, ch := range chans {
		ch <- status // buffered, never blocks
	}
}

// AwaitDecision blocks until the action is approved or denied, the wait
// budget elapses, or the context is cancelled. The resolution call wakes
// the waiter directly; there is no polling.
func (e *Engine) AwaitDecision(ctx context.Context, id string, budget time.Duration) (string, error) {
	ch := make(chan string, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		chans := e.waiters[id]
		for i, c := range chans {
			if c == ch {
				e.waiters[id] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(e.waiters[id]) == 0 {
			delete(e.waiters, id)
		}
		e.mu.Unlock()
	}()

	// The action may have been resolved before the waiter registered.
	action, err := e.store.GetAction(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get action: %w", err)
	}
	if action.Status != store.StatusPending {
		return action.Status, nil
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		return "", ErrDecisionTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ListPending returns all actions still awaiting a decision.
func (e *Engine) ListPending(ctx context.Context) ([]store.Action, error) {
	return e.store.ListPendingActions(ctx)
}

// ExpirePending transitions pending actions older than maxAge to expired.
// Run periodically by the scheduler.
func (e *Engine) ExpirePending(ctx context.Context, maxAge time.Duration) (int, error) {
	count, err := e.store.ExpireOldActions(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.ActionsTotal.WithLabelValues(store.StatusExpired).Add(float64(count))
		e.logger.Info("expired stale pending actions", "count", count)
	}
	return count, nil
}
