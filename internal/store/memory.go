package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. It is the default backend and the one
// used by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message // conversation id -> chronological
	actions       map[string]*Action
	rules         map[string]*TrustRule // "service|action" -> rule
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		actions:       make(map[string]*Action),
		rules:         make(map[string]*TrustRule),
	}
}

func ruleKey(service, action string) string {
	return service + "|" + action
}

func (s *MemoryStore) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	c := *conv
	return &c, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (s *MemoryStore) UpdateConversationTimestamp(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) CreateAction(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	stored := *a
	s.actions[a.ID] = &stored
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, id string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// resolveAction transitions a pending action to status. The transition
// happens at most once; anything already resolved is left untouched.
func (s *MemoryStore) resolveAction(id, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok || a.Status != StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	a.Status = status
	a.ResolvedAt = &now
	return true, nil
}

func (s *MemoryStore) ApproveAction(ctx context.Context, id string) (bool, error) {
	return s.resolveAction(id, StatusApproved)
}

func (s *MemoryStore) DenyAction(ctx context.Context, id string) (bool, error) {
	return s.resolveAction(id, StatusDenied)
}

func (s *MemoryStore) ListPendingActions(ctx context.Context) ([]Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Action
	for _, a := range s.actions {
		if a.Status == StatusPending {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemoryStore) ExpireOldActions(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	count := 0
	for _, a := range s.actions {
		if a.Status == StatusPending && a.CreatedAt.Before(cutoff) {
			now := time.Now().UTC()
			a.Status = StatusExpired
			a.ResolvedAt = &now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) FindTrustRule(ctx context.Context, service, action string) (*TrustRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rules[ruleKey(service, action)]; ok {
		c := *r
		return &c, nil
	}
	if r, ok := s.rules[ruleKey(WildcardService, action)]; ok {
		c := *r
		return &c, nil
	}
	return nil, nil
}

func (s *MemoryStore) ListTrustRules(ctx context.Context) ([]TrustRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TrustRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) CreateOrReplaceTrustRule(ctx context.Context, rule *TrustRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ruleKey(rule.Service, rule.Action)
	if existing, ok := s.rules[key]; ok {
		// Same (service, action) key replaces the decision, keeping the id.
		rule.ID = existing.ID
	} else if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	stored := *rule
	s.rules[key] = &stored
	return nil
}

func (s *MemoryStore) DeleteTrustRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, r := range s.rules {
		if r.ID == id {
			delete(s.rules, key)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error {
	return nil
}
