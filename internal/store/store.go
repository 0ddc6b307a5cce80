// Package store defines the durable keyed store the orchestrator and policy
// engine depend on, with in-memory and Redis-backed implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract consumed by the gateway. Conflicting
// writes to the same row are serialized by the implementation.
type Store interface {
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversationTimestamp(ctx context.Context, id string) error
	UpdateConversationTitle(ctx context.Context, id, title string) error

	CreateMessage(ctx context.Context, msg *Message) error
	// ListMessages returns up to limit most recent messages of the
	// conversation in chronological order. limit <= 0 means no limit.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	CreateAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	// ApproveAction and DenyAction report whether a pending row was
	// actually transitioned. Resolving a non-pending action is a no-op.
	ApproveAction(ctx context.Context, id string) (bool, error)
	DenyAction(ctx context.Context, id string) (bool, error)
	ListPendingActions(ctx context.Context) ([]Action, error)
	// ExpireOldActions transitions pending actions older than maxAge to
	// expired and returns how many were transitioned.
	ExpireOldActions(ctx context.Context, maxAge time.Duration) (int, error)

	// FindTrustRule resolves the rule for (service, action) with exact
	// match taking precedence over a wildcard-service match. Returns
	// (nil, nil) when no rule applies.
	FindTrustRule(ctx context.Context, service, action string) (*TrustRule, error)
	ListTrustRules(ctx context.Context) ([]TrustRule, error)
	// CreateOrReplaceTrustRule upserts by (service, action): a write with
	// the same key replaces the decision rather than duplicating the row.
	CreateOrReplaceTrustRule(ctx context.Context, rule *TrustRule) error
	DeleteTrustRule(ctx context.Context, id string) error

	Close() error
}
