package store

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Action tiers. Green actions always auto-run; yellow and red are subject
// to rule or human gating.
const (
	TierGreen  = "green"
	TierYellow = "yellow"
	TierRed    = "red"
)

// Action lifecycle statuses. An action leaves pending exactly once.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// Trust rule decisions.
const (
	DecisionAutoApprove = "auto_approve"
	DecisionAutoDeny    = "auto_deny"
	DecisionAsk         = "ask"
)

// WildcardService matches any service in a trust rule lookup.
const WildcardService = "*"

// Conversation is a durable chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a conversation's append-only history.
// Immutable once created.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	TokensUsed     int       `json:"tokens_used,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Action is an approval request for a host-side operation. Type is
// "<skill>.<action>".
type Action struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Type           string         `json:"type"`
	Tier           string         `json:"tier"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// TrustRule maps (service, action) to a standing decision. At most one rule
// exists per (service, action) pair; service may be the wildcard "*".
type TrustRule struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	Action   string `json:"action"`
	Decision string `json:"decision"`
}
