// Package protocol defines the envelope format and message types exchanged
// between the gateway and connected clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	TypeChatSend      = "chat.send"
	TypeChatCancel    = "chat.cancel"
	TypeActionApprove = "action.approve"
	TypeActionDeny    = "action.deny"
	TypePing          = "ping"
)

// Outbound message types.
const (
	TypeChatToken          = "chat.token"
	TypeChatToolStart      = "chat.tool_start"
	TypeChatToolResult     = "chat.tool_result"
	TypeChatDone           = "chat.done"
	TypeChatError          = "chat.error"
	TypeNotificationAction = "notification.action"
	TypePong               = "pong"
)

// SentinelID is the correlation id used for replies to messages whose
// envelope could not be parsed.
const SentinelID = "invalid"

// Envelope wraps every message on the wire. ID is the correlation identity
// that lets a client match streamed events back to the request that
// produced them.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"ts"`
}

// New builds an envelope with the payload marshalled and the timestamp set.
func New(msgType, id string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

// ChatSendPayload is the payload of a chat.send message.
type ChatSendPayload struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Images         []string `json:"images,omitempty"`
}

// TokenPayload carries one incremental text fragment.
type TokenPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload announces a tool call about to execute.
type ToolStartPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// ToolResultPayload reports the outcome of one tool call.
type ToolResultPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DonePayload terminates a turn's event stream.
type DonePayload struct {
	Content        string `json:"content"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ErrorPayload carries a turn-level error.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ActionNotificationPayload is broadcast to all sessions when a gated
// action awaits a human decision.
type ActionNotificationPayload struct {
	ActionID    string `json:"action_id"`
	Type        string `json:"type"`
	Tier        string `json:"tier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ActionDecisionPayload is the payload of action.approve / action.deny.
type ActionDecisionPayload struct {
	ActionID string `json:"action_id"`
}
