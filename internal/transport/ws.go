package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wardenhub/warden-gateway/internal/orchestrator"
	"github.com/wardenhub/warden-gateway/internal/policy"
	"github.com/wardenhub/warden-gateway/internal/protocol"
)

// Handler upgrades websocket connections and dispatches inbound protocol
// messages to the orchestrator and policy engine.
type Handler struct {
	hub      *Hub
	orch     *orchestrator.Orchestrator
	gate     *policy.Engine
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the websocket handler.
func NewHandler(hub *Hub, orch *orchestrator.Orchestrator, gate *policy.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		hub:  hub,
		orch: orch,
		gate: gate,
		upgrader: websocket.Upgrader{
			// Local-device gateway; session identity is validated upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP handles one websocket session for its whole lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Pairing/authentication happens upstream; the session id arrives as
	// an opaque, already-validated identity.
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess := h.hub.register(sessionID, conn)
	defer func() {
		h.hub.unregister(sessionID)
		conn.Close()
	}()

	h.logger.Info("session connected", "session_id", sessionID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("session disconnected", "session_id", sessionID, "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			// Malformed envelopes answer with an error correlated to the
			// sentinel id; the connection stays open.
			h.sendError(sess, protocol.SentinelID, "malformed envelope")
			continue
		}

		h.dispatch(r.Context(), sess, env)
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChatSend:
		var payload protocol.ChatSendPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Message == "" {
			h.sendError(sess, env.ID, "invalid chat.send payload")
			return
		}
		// Each turn runs as its own task; the turn outlives this read
		// iteration, so it gets a fresh context tied to the canceller.
		go h.runTurn(sess.id, env.ID, payload)

	case protocol.TypeChatCancel:
		h.orch.Cancel(env.ID)

	case protocol.TypeActionApprove, protocol.TypeActionDeny:
		var payload protocol.ActionDecisionPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.ActionID == "" {
			h.sendError(sess, env.ID, "invalid action decision payload")
			return
		}
		var transitioned bool
		var err error
		if env.Type == protocol.TypeActionApprove {
			transitioned, err = h.gate.Approve(ctx, payload.ActionID)
		} else {
			transitioned, err = h.gate.Deny(ctx, payload.ActionID)
		}
		if err != nil {
			h.sendError(sess, env.ID, err.Error())
			return
		}
		if !transitioned {
			h.sendError(sess, env.ID, "action not found or already resolved")
		}

	case protocol.TypePing:
		if env, err := protocol.New(protocol.TypePong, env.ID, nil); err == nil {
			h.hub.Send(sess.id, env)
		}

	default:
		h.sendError(sess, env.ID, "unknown message type: "+env.Type)
	}
}

// runTurn executes one chat turn, translating orchestrator events into
// outbound envelopes for the originating session.
func (h *Handler) runTurn(sessionID, correlationID string, payload protocol.ChatSendPayload) {
	req := orchestrator.Request{
		CorrelationID:  correlationID,
		SessionID:      sessionID,
		ConversationID: payload.ConversationID,
		Message:        payload.Message,
		Images:         payload.Images,
	}

	h.orch.Run(context.Background(), req, func(ev orchestrator.Event) {
		env, err := eventEnvelope(correlationID, ev)
		if err != nil {
			h.logger.Error("failed to encode event", "error", err)
			return
		}
		h.hub.Send(sessionID, env)
	})
}

func eventEnvelope(correlationID string, ev orchestrator.Event) (protocol.Envelope, error) {
	switch ev.Type {
	case orchestrator.EventToken:
		return protocol.New(protocol.TypeChatToken, correlationID, protocol.TokenPayload{Text: ev.Token})
	case orchestrator.EventToolStart:
		return protocol.New(protocol.TypeChatToolStart, correlationID, protocol.ToolStartPayload{
			ToolCallID: ev.ToolCallID,
			Name:       ev.ToolName,
			Arguments:  ev.ToolArgs,
		})
	case orchestrator.EventToolResult:
		return protocol.New(protocol.TypeChatToolResult, correlationID, protocol.ToolResultPayload{
			ToolCallID: ev.ToolCallID,
			Success:    ev.Success,
			Result:     ev.Result,
			Error:      ev.Err,
		})
	case orchestrator.EventDone:
		return protocol.New(protocol.TypeChatDone, correlationID, protocol.DonePayload{
			Content:        ev.Content,
			Model:          ev.Model,
			ConversationID: ev.ConversationID,
			MessageID:      ev.MessageID,
		})
	default:
		return protocol.New(protocol.TypeChatError, correlationID, protocol.ErrorPayload{Error: ev.Err})
	}
}

func (h *Handler) sendError(sess *session, correlationID, msg string) {
	env, err := protocol.New(protocol.TypeChatError, correlationID, protocol.ErrorPayload{Error: msg})
	if err != nil {
		return
	}
	h.hub.Send(sess.id, env)
}
