// Package transport maintains the registry of live websocket sessions and
// delivers protocol envelopes to them.
package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhub/warden-gateway/internal/metrics"
	"github.com/wardenhub/warden-gateway/internal/policy"
	"github.com/wardenhub/warden-gateway/internal/protocol"
)

const writeTimeout = 10 * time.Second

// session is one live connection. Writes are serialized per session; the
// websocket connection allows a single concurrent writer.
type session struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub owns the registry of live sessions. Different sessions do not
// contend with each other on writes.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		logger:   logger,
	}
}

func (h *Hub) register(id string, conn *websocket.Conn) *session {
	s := &session{id: id, conn: conn}

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	metrics.ActiveSessions.Inc()
	return s
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if ok {
		metrics.ActiveSessions.Dec()
	}
}

// Send delivers the envelope to exactly one session if currently
// connected; otherwise it is dropped silently.
func (h *Hub) Send(sessionID string, env protocol.Envelope) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()

	if !ok {
		return
	}
	if err := s.write(env); err != nil {
		h.logger.Warn("session write failed", "session_id", sessionID, "error", err)
	}
}

// Broadcast delivers the envelope to every currently connected session.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if err := s.write(env); err != nil {
			h.logger.Warn("broadcast write failed", "session_id", s.id, "error", err)
		}
	}
}

// SessionCount reports the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// NotifyAction implements policy.Notifier by broadcasting an action
// notification to all sessions.
func (h *Hub) NotifyAction(n policy.Notification) {
	env, err := protocol.New(protocol.TypeNotificationAction, n.ActionID, protocol.ActionNotificationPayload{
		ActionID:    n.ActionID,
		Type:        n.Type,
		Tier:        n.Tier,
		Title:       n.Title,
		Description: n.Description,
	})
	if err != nil {
		h.logger.Error("failed to build action notification", "error", err)
		return
	}
	h.Broadcast(env)
}
