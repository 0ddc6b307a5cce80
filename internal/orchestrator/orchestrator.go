// Package orchestrator drives the bounded tool-calling conversation loop:
// it streams model output, gates tool calls through the policy engine, and
// persists the final exchange.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardenhub/warden-gateway/internal/metrics"
	"github.com/wardenhub/warden-gateway/internal/policy"
	"github.com/wardenhub/warden-gateway/internal/provider"
	"github.com/wardenhub/warden-gateway/internal/router"
	"github.com/wardenhub/warden-gateway/internal/store"
	"github.com/wardenhub/warden-gateway/internal/tools"
)

const (
	maxRounds     = 10
	historyWindow = 50
	titleLimit    = 80

	// LanguageCapability is the capability every chat turn is routed on.
	LanguageCapability = "language"
	// VisionCapability is consulted when a turn carries images.
	VisionCapability = "vision"
)

const systemInstruction = `You are Warden, a local AI assistant with access to tools on the user's device. Use tools when they help answer the request. Sensitive tools may require user approval; if a tool is denied or times out, explain the outcome instead of retrying it.`

// Request is one user message to process.
type Request struct {
	CorrelationID  string
	SessionID      string
	ConversationID string
	Message        string
	Images         []string
}

// Orchestrator runs chat turns. Many turns may be in flight concurrently;
// a single turn processes its rounds and tool calls strictly sequentially.
type Orchestrator struct {
	router     *router.Router
	store      store.Store
	gate       *policy.Engine
	registry   *tools.Registry
	canceller  *Canceller
	waitBudget time.Duration
	logger     *slog.Logger
}

// New creates an orchestrator.
func New(rt *router.Router, st store.Store, gate *policy.Engine, registry *tools.Registry, canceller *Canceller, waitBudget time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		router:     rt,
		store:      st,
		gate:       gate,
		registry:   registry,
		canceller:  canceller,
		waitBudget: waitBudget,
		logger:     logger,
	}
}

// Cancel cancels the in-flight turn with the given correlation id.
func (o *Orchestrator) Cancel(correlationID string) bool {
	return o.canceller.Cancel(correlationID)
}

// turnState drives the explicit round state machine.
type turnState int

const (
	stateGenerating turnState = iota
	stateExecutingTools
	stateFinalizing
	stateDone
)

// turn is the in-memory state of one request round-trip, owned by the
// orchestrator for the lifetime of the request.
type turn struct {
	conv      *store.Conversation
	firstTurn bool
	messages  []provider.Message
	content   string
	model     string
	tokens    int
	toolCalls []provider.ToolCall
	round     int
}

// Run processes one user message to completion, emitting events in
// generation order. Cancellation is observed between streamed increments
// and between tool calls; a cancelled turn emits no further events and
// persists no final message.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(Event)) {
	ctx, release := o.canceller.Register(ctx, req.CorrelationID)
	defer release()

	start := time.Now()

	t, err := o.beginTurn(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			metrics.TurnsTotal.WithLabelValues("cancelled").Inc()
			return
		}
		o.logger.Error("turn setup failed", "correlation_id", req.CorrelationID, "error", err)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		emit(Event{Type: EventError, Err: err.Error()})
		return
	}

	state := stateGenerating
	for state != stateDone {
		if ctx.Err() != nil {
			metrics.TurnsTotal.WithLabelValues("cancelled").Inc()
			return
		}

		switch state {
		case stateGenerating:
			state, err = o.generate(ctx, t, emit)
		case stateExecutingTools:
			state, err = o.executeTools(ctx, t, emit)
		case stateFinalizing:
			state, err = o.finalize(ctx, t, emit)
		}
		if err != nil {
			if ctx.Err() != nil {
				metrics.TurnsTotal.WithLabelValues("cancelled").Inc()
				return
			}
			o.logger.Error("turn failed",
				"correlation_id", req.CorrelationID,
				"conversation_id", t.conv.ID,
				"round", t.round,
				"error", err,
			)
			metrics.TurnsTotal.WithLabelValues("error").Inc()
			emit(Event{Type: EventError, Err: err.Error()})
			return
		}
	}

	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
}

// beginTurn resolves the conversation, persists the user message, and
// builds the initial message list.
func (o *Orchestrator) beginTurn(ctx context.Context, req Request) (*turn, error) {
	var conv *store.Conversation
	var err error
	if req.ConversationID == "" {
		conv, err = o.store.CreateConversation(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	} else {
		conv, err = o.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("get conversation: %w", err)
		}
	}

	content := req.Message
	if len(req.Images) > 0 {
		content = o.describeImages(ctx, req.Images, content)
	}

	userMsg := &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        content,
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	history, err := o.store.ListMessages(ctx, conv.ID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]provider.Message, 0, len(history)+1)
	msgs = append(msgs, provider.Message{Role: store.RoleSystem, Content: systemInstruction})
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}

	return &turn{
		conv:      conv,
		firstTurn: len(history) <= 1,
		messages:  msgs,
	}, nil
}

// describeImages resolves the vision capability for attached images and
// folds the description into the user content. Description failures do not
// fail the turn.
func (o *Orchestrator) describeImages(ctx context.Context, images []string, content string) string {
	for _, img := range images {
		desc, err := o.router.DescribeImage(ctx, VisionCapability, img)
		if err != nil {
			o.logger.Warn("image description failed", "error", err)
			continue
		}
		content = fmt.Sprintf("%s\n\n[Attached image: %s]", content, desc)
	}
	return content
}

// generate streams one model round. Tools are offered on regular rounds
// and withheld on the forced final round.
func (o *Orchestrator) generate(ctx context.Context, t *turn, emit func(Event)) (turnState, error) {
	t.round++
	forced := t.round > maxRounds

	var opts *provider.Options
	if !forced {
		opts = &provider.Options{Tools: o.registry.Definitions()}
	}

	resp, err := o.router.RouteStream(ctx, LanguageCapability, t.messages, opts, func(delta string) {
		if ctx.Err() != nil {
			return
		}
		metrics.TokensStreamed.Inc()
		emit(Event{Type: EventToken, Token: delta})
	})
	if err != nil {
		return stateDone, err
	}

	t.content += resp.Content
	t.model = resp.Model
	t.tokens += resp.TokensUsed
	t.toolCalls = resp.ToolCalls

	if forced || len(resp.ToolCalls) == 0 {
		return stateFinalizing, nil
	}
	return stateExecutingTools, nil
}

// executeTools runs the round's tool calls one at a time, in the order the
// model requested them, feeding each result back into the message list.
func (o *Orchestrator) executeTools(ctx context.Context, t *turn, emit func(Event)) (turnState, error) {
	t.messages = append(t.messages, provider.Message{
		Role:      store.RoleAssistant,
		Content:   "",
		ToolCalls: t.toolCalls,
	})

	for _, tc := range t.toolCalls {
		if err := ctx.Err(); err != nil {
			return stateDone, err
		}

		args := parseArguments(tc.Arguments)
		emit(Event{
			Type:       EventToolStart,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			ToolArgs:   args,
		})

		result, execErr := o.executeToolCall(ctx, t.conv.ID, tc)
		if ctx.Err() != nil {
			return stateDone, ctx.Err()
		}

		ev := Event{
			Type:       EventToolResult,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Success:    execErr == nil,
			Result:     result,
		}
		outcome := "success"
		if execErr != nil {
			ev.Err = execErr.Error()
			outcome = "failure"
		}
		metrics.ToolExecutions.WithLabelValues(tc.Name, outcome).Inc()
		emit(ev)

		t.messages = append(t.messages, provider.Message{
			Role:       store.RoleTool,
			Content:    serializeToolResult(result, execErr),
			ToolCallID: tc.ID,
		})
	}

	return stateGenerating, nil
}

// finalize persists the assistant message, stamps the conversation, and
// emits the terminal done event.
func (o *Orchestrator) finalize(ctx context.Context, t *turn, emit func(Event)) (turnState, error) {
	assistantMsg := &store.Message{
		ConversationID: t.conv.ID,
		Role:           store.RoleAssistant,
		Content:        t.content,
		Model:          t.model,
		TokensUsed:     t.tokens,
	}
	if err := o.store.CreateMessage(ctx, assistantMsg); err != nil {
		return stateDone, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := o.store.UpdateConversationTimestamp(ctx, t.conv.ID); err != nil {
		return stateDone, fmt.Errorf("update conversation: %w", err)
	}
	if t.firstTurn {
		title := deriveTitle(t.messages)
		if title != "" {
			if err := o.store.UpdateConversationTitle(ctx, t.conv.ID, title); err != nil {
				return stateDone, fmt.Errorf("update title: %w", err)
			}
		}
	}

	emit(Event{
		Type:           EventDone,
		Content:        t.content,
		Model:          t.model,
		ConversationID: t.conv.ID,
		MessageID:      assistantMsg.ID,
	})
	return stateDone, nil
}

// executeToolCall resolves, gates, and runs one tool call. Every failure
// mode resolves locally as a failed tool result; the turn continues.
func (o *Orchestrator) executeToolCall(ctx context.Context, conversationID string, tc provider.ToolCall) (string, error) {
	skill, actionName, ok := tools.SplitName(tc.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", tc.Name)
	}
	tool, found := o.registry.Lookup(tc.Name)
	if !found {
		return "", fmt.Errorf("unknown tool: %s", tc.Name)
	}

	var args map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %v", err)
		}
	}

	if tool.Tier != store.TierGreen {
		decision, err := o.gate.Submit(ctx, policy.Request{
			ConversationID: conversationID,
			Service:        skill,
			Action:         actionName,
			Tier:           tool.Tier,
			Title:          fmt.Sprintf("Allow %s?", tool.Type()),
			Description:    tool.Description,
			Payload:        args,
		})
		if err != nil {
			return "", fmt.Errorf("action gating failed: %v", err)
		}

		switch decision.Result {
		case policy.ResultAutoDenied:
			return "", errors.New("Action denied by trust rule")
		case policy.ResultPending:
			status, err := o.gate.AwaitDecision(ctx, decision.ActionID, o.waitBudget)
			if errors.Is(err, policy.ErrDecisionTimeout) {
				return "", errors.New("Action approval timed out")
			}
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", errors.New("Action not found or already resolved")
			}
			switch status {
			case store.StatusApproved:
				// fall through to execution
			case store.StatusDenied:
				return "", errors.New("Action denied by user")
			default:
				return "", fmt.Errorf("Action %s", status)
			}
		}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool execution failed: %v", err)
	}
	return result, nil
}

func parseArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

func serializeToolResult(result string, err error) string {
	payload := map[string]any{"success": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["result"] = result
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return `{"success":false,"error":"unserializable tool result"}`
	}
	return string(data)
}

// deriveTitle takes the first user message of the turn and truncates it to
// the title limit, rune-safe.
func deriveTitle(messages []provider.Message) string {
	for _, m := range messages {
		if m.Role != store.RoleUser {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) > titleLimit {
			return string(runes[:titleLimit])
		}
		return m.Content
	}
	return ""
}
