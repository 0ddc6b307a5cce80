package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhub/warden-gateway/internal/logging"
	"github.com/wardenhub/warden-gateway/internal/policy"
	"github.com/wardenhub/warden-gateway/internal/provider"
	"github.com/wardenhub/warden-gateway/internal/router"
	"github.com/wardenhub/warden-gateway/internal/store"
	"github.com/wardenhub/warden-gateway/internal/tools"
)

// scriptedClient serves canned responses in order and records the options
// of every call. When the script runs out, the last response repeats.
type scriptedClient struct {
	mu        sync.Mutex
	responses []provider.ChatResponse
	optsSeen  []*provider.Options
	calls     int

	// blockUntilCancel makes the stream emit one delta and then park
	// until the context is cancelled.
	blockUntilCancel bool
}

func (c *scriptedClient) Name() string                         { return "scripted" }
func (c *scriptedClient) IsAvailable(ctx context.Context) bool { return true }

func (c *scriptedClient) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []provider.Message, opts *provider.Options) (*provider.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, opts, nil)
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []provider.Message, opts *provider.Options, fn provider.StreamFunc) (*provider.ChatResponse, error) {
	c.mu.Lock()
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	resp := c.responses[idx]
	c.calls++
	c.optsSeen = append(c.optsSeen, opts)
	c.mu.Unlock()

	if c.blockUntilCancel {
		if fn != nil {
			fn("par")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if fn != nil && resp.Content != "" {
		fn(resp.Content)
	}
	resp.Model = model
	return &resp, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	gate   *policy.Engine
	client *scriptedClient
}

func newHarness(t *testing.T, client *scriptedClient, registry *tools.Registry, waitBudget time.Duration) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	logger := logging.WithComponent("test")
	gate := policy.NewEngine(st, logger)

	rt, err := router.New(map[string][]router.Slot{
		LanguageCapability: {{Provider: client, Model: "test-model"}},
	}, logger)
	require.NoError(t, err)

	if registry == nil {
		registry = tools.NewRegistry()
	}

	return &harness{
		orch:   New(rt, st, gate, registry, NewCanceller(), waitBudget, logger),
		store:  st,
		gate:   gate,
		client: client,
	}
}

func collect(h *harness, req Request) []Event {
	var mu sync.Mutex
	var events []Event
	h.orch.Run(context.Background(), req, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	return events
}

func eventsOfType(events []Event, et EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func toolCall(id, name string, args map[string]any) provider.ToolCall {
	raw, _ := json.Marshal(args)
	return provider.ToolCall{ID: id, Name: name, Arguments: raw}
}

func TestSingleRoundTurn(t *testing.T) {
	client := &scriptedClient{responses: []provider.ChatResponse{
		{Content: "It is sunny.", TokensUsed: 5},
	}}
	h := newHarness(t, client, nil, time.Second)

	events := collect(h, Request{CorrelationID: "c1", Message: "What's the weather?"})

	tokens := eventsOfType(events, EventToken)
	require.NotEmpty(t, tokens)
	dones := eventsOfType(events, EventDone)
	require.Len(t, dones, 1)
	assert.Equal(t, "It is sunny.", dones[0].Content)
	assert.Equal(t, "test-model", dones[0].Model)
	assert.NotEmpty(t, dones[0].ConversationID)
	assert.Empty(t, eventsOfType(events, EventError))

	msgs, err := h.store.ListMessages(context.Background(), dones[0].ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "It is sunny.", msgs[1].Content)

	conv, err := h.store.GetConversation(context.Background(), dones[0].ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "What's the weather?", conv.Title)
}

func TestTitleTruncatedOnFirstTurn(t *testing.T) {
	client := &scriptedClient{responses: []provider.ChatResponse{{Content: "ok"}}}
	h := newHarness(t, client, nil, time.Second)

	long := strings.Repeat("é", 200)
	events := collect(h, Request{CorrelationID: "c1", Message: long})
	dones := eventsOfType(events, EventDone)
	require.Len(t, dones, 1)

	conv, err := h.store.GetConversation(context.Background(), dones[0].ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 80, len([]rune(conv.Title)))
}

func TestTitleNotOverwrittenOnLaterTurns(t *testing.T) {
	client := &scriptedClient{responses: []provider.ChatResponse{{Content: "ok"}}}
	h := newHarness(t, client, nil, time.Second)

	events := collect(h, Request{CorrelationID: "c1", Message: "first question"})
	convID := eventsOfType(events, EventDone)[0].ConversationID

	collect(h, Request{CorrelationID: "c2", ConversationID: convID, Message: "second question"})

	conv, err := h.store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, "first question", conv.Title)
}

func TestToolLoopIsBounded(t *testing.T) {
	// The model asks for a tool on every round; the loop must force a
	// tool-free final round after the cap.
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Skill: "echo", Action: "say", Tier: store.TierGreen,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "said", nil
		},
	})

	client := &scriptedClient{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{toolCall("t1", "echo__say", nil)}},
	}}
	h := newHarness(t, client, registry, time.Second)

	events := collect(h, Request{CorrelationID: "c1", Message: "loop forever"})

	// 10 tool rounds plus one forced final round.
	assert.Equal(t, 11, client.callCount())
	require.Len(t, client.optsSeen, 11)
	for i := 0; i < 10; i++ {
		require.NotNil(t, client.optsSeen[i])
		assert.NotEmpty(t, client.optsSeen[i].Tools, "round %d should offer tools", i+1)
	}
	assert.Nil(t, client.optsSeen[10], "forced final round must not offer tools")

	require.Len(t, eventsOfType(events, EventDone), 1)
	assert.Len(t, eventsOfType(events, EventToolResult), 10)
}

func TestGreenToolRunsWithoutApproval(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Skill: "echo", Action: "say", Tier: store.TierGreen,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "hello from tool", nil
		},
	})

	client := &scriptedClient{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{toolCall("t1", "echo__say", map[string]any{"text": "hi"})}},
		{Content: "The tool said hello."},
	}}
	h := newHarness(t, client, registry, time.Second)

	events := collect(h, Request{CorrelationID: "c1", Message: "use the tool"})

	starts := eventsOfType(events, EventToolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "echo__say", starts[0].ToolName)

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "hello from tool", results[0].Result)

	dones := eventsOfType(events, EventDone)
	require.Len(t, dones, 1)
	assert.Equal(t, "The tool said hello.", dones[0].Content)
}

func TestUnknownToolIsFailedResultNotFatal(t *testing.T) {
	client := &scriptedClient{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{toolCall("t1", "nope__missing", nil)}},
		{Content: "I could not use that tool."},
	}}
	h := newHarness(t, client, nil, time.Second)

	events := collect(h, Request{CorrelationID: "c1", Message: "try it"})

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Err, "unknown tool")

	require.Len(t, eventsOfType(events, EventDone), 1)
	assert.Empty(t, eventsOfType(events, EventError))
}

func TestRedToolDeniedByRule(t *testing.T) {
	registry := tools.NewRegistry()
	executed := false
	registry.Register(&tools.Tool{
		Skill: "shell", Action: "execute", Tier: store.TierRed,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			executed = true
			return "ran", nil
		},
	})

	client := &scriptedClient{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{toolCall("t1", "shell__execute", map[string]any{"command": "rm -rf /"})}},
		{Content: "The command was blocked."},
	}}
	h := newHarness(t, client, registry, time.Second)

	require.NoError(t, h.store.CreateOrReplaceTrustRule(context.Background(), &store.TrustRule{
		Service: "shell", Action: "execute", Decision: store.DecisionAutoDeny,
	}))

	events := collect(h, Request{CorrelationID: "c1", Message: "run it"})

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "Action denied by trust rule", results[0].Err)
	assert.False(t, executed)

	require.Len(t, eventsOfType(events, EventDone), 1)
}

func TestRedToolDeniedByUser(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Skill: "shell", Action: "execute", Tier: store.TierRed,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "ran", nil
		},
	})

	client := &scriptedClient{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{toolCall("t1", "shell__execute", nil)}},
		{Content: "Understood, I won't run it."},
	}}
	h := newHarness(t, client, registry, 2*time.Second)

	// Deny the action as soon as it shows up pending.
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			pending, _ := h.gate.ListPending(context.Background())
			if len(pending) > 0 {
				h.gate.Deny(context.Background(), pending[0].ID)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	events := collect(h, Request{CorrelationID: "c1", Message: "run it"})

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "Action denied by user", results[0].Err)

	require.Len(t, eventsOfType(events, EventDone), 1)
}

func TestRedToolApprovalTimesOut(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Skill: "shell", Action: "execute", Tier: store.TierRed,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "ran", nil
		},
	})

	client := &scriptedClient{responses: []provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{toolCall("t1", "shell__execute", nil)}},
		{Content: "Nobody answered."},
	}}
	h := newHarness(t, client, registry, 50*time.Millisecond)

	events := collect(h, Request{CorrelationID: "c1", Message: "run it"})

	results := eventsOfType(events, EventToolResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "Action approval timed out", results[0].Err)

	// The action stays pending for the expiry sweep.
	pending, err := h.gate.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.Len(t, eventsOfType(events, EventDone), 1)
}

func TestCancelMidStream(t *testing.T) {
	client := &scriptedClient{
		responses:        []provider.ChatResponse{{Content: "never finishes"}},
		blockUntilCancel: true,
	}
	h := newHarness(t, client, nil, time.Second)

	var mu sync.Mutex
	var events []Event
	firstToken := make(chan struct{})
	var once sync.Once

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Run(context.Background(), Request{CorrelationID: "c1", Message: "go"}, func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			if ev.Type == EventToken {
				once.Do(func() { close(firstToken) })
			}
		})
	}()

	select {
	case <-firstToken:
	case <-time.After(2 * time.Second):
		t.Fatal("No token before cancel")
	}

	require.True(t, h.orch.Cancel("c1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	// A cancelled turn goes quiet: no done, no error, no further tokens.
	assert.Empty(t, eventsOfType(events, EventDone))
	assert.Empty(t, eventsOfType(events, EventError))
}

func TestCancelUnknownCorrelationID(t *testing.T) {
	client := &scriptedClient{responses: []provider.ChatResponse{{Content: "ok"}}}
	h := newHarness(t, client, nil, time.Second)
	assert.False(t, h.orch.Cancel("nope"))
}

func TestDeriveTitle(t *testing.T) {
	msgs := []provider.Message{
		{Role: store.RoleSystem, Content: "system prompt"},
		{Role: store.RoleUser, Content: "hello there"},
	}
	assert.Equal(t, "hello there", deriveTitle(msgs))
}
