package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhub/warden-gateway/internal/logging"
	"github.com/wardenhub/warden-gateway/internal/store"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recordingNotifier) NotifyAction(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func newTestEngine(t *testing.T) (*Engine, *recordingNotifier) {
	t.Helper()
	e := NewEngine(store.NewMemoryStore(), logging.WithComponent("test"))
	n := &recordingNotifier{}
	e.AddNotifier(n)
	return e, n
}

func TestSubmitGreenAutoApproves(t *testing.T) {
	e, n := newTestEngine(t)

	d, err := e.Submit(context.Background(), Request{
		Service: "browser", Action: "open", Tier: store.TierGreen, Title: "Open URL",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultAutoApproved, d.Result)
	assert.NotEmpty(t, d.ActionID)
	// Green never reaches the notification path.
	assert.Equal(t, 0, n.count())
}

func TestSubmitRuleAutoDeny(t *testing.T) {
	e, n := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.store.CreateOrReplaceTrustRule(ctx, &store.TrustRule{
		Service: "shell", Action: "execute", Decision: store.DecisionAutoDeny,
	}))

	d, err := e.Submit(ctx, Request{
		Service: "shell", Action: "execute", Tier: store.TierRed, Title: "Run command",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultAutoDenied, d.Result)
	assert.Equal(t, 0, n.count())

	a, err := e.store.GetAction(ctx, d.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDenied, a.Status)
	assert.NotNil(t, a.ResolvedAt)
}

func TestSubmitAskGoesPendingAndNotifies(t *testing.T) {
	e, n := newTestEngine(t)

	d, err := e.Submit(context.Background(), Request{
		Service: "fs", Action: "read", Tier: store.TierYellow, Title: "Read file",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultPending, d.Result)
	require.Equal(t, 1, n.count())
	assert.Equal(t, "fs.read", n.seen[0].Type)
}

func TestAwaitDecisionApproved(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	d, err := e.Submit(ctx, Request{Service: "fs", Action: "read", Tier: store.TierYellow})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		transitioned, err := e.Approve(ctx, d.ActionID)
		if err != nil || !transitioned {
			t.Errorf("Approve failed: transitioned=%v err=%v", transitioned, err)
		}
	}()

	status, err := e.AwaitDecision(ctx, d.ActionID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, status)
}

func TestAwaitDecisionDenied(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	d, err := e.Submit(ctx, Request{Service: "shell", Action: "execute", Tier: store.TierRed})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Deny(ctx, d.ActionID)
	}()

	status, err := e.AwaitDecision(ctx, d.ActionID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDenied, status)
}

func TestAwaitDecisionTimesOut(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	d, err := e.Submit(ctx, Request{Service: "fs", Action: "read", Tier: store.TierYellow})
	require.NoError(t, err)

	_, err = e.AwaitDecision(ctx, d.ActionID, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrDecisionTimeout)

	// A timed-out wait does not resolve the action; it stays pending for
	// the sweep.
	a, err := e.store.GetAction(ctx, d.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, a.Status)
}

func TestAwaitDecisionAlreadyResolved(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	d, err := e.Submit(ctx, Request{Service: "fs", Action: "read", Tier: store.TierYellow})
	require.NoError(t, err)

	transitioned, err := e.Approve(ctx, d.ActionID)
	require.NoError(t, err)
	require.True(t, transitioned)

	// The waiter registers after the resolution and must still see it.
	status, err := e.AwaitDecision(ctx, d.ActionID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, status)
}

func TestDoubleResolutionIsNoOp(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	d, err := e.Submit(ctx, Request{Service: "shell", Action: "execute", Tier: store.TierRed})
	require.NoError(t, err)

	transitioned, err := e.Deny(ctx, d.ActionID)
	require.NoError(t, err)
	assert.True(t, transitioned)

	transitioned, err = e.Approve(ctx, d.ActionID)
	require.NoError(t, err)
	assert.False(t, transitioned)

	a, err := e.store.GetAction(ctx, d.ActionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDenied, a.Status)
}

func TestExpirePendingSweep(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	stale := &store.Action{
		Type:      "fs.read",
		Tier:      store.TierYellow,
		Status:    store.StatusPending,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, e.store.CreateAction(ctx, stale))

	count, err := e.ExpirePending(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	a, err := e.store.GetAction(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, a.Status)
}
