package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalGateResolveWakesWaiter(t *testing.T) {
	g := NewApprovalGate()
	ex := uuid.New()
	meta := g.Register(PendingApproval{ApprovalID: "appr-1", ToolCallID: "call-1", ExchangeID: ex})
	assert.Equal(t, "appr-1", meta.ApprovalID)

	done := make(chan Decision, 1)
	go func() {
		d, err := g.Wait(context.Background(), "appr-1")
		assert.NoError(t, err)
		done <- d
	}()

	_, ok := g.Resolve("appr-1", Decision{Approved: true})
	require.True(t, ok)
	select {
	case d := <-done:
		assert.True(t, d.Approved)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	_, ok = g.Resolve("appr-1", Decision{})
	assert.False(t, ok)
	_, ok = g.Lookup("appr-1")
	assert.False(t, ok)
}

func TestApprovalGateDecisionBeforeWait(t *testing.T) {
	g := NewApprovalGate()
	ex := uuid.New()
	g.Register(PendingApproval{ApprovalID: "appr-1", ExchangeID: ex})
	_, ok := g.Resolve("appr-1", Decision{Approved: false, Reason: "nope"})
	require.True(t, ok)

	assert.Empty(t, g.Pending(ex))
	assert.Len(t, g.Registered(ex), 1)

	d, err := g.Wait(context.Background(), "appr-1")
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "nope", d.Reason)
	assert.Empty(t, g.Registered(ex))
}

func TestApprovalGateWaitCancelled(t *testing.T) {
	g := NewApprovalGate()
	g.Register(PendingApproval{ApprovalID: "appr-1", ExchangeID: uuid.New()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Wait(ctx, "appr-1")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = g.Wait(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestApprovalGatePendingOrderAndDrop(t *testing.T) {
	g := NewApprovalGate()
	ex := uuid.New()
	other := uuid.New()
	g.Register(PendingApproval{ApprovalID: "b", ExchangeID: ex})
	g.Register(PendingApproval{ApprovalID: "a", ExchangeID: ex})
	g.Register(PendingApproval{ApprovalID: "c", ExchangeID: other})
	// registering again keeps the first registration
	g.Register(PendingApproval{ApprovalID: "b", ExchangeID: other})

	pending := g.Pending(ex)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].ApprovalID)
	assert.Equal(t, "a", pending[1].ApprovalID)

	generated := g.Register(PendingApproval{ExchangeID: other})
	assert.NotEmpty(t, generated.ApprovalID)

	g.Drop(ex)
	assert.Empty(t, g.Pending(ex))
	assert.Len(t, g.Pending(other), 2)
}

func TestObserversSubscribeAndUnsubscribe(t *testing.T) {
	o := NewObservers()
	var calls []string
	unsubscribeA := o.Subscribe(func() { calls = append(calls, "a") })
	o.Subscribe(func() { calls = append(calls, "b") })
	assert.Equal(t, 2, o.Len())

	o.Notify()
	assert.Equal(t, []string{"a", "b"}, calls)

	unsubscribeA()
	unsubscribeA()
	o.Notify()
	assert.Equal(t, []string{"a", "b", "b"}, calls)
	assert.Equal(t, 1, o.Len())
}
