package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/google/uuid"
)

// PendingApproval describes a tool call held until the user decides on it.
type PendingApproval struct {
	ApprovalID string
	ToolCallID string
	ToolName   string
	Input      json.RawMessage
	MessageID  conversation.NodeID
	ExchangeID uuid.UUID

	order int
}

// Decision is the user's answer to a PendingApproval.
type Decision struct {
	Approved bool
	Reason   string
}

type approvalWaiter struct {
	meta     PendingApproval
	ch       chan struct{}
	decided  bool
	decision Decision
}

// ApprovalGate coordinates approval requests between the stream goroutine and the caller resolving
// them. Waits have no timeout, cancelling the context is the only way out besides a decision.
type ApprovalGate struct {
	mu      sync.Mutex
	counter int
	waiters map[string]*approvalWaiter // keyed by ApprovalID
}

func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{
		waiters: make(map[string]*approvalWaiter),
	}
}

// Register adds a pending approval. Registering an id twice keeps the first registration.
func (g *ApprovalGate) Register(meta PendingApproval) PendingApproval {
	if meta.ApprovalID == "" {
		meta.ApprovalID = uuid.NewString()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.waiters[meta.ApprovalID]; ok {
		return w.meta
	}
	meta.order = g.counter
	g.counter++
	g.waiters[meta.ApprovalID] = &approvalWaiter{meta: meta, ch: make(chan struct{})}
	return meta
}

// Lookup returns the approval metadata without resolving it.
func (g *ApprovalGate) Lookup(approvalID string) (PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.waiters[approvalID]
	if w == nil || w.decided {
		return PendingApproval{}, false
	}
	return w.meta, true
}

// Pending lists the undecided approvals of an exchange in registration order.
func (g *ApprovalGate) Pending(exchangeID uuid.UUID) []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ret []PendingApproval
	for _, w := range g.waiters {
		if !w.decided && w.meta.ExchangeID == exchangeID {
			ret = append(ret, w.meta)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].order < ret[j].order })
	return ret
}

// Registered lists every approval of an exchange not yet waited for, decided or not, in
// registration order.
func (g *ApprovalGate) Registered(exchangeID uuid.UUID) []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ret []PendingApproval
	for _, w := range g.waiters {
		if w.meta.ExchangeID == exchangeID {
			ret = append(ret, w.meta)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].order < ret[j].order })
	return ret
}

// Resolve records the decision and wakes the waiter. It returns false for unknown or already
// decided approvals.
func (g *ApprovalGate) Resolve(approvalID string, d Decision) (PendingApproval, bool) {
	g.mu.Lock()
	w := g.waiters[approvalID]
	if w == nil || w.decided {
		g.mu.Unlock()
		return PendingApproval{}, false
	}
	w.decided = true
	w.decision = d
	g.mu.Unlock()
	close(w.ch)
	return w.meta, true
}

// Wait blocks until approvalID is resolved or ctx is done. The approval is forgotten afterwards.
func (g *ApprovalGate) Wait(ctx context.Context, approvalID string) (Decision, error) {
	g.mu.Lock()
	w := g.waiters[approvalID]
	g.mu.Unlock()
	if w == nil {
		return Decision{}, ErrApprovalNotFound
	}

	defer g.forget(approvalID)
	select {
	case <-w.ch:
		g.mu.Lock()
		defer g.mu.Unlock()
		return w.decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (g *ApprovalGate) forget(approvalID string) {
	g.mu.Lock()
	delete(g.waiters, approvalID)
	g.mu.Unlock()
}

// Drop forgets every approval of an exchange. Waiters still blocked are released by their context.
func (g *ApprovalGate) Drop(exchangeID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, w := range g.waiters {
		if w.meta.ExchangeID == exchangeID {
			delete(g.waiters, id)
		}
	}
}
