// Package notify delivers split proposals to interested parties: an
// in-process Hub for push subscribers and a Poller for clients that can
// only ask the store.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"allocator/internal/core"
	applog "allocator/internal/log"
)

// Callback receives one proposal. It must not block for long; the Hub
// calls subscribers in turn.
type Callback func(ctx context.Context, p core.SplitProposal)

// Notifier is anything told about newly stored proposals.
type Notifier interface {
	ProposalCreated(ctx context.Context, p core.SplitProposal)
}

// Hub fans proposals out to subscribers registered with OnProposalCreated.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Callback
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]Callback)}
}

// OnProposalCreated registers cb and returns a function that removes it.
// Calling cancel more than once is harmless.
func (h *Hub) OnProposalCreated(cb Callback) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = cb
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// ProposalCreated delivers p to every current subscriber. A panicking
// subscriber is logged and skipped.
func (h *Hub) ProposalCreated(ctx context.Context, p core.SplitProposal) {
	h.mu.RLock()
	subs := make([]Callback, 0, len(h.subs))
	for _, cb := range h.subs {
		subs = append(subs, cb)
	}
	h.mu.RUnlock()

	for _, cb := range subs {
		deliver(ctx, cb, p)
	}
}

// Subscribers returns the number of registered callbacks.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func deliver(ctx context.Context, cb Callback, p core.SplitProposal) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Proposal subscriber panicked",
				applog.FieldComponent, applog.ComponentNotify,
				applog.FieldProposalID, p.ID,
				"panic", r)
		}
	}()
	cb(ctx, p)
}

// Multi returns a Notifier that forwards to each non-nil notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	out := make(multi, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

type multi []Notifier

func (m multi) ProposalCreated(ctx context.Context, p core.SplitProposal) {
	for _, n := range m {
		n.ProposalCreated(ctx, p)
	}
}
