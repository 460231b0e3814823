package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"allocator/internal/core"
)

func TestHub(t *testing.T) {
	ctx := context.Background()
	h := NewHub()

	var got []string
	cancel := h.OnProposalCreated(func(_ context.Context, p core.SplitProposal) {
		got = append(got, p.ID)
	})
	h.OnProposalCreated(func(context.Context, core.SplitProposal) { panic("boom") })

	h.ProposalCreated(ctx, core.SplitProposal{ID: "p1"})
	cancel()
	cancel()
	h.ProposalCreated(ctx, core.SplitProposal{ID: "p2"})

	if len(got) != 1 || got[0] != "p1" {
		t.Errorf("delivered = %v, want [p1]", got)
	}
	if h.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", h.Subscribers())
	}
}

type countingNotifier struct{ n int }

func (c *countingNotifier) ProposalCreated(context.Context, core.SplitProposal) { c.n++ }

func TestMulti(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	Multi(a, nil, b).ProposalCreated(context.Background(), core.SplitProposal{ID: "p"})
	if a.n != 1 || b.n != 1 {
		t.Errorf("counts = %d, %d", a.n, b.n)
	}
}

func TestSeenSet(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSeenSet(2, time.Minute)
	s.now = func() time.Time { return now }

	if !s.Add("a") || s.Add("a") {
		t.Fatal("second Add of the same key should report false")
	}
	s.Add("b")
	s.Add("c")
	if s.Contains("a") || s.Size() != 2 {
		t.Errorf("oldest key should be evicted, size %d", s.Size())
	}

	now = now.Add(2 * time.Minute)
	if s.Contains("b") {
		t.Error("expired key still reported")
	}
	if n := s.CleanExpired(); n != 1 {
		t.Errorf("CleanExpired() = %d, want 1", n)
	}
	if !s.Add("c") {
		t.Error("expired key should be new again")
	}
}

type fakeLister struct {
	mu      sync.Mutex
	pending []core.SplitProposal
	err     error
}

func (f *fakeLister) ListPendingProposals(context.Context, string) ([]core.SplitProposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.SplitProposal(nil), f.pending...), f.err
}

func (f *fakeLister) set(ps ...core.SplitProposal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = ps
}

func TestPollerDeliversOnlyUnseen(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{}
	var got []string
	p := NewPoller(lister, "u2", func(_ context.Context, sp core.SplitProposal) {
		got = append(got, sp.ID)
	}, PollerConfig{})

	if p.config.Interval != 30*time.Second {
		t.Errorf("default interval = %v", p.config.Interval)
	}

	// Newest first, as the store lists them.
	lister.set(core.SplitProposal{ID: "p2"}, core.SplitProposal{ID: "p1"})
	if n, err := p.Poll(ctx); err != nil || n != 2 {
		t.Fatalf("Poll() = %d, %v", n, err)
	}
	if got[0] != "p1" || got[1] != "p2" {
		t.Errorf("delivery order = %v, want oldest first", got)
	}

	lister.set(core.SplitProposal{ID: "p3"}, core.SplitProposal{ID: "p2"})
	if n, _ := p.Poll(ctx); n != 1 {
		t.Errorf("second Poll() delivered %d, want 1", n)
	}
	if !p.Seen("p3") {
		t.Error("p3 should be marked seen")
	}

	lister.err = errors.New("store down")
	if _, err := p.Poll(ctx); err == nil {
		t.Error("expected the lister error")
	}
}

func TestPollerLifecycle(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{}
	lister.set(core.SplitProposal{ID: "p1"})

	delivered := make(chan string, 1)
	p := NewPoller(lister, "u2", func(_ context.Context, sp core.SplitProposal) {
		delivered <- sp.ID
	}, PollerConfig{Interval: 10 * time.Millisecond})

	if p.IsRunning() {
		t.Fatal("poller should not run before Start")
	}
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	select {
	case id := <-delivered:
		if id != "p1" {
			t.Errorf("delivered %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("no proposal delivered")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.IsRunning() {
		t.Error("poller still running after Stop")
	}
}

func TestPollerRestartsAfterContextEnds(t *testing.T) {
	lister := &fakeLister{}
	p := NewPoller(lister, "u2", func(context.Context, core.SplitProposal) {}, PollerConfig{Interval: 10 * time.Millisecond})

	first := p.Done()
	if first == nil {
		t.Fatal("Done() before Start must not be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if p.Done() != first {
		t.Error("the first run should close the channel handed out before Start")
	}
	cancel()
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after the context ended")
	}
	if p.IsRunning() {
		t.Error("poller still running after its context ended")
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if err := p.Start(ctx2); err != nil {
		t.Fatalf("Start after the context ended: %v", err)
	}
	second := p.Done()
	select {
	case <-second:
		t.Fatal("second run's Done() closed too early")
	default:
	}
	cancel2()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second run did not exit")
	}
}
