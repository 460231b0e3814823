package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"allocator/internal/core"
	applog "allocator/internal/log"
)

// PendingLister lists the pending proposals addressed to a user.
type PendingLister interface {
	ListPendingProposals(ctx context.Context, userID string) ([]core.SplitProposal, error)
}

// PollerConfig holds the Poller settings.
type PollerConfig struct {
	// Interval between polls (default: 30s)
	Interval time.Duration

	// SeenTTL is how long a delivered proposal is remembered (default: 24h)
	SeenTTL time.Duration

	// SeenSize caps the remembered proposal ids (default: 1024)
	SeenSize int
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 30 * time.Second,
		SeenTTL:  24 * time.Hour,
		SeenSize: 1024,
	}
}

// Poller periodically lists a user's pending proposals and passes each one
// it has not delivered before to its callback. Delivery is best effort: a
// proposal shows up at most one interval after it is stored.
type Poller struct {
	lister PendingLister
	userID string
	emit   Callback
	config PollerConfig
	seen   *SeenSet

	mu      sync.Mutex
	running bool
	// used is set once doneCh has been handed to a loop.
	used   bool
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPoller(lister PendingLister, userID string, emit Callback, config PollerConfig) *Poller {
	defaults := DefaultPollerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.SeenTTL <= 0 {
		config.SeenTTL = defaults.SeenTTL
	}
	if config.SeenSize <= 0 {
		config.SeenSize = defaults.SeenSize
	}
	return &Poller{
		lister: lister,
		userID: userID,
		emit:   emit,
		config: config,
		seen:   NewSeenSet(config.SeenSize, config.SeenTTL),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins polling in the background. Returns an error if already running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("poller is already running")
	}
	p.running = true
	if p.used {
		p.stopCh = make(chan struct{})
		p.doneCh = make(chan struct{})
	}
	p.used = true
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.runLoop(ctx, stopCh, doneCh)

	applog.FromContext(ctx).WithComponent(applog.ComponentNotify).InfoContext(ctx, "Proposal poller started",
		applog.FieldUserID, p.userID, "interval", p.config.Interval)
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Done is closed when the current run exits, either stopped or because its
// context ended. Before Start it is the channel of the first run.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

func (p *Poller) runLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.doneCh == doneCh {
			p.running = false
		}
		p.mu.Unlock()
		close(doneCh)
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.pollLogged(ctx)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.seen.CleanExpired()
			p.pollLogged(ctx)
		}
	}
}

func (p *Poller) pollLogged(ctx context.Context) {
	if _, err := p.Poll(ctx); err != nil {
		applog.FromContext(ctx).WithComponent(applog.ComponentNotify).WarnContext(ctx, "Proposal poll failed",
			applog.NewFields().WithUser(p.userID).WithError(err).ToSlice()...)
	}
}

// Poll runs one cycle and returns how many proposals were delivered.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	pending, err := p.lister.ListPendingProposals(ctx, p.userID)
	if err != nil {
		return 0, err
	}
	// Oldest first, so the callback sees them in creation order.
	delivered := 0
	for i := len(pending) - 1; i >= 0; i-- {
		if !p.seen.Add(pending[i].ID) {
			continue
		}
		deliver(ctx, p.emit, pending[i])
		delivered++
	}
	return delivered, nil
}

// Seen reports whether the proposal was already delivered.
func (p *Poller) Seen(proposalID string) bool {
	return p.seen.Contains(proposalID)
}
