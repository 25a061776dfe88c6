package jobsource

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/subpulse/subpulse/internal/progress"
)

// Lister yields the current running-jobs snapshot.
type Lister interface {
	ListRunning(ctx context.Context) ([]progress.Job, error)
}

// Reconciler applies a running-jobs snapshot; the tracker satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, jobs []progress.Job) error
}

// Poller drives periodic reconciliation: fetch the snapshot, hand it to the
// reconciler, repeat. A fetch failure skips the cycle and keeps every
// tracked job untouched.
type Poller struct {
	lister   Lister
	target   Reconciler
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPoller wires a lister to a reconciler.
func NewPoller(lister Lister, target Reconciler, interval, timeout time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		lister:   lister,
		target:   target,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run polls until ctx ends. The first cycle fires immediately so the
// dashboard is not blind for a full interval after startup.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ticker.C:
			p.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	jobs, err := p.lister.ListRunning(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("job snapshot fetch failed, skipping cycle", zap.Error(err))
		return
	}
	if err := p.target.Reconcile(ctx, jobs); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("reconcile failed", zap.Error(err))
	}
}
