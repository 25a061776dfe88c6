// Package tracker multiplexes per-job push subscriptions into a single
// aggregation loop, owning the registry of tracked jobs and their progress
// state. Reconciliation against the running-jobs snapshot opens and closes
// subscriptions; events, ticks, and commands are all serialized through the
// loop so state never tears under concurrent delivery.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subpulse/subpulse/internal/progress"
)

const (
	defaultInboxSize   = 1024
	defaultTick        = time.Second
	defaultSinkTimeout = 5 * time.Second
)

// ErrClosed is returned by operations on a tracker that has shut down.
var ErrClosed = errors.New("tracker closed")

// Subscription is the tracker's view of one open push connection.
// *stream.Subscription satisfies it.
type Subscription interface {
	Events() <-chan progress.Event
	Errs() <-chan error
	Close()
}

// Subscriber opens a push subscription for one job id.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, jobID string) (Subscription, error)

// Subscribe calls f.
func (f SubscriberFunc) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	return f(ctx, jobID)
}

// Recorder receives lifecycle and event counters; the metrics package
// provides the Prometheus implementation.
type Recorder interface {
	JobTracked()
	JobUntracked()
	EventApplied(phase progress.Phase, status progress.Status)
	SubscribeError()
	TransportError()
}

type nopRecorder struct{}

func (nopRecorder) JobTracked()                                  {}
func (nopRecorder) JobUntracked()                                {}
func (nopRecorder) EventApplied(progress.Phase, progress.Status) {}
func (nopRecorder) SubscribeError()                              {}
func (nopRecorder) TransportError()                              {}

// Config controls tracking behavior.
//   - EventLogCap: per-job bounded event history (default 100).
//   - RateWindow: sliding window for the events-per-second estimate.
//   - TickInterval: wall-clock refresh cadence while jobs are tracked
//     (default 1s). The ticker stops entirely when the registry empties.
//   - ResubscribeOnError: reopen the connection immediately after a transport
//     error instead of waiting for the next reconciliation.
//   - ClampPhaseDisplay: snapshots report max-seen percent per phase instead
//     of last-written.
type Config struct {
	EventLogCap        int
	RateWindow         time.Duration
	TickInterval       time.Duration
	ResubscribeOnError bool
	ClampPhaseDisplay  bool
	SinkTimeout        time.Duration
	Clock              progress.Clock
	Logger             *zap.Logger
	Recorder           Recorder
	Sinks              []progress.Sink
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Tracker owns the jobID registry. All mutation happens on the run loop; the
// mutex only makes registry reads consistent for snapshot callers.
type Tracker struct {
	cfg Config
	sub Subscriber

	mu      sync.RWMutex
	entries map[string]*entry

	inbox       chan envelope
	reconcileCh chan reconcileReq
	cmdCh       chan func()
	stopCh      chan struct{}
	doneCh      chan struct{}

	closeOnce sync.Once
	closeCtx  context.Context
}

type entry struct {
	state *progress.JobState
	sub   Subscription
	stop  chan struct{}
}

type envelope struct {
	jobID string
	evt   progress.Event
	err   error
}

type reconcileReq struct {
	jobs []progress.Job
	done chan struct{}
}

// New starts a tracker using sub to open per-job subscriptions. The returned
// tracker is immediately ready to reconcile.
func New(cfg Config, sub Subscriber) *Tracker {
	if cfg.EventLogCap <= 0 {
		cfg.EventLogCap = progress.DefaultEventLogCap
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = progress.DefaultRateWindow
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTick
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	t := &Tracker{
		cfg:         cfg,
		sub:         sub,
		entries:     make(map[string]*entry),
		inbox:       make(chan envelope, defaultInboxSize),
		reconcileCh: make(chan reconcileReq),
		cmdCh:       make(chan func()),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	go t.run()
	return t
}

// Reconcile diffs the running-jobs snapshot against the registry: unseen ids
// get a state and a subscription, vanished ids are released, survivors are
// left to evolve via their own events. It returns once the loop has applied
// the diff, and is idempotent across repeated snapshots.
func (t *Tracker) Reconcile(ctx context.Context, jobs []progress.Job) error {
	req := reconcileReq{jobs: jobs, done: make(chan struct{})}
	select {
	case t.reconcileCh <- req:
	case <-ctx.Done():
		return fmt.Errorf("reconcile: %w", ctx.Err())
	case <-t.stopCh:
		return ErrClosed
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconcile wait: %w", ctx.Err())
	}
}

// SetExpanded toggles a job's display-expansion flag. Unknown ids are a
// no-op; the flag is purely cosmetic.
func (t *Tracker) SetExpanded(ctx context.Context, jobID string, expanded bool) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		t.mu.Lock()
		defer t.mu.Unlock()
		if e, ok := t.entries[jobID]; ok {
			e.state.SetExpanded(expanded)
		}
	}
	select {
	case t.cmdCh <- cmd:
	case <-ctx.Done():
		return fmt.Errorf("set expanded: %w", ctx.Err())
	case <-t.stopCh:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("set expanded wait: %w", ctx.Err())
	}
}

// Snapshot returns the read-only view of one tracked job.
func (t *Tracker) Snapshot(jobID string) (progress.Snapshot, bool) {
	now := t.cfg.Clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[jobID]
	if !ok {
		return progress.Snapshot{}, false
	}
	return e.state.Snapshot(now, t.cfg.ClampPhaseDisplay), true
}

// Snapshots returns views of every tracked job, ordered by job id.
func (t *Tracker) Snapshots() []progress.Snapshot {
	now := t.cfg.Clock.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]progress.Snapshot, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.state.Snapshot(now, t.cfg.ClampPhaseDisplay))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out
}

// Stats reduces all tracked jobs to the system-wide aggregate.
func (t *Tracker) Stats() progress.SystemStats {
	return progress.ComputeStats(t.Snapshots())
}

// Len reports how many jobs are currently tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Close releases every subscription, stops the loop, and closes sinks. It is
// safe to call multiple times.
func (t *Tracker) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.closeOnce.Do(func() {
		t.closeCtx = ctx
		close(t.stopCh)
	})
	select {
	case <-t.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tracker close wait: %w", ctx.Err())
	}
}

func (t *Tracker) run() {
	defer close(t.doneCh)
	var (
		ticker *time.Ticker
		tickCh <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()
	for {
		select {
		case env := <-t.inbox:
			t.handleEnvelope(env)
		case req := <-t.reconcileCh:
			t.reconcile(req.jobs)
			close(req.done)
			t.syncTicker(&ticker, &tickCh)
		case cmd := <-t.cmdCh:
			cmd()
		case <-tickCh:
			t.refreshAll(t.cfg.Clock.Now())
		case <-t.stopCh:
			t.teardown()
			return
		}
	}
}

func (t *Tracker) reconcile(jobs []progress.Job) {
	want := make(map[string]progress.Job, len(jobs))
	for _, job := range jobs {
		if job.ID == "" {
			continue
		}
		want[job.ID] = job
	}

	t.mu.RLock()
	var stale []string
	for id := range t.entries {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range stale {
		t.untrack(id)
	}
	for id, job := range want {
		t.mu.RLock()
		_, tracked := t.entries[id]
		t.mu.RUnlock()
		if tracked {
			continue
		}
		// One job's subscribe failure must not abort the rest; the next
		// snapshot retries it.
		if err := t.track(job); err != nil {
			t.cfg.Recorder.SubscribeError()
			t.cfg.Logger.Warn("subscribe failed",
				zap.String("job_id", id), zap.Error(err))
		}
	}
}

func (t *Tracker) track(job progress.Job) error {
	sub, err := t.sub.Subscribe(context.Background(), job.ID)
	if err != nil {
		return err
	}
	e := &entry{
		state: progress.NewJobState(job, t.cfg.Clock.Now(), t.cfg.EventLogCap, t.cfg.RateWindow),
		sub:   sub,
		stop:  make(chan struct{}),
	}
	t.mu.Lock()
	t.entries[job.ID] = e
	t.mu.Unlock()

	go t.forward(job.ID, sub, e.stop)
	t.cfg.Recorder.JobTracked()
	t.cfg.Logger.Info("tracking job", zap.String("job_id", job.ID))
	return nil
}

func (t *Tracker) untrack(jobID string) {
	t.mu.Lock()
	e, ok := t.entries[jobID]
	if ok {
		delete(t.entries, jobID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	close(e.stop)
	e.sub.Close()
	t.cfg.Recorder.JobUntracked()
	t.cfg.Logger.Info("released job", zap.String("job_id", jobID))
}

// forward pumps one subscription's channels into the loop inbox. It exits
// when the subscription ends, the job is untracked, or the tracker stops.
func (t *Tracker) forward(jobID string, sub Subscription, stop chan struct{}) {
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				// Connection gone; surface a pending transport error if any.
				select {
				case err := <-sub.Errs():
					t.send(envelope{jobID: jobID, err: err}, stop)
				default:
				}
				return
			}
			if !t.send(envelope{jobID: jobID, evt: evt}, stop) {
				return
			}
		case err := <-sub.Errs():
			t.send(envelope{jobID: jobID, err: err}, stop)
		case <-stop:
			return
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) send(env envelope, stop chan struct{}) bool {
	select {
	case t.inbox <- env:
		return true
	case <-stop:
		return false
	case <-t.stopCh:
		return false
	}
}

func (t *Tracker) handleEnvelope(env envelope) {
	if env.err != nil {
		t.handleTransportError(env.jobID, env.err)
		return
	}
	now := t.cfg.Clock.Now()
	t.mu.Lock()
	e, ok := t.entries[env.jobID]
	if ok {
		e.state.Apply(env.evt, now)
	}
	t.mu.Unlock()
	if !ok {
		// Stragglers from an already-released job are dropped.
		return
	}
	t.cfg.Recorder.EventApplied(env.evt.Phase, env.evt.Status)
	t.flushSinks(env.evt)
}

// handleTransportError flags the job but keeps it tracked; it leaves the
// registry only when the running snapshot drops it. Resubscribing right away
// is opt-in.
func (t *Tracker) handleTransportError(jobID string, err error) {
	t.mu.Lock()
	e, ok := t.entries[jobID]
	if ok {
		e.state.MarkFailed(err.Error())
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.cfg.Recorder.TransportError()
	t.cfg.Logger.Warn("subscription transport error",
		zap.String("job_id", jobID), zap.Error(err))

	if t.cfg.ResubscribeOnError {
		t.resubscribe(jobID, e)
	}
}

func (t *Tracker) resubscribe(jobID string, e *entry) {
	close(e.stop)
	e.sub.Close()

	// Swap in a fresh stop channel before reconnecting so a later untrack
	// never closes the old one twice.
	stop := make(chan struct{})
	t.mu.Lock()
	e.stop = stop
	t.mu.Unlock()

	sub, err := t.sub.Subscribe(context.Background(), jobID)
	if err != nil {
		t.cfg.Recorder.SubscribeError()
		t.cfg.Logger.Warn("resubscribe failed",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	t.mu.Lock()
	if cur, ok := t.entries[jobID]; ok && cur == e {
		e.sub = sub
	} else {
		// Untracked while reconnecting.
		t.mu.Unlock()
		sub.Close()
		return
	}
	t.mu.Unlock()
	go t.forward(jobID, sub, stop)
	t.cfg.Logger.Info("resubscribed", zap.String("job_id", jobID))
}

func (t *Tracker) refreshAll(now time.Time) {
	t.mu.Lock()
	for _, e := range t.entries {
		e.state.Refresh(now)
	}
	t.mu.Unlock()
}

func (t *Tracker) syncTicker(ticker **time.Ticker, tickCh *<-chan time.Time) {
	n := t.Len()
	switch {
	case n > 0 && *ticker == nil:
		*ticker = time.NewTicker(t.cfg.TickInterval)
		*tickCh = (*ticker).C
	case n == 0 && *ticker != nil:
		(*ticker).Stop()
		*ticker = nil
		*tickCh = nil
	}
}

func (t *Tracker) flushSinks(evt progress.Event) {
	if len(t.cfg.Sinks) == 0 {
		return
	}
	batch := []progress.Event{evt}
	for _, sink := range t.cfg.Sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			t.cfg.Logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (t *Tracker) teardown() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
	for id, e := range entries {
		close(e.stop)
		e.sub.Close()
		t.cfg.Logger.Debug("released job on shutdown", zap.String("job_id", id))
	}
	ctx := t.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range t.cfg.Sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			t.cfg.Logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
