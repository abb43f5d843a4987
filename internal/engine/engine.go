package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Submit after the engine has been stopped.
var ErrStopped = errors.New("engine stopped")

const (
	defaultTickInterval = time.Minute
	defaultEventBuffer  = 256
)

// Options configures an Engine.
type Options struct {
	Policy          Policy
	Gateway         ResourceGateway
	History         HistorySink
	ExcludedSchemes []string
	TickInterval    time.Duration
	EventBuffer     int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Engine drives scoring and reclamation. One goroutine owns the event
// channel and the ticker; batch passes run beside it.
type Engine struct {
	Scores    *Scorer
	Scheduler *Scheduler

	table    *Table
	policy   *PolicyHolder
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	events   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	tickMu   sync.Mutex
	lastTick time.Time
}

// New creates an Engine. Call Start to begin ticking.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	table := NewTable()
	policy := NewPolicyHolder(opts.Policy)
	scores := NewScorer(table, policy, opts.Now, opts.Logger)
	sched := NewScheduler(scores, policy, SchedulerConfig{
		Gateway:         opts.Gateway,
		History:         opts.History,
		ExcludedSchemes: opts.ExcludedSchemes,
		Now:             opts.Now,
		Logger:          opts.Logger,
	})

	return &Engine{
		Scores:    scores,
		Scheduler: sched,
		table:     table,
		policy:    policy,
		interval:  opts.TickInterval,
		now:       opts.Now,
		log:       opts.Logger,
		events:    make(chan Event, opts.EventBuffer),
		stopCh:    make(chan struct{}),
		lastTick:  opts.Now(),
	}
}

// Start runs the event/tick loop until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.log.Info("engine started", "tick_interval", e.interval.String())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case ev := <-e.events:
				e.apply(ev)
			case <-ticker.C:
				e.sweep()
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					report := e.Scheduler.ProcessBatch(ctx)
					if len(report.Reclaimed) > 0 || len(report.Failed) > 0 {
						e.log.Info("batch finished",
							"reclaimed", len(report.Reclaimed),
							"failed", len(report.Failed),
							"skipped", len(report.Skipped),
						)
					}
				}()
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the loop and waits for running batches.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Submit queues ev for the loop goroutine. It blocks while the buffer is
// full and returns ErrStopped once the engine is stopped.
func (e *Engine) Submit(ev Event) error {
	select {
	case <-e.stopCh:
		return ErrStopped
	default:
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.stopCh:
		return ErrStopped
	}
}

// Apply applies ev synchronously. Code running beside a started engine
// should use Submit.
func (e *Engine) Apply(ev Event) {
	e.apply(ev)
}

// Tick runs one scoring sweep and one batch pass synchronously.
func (e *Engine) Tick(ctx context.Context) BatchReport {
	e.sweep()
	return e.Scheduler.ProcessBatch(ctx)
}

// sweep updates every score by the time since the previous sweep and runs
// the inactivity check on each resource.
func (e *Engine) sweep() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	now := e.now()
	elapsed := now.Sub(e.lastTick).Minutes()
	e.lastTick = now

	visible := e.table.Visible()
	for _, h := range e.Scores.Handles() {
		e.Scores.UpdateScore(h, elapsed, visible)
		e.Scheduler.CheckInactivity(h)
	}

	e.log.Debug("sweep complete",
		"resources", e.table.len(),
		"elapsed_min", elapsed,
		"queues", e.Scheduler.Depth(),
	)
}

// UpdatePolicy validates p and replaces the active policy.
func (e *Engine) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.Scores.UpdatePolicy(p)
	return nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return e.policy.Load()
}

// ResetScores restores every score to the default (new browser session).
func (e *Engine) ResetScores() {
	e.Scores.ResetAll()
}

// ResourceView is one resource as seen by observers.
type ResourceView struct {
	ResourceState
	Score            float64    `json:"score"`
	Stage            Stage      `json:"stage"`
	Visible          bool       `json:"visible"`
	DecayRate        float64    `json:"decay_rate"`
	Boost            float64    `json:"boost"`
	CountdownStarted *time.Time `json:"countdown_started,omitempty"`
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	TakenAt   time.Time      `json:"taken_at"`
	Policy    Policy         `json:"policy"`
	Queues    QueueDepth     `json:"queues"`
	Resources []ResourceView `json:"resources"`
}

// Resource returns the view of a single resource.
func (e *Engine) Resource(h Handle) (ResourceView, bool) {
	return e.view(h, e.table.Visible())
}

// Snapshot returns every tracked resource ordered by handle.
func (e *Engine) Snapshot() Snapshot {
	visible := e.table.Visible()
	snap := Snapshot{
		TakenAt: e.now(),
		Policy:  e.policy.Load(),
		Queues:  e.Scheduler.Depth(),
	}
	for _, h := range e.Scores.Handles() {
		if v, ok := e.view(h, visible); ok {
			snap.Resources = append(snap.Resources, v)
		}
	}
	return snap
}

func (e *Engine) view(h Handle, visible HandleSet) (ResourceView, bool) {
	score, st, ok := e.Scores.lookup(h)
	if !ok {
		return ResourceView{}, false
	}
	v := ResourceView{
		ResourceState: st,
		Score:         score,
		Stage:         e.Scheduler.Stage(h),
		Visible:       visible.Has(h),
		DecayRate:     e.Scores.DecayRate(h, visible),
		Boost:         e.Scores.Boost(h, visible),
	}
	if started, ok := e.Scheduler.CountdownStarted(h); ok {
		v.CountdownStarted = &started
	}
	return v, true
}
