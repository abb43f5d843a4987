package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stage is where a resource sits in the reclamation state machine.
type Stage string

const (
	StageLive         Stage = "live"
	StageCountingDown Stage = "counting_down"
	StageQueued       Stage = "queued"
	StageClosing      Stage = "closing"
)

const (
	smallBatch       = 2
	largeBatch       = 5
	largeBacklogSize = 10
)

// BatchReport summarises one ProcessBatch call.
type BatchReport struct {
	Dropped   bool     `json:"dropped"`
	Promoted  int      `json:"promoted"`
	Ran       bool     `json:"ran"`
	Reclaimed []Handle `json:"reclaimed"`
	Skipped   []Handle `json:"skipped"`
	Failed    []Handle `json:"failed"`
}

// QueueDepth is the number of handles in each queue.
type QueueDepth struct {
	Countdown int `json:"countdown"`
	Batch     int `json:"batch"`
	Closing   int `json:"closing"`
}

// Scheduler moves inactive resources through countdown and batch queues and
// reclaims them through a ResourceGateway.
type Scheduler struct {
	scores   *Scorer
	policy   *PolicyHolder
	gateway  ResourceGateway
	history  HistorySink
	excluded []string
	now      func() time.Time
	log      *slog.Logger

	running atomic.Bool

	mu        sync.Mutex
	countdown map[Handle]time.Time
	batch     []Handle
	closing   HandleSet
	lastBatch time.Time
}

// SchedulerConfig wires a Scheduler's collaborators.
type SchedulerConfig struct {
	Gateway         ResourceGateway
	History         HistorySink
	ExcludedSchemes []string
	Now             func() time.Time
	Logger          *slog.Logger
}

// NewScheduler creates a Scheduler reading scores from scores.
func NewScheduler(scores *Scorer, policy *PolicyHolder, cfg SchedulerConfig) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.History == nil {
		cfg.History = nopSink{}
	}
	if cfg.ExcludedSchemes == nil {
		cfg.ExcludedSchemes = DefaultExcludedSchemes
	}
	return &Scheduler{
		scores:    scores,
		policy:    policy,
		gateway:   cfg.Gateway,
		history:   cfg.History,
		excluded:  cfg.ExcludedSchemes,
		now:       cfg.Now,
		log:       cfg.Logger,
		countdown: make(map[Handle]time.Time),
		closing:   make(HandleSet),
	}
}

// CheckInactivity starts a countdown for h when its score is at or below the
// threshold, or cancels any pending reclamation when it is above.
func (s *Scheduler) CheckInactivity(h Handle) {
	score, st, ok := s.scores.lookup(h)
	if !ok {
		return
	}
	p := s.policy.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Shielded() {
		s.dropQueuedLocked(h)
		return
	}

	if score > p.InactiveThreshold {
		if _, counting := s.countdown[h]; counting {
			s.log.Info("countdown cancelled", "handle", h, "score", score)
		}
		s.dropQueuedLocked(h)
		delete(s.closing, h)
		return
	}

	if s.stageLocked(h) != StageLive {
		return
	}
	s.countdown[h] = s.now()
	s.log.Info("countdown started",
		"handle", h,
		"title", st.Title,
		"score", score,
		"threshold", p.InactiveThreshold,
		"countdown_min", p.CountdownMinutes,
	)
}

// ProcessBatch promotes finished countdowns and, when the batch interval has
// elapsed, reclaims the next batch. Overlapping calls are dropped.
func (s *Scheduler) ProcessBatch(ctx context.Context) BatchReport {
	if !s.running.CompareAndSwap(false, true) {
		return BatchReport{Dropped: true}
	}
	defer s.running.Store(false)

	p := s.policy.Load()
	now := s.now()
	report := BatchReport{}

	s.mu.Lock()

	countdown := time.Duration(p.CountdownMinutes * float64(time.Minute))
	var finished []Handle
	for h, started := range s.countdown {
		if !s.eligible(h, p) {
			delete(s.countdown, h)
			s.log.Info("removed from countdown", "handle", h, "score", s.scores.Score(h))
			continue
		}
		if now.Sub(started) >= countdown {
			finished = append(finished, h)
		}
	}
	// Oldest countdown first, so the batch queue stays in arrival order.
	sort.Slice(finished, func(i, j int) bool {
		a, b := s.countdown[finished[i]], s.countdown[finished[j]]
		if !a.Equal(b) {
			return a.Before(b)
		}
		return finished[i] < finished[j]
	})
	for _, h := range finished {
		delete(s.countdown, h)
		if !s.inBatchLocked(h) {
			s.batch = append(s.batch, h)
			report.Promoted++
			s.log.Info("countdown complete", "handle", h)
		}
	}

	kept := s.batch[:0]
	for _, h := range s.batch {
		if s.eligible(h, p) {
			kept = append(kept, h)
			continue
		}
		s.log.Info("removed from batch queue", "handle", h, "score", s.scores.Score(h))
	}
	s.batch = kept

	interval := time.Duration(p.BatchIntervalMinutes * float64(time.Minute))
	due := s.lastBatch.IsZero() || now.Sub(s.lastBatch) >= interval
	if !due || len(s.batch) == 0 {
		s.mu.Unlock()
		return report
	}

	size := smallBatch
	if len(s.batch) >= largeBacklogSize {
		size = largeBatch
	}
	if size > len(s.batch) {
		size = len(s.batch)
	}
	head := append([]Handle(nil), s.batch[:size]...)
	s.batch = append(s.batch[:0], s.batch[size:]...)

	var eligible []Handle
	for _, h := range head {
		if s.eligible(h, p) {
			eligible = append(eligible, h)
			s.closing[h] = struct{}{}
			continue
		}
		report.Skipped = append(report.Skipped, h)
		s.log.Info("skipped during batch", "handle", h, "score", s.scores.Score(h))
	}
	s.lastBatch = now
	report.Ran = true
	remaining := len(s.batch)
	s.mu.Unlock()

	if len(eligible) > 0 {
		s.log.Info("processing batch", "size", len(eligible), "remaining", remaining)
	}

	for _, h := range eligible {
		closed, err := s.closeOne(ctx, h, p)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, h)
			s.log.Warn("reclaim failed", "handle", h, "error", err)
		case closed:
			report.Reclaimed = append(report.Reclaimed, h)
		default:
			report.Skipped = append(report.Skipped, h)
		}

		s.mu.Lock()
		delete(s.closing, h)
		s.mu.Unlock()
	}
	return report
}

// closeOne re-checks h one last time, records it in history and destroys it.
// It reports whether the resource was destroyed.
func (s *Scheduler) closeOne(ctx context.Context, h Handle, p Policy) (closed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			closed, err = false, fmt.Errorf("reclaim %d: panic: %v", h, r)
		}
	}()

	score, st, ok := s.scores.lookup(h)
	if !ok || score > p.InactiveThreshold || st.Shielded() {
		s.log.Info("reclaim aborted at final check",
			"handle", h,
			"score", score,
			"playing", st.Playing,
			"unsaved_input", st.UnsavedInput,
			"transfers", st.Transfers,
			"protected", st.Protected,
		)
		return false, nil
	}
	if s.gateway == nil {
		return false, fmt.Errorf("reclaim %d: no gateway configured", h)
	}

	res, err := s.gateway.Lookup(ctx, h)
	if errors.Is(err, ErrResourceGone) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %d: %w", h, err)
	}
	if excludedScheme(res.URL, s.excluded) {
		s.log.Info("skipping excluded scheme", "handle", h, "url", res.URL)
		return false, nil
	}

	rec := HistoryRecord{
		Handle:       h,
		Title:        firstNonEmpty(res.Title, st.Title),
		URL:          firstNonEmpty(res.URL, st.URL),
		Icon:         firstNonEmpty(res.Icon, st.Icon),
		Domain:       st.Domain,
		Score:        score,
		ReclaimedAt:  s.now(),
		RecoveryHint: res.RecoveryHint,
	}
	if err := s.history.Record(ctx, rec); err != nil {
		s.log.Warn("history record failed", "handle", h, "error", err)
	}

	err = s.gateway.Destroy(ctx, h)
	if errors.Is(err, ErrResourceGone) {
		s.log.Info("resource closed before reclaim", "handle", h)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("destroy %d: %w", h, err)
	}

	s.scores.Untrack(h)
	s.log.Info("resource reclaimed", "handle", h, "title", rec.Title, "url", rec.URL)
	return true, nil
}

// Forget purges h from every queue.
func (s *Scheduler) Forget(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropQueuedLocked(h)
	delete(s.closing, h)
}

// Stage reports where h sits in the state machine.
func (s *Scheduler) Stage(h Handle) Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageLocked(h)
}

// Depth reports queue sizes.
func (s *Scheduler) Depth() QueueDepth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueDepth{
		Countdown: len(s.countdown),
		Batch:     len(s.batch),
		Closing:   len(s.closing),
	}
}

// CountdownStarted returns when h entered the countdown queue.
func (s *Scheduler) CountdownStarted(h Handle) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.countdown[h]
	return t, ok
}

func (s *Scheduler) eligible(h Handle, p Policy) bool {
	score, st, ok := s.scores.lookup(h)
	return ok && score <= p.InactiveThreshold && !st.Shielded()
}

func (s *Scheduler) stageLocked(h Handle) Stage {
	switch {
	case s.closing.Has(h):
		return StageClosing
	case s.inBatchLocked(h):
		return StageQueued
	}
	if _, ok := s.countdown[h]; ok {
		return StageCountingDown
	}
	return StageLive
}

func (s *Scheduler) inBatchLocked(h Handle) bool {
	for _, b := range s.batch {
		if b == h {
			return true
		}
	}
	return false
}

func (s *Scheduler) dropQueuedLocked(h Handle) {
	delete(s.countdown, h)
	for i, b := range s.batch {
		if b == h {
			s.batch = append(s.batch[:i], s.batch[i+1:]...)
			break
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
