package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// opLog records the order of external calls across doubles.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

// fakeGateway is a ResourceGateway double backed by a map.
type fakeGateway struct {
	mu         sync.Mutex
	resources  map[Handle]Resource
	destroyErr map[Handle]error
	lookupErr  error
	destroyed  []Handle
	log        *opLog

	onDestroy func(h Handle)
	panicOn   Handle
	entered   chan struct{}
	release   chan struct{}
}

func newFakeGateway(log *opLog) *fakeGateway {
	return &fakeGateway{
		resources:  make(map[Handle]Resource),
		destroyErr: make(map[Handle]error),
		log:        log,
	}
}

func (g *fakeGateway) add(h Handle, url string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources[h] = Resource{Handle: h, Title: fmt.Sprintf("tab %d", h), URL: url, RecoveryHint: "ctx-1"}
}

func (g *fakeGateway) Lookup(ctx context.Context, h Handle) (Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.add("lookup %d", h)
	if g.lookupErr != nil {
		return Resource{}, g.lookupErr
	}
	res, ok := g.resources[h]
	if !ok {
		return Resource{}, ErrResourceGone
	}
	return res, nil
}

func (g *fakeGateway) Destroy(ctx context.Context, h Handle) error {
	g.log.add("destroy %d", h)
	if g.panicOn != 0 && g.panicOn == h {
		panic(fmt.Sprintf("connection reset while closing %d", h))
	}
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}

	g.mu.Lock()
	err := g.destroyErr[h]
	if err == nil {
		delete(g.resources, h)
		g.destroyed = append(g.destroyed, h)
	}
	hook := g.onDestroy
	g.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(h)
	}
	return nil
}

func (g *fakeGateway) destroyedHandles() []Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Handle(nil), g.destroyed...)
}

// recordingSink is a HistorySink double.
type recordingSink struct {
	mu      sync.Mutex
	records []HistoryRecord
	err     error
	log     *opLog
}

func (s *recordingSink) Record(ctx context.Context, rec HistoryRecord) error {
	s.log.add("record %d", rec.Handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) all() []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryRecord(nil), s.records...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	clock   *fakeClock
	policy  *PolicyHolder
	scores  *Scorer
	sched   *Scheduler
	gateway *fakeGateway
	sink    *recordingSink
	log     *opLog
}

func newHarness(t *testing.T, p Policy) *harness {
	t.Helper()
	clock := newFakeClock()
	log := &opLog{}
	gw := newFakeGateway(log)
	sink := &recordingSink{log: log}
	policy := NewPolicyHolder(p)
	scores := NewScorer(NewTable(), policy, clock.Now, discardLogger())
	sched := NewScheduler(scores, policy, SchedulerConfig{
		Gateway: gw,
		History: sink,
		Now:     clock.Now,
		Logger:  discardLogger(),
	})
	return &harness{clock: clock, policy: policy, scores: scores, sched: sched, gateway: gw, sink: sink, log: log}
}

// track registers h with both the scorer and the gateway.
func (h *harness) track(handle Handle, url string) {
	h.scores.Track(handle, ResourceInfo{URL: url, Title: fmt.Sprintf("tab %d", handle)})
	h.gateway.add(handle, url)
}

// setScore forces the stored score of handle.
func (h *harness) setScore(handle Handle, v float64) {
	setScore(h.scores, handle, v)
}

func setScore(s *Scorer, handle Handle, v float64) {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if e, ok := s.table.resources[handle]; ok {
		e.score = v
	}
}

// assertExclusive fails if any handle sits in more than one queue.
func assertExclusive(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[Handle]int)
	for h := range s.countdown {
		seen[h]++
	}
	for _, h := range s.batch {
		seen[h]++
	}
	for h := range s.closing {
		seen[h]++
	}
	for h, n := range seen {
		if n > 1 {
			t.Errorf("handle %d appears in %d queues", h, n)
		}
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func boolPtr(v bool) *bool { return &v }

func testPolicy() Policy {
	p := DefaultPolicy()
	p.ProtectedDomains = nil
	return p
}
