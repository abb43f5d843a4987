package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func immediatePolicy() Policy {
	p := testPolicy()
	p.CountdownMinutes = 0
	p.BatchIntervalMinutes = 1
	return p
}

// queueInactive tracks n idle handles starting at first with score 0 and
// runs the inactivity check on each.
func (h *harness) queueInactive(first Handle, n int) []Handle {
	var out []Handle
	for i := 0; i < n; i++ {
		handle := first + Handle(i)
		h.track(handle, fmt.Sprintf("https://site%d.example/", handle))
		h.setScore(handle, 0)
		h.sched.CheckInactivity(handle)
		out = append(out, handle)
	}
	return out
}

func TestCheckInactivityUnknownHandle(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.sched.CheckInactivity(42)

	if got := h.sched.Stage(42); got != StageLive {
		t.Errorf("stage = %s, want live", got)
	}
	if d := h.sched.Depth(); d != (QueueDepth{}) {
		t.Errorf("depth = %+v, want empty", d)
	}
}

func TestCheckInactivityAboveThreshold(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.track(1, "https://example.com/")
	h.sched.CheckInactivity(1)

	if got := h.sched.Stage(1); got != StageLive {
		t.Errorf("stage = %s, want live", got)
	}
}

func TestCheckInactivityIdempotent(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.track(1, "https://example.com/")
	h.setScore(1, 0)

	h.sched.CheckInactivity(1)
	first, ok := h.sched.CountdownStarted(1)
	if !ok {
		t.Fatal("countdown not started")
	}

	h.clock.Advance(5 * time.Minute)
	h.sched.CheckInactivity(1)
	h.sched.CheckInactivity(1)

	second, _ := h.sched.CountdownStarted(1)
	if !second.Equal(first) {
		t.Errorf("countdown restarted: %v -> %v", first, second)
	}
	if d := h.sched.Depth(); d.Countdown != 1 || d.Batch != 0 {
		t.Errorf("depth = %+v, want one countdown", d)
	}
}

func TestCheckInactivityEscapeFromCountdown(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.track(1, "https://example.com/")
	h.setScore(1, 0)
	h.sched.CheckInactivity(1)

	h.setScore(1, 0.5)
	h.sched.CheckInactivity(1)

	if got := h.sched.Stage(1); got != StageLive {
		t.Errorf("stage = %s, want live", got)
	}
}

func TestCheckInactivityEscapeFromBatch(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 3)

	// First pass reclaims two and leaves one queued behind the interval.
	r := h.sched.ProcessBatch(context.Background())
	if len(r.Reclaimed) != 2 {
		t.Fatalf("reclaimed %d, want 2", len(r.Reclaimed))
	}
	var queued Handle
	for _, c := range []Handle{1, 2, 3} {
		if h.sched.Stage(c) == StageQueued {
			queued = c
		}
	}
	if queued == 0 {
		t.Fatal("no handle left in batch queue")
	}

	h.setScore(queued, 1)
	h.sched.CheckInactivity(queued)
	if got := h.sched.Stage(queued); got != StageLive {
		t.Errorf("stage = %s, want live", got)
	}
	assertExclusive(t, h.sched)
}

func TestShieldedNeverQueued(t *testing.T) {
	tests := []struct {
		name   string
		update Update
	}{
		{"playing", Update{Playing: boolPtr(true)}},
		{"unsaved input", Update{UnsavedInput: boolPtr(true)}},
		{"transfer", Update{TransferDelta: 1}},
		{"protected", Update{Protected: boolPtr(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testPolicy())
			h.track(1, "https://example.com/")
			h.setScore(1, 0)
			h.scores.Apply(1, tt.update)

			h.sched.CheckInactivity(1)
			if got := h.sched.Stage(1); got != StageLive {
				t.Errorf("stage = %s, want live", got)
			}
		})
	}
}

func TestShieldedLeavesCountdown(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.track(1, "https://example.com/")
	h.setScore(1, 0)
	h.sched.CheckInactivity(1)

	h.scores.Apply(1, Update{Protected: boolPtr(true)})
	h.sched.CheckInactivity(1)

	if got := h.sched.Stage(1); got != StageLive {
		t.Errorf("stage = %s, want live", got)
	}
}

func TestCountdownPromotion(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.track(1, "https://example.com/")
	h.setScore(1, 0)
	h.sched.CheckInactivity(1)

	h.clock.Advance(29 * time.Minute)
	r := h.sched.ProcessBatch(context.Background())
	if r.Promoted != 0 || r.Ran {
		t.Fatalf("report before countdown end = %+v", r)
	}
	if got := h.sched.Stage(1); got != StageCountingDown {
		t.Fatalf("stage = %s, want counting_down", got)
	}

	h.clock.Advance(time.Minute)
	r = h.sched.ProcessBatch(context.Background())
	if r.Promoted != 1 || !r.Ran {
		t.Fatalf("report at countdown end = %+v", r)
	}
	if !reflect.DeepEqual(r.Reclaimed, []Handle{1}) {
		t.Errorf("reclaimed = %v, want [1]", r.Reclaimed)
	}
	if _, ok := h.scores.State(1); ok {
		t.Error("reclaimed handle still tracked")
	}
}

func TestPromotionRechecksScore(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.track(1, "https://example.com/")
	h.setScore(1, 0)
	h.sched.CheckInactivity(1)

	h.setScore(1, 1.5)
	r := h.sched.ProcessBatch(context.Background())
	if r.Promoted != 0 || r.Ran {
		t.Errorf("report = %+v, want nothing promoted", r)
	}
	if got := h.sched.Stage(1); got != StageLive {
		t.Errorf("stage = %s, want live", got)
	}
	if len(h.gateway.destroyedHandles()) != 0 {
		t.Error("resource destroyed despite recovered score")
	}
}

func TestBatchSizing(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 12)

	r := h.sched.ProcessBatch(context.Background())
	if r.Promoted != 12 {
		t.Fatalf("promoted = %d, want 12", r.Promoted)
	}
	if len(r.Reclaimed) != 5 {
		t.Errorf("reclaimed = %d, want 5 from a backlog of 12", len(r.Reclaimed))
	}
	if d := h.sched.Depth(); d.Batch != 7 || d.Closing != 0 {
		t.Errorf("depth = %+v, want 7 queued", d)
	}

	// Interval not yet elapsed.
	h.clock.Advance(30 * time.Second)
	r = h.sched.ProcessBatch(context.Background())
	if r.Ran {
		t.Errorf("batch ran before interval: %+v", r)
	}

	h.clock.Advance(30 * time.Second)
	r = h.sched.ProcessBatch(context.Background())
	if len(r.Reclaimed) != 2 {
		t.Errorf("reclaimed = %d, want 2 from a backlog of 7", len(r.Reclaimed))
	}
	if d := h.sched.Depth(); d.Batch != 5 {
		t.Errorf("batch depth = %d, want 5", d.Batch)
	}
	assertExclusive(t, h.sched)
}

func TestProcessBatchEmpty(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	r := h.sched.ProcessBatch(context.Background())
	if r.Ran || r.Dropped || r.Promoted != 0 {
		t.Errorf("report = %+v, want no-op", r)
	}
}

func TestProcessBatchSingleFlight(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.gateway.entered = make(chan struct{})
	h.gateway.release = make(chan struct{})
	h.queueInactive(1, 1)

	done := make(chan BatchReport, 1)
	go func() { done <- h.sched.ProcessBatch(context.Background()) }()

	select {
	case <-h.gateway.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy never called")
	}

	if got := h.sched.Stage(1); got != StageClosing {
		t.Errorf("stage during destroy = %s, want closing", got)
	}
	if r := h.sched.ProcessBatch(context.Background()); !r.Dropped {
		t.Errorf("overlapping call = %+v, want dropped", r)
	}

	close(h.gateway.release)
	r := <-done
	if !reflect.DeepEqual(r.Reclaimed, []Handle{1}) {
		t.Errorf("reclaimed = %v, want [1]", r.Reclaimed)
	}
	if d := h.sched.Depth(); d.Closing != 0 {
		t.Errorf("closing = %d after batch, want 0", d.Closing)
	}
}

func TestFinalCheckAbortsWhenScoreRises(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 2)

	// Whichever closes first revives the other.
	h.gateway.onDestroy = func(closed Handle) {
		other := Handle(3) - closed
		h.setScore(other, 1)
	}

	r := h.sched.ProcessBatch(context.Background())
	if len(r.Reclaimed) != 1 || len(r.Skipped) != 1 {
		t.Fatalf("report = %+v, want one reclaimed and one skipped", r)
	}
	survivor := r.Skipped[0]
	if _, ok := h.scores.State(survivor); !ok {
		t.Error("skipped handle was untracked")
	}
	if got := h.sched.Stage(survivor); got != StageLive {
		t.Errorf("survivor stage = %s, want live", got)
	}
	if got := len(h.gateway.destroyedHandles()); got != 1 {
		t.Errorf("destroyed %d, want 1", got)
	}
}

func TestDestroyFailureReadmits(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 1)
	h.gateway.destroyErr[1] = errors.New("target busy")

	r := h.sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Failed, []Handle{1}) {
		t.Fatalf("failed = %v, want [1]", r.Failed)
	}
	if got := h.sched.Stage(1); got != StageLive {
		t.Errorf("stage after failure = %s, want live", got)
	}
	if d := h.sched.Depth(); d.Closing != 0 {
		t.Errorf("closing = %d, want 0", d.Closing)
	}
	if _, ok := h.scores.State(1); !ok {
		t.Fatal("failed handle no longer tracked")
	}

	h.sched.CheckInactivity(1)
	if got := h.sched.Stage(1); got != StageCountingDown {
		t.Errorf("stage after re-check = %s, want counting_down", got)
	}
}

func TestHistoryRecordedBeforeDestroy(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 1)

	h.sched.ProcessBatch(context.Background())

	want := []string{"lookup 1", "record 1", "destroy 1"}
	if got := h.log.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}

	recs := h.sink.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Handle != 1 || rec.URL != "https://site1.example/" || rec.RecoveryHint != "ctx-1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Domain != "site1.example" {
		t.Errorf("domain = %q, want site1.example", rec.Domain)
	}
	if !rec.ReclaimedAt.Equal(h.clock.Now()) {
		t.Errorf("reclaimed at = %v, want %v", rec.ReclaimedAt, h.clock.Now())
	}
}

func TestHistoryFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.sink.err = errors.New("disk full")
	h.queueInactive(1, 1)

	r := h.sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Reclaimed, []Handle{1}) {
		t.Errorf("reclaimed = %v, want [1]", r.Reclaimed)
	}
}

func TestLookupGoneSkips(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.scores.Track(1, ResourceInfo{URL: "https://example.com/"})
	h.setScore(1, 0)
	h.sched.CheckInactivity(1)

	r := h.sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Skipped, []Handle{1}) {
		t.Errorf("skipped = %v, want [1]", r.Skipped)
	}
	if len(h.sink.all()) != 0 {
		t.Error("history recorded for a vanished resource")
	}
	if len(h.gateway.destroyedHandles()) != 0 {
		t.Error("destroy called for a vanished resource")
	}
}

func TestLookupErrorFails(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 1)
	h.gateway.lookupErr = errors.New("connection reset")

	r := h.sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Failed, []Handle{1}) {
		t.Errorf("failed = %v, want [1]", r.Failed)
	}
}

func TestExcludedSchemeSkipped(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.track(1, "chrome://settings")
	h.setScore(1, 0)
	h.sched.CheckInactivity(1)

	r := h.sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Skipped, []Handle{1}) {
		t.Errorf("skipped = %v, want [1]", r.Skipped)
	}
	if len(h.gateway.destroyedHandles()) != 0 {
		t.Error("browser-internal page destroyed")
	}
	if len(h.sink.all()) != 0 {
		t.Error("history recorded for excluded page")
	}
}

func TestNoGatewayFails(t *testing.T) {
	clock := newFakeClock()
	policy := NewPolicyHolder(immediatePolicy())
	scores := NewScorer(NewTable(), policy, clock.Now, discardLogger())
	sched := NewScheduler(scores, policy, SchedulerConfig{Now: clock.Now, Logger: discardLogger()})

	scores.Track(1, ResourceInfo{URL: "https://example.com/"})
	setScore(scores, 1, 0)
	sched.CheckInactivity(1)

	r := sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Failed, []Handle{1}) {
		t.Errorf("failed = %v, want [1]", r.Failed)
	}
}

func TestForgetPurgesQueues(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.queueInactive(1, 2)

	h.sched.Forget(1)
	if got := h.sched.Stage(1); got != StageLive {
		t.Errorf("stage = %s, want live", got)
	}
	if d := h.sched.Depth(); d.Countdown != 1 {
		t.Errorf("countdown depth = %d, want 1", d.Countdown)
	}
}

func TestMembershipExclusive(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	handles := h.queueInactive(1, 15)

	for i := 0; i < 5; i++ {
		for _, c := range handles {
			h.sched.CheckInactivity(c)
		}
		h.sched.ProcessBatch(context.Background())
		assertExclusive(t, h.sched)
		h.clock.Advance(time.Minute)
	}
}

func TestPromotionKeepsCountdownOrder(t *testing.T) {
	p := testPolicy()
	p.CountdownMinutes = 30
	p.BatchIntervalMinutes = 1
	h := newHarness(t, p)

	order := []Handle{5, 3, 8, 1, 7, 2, 6, 4}
	for _, handle := range order {
		h.queueInactive(handle, 1)
		h.clock.Advance(time.Minute)
	}
	h.clock.Advance(60 * time.Minute)

	var reclaimed []Handle
	for i := 0; i < 4; i++ {
		r := h.sched.ProcessBatch(context.Background())
		if i == 0 && r.Promoted != len(order) {
			t.Fatalf("promoted = %d, want %d", r.Promoted, len(order))
		}
		reclaimed = append(reclaimed, r.Reclaimed...)
		h.clock.Advance(time.Minute)
	}
	if !reflect.DeepEqual(reclaimed, order) {
		t.Errorf("reclaimed %v, want countdown order %v", reclaimed, order)
	}
}

func TestPromotionTieBreaksOnHandle(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	for _, handle := range []Handle{9, 4, 6} {
		h.queueInactive(handle, 1)
	}

	r := h.sched.ProcessBatch(context.Background())
	if want := []Handle{4, 6}; !reflect.DeepEqual(r.Reclaimed, want) {
		t.Errorf("reclaimed %v, want %v", r.Reclaimed, want)
	}
}

func TestPanicDuringDestroyFailsOnlyThatHandle(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 12)
	h.gateway.panicOn = 3

	r := h.sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Failed, []Handle{3}) {
		t.Errorf("failed = %v, want [3]", r.Failed)
	}
	if want := []Handle{1, 2, 4, 5}; !reflect.DeepEqual(r.Reclaimed, want) {
		t.Errorf("reclaimed = %v, want %v", r.Reclaimed, want)
	}
	if d := h.sched.Depth(); d.Closing != 0 {
		t.Errorf("closing = %d after panic, want 0", d.Closing)
	}
	if _, ok := h.scores.State(3); !ok {
		t.Error("panicked handle was untracked")
	}

	// The failed handle is re-admitted by the next inactivity check.
	h.gateway.panicOn = 0
	h.sched.CheckInactivity(3)
	if got := h.sched.Stage(3); got != StageCountingDown {
		t.Errorf("stage = %s, want %s", got, StageCountingDown)
	}
	assertExclusive(t, h.sched)
}

func TestDestroyOfClosedResourceIsNotReclaimed(t *testing.T) {
	h := newHarness(t, immediatePolicy())
	h.queueInactive(1, 2)
	h.gateway.destroyErr[1] = ErrResourceGone

	r := h.sched.ProcessBatch(context.Background())
	if !reflect.DeepEqual(r.Reclaimed, []Handle{2}) {
		t.Errorf("reclaimed = %v, want [2]", r.Reclaimed)
	}
	if !reflect.DeepEqual(r.Skipped, []Handle{1}) {
		t.Errorf("skipped = %v, want [1]", r.Skipped)
	}
	if len(r.Failed) != 0 {
		t.Errorf("failed = %v, want none", r.Failed)
	}
	if d := h.sched.Depth(); d.Closing != 0 {
		t.Errorf("closing = %d, want 0", d.Closing)
	}
}
