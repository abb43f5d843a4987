package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/feed"
	"github.com/lazypower/tabflow/internal/store"
)

func TestPrintStatusHidesLiveTabs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Minute)
	snap := engine.Snapshot{
		TakenAt: now,
		Policy:  engine.DefaultPolicy(),
		Queues:  engine.QueueDepth{Countdown: 1},
		Resources: []engine.ResourceView{
			{
				ResourceState: engine.ResourceState{Handle: 1, Title: "Inbox", LastActive: now},
				Score:         2,
				Stage:         engine.StageLive,
				Visible:       true,
			},
			{
				ResourceState:    engine.ResourceState{Handle: 2, URL: "https://old.example/", LastActive: now.Add(-2 * time.Hour), Transfers: 1},
				Stage:            engine.StageCountingDown,
				CountdownStarted: &started,
			},
		},
	}

	var buf bytes.Buffer
	if err := printStatus(&buf, snap, false); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "2 tracked, 1 counting down") {
		t.Errorf("missing summary:\n%s", out)
	}
	if strings.Contains(out, "Inbox") {
		t.Errorf("live tab shown without --all:\n%s", out)
	}
	for _, want := range []string{"https://old.example/", "counting_down (20m0s left)", "2 hours ago", "downloads:1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printStatus(&buf, snap, true)
	if !strings.Contains(buf.String(), "Inbox") || !strings.Contains(buf.String(), "visible") {
		t.Errorf("--all output:\n%s", buf.String())
	}
}

func TestPrintStatusEmpty(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, engine.Snapshot{TakenAt: time.Now()}, false)
	if !strings.Contains(buf.String(), "Nothing queued") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestPrintHistory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := feed.History{
		Tabs: []store.ReclaimedTab{
			{ID: 7, Title: "Recipe", Domain: "food.example", ReclaimedAt: now.Add(-3 * time.Minute).UnixMilli()},
		},
		Total: 1500,
	}

	var buf bytes.Buffer
	if err := printHistory(&buf, h, now); err != nil {
		t.Fatalf("printHistory: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Recipe", "food.example", "3 minutes ago", "1 of 1,500 shown"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printHistory(&buf, feed.History{}, now)
	if !strings.Contains(buf.String(), "No reclaimed tabs") {
		t.Errorf("empty output:\n%s", buf.String())
	}
}

func TestPrintPolicy(t *testing.T) {
	var buf bytes.Buffer
	printPolicy(&buf, engine.DefaultPolicy())
	out := buf.String()
	for _, want := range []string{"countdown", "30 min", "mail.google.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("truncate long = %q", got)
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("42"); err != nil || id != 42 {
		t.Errorf("parseID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-3", "x"} {
		if _, err := parseID(bad); err == nil {
			t.Errorf("parseID(%q) should fail", bad)
		}
	}
}
