package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/feed"
)

const maxTitle = 48

func printStatus(out io.Writer, snap engine.Snapshot, all bool) error {
	fmt.Fprintf(out, "%s tracked, %d counting down, %d queued, %d closing\n\n",
		humanize.Comma(int64(len(snap.Resources))),
		snap.Queues.Countdown, snap.Queues.Batch, snap.Queues.Closing)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tSCORE\tSTAGE\tLAST ACTIVE\tFLAGS\tTITLE")
	shown := 0
	for _, r := range snap.Resources {
		if !all && r.Stage == engine.StageLive {
			continue
		}
		shown++
		fmt.Fprintf(tw, "%d\t%.2f\t%s\t%s\t%s\t%s\n",
			r.Handle, r.Score, stageLabel(r, snap),
			humanize.RelTime(r.LastActive, snap.TakenAt, "ago", "from now"),
			flags(r), truncate(titleOrURL(r.Title, r.URL), maxTitle))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintln(out, "\nNothing queued for reclamation.")
	}
	return nil
}

// stageLabel adds the time left to a running countdown.
func stageLabel(r engine.ResourceView, snap engine.Snapshot) string {
	if r.Stage != engine.StageCountingDown || r.CountdownStarted == nil {
		return string(r.Stage)
	}
	due := r.CountdownStarted.Add(time.Duration(snap.Policy.CountdownMinutes * float64(time.Minute)))
	left := due.Sub(snap.TakenAt).Round(time.Minute)
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf("%s (%s left)", r.Stage, left)
}

func flags(r engine.ResourceView) string {
	var f []string
	if r.Visible {
		f = append(f, "visible")
	}
	if r.Playing {
		f = append(f, "playing")
	}
	if r.UnsavedInput {
		f = append(f, "unsaved")
	}
	if r.Transfers > 0 {
		f = append(f, fmt.Sprintf("downloads:%d", r.Transfers))
	}
	if r.Protected {
		f = append(f, "protected")
	}
	if len(f) == 0 {
		return "-"
	}
	return strings.Join(f, ",")
}

func printHistory(out io.Writer, h feed.History, now time.Time) error {
	if len(h.Tabs) == 0 {
		fmt.Fprintln(out, "No reclaimed tabs.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLOSED\tDOMAIN\tTITLE")
	for _, t := range h.Tabs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			t.ID,
			humanize.RelTime(time.UnixMilli(t.ReclaimedAt), now, "ago", "from now"),
			t.Domain, truncate(titleOrURL(t.Title, t.URL), maxTitle))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if h.Total > len(h.Tabs) {
		fmt.Fprintf(out, "\n%s of %s shown. Use --limit 0 for all.\n",
			humanize.Comma(int64(len(h.Tabs))), humanize.Comma(int64(h.Total)))
	}
	return nil
}

func printPolicy(out io.Writer, p engine.Policy) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "inactive threshold\t%g\n", p.InactiveThreshold)
	fmt.Fprintf(tw, "countdown\t%g min\n", p.CountdownMinutes)
	fmt.Fprintf(tw, "batch interval\t%g min\n", p.BatchIntervalMinutes)
	fmt.Fprintf(tw, "decay\t%g/min (protected domains %g/min)\n", p.Decay.Normal, p.Decay.ProtectedDomain)
	domains := "-"
	if len(p.ProtectedDomains) > 0 {
		domains = strings.Join(p.ProtectedDomains, ", ")
	}
	fmt.Fprintf(tw, "protected domains\t%s\n", domains)
	return tw.Flush()
}

func titleOrURL(title, url string) string {
	if title != "" {
		return title
	}
	return url
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
