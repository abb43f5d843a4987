package browser

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/time/rate"

	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/store"
)

// Sink receives activity events. *engine.Engine satisfies it.
type Sink interface {
	Submit(ev engine.Event) error
}

// WatchOptions configures a Watcher.
type WatchOptions struct {
	ProbeInterval time.Duration
	ProbeRate     float64 // page probes per second
	Logger        *slog.Logger

	// Saved holds scores from an earlier run in this browser session, keyed
	// by target id. Each is applied once, when its tab is first seen.
	Saved map[string]store.TabScore
}

// Watcher turns CDP target and download events plus periodic page probes
// into engine events.
type Watcher struct {
	gw       *Gateway
	sink     Sink
	interval time.Duration
	limiter  *rate.Limiter
	log      *slog.Logger

	mu        sync.Mutex
	probes    map[engine.Handle]Probe
	downloads *downloads
	active    engine.Handle
	saved     map[string]store.TabScore
}

// NewWatcher creates a Watcher feeding sink from gw's browser.
func NewWatcher(gw *Gateway, sink Sink, opts WatchOptions) *Watcher {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 15 * time.Second
	}
	if opts.ProbeRate <= 0 {
		opts.ProbeRate = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		gw:        gw,
		sink:      sink,
		interval:  opts.ProbeInterval,
		limiter:   rate.NewLimiter(rate.Limit(opts.ProbeRate), 1),
		log:       opts.Logger,
		probes:    make(map[engine.Handle]Probe),
		downloads: newDownloads(),
		saved:     opts.Saved,
	}
}

// Run subscribes to browser events and probes pages until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	b := w.gw.browser.Context(ctx)

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return err
	}
	err := proto.BrowserSetDownloadBehavior{
		Behavior:      proto.BrowserSetDownloadBehaviorBehaviorDefault,
		EventsEnabled: true,
	}.Call(b)
	if err != nil {
		w.log.Warn("download events unavailable", "error", err)
	}

	wait := b.EachEvent(
		func(e *proto.TargetTargetCreated) {
			w.targetCreated(e.TargetInfo)
		},
		func(e *proto.TargetTargetDestroyed) {
			w.targetDestroyed(e.TargetID)
		},
		func(e *proto.TargetTargetInfoChanged) {
			w.targetChanged(e.TargetInfo)
		},
		func(e *proto.BrowserDownloadWillBegin) {
			w.downloadBegan(e.GUID, proto.TargetTargetID(e.FrameID))
		},
		func(e *proto.BrowserDownloadProgress) {
			if e.State == proto.BrowserDownloadProgressStateCompleted || e.State == proto.BrowserDownloadProgressStateCanceled {
				w.downloadFinished(e.GUID)
			}
		},
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()

	if err := w.seed(b.GetContext()); err != nil {
		w.log.Warn("initial target scan failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.probeAll(ctx)
		case <-ctx.Done():
			<-done
			return nil
		}
	}
}

// seed registers tabs that were open before the watcher started.
func (w *Watcher) seed(ctx context.Context) error {
	res, err := proto.TargetGetTargets{}.Call(w.gw.browser.Context(ctx))
	if err != nil {
		return err
	}
	for _, info := range res.TargetInfos {
		w.targetCreated(info)
	}
	w.log.Info("existing tabs registered", "count", len(w.gw.reg.Handles()))
	return nil
}

func (w *Watcher) targetCreated(info *proto.TargetTargetInfo) {
	if !isPage(info) {
		return
	}
	h, isNew := w.gw.reg.Assign(info.TargetID)
	if !isNew {
		return
	}
	ev := engine.Event{Kind: engine.EventCreated, Handle: h, Title: info.Title, URL: info.URL}

	w.mu.Lock()
	if saved, ok := w.saved[string(info.TargetID)]; ok {
		score := saved.Score
		ev.Score = &score
		ev.LastActive = saved.LastActive
		delete(w.saved, string(info.TargetID))
	}
	w.mu.Unlock()

	w.submit(ev)
}

func (w *Watcher) targetDestroyed(id proto.TargetTargetID) {
	h, ok := w.gw.reg.Release(id)
	if !ok {
		return
	}
	w.mu.Lock()
	delete(w.probes, h)
	if w.active == h {
		w.active = 0
	}
	w.mu.Unlock()
	w.submit(engine.Event{Kind: engine.EventRemoved, Handle: h})
}

func (w *Watcher) targetChanged(info *proto.TargetTargetInfo) {
	if !isPage(info) {
		return
	}
	h, ok := w.gw.reg.Handle(info.TargetID)
	if !ok {
		w.targetCreated(info)
		return
	}
	w.submit(engine.Event{Kind: engine.EventUpdated, Handle: h, Title: info.Title, URL: info.URL})
}

// downloadBegan maps a download to its tab. The main frame of a page shares
// the page's target ID.
func (w *Watcher) downloadBegan(guid string, frame proto.TargetTargetID) {
	h, ok := w.gw.reg.Handle(frame)
	if !ok {
		return
	}
	w.mu.Lock()
	ev, ok := w.downloads.begin(guid, h)
	w.mu.Unlock()
	if ok {
		w.submit(ev)
	}
}

func (w *Watcher) downloadFinished(guid string) {
	w.mu.Lock()
	ev, ok := w.downloads.finish(guid)
	w.mu.Unlock()
	if ok {
		w.submit(ev)
	}
}

// probeAll evaluates the probe script in every registered page.
func (w *Watcher) probeAll(ctx context.Context) {
	current := make(map[engine.Handle]Probe)
	for _, h := range w.gw.reg.Handles() {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		p, err := w.probe(ctx, h)
		if err != nil {
			w.log.Debug("probe failed", "handle", h, "error", err)
			continue
		}
		current[h] = p
	}

	w.mu.Lock()
	var events []engine.Event
	for h, next := range current {
		var prev *Probe
		if old, ok := w.probes[h]; ok {
			prev = &old
		}
		events = append(events, diffProbe(h, prev, next)...)
		w.probes[h] = next
	}
	// Tabs closed by Destroy leave the registry before TargetDestroyed
	// arrives, so targetDestroyed never sees them.
	forgetReleased(w.probes, current, w.gw.reg.Handles())
	active := pickActive(current)
	if active != w.active {
		w.active = active
		events = append(events, engine.Event{Kind: engine.EventActivated, Handle: active, Value: active != 0})
	}
	w.mu.Unlock()

	for _, ev := range events {
		w.submit(ev)
	}
}

// forgetReleased drops cached probes for handles that were neither probed this
// round nor are still registered.
func forgetReleased(probes, current map[engine.Handle]Probe, registered []engine.Handle) {
	live := make(engine.HandleSet, len(registered))
	for _, h := range registered {
		live[h] = struct{}{}
	}
	for h := range probes {
		if _, ok := current[h]; ok {
			continue
		}
		if !live.Has(h) {
			delete(probes, h)
		}
	}
}

func (w *Watcher) probe(ctx context.Context, h engine.Handle) (Probe, error) {
	id, ok := w.gw.reg.Target(h)
	if !ok {
		return Probe{}, engine.ErrResourceGone
	}
	ctx, cancel := context.WithTimeout(ctx, w.gw.timeout)
	defer cancel()

	page, err := w.gw.browser.Context(ctx).PageFromTarget(id)
	if err != nil {
		return Probe{}, err
	}
	res, err := page.Context(ctx).Eval(probeJS)
	if err != nil {
		return Probe{}, err
	}
	return parseProbe(res.Value), nil
}

func (w *Watcher) submit(ev engine.Event) {
	if err := w.sink.Submit(ev); err != nil {
		w.log.Debug("event dropped", "kind", ev.Kind.String(), "handle", ev.Handle, "error", err)
	}
}

func isPage(info *proto.TargetTargetInfo) bool {
	return info != nil && string(info.Type) == "page"
}
