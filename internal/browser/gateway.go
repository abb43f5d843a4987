// Package browser connects the engine to a running Chromium over the
// DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/time/rate"

	"github.com/lazypower/tabflow/internal/engine"
	"github.com/lazypower/tabflow/internal/store"
)

// Options configures a Gateway.
type Options struct {
	DestroyRate  float64 // closes per second
	DestroyBurst int
	CallTimeout  time.Duration
	Logger       *slog.Logger
}

// Gateway implements engine.ResourceGateway over CDP.
type Gateway struct {
	browser    *rod.Browser
	controlURL string
	reg        *Registry
	limiter    *rate.Limiter
	timeout    time.Duration
	log        *slog.Logger
}

// Connect attaches to the browser at controlURL. The browser is never
// launched or closed by tabflow.
func Connect(ctx context.Context, controlURL string, opts Options) (*Gateway, error) {
	if controlURL == "" {
		return nil, errors.New("browser control URL is empty")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.DestroyRate <= 0 {
		opts.DestroyRate = 2
	}
	if opts.DestroyBurst < 1 {
		opts.DestroyBurst = 1
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	opts.Logger.Info("browser connected", "control_url", controlURL)

	return &Gateway{
		browser:    b,
		controlURL: controlURL,
		reg:        NewRegistry(),
		limiter:    rate.NewLimiter(rate.Limit(opts.DestroyRate), opts.DestroyBurst),
		timeout:    opts.CallTimeout,
		log:        opts.Logger,
	}, nil
}

// SessionKey identifies the connected browser process.
func (g *Gateway) SessionKey() string {
	return SessionKey(g.controlURL)
}

// Registry exposes the handle mapping shared with the Watcher.
func (g *Gateway) Registry() *Registry {
	return g.reg
}

// Lookup implements engine.ResourceGateway.
func (g *Gateway) Lookup(ctx context.Context, h engine.Handle) (engine.Resource, error) {
	id, ok := g.reg.Target(h)
	if !ok {
		return engine.Resource{}, engine.ErrResourceGone
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := proto.TargetGetTargetInfo{TargetID: id}.Call(g.browser.Context(ctx))
	if err != nil {
		if targetGone(err) {
			g.reg.Release(id)
			return engine.Resource{}, engine.ErrResourceGone
		}
		return engine.Resource{}, fmt.Errorf("get target info: %w", err)
	}
	if res.TargetInfo == nil {
		return engine.Resource{}, engine.ErrResourceGone
	}

	info := res.TargetInfo
	return engine.Resource{
		Handle:       h,
		Title:        info.Title,
		URL:          info.URL,
		RecoveryHint: string(info.BrowserContextID),
	}, nil
}

// Destroy implements engine.ResourceGateway. Calls are throttled so a large
// batch never closes tabs in a burst.
func (g *Gateway) Destroy(ctx context.Context, h engine.Handle) error {
	id, ok := g.reg.Target(h)
	if !ok {
		return engine.ErrResourceGone
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("destroy throttle: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if _, err := (proto.TargetCloseTarget{TargetID: id}).Call(g.browser.Context(ctx)); err != nil {
		if targetGone(err) {
			g.reg.Release(id)
			return engine.ErrResourceGone
		}
		return fmt.Errorf("close target: %w", err)
	}
	g.reg.Release(id)
	return nil
}

// TabScores keys the scores of registered resources by target id so they
// can be saved and restored within the same browser session.
func (g *Gateway) TabScores(resources []engine.ResourceView) []store.TabScore {
	out := make([]store.TabScore, 0, len(resources))
	for _, r := range resources {
		id, ok := g.reg.Target(r.Handle)
		if !ok {
			continue
		}
		out = append(out, store.TabScore{Key: string(id), Score: r.Score, LastActive: r.LastActive})
	}
	return out
}

// Restore reopens url, in the browser context named by hint when it still
// exists.
func (g *Gateway) Restore(ctx context.Context, rawURL, hint string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	b := g.browser.Context(ctx)

	req := proto.TargetCreateTarget{URL: rawURL, BrowserContextID: proto.BrowserBrowserContextID(hint)}
	if _, err := req.Call(b); err != nil {
		if hint == "" {
			return fmt.Errorf("create target: %w", err)
		}
		g.log.Warn("restore context unavailable, using default", "hint", hint, "error", err)
		req.BrowserContextID = ""
		if _, err := req.Call(b); err != nil {
			return fmt.Errorf("create target: %w", err)
		}
	}
	g.log.Info("tab restored", "url", rawURL)
	return nil
}

// SessionKey returns the browser id from a DevTools WebSocket URL such as
// ws://127.0.0.1:9222/devtools/browser/<id>. A new browser process gets a
// new id. It returns "" when the URL carries none.
func SessionKey(controlURL string) string {
	u, err := url.Parse(controlURL)
	if err != nil || !strings.Contains(u.Path, "/devtools/browser/") {
		return ""
	}
	id := path.Base(u.Path)
	if id == "browser" || id == "/" || id == "." {
		return ""
	}
	return id
}

func targetGone(err error) bool {
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		return strings.Contains(cdpErr.Message, "No target")
	}
	return false
}
