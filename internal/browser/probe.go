package browser

import (
	"github.com/ysmood/gson"

	"github.com/lazypower/tabflow/internal/engine"
)

// probeJS installs the dirty-form listeners once per document and reports
// page activity.
const probeJS = `() => {
	if (!window.__tabflow) {
		window.__tabflow = { dirty: false };
		document.addEventListener('input', (e) => {
			const t = e.target;
			if (t && (t.tagName === 'INPUT' || t.tagName === 'TEXTAREA' || t.isContentEditable)) {
				window.__tabflow.dirty = true;
			}
		}, true);
		document.addEventListener('submit', () => { window.__tabflow.dirty = false; }, true);
	}
	const media = Array.from(document.querySelectorAll('video, audio'));
	const icon = document.querySelector('link[rel~="icon"]');
	return {
		playing: media.some((m) => !m.paused && !m.ended && m.currentTime > 0),
		dirty: window.__tabflow.dirty,
		visible: document.visibilityState === 'visible',
		focused: document.hasFocus(),
		icon: icon ? icon.href : '',
	};
}`

// Probe is the activity snapshot taken from one page.
type Probe struct {
	Playing bool
	Dirty   bool
	Visible bool
	Focused bool
	Icon    string
}

func parseProbe(v gson.JSON) Probe {
	return Probe{
		Playing: v.Get("playing").Bool(),
		Dirty:   v.Get("dirty").Bool(),
		Visible: v.Get("visible").Bool(),
		Focused: v.Get("focused").Bool(),
		Icon:    v.Get("icon").Str(),
	}
}

// diffProbe returns the events that move a resource from prev to next.
// A nil prev means the page has not been probed before.
func diffProbe(h engine.Handle, prev *Probe, next Probe) []engine.Event {
	var out []engine.Event
	if prev == nil {
		prev = &Probe{}
	}
	if next.Playing != prev.Playing {
		out = append(out, engine.Event{Kind: engine.EventMediaChanged, Handle: h, Value: next.Playing})
	}
	if next.Dirty != prev.Dirty {
		out = append(out, engine.Event{Kind: engine.EventFormDirtyChanged, Handle: h, Value: next.Dirty})
	}
	if next.Icon != "" && next.Icon != prev.Icon {
		out = append(out, engine.Event{Kind: engine.EventUpdated, Handle: h, Icon: next.Icon})
	}
	return out
}

// pickActive returns the handle the user is looking at: the focused page,
// otherwise the lowest visible one. Zero means none.
func pickActive(probes map[engine.Handle]Probe) engine.Handle {
	var visible engine.Handle
	for h, p := range probes {
		if p.Focused && p.Visible {
			return h
		}
		if p.Visible && (visible == 0 || h < visible) {
			visible = h
		}
	}
	return visible
}

// downloads maps download GUIDs to the handle that started them.
type downloads struct {
	byGUID map[string]engine.Handle
}

func newDownloads() *downloads {
	return &downloads{byGUID: make(map[string]engine.Handle)}
}

// begin records guid and returns the transfer-started event.
func (d *downloads) begin(guid string, h engine.Handle) (engine.Event, bool) {
	if _, dup := d.byGUID[guid]; dup {
		return engine.Event{}, false
	}
	d.byGUID[guid] = h
	return engine.Event{Kind: engine.EventTransferStarted, Handle: h}, true
}

// finish returns the transfer-ended event once guid completes or is
// cancelled.
func (d *downloads) finish(guid string) (engine.Event, bool) {
	h, ok := d.byGUID[guid]
	if !ok {
		return engine.Event{}, false
	}
	delete(d.byGUID, guid)
	return engine.Event{Kind: engine.EventTransferEnded, Handle: h}, true
}
