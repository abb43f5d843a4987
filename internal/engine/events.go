package engine

import (
	"fmt"
	"time"
)

// EventKind enumerates activity events.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventRemoved
	EventActivated
	EventMediaChanged
	EventFormDirtyChanged
	EventTransferStarted
	EventTransferEnded
	EventProtectedChanged
	EventUpdated
)

var eventKindNames = map[EventKind]string{
	EventCreated:          "created",
	EventRemoved:          "removed",
	EventActivated:        "activated",
	EventMediaChanged:     "media",
	EventFormDirtyChanged: "form",
	EventTransferStarted:  "transfer_started",
	EventTransferEnded:    "transfer_ended",
	EventProtectedChanged: "protected",
	EventUpdated:          "updated",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range eventKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// Event is one activity notification from the browser side.
//
// Value carries the new flag for media, form, protected and activated
// events; an activated event with Value=false clears visibility.
type Event struct {
	Kind   EventKind
	Handle Handle
	Value  bool
	Domain string
	Title  string
	URL    string
	Icon   string
	At     time.Time

	// Score and LastActive restore saved state on EventCreated.
	Score      *float64
	LastActive time.Time
}

// apply mutates engine state for ev. It is called only from the loop
// goroutine or from Apply.
func (e *Engine) apply(ev Event) {
	now := ev.At
	if now.IsZero() {
		now = e.now()
	}

	switch ev.Kind {
	case EventCreated:
		e.Scores.Track(ev.Handle, ResourceInfo{
			Domain:     ev.Domain,
			Title:      ev.Title,
			URL:        ev.URL,
			Icon:       ev.Icon,
			Score:      ev.Score,
			LastActive: ev.LastActive,
		})
	case EventRemoved:
		e.Scores.Untrack(ev.Handle)
		e.Scheduler.Forget(ev.Handle)
	case EventActivated:
		if !ev.Value {
			e.table.SetVisible()
			return
		}
		if e.Scores.Apply(ev.Handle, Update{LastActive: &now}) {
			e.table.SetVisible(ev.Handle)
		}
	case EventMediaChanged:
		v := ev.Value
		e.Scores.Apply(ev.Handle, Update{Playing: &v})
	case EventFormDirtyChanged:
		v := ev.Value
		e.Scores.Apply(ev.Handle, Update{UnsavedInput: &v})
	case EventProtectedChanged:
		v := ev.Value
		e.Scores.Apply(ev.Handle, Update{Protected: &v})
	case EventTransferStarted:
		e.Scores.Apply(ev.Handle, Update{TransferDelta: 1})
	case EventTransferEnded:
		e.Scores.Apply(ev.Handle, Update{TransferDelta: -1})
	case EventUpdated:
		e.Scores.Apply(ev.Handle, metadataUpdate(ev))
	default:
		e.log.Warn("unknown event", "kind", ev.Kind, "handle", ev.Handle)
	}
}

func metadataUpdate(ev Event) Update {
	var u Update
	if ev.Title != "" {
		u.Title = &ev.Title
	}
	if ev.URL != "" {
		u.URL = &ev.URL
	}
	if ev.Icon != "" {
		u.Icon = &ev.Icon
	}
	return u
}
