// Package threshold decides when a utilization level deserves a desktop
// notification. Each window climbs a fixed ladder of rungs and is alerted
// at most once per rung for the life of the process.
package threshold

import "fmt"

// Window identifies a rate-limit window (or extra usage) for alerting.
type Window string

const (
	FiveHour   Window = "five_hour"
	SevenDay   Window = "seven_day"
	ExtraUsage Window = "extra_usage"
)

// Label is the short name used in notification text.
func (w Window) Label() string {
	switch w {
	case FiveHour:
		return "5h"
	case SevenDay:
		return "7d"
	case ExtraUsage:
		return "Extra usage"
	default:
		return string(w)
	}
}

// Ladder holds the alert rungs in ascending order.
var Ladder = [...]int{75, 90, 100}

// Urgency follows the freedesktop notification urgency levels.
type Urgency byte

const (
	UrgencyLow      Urgency = 0
	UrgencyNormal   Urgency = 1
	UrgencyCritical Urgency = 2
)

// State is the per-session alert memory. The zero value is a fresh session.
// LastAlerted holds 0 for a window that has not been alerted yet.
type State struct {
	LastAlerted     map[Window]int `json:"last_alerted"`
	StartupNotified bool           `json:"startup_notified"`
}

func (s State) clone() State {
	out := State{StartupNotified: s.StartupNotified, LastAlerted: make(map[Window]int, len(s.LastAlerted)+1)}
	for k, v := range s.LastAlerted {
		out.LastAlerted[k] = v
	}
	return out
}

// Event is emitted when a window crosses a new rung.
type Event struct {
	Window    Window
	Threshold int
	Pct       int
}

// Evaluate returns an event when pct reaches a rung above the last one
// alerted for window, together with the advanced state. The input state is
// never modified. Falling back below a rung and climbing again does not
// re-alert.
func Evaluate(window Window, pct int, st State) (*Event, State) {
	last := st.LastAlerted[window]
	rung := 0
	for _, r := range Ladder {
		if r <= pct && r > last {
			rung = r
		}
	}
	if rung == 0 {
		return nil, st
	}
	next := st.clone()
	next.LastAlerted[window] = rung
	return &Event{Window: window, Threshold: rung, Pct: pct}, next
}

// Startup reports whether the once-per-session startup notification is due
// and returns the state with it marked as sent.
func Startup(st State) (bool, State) {
	if st.StartupNotified {
		return false, st
	}
	next := st.clone()
	next.StartupNotified = true
	return true, next
}

// Notification is the (title, body, urgency) tuple handed to the desktop.
type Notification struct {
	Title   string
	Body    string
	Icon    string
	Urgency Urgency
}

// Notification renders the event. summary is appended to the body, typically
// the current "5h: N%  |  7d: M%" line.
func (e Event) Notification(summary string) Notification {
	title := fmt.Sprintf("Claude Usage: %s at %d%%", e.Window.Label(), e.Threshold)
	switch e.Threshold {
	case 100:
		return Notification{
			Title:   title,
			Body:    summary + "\nRate limit reached!",
			Icon:    "dialog-error",
			Urgency: UrgencyCritical,
		}
	case 90:
		return Notification{
			Title:   title,
			Body:    summary + "\nClose to rate limits!",
			Icon:    "dialog-warning",
			Urgency: UrgencyCritical,
		}
	default:
		return Notification{
			Title:   title,
			Body:    summary + "\nApproaching rate limits.",
			Icon:    "dialog-warning",
			Urgency: UrgencyNormal,
		}
	}
}

// StartupNotification is shown after the first successful poll.
func StartupNotification(summary string) Notification {
	return Notification{
		Title:   "Claude Usage Widget Started",
		Body:    "Current usage: " + summary,
		Icon:    "dialog-information",
		Urgency: UrgencyLow,
	}
}
