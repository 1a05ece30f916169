// Package state holds the session state shared between the poll loop and
// the presenter. A State value is copied across goroutines and never
// mutated after it has been handed off.
package state

import (
	"time"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/threshold"
)

// State is one observation of the session. It lives from process start to
// exit.
type State struct {
	Snapshot     *claudeusage.Snapshot // latest successful poll, nil before the first
	Stale        bool                  // the most recent tick failed
	Failures     int                   // consecutive failed ticks
	LastErr      error
	LastErrKind  claudeusage.ErrorKind
	HasToken     bool
	Subscription *claudeusage.Subscription
	Alerts       threshold.State
	UpdatedAt    time.Time // when this state was produced
	Ticks        int
}

// HasData reports whether a valid snapshot has been received this session.
func (s State) HasData() bool {
	return s.Snapshot != nil && s.Snapshot.Valid
}

// Succeed returns the state after a successful tick.
func (s State) Succeed(snap *claudeusage.Snapshot, alerts threshold.State, now time.Time) State {
	s.Snapshot = snap
	s.Stale = false
	s.Failures = 0
	s.LastErr = nil
	s.Alerts = alerts
	s.UpdatedAt = now
	s.Ticks++
	return s
}

// Fail returns the state after a failed tick. The previous snapshot is kept
// and flagged stale.
func (s State) Fail(err error, now time.Time) State {
	s.Stale = true
	s.Failures++
	s.LastErr = err
	s.LastErrKind = claudeusage.KindOf(err)
	s.UpdatedAt = now
	s.Ticks++
	return s
}

// StatusText is the one-word connection status shown in the detail view.
func (s State) StatusText() string {
	switch {
	case !s.HasToken:
		return "No token"
	case s.Stale || !s.HasData():
		if s.LastErr != nil && s.LastErrKind == claudeusage.KindUnauthorized {
			return "Unauthorized"
		}
		if s.LastErr == nil {
			return "Connecting"
		}
		return "Error"
	default:
		return "Connected"
	}
}
