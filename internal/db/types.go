package db

import (
	"errors"
	"time"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
)

type UsageSnapshot struct {
	ID               int64   `json:"id"`
	TickID           string  `json:"tick_id"`
	TsMs             int64   `json:"ts_ms"`
	FiveHourUtil     float64 `json:"five_hour_util"`      // fraction in [0,1]
	FiveHourResetsAt int64   `json:"five_hour_resets_at"` // Unix ms, 0 when unknown
	SevenDayUtil     float64 `json:"seven_day_util"`
	SevenDayResetsAt int64   `json:"seven_day_resets_at"` // Unix ms
	ExtraEnabled     bool    `json:"extra_enabled"`
	ExtraUsed        float64 `json:"extra_used"`  // dollars
	ExtraLimit       float64 `json:"extra_limit"` // dollars
	Plan             string  `json:"plan,omitempty"`
}

// FromSnapshot converts a fetched snapshot into a history row.
func FromSnapshot(tickID string, s *claudeusage.Snapshot) UsageSnapshot {
	row := UsageSnapshot{
		TickID:           tickID,
		TsMs:             s.FetchedAt.UnixMilli(),
		FiveHourUtil:     s.FiveHour.Utilization,
		FiveHourResetsAt: unixMilli(s.FiveHour.ResetsAt),
		SevenDayUtil:     s.SevenDay.Utilization,
		SevenDayResetsAt: unixMilli(s.SevenDay.ResetsAt),
		Plan:             s.Plan,
	}
	if s.Extra != nil {
		row.ExtraEnabled = s.Extra.Enabled
		row.ExtraUsed = s.Extra.Used
		row.ExtraLimit = s.Extra.Limit
	}
	return row
}

// Snapshot converts a history row back into a snapshot.
func (u UsageSnapshot) Snapshot() *claudeusage.Snapshot {
	s := &claudeusage.Snapshot{
		FiveHour:  claudeusage.Window{Utilization: u.FiveHourUtil, ResetsAt: fromUnixMilli(u.FiveHourResetsAt)},
		SevenDay:  claudeusage.Window{Utilization: u.SevenDayUtil, ResetsAt: fromUnixMilli(u.SevenDayResetsAt)},
		Plan:      u.Plan,
		FetchedAt: time.UnixMilli(u.TsMs),
		Valid:     true,
	}
	if u.ExtraEnabled || u.ExtraLimit > 0 {
		s.Extra = &claudeusage.ExtraUsage{Enabled: u.ExtraEnabled, Used: u.ExtraUsed, Limit: u.ExtraLimit}
	}
	return s
}

// PollStatus is the outcome of the most recent tick, kept so a separate
// process (the detail view) can tell whether the latest row is stale.
type PollStatus struct {
	Failures   int       `json:"failures"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FailedPoll describes a failing streak of failures ticks ending in err.
func FailedPoll(failures int, err error, now time.Time) PollStatus {
	ps := PollStatus{
		Failures:  failures,
		Error:     err.Error(),
		ErrorKind: claudeusage.KindOf(err).String(),
		UpdatedAt: now,
	}
	var fe *claudeusage.FetchError
	if errors.As(err, &fe) {
		ps.HTTPStatus = fe.Status
		if fe.Err != nil {
			ps.Error = fe.Err.Error()
		}
	}
	return ps
}

// Err rebuilds the last error, or nil when the last tick succeeded.
func (s PollStatus) Err() error {
	if s.Failures == 0 {
		return nil
	}
	return &claudeusage.FetchError{
		Kind:   claudeusage.ParseErrorKind(s.ErrorKind),
		Status: s.HTTPStatus,
		Err:    errors.New(s.Error),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
