package claudeusage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// usageResponse mirrors the JSON returned by /api/oauth/usage. Pointers mark
// the fields whose absence must be detected.
type usageResponse struct {
	FiveHour   *windowUsage `json:"five_hour"`
	SevenDay   *windowUsage `json:"seven_day"`
	ExtraUsage *extraUsage  `json:"extra_usage"`
}

type windowUsage struct {
	Utilization *float64        `json:"utilization"`
	ResetsAt    json.RawMessage `json:"resets_at"` // may be null for an idle window
}

// extraUsage accepts both the documented {enabled, used, limit} shape and the
// live API's {is_enabled, used_credits, monthly_limit} shape (credits in cents).
type extraUsage struct {
	Enabled      *bool    `json:"enabled"`
	Used         *float64 `json:"used"`
	Limit        *float64 `json:"limit"`
	IsEnabled    *bool    `json:"is_enabled"`
	UsedCredits  *float64 `json:"used_credits"`
	MonthlyLimit *float64 `json:"monthly_limit"`
}

// Window is one rate-limit accounting period.
type Window struct {
	Utilization float64   `json:"utilization"` // fraction in [0,1]
	ResetsAt    time.Time `json:"resets_at"`
}

// Pct returns the utilization as a whole percentage, truncated.
func (w Window) Pct() int {
	return int(w.Utilization*100 + 1e-9)
}

// ExtraUsage is pay-as-you-go credit consumption, in dollars.
type ExtraUsage struct {
	Enabled bool    `json:"enabled"`
	Used    float64 `json:"used"`
	Limit   float64 `json:"limit"`
}

// Fraction returns Used/Limit clamped to [0,1]. A zero limit yields 0.
func (e ExtraUsage) Fraction() float64 {
	if e.Limit <= 0 {
		return 0
	}
	return NormalizeFraction(e.Used / e.Limit)
}

// Pct returns the spent share of the limit as a whole percentage.
func (e ExtraUsage) Pct() int {
	return int(e.Fraction()*100 + 1e-9)
}

// Snapshot is the normalized result of one successful poll. It is never
// modified after FetchUsage returns it.
type Snapshot struct {
	FiveHour  Window      `json:"five_hour"`
	SevenDay  Window      `json:"seven_day"`
	Extra     *ExtraUsage `json:"extra_usage,omitempty"`
	Plan      string      `json:"plan,omitempty"`
	FetchedAt time.Time   `json:"fetched_at"`
	Valid     bool        `json:"valid"`
}

// Dominant returns the larger of the two window utilizations.
func (s *Snapshot) Dominant() float64 {
	return math.Max(s.FiveHour.Utilization, s.SevenDay.Utilization)
}

// ExtraEnabled reports whether the snapshot carries enabled extra usage.
func (s *Snapshot) ExtraEnabled() bool {
	return s.Extra != nil && s.Extra.Enabled
}

// WithPlan returns a copy of s carrying plan.
func (s *Snapshot) WithPlan(plan string) *Snapshot {
	c := *s
	c.Plan = plan
	return &c
}

// NormalizeFraction converts a raw utilization into a fraction in [0,1].
// Values above 1 are read as percentages, matching the API's habit of
// switching between the two scales.
func NormalizeFraction(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	if v > 1 {
		return 1
	}
	return v
}

// Summary renders the one-line "5h: N%  |  7d: M%" used in notifications.
func (s *Snapshot) Summary() string {
	return fmt.Sprintf("5h: %d%%  |  7d: %d%%", s.FiveHour.Pct(), s.SevenDay.Pct())
}
