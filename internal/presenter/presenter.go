// Package presenter turns session state into the text and colour tier shown
// by the tray, the detail view and the status server. Render has no side
// effects and never touches the network.
package presenter

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/state"
	"github.com/zsprackett/claude-usage-widget/internal/timefmt"
)

// Tier is the icon colour class.
type Tier int

const (
	TierError Tier = iota // no valid snapshot yet
	TierGreen
	TierYellow
	TierOrange
	TierRed
)

func (t Tier) String() string {
	switch t {
	case TierGreen:
		return "green"
	case TierYellow:
		return "yellow"
	case TierOrange:
		return "orange"
	case TierRed:
		return "red"
	default:
		return "error"
	}
}

// Hex is the RGB colour used for the tier in the icon and the detail view.
func (t Tier) Hex() uint32 {
	switch t {
	case TierGreen:
		return 0x22c55e
	case TierYellow:
		return 0xeab308
	case TierOrange:
		return 0xf97316
	case TierRed:
		return 0xef4444
	default:
		return 0x6b7280
	}
}

// TierFor maps a whole percentage to its tier.
func TierFor(pct int) Tier {
	switch {
	case pct >= 100:
		return TierRed
	case pct >= 90:
		return TierOrange
	case pct >= 75:
		return TierYellow
	default:
		return TierGreen
	}
}

// View is everything the tray needs to redraw.
type View struct {
	Tier      Tier     `json:"-"`
	TierName  string   `json:"tier"`
	Label     string   `json:"label"`
	Tooltip   string   `json:"tooltip"`
	MenuLines []string `json:"menu"`
	Detail    Detail   `json:"detail"`
}

type WindowLine struct {
	Name  string `json:"name"`
	Pct   int    `json:"pct"`
	Tier  string `json:"tier"`
	Reset string `json:"reset"`
}

type ExtraLine struct {
	Pct     int    `json:"pct"`
	Tier    string `json:"tier"`
	Credits string `json:"credits"`
}

// Detail is the content of the detail popup.
type Detail struct {
	Status     string       `json:"status"`
	Plan       string       `json:"plan,omitempty"`
	Windows    []WindowLine `json:"windows,omitempty"`
	Extra      *ExtraLine   `json:"extra,omitempty"`
	Stale      bool         `json:"stale"`
	Failures   int          `json:"failures"`
	Error      string       `json:"error,omitempty"`
	Updated    string       `json:"updated,omitempty"`
	UpdatedAgo string       `json:"updated_ago,omitempty"`
}

// Render builds the view for st as seen at now.
func Render(st state.State, now time.Time) View {
	v := View{Detail: renderDetail(st, now)}
	if !st.HasData() {
		v.Tier = TierError
		v.Label = "--"
		v.MenuLines = []string{"5h: --", "7d: --"}
		v.Tooltip = "Claude Usage: " + strings.ToLower(v.Detail.Status)
		if st.Failures > 0 || !st.HasToken {
			v.Label = "ERR"
			v.MenuLines = []string{"5h: error", "7d: error"}
			if st.LastErr != nil {
				v.Tooltip += "\n" + st.LastErr.Error()
			}
		}
		v.TierName = v.Tier.String()
		return v
	}

	snap := st.Snapshot
	v.Tier = TierFor(int(snap.Dominant()*100 + 1e-9))
	v.TierName = v.Tier.String()
	v.Label = fmt.Sprintf("%d%%", snap.FiveHour.Pct())
	v.MenuLines = []string{
		menuLine("5h", snap.FiveHour, now),
		menuLine("7d", snap.SevenDay, now),
	}
	v.Tooltip = "Claude Usage\n" + snap.Summary()
	if st.Stale {
		v.Tooltip += "\n" + staleText(st.Failures)
	}
	return v
}

func menuLine(name string, w claudeusage.Window, now time.Time) string {
	return fmt.Sprintf("%s: %d%%  (resets %s)", name, w.Pct(), timefmt.FormatRemaining(now, w.ResetsAt))
}

func staleText(failures int) string {
	if failures == 1 {
		return "stale: last update failed"
	}
	return fmt.Sprintf("stale: last %d updates failed", failures)
}

func renderDetail(st state.State, now time.Time) Detail {
	d := Detail{
		Status:   st.StatusText(),
		Stale:    st.Stale,
		Failures: st.Failures,
	}
	if st.LastErr != nil && st.Stale {
		d.Error = st.LastErr.Error()
	}
	if st.Subscription != nil {
		d.Plan = st.Subscription.Type
	}
	if !st.HasData() {
		return d
	}

	snap := st.Snapshot
	if snap.Plan != "" {
		d.Plan = snap.Plan
	}
	for _, w := range []struct {
		name string
		win  claudeusage.Window
	}{
		{"5-hour window", snap.FiveHour},
		{"7-day window", snap.SevenDay},
	} {
		pct := w.win.Pct()
		d.Windows = append(d.Windows, WindowLine{
			Name:  w.name,
			Pct:   pct,
			Tier:  TierFor(pct).String(),
			Reset: timefmt.FormatRemaining(now, w.win.ResetsAt),
		})
	}
	if snap.ExtraEnabled() {
		pct := snap.Extra.Pct()
		d.Extra = &ExtraLine{
			Pct:     pct,
			Tier:    TierFor(pct).String(),
			Credits: fmt.Sprintf("$%.2f / $%.2f", snap.Extra.Used, snap.Extra.Limit),
		}
	}

	fetched := snap.FetchedAt
	if fetched.IsZero() {
		fetched = st.UpdatedAt
	}
	if !fetched.IsZero() {
		d.Updated = "Updated: " + fetched.Local().Format("15:04:05")
		d.UpdatedAgo = humanize.RelTime(fetched, now, "ago", "from now")
	}
	return d
}

// Lines renders the detail view as plain text, one row per line.
func (d Detail) Lines() []string {
	lines := []string{"Claude Usage  ● " + d.Status}
	if d.Plan != "" {
		lines = append(lines, "Plan: "+d.Plan)
	}
	if len(d.Windows) == 0 {
		lines = append(lines, "Unable to fetch usage data.", "Check token and connectivity.")
	}
	for _, w := range d.Windows {
		lines = append(lines,
			fmt.Sprintf("%s: %d%% (%s)", strings.ToUpper(w.Name), w.Pct, w.Tier),
			"Resets in "+w.Reset,
		)
	}
	if d.Extra != nil {
		lines = append(lines, fmt.Sprintf("EXTRA USAGE: %d%% (%s)  %s", d.Extra.Pct, d.Extra.Tier, d.Extra.Credits))
	}
	if d.Stale {
		lines = append(lines, staleText(d.Failures))
	}
	if d.Updated != "" {
		lines = append(lines, d.Updated)
	}
	return lines
}
