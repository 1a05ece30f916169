package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/claude-usage-widget/internal/db"
	"github.com/zsprackett/claude-usage-widget/internal/presenter"
	"github.com/zsprackett/claude-usage-widget/internal/state"
)

const sparkChars = "▁▂▃▄▅▆▇█"

// DetailView is a tview.TextView showing the usage detail popup.
type DetailView struct {
	*tview.TextView
}

// NewDetailView creates the view. onClose is called when the user presses Q
// or Escape; onRefresh when they press R.
func NewDetailView(onClose func(), onRefresh func()) *DetailView {
	d := &DetailView{TextView: tview.NewTextView()}
	d.SetBorder(true).SetTitle(" Claude Usage ").SetTitleAlign(tview.AlignLeft)
	d.SetBorderColor(ColorBorder)
	d.SetDynamicColors(true)
	d.SetTextColor(ColorText)
	d.SetBackgroundColor(tcell.ColorDefault)

	d.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyEscape, event.Rune() == 'q', event.Rune() == 'Q':
			onClose()
			return nil
		case event.Rune() == 'r', event.Rune() == 'R':
			d.SetText(d.GetText(false) + "\n  [yellow]Refreshing...[-]")
			onRefresh()
			return nil
		}
		return event
	})
	return d
}

// Show renders st with history (newest first) as seen at now.
func (d *DetailView) Show(st state.State, history []db.UsageSnapshot, now time.Time) {
	d.SetText(buildText(st, history, now))
}

func buildText(st state.State, history []db.UsageSnapshot, now time.Time) string {
	det := presenter.Render(st, now).Detail
	var sb strings.Builder

	icon, color := StatusIcon(det.Status)
	sb.WriteString(fmt.Sprintf("\n  [::b]Claude Usage[::-]   %s%s %s[-]\n", colorTag(color), icon, det.Status))
	if det.Plan != "" {
		sb.WriteString(fmt.Sprintf("  [#8888aa]Plan: %s[-]\n", tview.Escape(det.Plan)))
	}
	sb.WriteString("\n")

	if len(det.Windows) == 0 {
		sb.WriteString("  [#ef4444]Unable to fetch usage data.\n  Check token and connectivity.[-]\n")
		if det.Error != "" {
			sb.WriteString(fmt.Sprintf("  [#6b7280]%s[-]\n", tview.Escape(det.Error)))
		}
		sb.WriteString("\n  [green]R[-] refresh  [green]Q/Esc[-] close")
		return sb.String()
	}

	for _, w := range det.Windows {
		tier := tierByName(w.Tier)
		sb.WriteString(fmt.Sprintf("  [#a0a0c0]%s[-]\n", strings.ToUpper(w.Name)))
		sb.WriteString(fmt.Sprintf("  %s%d%%[-]  %s\n", tierTag(tier), w.Pct, progressBar(w.Pct, tier, 30)))
		sb.WriteString(fmt.Sprintf("  [#6b7280]Resets in %s[-]\n\n", w.Reset))
	}

	if det.Extra != nil {
		tier := tierByName(det.Extra.Tier)
		sb.WriteString("  [#a0a0c0]EXTRA USAGE[-]\n")
		sb.WriteString(fmt.Sprintf("  %s%d%%[-]  %s\n\n", tierTag(tier), det.Extra.Pct, det.Extra.Credits))
	}

	// Sparklines (reverse history so oldest is first/left)
	if len(history) > 1 {
		sb.WriteString("  [#a0a0c0]HISTORY (newest right)[-]\n")
		sb.WriteString(fmt.Sprintf("  5-hr  %s\n", buildSparkline(history, func(s db.UsageSnapshot) float64 { return s.FiveHourUtil })))
		sb.WriteString(fmt.Sprintf("  7-day %s\n", buildSparkline(history, func(s db.UsageSnapshot) float64 { return s.SevenDayUtil })))

		oldest := time.UnixMilli(history[len(history)-1].TsMs)
		newest := time.UnixMilli(history[0].TsMs)
		sb.WriteString(fmt.Sprintf("  [#6b7280]%s  →  %s[-]\n\n",
			oldest.Local().Format("Jan 2 15:04"),
			newest.Local().Format("Jan 2 15:04")))
	}

	if det.Stale {
		sb.WriteString(fmt.Sprintf("  [#eab308]Stale: last %d update(s) failed[-]\n", det.Failures))
		if det.Error != "" {
			sb.WriteString(fmt.Sprintf("  [#6b7280]%s[-]\n", tview.Escape(det.Error)))
		}
	}
	if det.Updated != "" {
		sb.WriteString(fmt.Sprintf("  [#8888aa]%s (%s)[-]\n", det.Updated, det.UpdatedAgo))
	}
	sb.WriteString("\n  [green]R[-] refresh  [green]Q/Esc[-] close")
	return sb.String()
}

// progressBar renders a text progress bar for a whole percentage.
func progressBar(pct int, tier presenter.Tier, width int) string {
	pct = max(0, min(pct, 100))
	filled := pct * width / 100
	return fmt.Sprintf("%s%s[#2a2a4a]%s[-]", tierTag(tier), strings.Repeat("█", filled), strings.Repeat("░", width-filled))
}

// buildSparkline builds a sparkline string from snapshots (history[0] is newest).
func buildSparkline(history []db.UsageSnapshot, val func(db.UsageSnapshot) float64) string {
	runes := []rune(sparkChars)
	var sb strings.Builder
	for i := len(history) - 1; i >= 0; i-- {
		v := max(0, min(val(history[i]), 1))
		sb.WriteRune(runes[int(v*float64(len(runes)-1))])
	}
	return sb.String()
}
