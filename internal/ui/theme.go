package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"

	"github.com/zsprackett/claude-usage-widget/internal/presenter"
)

// Theme colors for the TUI.
var (
	ColorText      = tcell.NewHexColor(0xe0e0ff)
	ColorTextMuted = tcell.NewHexColor(0x8888aa)
	ColorBorder    = tcell.NewHexColor(0x2a2a4a)
)

// TierColor returns the tcell colour for a usage tier.
func TierColor(t presenter.Tier) tcell.Color {
	return tcell.NewHexColor(int32(t.Hex()))
}

// tierTag returns a tview colour tag such as "[#22c55e]".
func tierTag(t presenter.Tier) string {
	return fmt.Sprintf("[#%06x]", t.Hex())
}

func colorTag(c tcell.Color) string {
	return fmt.Sprintf("[#%06x]", c.Hex())
}

// tierByName maps presenter tier names back to tiers.
func tierByName(name string) presenter.Tier {
	for _, t := range []presenter.Tier{presenter.TierGreen, presenter.TierYellow, presenter.TierOrange, presenter.TierRed} {
		if t.String() == name {
			return t
		}
	}
	return presenter.TierError
}

// Status icons
const (
	IconConnected = "●"
	IconError     = "✗"
	IconPending   = "○"
)

func StatusIcon(status string) (string, tcell.Color) {
	switch status {
	case "Connected":
		return IconConnected, TierColor(presenter.TierGreen)
	case "Connecting":
		return IconPending, ColorTextMuted
	default:
		return IconError, TierColor(presenter.TierRed)
	}
}
