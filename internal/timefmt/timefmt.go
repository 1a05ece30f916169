// Package timefmt renders reset countdowns for the tray.
package timefmt

import (
	"fmt"
	"time"
)

const (
	// Now is returned once the reset time has been reached.
	Now = "now"
	// Unknown is returned when no reset time is known.
	Unknown = "unknown"
)

// FormatRemaining renders the time left until resetAt as "Xd Yh" when at
// least a full day remains and "Xh Ym" otherwise. The hour component is
// always below 24 when a day component is present. Partial units are
// truncated.
func FormatRemaining(now, resetAt time.Time) string {
	if resetAt.IsZero() {
		return Unknown
	}
	if !resetAt.After(now) {
		return Now
	}
	secs := int64(resetAt.Sub(now) / time.Second)
	days := secs / 86400
	hours := (secs % 86400) / 3600
	minutes := (secs % 3600) / 60
	if days >= 1 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
