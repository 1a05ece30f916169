package notify

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/zsprackett/claude-usage-widget/internal/threshold"
)

const (
	notificationsName      = "org.freedesktop.Notifications"
	notificationsPath      = "/org/freedesktop/Notifications"
	notificationsInterface = "org.freedesktop.Notifications"
)

// DBusDesktop sends notifications through org.freedesktop.Notifications on
// the session bus.
type DBusDesktop struct {
	obj     dbus.BusObject
	appName string
}

// NewDBusDesktop returns a Desktop backed by conn.
func NewDBusDesktop(conn *dbus.Conn, appName string) *DBusDesktop {
	return &DBusDesktop{
		obj:     conn.Object(notificationsName, dbus.ObjectPath(notificationsPath)),
		appName: appName,
	}
}

// Send implements Desktop. Every call opens a new notification; an alert for
// one window never replaces an alert for another.
func (d *DBusDesktop) Send(ctx context.Context, n threshold.Notification) error {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(n.Urgency)),
	}
	call := d.obj.CallWithContext(ctx, notificationsInterface+".Notify", 0,
		d.appName,
		uint32(0),
		n.Icon,
		n.Title,
		n.Body,
		[]string{},
		hints,
		int32(-1),
	)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	return nil
}
