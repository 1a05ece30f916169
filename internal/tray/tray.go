// Package tray exports the widget as a StatusNotifierItem with a
// com.canonical.dbusmenu menu on the D-Bus session bus.
package tray

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/zsprackett/claude-usage-widget/internal/presenter"
)

const (
	ItemInterface = "org.kde.StatusNotifierItem"
	ItemPath      = dbus.ObjectPath("/StatusNotifierItem")
	MenuInterface = "com.canonical.dbusmenu"
	MenuPath      = dbus.ObjectPath("/MenuBar")

	watcherName      = "org.kde.StatusNotifierWatcher"
	watcherPath      = dbus.ObjectPath("/StatusNotifierWatcher")
	watcherInterface = "org.kde.StatusNotifierWatcher"

	appID    = "claude-usage-widget"
	appTitle = "Claude Usage"
)

// Handlers are invoked from D-Bus goroutines when the user interacts with
// the item or its menu. They must not block.
type Handlers struct {
	ShowDetails func()
	Refresh     func()
	SetToken    func()
	Quit        func()
}

// toolTip is the SNI ToolTip property, signature (sa(iiay)ss).
type toolTip struct {
	IconName    string
	IconPixmap  []Pixmap
	Title       string
	Description string
}

// Tray owns the exported objects. All property changes go through Queue so
// they happen on the single goroutine running Run.
type Tray struct {
	conn   *dbus.Conn
	name   string
	props  *prop.Properties
	menu   *menu
	loop   *uiLoop
	logger *slog.Logger

	status string
}

// New exports the item and menu on conn and registers with the
// StatusNotifierWatcher. Export failures are returned; a missing watcher is
// only logged and registration is retried when one appears.
func New(conn *dbus.Conn, h Handlers, logger *slog.Logger) (*Tray, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tray{
		conn:   conn,
		name:   fmt.Sprintf("%s-%d-1", ItemInterface, os.Getpid()),
		menu:   newMenu(h),
		loop:   newUILoop(64),
		logger: logger,
		status: "Active",
	}
	t.menu.layoutUpdated = func(rev uint32, parent int32) {
		if err := conn.Emit(MenuPath, MenuInterface+".LayoutUpdated", rev, parent); err != nil {
			logger.Debug("emit LayoutUpdated failed", "err", err)
		}
	}

	if err := t.exportItem(h); err != nil {
		return nil, err
	}
	if err := t.exportMenu(); err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(t.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name %s: %w", t.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("request name %s: already taken", t.name)
	}

	if err := t.register(); err != nil {
		logger.Warn("no StatusNotifierWatcher yet; waiting for one", "err", err)
	}
	go t.watchWatcher()
	return t, nil
}

// item carries the SNI methods. It is a separate type so none of Tray's own
// methods end up on the bus.
type item struct {
	h Handlers
}

func (i item) Activate(x, y int32) *dbus.Error {
	call(i.h.ShowDetails)
	return nil
}

func (i item) SecondaryActivate(x, y int32) *dbus.Error {
	call(i.h.Refresh)
	return nil
}

// ContextMenu is a no-op; hosts show the exported dbusmenu instead.
func (i item) ContextMenu(x, y int32) *dbus.Error {
	return nil
}

func (i item) Scroll(delta int32, orientation string) *dbus.Error {
	return nil
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

func (t *Tray) exportItem(h Handlers) error {
	obj := item{h: h}
	if err := t.conn.Export(obj, ItemPath, ItemInterface); err != nil {
		return fmt.Errorf("export %s: %w", ItemInterface, err)
	}

	icon := IconFor(presenter.TierError)
	props, err := prop.Export(t.conn, ItemPath, prop.Map{
		ItemInterface: {
			"Category":            {Value: "ApplicationStatus", Emit: prop.EmitFalse},
			"Id":                  {Value: appID, Emit: prop.EmitFalse},
			"Title":               {Value: appTitle, Emit: prop.EmitTrue},
			"Status":              {Value: t.status, Emit: prop.EmitTrue},
			"WindowId":            {Value: int32(0), Emit: prop.EmitFalse},
			"IconName":            {Value: "", Emit: prop.EmitFalse},
			"IconPixmap":          {Value: icon, Emit: prop.EmitTrue},
			"OverlayIconName":     {Value: "", Emit: prop.EmitFalse},
			"OverlayIconPixmap":   {Value: []Pixmap{}, Emit: prop.EmitFalse},
			"AttentionIconName":   {Value: "", Emit: prop.EmitFalse},
			"AttentionIconPixmap": {Value: []Pixmap{}, Emit: prop.EmitFalse},
			"AttentionMovieName":  {Value: "", Emit: prop.EmitFalse},
			"ToolTip":             {Value: toolTip{IconPixmap: icon, Title: appTitle}, Emit: prop.EmitTrue},
			"ItemIsMenu":          {Value: false, Emit: prop.EmitFalse},
			"Menu":                {Value: MenuPath, Emit: prop.EmitFalse},
			"XAyatanaLabel":       {Value: "--", Emit: prop.EmitTrue},
			"XAyatanaLabelGuide":  {Value: "100%", Emit: prop.EmitFalse},
		},
	})
	if err != nil {
		return fmt.Errorf("export %s properties: %w", ItemInterface, err)
	}
	t.props = props

	node := &introspect.Node{
		Name: string(ItemPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       ItemInterface,
				Methods:    introspect.Methods(obj),
				Properties: props.Introspection(ItemInterface),
				Signals: []introspect.Signal{
					{Name: "NewTitle"},
					{Name: "NewIcon"},
					{Name: "NewToolTip"},
					{Name: "NewStatus", Args: []introspect.Arg{{Name: "status", Type: "s"}}},
					{Name: "XAyatanaNewLabel", Args: []introspect.Arg{{Name: "label", Type: "s"}, {Name: "guide", Type: "s"}}},
				},
			},
		},
	}
	if err := t.conn.Export(introspect.NewIntrospectable(node), ItemPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export item introspection: %w", err)
	}
	return nil
}

func (t *Tray) exportMenu() error {
	if err := t.conn.Export(t.menu, MenuPath, MenuInterface); err != nil {
		return fmt.Errorf("export %s: %w", MenuInterface, err)
	}
	props, err := prop.Export(t.conn, MenuPath, prop.Map{
		MenuInterface: {
			"Version":       {Value: uint32(3), Emit: prop.EmitFalse},
			"TextDirection": {Value: "ltr", Emit: prop.EmitFalse},
			"Status":        {Value: "normal", Emit: prop.EmitFalse},
			"IconThemePath": {Value: []string{}, Emit: prop.EmitFalse},
		},
	})
	if err != nil {
		return fmt.Errorf("export %s properties: %w", MenuInterface, err)
	}

	node := &introspect.Node{
		Name: string(MenuPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       MenuInterface,
				Methods:    introspect.Methods(t.menu),
				Properties: props.Introspection(MenuInterface),
				Signals: []introspect.Signal{
					{Name: "LayoutUpdated", Args: []introspect.Arg{{Name: "revision", Type: "u"}, {Name: "parent", Type: "i"}}},
				},
			},
		},
	}
	if err := t.conn.Export(introspect.NewIntrospectable(node), MenuPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export menu introspection: %w", err)
	}
	return nil
}

func (t *Tray) register() error {
	obj := t.conn.Object(watcherName, watcherPath)
	if err := obj.Call(watcherInterface+".RegisterStatusNotifierItem", 0, t.name).Err; err != nil {
		return fmt.Errorf("register with %s: %w", watcherName, err)
	}
	t.logger.Info("tray item registered", "name", t.name)
	return nil
}

// watchWatcher re-registers whenever a StatusNotifierWatcher takes the name,
// which happens when the panel restarts.
func (t *Tray) watchWatcher() {
	if err := t.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, watcherName),
	); err != nil {
		t.logger.Warn("watch for StatusNotifierWatcher failed", "err", err)
		return
	}
	signals := make(chan *dbus.Signal, 8)
	t.conn.Signal(signals)
	for sig := range signals {
		if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) < 3 {
			continue
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if name != watcherName || newOwner == "" {
			continue
		}
		if err := t.register(); err != nil {
			t.logger.Warn("re-register tray item failed", "err", err)
		}
	}
}

// Run applies queued updates until ctx is done.
func (t *Tray) Run(ctx context.Context) {
	t.loop.run(ctx)
}

// Queue schedules fn on the UI goroutine. It is safe to call from any
// goroutine; calls after Run has returned are dropped.
func (t *Tray) Queue(fn func()) {
	t.loop.queue(fn)
}

// Apply redraws the item and menu from v. Call it only from a function
// passed to Queue.
func (t *Tray) Apply(v presenter.View) {
	icon := IconFor(v.Tier)
	t.props.SetMust(ItemInterface, "IconPixmap", icon)
	t.props.SetMust(ItemInterface, "ToolTip", toolTip{IconPixmap: icon, Title: appTitle, Description: v.Tooltip})
	t.props.SetMust(ItemInterface, "XAyatanaLabel", v.Label)
	t.emit("NewIcon")
	t.emit("NewToolTip")
	t.emit("XAyatanaNewLabel", v.Label, "100%")

	status := "Active"
	if v.Tier == presenter.TierRed {
		status = "NeedsAttention"
	}
	if status != t.status {
		t.status = status
		t.props.SetMust(ItemInterface, "Status", status)
		t.emit("NewStatus", status)
	}

	t.menu.setLines(v.MenuLines)
}

func (t *Tray) emit(signal string, args ...any) {
	if err := t.conn.Emit(ItemPath, ItemInterface+"."+signal, args...); err != nil {
		t.logger.Debug("emit failed", "signal", signal, "err", err)
	}
}

// Close releases the bus name. The connection itself belongs to the caller.
func (t *Tray) Close() error {
	_, err := t.conn.ReleaseName(t.name)
	return err
}
