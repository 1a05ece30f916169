package tray

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Menu item IDs. Zero is the dbusmenu root.
const (
	idRoot int32 = iota
	idFiveHour
	idSevenDay
	idSep1
	idDetails
	idRefresh
	idSetToken
	idSep2
	idQuit
)

type menuItem struct {
	id        int32
	label     string
	enabled   bool
	separator bool
	onClick   func()
}

// layout is the dbusmenu (ia{sv}av) node.
type layout struct {
	ID       int32
	Props    map[string]dbus.Variant
	Children []dbus.Variant
}

type groupProps struct {
	ID    int32
	Props map[string]dbus.Variant
}

type menuEvent struct {
	ID        int32
	EventID   string
	Data      dbus.Variant
	Timestamp uint32
}

// menu implements com.canonical.dbusmenu for a flat, fixed set of items.
// Only the labels of the two usage lines change at runtime.
type menu struct {
	mu       sync.Mutex
	revision uint32
	items    []*menuItem

	// layoutUpdated is called with the new revision after a change.
	layoutUpdated func(revision uint32, parent int32)
}

func newMenu(h Handlers) *menu {
	return &menu{
		revision: 1,
		items: []*menuItem{
			{id: idFiveHour, label: "5h: --"},
			{id: idSevenDay, label: "7d: --"},
			{id: idSep1, separator: true},
			{id: idDetails, label: "Show Details…", enabled: true, onClick: h.ShowDetails},
			{id: idRefresh, label: "Refresh Now", enabled: true, onClick: h.Refresh},
			{id: idSetToken, label: "Set Token…", enabled: true, onClick: h.SetToken},
			{id: idSep2, separator: true},
			{id: idQuit, label: "Quit", enabled: true, onClick: h.Quit},
		},
		layoutUpdated: func(uint32, int32) {},
	}
}

// setLines replaces the usage line labels. lines[0] is the 5-hour window and
// lines[1] the 7-day window.
func (m *menu) setLines(lines []string) {
	m.mu.Lock()
	changed := false
	for i, id := range []int32{idFiveHour, idSevenDay} {
		if i >= len(lines) {
			break
		}
		it := m.find(id)
		if it.label != lines[i] {
			it.label = lines[i]
			changed = true
		}
	}
	if changed {
		m.revision++
	}
	rev := m.revision
	m.mu.Unlock()

	if changed {
		m.layoutUpdated(rev, idRoot)
	}
}

func (m *menu) find(id int32) *menuItem {
	for _, it := range m.items {
		if it.id == id {
			return it
		}
	}
	return nil
}

func (it *menuItem) props(names []string) map[string]dbus.Variant {
	all := map[string]dbus.Variant{}
	if it.separator {
		all["type"] = dbus.MakeVariant("separator")
	} else {
		all["label"] = dbus.MakeVariant(it.label)
		all["enabled"] = dbus.MakeVariant(it.enabled)
		all["visible"] = dbus.MakeVariant(true)
	}
	return filterProps(all, names)
}

func rootProps(names []string) map[string]dbus.Variant {
	return filterProps(map[string]dbus.Variant{
		"children-display": dbus.MakeVariant("submenu"),
	}, names)
}

func filterProps(all map[string]dbus.Variant, names []string) map[string]dbus.Variant {
	if len(names) == 0 {
		return all
	}
	out := make(map[string]dbus.Variant, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out
}

func unknownItem(id int32) *dbus.Error {
	return dbus.MakeFailedError(fmt.Errorf("unknown menu item %d", id))
}

// GetLayout implements com.canonical.dbusmenu.
func (m *menu) GetLayout(parentID int32, recursionDepth int32, propertyNames []string) (uint32, layout, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parentID != idRoot {
		it := m.find(parentID)
		if it == nil {
			return 0, layout{}, unknownItem(parentID)
		}
		return m.revision, layout{ID: it.id, Props: it.props(propertyNames), Children: []dbus.Variant{}}, nil
	}

	root := layout{ID: idRoot, Props: rootProps(propertyNames), Children: []dbus.Variant{}}
	if recursionDepth != 0 {
		for _, it := range m.items {
			root.Children = append(root.Children, dbus.MakeVariant(layout{
				ID:       it.id,
				Props:    it.props(propertyNames),
				Children: []dbus.Variant{},
			}))
		}
	}
	return m.revision, root, nil
}

// GetGroupProperties implements com.canonical.dbusmenu. An empty ids list
// selects every item.
func (m *menu) GetGroupProperties(ids []int32, propertyNames []string) ([]groupProps, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []groupProps
	if len(ids) == 0 {
		for _, it := range m.items {
			out = append(out, groupProps{ID: it.id, Props: it.props(propertyNames)})
		}
		return out, nil
	}
	for _, id := range ids {
		if id == idRoot {
			out = append(out, groupProps{ID: idRoot, Props: rootProps(propertyNames)})
			continue
		}
		if it := m.find(id); it != nil {
			out = append(out, groupProps{ID: id, Props: it.props(propertyNames)})
		}
	}
	return out, nil
}

// GetProperty implements com.canonical.dbusmenu.
func (m *menu) GetProperty(id int32, name string) (dbus.Variant, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	props := rootProps(nil)
	if id != idRoot {
		it := m.find(id)
		if it == nil {
			return dbus.Variant{}, unknownItem(id)
		}
		props = it.props(nil)
	}
	v, ok := props[name]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("menu item %d has no property %q", id, name))
	}
	return v, nil
}

// Event implements com.canonical.dbusmenu. Only "clicked" does anything.
func (m *menu) Event(id int32, eventID string, data dbus.Variant, timestamp uint32) *dbus.Error {
	m.mu.Lock()
	it := m.find(id)
	m.mu.Unlock()

	if it == nil {
		return unknownItem(id)
	}
	if eventID == "clicked" && it.enabled && it.onClick != nil {
		it.onClick()
	}
	return nil
}

// EventGroup implements com.canonical.dbusmenu and returns the IDs that were
// not found.
func (m *menu) EventGroup(events []menuEvent) ([]int32, *dbus.Error) {
	missing := []int32{}
	for _, e := range events {
		if err := m.Event(e.ID, e.EventID, e.Data, e.Timestamp); err != nil {
			missing = append(missing, e.ID)
		}
	}
	return missing, nil
}

// AboutToShow implements com.canonical.dbusmenu. The layout is always
// current, so no update is ever needed.
func (m *menu) AboutToShow(id int32) (bool, *dbus.Error) {
	return false, nil
}

func (m *menu) AboutToShowGroup(ids []int32) ([]int32, []int32, *dbus.Error) {
	return []int32{}, []int32{}, nil
}
