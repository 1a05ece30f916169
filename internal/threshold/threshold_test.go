package threshold_test

import (
	"strings"
	"testing"

	"github.com/zsprackett/claude-usage-widget/internal/threshold"
)

func feed(window threshold.Window, seq []int) ([]threshold.Event, threshold.State) {
	var st threshold.State
	var events []threshold.Event
	for _, pct := range seq {
		var ev *threshold.Event
		ev, st = threshold.Evaluate(window, pct, st)
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, st
}

func TestEvaluate_ClimbsLadder(t *testing.T) {
	events, st := feed(threshold.FiveHour, []int{10, 80, 85, 95, 100})
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	for i, want := range []int{75, 90, 100} {
		if events[i].Threshold != want {
			t.Errorf("event %d: threshold %d want %d", i, events[i].Threshold, want)
		}
		if events[i].Window != threshold.FiveHour {
			t.Errorf("event %d: window %q", i, events[i].Window)
		}
	}
	if st.LastAlerted[threshold.FiveHour] != 100 {
		t.Errorf("last alerted: got %d want 100", st.LastAlerted[threshold.FiveHour])
	}
}

func TestEvaluate_FluctuationDoesNotRealert(t *testing.T) {
	events, _ := feed(threshold.SevenDay, []int{80, 60, 85})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	if events[0].Threshold != 75 || events[0].Pct != 80 {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestEvaluate_JumpsToHighestRung(t *testing.T) {
	events, _ := feed(threshold.FiveHour, []int{95, 96, 99})
	if len(events) != 1 || events[0].Threshold != 90 {
		t.Fatalf("expected a single 90 event, got %+v", events)
	}
}

func TestEvaluate_AtMostOncePerRung(t *testing.T) {
	seq := []int{0, 76, 74, 91, 50, 100, 120, 30, 100, 90, 75}
	events, _ := feed(threshold.FiveHour, seq)
	seen := map[int]int{}
	for _, e := range events {
		seen[e.Threshold]++
	}
	for rung, n := range seen {
		if n > 1 {
			t.Errorf("rung %d alerted %d times", rung, n)
		}
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func TestEvaluate_WindowsIndependent(t *testing.T) {
	var st threshold.State
	ev, st := threshold.Evaluate(threshold.FiveHour, 92, st)
	if ev == nil || ev.Threshold != 90 {
		t.Fatalf("5h: got %+v", ev)
	}
	ev, st = threshold.Evaluate(threshold.SevenDay, 80, st)
	if ev == nil || ev.Threshold != 75 {
		t.Fatalf("7d: got %+v", ev)
	}
	ev, _ = threshold.Evaluate(threshold.ExtraUsage, 100, st)
	if ev == nil || ev.Threshold != 100 {
		t.Fatalf("extra: got %+v", ev)
	}
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	var st threshold.State
	_, st = threshold.Evaluate(threshold.FiveHour, 80, st)
	before := st.LastAlerted[threshold.FiveHour]
	threshold.Evaluate(threshold.FiveHour, 95, st)
	if st.LastAlerted[threshold.FiveHour] != before {
		t.Errorf("input state mutated: %d -> %d", before, st.LastAlerted[threshold.FiveHour])
	}
}

func TestStartup_OncePerSession(t *testing.T) {
	var st threshold.State
	fire, st := threshold.Startup(st)
	if !fire {
		t.Fatal("expected startup notification on first call")
	}
	fire, _ = threshold.Startup(st)
	if fire {
		t.Error("startup notification fired twice")
	}
}

func TestEventNotification(t *testing.T) {
	cases := []struct {
		rung    int
		urgency threshold.Urgency
		phrase  string
	}{
		{75, threshold.UrgencyNormal, "Approaching"},
		{90, threshold.UrgencyCritical, "Close to"},
		{100, threshold.UrgencyCritical, "reached"},
	}
	for _, tc := range cases {
		n := threshold.Event{Window: threshold.FiveHour, Threshold: tc.rung, Pct: tc.rung}.Notification("5h: x  |  7d: y")
		if n.Urgency != tc.urgency {
			t.Errorf("rung %d: urgency %d want %d", tc.rung, n.Urgency, tc.urgency)
		}
		if !strings.Contains(n.Body, tc.phrase) || !strings.Contains(n.Body, "5h: x") {
			t.Errorf("rung %d: body %q", tc.rung, n.Body)
		}
		if !strings.Contains(n.Title, "5h") {
			t.Errorf("rung %d: title %q", tc.rung, n.Title)
		}
	}
}
