package usagepoller_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/db"
	"github.com/zsprackett/claude-usage-widget/internal/events"
	"github.com/zsprackett/claude-usage-widget/internal/state"
	"github.com/zsprackett/claude-usage-widget/internal/threshold"
	"github.com/zsprackett/claude-usage-widget/internal/usagepoller"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptFetcher returns results in order and repeats the last one forever.
type scriptFetcher struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	script []func() (*claudeusage.Snapshot, error)
}

func (f *scriptFetcher) FetchUsage(ctx context.Context, token string) (*claudeusage.Snapshot, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.tokens = append(f.tokens, token)
	step := f.script[len(f.script)-1]
	if i < len(f.script) {
		step = f.script[i]
	}
	f.mu.Unlock()
	return step()
}

func (f *scriptFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func snapshot(fiveHour, sevenDay float64) func() (*claudeusage.Snapshot, error) {
	return func() (*claudeusage.Snapshot, error) {
		return &claudeusage.Snapshot{
			FiveHour: claudeusage.Window{Utilization: fiveHour},
			SevenDay: claudeusage.Window{Utilization: sevenDay},
			Valid:    true,
		}, nil
	}
}

func failing(kind claudeusage.ErrorKind) func() (*claudeusage.Snapshot, error) {
	return func() (*claudeusage.Snapshot, error) {
		return nil, &claudeusage.FetchError{Kind: kind, Err: errors.New("boom")}
	}
}

type recordingAlerter struct {
	mu   sync.Mutex
	sent []threshold.Notification
}

func (r *recordingAlerter) Notify(n threshold.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingAlerter) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		out = append(out, n.Title)
	}
	return out
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBroadcaster) Broadcast(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPollerKeepsPollingThroughFailures(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		failing(claudeusage.KindUnreachable),
		failing(claudeusage.KindServerError),
		failing(claudeusage.KindMalformedResponse),
		failing(claudeusage.KindUnauthorized),
		func() (*claudeusage.Snapshot, error) { panic("decoder exploded") },
		snapshot(0.1, 0.2),
	}}
	var mu sync.Mutex
	var updates []state.State
	p := usagepoller.New(f, usagepoller.Options{
		Interval: 5 * time.Millisecond,
		Token:    "tok",
		Logger:   discardLogger(),
		OnUpdate: func(st state.State) {
			mu.Lock()
			updates = append(updates, st)
			mu.Unlock()
		},
	})
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, "loop to survive five failures", func() bool { return f.Calls() >= 7 })

	mu.Lock()
	defer mu.Unlock()
	if len(updates) < 6 {
		t.Fatalf("expected an update per tick, got %d", len(updates))
	}
	if got := updates[4]; !got.Stale || got.Failures != 5 {
		t.Errorf("after five failures: stale=%v failures=%d", got.Stale, got.Failures)
	}
	if got := updates[5]; got.Stale || got.Failures != 0 || !got.HasData() {
		t.Errorf("success should clear failures: %+v", got)
	}
}

func TestPollerFailureRetainsSnapshot(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		snapshot(0.42, 0.18),
		failing(claudeusage.KindUnreachable),
	}}
	p := usagepoller.New(f, usagepoller.Options{Token: "tok", Logger: discardLogger()})
	ctx := context.Background()

	p.RunOnce(ctx)
	first := p.State().Snapshot
	p.RunOnce(ctx)

	st := p.State()
	if st.Snapshot != first {
		t.Error("failed tick must not discard the previous snapshot")
	}
	if !st.Stale || st.Failures != 1 {
		t.Errorf("stale=%v failures=%d", st.Stale, st.Failures)
	}
	if p.Phase() != usagepoller.Failed {
		t.Errorf("phase: got %v want failed", p.Phase())
	}
}

func TestPollerRefreshCancelsSleep(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){snapshot(0.1, 0.1)}}
	p := usagepoller.New(f, usagepoller.Options{Interval: time.Hour, Token: "tok", Logger: discardLogger()})
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, "first tick", func() bool { return f.Calls() == 1 })
	waitFor(t, "sleeping", func() bool { return p.Phase() == usagepoller.Sleeping })
	p.Refresh()
	waitFor(t, "refresh tick", func() bool { return f.Calls() == 2 })
}

func TestPollerSetTokenRefreshes(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		func() (*claudeusage.Snapshot, error) {
			return nil, &claudeusage.FetchError{Kind: claudeusage.KindUnauthorized, Err: claudeusage.ErrNoToken}
		},
		snapshot(0.1, 0.1),
	}}
	alerter := &recordingAlerter{}
	p := usagepoller.New(f, usagepoller.Options{Interval: time.Hour, Notifier: alerter, Logger: discardLogger()})
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, "first tick", func() bool { return f.Calls() == 1 })
	p.SetToken("new-token")
	waitFor(t, "token refresh", func() bool { return f.Calls() == 2 })
	waitFor(t, "state update", func() bool { return p.State().HasData() })

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens[0] != "" || f.tokens[1] != "new-token" {
		t.Errorf("tokens: %q", f.tokens)
	}
	titles := alerter.Titles()
	if len(titles) == 0 || titles[0] != "Claude Usage: no token" {
		t.Errorf("expected a no-token prompt first, got %q", titles)
	}
}

func TestPollerUnauthorizedPromptsOnce(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){failing(claudeusage.KindUnauthorized)}}
	alerter := &recordingAlerter{}
	p := usagepoller.New(f, usagepoller.Options{Token: "tok", Notifier: alerter, Logger: discardLogger()})
	for i := 0; i < 4; i++ {
		p.RunOnce(context.Background())
	}
	if got := alerter.Titles(); len(got) != 1 {
		t.Errorf("expected one token prompt, got %q", got)
	}
}

func TestPollerThresholdNotifications(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		snapshot(0.10, 0.05),
		snapshot(0.80, 0.05),
		snapshot(0.85, 0.05),
		snapshot(0.95, 0.05),
		snapshot(1.00, 0.05),
		snapshot(0.60, 0.05),
		snapshot(1.00, 0.05),
	}}
	alerter := &recordingAlerter{}
	bc := &recordingBroadcaster{}
	p := usagepoller.New(f, usagepoller.Options{Token: "tok", Notifier: alerter, Broadcaster: bc, Logger: discardLogger()})
	for i := 0; i < 7; i++ {
		p.RunOnce(context.Background())
	}

	want := []string{
		"Claude Usage Widget Started",
		"Claude Usage: 5h at 75%",
		"Claude Usage: 5h at 90%",
		"Claude Usage: 5h at 100%",
	}
	got := alerter.Titles()
	if len(got) != len(want) {
		t.Fatalf("notifications: got %q want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d: got %q want %q", i, got[i], want[i])
		}
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	alerts := 0
	for _, e := range bc.events {
		if e.Type == events.TypeAlert {
			alerts++
		}
	}
	if alerts != 3 {
		t.Errorf("expected 3 alert events, got %d", alerts)
	}
	if st := p.State(); st.Alerts.LastAlerted[threshold.FiveHour] != 100 {
		t.Errorf("alert state: %+v", st.Alerts)
	}
}

func TestPollerExtraUsageAlerts(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		func() (*claudeusage.Snapshot, error) {
			return &claudeusage.Snapshot{
				Extra: &claudeusage.ExtraUsage{Enabled: true, Used: 46, Limit: 50},
				Valid: true,
			}, nil
		},
		func() (*claudeusage.Snapshot, error) {
			// Disabled extra usage is ignored even when over the limit.
			return &claudeusage.Snapshot{
				Extra: &claudeusage.ExtraUsage{Enabled: false, Used: 50, Limit: 50},
				Valid: true,
			}, nil
		},
	}}
	alerter := &recordingAlerter{}
	p := usagepoller.New(f, usagepoller.Options{Token: "tok", Notifier: alerter, Logger: discardLogger()})
	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	got := alerter.Titles()
	if len(got) != 2 || got[1] != "Claude Usage: Extra usage at 90%" {
		t.Errorf("notifications: %q", got)
	}
}

func TestPollerAttachesPlan(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){snapshot(0.1, 0.1)}}
	p := usagepoller.New(f, usagepoller.Options{
		Token:        "tok",
		Subscription: &claudeusage.Subscription{Type: "Pro"},
		Logger:       discardLogger(),
	})
	p.RunOnce(context.Background())
	if got := p.State().Snapshot.Plan; got != "Pro" {
		t.Errorf("plan: got %q want Pro", got)
	}
}

func TestPollerRecordsHistory(t *testing.T) {
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.Migrate()

	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		snapshot(0.3, 0.4),
		failing(claudeusage.KindUnreachable),
		snapshot(0.5, 0.4),
	}}
	p := usagepoller.New(f, usagepoller.Options{
		Token:     "tok",
		History:   store,
		Retention: 24 * time.Hour,
		Logger:    discardLogger(),
	})
	for i := 0; i < 3; i++ {
		p.RunOnce(context.Background())
	}

	rows, err := store.GetUsageSnapshots(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(rows))
	}
	if rows[0].TickID == "" || rows[0].TickID == rows[1].TickID {
		t.Errorf("tick ids: %q %q", rows[0].TickID, rows[1].TickID)
	}
	if store.LastFetch().IsZero() {
		t.Error("expected last fetch to be recorded")
	}
}

// blockingFetcher parks until its context is cancelled.
type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) FetchUsage(ctx context.Context, token string) (*claudeusage.Snapshot, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, &claudeusage.FetchError{Kind: claudeusage.KindUnreachable, Err: ctx.Err()}
}

func TestPollerStopAbandonsInFlightFetch(t *testing.T) {
	b := &blockingFetcher{started: make(chan struct{})}
	var mu sync.Mutex
	updates := 0
	p := usagepoller.New(b, usagepoller.Options{
		Token:    "tok",
		Logger:   discardLogger(),
		OnUpdate: func(state.State) { mu.Lock(); updates++; mu.Unlock() },
	})
	p.Start(context.Background())
	<-b.started

	// A second tick must not start while the first is in flight.
	if p.RunOnce(context.Background()) {
		t.Error("RunOnce ran concurrently with an in-flight fetch")
	}

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight fetch")
	}

	mu.Lock()
	defer mu.Unlock()
	if updates != 0 {
		t.Errorf("a cancelled tick should not publish, got %d updates", updates)
	}
	if p.Phase() != usagepoller.Idle {
		t.Errorf("phase after stop: %v", p.Phase())
	}
}

type panickingAlerter struct{}

func (panickingAlerter) Notify(threshold.Notification) { panic("notifier exploded") }

type panickingBroadcaster struct{}

func (panickingBroadcaster) Broadcast(events.Event) { panic("broadcaster exploded") }

func TestPollerSurvivesPanickingHooks(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		snapshot(0.95, 0.1),
		func() (*claudeusage.Snapshot, error) { panic("decoder exploded") },
		failing(claudeusage.KindUnauthorized),
		snapshot(0.2, 0.1),
	}}
	p := usagepoller.New(f, usagepoller.Options{
		Interval:    5 * time.Millisecond,
		Token:       "tok",
		Notifier:    panickingAlerter{},
		Broadcaster: panickingBroadcaster{},
		OnUpdate:    func(state.State) { panic("ui handoff exploded") },
		Logger:      discardLogger(),
	})
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, "loop to keep ticking past panicking hooks", func() bool { return f.Calls() >= 5 })
	if st := p.State(); !st.HasData() {
		t.Errorf("expected data after recovery: %+v", st)
	}
}

func TestPollerPanicInFailurePathIsContained(t *testing.T) {
	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		func() (*claudeusage.Snapshot, error) { panic("decoder exploded") },
	}}
	p := usagepoller.New(f, usagepoller.Options{
		Token:    "tok",
		OnUpdate: func(state.State) { panic("ui handoff exploded") },
		Logger:   discardLogger(),
	})

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped RunOnce: %v", r)
			}
		}()
		if !p.RunOnce(context.Background()) {
			t.Error("tick should have run")
		}
	}()

	if st := p.State(); st.Failures != 1 || !st.Stale {
		t.Errorf("failures=%d stale=%v", st.Failures, st.Stale)
	}
	// The lock must have been released for the next tick.
	if !p.RunOnce(context.Background()) {
		t.Error("second tick did not run")
	}
}

func TestPollerStoresPollStatus(t *testing.T) {
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.Migrate()

	f := &scriptFetcher{script: []func() (*claudeusage.Snapshot, error){
		snapshot(0.3, 0.4),
		failing(claudeusage.KindServerError),
		failing(claudeusage.KindUnauthorized),
		snapshot(0.5, 0.4),
	}}
	p := usagepoller.New(f, usagepoller.Options{Token: "tok", History: store, Logger: discardLogger()})
	clock := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p.SetNow(func() time.Time { return clock })

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())
	clock = clock.Add(2 * time.Minute)
	p.RunOnce(context.Background())

	ps, err := store.GetPollStatus()
	if err != nil {
		t.Fatal(err)
	}
	if ps.Failures != 2 || ps.ErrorKind != "unauthorized" || ps.Error != "boom" {
		t.Errorf("after two failures: %+v", ps)
	}
	if !ps.UpdatedAt.Equal(clock) {
		t.Errorf("updated at: got %v want %v", ps.UpdatedAt, clock)
	}

	p.RunOnce(context.Background())
	if ps, _ := store.GetPollStatus(); ps.Failures != 0 || ps.Error != "" {
		t.Errorf("success should clear the status: %+v", ps)
	}
}
