// Package ui is the terminal rendering of the detail popup, opened from the
// tray's "Show Details…" item.
package ui

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rivo/tview"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/db"
	"github.com/zsprackett/claude-usage-widget/internal/state"
)

const historyRows = 48

type Options struct {
	HasToken     bool
	Subscription *claudeusage.Subscription
	// Refresh fetches fresh usage and records it in the store. Nil disables
	// the R key.
	Refresh func(ctx context.Context) error
	// RefreshOnOpen fetches once at startup, for when the tray is not
	// writing history.
	RefreshOnOpen bool
	ReloadEvery   time.Duration
	Logger        *slog.Logger
}

type App struct {
	tapp   *tview.Application
	view   *DetailView
	store  *db.DB
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	refreshing bool
}

func NewApp(store *db.DB, opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReloadEvery <= 0 {
		opts.ReloadEvery = 30 * time.Second
	}
	a := &App{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
	}
	a.tapp = tview.NewApplication()
	a.view = NewDetailView(func() { a.tapp.Stop() }, a.onRefresh)
	a.tapp.SetRoot(a.view, true).EnableMouse(false)
	return a
}

func (a *App) Run() error {
	a.reload()
	if a.opts.RefreshOnOpen {
		a.onRefresh()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(a.opts.ReloadEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.tapp.QueueUpdateDraw(a.reload)
			}
		}
	}()
	return a.tapp.Run()
}

// reload re-reads the store. It must run on the tview goroutine.
func (a *App) reload() {
	st, history := a.load(time.Now())
	a.view.Show(st, history, time.Now())
}

func (a *App) load(now time.Time) (state.State, []db.UsageSnapshot) {
	st := state.State{HasToken: a.opts.HasToken, Subscription: a.opts.Subscription}

	latest, err := a.store.GetLatestUsageSnapshot()
	if err != nil {
		a.logger.Warn("load latest usage failed", "err", err)
	}
	if latest != nil {
		snap := latest.Snapshot()
		st = st.Succeed(snap, st.Alerts, snap.FetchedAt)
	}
	history, err := a.store.GetUsageSnapshots(historyRows)
	if err != nil {
		a.logger.Warn("load usage history failed", "err", err)
	}

	// The tray and the R key both record how the latest tick went.
	ps, err := a.store.GetPollStatus()
	if err != nil {
		a.logger.Warn("load poll status failed", "err", err)
	}
	if lastErr := ps.Err(); lastErr != nil {
		for i := 0; i < ps.Failures; i++ {
			st = st.Fail(lastErr, ps.UpdatedAt)
		}
	}
	return st, history
}

// recordRefresh stores the outcome of an R-key refresh the same way the
// tray's poller does.
func (a *App) recordRefresh(err error, now time.Time) {
	ps := db.PollStatus{UpdatedAt: now}
	if err != nil {
		prev, _ := a.store.GetPollStatus()
		ps = db.FailedPoll(prev.Failures+1, err, now)
	}
	if err := a.store.SetPollStatus(ps); err != nil {
		a.logger.Warn("save poll status failed", "err", err)
	}
}

func (a *App) onRefresh() {
	if a.opts.Refresh == nil {
		return
	}
	a.mu.Lock()
	if a.refreshing {
		a.mu.Unlock()
		return
	}
	a.refreshing = true
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), claudeusage.RequestTimeout+5*time.Second)
		defer cancel()
		err := a.opts.Refresh(ctx)
		a.recordRefresh(err, time.Now())

		a.mu.Lock()
		a.refreshing = false
		a.mu.Unlock()
		if err != nil {
			a.logger.Warn("detail refresh failed", "err", err)
		}
		a.tapp.QueueUpdateDraw(a.reload)
	}()
}
