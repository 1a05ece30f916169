package usagepoller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/db"
	"github.com/zsprackett/claude-usage-widget/internal/events"
	"github.com/zsprackett/claude-usage-widget/internal/state"
	"github.com/zsprackett/claude-usage-widget/internal/threshold"
)

// Phase is the poll loop's position in its cycle.
type Phase int

const (
	Idle Phase = iota
	Polling
	Sleeping
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Sleeping:
		return "sleeping"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Fetcher is satisfied by *claudeusage.Client.
type Fetcher interface {
	FetchUsage(ctx context.Context, token string) (*claudeusage.Snapshot, error)
}

// Alerter is satisfied by *notify.Notifier.
type Alerter interface {
	Notify(n threshold.Notification)
}

// History is satisfied by *db.DB.
type History interface {
	InsertUsageSnapshot(s db.UsageSnapshot) error
	PruneUsageSnapshots(before time.Time) (int64, error)
	Touch(t time.Time) error
	SetPollStatus(s db.PollStatus) error
}

type Options struct {
	Interval     time.Duration
	Token        string
	Subscription *claudeusage.Subscription
	Notifier     Alerter
	History      History
	Retention    time.Duration // zero keeps history forever
	Broadcaster  events.Broadcaster
	// OnUpdate receives every new state. It is called from the poll
	// goroutine and must hand the value off rather than touch UI state.
	OnUpdate func(state.State)
	Logger   *slog.Logger
}

const pruneEvery = time.Hour

// Poller runs the timed fetch loop. At most one fetch is in flight at a time
// and a failed tick never stops the loop.
type Poller struct {
	fetcher  Fetcher
	interval time.Duration
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	refresh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.Mutex
	token        string
	st           state.State
	phase        Phase
	busy         bool
	authNotified bool
	lastPrune    time.Time
}

func New(fetcher Fetcher, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		fetcher:  fetcher,
		interval: opts.Interval,
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
		refresh:  make(chan struct{}, 1),
		token:    opts.Token,
		st: state.State{
			HasToken:     opts.Token != "",
			Subscription: opts.Subscription,
		},
	}
}

// SetNow replaces the time source.
func (p *Poller) SetNow(fn func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = fn
}

// Start polls immediately and then every interval until ctx is done or Stop
// is called. It returns at once.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.RunOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			p.setPhase(Sleeping)
			timer := time.NewTimer(p.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-p.refresh:
				timer.Stop()
			case <-timer.C:
			}
		}
	}()
}

// Stop cancels the loop, abandoning any in-flight request, and waits for the
// poll goroutine to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.setPhase(Idle)
}

// Refresh ends the current sleep early. Requests made while a fetch is in
// flight collapse into one follow-up fetch.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// SetToken replaces the token used for subsequent fetches and triggers an
// immediate refresh.
func (p *Poller) SetToken(token string) {
	p.mu.Lock()
	changed := token != p.token
	p.token = token
	p.st.HasToken = token != ""
	if changed {
		p.authNotified = false
	}
	p.mu.Unlock()
	p.Refresh()
}

// State returns a copy of the current session state.
func (p *Poller) State() state.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st
}

// Phase returns the loop's current phase.
func (p *Poller) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Poller) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

func (p *Poller) acquire() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return "", false
	}
	p.busy = true
	p.phase = Polling
	return p.token, true
}

func (p *Poller) release() {
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

// RunOnce performs a single tick synchronously. It reports false without
// fetching when another tick is already in flight or ctx is done.
func (p *Poller) RunOnce(ctx context.Context) (ran bool) {
	if ctx.Err() != nil {
		return false
	}
	token, ok := p.acquire()
	if !ok {
		return false
	}
	defer p.release()

	tickID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			p.fail(tickID, fmt.Errorf("poll tick panicked: %v", r))
			ran = true
		}
	}()

	snap, err := p.fetcher.FetchUsage(ctx, token)
	if ctx.Err() != nil {
		// Shutting down; the result is no longer wanted.
		return true
	}
	if err == nil && snap == nil {
		err = &claudeusage.FetchError{Kind: claudeusage.KindMalformedResponse, Err: errors.New("empty snapshot")}
	}
	if err != nil {
		p.fail(tickID, err)
		return true
	}
	p.succeed(tickID, snap)
	return true
}

type windowPct struct {
	window threshold.Window
	pct    int
}

// windowPcts lists the windows that take part in threshold alerts. Extra
// usage only counts while it is enabled.
func windowPcts(snap *claudeusage.Snapshot) []windowPct {
	out := []windowPct{
		{threshold.FiveHour, snap.FiveHour.Pct()},
		{threshold.SevenDay, snap.SevenDay.Pct()},
	}
	if snap.ExtraEnabled() {
		out = append(out, windowPct{threshold.ExtraUsage, snap.Extra.Pct()})
	}
	return out
}

// success is what a good tick computed while holding the lock.
type success struct {
	snap  *claudeusage.Snapshot
	st    state.State
	notes []threshold.Notification
	fired []threshold.Event
	now   time.Time
	prune bool
}

func (p *Poller) applySuccess(snap *claudeusage.Snapshot) success {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if sub := p.st.Subscription; sub != nil && snap.Plan == "" {
		snap = snap.WithPlan(sub.Type)
	}
	if snap.FetchedAt.IsZero() {
		stamped := *snap
		stamped.FetchedAt = now
		snap = &stamped
	}

	res := success{snap: snap, now: now}
	alerts := p.st.Alerts
	summary := snap.Summary()
	if due, next := threshold.Startup(alerts); due {
		alerts = next
		res.notes = append(res.notes, threshold.StartupNotification(summary))
	}
	for _, w := range windowPcts(snap) {
		var ev *threshold.Event
		ev, alerts = threshold.Evaluate(w.window, w.pct, alerts)
		if ev != nil {
			res.fired = append(res.fired, *ev)
		}
	}
	for _, ev := range res.fired {
		res.notes = append(res.notes, ev.Notification(summary))
	}

	p.st = p.st.Succeed(snap, alerts, now)
	p.authNotified = false
	res.st = p.st
	res.prune = p.opts.Retention > 0 && now.Sub(p.lastPrune) >= pruneEvery
	if res.prune {
		p.lastPrune = now
	}
	return res
}

func (p *Poller) succeed(tickID string, snap *claudeusage.Snapshot) {
	res := p.applySuccess(snap)

	p.logger.Debug("usage poll ok",
		"tick", tickID,
		"five_hour", res.snap.FiveHour.Pct(),
		"seven_day", res.snap.SevenDay.Pct(),
		"alerts", len(res.fired),
	)

	p.record(tickID, res.snap, res.now, res.prune)
	p.saveStatus(db.PollStatus{UpdatedAt: res.now})

	for _, n := range res.notes {
		p.notify(n)
	}
	for _, ev := range res.fired {
		p.broadcast(events.Event{
			Type:      events.TypeAlert,
			TickID:    tickID,
			Time:      res.now,
			Window:    string(ev.Window),
			Threshold: ev.Threshold,
			Pct:       ev.Pct,
		})
	}
	p.broadcast(events.Event{Type: events.TypeUsageUpdated, TickID: tickID, Time: res.now})
	p.publish(res.st)
}

func (p *Poller) applyFailure(err error) (st state.State, now time.Time, promptAuth bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now = p.now()
	p.st = p.st.Fail(err, now)
	p.phase = Failed
	promptAuth = p.st.LastErrKind == claudeusage.KindUnauthorized && !p.authNotified
	if promptAuth {
		p.authNotified = true
	}
	return p.st, now, promptAuth
}

func (p *Poller) fail(tickID string, err error) {
	st, now, promptAuth := p.applyFailure(err)
	kind := st.LastErrKind

	level := slog.LevelWarn
	if kind == claudeusage.KindUnreachable {
		level = slog.LevelInfo
	}
	p.logger.Log(context.Background(), level, "usage poll failed",
		"tick", tickID,
		"kind", kind.String(),
		"failures", st.Failures,
		"err", err,
	)

	p.saveStatus(db.FailedPoll(st.Failures, err, now))
	if promptAuth {
		p.notify(authNotification(err))
	}
	p.broadcast(events.Event{
		Type:      events.TypePollFailed,
		TickID:    tickID,
		Time:      now,
		Failures:  st.Failures,
		Error:     err.Error(),
		ErrorKind: kind.String(),
	})
	p.publish(st)
}

func authNotification(err error) threshold.Notification {
	if errors.Is(err, claudeusage.ErrNoToken) {
		return threshold.Notification{
			Title:   "Claude Usage: no token",
			Body:    "No OAuth token found. Use \"Set Token…\" in the tray menu.",
			Icon:    "dialog-password",
			Urgency: threshold.UrgencyNormal,
		}
	}
	return threshold.Notification{
		Title:   "Claude Usage: token rejected",
		Body:    "The OAuth token was rejected. Use \"Set Token…\" to enter a new one.",
		Icon:    "dialog-password",
		Urgency: threshold.UrgencyCritical,
	}
}

func (p *Poller) record(tickID string, snap *claudeusage.Snapshot, now time.Time, prune bool) {
	h := p.opts.History
	if h == nil {
		return
	}
	p.guard("history", func() {
		if err := h.InsertUsageSnapshot(db.FromSnapshot(tickID, snap)); err != nil {
			p.logger.Warn("usage snapshot insert failed", "tick", tickID, "err", err)
			return
		}
		if err := h.Touch(now); err != nil {
			p.logger.Debug("usage touch failed", "err", err)
		}
		if prune {
			n, err := h.PruneUsageSnapshots(now.Add(-p.opts.Retention))
			if err != nil {
				p.logger.Warn("usage history prune failed", "err", err)
			} else if n > 0 {
				p.logger.Debug("usage history pruned", "rows", n)
			}
		}
	})
}

// saveStatus stores the tick outcome next to the history rows for the detail
// view, which runs in its own process.
func (p *Poller) saveStatus(ps db.PollStatus) {
	h := p.opts.History
	if h == nil {
		return
	}
	p.guard("history", func() {
		if err := h.SetPollStatus(ps); err != nil {
			p.logger.Debug("poll status write failed", "err", err)
		}
	})
}

// guard runs a hook. A panic inside it is logged and swallowed so that no
// hook can take down the poll goroutine.
func (p *Poller) guard(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll hook panicked", "hook", hook, "panic", r)
		}
	}()
	fn()
}

func (p *Poller) notify(n threshold.Notification) {
	if p.opts.Notifier != nil {
		p.guard("notifier", func() { p.opts.Notifier.Notify(n) })
	}
}

func (p *Poller) broadcast(e events.Event) {
	if p.opts.Broadcaster != nil {
		p.guard("broadcaster", func() { p.opts.Broadcaster.Broadcast(e) })
	}
}

func (p *Poller) publish(st state.State) {
	if p.opts.OnUpdate != nil {
		p.guard("update", func() { p.opts.OnUpdate(st) })
	}
}
