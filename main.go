package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/zsprackett/claude-usage-widget/internal/applog"
	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/config"
	"github.com/zsprackett/claude-usage-widget/internal/db"
	"github.com/zsprackett/claude-usage-widget/internal/notify"
	"github.com/zsprackett/claude-usage-widget/internal/presenter"
	"github.com/zsprackett/claude-usage-widget/internal/state"
	"github.com/zsprackett/claude-usage-widget/internal/tray"
	"github.com/zsprackett/claude-usage-widget/internal/ui"
	"github.com/zsprackett/claude-usage-widget/internal/usagepoller"
	"github.com/zsprackett/claude-usage-widget/internal/webserver"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const notificationAppName = "Claude Usage"

func openDB() (*db.DB, error) {
	dbPath := config.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// loadConfig loads the config file. A corrupt file is reported and replaced
// by defaults so the widget can still start and prompt for a token.
func loadConfig() config.Config {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return cfg
}

// resolveToken prefers the Claude Code credentials file over the token in
// the config file.
func resolveToken(cfg config.Config) (token, source string) {
	if tok, ok := claudeusage.AutodetectToken(cfg.CredentialsPath); ok {
		return tok, "credentials"
	}
	if cfg.OAuthToken != "" {
		return cfg.OAuthToken, "config"
	}
	return "", "none"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func main() {
	cmd := "run"
	if len(os.Args) >= 2 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		if err := runTray(); err != nil {
			fatal(err)
		}
	case "set-token":
		if err := setToken(); err != nil {
			fatal(err)
		}
	case "detail":
		if err := runDetail(); err != nil {
			fatal(err)
		}
	case "status-token":
		if err := statusToken(); err != nil {
			fatal(err)
		}
	case "version", "--version", "-v":
		fmt.Println("claude-usage-widget", version)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [run|set-token|detail|status-token|version]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
}

// setToken reads a token without echo and saves it to the config file. A
// running widget picks the change up through its config watcher.
func setToken() error {
	path := config.DefaultPath()
	var raw []byte
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("Claude OAuth token: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return err
		}
		raw = pw
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		raw = []byte(line)
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return errors.New("no token entered")
	}
	if err := config.SetToken(path, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Printf("Token saved to %s\n", path)
	return nil
}

func statusToken() error {
	cfg := loadConfig()
	if cfg.StatusServer.Secret == "" {
		return errors.New("status_server.secret is not set in " + config.DefaultPath())
	}
	tok, err := webserver.IssueAccessToken(cfg.StatusServer.Secret, "status-bar", 0)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runDetail() error {
	cfg := loadConfig()
	token, _ := resolveToken(cfg)
	sub := claudeusage.LoadSubscription(cfg.CredentialsPath)

	store, err := openDB()
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}
	defer store.Close()

	client := claudeusage.NewClient(cfg.APIURL, version)
	app := ui.NewApp(store, ui.Options{
		HasToken:      token != "",
		Subscription:  sub,
		RefreshOnOpen: !cfg.History.Enabled,
		Refresh: func(ctx context.Context) error {
			snap, err := client.FetchUsage(ctx, token)
			if err != nil {
				return err
			}
			if sub != nil && snap.Plan == "" {
				snap = snap.WithPlan(sub.Type)
			}
			if err := store.InsertUsageSnapshot(db.FromSnapshot(uuid.NewString(), snap)); err != nil {
				return err
			}
			return store.Touch(snap.FetchedAt)
		},
		Logger: slog.Default(),
	})
	return app.Run()
}

// stateSourceFunc adapts a function to webserver.StateSource.
type stateSourceFunc func() state.State

func (f stateSourceFunc) State() state.State { return f() }

func runTray() error {
	cfg := loadConfig()

	logger, logCloser, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Echo:     os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default() // falls back to default (stderr)
	} else {
		defer logCloser.Close()
	}

	token, source := resolveToken(cfg)
	sub := claudeusage.LoadSubscription(cfg.CredentialsPath)
	logger.Info("starting", "version", version, "token_source", source, "interval_s", cfg.RefreshInterval())

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	defer conn.Close()

	var store *db.DB
	if cfg.History.Enabled {
		store, err = openDB()
		if err != nil {
			logger.Warn("usage history disabled", "err", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	var desktop notify.Desktop
	if cfg.Notifications.Desktop {
		desktop = notify.NewDBusDesktop(conn, notificationAppName)
	}
	notifier := notify.New(notify.Config{
		Enabled: cfg.Notifications.Enabled,
		Desktop: cfg.Notifications.Desktop,
		Webhook: cfg.Notifications.Webhook,
		NtfyURL: cfg.Notifications.NtfyURL,
	}, desktop, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	notifier.Start(ctx)

	var (
		poller *usagepoller.Poller
		t      *tray.Tray
	)

	var history webserver.HistoryStore
	if store != nil {
		history = store
	}
	web := webserver.New(stateSourceFunc(func() state.State { return poller.State() }), history, webserver.Config{
		Enabled: cfg.StatusServer.Enabled,
		Host:    cfg.StatusServer.Host,
		Port:    cfg.StatusServer.Port,
		Secret:  cfg.StatusServer.Secret,
	}, logger)

	opts := usagepoller.Options{
		Interval:     time.Duration(cfg.RefreshInterval()) * time.Second,
		Token:        token,
		Subscription: sub,
		Notifier:     notifier,
		Retention:    time.Duration(cfg.History.RetentionDays) * 24 * time.Hour,
		Logger:       logger,
		OnUpdate: func(st state.State) {
			t.Queue(func() { t.Apply(presenter.Render(st, time.Now())) })
		},
	}
	if store != nil {
		opts.History = store
	}
	if cfg.StatusServer.Enabled {
		opts.Broadcaster = web
	}
	poller = usagepoller.New(claudeusage.NewClient(cfg.APIURL, version), opts)

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	openTerminal := func(args ...string) {
		if err := tray.OpenInTerminal(append([]string{self}, args...)...); err != nil {
			logger.Warn("could not open terminal", "err", err)
		}
	}
	t, err = tray.New(conn, tray.Handlers{
		ShowDetails: func() { openTerminal("detail") },
		Refresh:     poller.Refresh,
		SetToken:    func() { openTerminal("set-token") },
		Quit:        stop,
	}, logger)
	if err != nil {
		return fmt.Errorf("tray: %w", err)
	}
	defer t.Close()

	if err := web.Start(); err != nil {
		return err
	}

	go t.Run(ctx)

	// A token saved by set-token, or an edit by hand, reaches the poller here.
	lastConfigToken := cfg.OAuthToken
	go func() {
		err := config.Watch(ctx, config.DefaultPath(), logger, func(c config.Config) {
			if c.OAuthToken == lastConfigToken || c.OAuthToken == "" {
				return
			}
			lastConfigToken = c.OAuthToken
			logger.Info("oauth token changed in config")
			poller.SetToken(c.OAuthToken)
		})
		if err != nil {
			logger.Warn("config watch stopped", "err", err)
		}
	}()

	poller.Start(ctx)

	// Countdowns in the menu move between polls.
	redraw := time.NewTicker(30 * time.Second)
	defer redraw.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			poller.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			web.Shutdown(shutdownCtx)
			cancel()
			return nil
		case <-redraw.C:
			st := poller.State()
			t.Queue(func() { t.Apply(presenter.Render(st, time.Now())) })
		}
	}
}
