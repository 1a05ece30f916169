package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/zsprackett/claude-usage-widget/internal/threshold"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Desktop bool   `json:"desktop"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// Desktop delivers a notification to the user's desktop session.
type Desktop interface {
	Send(ctx context.Context, n threshold.Notification) error
}

const (
	queueSize = 16
	// deliveryTimeout bounds each target separately.
	deliveryTimeout = 5 * time.Second
)

// Notifier fires desktop notifications and optional webhook and ntfy POSTs.
type Notifier struct {
	cfg     Config
	desktop Desktop
	client  *http.Client
	logger  *slog.Logger

	queue   chan threshold.Notification
	running atomic.Bool
}

// New returns a Notifier with the given config. desktop may be nil, in which
// case only the HTTP targets are used.
func New(cfg Config, desktop Desktop, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:     cfg,
		desktop: desktop,
		client:  &http.Client{Timeout: deliveryTimeout},
		logger:  logger,
		queue:   make(chan threshold.Notification, queueSize),
	}
}

// Start delivers notifications on a background goroutine until ctx is done.
// After Start, Notify only enqueues.
func (n *Notifier) Start(ctx context.Context) {
	n.running.Store(true)
	go func() {
		defer n.running.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-n.queue:
				n.deliver(ctx, msg)
			}
		}
	}()
}

// Notify sends msg to every configured target. Before Start it delivers
// inline. Failures are logged and never returned.
func (n *Notifier) Notify(msg threshold.Notification) {
	if n == nil || !n.cfg.Enabled {
		return
	}
	if !n.running.Load() {
		n.deliver(context.Background(), msg)
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.logger.Warn("notify: queue full, dropping notification", "title", msg.Title)
	}
}

func (n *Notifier) deliver(ctx context.Context, msg threshold.Notification) {
	if n.cfg.Desktop && n.desktop != nil {
		dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		err := n.desktop.Send(dctx, msg)
		cancel()
		if err != nil {
			n.logger.Warn("notify: desktop notification failed", "title", msg.Title, "err", err)
		}
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(ctx, msg)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(ctx, msg)
	}
}

type webhookPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Urgency   string `json:"urgency"`
	Timestamp string `json:"timestamp"`
}

func urgencyName(u threshold.Urgency) string {
	switch u {
	case threshold.UrgencyLow:
		return "low"
	case threshold.UrgencyCritical:
		return "critical"
	default:
		return "normal"
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, msg threshold.Notification) {
	payload := webhookPayload{
		Title:     msg.Title,
		Body:      msg.Body,
		Urgency:   urgencyName(msg.Urgency),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := n.post(ctx, n.cfg.Webhook, payload); err != nil {
		n.logger.Warn("notify: webhook failed", "url", n.cfg.Webhook, "err", err)
	}
}

type ntfyPayload struct {
	Topic    string   `json:"topic,omitempty"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(ctx context.Context, msg threshold.Notification) {
	payload := ntfyPayload{
		Title:    msg.Title,
		Message:  msg.Body,
		Priority: 3,
		Tags:     []string{"bar_chart"},
	}
	if msg.Urgency == threshold.UrgencyCritical {
		payload.Priority = 5
		payload.Tags = []string{"rotating_light"}
	}
	if err := n.post(ctx, n.cfg.NtfyURL, payload); err != nil {
		n.logger.Warn("notify: ntfy failed", "url", n.cfg.NtfyURL, "err", err)
	}
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
