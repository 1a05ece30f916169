package claudeusage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	usagePath      = "/api/oauth/usage"
	betaFlag       = "oauth-2025-04-20"

	// RequestTimeout bounds a single fetch so shutdown never waits on the
	// network for long.
	RequestTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// Client fetches usage from the Claude OAuth usage endpoint.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	now       func() time.Time
}

// NewClient returns a Client for baseURL. An empty baseURL selects the
// production API.
func NewClient(baseURL, version string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: "claude-usage-widget/" + version,
		http:      &http.Client{Timeout: RequestTimeout},
		now:       time.Now,
	}
}

// SetNow replaces the time source. Used in tests only.
func (c *Client) SetNow(fn func() time.Time) {
	c.now = fn
}

// FetchUsage issues one GET and returns the parsed snapshot. Every error is a
// *FetchError. There are no retries here.
func (c *Client) FetchUsage(ctx context.Context, token string) (*Snapshot, error) {
	if token == "" {
		return nil, fetchErr(KindUnauthorized, 0, ErrNoToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+usagePath, nil)
	if err != nil {
		return nil, fetchErr(KindUnreachable, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("anthropic-beta", betaFlag)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fetchErr(KindUnreachable, 0, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fetchErr(KindUnreachable, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fetchErr(KindUnauthorized, resp.StatusCode, errors.New(snippet(body)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fetchErr(KindServerError, resp.StatusCode, errors.New(snippet(body)))
	}

	snap, err := parseUsage(body)
	if err != nil {
		return nil, fetchErr(KindMalformedResponse, resp.StatusCode, err)
	}
	snap.FetchedAt = c.now()
	return snap, nil
}

func parseUsage(body []byte) (*Snapshot, error) {
	var raw usageResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	fiveHour, err := parseWindow("five_hour", raw.FiveHour)
	if err != nil {
		return nil, err
	}
	sevenDay, err := parseWindow("seven_day", raw.SevenDay)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		FiveHour: fiveHour,
		SevenDay: sevenDay,
		Extra:    parseExtra(raw.ExtraUsage),
		Valid:    true,
	}, nil
}

func parseWindow(name string, w *windowUsage) (Window, error) {
	if w == nil {
		return Window{}, fmt.Errorf("missing %s", name)
	}
	if w.Utilization == nil {
		return Window{}, fmt.Errorf("missing %s.utilization", name)
	}
	if len(w.ResetsAt) == 0 {
		return Window{}, fmt.Errorf("missing %s.resets_at", name)
	}
	resetsAt, err := parseResetsAt(w.ResetsAt)
	if err != nil {
		return Window{}, fmt.Errorf("%s.resets_at: %w", name, err)
	}
	return Window{
		Utilization: NormalizeFraction(*w.Utilization),
		ResetsAt:    resetsAt,
	}, nil
}

// parseResetsAt accepts an RFC 3339 timestamp with optional fractional
// seconds, or JSON null which yields the zero time.
func parseResetsAt(raw json.RawMessage) (time.Time, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func parseExtra(e *extraUsage) *ExtraUsage {
	if e == nil {
		return nil
	}
	out := &ExtraUsage{}
	switch {
	case e.Enabled != nil:
		out.Enabled = *e.Enabled
	case e.IsEnabled != nil:
		out.Enabled = *e.IsEnabled
	}
	switch {
	case e.Used != nil:
		out.Used = *e.Used
	case e.UsedCredits != nil:
		out.Used = *e.UsedCredits / 100
	}
	switch {
	case e.Limit != nil:
		out.Limit = *e.Limit
	case e.MonthlyLimit != nil:
		out.Limit = *e.MonthlyLimit / 100
	}
	return out
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
