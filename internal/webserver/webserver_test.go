package webserver_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/db"
	"github.com/zsprackett/claude-usage-widget/internal/events"
	"github.com/zsprackett/claude-usage-widget/internal/state"
	"github.com/zsprackett/claude-usage-widget/internal/webserver"
)

type fixedSource struct {
	mu sync.Mutex
	st state.State
}

func (f *fixedSource) State() state.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func connectedSource() *fixedSource {
	now := time.Now()
	return &fixedSource{st: state.State{
		HasToken: true,
		Snapshot: &claudeusage.Snapshot{
			FiveHour:  claudeusage.Window{Utilization: 0.42, ResetsAt: now.Add(75 * time.Minute)},
			SevenDay:  claudeusage.Window{Utilization: 0.18, ResetsAt: now.Add(96 * time.Hour)},
			FetchedAt: now,
			Valid:     true,
		},
		UpdatedAt: now,
	}}
}

func newStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	store.Migrate()
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUsageEndpoint(t *testing.T) {
	srv := webserver.New(connectedSource(), nil, webserver.Config{}, nil)
	req := httptest.NewRequest("GET", "/api/usage", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Status string `json:"status"`
		View   struct {
			Label string   `json:"label"`
			Tier  string   `json:"tier"`
			Menu  []string `json:"menu"`
		} `json:"view"`
		Snapshot struct {
			FiveHour struct {
				Utilization float64 `json:"utilization"`
			} `json:"five_hour"`
		} `json:"snapshot"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "Connected" || resp.View.Label != "42%" || resp.View.Tier != "green" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.View.Menu) != 2 || !strings.HasPrefix(resp.View.Menu[0], "5h: 42%") {
		t.Errorf("menu: %q", resp.View.Menu)
	}
	if resp.Snapshot.FiveHour.Utilization != 0.42 {
		t.Errorf("snapshot: %+v", resp.Snapshot)
	}
}

func TestUsageEndpoint_Stale(t *testing.T) {
	src := connectedSource()
	src.st = src.st.Fail(&claudeusage.FetchError{Kind: claudeusage.KindServerError, Status: 503, Err: errors.New("unavailable")}, time.Now())

	srv := webserver.New(src, nil, webserver.Config{}, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/usage", nil))

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["stale"] != true || resp["error_kind"] != "server_error" || resp["failures"] != float64(1) {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	store := newStore(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		store.InsertUsageSnapshot(db.UsageSnapshot{
			TickID:       "t",
			TsMs:         base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			FiveHourUtil: float64(i) / 10,
		})
	}
	srv := webserver.New(connectedSource(), store, webserver.Config{}, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/history?limit=3", nil))
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		History []db.UsageSnapshot `json:"history"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.History) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(resp.History))
	}
	if resp.History[0].FiveHourUtil != 0.4 {
		t.Errorf("expected newest first, got %+v", resp.History[0])
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/history?limit=abc", nil))
	if w.Code != 400 {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestHistoryEndpoint_Disabled(t *testing.T) {
	srv := webserver.New(connectedSource(), nil, webserver.Config{}, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/history", nil))
	if w.Code != 404 {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := webserver.New(connectedSource(), nil, webserver.Config{Secret: "s3cret"}, nil)
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/usage", nil))
	if w.Code != 401 {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 200 {
		t.Errorf("healthz should be public, got %d", w.Code)
	}

	token, _ := webserver.IssueAccessToken("s3cret", "test", time.Hour)
	req := httptest.NewRequest("GET", "/api/usage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("bearer token: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/usage?token="+token, nil))
	if w.Code != 200 {
		t.Errorf("query token: expected 200, got %d", w.Code)
	}

	bad, _ := webserver.IssueAccessToken("other", "test", time.Hour)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/usage?token="+bad, nil))
	if w.Code != 401 {
		t.Errorf("wrong secret: expected 401, got %d", w.Code)
	}
}

func TestSSEStream(t *testing.T) {
	srv := webserver.New(connectedSource(), nil, webserver.Config{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if l := sc.Text(); strings.HasPrefix(l, "data: ") {
				lines <- strings.TrimPrefix(l, "data: ")
			}
		}
		close(lines)
	}()

	next := func() events.Event {
		t.Helper()
		select {
		case l := <-lines:
			var e events.Event
			if err := json.Unmarshal([]byte(l), &e); err != nil {
				t.Fatalf("bad event %q: %v", l, err)
			}
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return events.Event{}
	}

	if e := next(); e.Type != events.TypeHello {
		t.Fatalf("first event: %+v", e)
	}
	srv.Broadcast(events.Event{Type: events.TypeUsageUpdated, TickID: "abc"})
	if e := next(); e.Type != events.TypeUsageUpdated || e.TickID != "abc" {
		t.Errorf("broadcast event: %+v", e)
	}
}

func TestWebSocketStream(t *testing.T) {
	srv := webserver.New(connectedSource(), nil, webserver.Config{}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello events.Event
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != events.TypeHello {
		t.Fatalf("hello: %+v %v", hello, err)
	}

	srv.Broadcast(events.Event{Type: events.TypeAlert, Window: "five_hour", Threshold: 90, Pct: 91})
	var alert events.Event
	if err := conn.ReadJSON(&alert); err != nil {
		t.Fatalf("read: %v", err)
	}
	if alert.Type != events.TypeAlert || alert.Threshold != 90 {
		t.Errorf("alert: %+v", alert)
	}
}

func TestWebSocketHelloCarriesSubject(t *testing.T) {
	srv := webserver.New(connectedSource(), nil, webserver.Config{Secret: "s3cret"}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	token, _ := webserver.IssueAccessToken("s3cret", "status-bar", 0)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello events.Event
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if hello.Type != events.TypeHello || hello.Subject != "status-bar" {
		t.Errorf("hello: %+v", hello)
	}
}

func TestStartDisabled(t *testing.T) {
	srv := webserver.New(connectedSource(), nil, webserver.Config{Enabled: false}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("disabled Start: %v", err)
	}
	if err := srv.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown of unstarted server: %v", err)
	}
}
