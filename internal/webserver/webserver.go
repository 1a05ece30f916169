// Package webserver is the optional loopback status server. It exposes the
// current usage view for status bars and pushes poll events over SSE and
// WebSocket.
package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zsprackett/claude-usage-widget/internal/claudeusage"
	"github.com/zsprackett/claude-usage-widget/internal/db"
	"github.com/zsprackett/claude-usage-widget/internal/events"
	"github.com/zsprackett/claude-usage-widget/internal/presenter"
	"github.com/zsprackett/claude-usage-widget/internal/state"
)

type Config struct {
	Enabled bool
	Port    int
	Host    string
	Secret  string // HS256 key; empty disables auth
}

// StateSource is satisfied by *usagepoller.Poller.
type StateSource interface {
	State() state.State
}

// HistoryStore is satisfied by *db.DB.
type HistoryStore interface {
	GetUsageSnapshots(limit int) ([]db.UsageSnapshot, error)
}

const (
	defaultHistoryLimit = 48
	maxHistoryLimit     = 1000
	keepalive           = 30 * time.Second
)

type Server struct {
	source StateSource
	store  HistoryStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[chan events.Event]struct{}
	srv     *http.Server
	cancel  context.CancelFunc
}

// New returns a server. store may be nil when history is disabled.
func New(source StateSource, store HistoryStore, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		source:  source,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		clients: make(map[chan events.Event]struct{}),
	}
}

// Broadcast implements events.Broadcaster. Slow clients miss events rather
// than block the poll loop.
func (s *Server) Broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) addClient(ch chan events.Event) {
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(ch chan events.Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.cfg.Secret == "" {
		return mux
	}
	return jwtMiddleware(s.cfg.Secret, []string{"/healthz"}, mux)
}

// Start binds the listener and serves in the background. Bind errors are
// returned so a taken port is reported at startup.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.mu.Lock()
	s.srv = srv
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("status server listening", "addr", ln.Addr().String(), "auth", s.cfg.Secret != "")
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown stops a started server. Open SSE and WebSocket streams are ended
// by cancelling their request contexts first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	return srv.Shutdown(ctx)
}

type usageResponse struct {
	Status    string                `json:"status"`
	Stale     bool                  `json:"stale"`
	Failures  int                   `json:"failures"`
	Error     string                `json:"error,omitempty"`
	ErrorKind string                `json:"error_kind,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
	View      presenter.View        `json:"view"`
	Snapshot  *claudeusage.Snapshot `json:"snapshot"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	st := s.source.State()
	resp := usageResponse{
		Status:    st.StatusText(),
		Stale:     st.Stale,
		Failures:  st.Failures,
		UpdatedAt: st.UpdatedAt,
		View:      presenter.Render(st, s.now()),
		Snapshot:  st.Snapshot,
	}
	if st.LastErr != nil && st.Stale {
		resp.Error = st.LastErr.Error()
		resp.ErrorKind = st.LastErrKind.String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := defaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	rows, err := s.store.GetUsageSnapshots(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []db.UsageSnapshot{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"history": rows})
}

func (s *Server) hello(r *http.Request) events.Event {
	st := s.source.State()
	subject := subjectFrom(r.Context())
	s.logger.Debug("stream client connected", "path", r.URL.Path, "subject", subject)
	return events.Event{Type: events.TypeHello, Time: s.now(), Failures: st.Failures, Subject: subject}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}

	ch := make(chan events.Event, 16)
	s.addClient(ch)
	defer s.removeClient(ch)

	writeSSE(w, flusher, s.hello(r))

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, flusher, e)
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}
