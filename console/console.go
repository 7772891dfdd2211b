// Package console serves the debug HTTP port of a process: session state, the
// subscribed peers, the own entry and Prometheus metrics.
//
//	GET /status   session status, name, ids, snapshot state
//	GET /peers    entries matching the filter set
//	GET /mine     the own entry, 404 when not registered
//	GET /metrics  Prometheus exposition
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mini-s2s/errdefs"
	"mini-s2s/message"
	"mini-s2s/session"
)

// Source is the session state the console reports. *session.Client implements it.
type Source interface {
	Status() message.SessionStatus
	Name() string
	ServerID() int64
	GroupID() int32
	IsPullAllSub() bool
	Peers() []message.Meta
	GetMine() (message.Meta, error)
}

var _ Source = (*session.Client)(nil)

type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   chi.Router

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New builds the console for src. A nil gatherer exposes prometheus.DefaultGatherer.
func New(src Source, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{src: src, gatherer: gatherer, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.status)
	r.Get("/peers", s.peers)
	r.Get("/mine", s.mine)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler returns the console routes.
func (s *Server) Handler() http.Handler { return s.router }

// DefaultAddr listens on the port set with session.ConfigConsolePort, or an ephemeral
// port when none was set.
func DefaultAddr() string { return fmt.Sprintf(":%d", session.ConsolePort()) }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("%w: console already running", errdefs.ErrInvalidState)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("console listen %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("console stopped", zap.Error(err))
		}
	}()
	s.logger.Info("console listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the listening address, "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statusView struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Code      uint32 `json:"code"`
	ServerID  int64  `json:"server_id"`
	GroupID   int32  `json:"group_id"`
	PulledAll bool   `json:"pulled_all"`
}

type metaView struct {
	Name      string `json:"name"`
	ServerID  int64  `json:"server_id"`
	GroupID   int32  `json:"group_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

func viewOf(m message.Meta) metaView {
	return metaView{
		Name:      m.Name,
		ServerID:  m.ServerID,
		GroupID:   m.GroupID,
		Type:      m.Type.String(),
		Status:    m.Status.String(),
		Timestamp: m.Timestamp,
		Data:      m.Data,
	}
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	st := s.src.Status()
	s.write(w, http.StatusOK, statusView{
		Name:      s.src.Name(),
		Status:    st.String(),
		Code:      uint32(st),
		ServerID:  s.src.ServerID(),
		GroupID:   s.src.GroupID(),
		PulledAll: s.src.IsPullAllSub(),
	})
}

func (s *Server) peers(w http.ResponseWriter, _ *http.Request) {
	peers := s.src.Peers()
	out := make([]metaView, 0, len(peers))
	for _, m := range peers {
		out = append(out, viewOf(m))
	}
	s.write(w, http.StatusOK, out)
}

func (s *Server) mine(w http.ResponseWriter, _ *http.Request) {
	m, err := s.src.GetMine()
	if errors.Is(err, errdefs.ErrNotFound) {
		http.Error(w, "not registered", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.write(w, http.StatusOK, viewOf(m))
}

func (s *Server) write(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing console response", zap.Error(err))
	}
}
