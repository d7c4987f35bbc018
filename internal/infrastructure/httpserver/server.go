package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"InboxDigest/internal/domain"
)

// Store is the slice of the repository the server reports on.
type Store interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (domain.RepositoryStats, error)
}

// Server exposes /metrics, /healthz and /status for scraping and health checks.
type Server struct {
	store  Store
	logger *slog.Logger
	server *http.Server
	ln     net.Listener
}

func New(addr string, store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, logger: logger}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the chi mux with every route registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	return r
}

// Start binds the listener and serves in the background. Bind errors are returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once Start returned.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.server.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

type statusView struct {
	Items      map[string]int `json:"items"`
	Digests    int            `json:"digests"`
	LastDigest *digestView    `json:"last_digest,omitempty"`
}

type digestView struct {
	ID          int64     `json:"id"`
	SentAt      time.Time `json:"sent_at"`
	ItemCount   int       `json:"item_count"`
	UrgentCount int       `json:"urgent_count"`
	Status      string    `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("status query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}

	view := statusView{Items: make(map[string]int, len(stats.ItemsByStatus)), Digests: stats.Digests}
	for status, n := range stats.ItemsByStatus {
		view.Items[string(status)] = n
	}
	if d := stats.LastDigest; d != nil {
		view.LastDigest = &digestView{
			ID:          d.ID,
			SentAt:      d.SentAt,
			ItemCount:   d.ItemCount,
			UrgentCount: d.UrgentCount,
			Status:      string(d.Status),
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
