// Package server is the ops HTTP surface: health, engine status, positions,
// Prometheus metrics, the event WebSocket and an authenticated order cancel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/server/middleware"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
	"github.com/alanyoungcy/arbengine/internal/store/postgres"
)

const maxAuditLimit = 500

// AuditLister lists journaled audit entries. *postgres.AuditStore
// implements it.
type AuditLister interface {
	List(ctx context.Context, q postgres.AuditQuery) ([]postgres.AuditEntry, error)
}

// OrderCanceller cancels an in-flight order. *executor.Engine implements it.
type OrderCanceller interface {
	Cancel(orderID string) bool
}

// Config holds the HTTP server configuration.
type Config struct {
	Addr   string
	APIKey string // if empty, authentication is disabled
	// Audit serves GET /api/audit when set.
	Audit AuditLister
	// Orders serves POST /api/orders/{id}/cancel when set. The route is only
	// registered behind an API key.
	Orders OrderCanceller
}

// Status is the engine snapshot served at /api/status.
type Status struct {
	Mode      string         `json:"mode"`
	Strategy  string         `json:"strategy"`
	StartedAt time.Time      `json:"started_at"`
	Symbols   []SymbolStatus `json:"symbols"`
	Executor  executor.Stats `json:"executor"`
}

// SymbolStatus is one symbol's view.
type SymbolStatus struct {
	Symbol   string            `json:"symbol"`
	Risk     domain.RiskState  `json:"risk"`
	Exposure domain.Exposure   `json:"exposure"`
	Feed     feed.MailboxStats `json:"feed"`
}

// StatusFunc produces a fresh Status.
type StatusFunc func() Status

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	status     StatusFunc
	audit      AuditLister
	orders     OrderCanceller
	logger     *slog.Logger
}

// NewServer registers the routes. metrics and hub may be nil.
func NewServer(cfg Config, status StatusFunc, metrics http.Handler, hub *ws.Hub, logger *slog.Logger) *Server {
	s := &Server{status: status, audit: cfg.Audit, orders: cfg.Orders, logger: logger.With(slog.String("component", "server"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/positions", s.positions)
	mux.HandleFunc("GET /api/risk/{symbol}", s.risk)
	if cfg.Audit != nil {
		mux.HandleFunc("GET /api/audit", s.listAudit)
	}
	if cfg.Orders != nil && cfg.APIKey != "" {
		mux.HandleFunc("POST /api/orders/{id}/cancel", s.cancelOrder)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	open := middleware.NewPaths("/api/health", "/metrics")
	h := middleware.Chain(mux,
		middleware.Recover(s.logger),
		middleware.Logging(s.logger, open),
		middleware.Auth(cfg.APIKey, open),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.logger.Info("server starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// getStatus reports 503 while any symbol is halted so load balancers and
// probes notice.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	code := http.StatusOK
	for _, sym := range st.Symbols {
		if sym.Risk.Mode == domain.RiskModeHalted {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, st)
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	out := make([]domain.Exposure, 0, len(st.Symbols))
	for _, sym := range st.Symbols {
		out = append(out, sym.Exposure)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

func (s *Server) risk(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	for _, sym := range s.status().Symbols {
		if sym.Symbol == symbol {
			writeJSON(w, http.StatusOK, sym.Risk)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown symbol")
}

// listAudit serves GET /api/audit?symbol=&since=&limit=. since is RFC 3339.
func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := postgres.AuditQuery{Symbol: r.URL.Query().Get("symbol"), Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = min(n, maxAuditLimit)
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		q.Since = &since
	}

	entries, err := s.audit.List(r.Context(), q)
	if err != nil {
		s.logger.Error("audit list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "audit unavailable")
		return
	}
	if entries == nil {
		entries = []postgres.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// cancelOrder asks the executor to cancel and reconcile one open order. The
// final state arrives through the usual order events.
func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.orders.Cancel(id) {
		writeError(w, http.StatusNotFound, "order not in flight")
		return
	}
	s.logger.Warn("order cancel requested", slog.String("order_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id, "status": "cancelling"})
}

// writeJSON marshals v as JSON and writes it with the given status code. If
// marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
