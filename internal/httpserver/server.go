package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pikopay/internal/memo"
	"pikopay/internal/metrics"
	"pikopay/internal/repo"
	"pikopay/internal/settle"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Repository repo.Repository
	Settler    *settle.Engine
}

// Server wraps an http.Server with health, metrics and admin routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies) *Server {
	server := &Server{
		logger:  logger.With("component", "http"),
		metrics: metricRegistry,
		deps:    deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/settle/run", server.handleRunSettlement)
	mux.HandleFunc("/admin/deposits", server.handleGetDeposit)
	mux.HandleFunc("/admin/deposits/amount", server.handleSetAmount)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.deps.Repository.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleRunSettlement triggers a settlement run out of schedule. The run
// itself enforces the single-active-run guard, so a trigger during an
// in-flight run is reported as skipped.
func (s *Server) handleRunSettlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Settler == nil {
		http.Error(w, "settlement engine unavailable", http.StatusServiceUnavailable)
		return
	}

	started, err := s.deps.Settler.TriggerNow(r.Context())
	if !started {
		writeJSONStatus(w, http.StatusConflict, map[string]string{"status": "skipped"})
		return
	}
	if err != nil {
		s.metrics.Errors.WithLabelValues("http").Inc()
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, map[string]string{"status": "completed"})
}

type depositView struct {
	ID               string     `json:"id"`
	OwnerRef         string     `json:"owner_ref"`
	RecipientAddress string     `json:"recipient_address"`
	Amount           int64      `json:"amount"`
	Memo             string     `json:"memo"`
	Status           string     `json:"status"`
	Attempts         int        `json:"attempts"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

func viewOf(dep *repo.Deposit) depositView {
	return depositView{
		ID:               dep.ID,
		OwnerRef:         dep.OwnerRef,
		RecipientAddress: dep.RecipientAddress,
		Amount:           dep.Amount,
		Memo:             dep.Memo,
		Status:           dep.Status,
		Attempts:         dep.Attempts,
		FailureReason:    dep.FailureReason,
		CreatedAt:        dep.CreatedAt,
		ProcessedAt:      dep.ProcessedAt,
	}
}

// handleGetDeposit looks a deposit up by its correlation memo, the handle
// operators have when matching an incoming transfer to an intent.
func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m := r.URL.Query().Get("memo")
	if m == "" {
		http.Error(w, "memo query parameter is required", http.StatusBadRequest)
		return
	}
	if _, _, err := memo.Parse(m); err != nil {
		http.Error(w, "malformed memo", http.StatusBadRequest)
		return
	}

	dep, err := s.deps.Repository.GetDepositByMemo(r.Context(), m)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "no deposit with that memo", http.StatusNotFound)
			return
		}
		s.logger.Error("failed looking up deposit", "memo", m, "error", err)
		s.metrics.Errors.WithLabelValues("http").Inc()
		http.Error(w, "failed looking up deposit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, viewOf(dep))
}

// handleSetAmount credits a pending deposit intent with the amount to
// disburse. This is the operational hook that makes an intent eligible
// for the next settlement batch. The intent is addressed by id or, since
// operators read the memo off the incoming transfer, by memo.
func (s *Server) handleSetAmount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID     string `json:"id"`
		Memo   string `json:"memo"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if (req.ID == "" && req.Memo == "") || req.Amount <= 0 {
		http.Error(w, "id or memo, and a positive amount, are required", http.StatusBadRequest)
		return
	}

	if req.ID == "" {
		dep, err := s.deps.Repository.GetDepositByMemo(r.Context(), req.Memo)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				http.Error(w, "no deposit with that memo", http.StatusNotFound)
				return
			}
			s.logger.Error("failed resolving memo", "memo", req.Memo, "error", err)
			s.metrics.Errors.WithLabelValues("http").Inc()
			http.Error(w, "failed resolving memo", http.StatusInternalServerError)
			return
		}
		req.ID = dep.ID
	}

	if err := s.deps.Repository.SetAmount(r.Context(), req.ID, req.Amount); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "no pending deposit with that id", http.StatusNotFound)
			return
		}
		s.logger.Error("failed setting deposit amount", "id", req.ID, "error", err)
		s.metrics.Errors.WithLabelValues("http").Inc()
		http.Error(w, "failed setting amount", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"status": "ok", "id": req.ID, "amount": req.Amount})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}
