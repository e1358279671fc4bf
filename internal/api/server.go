package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"scribeq/internal/config"
	"scribeq/internal/dispatch"
	"scribeq/internal/ledger"
	"scribeq/internal/models"
	"scribeq/internal/ratelimit"
	"scribeq/internal/routing"
	"scribeq/internal/status"
	"scribeq/internal/store"
	"scribeq/internal/telemetry"
)

// Queue is the slice of the queue fabric the API touches directly.
type Queue interface {
	Cancel(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires the HTTP surface: submissions, status polling, balances, and
// the operational DLQ peek. Everything else happens in the workers.
type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	statuses   *status.Recorder
	store      *store.Store
	ledger     *ledger.Coordinator
	queue      Queue
	limiter    *ratelimit.TokenBucket
}

func New(cfg config.Config, d *dispatch.Dispatcher, st *store.Store, rec *status.Recorder, led *ledger.Coordinator, q Queue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		store:      st,
		statuses:   rec,
		ledger:     led,
		queue:      q,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Post("/users/{id}/register", s.handleRegister)
	r.Get("/users/{id}/balance", s.handleBalance)
	r.Get("/users/{id}/transactions", s.handleTransactions)
	r.Post("/users/{id}/credits", s.handleGrant)

	r.Get("/dlq", s.handleDLQ)
	return r
}

type submitRequest struct {
	Type    models.JobType `json:"type"`
	Payload map[string]any `json:"payload"`
	UserID  int64          `json:"user_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(r.Context(), req.UserID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	jobID, err := s.dispatcher.Submit(r.Context(), req.Type, req.Payload, req.UserID)
	if err != nil {
		var unknown routing.ErrUnknownJobType
		switch {
		case errors.As(err, &unknown):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ledger.ErrInsufficientCredits):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		case errors.Is(err, store.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.statuses.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancel cancels a job that has not started yet. Running jobs finish
// or fail on their own; terminal jobs cannot change.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelPending(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "job is not pending", http.StatusConflict)
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, "failed to remove queued job", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleRegister creates the balance row for a new user and applies the
// starting grant exactly once.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := s.store.EnsureUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if created && s.cfg.StartingGrant > 0 {
		if _, err := s.ledger.Grant(r.Context(), userID, s.cfg.StartingGrant, "registration_grant"); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	credits, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.UserBalance{UserID: userID, Credits: credits})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	credits, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.UserBalance{UserID: userID, Credits: credits})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := s.store.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

type grantRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	opType := "grant"
	if req.Reason != "" {
		opType = "grant:" + req.Reason
	}
	txn, err := s.ledger.Grant(r.Context(), userID, req.Amount, opType)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// handleDLQ returns dead-lettered job IDs for operational inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func userIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid user id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
