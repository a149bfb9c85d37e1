package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gregtusar/arbai/pkg/models"
	"github.com/gregtusar/arbai/pkg/store"
	"github.com/gregtusar/arbai/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Server struct {
	agent       *trader.Agent
	intents     *trader.Intents
	executor    *trader.Executor
	store       *store.Store
	logger      *logrus.Logger
	port        string
	defaultUser string
	httpServer  *http.Server
}

func NewServer(
	agent *trader.Agent,
	intents *trader.Intents,
	executor *trader.Executor,
	st *store.Store,
	logger *logrus.Logger,
	port string,
	defaultUser string,
) *Server {
	return &Server{
		agent:       agent,
		intents:     intents,
		executor:    executor,
		store:       st,
		logger:      logger,
		port:        port,
		defaultUser: defaultUser,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/opportunities", s.handleOpportunities)
	mux.HandleFunc("GET /api/opportunities/stream", s.handleStream)
	mux.HandleFunc("GET /api/intents", s.handleListIntents)
	mux.HandleFunc("POST /api/intents", s.handleCreateIntent)
	mux.HandleFunc("POST /api/intents/{id}/pause", s.handleSetStatus(models.IntentStatusPaused))
	mux.HandleFunc("POST /api/intents/{id}/resume", s.handleSetStatus(models.IntentStatusActive))
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("POST /api/executions", s.handleExecute)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/signature", s.handleStoreSignature)
	mux.HandleFunc("GET /api/executions/{id}/signature", s.handleVerifySignature)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /api/profit", s.handleProfit)
	mux.HandleFunc("GET /api/advisory/history", s.handleAdvisoryHistory)
	mux.HandleFunc("GET /api/store/export", s.handleExport)
	mux.HandleFunc("POST /api/store/import", s.handleImport)
	mux.HandleFunc("DELETE /api/store", s.handleClear)

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %s", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// user resolves the caller's account: ?user=, then X-User, then the
// configured default.
func (s *Server) user(r *http.Request) string {
	if u := r.URL.Query().Get("user"); u != "" {
		return u
	}
	if u := r.Header.Get("X-User"); u != "" {
		return u
	}
	return s.defaultUser
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":       "healthy",
		"timestamp":    time.Now().UTC(),
		"agentRunning": s.agent.Running(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		s.agent.Scan(r.Context())
	}

	opps, scannedAt := s.agent.Opportunities()
	response := map[string]interface{}{
		"opportunities": opps,
	}
	if !scannedAt.IsZero() {
		response["scannedAt"] = scannedAt.UnixMilli()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	intents, provenance, err := s.intents.List(r.Context(), s.user(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"intents":    intents,
		"provenance": provenance,
	})
}

type createIntentRequest struct {
	SymbolPair         string          `json:"symbolPair"`
	MinProfitThreshold decimal.Decimal `json:"minProfitThresholdPercent"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	intent, err := s.intents.Create(r.Context(), s.user(r), req.SymbolPair, req.MinProfitThreshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleSetStatus(status models.IntentStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var (
			intent models.Intent
			err    error
		)
		if status == models.IntentStatusPaused {
			intent, err = s.intents.Pause(r.Context(), s.user(r), id)
		} else {
			intent, err = s.intents.Resume(r.Context(), s.user(r), id)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, intent)
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, provenance, err := s.intents.Executions(r.Context(), s.user(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"provenance": provenance,
	})
}

// executeRequest executes at explicit prices when both are given, otherwise
// at the latest ranked opportunity for the intent's pair.
type executeRequest struct {
	IntentID    string           `json:"intentId"`
	VenueAPrice *decimal.Decimal `json:"venueAPrice,omitempty"`
	VenueBPrice *decimal.Decimal `json:"venueBPrice,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.IntentID == "" {
		s.writeError(w, &models.ValidationError{Field: "intentId", Reason: "must not be empty"})
		return
	}

	user := s.user(r)
	var (
		result models.ExecutionResult
		err    error
	)
	if req.VenueAPrice != nil && req.VenueBPrice != nil {
		result, err = s.executor.Execute(r.Context(), user, req.IntentID, *req.VenueAPrice, *req.VenueBPrice)
	} else {
		var intent models.Intent
		intent, err = s.store.GetIntent(r.Context(), req.IntentID)
		if err == nil {
			result, err = s.agent.ExecuteOpportunity(r.Context(), user, req.IntentID, intent.SymbolPair)
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, provenance, err := s.intents.Execution(r.Context(), s.user(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution":  exec,
		"provenance": provenance,
	})
}

type signatureRequest struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
	ChainID   uint64 `json:"chainId"`
	Nonce     uint64 `json:"nonce"`
}

func (s *Server) handleStoreSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &models.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	rec, provenance, err := s.intents.StoreSignature(r.Context(), s.user(r), models.SignatureRecord{
		ExecutionID: r.PathValue("id"),
		Signature:   req.Signature,
		PublicKey:   req.PublicKey,
		ChainID:     req.ChainID,
		Nonce:       req.Nonce,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"signature":  rec,
		"provenance": provenance,
	})
}

func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	check, err := s.intents.VerifySignature(r.Context(), s.user(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.intents.Info(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleProfit(w http.ResponseWriter, r *http.Request) {
	user := s.user(r)
	total, provenance, err := s.intents.TotalProfit(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":        user,
		"totalProfit": total,
		"provenance":  provenance,
	})
}

func (s *Server) handleAdvisoryHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agent.AdvisoryHistory())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Export(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="arbai-%d.json"`, snap.ExportedAt))
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ImportFrom(r.Context(), r.Body); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		s.writeError(w, &models.ValidationError{Field: "confirm", Reason: "clearing the store requires confirm=true"})
		return
	}
	if err := s.store.ClearAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Warn("Store cleared via API")
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIntentNotFound),
		errors.Is(err, models.ErrExecutionNotFound),
		errors.Is(err, models.ErrSignatureNotFound),
		errors.Is(err, trader.ErrOpportunityNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrIntentAlreadyExecuting),
		errors.Is(err, models.ErrDuplicateRecord),
		errors.Is(err, trader.ErrLowConfidence):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
