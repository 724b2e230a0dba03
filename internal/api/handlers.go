/**
 * @description
 * HTTP handlers for the loyalty-service. Terminal traffic reaches earn, redeem and
 * the balance reads; administrators manage accounts, settings and maintenance jobs.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/loyalty-service/internal/app"
	"github.com/transfa/loyalty-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

// LedgerService is the application surface the handlers use.
type LedgerService interface {
	Earn(ctx context.Context, req app.EarnRequest) (*app.EarnResult, error)
	Redeem(ctx context.Context, req app.RedeemRequest) (*app.RedeemResult, error)
	AvailableBalance(ctx context.Context, accountID uuid.UUID) (*app.BalanceView, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TransactionRecord, error)
	AdjustBalance(ctx context.Context, accountID uuid.UUID, delta int64, reason, actor string) (*app.AdjustResult, error)
	OpenAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	CurrentSettings(ctx context.Context) domain.Settings
	UpdateSettings(ctx context.Context, settings domain.Settings) (*domain.Settings, error)
	RunExpirationSweep(ctx context.Context, dryRun bool) (*app.SweepResult, error)
	RunRetentionCleanup(ctx context.Context, dryRun bool) (*app.CleanupResult, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service        LedgerService
	logger         *slog.Logger
	duplicateRetry time.Duration
}

// NewHandler creates a new Handler. duplicateRetry is advertised in
// Retry-After when a request is rejected as a duplicate.
func NewHandler(service LedgerService, logger *slog.Logger, duplicateRetry time.Duration) *Handler {
	if duplicateRetry <= 0 {
		duplicateRetry = app.DefaultIdempotencyWindow
	}
	return &Handler{service: service, logger: logger, duplicateRetry: duplicateRetry}
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Limit     *int64 `json:"limit,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type openAccountRequest struct {
	AccountID uuid.UUID `json:"account_id"`
}

func (h *Handler) handleEarn(w http.ResponseWriter, r *http.Request) {
	var req app.EarnRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Earn(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "account_id", req.AccountID)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req app.RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Redeem(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "account_id", req.AccountID)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}

	view, err := h.service.AvailableBalance(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err, "account_id", accountID)
		return
	}

	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := h.service.ListTransactions(r.Context(), accountID, limit)
	if err != nil {
		h.writeError(w, err, "account_id", accountID)
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}

	respondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	account, err := h.service.OpenAccount(r.Context(), req.AccountID)
	if err != nil {
		h.writeError(w, err, "account_id", req.AccountID)
		return
	}

	respondWithJSON(w, http.StatusCreated, account)
}

func (h *Handler) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountID, ok := parseAccountID(w, r)
	if !ok {
		return
	}

	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.AdjustBalance(r.Context(), accountID, req.Delta, req.Reason, actor)
	if err != nil {
		h.writeError(w, err, "account_id", accountID, "actor", actor)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.service.CurrentSettings(r.Context()))
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.Settings
	if !h.decode(w, r, &settings) {
		return
	}

	updated, err := h.service.UpdateSettings(r.Context(), settings)
	if err != nil {
		h.writeError(w, err)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	h.logger.Info("settings changed via admin api", "actor", actor)
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleRunExpirationSweep(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := parseDryRun(w, r)
	if !ok {
		return
	}

	result, err := h.service.RunExpirationSweep(r.Context(), dryRun)
	if err != nil {
		h.writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := parseDryRun(w, r)
	if !ok {
		return
	}

	result, err := h.service.RunRetentionCleanup(r.Context(), dryRun)
	if err != nil {
		h.writeError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "invalid request body"})
		return false
	}
	return true
}

// writeError maps ledger errors to HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, err error, logArgs ...any) {
	var rule *app.RuleViolationError
	switch {
	case errors.As(err, &rule):
		limit, requested := rule.Limit, rule.Requested
		respondWithJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     errorCode(rule.Err),
			Message:   err.Error(),
			Limit:     &limit,
			Requested: &requested,
		})
	case errors.Is(err, app.ErrInvalidInput):
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: err.Error()})
	case errors.Is(err, app.ErrAccountNotFound), errors.Is(err, app.ErrStoreNotFound):
		respondWithJSON(w, http.StatusNotFound, errorResponse{Error: errorCode(err), Message: err.Error()})
	case errors.Is(err, app.ErrDuplicateOperation):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.duplicateRetry.Seconds())))
		respondWithJSON(w, http.StatusConflict, errorResponse{Error: "duplicate_operation", Message: "an identical request was just processed"})
	case errors.Is(err, app.ErrAccountInactive), errors.Is(err, app.ErrAccountExists), errors.Is(err, app.ErrConcurrencyConflict):
		respondWithJSON(w, http.StatusConflict, errorResponse{Error: errorCode(err), Message: err.Error()})
	default:
		h.logger.Error("ledger request failed", append(logArgs, "error", err)...)
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: "internal server error"})
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, app.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, app.ErrStoreNotFound):
		return "store_not_found"
	case errors.Is(err, app.ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, app.ErrAccountExists):
		return "account_exists"
	case errors.Is(err, app.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, app.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, app.ErrDiscountCapExceeded):
		return "discount_cap_exceeded"
	case errors.Is(err, app.ErrBelowMinimumRedemption):
		return "below_minimum_redemption"
	}
	return "error"
}

func parseAccountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "invalid account id"})
		return uuid.Nil, false
	}
	return accountID, true
}

func parseDryRun(w http.ResponseWriter, r *http.Request) (bool, bool) {
	raw := r.URL.Query().Get("dry_run")
	if raw == "" {
		return false, true
	}
	dryRun, err := strconv.ParseBool(raw)
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "dry_run must be a boolean"})
		return false, false
	}
	return dryRun, true
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
