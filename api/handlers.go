/*
handlers.go - HTTP handlers for the ledger operations

PURPOSE:
  Exposes the ledger operation set over REST. Handlers parse and
  validate the HTTP shape of a request, delegate to the ledger service,
  and map error kinds to status codes. All accounting rules live in the
  ledger package.

ENDPOINTS:
  POST /api/users/{id}/accruals    accrue points
  POST /api/users/{id}/deductions  spend points (all-or-nothing)
  POST /api/users/{id}/sweep       expire one user's overdue balance
  POST /api/sweep                  expire all users' overdue balance
  GET  /api/users/{id}/balance     spendable + lifetime balance
  GET  /api/users/{id}/history     entry history, newest first
  GET  /api/references/{code}      usability-by-reference check

ERROR MAPPING:
  400  invalid argument
  404  not found
  409  insufficient balance, concurrent-modification retries exhausted
  500  storage failures and everything else
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/point-ledger/ledger"
)

const (
	defaultHistoryLimit  = 50
	defaultSweepPageSize = 100
)

// Handler holds the dependencies of the HTTP layer.
type Handler struct {
	Ledger *ledger.Service
	Log    *zap.Logger
}

// NewHandler creates a handler over the given ledger service.
func NewHandler(svc *ledger.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Ledger: svc, Log: log}
}

// =============================================================================
// MUTATING HANDLERS
// =============================================================================

// Accrue handles POST /api/users/{id}/accruals.
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	var req AccrueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExpiryDays < 0 {
		writeError(w, http.StatusBadRequest, "expiry_days must not be negative")
		return
	}

	entry, err := h.Ledger.Accrue(r.Context(), ledger.AccrualInput{
		UserID:         chi.URLParam(r, "id"),
		Amount:         req.Amount,
		Expiry:         time.Duration(req.ExpiryDays) * 24 * time.Hour,
		ReferenceGroup: req.ReferenceGroup,
		ReferenceCode:  req.ReferenceCode,
		Note:           req.Note,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Deduct handles POST /api/users/{id}/deductions.
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := h.Ledger.Deduct(r.Context(), ledger.DeductionInput{
		UserID:         chi.URLParam(r, "id"),
		Amount:         req.Amount,
		ReferenceGroup: req.ReferenceGroup,
		ReferenceCode:  req.ReferenceCode,
		Note:           req.Note,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// SweepUser handles POST /api/users/{id}/sweep.
func (h *Handler) SweepUser(w http.ResponseWriter, r *http.Request) {
	res, err := h.Ledger.SweepUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{
		UserID:    res.UserID,
		Reclaimed: res.Reclaimed,
		Entries:   res.Entries,
	})
}

// SweepAll handles POST /api/sweep.
func (h *Handler) SweepAll(w http.ResponseWriter, r *http.Request) {
	var req SweepAllRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.PageSize == 0 {
		req.PageSize = defaultSweepPageSize
	}

	res, err := h.Ledger.SweepAll(r.Context(), req.PageSize)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchSweepDTO{
		Users:     res.Users,
		Reclaimed: res.Reclaimed,
		Entries:   res.Entries,
	})
}

// =============================================================================
// QUERY HANDLERS
// =============================================================================

// Balance handles GET /api/users/{id}/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	spendable, err := h.Ledger.SpendableBalance(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	lifetime, err := h.Ledger.LifetimeBalance(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:    userID,
		Spendable: spendable,
		Lifetime:  lifetime,
	})
}

// History handles GET /api/users/{id}/history?limit=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.Ledger.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reference handles GET /api/references/{code}.
func (h *Handler) Reference(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	consumed, err := h.Ledger.IsReferenceFullyConsumed(r.Context(), code)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReferenceDTO{
		ReferenceCode: code,
		FullyConsumed: consumed,
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrConcurrentModification):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.Log.Error("ledger operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorDTO{Error: msg})
}
