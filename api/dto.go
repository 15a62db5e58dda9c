/*
dto.go - Request and response types for the ledger API

NAMING CONVENTION:
  - *Request: request body types from clients
  - *DTO:     response types returned to clients

Validation lives in the handlers and the ledger itself; DTOs are pure
data carriers.
*/
package api

import (
	"time"

	"github.com/warp/point-ledger/ledger"
)

// AccrueRequest is the body of POST /api/users/{id}/accruals.
type AccrueRequest struct {
	Amount         int64  `json:"amount"`
	ExpiryDays     int    `json:"expiry_days,omitempty"` // 0 = ledger default
	ReferenceGroup string `json:"reference_group,omitempty"`
	ReferenceCode  string `json:"reference_code,omitempty"`
	Note           string `json:"note,omitempty"`
}

// DeductRequest is the body of POST /api/users/{id}/deductions.
type DeductRequest struct {
	Amount         int64  `json:"amount"`
	ReferenceGroup string `json:"reference_group,omitempty"`
	ReferenceCode  string `json:"reference_code,omitempty"`
	Note           string `json:"note,omitempty"`
}

// SweepAllRequest is the body of POST /api/sweep.
type SweepAllRequest struct {
	PageSize int `json:"page_size,omitempty"` // 0 = server default
}

// EntryDTO represents one ledger entry in responses.
type EntryDTO struct {
	ID             int64  `json:"id"`
	UserID         string `json:"user_id"`
	Granted        int64  `json:"granted"`
	Consumed       int64  `json:"consumed"`
	Kind           string `json:"kind"`
	Exhausted      bool   `json:"exhausted"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	ReferenceGroup string `json:"reference_group,omitempty"`
	ReferenceCode  string `json:"reference_code,omitempty"`
	Note           string `json:"note,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// BalanceDTO is the response of GET /api/users/{id}/balance.
type BalanceDTO struct {
	UserID    string `json:"user_id"`
	Spendable int64  `json:"spendable"`
	Lifetime  int64  `json:"lifetime"`
}

// SweepDTO reports one user's sweep pass.
type SweepDTO struct {
	UserID    string `json:"user_id"`
	Reclaimed int64  `json:"reclaimed"`
	Entries   int    `json:"entries"`
}

// BatchSweepDTO reports a paginated all-users sweep.
type BatchSweepDTO struct {
	Users     int   `json:"users"`
	Reclaimed int64 `json:"reclaimed"`
	Entries   int   `json:"entries"`
}

// ReferenceDTO is the response of GET /api/references/{code}.
type ReferenceDTO struct {
	ReferenceCode string `json:"reference_code"`
	FullyConsumed bool   `json:"fully_consumed"`
}

// ErrorDTO is the uniform error body.
type ErrorDTO struct {
	Error string `json:"error"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:             int64(e.ID),
		UserID:         e.UserID,
		Granted:        e.Granted,
		Consumed:       e.Consumed,
		Kind:           string(e.Kind),
		Exhausted:      e.Exhausted,
		ReferenceGroup: e.ReferenceGroup,
		ReferenceCode:  e.ReferenceCode,
		Note:           e.Note,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.ExpiresAt != nil {
		dto.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return dto
}
