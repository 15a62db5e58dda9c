/*
Package ledger implements the point ledger: a per-user accrual /
consumption / expiration accounting engine.

PURPOSE:
  Tracks a redeemable point balance per user as a set of ledger entries
  rather than a single mutable counter. Each credit carries its own
  expiry horizon, so the engine can spend earliest-expiring points first
  and reclaim residual balance from grants that lapse unused.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: one persisted ledger row (credit or debit audit record)
  - Kind: accrual (credit) vs deduction/expiration (debit audit rows)
  - AccrualInput / DeductionInput: operation parameters
  - SweepResult: outcome of an expiration sweep pass

DESIGN PRINCIPLES:
  1. Multi-bucket balance: available balance is always derived by
     aggregating accrual entries; there is no cached scalar to drift.
  2. Append-mostly history: credit entries are only ever advanced
     (consumed incremented, exhausted flipped); debit rows are immutable
     once written; nothing is ever deleted.
  3. Integer amounts: points are whole int64 values end to end.
     Fractional arithmetic exists only in the policy package, where
     earn rates are applied before an amount reaches this engine.

SEE ALSO:
  - service.go: the operations (Accrue, Deduct, Sweep, queries)
  - store.go: persistence contract
  - errors.go: error taxonomy
*/
package ledger

import "time"

// =============================================================================
// ENTRY - The only persisted entity
// =============================================================================

// EntryID is the surrogate key assigned by the store on insert.
// IDs are monotonically increasing per store and double as the final
// tie-breaker in the drawdown ordering.
type EntryID int64

// Kind distinguishes credit entries from the two kinds of debit record.
type Kind string

const (
	// KindAccrual is a credit: points granted with an expiry horizon.
	KindAccrual Kind = "accrual"

	// KindDeduction is the audit record written by a successful
	// deduction. Immutable once written.
	KindDeduction Kind = "deduction"

	// KindExpiration is the audit record written by an expiration sweep
	// pass, summarizing the residual reclaimed for one user.
	KindExpiration Kind = "expiration"
)

// Entry is one ledger row.
//
// INVARIANTS (enforced by every mutation):
//   - Consumed <= Granted, always.
//   - Exhausted == (Consumed == Granted) for accrual entries.
//   - Debit rows store Granted == Consumed == the audit amount and are
//     never mutated after insert.
//   - Consumed never decreases. Refunds are modeled as new accruals by
//     the caller, not as edits to history.
type Entry struct {
	ID       EntryID
	UserID   string
	Granted  int64
	Consumed int64
	Kind     Kind

	// Exhausted is true once the entry has no remaining balance.
	// Always true for debit rows.
	Exhausted bool

	// ExpiresAt is the horizon after which the remaining balance is no
	// longer spendable. Nil for debit rows.
	ExpiresAt *time.Time

	// ReferenceGroup and ReferenceCode are opaque caller-supplied tags,
	// used only by the usability-by-reference query. The engine never
	// interprets their contents.
	ReferenceGroup string
	ReferenceCode  string

	// Note is a free-text audit annotation.
	Note string

	CreatedAt time.Time
}

// Remaining returns the unconsumed balance of an accrual entry.
func (e Entry) Remaining() int64 {
	return e.Granted - e.Consumed
}

// Spendable reports whether the entry still holds balance usable at the
// given instant. An entry expiring exactly now is already expired.
func (e Entry) Spendable(now time.Time) bool {
	if e.Kind != KindAccrual || e.Exhausted {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// Overdue reports whether the entry holds residual balance past its
// expiry, i.e. it is a candidate for the expiration sweep.
func (e Entry) Overdue(now time.Time) bool {
	if e.Kind != KindAccrual || e.Exhausted || e.ExpiresAt == nil {
		return false
	}
	return !e.ExpiresAt.After(now)
}

// =============================================================================
// OPERATION INPUTS
// =============================================================================

// DefaultExpiry is the accrual horizon used when the caller does not
// override it.
const DefaultExpiry = 365 * 24 * time.Hour

// AccrualInput describes one credit to append.
type AccrualInput struct {
	UserID string
	Amount int64

	// Expiry is the horizon from "now"; zero means DefaultExpiry.
	Expiry time.Duration

	ReferenceGroup string
	ReferenceCode  string
	Note           string
}

// DeductionInput describes one spend against a user's balance.
type DeductionInput struct {
	UserID string
	Amount int64

	ReferenceGroup string
	ReferenceCode  string
	Note           string
}

// =============================================================================
// SWEEP RESULT
// =============================================================================

// SweepResult summarizes one expiration sweep pass for one user.
// A pass that found nothing overdue has Reclaimed == 0 and Entries == 0
// and wrote no audit row.
type SweepResult struct {
	UserID    string
	Reclaimed int64 // total residual converted to expired
	Entries   int   // overdue entries closed in this pass
}

// BatchSweepResult aggregates a paginated sweep across all users with
// overdue entries.
type BatchSweepResult struct {
	Users     int
	Reclaimed int64
	Entries   int
}
