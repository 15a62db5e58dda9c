/*
store.go - Persistence contract for ledger entries

PURPOSE:
  Defines the interface between the engine and the database. Three
  implementations share this contract: in-memory (ledger/store),
  SQLite (store/sqlite) and PostgreSQL (store/postgres).

MUTATION SURFACE:
  The contract is append-mostly. Exactly two writes exist:
  - Insert:         append one entry (credit or debit audit row)
  - UpdateConsumed: advance one accrual entry's consumed amount

  UpdateConsumed is CONDITIONAL: the caller supplies the consumed value
  it observed, and the store applies the update only if the stored value
  still matches. A mismatch means another writer got there first and
  must surface as ErrConcurrentModification. This is the optimistic
  discipline that makes the multi-row drawdown safe without row locks.

ORDERING CONTRACT:
  SpendableByUser and OverdueByUser return entries ordered by
  (ExpiresAt ASC, CreatedAt ASC, ID ASC). The deduction algorithm
  depends on this ordering for its earliest-expiry-first guarantee and
  for determinism under ties.

TRANSACTIONS:
  Every mutating operation runs inside WithTx. The Store passed to fn is
  scoped to that transaction; returning an error rolls everything back.
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence of ledger entries.
type Store interface {
	// Insert appends one entry and returns it with ID assigned by the
	// store. A zero CreatedAt is filled with the store's clock;
	// operations pass their own reference time.
	Insert(ctx context.Context, e Entry) (Entry, error)

	// SpendableByUser returns the user's non-exhausted accrual entries
	// with ExpiresAt strictly after now, ordered by
	// (ExpiresAt, CreatedAt, ID) ascending.
	SpendableByUser(ctx context.Context, userID string, now time.Time) ([]Entry, error)

	// OverdueByUser returns the user's non-exhausted accrual entries
	// with ExpiresAt at or before now, same ordering.
	OverdueByUser(ctx context.Context, userID string, now time.Time) ([]Entry, error)

	// UpdateConsumed advances an accrual entry's consumed amount from
	// observed to next and sets the exhausted flag. Returns
	// ErrConcurrentModification if the stored consumed amount no longer
	// equals observed, ErrNotFound if the entry does not exist.
	UpdateConsumed(ctx context.Context, id EntryID, observed, next int64, exhausted bool) error

	// AggregateSpendable sums Remaining over the user's spendable
	// entries at the given instant.
	AggregateSpendable(ctx context.Context, userID string, now time.Time) (int64, error)

	// AggregateLifetime sums Remaining over the user's non-exhausted
	// accrual entries with no expiry filter. Display only.
	AggregateLifetime(ctx context.Context, userID string) (int64, error)

	// AggregateByReference sums Granted and Consumed over all accrual
	// entries tagged with the reference code.
	AggregateByReference(ctx context.Context, code string) (granted, consumed int64, err error)

	// History returns the user's entries of all kinds, newest first,
	// capped at limit.
	History(ctx context.Context, userID string, limit int) ([]Entry, error)

	// UsersWithOverdue returns up to limit distinct user IDs that have
	// at least one overdue entry, in ascending user-ID order, strictly
	// after the cursor (empty cursor starts from the beginning).
	UsersWithOverdue(ctx context.Context, now time.Time, afterUser string, limit int) ([]string, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error,
	// the transaction is rolled back; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
