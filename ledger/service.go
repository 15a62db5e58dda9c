/*
service.go - The ledger operations

PURPOSE:
  Implements the operation set over the Store contract:

    Accrue      append one credit with an expiry horizon
    Deduct      all-or-nothing earliest-expiry-first drawdown
    SweepUser   reclaim one user's overdue residual balance
    SweepAll    paginated sweep across every user with overdue entries
    queries     spendable/lifetime balance, reference usability, history

DEDUCTION ALGORITHM ("earliest-expiry-first drawdown"):
  1. Load spendable entries ordered by (ExpiresAt, CreatedAt, ID).
  2. Walk the list, draining each entry up to the amount still owed.
  3. Abort the whole transaction if the balance falls short - either at
     the pre-check or, against races, when the walk runs dry.
  4. Record one deduction audit row for the total.

  Spending earliest-expiring points first maximizes the balance that
  stays usable before further expiration - FIFO inventory costing.

CONCURRENCY:
  Each operation runs in one store transaction. Within a deduction,
  every UpdateConsumed is conditioned on the consumed value this walker
  observed; if another writer advanced it first the transaction aborts
  with ErrConcurrentModification and the whole drawdown is retried from
  a fresh read, a bounded number of times. Balance queries are
  deliberately unlocked snapshot reads - a momentarily stale answer is
  fine because Deduct re-verifies under its own transaction.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRetries bounds transparent retries on optimistic conflicts.
const DefaultMaxRetries = 3

// Service implements the ledger operations over a TxStore.
type Service struct {
	store         TxStore
	log           *zap.Logger
	now           func() time.Time
	maxRetries    int
	defaultExpiry time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the reference clock. Every operation samples the
// clock exactly once, so tests can advance time deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxRetries overrides the optimistic-conflict retry budget.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// WithDefaultExpiry overrides the horizon applied when an accrual does
// not specify one.
func WithDefaultExpiry(d time.Duration) Option {
	return func(s *Service) { s.defaultExpiry = d }
}

// NewService creates a Service over the given store.
func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:         store,
		log:           zap.NewNop(),
		now:           time.Now,
		maxRetries:    DefaultMaxRetries,
		defaultExpiry: DefaultExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// ACCRUAL
// =============================================================================

// Accrue appends one credit entry. No existing rows are touched.
//
// Accrue is intentionally not idempotent: calling it twice creates two
// credits. De-duplication (has this order already granted points?)
// belongs to the caller, typically via IsReferenceFullyConsumed or its
// own bookkeeping.
func (s *Service) Accrue(ctx context.Context, in AccrualInput) (Entry, error) {
	if in.UserID == "" {
		return Entry{}, fmt.Errorf("accrue: empty user id: %w", ErrInvalidArgument)
	}
	if in.Amount <= 0 {
		return Entry{}, fmt.Errorf("accrue: amount %d: %w", in.Amount, ErrInvalidArgument)
	}
	expiry := in.Expiry
	if expiry == 0 {
		expiry = s.defaultExpiry
	}
	if expiry < 0 {
		return Entry{}, fmt.Errorf("accrue: negative expiry %v: %w", in.Expiry, ErrInvalidArgument)
	}

	now := s.now()
	expiresAt := now.Add(expiry)

	entry, err := s.store.Insert(ctx, Entry{
		UserID:         in.UserID,
		Granted:        in.Amount,
		Consumed:       0,
		Kind:           KindAccrual,
		Exhausted:      false,
		ExpiresAt:      &expiresAt,
		ReferenceGroup: in.ReferenceGroup,
		ReferenceCode:  in.ReferenceCode,
		Note:           in.Note,
		CreatedAt:      now,
	})
	if err != nil {
		return Entry{}, err
	}

	s.log.Debug("points accrued",
		zap.String("user", in.UserID),
		zap.Int64("amount", in.Amount),
		zap.Time("expires_at", expiresAt),
		zap.String("reference", in.ReferenceCode),
	)
	return entry, nil
}

// =============================================================================
// DEDUCTION
// =============================================================================

// Deduct spends amount against the user's unexpired balance,
// all-or-nothing. On success it returns the deduction audit row.
//
// Fails with ErrInsufficientBalance (no rows mutated) when the
// spendable balance is short, and with ErrConcurrentModification when a
// conflicting writer wins every retry attempt.
func (s *Service) Deduct(ctx context.Context, in DeductionInput) (Entry, error) {
	if in.UserID == "" {
		return Entry{}, fmt.Errorf("deduct: empty user id: %w", ErrInvalidArgument)
	}
	if in.Amount <= 0 {
		return Entry{}, fmt.Errorf("deduct: amount %d: %w", in.Amount, ErrInvalidArgument)
	}

	var audit Entry
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.store.WithTx(ctx, func(tx Store) error {
			var txErr error
			audit, txErr = s.deductOnce(ctx, tx, in)
			return txErr
		})
		if err == nil {
			s.log.Debug("points deducted",
				zap.String("user", in.UserID),
				zap.Int64("amount", in.Amount),
				zap.Int("attempt", attempt),
			)
			return audit, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return Entry{}, err
		}
		s.log.Warn("deduction lost optimistic race, retrying",
			zap.String("user", in.UserID),
			zap.Int("attempt", attempt),
		)
	}
	return Entry{}, fmt.Errorf("deduct: user %s: retries exhausted: %w",
		in.UserID, ErrConcurrentModification)
}

// deductOnce performs one drawdown attempt inside a transaction.
func (s *Service) deductOnce(ctx context.Context, tx Store, in DeductionInput) (Entry, error) {
	now := s.now()

	entries, err := tx.SpendableByUser(ctx, in.UserID, now)
	if err != nil {
		return Entry{}, err
	}

	var available int64
	for _, e := range entries {
		available += e.Remaining()
	}
	if available < in.Amount {
		return Entry{}, &InsufficientBalanceError{
			UserID:    in.UserID,
			Available: available,
			Requested: in.Amount,
		}
	}

	remaining := in.Amount
	for _, e := range entries {
		if remaining == 0 {
			break
		}
		take := e.Remaining()
		if take > remaining {
			take = remaining
		}
		next := e.Consumed + take
		assertWithinGrant(e, next)
		if err := tx.UpdateConsumed(ctx, e.ID, e.Consumed, next, next == e.Granted); err != nil {
			return Entry{}, err
		}
		remaining -= take
	}
	if remaining > 0 {
		// The pre-check passed on the same snapshot, so reaching here
		// means the snapshot changed under us.
		return Entry{}, fmt.Errorf("deduct: user %s: balance moved during walk: %w",
			in.UserID, ErrConcurrentModification)
	}

	return tx.Insert(ctx, Entry{
		UserID:         in.UserID,
		Granted:        in.Amount,
		Consumed:       in.Amount,
		Kind:           KindDeduction,
		Exhausted:      true,
		ReferenceGroup: in.ReferenceGroup,
		ReferenceCode:  in.ReferenceCode,
		Note:           in.Note,
		CreatedAt:      now,
	})
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

// SweepUser reclaims the user's overdue residual balance. Entries with
// ExpiresAt at or before now and remaining balance are closed, and one
// expiration audit row summarizes the pass. A pass that finds nothing
// overdue is a no-op and writes no audit row, which makes the sweep
// idempotent.
func (s *Service) SweepUser(ctx context.Context, userID string) (SweepResult, error) {
	if userID == "" {
		return SweepResult{}, fmt.Errorf("sweep: empty user id: %w", ErrInvalidArgument)
	}

	result := SweepResult{UserID: userID}
	err := s.store.WithTx(ctx, func(tx Store) error {
		now := s.now()

		overdue, err := tx.OverdueByUser(ctx, userID, now)
		if err != nil {
			return err
		}
		if len(overdue) == 0 {
			return nil
		}

		var residual int64
		for _, e := range overdue {
			residual += e.Remaining()
			assertWithinGrant(e, e.Granted)
			if err := tx.UpdateConsumed(ctx, e.ID, e.Consumed, e.Granted, true); err != nil {
				return err
			}
		}

		_, err = tx.Insert(ctx, Entry{
			UserID:    userID,
			Granted:   residual,
			Consumed:  residual,
			Kind:      KindExpiration,
			Exhausted: true,
			Note:      fmt.Sprintf("expired %d points across %d grants", residual, len(overdue)),
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		result.Reclaimed = residual
		result.Entries = len(overdue)
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}

	if result.Entries > 0 {
		s.log.Info("expiration sweep reclaimed balance",
			zap.String("user", userID),
			zap.Int64("reclaimed", result.Reclaimed),
			zap.Int("entries", result.Entries),
		)
	}
	return result, nil
}

// SweepAll sweeps every user holding overdue entries, pageSize users
// per store query, each user in its own transaction. One invocation
// never holds a transaction across the whole table.
func (s *Service) SweepAll(ctx context.Context, pageSize int) (BatchSweepResult, error) {
	if pageSize <= 0 {
		return BatchSweepResult{}, fmt.Errorf("sweep: page size %d: %w", pageSize, ErrInvalidArgument)
	}

	var total BatchSweepResult
	cursor := ""
	for {
		users, err := s.store.UsersWithOverdue(ctx, s.now(), cursor, pageSize)
		if err != nil {
			return total, err
		}
		if len(users) == 0 {
			return total, nil
		}
		for _, userID := range users {
			res, err := s.SweepUser(ctx, userID)
			if err != nil {
				return total, err
			}
			if res.Entries > 0 {
				total.Users++
				total.Reclaimed += res.Reclaimed
				total.Entries += res.Entries
			}
		}
		cursor = users[len(users)-1]
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// SpendableBalance returns the sum of remaining balance over the user's
// non-exhausted, unexpired accrual entries. Snapshot read, no locking.
func (s *Service) SpendableBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("balance: empty user id: %w", ErrInvalidArgument)
	}
	return s.store.AggregateSpendable(ctx, userID, s.now())
}

// LifetimeBalance is SpendableBalance without the expiry filter: it
// still counts expired-but-unswept residual. For display and history,
// never for authorizing a spend.
func (s *Service) LifetimeBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("balance: empty user id: %w", ErrInvalidArgument)
	}
	return s.store.AggregateLifetime(ctx, userID)
}

// IsReferenceFullyConsumed reports whether the points granted under the
// reference code are positive and fully consumed. An unknown code is
// simply "false", not an error.
func (s *Service) IsReferenceFullyConsumed(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, fmt.Errorf("reference: empty code: %w", ErrInvalidArgument)
	}
	granted, consumed, err := s.store.AggregateByReference(ctx, code)
	if err != nil {
		return false, err
	}
	return granted > 0 && granted == consumed, nil
}

// History returns the user's entries of all kinds, newest first, capped
// at limit. Purely informational.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("history: empty user id: %w", ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("history: limit %d: %w", limit, ErrInvalidArgument)
	}
	return s.store.History(ctx, userID, limit)
}

// assertWithinGrant panics if a write would push consumed past granted.
// That state indicates a logic defect and must never reach the store.
func assertWithinGrant(e Entry, next int64) {
	if next > e.Granted {
		panic(fmt.Sprintf("ledger: entry %d: consumed %d would exceed granted %d",
			e.ID, next, e.Granted))
	}
}
