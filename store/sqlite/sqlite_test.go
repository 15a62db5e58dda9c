package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/point-ledger/ledger"
	"github.com/warp/point-ledger/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func ts(day, hour int) time.Time {
	return time.Date(2025, time.June, day, hour, 0, 0, 0, time.UTC)
}

func accrual(user string, granted int64, expires, created time.Time) ledger.Entry {
	exp := expires
	return ledger.Entry{
		UserID:    user,
		Granted:   granted,
		Kind:      ledger.KindAccrual,
		ExpiresAt: &exp,
		CreatedAt: created,
	}
}

func TestInsert_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	in := accrual("u1", 100, ts(30, 0), ts(1, 12))
	in.ReferenceGroup = "order"
	in.ReferenceCode = "order-1"
	in.Note = "welcome bonus"

	inserted, err := st.Insert(ctx, in)
	require.NoError(t, err)
	assert.NotZero(t, inserted.ID)

	entries, err := st.SpendableByUser(ctx, "u1", ts(2, 0))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, inserted.ID, got.ID)
	assert.Equal(t, int64(100), got.Granted)
	assert.Equal(t, int64(0), got.Consumed)
	assert.Equal(t, ledger.KindAccrual, got.Kind)
	assert.Equal(t, "order", got.ReferenceGroup)
	assert.Equal(t, "order-1", got.ReferenceCode)
	assert.Equal(t, "welcome bonus", got.Note)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(ts(30, 0)))
	assert.True(t, got.CreatedAt.Equal(ts(1, 12)))
}

func TestInsert_NilExpiryForDebitRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, ledger.Entry{
		UserID: "u1", Granted: 40, Consumed: 40,
		Kind: ledger.KindDeduction, Exhausted: true,
		CreatedAt: ts(1, 0),
	})
	require.NoError(t, err)

	history, err := st.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].ExpiresAt)
	assert.True(t, history[0].Exhausted)
}

func TestSpendableByUser_OrderAndBoundary(t *testing.T) {
	// Earliest expiry first; an entry expiring exactly "now" is excluded.
	st := newTestStore(t)
	ctx := context.Background()

	late, err := st.Insert(ctx, accrual("u1", 10, ts(20, 0), ts(1, 0)))
	require.NoError(t, err)
	early, err := st.Insert(ctx, accrual("u1", 10, ts(10, 0), ts(2, 0)))
	require.NoError(t, err)
	_, err = st.Insert(ctx, accrual("u1", 10, ts(5, 0), ts(1, 0)))
	require.NoError(t, err)

	entries, err := st.SpendableByUser(ctx, "u1", ts(5, 0))
	require.NoError(t, err)
	require.Len(t, entries, 2, "entry expiring exactly now must be excluded")
	assert.Equal(t, early.ID, entries[0].ID)
	assert.Equal(t, late.ID, entries[1].ID)
}

func TestSpendableByUser_SubSecondExpiryOrder(t *testing.T) {
	// Timestamps with and without fractional seconds must still compare
	// chronologically in SQL, which is what the fixed-width time format
	// guarantees.
	st := newTestStore(t)
	ctx := context.Background()

	whole := ts(10, 0)
	fractional := ts(10, 0).Add(500 * time.Millisecond)

	second, err := st.Insert(ctx, accrual("u1", 10, fractional, ts(1, 0)))
	require.NoError(t, err)
	first, err := st.Insert(ctx, accrual("u1", 10, whole, ts(1, 0)))
	require.NoError(t, err)

	entries, err := st.SpendableByUser(ctx, "u1", ts(1, 0))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, second.ID, entries[1].ID)
}

func TestOverdueByUser_ExpiryAtNowIsOverdue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := st.Insert(ctx, accrual("u1", 10, ts(10, 0), ts(1, 0)))
	require.NoError(t, err)

	overdue, err := st.OverdueByUser(ctx, "u1", ts(10, 0))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, e.ID, overdue[0].ID)
}

func TestUpdateConsumed_ConditionalSemantics(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := st.Insert(ctx, accrual("u1", 10, ts(30, 0), ts(1, 0)))
	require.NoError(t, err)

	// Mismatched observed value loses.
	err = st.UpdateConsumed(ctx, e.ID, 5, 8, false)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	// Matching observed value wins.
	require.NoError(t, st.UpdateConsumed(ctx, e.ID, 0, 8, false))

	// The previous winner's write is now the observed value.
	err = st.UpdateConsumed(ctx, e.ID, 0, 10, true)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	require.NoError(t, st.UpdateConsumed(ctx, e.ID, 8, 10, true))

	// Exhausted entries drop out of the spendable set.
	entries, err := st.SpendableByUser(ctx, "u1", ts(1, 0))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUpdateConsumed_UnknownID(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateConsumed(context.Background(), 999, 0, 1, false)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAggregates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	live := accrual("u1", 100, ts(30, 0), ts(1, 0))
	live.ReferenceCode = "order-1"
	live.Consumed = 40
	_, err := st.Insert(ctx, live)
	require.NoError(t, err)

	expired := accrual("u1", 50, ts(5, 0), ts(1, 0))
	_, err = st.Insert(ctx, expired)
	require.NoError(t, err)

	// Spendable at day 10: only the live grant's remainder.
	sum, err := st.AggregateSpendable(ctx, "u1", ts(10, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(60), sum)

	// Lifetime still counts the expired-but-unswept residual.
	sum, err = st.AggregateLifetime(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(110), sum)

	granted, consumed, err := st.AggregateByReference(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), granted)
	assert.Equal(t, int64(40), consumed)

	// Unknown reference aggregates to zero, not an error.
	granted, consumed, err = st.AggregateByReference(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, granted)
	assert.Zero(t, consumed)
}

func TestUsersWithOverdue_Pagination(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"c", "a", "b"} {
		_, err := st.Insert(ctx, accrual(u, 10, ts(5, 0), ts(1, 0)))
		require.NoError(t, err)
	}
	_, err := st.Insert(ctx, accrual("d", 10, ts(30, 0), ts(1, 0)))
	require.NoError(t, err)

	page1, err := st.UsersWithOverdue(ctx, ts(10, 0), "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page1)

	page2, err := st.UsersWithOverdue(ctx, ts(10, 0), "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, page2)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	failed := assert.AnError
	err := st.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.Insert(ctx, accrual("u1", 10, ts(30, 0), ts(1, 0))); err != nil {
			return err
		}
		return failed
	})
	assert.ErrorIs(t, err, failed)

	entries, err := st.SpendableByUser(ctx, "u1", ts(1, 0))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// SERVICE INTEGRATION
// =============================================================================

// The full drawdown and sweep flow against real SQL, exercising the
// ordering and conditional-update queries end to end.
func TestService_EndToEndOnSQLite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := ts(1, 0)
	svc := ledger.NewService(st, ledger.WithClock(func() time.Time { return now }))

	_, err := svc.Accrue(ctx, ledger.AccrualInput{UserID: "u1", Amount: 100, Expiry: 30 * 24 * time.Hour})
	require.NoError(t, err)
	_, err = svc.Accrue(ctx, ledger.AccrualInput{UserID: "u1", Amount: 50, Expiry: 5 * 24 * time.Hour})
	require.NoError(t, err)

	// Earliest-expiry-first: the 5-day grant is drained before the 30-day.
	_, err = svc.Deduct(ctx, ledger.DeductionInput{UserID: "u1", Amount: 70})
	require.NoError(t, err)

	balance, err := svc.SpendableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), balance)

	// A week later the 5-day grant is empty, nothing left to sweep there;
	// advance past both horizons and sweep the residual.
	now = ts(1, 0).Add(31 * 24 * time.Hour)
	res, err := svc.SweepUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.Reclaimed)
	assert.Equal(t, 1, res.Entries)

	balance, err = svc.SpendableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, balance)

	// Sweeping again finds nothing.
	res, err = svc.SweepUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, res.Reclaimed)
}
