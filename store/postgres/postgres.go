/*
Package postgres provides the PostgreSQL-backed ledger store.

PURPOSE:
  Implements ledger.TxStore on PostgreSQL via the pgx stdlib driver for
  multi-node deployments. Same contract and same optimistic conditional
  update as store/sqlite; only the dialect differs (placeholders,
  BIGSERIAL ids, native TIMESTAMPTZ columns).

The conditional UPDATE carries the concurrency discipline here too:
database transactions alone are not enough, because READ COMMITTED (the
PostgreSQL default) permits write skew across the multiple rows one
deduction touches.

SEE ALSO:
  - ledger/store.go: contract semantics
  - store/sqlite: SQLite implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/point-ledger/ledger"
)

// Store implements ledger.TxStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) a PostgreSQL database at the given DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		granted BIGINT NOT NULL CHECK (granted >= 0),
		consumed BIGINT NOT NULL CHECK (consumed >= 0 AND consumed <= granted),
		kind TEXT NOT NULL CHECK (kind IN ('accrual', 'deduction', 'expiration')),
		exhausted BOOLEAN NOT NULL,
		expires_at TIMESTAMPTZ,
		reference_group TEXT NOT NULL DEFAULT '',
		reference_code TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user_expiry
		ON entries(user_id, expires_at, created_at, id)
		WHERE kind = 'accrual' AND exhausted = FALSE;

	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(reference_group, reference_code)
		WHERE reference_code != '';

	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON entries(user_id, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const entryColumns = `id, user_id, granted, consumed, kind, exhausted,
	expires_at, reference_group, reference_code, note, created_at`

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	return insert(ctx, s.db, e)
}

func insert(ctx context.Context, q querier, e ledger.Entry) (ledger.Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO entries
		(user_id, granted, consumed, kind, exhausted, expires_at,
		 reference_group, reference_code, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.UserID, e.Granted, e.Consumed, string(e.Kind), e.Exhausted,
		nullTime(e.ExpiresAt), e.ReferenceGroup, e.ReferenceCode, e.Note,
		e.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return ledger.Entry{}, &ledger.StorageError{Op: "insert", Err: err}
	}
	e.ID = ledger.EntryID(id)
	return e, nil
}

func (s *Store) SpendableByUser(ctx context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	return spendableByUser(ctx, s.db, userID, now)
}

func spendableByUser(ctx context.Context, q querier, userID string, now time.Time) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE user_id = $1 AND kind = 'accrual' AND exhausted = FALSE
		  AND expires_at > $2
		ORDER BY expires_at ASC, created_at ASC, id ASC`
	return queryEntries(ctx, q, query, userID, now.UTC())
}

func (s *Store) OverdueByUser(ctx context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	return overdueByUser(ctx, s.db, userID, now)
}

func overdueByUser(ctx context.Context, q querier, userID string, now time.Time) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE user_id = $1 AND kind = 'accrual' AND exhausted = FALSE
		  AND expires_at <= $2
		ORDER BY expires_at ASC, created_at ASC, id ASC`
	return queryEntries(ctx, q, query, userID, now.UTC())
}

func (s *Store) UpdateConsumed(ctx context.Context, id ledger.EntryID, observed, next int64, exhausted bool) error {
	return updateConsumed(ctx, s.db, id, observed, next, exhausted)
}

func updateConsumed(ctx context.Context, q querier, id ledger.EntryID, observed, next int64, exhausted bool) error {
	res, err := q.ExecContext(ctx, `
		UPDATE entries
		SET consumed = $1, exhausted = $2
		WHERE id = $3 AND kind = 'accrual' AND consumed = $4`,
		next, exhausted, int64(id), observed,
	)
	if err != nil {
		return &ledger.StorageError{Op: "update consumed", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &ledger.StorageError{Op: "update consumed", Err: err}
	}
	if affected == 0 {
		var exists int
		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE id = $1", int64(id)).Scan(&exists)
		if err != nil {
			return &ledger.StorageError{Op: "update consumed", Err: err}
		}
		if exists == 0 {
			return ledger.ErrNotFound
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

func (s *Store) AggregateSpendable(ctx context.Context, userID string, now time.Time) (int64, error) {
	return aggregateSpendable(ctx, s.db, userID, now)
}

func aggregateSpendable(ctx context.Context, q querier, userID string, now time.Time) (int64, error) {
	var sum sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(granted - consumed) FROM entries
		WHERE user_id = $1 AND kind = 'accrual' AND exhausted = FALSE
		  AND expires_at > $2`,
		userID, now.UTC(),
	).Scan(&sum)
	if err != nil {
		return 0, &ledger.StorageError{Op: "aggregate spendable", Err: err}
	}
	return sum.Int64, nil
}

func (s *Store) AggregateLifetime(ctx context.Context, userID string) (int64, error) {
	return aggregateLifetime(ctx, s.db, userID)
}

func aggregateLifetime(ctx context.Context, q querier, userID string) (int64, error) {
	var sum sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(granted - consumed) FROM entries
		WHERE user_id = $1 AND kind = 'accrual' AND exhausted = FALSE`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, &ledger.StorageError{Op: "aggregate lifetime", Err: err}
	}
	return sum.Int64, nil
}

func (s *Store) AggregateByReference(ctx context.Context, code string) (int64, int64, error) {
	return aggregateByReference(ctx, s.db, code)
}

func aggregateByReference(ctx context.Context, q querier, code string) (int64, int64, error) {
	var granted, consumed sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(granted), SUM(consumed) FROM entries
		WHERE kind = 'accrual' AND reference_code = $1`,
		code,
	).Scan(&granted, &consumed)
	if err != nil {
		return 0, 0, &ledger.StorageError{Op: "aggregate by reference", Err: err}
	}
	return granted.Int64, consumed.Int64, nil
}

func (s *Store) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return history(ctx, s.db, userID, limit)
}

func history(ctx context.Context, q querier, userID string, limit int) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	return queryEntries(ctx, q, query, userID, limit)
}

func (s *Store) UsersWithOverdue(ctx context.Context, now time.Time, afterUser string, limit int) ([]string, error) {
	return usersWithOverdue(ctx, s.db, now, afterUser, limit)
}

func usersWithOverdue(ctx context.Context, q querier, now time.Time, afterUser string, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM entries
		WHERE kind = 'accrual' AND exhausted = FALSE
		  AND expires_at <= $1 AND user_id > $2
		ORDER BY user_id ASC
		LIMIT $3`,
		now.UTC(), afterUser, limit,
	)
	if err != nil {
		return nil, &ledger.StorageError{Op: "users with overdue", Err: err}
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, &ledger.StorageError{Op: "users with overdue", Err: err}
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StorageError{Op: "begin tx", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return &ledger.StorageError{Op: "commit tx", Err: err}
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Insert(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	return insert(ctx, ts.tx, e)
}

func (ts *txStore) SpendableByUser(ctx context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	return spendableByUser(ctx, ts.tx, userID, now)
}

func (ts *txStore) OverdueByUser(ctx context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	return overdueByUser(ctx, ts.tx, userID, now)
}

func (ts *txStore) UpdateConsumed(ctx context.Context, id ledger.EntryID, observed, next int64, exhausted bool) error {
	return updateConsumed(ctx, ts.tx, id, observed, next, exhausted)
}

func (ts *txStore) AggregateSpendable(ctx context.Context, userID string, now time.Time) (int64, error) {
	return aggregateSpendable(ctx, ts.tx, userID, now)
}

func (ts *txStore) AggregateLifetime(ctx context.Context, userID string) (int64, error) {
	return aggregateLifetime(ctx, ts.tx, userID)
}

func (ts *txStore) AggregateByReference(ctx context.Context, code string) (int64, int64, error) {
	return aggregateByReference(ctx, ts.tx, code)
}

func (ts *txStore) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return history(ctx, ts.tx, userID, limit)
}

func (ts *txStore) UsersWithOverdue(ctx context.Context, now time.Time, afterUser string, limit int) ([]string, error) {
	return usersWithOverdue(ctx, ts.tx, now, afterUser, limit)
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.StorageError{Op: "query entries", Err: err}
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		kind      string
		expiresAt sql.NullTime
	)
	err := rows.Scan(
		&e.ID, &e.UserID, &e.Granted, &e.Consumed, &kind, &e.Exhausted,
		&expiresAt, &e.ReferenceGroup, &e.ReferenceCode, &e.Note, &e.CreatedAt,
	)
	if err != nil {
		return e, &ledger.StorageError{Op: "scan entry", Err: err}
	}

	e.Kind = ledger.Kind(kind)
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
