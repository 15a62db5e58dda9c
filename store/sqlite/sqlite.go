/*
Package sqlite provides the SQLite-backed ledger store.

PURPOSE:
  Implements ledger.TxStore on SQLite for single-node deployments. The
  same contract is implemented by store/postgres for multi-node setups -
  only SQL dialect differences.

SCHEMA:
  One append-mostly table, entries, indexed for the two hot paths:
  - (user_id, expires_at, created_at, id): the drawdown ordering scan
  - (reference_group, reference_code):     usability lookups

OPTIMISTIC CONCURRENCY:
  UpdateConsumed is a conditional UPDATE:

    SET consumed = ?, exhausted = ? WHERE id = ? AND consumed = ?

  Zero rows affected means another writer advanced the entry first (or
  it never existed); the caller's transaction aborts and retries from a
  fresh read. This is the discipline that keeps the multi-row deduction
  walk safe - wrapping it in a transaction alone would not be, since the
  default isolation level permits write skew across the touched rows.

WAL MODE:
  The database is opened with WAL so balance queries never block behind
  a deduction in flight.

USAGE:
  store, err := sqlite.New("./data/points.db")  // ":memory:" for tests
  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: contract, ordering and conditional-update semantics
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/point-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) a SQLite database at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The drawdown walk issues updates while its selecting transaction
	// is open; a single connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		granted INTEGER NOT NULL CHECK (granted >= 0),
		consumed INTEGER NOT NULL CHECK (consumed >= 0 AND consumed <= granted),
		kind TEXT NOT NULL CHECK (kind IN ('accrual', 'deduction', 'expiration')),
		exhausted BOOLEAN NOT NULL,
		expires_at TEXT,
		reference_group TEXT NOT NULL DEFAULT '',
		reference_code TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Drawdown ordering scan (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_user_expiry
		ON entries(user_id, expires_at, created_at, id)
		WHERE kind = 'accrual' AND exhausted = FALSE;

	-- Usability-by-reference lookups
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON entries(reference_group, reference_code)
		WHERE reference_code != '';

	-- History
	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON entries(user_id, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is RFC 3339 with a fixed-width fractional second. Zero
// padding keeps lexicographic order equal to chronological order, which
// the expires_at comparisons in SQL depend on (RFC3339Nano trims
// trailing zeros and would break that).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
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

	res, err := q.ExecContext(ctx, `
		INSERT INTO entries
		(user_id, granted, consumed, kind, exhausted, expires_at,
		 reference_group, reference_code, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Granted, e.Consumed, string(e.Kind), e.Exhausted,
		nullTime(e.ExpiresAt), e.ReferenceGroup, e.ReferenceCode, e.Note,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return ledger.Entry{}, &ledger.StorageError{Op: "insert", Err: err}
	}
	id, err := res.LastInsertId()
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
		WHERE user_id = ? AND kind = 'accrual' AND exhausted = FALSE
		  AND expires_at > ?
		ORDER BY expires_at ASC, created_at ASC, id ASC`
	return queryEntries(ctx, q, query, userID, now.UTC().Format(timeLayout))
}

func (s *Store) OverdueByUser(ctx context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	return overdueByUser(ctx, s.db, userID, now)
}

func overdueByUser(ctx context.Context, q querier, userID string, now time.Time) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM entries
		WHERE user_id = ? AND kind = 'accrual' AND exhausted = FALSE
		  AND expires_at <= ?
		ORDER BY expires_at ASC, created_at ASC, id ASC`
	return queryEntries(ctx, q, query, userID, now.UTC().Format(timeLayout))
}

func (s *Store) UpdateConsumed(ctx context.Context, id ledger.EntryID, observed, next int64, exhausted bool) error {
	return updateConsumed(ctx, s.db, id, observed, next, exhausted)
}

func updateConsumed(ctx context.Context, q querier, id ledger.EntryID, observed, next int64, exhausted bool) error {
	res, err := q.ExecContext(ctx, `
		UPDATE entries
		SET consumed = ?, exhausted = ?
		WHERE id = ? AND kind = 'accrual' AND consumed = ?`,
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
		// Either the entry is gone or another writer advanced it.
		var exists int
		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE id = ?", int64(id)).Scan(&exists)
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
		WHERE user_id = ? AND kind = 'accrual' AND exhausted = FALSE
		  AND expires_at > ?`,
		userID, now.UTC().Format(timeLayout),
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
		WHERE user_id = ? AND kind = 'accrual' AND exhausted = FALSE`,
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
		WHERE kind = 'accrual' AND reference_code = ?`,
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
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	return queryEntries(ctx, q, query, userID, limit)
}

func (s *Store) UsersWithOverdue(ctx context.Context, now time.Time, afterUser string, limit int) ([]string, error) {
	return usersWithOverdue(ctx, s.db, now, afterUser, limit)
}

func usersWithOverdue(ctx context.Context, q querier, now time.Time, afterUser string, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM entries
		WHERE kind = 'accrual' AND exhausted = FALSE
		  AND expires_at <= ? AND user_id > ?
		ORDER BY user_id ASC
		LIMIT ?`,
		now.UTC().Format(timeLayout), afterUser, limit,
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
		expiresAt sql.NullString
		createdAt string
	)
	err := rows.Scan(
		&e.ID, &e.UserID, &e.Granted, &e.Consumed, &kind, &e.Exhausted,
		&expiresAt, &e.ReferenceGroup, &e.ReferenceCode, &e.Note, &createdAt,
	)
	if err != nil {
		return e, &ledger.StorageError{Op: "scan entry", Err: err}
	}

	e.Kind = ledger.Kind(kind)
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return e, &ledger.StorageError{Op: "scan entry", Err: err}
		}
		e.ExpiresAt = &t
	}
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return e, &ledger.StorageError{Op: "scan entry", Err: err}
	}
	return e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
