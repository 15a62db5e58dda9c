// Package store provides the in-memory TxStore implementation, used by
// tests and local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/point-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory is an in-memory ledger store. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	nextID  ledger.EntryID
	entries map[string][]ledger.Entry // keyed by user, insertion order
}

func NewMemory() *Memory {
	return &Memory{
		nextID:  1,
		entries: make(map[string][]ledger.Entry),
	}
}

func (m *Memory) Insert(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e), nil
}

func (m *Memory) insertLocked(e ledger.Entry) ledger.Entry {
	e.ID = m.nextID
	m.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.entries[e.UserID] = append(m.entries[e.UserID], e)
	return e
}

func (m *Memory) SpendableByUser(_ context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectOrdered(userID, func(e ledger.Entry) bool { return e.Spendable(now) }), nil
}

func (m *Memory) OverdueByUser(_ context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectOrdered(userID, func(e ledger.Entry) bool { return e.Overdue(now) }), nil
}

// selectOrdered filters a user's entries and orders them by
// (ExpiresAt, CreatedAt, ID) ascending, the drawdown contract.
func (m *Memory) selectOrdered(userID string, keep func(ledger.Entry) bool) []ledger.Entry {
	var result []ledger.Entry
	for _, e := range m.entries[userID] {
		if keep(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.ExpiresAt.Equal(*b.ExpiresAt) {
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return result
}

func (m *Memory) UpdateConsumed(_ context.Context, id ledger.EntryID, observed, next int64, exhausted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateConsumedLocked(id, observed, next, exhausted)
}

func (m *Memory) updateConsumedLocked(id ledger.EntryID, observed, next int64, exhausted bool) error {
	for userID, list := range m.entries {
		for i, e := range list {
			if e.ID != id {
				continue
			}
			if e.Consumed != observed {
				return ledger.ErrConcurrentModification
			}
			e.Consumed = next
			e.Exhausted = exhausted
			m.entries[userID][i] = e
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (m *Memory) AggregateSpendable(_ context.Context, userID string, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries[userID] {
		if e.Spendable(now) {
			sum += e.Remaining()
		}
	}
	return sum, nil
}

func (m *Memory) AggregateLifetime(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries[userID] {
		if e.Kind == ledger.KindAccrual && !e.Exhausted {
			sum += e.Remaining()
		}
	}
	return sum, nil
}

func (m *Memory) AggregateByReference(_ context.Context, code string) (granted, consumed int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, list := range m.entries {
		for _, e := range list {
			if e.Kind == ledger.KindAccrual && e.ReferenceCode == code {
				granted += e.Granted
				consumed += e.Consumed
			}
		}
	}
	return granted, consumed, nil
}

func (m *Memory) History(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Entry, len(m.entries[userID]))
	copy(result, m.entries[userID])
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) UsersWithOverdue(_ context.Context, now time.Time, afterUser string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []string
	for userID, list := range m.entries {
		if userID <= afterUser {
			continue
		}
		for _, e := range list {
			if e.Overdue(now) {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support. The transaction is
// simulated with a snapshot taken under the write lock and restored on
// error, which also serializes transactions completely - the strongest
// isolation the contract allows.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshotLocked()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restoreLocked(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshotLocked() memorySnapshot {
	entries := make(map[string][]ledger.Entry, len(tm.entries))
	for k, v := range tm.entries {
		entries[k] = append([]ledger.Entry{}, v...)
	}
	return memorySnapshot{entries: entries, nextID: tm.nextID}
}

func (tm *TxMemory) restoreLocked(s memorySnapshot) {
	tm.entries = s.entries
	tm.nextID = s.nextID
}

type memorySnapshot struct {
	entries map[string][]ledger.Entry
	nextID  ledger.EntryID
}

// txMemoryView runs against the parent's state without re-acquiring the
// lock WithTx already holds.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Insert(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	return tv.parent.insertLocked(e), nil
}

func (tv *txMemoryView) SpendableByUser(_ context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	return tv.parent.selectOrdered(userID, func(e ledger.Entry) bool { return e.Spendable(now) }), nil
}

func (tv *txMemoryView) OverdueByUser(_ context.Context, userID string, now time.Time) ([]ledger.Entry, error) {
	return tv.parent.selectOrdered(userID, func(e ledger.Entry) bool { return e.Overdue(now) }), nil
}

func (tv *txMemoryView) UpdateConsumed(_ context.Context, id ledger.EntryID, observed, next int64, exhausted bool) error {
	return tv.parent.updateConsumedLocked(id, observed, next, exhausted)
}

func (tv *txMemoryView) AggregateSpendable(ctx context.Context, userID string, now time.Time) (int64, error) {
	var sum int64
	for _, e := range tv.parent.entries[userID] {
		if e.Spendable(now) {
			sum += e.Remaining()
		}
	}
	return sum, nil
}

func (tv *txMemoryView) AggregateLifetime(ctx context.Context, userID string) (int64, error) {
	var sum int64
	for _, e := range tv.parent.entries[userID] {
		if e.Kind == ledger.KindAccrual && !e.Exhausted {
			sum += e.Remaining()
		}
	}
	return sum, nil
}

func (tv *txMemoryView) AggregateByReference(_ context.Context, code string) (granted, consumed int64, err error) {
	for _, list := range tv.parent.entries {
		for _, e := range list {
			if e.Kind == ledger.KindAccrual && e.ReferenceCode == code {
				granted += e.Granted
				consumed += e.Consumed
			}
		}
	}
	return granted, consumed, nil
}

func (tv *txMemoryView) History(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	result := make([]ledger.Entry, len(tv.parent.entries[userID]))
	copy(result, tv.parent.entries[userID])
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (tv *txMemoryView) UsersWithOverdue(_ context.Context, now time.Time, afterUser string, limit int) ([]string, error) {
	var users []string
	for userID, list := range tv.parent.entries {
		if userID <= afterUser {
			continue
		}
		for _, e := range list {
			if e.Overdue(now) {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}
