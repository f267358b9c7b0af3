// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	entries  map[string]ledger.TransactionEntry
	order    []string          // ids by Seq
	accruals map[string]string // accrual key -> transaction id
	accounts map[string]ledger.Account
	seq      int64
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]ledger.TransactionEntry),
		accruals: make(map[string]string),
		accounts: make(map[string]ledger.Account),
	}
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) Insert(_ context.Context, e ledger.TransactionEntry) (ledger.TransactionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

// InsertBatch checks every constraint before writing anything.
func (m *Memory) InsertBatch(_ context.Context, entries []ledger.TransactionEntry) ([]ledger.TransactionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertBatchLocked(entries)
}

func (m *Memory) insertBatchLocked(entries []ledger.TransactionEntry) ([]ledger.TransactionEntry, error) {
	ids := make(map[string]bool, len(entries))
	keys := make(map[string]bool)
	for _, e := range entries {
		if _, ok := m.entries[e.TransactionID]; ok || ids[e.TransactionID] {
			return nil, fmt.Errorf("%w: %s", ledger.ErrDuplicateTransactionID, e.TransactionID)
		}
		ids[e.TransactionID] = true
		if k := ledger.AccrualKey(e); k != "" {
			if _, ok := m.accruals[k]; ok || keys[k] {
				return nil, ledger.ErrDuplicateAccrual
			}
			keys[k] = true
		}
	}

	out := make([]ledger.TransactionEntry, 0, len(entries))
	for _, e := range entries {
		saved, err := m.insertLocked(e)
		if err != nil {
			return nil, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func (m *Memory) insertLocked(e ledger.TransactionEntry) (ledger.TransactionEntry, error) {
	if _, ok := m.entries[e.TransactionID]; ok {
		return ledger.TransactionEntry{}, fmt.Errorf("%w: %s", ledger.ErrDuplicateTransactionID, e.TransactionID)
	}
	k := ledger.AccrualKey(e)
	if k != "" {
		if _, ok := m.accruals[k]; ok {
			return ledger.TransactionEntry{}, ledger.ErrDuplicateAccrual
		}
	}

	m.seq++
	e = e.Clone()
	e.Seq = m.seq
	m.entries[e.TransactionID] = e
	m.order = append(m.order, e.TransactionID)
	if k != "" {
		m.accruals[k] = e.TransactionID
	}
	return e.Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (ledger.TransactionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id string) (ledger.TransactionEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return ledger.TransactionEntry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return e.Clone(), nil
}

func (m *Memory) FindPage(_ context.Context, f ledger.Filter, afterSeq int64, limit int) ([]ledger.TransactionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findPageLocked(f, afterSeq, limit), nil
}

func (m *Memory) findPageLocked(f ledger.Filter, afterSeq int64, limit int) []ledger.TransactionEntry {
	// order is sorted by Seq, so binary search for the cursor
	start := sort.Search(len(m.order), func(i int) bool {
		return m.entries[m.order[i]].Seq > afterSeq
	})
	var out []ledger.TransactionEntry
	for _, id := range m.order[start:] {
		e := m.entries[id]
		if !f.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *Memory) UpdateStatus(_ context.Context, id string, from, to ledger.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusLocked(id, from, to)
}

func (m *Memory) updateStatusLocked(id string, from, to ledger.Status) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	if e.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ledger.ErrStatusConflict, id, e.Status, from)
	}

	oldKey := ledger.AccrualKey(e)
	e.Status = to
	newKey := ledger.AccrualKey(e)
	if newKey != "" && newKey != oldKey {
		if owner, ok := m.accruals[newKey]; ok && owner != id {
			return ledger.ErrDuplicateAccrual
		}
	}
	if oldKey != "" {
		delete(m.accruals, oldKey)
	}
	if newKey != "" {
		m.accruals[newKey] = id
	}
	m.entries[id] = e
	return nil
}

func (m *Memory) SetApproval(_ context.Context, id, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setApprovalLocked(id, actor, at)
}

func (m *Memory) setApprovalLocked(id, actor string, at time.Time) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	e.ApprovedBy = actor
	e.ApprovedAt = &at
	m.entries[id] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) deleteLocked(id string) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	if k := ledger.AccrualKey(e); k != "" {
		delete(m.accruals, k)
	}
	delete(m.entries, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Reset drops every entry and account.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]ledger.TransactionEntry)
	m.accruals = make(map[string]string)
	m.accounts = make(map[string]ledger.Account)
	m.order = nil
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, code string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[code]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) SaveAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Code] = a
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// =============================================================================
// TRANSACTIONS - Simulated with a snapshot + rollback on error
// =============================================================================

// WithTx executes fn while holding the write lock. On error every entry
// change made through the view is rolled back.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.EntryStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries  map[string]ledger.TransactionEntry
	order    []string
	accruals map[string]string
	seq      int64
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		entries:  maps.Clone(m.entries),
		order:    append([]string(nil), m.order...),
		accruals: maps.Clone(m.accruals),
		seq:      m.seq,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.order = s.order
	m.accruals = s.accruals
	m.seq = s.seq
}

// txView runs against the parent's maps; the parent already holds the lock.
type txView struct {
	parent *Memory
}

func (tv *txView) Insert(_ context.Context, e ledger.TransactionEntry) (ledger.TransactionEntry, error) {
	return tv.parent.insertLocked(e)
}

func (tv *txView) InsertBatch(_ context.Context, entries []ledger.TransactionEntry) ([]ledger.TransactionEntry, error) {
	return tv.parent.insertBatchLocked(entries)
}

func (tv *txView) Get(_ context.Context, id string) (ledger.TransactionEntry, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) FindPage(_ context.Context, f ledger.Filter, afterSeq int64, limit int) ([]ledger.TransactionEntry, error) {
	return tv.parent.findPageLocked(f, afterSeq, limit), nil
}

func (tv *txView) UpdateStatus(_ context.Context, id string, from, to ledger.Status) error {
	return tv.parent.updateStatusLocked(id, from, to)
}

func (tv *txView) SetApproval(_ context.Context, id, actor string, at time.Time) error {
	return tv.parent.setApprovalLocked(id, actor, at)
}

func (tv *txView) Delete(_ context.Context, id string) error {
	return tv.parent.deleteLocked(id)
}
