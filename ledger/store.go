/*
store.go - Persistence interface for transaction entries and accounts

PURPOSE:
  Defines the boundary between the ledger core and the database.
  Stores persist entries and accounts; they never compute balances or
  validate double-entry rules. That happens in ledger.go before any write.

KEY INTERFACES:
  EntryStore:   Entry persistence (insert, load, page, status transitions)
  Store:        EntryStore + AccountStore + WithTx for atomic multi-writes

MUTATION CONTRACT:
  Lines, amounts, dates, and metadata are immutable once inserted.
  The only permitted mutations are:
  - UpdateStatus(): posted -> reversed, and reversed -> posted when the
    administrative cleanup deletes the reversal that caused it
  - SetApproval(): stamps approvedBy/approvedAt
  - Delete(): administrative cleanup of duplicate reversal entries only

UNIQUENESS:
  At most one POSTED rental_accrual per (student, accrualYear, accrualMonth).
  Violations return ErrDuplicateAccrual. Transaction ids are unique and
  violations return ErrDuplicateTransactionID.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - ledger.go: Higher-level API using Store
*/
package ledger

import (
	"context"
	"slices"
	"strings"
	"time"
)

// =============================================================================
// ENTRY STORE
// =============================================================================

type EntryStore interface {
	// Insert persists a validated entry and returns it with Seq assigned.
	Insert(ctx context.Context, entry TransactionEntry) (TransactionEntry, error)

	// InsertBatch persists entries atomically. Either all succeed or none do.
	InsertBatch(ctx context.Context, entries []TransactionEntry) ([]TransactionEntry, error)

	// Get returns ErrEntryNotFound when id does not exist.
	Get(ctx context.Context, id string) (TransactionEntry, error)

	// FindPage returns up to limit entries matching filter with Seq > afterSeq,
	// ordered by Seq ascending. limit <= 0 means no limit. filter.Limit is
	// ignored; paging is the caller's job.
	FindPage(ctx context.Context, filter Filter, afterSeq int64, limit int) ([]TransactionEntry, error)

	// UpdateStatus transitions id from one status to another. Returns
	// ErrStatusConflict if the current status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error

	SetApproval(ctx context.Context, id, actor string, at time.Time) error

	Delete(ctx context.Context, id string) error
}

// Store is the full persistence surface the ledger needs.
type Store interface {
	EntryStore
	AccountStore

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(EntryStore) error) error
}

// =============================================================================
// FILTER - Query predicates shared by every store
// =============================================================================

// Filter selects entries. Zero-valued fields do not constrain.
type Filter struct {
	Sources       []Source
	Statuses      []Status
	From          time.Time // inclusive, on Date
	To            time.Time // inclusive, on Date
	StudentID     string    // metadata studentId
	AccountPrefix string    // any line's account code starts with this
	Reference     string
	PaymentID     string // settlement metadata paymentId
	AccrualPeriod *Period
	Limit         int // total results across all pages; 0 = unlimited
}

// Matches reports whether e satisfies every set predicate. Stores that can't
// push a predicate down to their backend apply this instead.
func (f Filter) Matches(e TransactionEntry) bool {
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, e.Source) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if !f.From.IsZero() && e.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Date.After(f.To) {
		return false
	}
	if f.StudentID != "" && e.StudentID() != f.StudentID {
		return false
	}
	if f.AccountPrefix != "" && !e.TouchesPrefix(f.AccountPrefix) {
		return false
	}
	if f.Reference != "" && e.Reference != f.Reference {
		return false
	}
	if f.PaymentID != "" {
		sm, ok := e.Metadata.(*SettlementMetadata)
		if !ok || sm.PaymentID != f.PaymentID {
			return false
		}
	}
	if f.AccrualPeriod != nil {
		am, ok := e.Metadata.(*AccrualMetadata)
		if !ok || am.Period() != *f.AccrualPeriod {
			return false
		}
	}
	return true
}

// AccrualKey identifies the slot a posted rental_accrual occupies.
// Empty when e is not a posted accrual.
func AccrualKey(e TransactionEntry) string {
	if e.Source != SourceRentalAccrual || e.Status != StatusPosted {
		return ""
	}
	am, ok := e.Metadata.(*AccrualMetadata)
	if !ok {
		return ""
	}
	return strings.Join([]string{am.StudentID, am.Period().String(), string(e.Source)}, "|")
}
