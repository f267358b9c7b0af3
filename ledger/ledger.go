/*
ledger.go - Validated writes and lazy reads over a Store

PURPOSE:
  The Ledger is the single write path for entries. Every caller (accrual,
  allocation, correction, HTTP, CLI) goes through Post/PostBatch/Reverse, so
  balance and metadata rules are enforced in exactly one place.

CRITICAL INVARIANTS:
  1. BALANCED: sum(debit) == sum(credit) for every entry, checked before write
  2. KNOWN ACCOUNTS: every line resolves in the Registry, type must agree
  3. NO EDITS: corrections are new reversal entries; original lines never change
  4. ATOMIC REVERSAL: the reversal insert and the original's status change
     commit together or not at all

READS:
  Find returns an iter.Seq2 that pages through the store using the Seq
  cursor, so a full-ledger audit never loads every entry at once.

SEE ALSO:
  - validate.go: Structural checks
  - store.go: Persistence interface
  - balance.go: Per-account balances
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const defaultPageSize = 200

type Ledger struct {
	store    Store
	accounts *Registry
	logger   *slog.Logger
	now      func() time.Time
	pageSize int
}

func New(store Store, accounts *Registry, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		accounts: accounts,
		logger:   logger,
		now:      time.Now,
		pageSize: defaultPageSize,
	}
}

// WithClock overrides the clock used for CreatedAt/ApprovedAt stamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithPageSize sets how many entries Find loads per store round trip.
func (l *Ledger) WithPageSize(n int) *Ledger {
	if n > 0 {
		l.pageSize = n
	}
	return l
}

func (l *Ledger) Accounts() *Registry { return l.accounts }

// Now is the ledger clock in UTC.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// =============================================================================
// WRITES
// =============================================================================

// Post validates and persists a single entry.
func (l *Ledger) Post(ctx context.Context, entry TransactionEntry) (TransactionEntry, error) {
	prepared, err := l.prepare(ctx, entry)
	if err != nil {
		return TransactionEntry{}, err
	}
	saved, err := l.store.Insert(ctx, prepared)
	if err != nil {
		return TransactionEntry{}, fmt.Errorf("post %s: %w", prepared.TransactionID, err)
	}
	l.logger.Debug("entry posted",
		"transaction_id", saved.TransactionID,
		"source", saved.Source,
		"amount", saved.TotalDebit.StringFixed(2))
	return saved, nil
}

// PostBatch validates every entry first, then persists all of them atomically.
func (l *Ledger) PostBatch(ctx context.Context, entries []TransactionEntry) ([]TransactionEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	prepared := make([]TransactionEntry, 0, len(entries))
	for _, e := range entries {
		p, err := l.prepare(ctx, e)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}
	saved, err := l.store.InsertBatch(ctx, prepared)
	if err != nil {
		return nil, fmt.Errorf("post batch of %d: %w", len(prepared), err)
	}
	l.logger.Debug("batch posted", "count", len(saved))
	return saved, nil
}

func (l *Ledger) prepare(ctx context.Context, e TransactionEntry) (TransactionEntry, error) {
	e = e.Clone()
	if e.TransactionID == "" {
		e.TransactionID = uuid.NewString()
	}
	switch e.Status {
	case "":
		e.Status = StatusPosted
	case StatusPosted, StatusDraft:
	default:
		return TransactionEntry{}, fmt.Errorf("%w: cannot post an entry with status %s", ErrInvalidEntry, e.Status)
	}
	e.Date = e.Date.UTC()

	if err := ValidateEntry(e); err != nil {
		return TransactionEntry{}, err
	}
	if err := l.resolveLines(ctx, e.Lines); err != nil {
		return TransactionEntry{}, err
	}

	e.TotalDebit, e.TotalCredit = e.Totals()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	return e, nil
}

// resolveLines fills account name/type from the registry in place.
func (l *Ledger) resolveLines(ctx context.Context, lines []Line) error {
	for i := range lines {
		acct, err := l.accounts.Resolve(ctx, lines[i].AccountCode)
		if err != nil {
			return err
		}
		if lines[i].AccountType != "" && lines[i].AccountType != acct.Type {
			return &AccountConflictError{Code: acct.Code, Existing: acct.Type, Requested: lines[i].AccountType}
		}
		if !acct.Active {
			return fmt.Errorf("%w: account %s is inactive", ErrInvalidEntry, acct.Code)
		}
		lines[i].AccountName = acct.Name
		lines[i].AccountType = acct.Type
	}
	return nil
}

// Approve stamps approvedBy/approvedAt.
func (l *Ledger) Approve(ctx context.Context, id, actor string) (TransactionEntry, error) {
	if actor == "" {
		return TransactionEntry{}, fmt.Errorf("%w: approver required", ErrInvalidEntry)
	}
	if err := l.store.SetApproval(ctx, id, actor, l.now().UTC()); err != nil {
		return TransactionEntry{}, err
	}
	return l.store.Get(ctx, id)
}

// =============================================================================
// REVERSAL
// =============================================================================

type ReverseInput struct {
	Reason      string
	Actor       string
	Date        time.Time // economic date of the reversal; defaults to now
	Description string

	// Companions are posted in the same transaction as the reversal. An
	// empty Reference is set to the original's id.
	Companions []TransactionEntry
}

// Reverse posts the mirror image of entry id and marks the original
// reversed. Fails with AlreadyReversedError unless the original is posted,
// and with ErrInvalidEntry when id is itself a reversal.
func (l *Ledger) Reverse(ctx context.Context, id string, in ReverseInput) (TransactionEntry, error) {
	companions := make([]TransactionEntry, 0, len(in.Companions))
	for _, c := range in.Companions {
		if c.Reference == "" {
			c.Reference = id
		}
		p, err := l.prepare(ctx, c)
		if err != nil {
			return TransactionEntry{}, fmt.Errorf("reverse %s: companion: %w", id, err)
		}
		companions = append(companions, p)
	}

	var reversal TransactionEntry
	err := l.store.WithTx(ctx, func(tx EntryStore) error {
		original, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if original.Status != StatusPosted {
			return &AlreadyReversedError{TransactionID: id, Status: original.Status}
		}
		// undoing a reversal is RemoveReversals, which restores the original
		if original.Source.IsReversal() {
			return fmt.Errorf("%w: %s is a %s entry and cannot be reversed", ErrInvalidEntry, id, original.Source)
		}

		r := l.mirror(original, in)
		if err := ValidateEntry(r); err != nil {
			return err
		}
		saved, err := tx.Insert(ctx, r)
		if err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, id, StatusPosted, StatusReversed); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return &AlreadyReversedError{TransactionID: id, Status: StatusReversed}
			}
			return err
		}
		if len(companions) > 0 {
			if _, err := tx.InsertBatch(ctx, companions); err != nil {
				return err
			}
		}
		reversal = saved
		return nil
	})
	if err != nil {
		return TransactionEntry{}, fmt.Errorf("reverse %s: %w", id, err)
	}

	l.logger.Info("entry reversed",
		"transaction_id", id,
		"reversal_id", reversal.TransactionID,
		"reason", in.Reason,
		"actor", in.Actor)
	return reversal, nil
}

func (l *Ledger) mirror(original TransactionEntry, in ReverseInput) TransactionEntry {
	now := l.now().UTC()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	desc := in.Description
	if desc == "" {
		desc = "Reversal of " + original.TransactionID
		if in.Reason != "" {
			desc += ": " + in.Reason
		}
	}

	lines := make([]Line, len(original.Lines))
	for i, line := range original.Lines {
		lines[i] = line.Swapped()
	}

	r := TransactionEntry{
		TransactionID: uuid.NewString(),
		Date:          date.UTC(),
		Description:   desc,
		Reference:     original.TransactionID,
		Lines:         lines,
		Source:        original.Source.Reversal(),
		SourceID:      original.SourceID,
		SourceModel:   original.SourceModel,
		Residence:     original.Residence,
		Status:        StatusPosted,
		Metadata: &ReversalMetadata{
			StudentID:             original.StudentID(),
			OriginalTransactionID: original.TransactionID,
			OriginalSource:        original.Source,
			Reason:                in.Reason,
		},
		CreatedBy: in.Actor,
		CreatedAt: now,
	}
	r.TotalDebit, r.TotalCredit = r.Totals()
	return r
}

// Removal describes one reversal entry deleted by RemoveReversals.
type Removal struct {
	ReversalID       string `json:"reversalId"`
	OriginalID       string `json:"originalId"`
	OriginalRestored bool   `json:"originalRestored"`
}

// RemoveReversals deletes reversal entries in one transaction. An original
// left with no remaining posted reversal goes back to posted, unless that
// would collide with a newer posted accrual for the same period.
func (l *Ledger) RemoveReversals(ctx context.Context, ids []string) ([]Removal, error) {
	var removed []Removal
	err := l.store.WithTx(ctx, func(tx EntryStore) error {
		removed = removed[:0]
		for _, id := range ids {
			e, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			rm, ok := e.Metadata.(*ReversalMetadata)
			if !e.Source.IsReversal() || !ok {
				return fmt.Errorf("%w: %s is not a reversal entry", ErrInvalidEntry, id)
			}
			if err := tx.Delete(ctx, id); err != nil {
				return err
			}

			r := Removal{ReversalID: id, OriginalID: rm.OriginalTransactionID}
			remaining, err := tx.FindPage(ctx, Filter{
				Reference: rm.OriginalTransactionID,
				Statuses:  []Status{StatusPosted},
			}, 0, 0)
			if err != nil {
				return err
			}
			if !anyReversal(remaining) {
				err := tx.UpdateStatus(ctx, rm.OriginalTransactionID, StatusReversed, StatusPosted)
				switch {
				case err == nil:
					r.OriginalRestored = true
				case IsNotFound(err), errors.Is(err, ErrStatusConflict), errors.Is(err, ErrDuplicateAccrual):
				default:
					return err
				}
			}
			removed = append(removed, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove reversals: %w", err)
	}
	return removed, nil
}

func anyReversal(entries []TransactionEntry) bool {
	for _, e := range entries {
		if e.Source.IsReversal() {
			return true
		}
	}
	return false
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id string) (TransactionEntry, error) {
	return l.store.Get(ctx, id)
}

// Find lazily yields every entry matching f in insertion order. Iteration
// stops at the first store error, which is yielded once.
func (l *Ledger) Find(ctx context.Context, f Filter) iter.Seq2[TransactionEntry, error] {
	return func(yield func(TransactionEntry, error) bool) {
		var after int64
		emitted := 0
		for {
			size := l.pageSize
			if f.Limit > 0 && f.Limit-emitted < size {
				size = f.Limit - emitted
			}
			page, err := l.store.FindPage(ctx, f, after, size)
			if err != nil {
				yield(TransactionEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				emitted++
				after = e.Seq
			}
			if len(page) < size || (f.Limit > 0 && emitted >= f.Limit) {
				return
			}
		}
	}
}

// Collect drains Find into a slice.
func (l *Ledger) Collect(ctx context.Context, f Filter) ([]TransactionEntry, error) {
	var out []TransactionEntry
	for e, err := range l.Find(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Page returns one page of entries after the cursor, for callers that expose
// cursor pagination (HTTP). next is 0 when there are no more entries.
func (l *Ledger) Page(ctx context.Context, f Filter, after int64, size int) (entries []TransactionEntry, next int64, err error) {
	if size <= 0 {
		size = l.pageSize
	}
	entries, err = l.store.FindPage(ctx, f, after, size+1)
	if err != nil {
		return nil, 0, err
	}
	if len(entries) > size {
		entries = entries[:size]
		next = entries[size-1].Seq
	}
	return entries, next, nil
}
