/*
Package correction holds every operation that changes what is already in the
ledger: reversals, forfeitures, duplicate-reversal cleanup, and the standing
integrity audit.

PURPOSE:
  Corrections never edit posted lines. A mistake is undone by posting its
  mirror image; a forfeiture is an accrual reversal plus the recognition of
  any deposit the tenant already paid. The only destructive path is
  CleanupDuplicateReversals, an administrative repair that logs each row it
  removes.

FORFEITURE:
  Reversing a first-month accrual mirrors its lines:
    Dr 4000 rent, Dr 4100 admin, Dr 2020 deposit
        Cr 1100-<student>
  If part of that period's deposit was already paid, the student's AR now
  shows a credit for money the residence keeps. A companion entry in the same
  transaction moves it to forfeited income:
    Dr 1100-<student>   Cr 4200   (deposit settled for the period)

SEE ALSO:
  - audit.go: AuditLedger
  - scheduler.go: IntegrityScheduler
  - ledger/ledger.go: Reverse, RemoveReversals
*/
package correction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/allocation"
	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/lock"
)

const ReasonForfeiture = "forfeiture"

type Service struct {
	ledger *ledger.Ledger
	locker lock.Locker
	logger *slog.Logger
}

func NewService(l *ledger.Ledger, locker lock.Locker, logger *slog.Logger) *Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, locker: locker, logger: logger}
}

// =============================================================================
// REVERSAL
// =============================================================================

// ReverseTransaction posts the mirror image of id and marks it reversed.
func (s *Service) ReverseTransaction(ctx context.Context, id, reason, actor string) (ledger.TransactionEntry, error) {
	if strings.TrimSpace(reason) == "" {
		return ledger.TransactionEntry{}, fmt.Errorf("%w: reversal reason required", ledger.ErrInvalidEntry)
	}
	original, err := s.ledger.Get(ctx, id)
	if err != nil {
		return ledger.TransactionEntry{}, err
	}
	unlock, err := s.lockStudent(ctx, original)
	if err != nil {
		return ledger.TransactionEntry{}, err
	}
	defer unlock()

	return s.ledger.Reverse(ctx, id, ledger.ReverseInput{Reason: reason, Actor: actor})
}

// ReverseForfeiture cancels a rental accrual for a tenant who forfeits and
// recognizes any deposit already paid for that period as forfeited income.
//
// It does not post a single "debit forfeited income, credit AR" entry.
// The accrual is reversed line for line (debit rent income, admin income
// and deposits held; credit AR), and a companion adjustment debits AR and
// credits forfeited income (4200) for the deposit received, capped at the
// accrued deposit. Both commit in one transaction. Net effect: nothing of
// the period stays on AR or in deposits held, and the deposit received is
// income.
//
// The returned slice holds the reversal first, then the companion if any.
func (s *Service) ReverseForfeiture(ctx context.Context, id, actor string) ([]ledger.TransactionEntry, error) {
	original, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	am, ok := original.Metadata.(*ledger.AccrualMetadata)
	if original.Source != ledger.SourceRentalAccrual || !ok {
		return nil, fmt.Errorf("%w: forfeiture applies to rental accruals, %s is %s",
			ledger.ErrInvalidEntry, id, original.Source)
	}

	unlock, err := s.lockStudent(ctx, original)
	if err != nil {
		return nil, err
	}
	defer unlock()

	kept, err := s.depositSettled(ctx, am)
	if err != nil {
		return nil, err
	}
	if deposit := original.CreditTo(ledger.CodeDepositsHeld); kept.GreaterThan(deposit) {
		kept = deposit
	}

	in := ledger.ReverseInput{Reason: ReasonForfeiture, Actor: actor}
	if kept.IsPositive() {
		ar := ledger.StudentARCode(am.StudentID)
		in.Companions = []ledger.TransactionEntry{{
			Date:        s.ledger.Now(),
			Description: fmt.Sprintf("Forfeited deposit %s for %s", am.StudentID, am.Period()),
			Lines: []ledger.Line{
				ledger.DebitLine(ar, kept),
				ledger.CreditLine(ledger.CodeForfeitedIncome, kept),
			},
			Source:      ledger.SourceAdjustment,
			SourceID:    original.SourceID,
			SourceModel: original.SourceModel,
			Residence:   original.Residence,
			CreatedBy:   actor,
		}}
	}

	reversal, err := s.ledger.Reverse(ctx, id, in)
	if err != nil {
		return nil, err
	}
	out := []ledger.TransactionEntry{reversal}
	if kept.IsPositive() {
		companions, err := s.ledger.Collect(ctx, ledger.Filter{
			Sources:   []ledger.Source{ledger.SourceAdjustment},
			Reference: id,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, companions...)
	}

	s.logger.Info("accrual forfeited",
		"transaction_id", id,
		"student_id", am.StudentID,
		"period", am.Period().String(),
		"deposit_kept", kept.StringFixed(2))
	return out, nil
}

// depositSettled sums deposit payments tied to the accrual's period.
func (s *Service) depositSettled(ctx context.Context, am *ledger.AccrualMetadata) (decimal.Decimal, error) {
	total := decimal.Zero
	period := am.Period()
	ar := ledger.StudentARCode(am.StudentID)
	for e, err := range s.ledger.Find(ctx, ledger.Filter{
		StudentID: am.StudentID,
		Sources:   []ledger.Source{ledger.SourcePayment},
		Statuses:  []ledger.Status{ledger.StatusPosted},
	}) {
		if err != nil {
			return decimal.Zero, err
		}
		sm, ok := e.Metadata.(*ledger.SettlementMetadata)
		if !ok || sm.PaymentType != ledger.PaymentDeposit || sm.MonthSettled == nil || *sm.MonthSettled != period {
			continue
		}
		total = total.Add(e.CreditTo(ar))
	}
	return total, nil
}

func (s *Service) lockStudent(ctx context.Context, e ledger.TransactionEntry) (lock.Unlock, error) {
	student := e.StudentID()
	if student == "" {
		return func() {}, nil
	}
	return s.locker.Lock(ctx, allocation.StudentLockKey(student))
}

// =============================================================================
// DUPLICATE REVERSAL CLEANUP
// =============================================================================

type CleanupOptions struct {
	DryRun bool
	Actor  string
}

// CleanupGroup is one (student, reason) key with more than one reversal.
type CleanupGroup struct {
	StudentID string   `json:"studentId"`
	Reason    string   `json:"reason"`
	Kept      string   `json:"kept"`
	Removed   []string `json:"removed"`
}

type CleanupReport struct {
	DryRun   bool             `json:"dryRun"`
	Scanned  int              `json:"scanned"`
	Groups   []CleanupGroup   `json:"groups"`
	Removals []ledger.Removal `json:"removals,omitempty"`
}

type reversalKey struct {
	student string
	reason  string
}

// CleanupDuplicateReversals keeps the earliest posted reversal per
// (student, reason) and deletes the rest in one transaction. Originals left
// without a reversal go back to posted. With DryRun nothing is written.
func (s *Service) CleanupDuplicateReversals(ctx context.Context, opts CleanupOptions) (CleanupReport, error) {
	report := CleanupReport{DryRun: opts.DryRun}
	groups := make(map[reversalKey][]ledger.TransactionEntry)

	for e, err := range s.ledger.Find(ctx, ledger.Filter{
		Sources:  ledger.ReversalSources(),
		Statuses: []ledger.Status{ledger.StatusPosted},
	}) {
		if err != nil {
			return CleanupReport{}, err
		}
		report.Scanned++
		rm, ok := e.Metadata.(*ledger.ReversalMetadata)
		if !ok || rm.StudentID == "" {
			continue
		}
		k := reversalKey{student: rm.StudentID, reason: strings.ToLower(strings.TrimSpace(rm.Reason))}
		groups[k] = append(groups[k], e)
	}

	var doomed []string
	for k, entries := range groups {
		if len(entries) < 2 {
			continue
		}
		// Find yields in Seq order, so entries[0] is the earliest
		g := CleanupGroup{StudentID: k.student, Reason: k.reason, Kept: entries[0].TransactionID}
		for _, e := range entries[1:] {
			g.Removed = append(g.Removed, e.TransactionID)
		}
		doomed = append(doomed, g.Removed...)
		report.Groups = append(report.Groups, g)
	}
	sort.Slice(report.Groups, func(i, j int) bool {
		if report.Groups[i].StudentID != report.Groups[j].StudentID {
			return report.Groups[i].StudentID < report.Groups[j].StudentID
		}
		return report.Groups[i].Reason < report.Groups[j].Reason
	})

	if opts.DryRun || len(doomed) == 0 {
		for _, g := range report.Groups {
			s.logger.Info("duplicate reversals found",
				"student_id", g.StudentID,
				"reason", g.Reason,
				"kept", g.Kept,
				"would_remove", len(g.Removed),
				"dry_run", opts.DryRun)
		}
		return report, nil
	}

	removals, err := s.ledger.RemoveReversals(ctx, doomed)
	if err != nil {
		return CleanupReport{}, err
	}
	report.Removals = removals
	for _, r := range removals {
		s.logger.Warn("duplicate reversal removed",
			"reversal_id", r.ReversalID,
			"original_id", r.OriginalID,
			"original_restored", r.OriginalRestored,
			"actor", opts.Actor)
	}
	return report, nil
}
