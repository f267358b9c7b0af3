package correction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// AUDIT - Standing integrity check, read-only
// =============================================================================

type FindingKind string

const (
	// line debits != line credits by at least a cent
	FindingUnbalanced FindingKind = "unbalanced"
	// stored TotalDebit/TotalCredit disagree with the lines
	FindingTotalsMismatch FindingKind = "totals_mismatch"
	FindingInvalidLine    FindingKind = "invalid_line"
	// reversal whose original does not exist
	FindingOrphanReversal FindingKind = "orphan_reversal"
	// status reversed with no posted reversal pointing at it
	FindingReversedWithoutReversal FindingKind = "reversed_without_reversal"
	// more than one posted accrual for a (student, period)
	FindingDuplicateAccrual FindingKind = "duplicate_accrual"
	// settlement tagged with a period the student was never charged for
	FindingUnattributedSettlement FindingKind = "unattributed_settlement"
)

var tolerance = decimal.New(1, -2)

type Finding struct {
	Kind          FindingKind     `json:"kind"`
	TransactionID string          `json:"transactionId"`
	StudentID     string          `json:"studentId,omitempty"`
	Detail        string          `json:"detail"`
	Difference    decimal.Decimal `json:"difference,omitzero"`
}

type AuditReport struct {
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	Scanned    int                 `json:"scanned"`
	Findings   []Finding           `json:"findings"`
	Counts     map[FindingKind]int `json:"counts"`
}

func (r AuditReport) Clean() bool { return len(r.Findings) == 0 }

func (r *AuditReport) add(f Finding) {
	r.Findings = append(r.Findings, f)
	r.Counts[f.Kind]++
}

// AuditLedger scans every entry matching f and reports integrity problems.
// It never writes. Cross-entry checks (originals, accrual periods) look
// outside f when they need to.
func (s *Service) AuditLedger(ctx context.Context, f ledger.Filter) (AuditReport, error) {
	report := AuditReport{
		StartedAt: s.ledger.Now(),
		Findings:  []Finding{},
		Counts:    make(map[FindingKind]int),
	}
	accruals := make(map[string][]string)              // accrual key -> ids
	charged := make(map[string]map[ledger.Period]bool) // student -> accrued periods, any status

	for e, err := range s.ledger.Find(ctx, f) {
		if err != nil {
			return AuditReport{}, err
		}
		report.Scanned++
		student := e.StudentID()

		auditLines(&report, e)

		if key := ledger.AccrualKey(e); key != "" {
			accruals[key] = append(accruals[key], e.TransactionID)
		}

		if rm, ok := e.Metadata.(*ledger.ReversalMetadata); ok && e.Source.IsReversal() {
			if _, err := s.ledger.Get(ctx, rm.OriginalTransactionID); ledger.IsNotFound(err) {
				report.add(Finding{
					Kind:          FindingOrphanReversal,
					TransactionID: e.TransactionID,
					StudentID:     student,
					Detail:        fmt.Sprintf("original %s does not exist", rm.OriginalTransactionID),
				})
			} else if err != nil {
				return AuditReport{}, err
			}
		}

		if e.Status == ledger.StatusReversed {
			ok, err := s.hasPostedReversal(ctx, e.TransactionID)
			if err != nil {
				return AuditReport{}, err
			}
			if !ok {
				report.add(Finding{
					Kind:          FindingReversedWithoutReversal,
					TransactionID: e.TransactionID,
					StudentID:     student,
					Detail:        "status is reversed but no posted reversal references it",
				})
			}
		}

		if sm, ok := e.Metadata.(*ledger.SettlementMetadata); ok && e.Status == ledger.StatusPosted && sm.MonthSettled != nil {
			periods, ok := charged[sm.StudentID]
			if !ok {
				periods, err = s.accrualPeriods(ctx, sm.StudentID)
				if err != nil {
					return AuditReport{}, err
				}
				charged[sm.StudentID] = periods
			}
			if !periods[*sm.MonthSettled] {
				report.add(Finding{
					Kind:          FindingUnattributedSettlement,
					TransactionID: e.TransactionID,
					StudentID:     sm.StudentID,
					Detail:        fmt.Sprintf("%s settles %s which was never accrued", sm.PaymentType, sm.MonthSettled),
				})
			}
		}
	}

	for key, ids := range accruals {
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids[1:] {
			report.add(Finding{
				Kind:          FindingDuplicateAccrual,
				TransactionID: id,
				Detail:        fmt.Sprintf("%s already accrued by %s", key, ids[0]),
			})
		}
	}

	report.FinishedAt = s.ledger.Now()
	level := slog.LevelInfo
	if !report.Clean() {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "ledger audit finished",
		"scanned", report.Scanned,
		"findings", len(report.Findings))
	return report, nil
}

func auditLines(report *AuditReport, e ledger.TransactionEntry) {
	student := e.StudentID()
	for _, l := range e.Lines {
		if err := ledger.ValidateLine(l); err != nil {
			report.add(Finding{
				Kind:          FindingInvalidLine,
				TransactionID: e.TransactionID,
				StudentID:     student,
				Detail:        err.Error(),
			})
		}
	}

	debit, credit := e.Totals()
	if diff := debit.Sub(credit).Abs(); diff.GreaterThanOrEqual(tolerance) {
		report.add(Finding{
			Kind:          FindingUnbalanced,
			TransactionID: e.TransactionID,
			StudentID:     student,
			Detail: fmt.Sprintf("debits %s != credits %s on [%s]",
				debit.StringFixed(2), credit.StringFixed(2), strings.Join(e.AccountCodes(), ", ")),
			Difference: diff,
		})
	}
	if !debit.Equal(e.TotalDebit) || !credit.Equal(e.TotalCredit) {
		report.add(Finding{
			Kind:          FindingTotalsMismatch,
			TransactionID: e.TransactionID,
			StudentID:     student,
			Detail: fmt.Sprintf("stored totals %s/%s, lines sum to %s/%s",
				e.TotalDebit.StringFixed(2), e.TotalCredit.StringFixed(2),
				debit.StringFixed(2), credit.StringFixed(2)),
			Difference: ledger.Imbalance(e),
		})
	}
}

func (s *Service) hasPostedReversal(ctx context.Context, id string) (bool, error) {
	for e, err := range s.ledger.Find(ctx, ledger.Filter{
		Reference: id,
		Sources:   ledger.ReversalSources(),
		Statuses:  []ledger.Status{ledger.StatusPosted},
	}) {
		if err != nil {
			return false, err
		}
		if rm, ok := e.Metadata.(*ledger.ReversalMetadata); ok && rm.OriginalTransactionID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) accrualPeriods(ctx context.Context, studentID string) (map[ledger.Period]bool, error) {
	out := make(map[ledger.Period]bool)
	for e, err := range s.ledger.Find(ctx, ledger.Filter{
		StudentID: studentID,
		Sources:   []ledger.Source{ledger.SourceRentalAccrual},
	}) {
		if err != nil {
			return nil, err
		}
		if am, ok := e.Metadata.(*ledger.AccrualMetadata); ok {
			out[am.Period()] = true
		}
	}
	return out, nil
}
