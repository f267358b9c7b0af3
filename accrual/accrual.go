/*
Package accrual recognizes monthly rent obligations as ledger entries.

PURPOSE:
  For one student and one billing period, post exactly one balanced
  rental_accrual entry. For the whole directory, do that for every active
  debtor and every lease month up to a cut-off period.

ENTRY SHAPE:
  Dr 1100-<student>   rent + admin + deposit
      Cr 4000          rent
      Cr 4100          admin fee       (first lease month, if > 0)
      Cr 2020          deposit         (first lease month, if > 0)

  The deposit is a liability, never income. Date is the first day of the
  billing period, never "now".

IDEMPOTENCY:
  A pre-check query skips periods that are already accrued. Two callers can
  still pass the pre-check at once; the store's unique constraint on
  (student, year, month, source) rejects the second insert and the generator
  reports it as skipped. Batch runs are therefore safe to re-run.

SEE ALSO:
  - debtor.go: Lease data and first-month rules
  - ledger/store.go: Uniqueness contract
*/
package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// RATES
// =============================================================================

// Rates are the charges for one billing period.
type Rates struct {
	Rent     decimal.Decimal `json:"rent"`
	AdminFee decimal.Decimal `json:"adminFee"`
	Deposit  decimal.Decimal `json:"deposit"`
}

func (r Rates) Total() decimal.Decimal {
	return r.Rent.Add(r.AdminFee).Add(r.Deposit)
}

func (r Rates) Validate() error {
	for _, c := range []struct {
		name string
		v    decimal.Decimal
	}{{"rent", r.Rent}, {"admin fee", r.AdminFee}, {"deposit", r.Deposit}} {
		if c.v.IsNegative() {
			return fmt.Errorf("%w: %s is negative", ledger.ErrInvalidEntry, c.name)
		}
		if !ledger.IsCents(c.v) {
			return fmt.Errorf("%w: %s has more than 2 decimal places", ledger.ErrInvalidEntry, c.name)
		}
	}
	if !r.Total().IsPositive() {
		return fmt.Errorf("%w: nothing to accrue", ledger.ErrInvalidEntry)
	}
	return nil
}

// =============================================================================
// GENERATOR
// =============================================================================

type Options struct {
	Actor     string
	Residence string
}

// Result of one CreateAccrual call. Skipped means the period was already
// accrued and Entry is the existing accrual.
type Result struct {
	StudentID string                  `json:"studentId"`
	Period    ledger.Period           `json:"period"`
	Entry     ledger.TransactionEntry `json:"-"`
	Skipped   bool                    `json:"skipped"`
}

type Generator struct {
	ledger      *ledger.Ledger
	directory   DebtorDirectory
	logger      *slog.Logger
	concurrency int
}

func NewGenerator(l *ledger.Ledger, directory DebtorDirectory, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{ledger: l, directory: directory, logger: logger, concurrency: 4}
}

// WithConcurrency bounds how many debtors a batch processes at once.
func (g *Generator) WithConcurrency(n int) *Generator {
	if n > 0 {
		g.concurrency = n
	}
	return g
}

// CreateAccrual posts the accrual for (studentID, period) unless one exists.
func (g *Generator) CreateAccrual(ctx context.Context, studentID string, period ledger.Period, rates Rates, opts Options) (Result, error) {
	res := Result{StudentID: studentID, Period: period}
	if studentID == "" {
		return res, fmt.Errorf("%w: student id required", ledger.ErrInvalidEntry)
	}
	if period.IsZero() {
		return res, fmt.Errorf("%w: period required", ledger.ErrInvalidEntry)
	}
	if err := rates.Validate(); err != nil {
		return res, err
	}

	existing, found, err := g.existing(ctx, studentID, period)
	if err != nil {
		return res, err
	}
	if found {
		res.Entry, res.Skipped = existing, true
		return res, nil
	}

	ar, err := g.ledger.Accounts().EnsureStudentAR(ctx, studentID)
	if err != nil {
		return res, err
	}

	posted, err := g.ledger.Post(ctx, buildEntry(ar.Code, studentID, period, rates, opts))
	if errors.Is(err, ledger.ErrDuplicateAccrual) {
		// lost the race to a concurrent caller
		existing, found, err = g.existing(ctx, studentID, period)
		if err != nil {
			return res, err
		}
		if found {
			res.Entry, res.Skipped = existing, true
			return res, nil
		}
		return res, fmt.Errorf("accrual %s %s: %w", studentID, period, ledger.ErrDuplicateAccrual)
	}
	if err != nil {
		return res, fmt.Errorf("accrual %s %s: %w", studentID, period, err)
	}

	g.logger.Info("accrual created",
		"student_id", studentID,
		"period", period.String(),
		"transaction_id", posted.TransactionID,
		"total", posted.TotalDebit.StringFixed(2))
	res.Entry = posted
	return res, nil
}

func (g *Generator) existing(ctx context.Context, studentID string, period ledger.Period) (ledger.TransactionEntry, bool, error) {
	for e, err := range g.ledger.Find(ctx, ledger.Filter{
		Sources:       []ledger.Source{ledger.SourceRentalAccrual},
		Statuses:      []ledger.Status{ledger.StatusPosted},
		StudentID:     studentID,
		AccrualPeriod: &period,
		Limit:         1,
	}) {
		if err != nil {
			return ledger.TransactionEntry{}, false, err
		}
		return e, true, nil
	}
	return ledger.TransactionEntry{}, false, nil
}

func buildEntry(arCode, studentID string, period ledger.Period, rates Rates, opts Options) ledger.TransactionEntry {
	total := rates.Total()
	lines := []ledger.Line{
		ledger.DebitLine(arCode, total).WithDescription("Rent due " + period.String()),
	}
	if rates.Rent.IsPositive() {
		lines = append(lines, ledger.CreditLine(ledger.CodeRentalIncome, rates.Rent).WithDescription("Rental income"))
	}
	if rates.AdminFee.IsPositive() {
		lines = append(lines, ledger.CreditLine(ledger.CodeAdminIncome, rates.AdminFee).WithDescription("Administrative fee"))
	}
	if rates.Deposit.IsPositive() {
		lines = append(lines, ledger.CreditLine(ledger.CodeDepositsHeld, rates.Deposit).WithDescription("Security deposit"))
	}

	return ledger.TransactionEntry{
		Date:        period.Start(),
		Description: fmt.Sprintf("Rent accrual %s - %s", period, studentID),
		Reference:   fmt.Sprintf("accrual:%s:%s", studentID, period),
		Lines:       lines,
		Source:      ledger.SourceRentalAccrual,
		SourceID:    studentID,
		SourceModel: "Debtor",
		Residence:   opts.Residence,
		Metadata: &ledger.AccrualMetadata{
			StudentID:     studentID,
			AccrualMonth:  int(period.Month),
			AccrualYear:   period.Year,
			Type:          ledger.AccrualTypeRent,
			RentAmount:    rates.Rent,
			AdminFee:      rates.AdminFee,
			DepositAmount: rates.Deposit,
			TotalAmount:   total,
		},
		CreatedBy: opts.Actor,
	}
}

// =============================================================================
// BATCH
// =============================================================================

type ItemResult struct {
	StudentID     string        `json:"studentId"`
	Period        ledger.Period `json:"period,omitzero"`
	Status        string        `json:"status"` // created | skipped | error
	TransactionID string        `json:"transactionId,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type ItemError struct {
	StudentID string        `json:"studentId"`
	Period    ledger.Period `json:"period,omitzero"`
	Error     string        `json:"error"`
}

type BatchResult struct {
	Created int          `json:"created"`
	Skipped int          `json:"skipped"`
	Errors  []ItemError  `json:"errors"`
	Items   []ItemResult `json:"items"`
}

const (
	ItemCreated = "created"
	ItemSkipped = "skipped"
	ItemFailed  = "error"
)

// CreateMonthlyAccrualsBatch accrues every active debtor for every lease month
// through the given period. Debtors run concurrently; one debtor's months run
// in order and stop at that debtor's first failure. A failing debtor never
// aborts the batch. Only a directory failure returns an error.
func (g *Generator) CreateMonthlyAccrualsBatch(ctx context.Context, through ledger.Period, opts Options) (BatchResult, error) {
	debtors, err := g.directory.ActiveDebtors(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list active debtors: %w", err)
	}

	var (
		mu     sync.Mutex
		result = BatchResult{Errors: []ItemError{}, Items: []ItemResult{}}
	)
	record := func(items []ItemResult) {
		mu.Lock()
		defer mu.Unlock()
		for _, it := range items {
			switch it.Status {
			case ItemCreated:
				result.Created++
			case ItemSkipped:
				result.Skipped++
			default:
				result.Errors = append(result.Errors, ItemError{StudentID: it.StudentID, Period: it.Period, Error: it.Error})
			}
			result.Items = append(result.Items, it)
		}
	}

	// a bounded pool: per-debtor failures land in the result, never in the group
	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for _, d := range debtors {
		eg.Go(func() error {
			record(g.accrueDebtor(ctx, d, through, opts))
			return nil
		})
	}
	eg.Wait()

	sort.Slice(result.Items, func(i, j int) bool {
		a, b := result.Items[i], result.Items[j]
		if a.StudentID != b.StudentID {
			return a.StudentID < b.StudentID
		}
		return a.Period.Before(b.Period)
	})
	sort.SliceStable(result.Errors, func(i, j int) bool { return result.Errors[i].StudentID < result.Errors[j].StudentID })

	g.logger.Info("accrual batch finished",
		"through", through.String(),
		"debtors", len(debtors),
		"created", result.Created,
		"skipped", result.Skipped,
		"errors", len(result.Errors))
	return result, nil
}

func (g *Generator) accrueDebtor(ctx context.Context, d Debtor, through ledger.Period, opts Options) []ItemResult {
	if err := d.Validate(); err != nil {
		g.logger.Warn("accrual skipped invalid debtor", "student_id", d.StudentID, "error", err)
		return []ItemResult{{StudentID: d.StudentID, Status: ItemFailed, Error: err.Error()}}
	}

	debtorOpts := opts
	if debtorOpts.Residence == "" {
		debtorOpts.Residence = d.Residence
	}

	var items []ItemResult
	for _, p := range d.Periods(through) {
		if err := ctx.Err(); err != nil {
			return append(items, ItemResult{StudentID: d.StudentID, Period: p, Status: ItemFailed, Error: err.Error()})
		}
		res, err := g.CreateAccrual(ctx, d.StudentID, p, d.RatesFor(p), debtorOpts)
		if err != nil {
			g.logger.Error("accrual failed", "student_id", d.StudentID, "period", p.String(), "error", err)
			return append(items, ItemResult{StudentID: d.StudentID, Period: p, Status: ItemFailed, Error: err.Error()})
		}
		item := ItemResult{StudentID: d.StudentID, Period: p, Status: ItemCreated, TransactionID: res.Entry.TransactionID}
		if res.Skipped {
			item.Status = ItemSkipped
		}
		items = append(items, item)
	}
	return items
}
