/*
Package allocation settles payments against outstanding obligations.

PURPOSE:
  Given a payment split into typed sub-amounts {rent, admin, deposit} for one
  student, settle that student's obligations oldest period first and record
  exactly which period absorbed which dollars (monthSettled).

ALGORITHM (see fifo.go):
  1. Replay the student's posted accruals and settlements into per-period
     obligations, sorted by (year, month)
  2. Rent: walk periods oldest-first, min(remaining, outstanding) each
  3. Admin / deposit: one-time charges; the whole sub-amount goes to the
     earliest period still owing that component, capped at what it owes
  4. Leftover of any type is an advance with monthSettled = nil
  5. Post one settlement entry per (period, payment type) plus one per
     advance type, all atomically: Dr Cash/Bank, Cr 1100-<student>

CONCURRENCY:
  Steps 1-5 run under a per-student lock. Two payments for the same student
  never read the same outstanding snapshot. Different students run in
  parallel.

FAILURES:
  A student with no posted accrual gets Result{Success: false,
  Error: "NoOutstandingObligations"}; nothing is posted. The engine never
  guesses where an unattributed payment belongs.

SEE ALSO:
  - obligation.go: Read model
  - lock/: Per-student serialization
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/lock"
)

// =============================================================================
// PAYMENT EVENT
// =============================================================================

type PaymentComponent struct {
	Type   ledger.PaymentType `json:"type"`
	Amount decimal.Decimal    `json:"amount"`
}

// PaymentEvent is delivered by the payment source.
type PaymentEvent struct {
	PaymentID   string             `json:"paymentId"`
	StudentID   string             `json:"studentId"`
	TotalAmount decimal.Decimal    `json:"totalAmount"` // optional; must match the components when set
	Payments    []PaymentComponent `json:"payments"`
	Date        time.Time          `json:"date"`
	Method      string             `json:"method"`
	Residence   string             `json:"residence,omitempty"`
	Actor       string             `json:"-"`
}

const MethodCash = "cash"

// CashAccount is where the money lands: 1000 for cash, 1010 for anything
// that clears through the bank.
func (p PaymentEvent) CashAccount() string {
	if strings.EqualFold(strings.TrimSpace(p.Method), MethodCash) {
		return ledger.CodeCash
	}
	return ledger.CodeBank
}

// Amounts sums components by type.
func (p PaymentEvent) Amounts() map[ledger.PaymentType]decimal.Decimal {
	out := make(map[ledger.PaymentType]decimal.Decimal, len(p.Payments))
	for _, c := range p.Payments {
		out[c.Type] = out[c.Type].Add(c.Amount)
	}
	return out
}

func (p PaymentEvent) Validate() error {
	if p.PaymentID == "" {
		return fmt.Errorf("%w: paymentId required", ledger.ErrInvalidPayment)
	}
	if p.StudentID == "" {
		return fmt.Errorf("%w: studentId required", ledger.ErrInvalidPayment)
	}
	if p.Date.IsZero() {
		return fmt.Errorf("%w: date required", ledger.ErrInvalidPayment)
	}
	if len(p.Payments) == 0 {
		return fmt.Errorf("%w: at least one payment component required", ledger.ErrInvalidPayment)
	}
	sum := decimal.Zero
	for _, c := range p.Payments {
		if !c.Type.Valid() {
			return fmt.Errorf("%w: unknown payment type %q", ledger.ErrInvalidPayment, c.Type)
		}
		if !c.Amount.IsPositive() {
			return fmt.Errorf("%w: %s amount must be positive", ledger.ErrInvalidPayment, c.Type)
		}
		if !ledger.IsCents(c.Amount) {
			return fmt.Errorf("%w: %s amount has more than 2 decimal places", ledger.ErrInvalidPayment, c.Type)
		}
		sum = sum.Add(c.Amount)
	}
	if !p.TotalAmount.IsZero() && !p.TotalAmount.Equal(sum) {
		return fmt.Errorf("%w: components sum to %s but totalAmount is %s",
			ledger.ErrInvalidPayment, sum.StringFixed(2), p.TotalAmount.StringFixed(2))
	}
	return nil
}

// =============================================================================
// RESULT
// =============================================================================

type Summary struct {
	TotalAllocated       decimal.Decimal `json:"totalAllocated"`
	RemainingBalance     decimal.Decimal `json:"remainingBalance"`
	MonthsCovered        int             `json:"monthsCovered"`
	AdvancePaymentAmount decimal.Decimal `json:"advancePaymentAmount"`
}

type Detail struct {
	Summary          Summary      `json:"summary"`
	MonthlyBreakdown []Allocation `json:"monthlyBreakdown"`
}

// Result is the structured outcome of AllocatePayment. A failed result
// carries a machine-readable Error code and a human Message.
type Result struct {
	Success    bool                      `json:"success"`
	PaymentID  string                    `json:"paymentId,omitempty"`
	StudentID  string                    `json:"studentId,omitempty"`
	Allocation *Detail                   `json:"allocation,omitempty"`
	Entries    []ledger.TransactionEntry `json:"-"`
	Error      string                    `json:"error,omitempty"`
	Message    string                    `json:"message,omitempty"`

	err error
}

// Err returns the underlying error of a failed result, nil on success.
func (r Result) Err() error { return r.err }

// Error codes in Result.Error.
const (
	CodeNoOutstandingObligations = "NoOutstandingObligations"
	CodeInvalidPayment           = "InvalidPayment"
	CodePaymentAlreadyAllocated  = "PaymentAlreadyAllocated"
	CodeInternal                 = "AllocationFailed"
)

func failure(p PaymentEvent, code string, err error) Result {
	return Result{
		Success:   false,
		PaymentID: p.PaymentID,
		StudentID: p.StudentID,
		Error:     code,
		Message:   err.Error(),
		err:       err,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	ledger *ledger.Ledger
	locker lock.Locker
	logger *slog.Logger
}

func NewEngine(l *ledger.Ledger, locker lock.Locker, logger *slog.Logger) *Engine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: l, locker: locker, logger: logger}
}

// StudentLockKey is the lock key shared by every writer of a student's
// settlements.
func StudentLockKey(studentID string) string { return "student:" + studentID }

// AllocatePayment settles p against the student's obligations.
//
// The returned error is non-nil for invalid input, duplicate payments, and
// store failures. "No obligations" is not an error: it comes back as a
// failed Result with a nil error, so callers can tell it apart from a
// successful allocation that left nothing outstanding.
func (e *Engine) AllocatePayment(ctx context.Context, p PaymentEvent) (Result, error) {
	if err := p.Validate(); err != nil {
		return failure(p, CodeInvalidPayment, err), err
	}

	unlock, err := e.locker.Lock(ctx, StudentLockKey(p.StudentID))
	if err != nil {
		return failure(p, CodeInternal, err), err
	}
	defer unlock()

	if dup, err := e.alreadyAllocated(ctx, p.PaymentID); err != nil {
		return failure(p, CodeInternal, err), err
	} else if dup {
		err := fmt.Errorf("%w: %s", ledger.ErrPaymentAlreadyAllocated, p.PaymentID)
		return failure(p, CodePaymentAlreadyAllocated, err), err
	}

	pos, err := loadPosition(ctx, e.ledger, p.StudentID)
	if err != nil {
		return failure(p, CodeInternal, err), err
	}
	if !pos.hasHistory {
		e.logger.Warn("payment not allocated: no obligations",
			"payment_id", p.PaymentID,
			"student_id", p.StudentID)
		return failure(p, CodeNoOutstandingObligations, &ledger.NoObligationsError{StudentID: p.StudentID}), nil
	}

	plan := BuildPlan(pos.obligations, p.Amounts())

	ar, err := e.ledger.Accounts().EnsureStudentAR(ctx, p.StudentID)
	if err != nil {
		return failure(p, CodeInternal, err), err
	}
	entries := make([]ledger.TransactionEntry, 0, len(plan.Allocations))
	for _, a := range plan.Allocations {
		entries = append(entries, settlementEntry(p, ar.Code, a))
	}
	posted, err := e.ledger.PostBatch(ctx, entries)
	if err != nil {
		err = fmt.Errorf("allocate %s: %w", p.PaymentID, err)
		code := CodeInternal
		if ledger.IsClientError(err) {
			code = CodeInvalidPayment
		}
		return failure(p, code, err), err
	}
	for i := range plan.Allocations {
		plan.Allocations[i].TransactionID = posted[i].TransactionID
	}

	e.logger.Info("payment allocated",
		"payment_id", p.PaymentID,
		"student_id", p.StudentID,
		"allocated", plan.TotalAllocated.StringFixed(2),
		"advance", plan.AdvanceAmount.StringFixed(2),
		"remaining_balance", plan.RemainingBalance.StringFixed(2),
		"entries", len(posted))

	return Result{
		Success:   true,
		PaymentID: p.PaymentID,
		StudentID: p.StudentID,
		Allocation: &Detail{
			Summary: Summary{
				TotalAllocated:       plan.TotalAllocated,
				RemainingBalance:     plan.RemainingBalance,
				MonthsCovered:        plan.MonthsCovered(),
				AdvancePaymentAmount: plan.AdvanceAmount,
			},
			MonthlyBreakdown: plan.Allocations,
		},
		Entries: posted,
	}, nil
}

func (e *Engine) alreadyAllocated(ctx context.Context, paymentID string) (bool, error) {
	for _, err := range e.ledger.Find(ctx, ledger.Filter{
		Sources:   []ledger.Source{ledger.SourcePayment},
		Statuses:  []ledger.Status{ledger.StatusPosted},
		PaymentID: paymentID,
		Limit:     1,
	}) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func settlementEntry(p PaymentEvent, arCode string, a Allocation) ledger.TransactionEntry {
	desc := fmt.Sprintf("Payment %s: %s", p.PaymentID, a.PaymentType)
	if a.Month != nil {
		desc += " for " + a.Month.String()
	} else {
		desc += " (advance)"
	}
	return ledger.TransactionEntry{
		Date:        p.Date,
		Description: desc,
		Reference:   p.PaymentID,
		Lines: []ledger.Line{
			ledger.DebitLine(p.CashAccount(), a.AmountAllocated),
			ledger.CreditLine(arCode, a.AmountAllocated),
		},
		Source:      ledger.SourcePayment,
		SourceID:    p.PaymentID,
		SourceModel: "Payment",
		Residence:   p.Residence,
		Metadata: &ledger.SettlementMetadata{
			StudentID:      p.StudentID,
			PaymentID:      p.PaymentID,
			MonthSettled:   a.Month,
			PaymentType:    a.PaymentType,
			AllocationType: a.AllocationType,
			Method:         p.Method,
		},
		CreatedBy: p.Actor,
	}
}

// QueryOutstanding lists the periods that still owe something, oldest first.
func (e *Engine) QueryOutstanding(ctx context.Context, studentID string) ([]OutstandingView, error) {
	st, err := e.QueryStatement(ctx, studentID)
	if err != nil {
		return nil, err
	}
	return st.Periods, nil
}

// QueryStatement returns the owing periods together with their total and
// any advance credit not yet absorbed by an accrual.
func (e *Engine) QueryStatement(ctx context.Context, studentID string) (Statement, error) {
	if studentID == "" {
		return Statement{}, fmt.Errorf("%w: studentId required", ledger.ErrInvalidEntry)
	}
	pos, err := loadPosition(ctx, e.ledger, studentID)
	if err != nil {
		return Statement{}, err
	}
	st := Statement{
		StudentID:        studentID,
		Periods:          []OutstandingView{},
		TotalOutstanding: decimal.Zero,
		UnappliedCredit:  pos.unappliedCredit(),
	}
	for _, o := range pos.obligations {
		if o.TotalOutstanding().IsPositive() {
			st.Periods = append(st.Periods, o.View())
			st.TotalOutstanding = st.TotalOutstanding.Add(o.TotalOutstanding())
		}
	}
	return st, nil
}

// IsNoObligations reports whether err (or a Result's Err) means the student
// had nothing to allocate against.
func IsNoObligations(err error) bool {
	return errors.Is(err, ledger.ErrNoOutstandingObligations)
}
