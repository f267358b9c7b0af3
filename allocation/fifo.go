package allocation

import (
	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

// =============================================================================
// FIFO PLAN - Pure allocation, no I/O
// =============================================================================

// Allocation is one slice of a payment: an amount of one payment type
// applied to one period, or to no period for an advance.
type Allocation struct {
	Month             *ledger.Period        `json:"month"` // nil for advance
	PaymentType       ledger.PaymentType    `json:"paymentType"`
	AmountAllocated   decimal.Decimal       `json:"amountAllocated"`
	AllocationType    ledger.AllocationType `json:"allocationType"`
	OutstandingBefore decimal.Decimal       `json:"outstandingBefore"`
	OutstandingAfter  decimal.Decimal       `json:"outstandingAfter"`
	TransactionID     string                `json:"transactionId,omitempty"`
}

// Plan is the full breakdown of one payment before anything is posted.
type Plan struct {
	Allocations      []Allocation
	After            []Obligation // obligations with the plan applied
	TotalAllocated   decimal.Decimal
	AdvanceAmount    decimal.Decimal
	RemainingBalance decimal.Decimal
}

// MonthsCovered counts distinct periods that received money.
func (p Plan) MonthsCovered() int {
	seen := make(map[ledger.Period]bool)
	for _, a := range p.Allocations {
		if a.Month != nil {
			seen[*a.Month] = true
		}
	}
	return len(seen)
}

// planOrder fixes the order sub-amounts are applied in. Types are
// independent so the order only affects how allocations are listed.
var planOrder = []ledger.PaymentType{ledger.PaymentRent, ledger.PaymentAdmin, ledger.PaymentDeposit}

// BuildPlan applies amounts to obligations oldest period first.
//
//   - rent walks every period, min(remaining, outstanding) each
//   - admin and deposit go to the earliest period still owing that component,
//     capped at what it owes; they are never split across periods
//   - whatever is left of any type becomes an advance with no period
//
// obligations must be sorted by period ascending.
func BuildPlan(obligations []Obligation, amounts map[ledger.PaymentType]decimal.Decimal) Plan {
	after := make([]Obligation, len(obligations))
	copy(after, obligations)

	plan := Plan{TotalAllocated: decimal.Zero, AdvanceAmount: decimal.Zero}
	for _, t := range planOrder {
		remaining, ok := amounts[t]
		if !ok || !remaining.IsPositive() {
			continue
		}

		for i := range after {
			if !remaining.IsPositive() {
				break
			}
			out := after[i].Outstanding(t)
			if !out.IsPositive() {
				continue
			}
			apply := decimal.Min(remaining, out)
			period := after[i].Period
			kind := ledger.AllocationPartial
			if apply.Equal(out) {
				kind = ledger.AllocationFull
			}
			after[i].settle(t, apply)
			plan.Allocations = append(plan.Allocations, Allocation{
				Month:             &period,
				PaymentType:       t,
				AmountAllocated:   apply,
				AllocationType:    kind,
				OutstandingBefore: out,
				OutstandingAfter:  after[i].Outstanding(t),
			})
			plan.TotalAllocated = plan.TotalAllocated.Add(apply)
			remaining = remaining.Sub(apply)

			if t != ledger.PaymentRent {
				// one-time charges settle a single period
				break
			}
		}

		if remaining.IsPositive() {
			plan.Allocations = append(plan.Allocations, Allocation{
				PaymentType:       t,
				AmountAllocated:   remaining,
				AllocationType:    ledger.AllocationAdvance,
				OutstandingBefore: decimal.Zero,
				OutstandingAfter:  decimal.Zero,
			})
			plan.AdvanceAmount = plan.AdvanceAmount.Add(remaining)
		}
	}

	plan.After = after
	plan.RemainingBalance = decimal.Zero
	for _, o := range after {
		plan.RemainingBalance = plan.RemainingBalance.Add(o.TotalOutstanding())
	}
	return plan
}
