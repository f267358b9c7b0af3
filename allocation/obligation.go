package allocation

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

// Obligation is what one billing period charged and what has been settled
// against it, per payment type. Derived from posted entries on every read.
type Obligation struct {
	Period         ledger.Period   `json:"period"`
	RentAccrued    decimal.Decimal `json:"rentAccrued"`
	AdminAccrued   decimal.Decimal `json:"adminAccrued"`
	DepositAccrued decimal.Decimal `json:"depositAccrued"`
	RentSettled    decimal.Decimal `json:"rentSettled"`
	AdminSettled   decimal.Decimal `json:"adminSettled"`
	DepositSettled decimal.Decimal `json:"depositSettled"`
}

func newObligation(p ledger.Period) *Obligation {
	return &Obligation{
		Period:         p,
		RentAccrued:    decimal.Zero,
		AdminAccrued:   decimal.Zero,
		DepositAccrued: decimal.Zero,
		RentSettled:    decimal.Zero,
		AdminSettled:   decimal.Zero,
		DepositSettled: decimal.Zero,
	}
}

func (o Obligation) RentOutstanding() decimal.Decimal    { return floor(o.RentAccrued.Sub(o.RentSettled)) }
func (o Obligation) AdminOutstanding() decimal.Decimal   { return floor(o.AdminAccrued.Sub(o.AdminSettled)) }
func (o Obligation) DepositOutstanding() decimal.Decimal { return floor(o.DepositAccrued.Sub(o.DepositSettled)) }

// Outstanding returns the unpaid amount for one payment type, never negative.
func (o Obligation) Outstanding(t ledger.PaymentType) decimal.Decimal {
	switch t {
	case ledger.PaymentRent:
		return o.RentOutstanding()
	case ledger.PaymentAdmin:
		return o.AdminOutstanding()
	case ledger.PaymentDeposit:
		return o.DepositOutstanding()
	}
	return decimal.Zero
}

func (o Obligation) TotalOutstanding() decimal.Decimal {
	return o.RentOutstanding().Add(o.AdminOutstanding()).Add(o.DepositOutstanding())
}

func (o *Obligation) settle(t ledger.PaymentType, amount decimal.Decimal) {
	switch t {
	case ledger.PaymentRent:
		o.RentSettled = o.RentSettled.Add(amount)
	case ledger.PaymentAdmin:
		o.AdminSettled = o.AdminSettled.Add(amount)
	case ledger.PaymentDeposit:
		o.DepositSettled = o.DepositSettled.Add(amount)
	}
}

func floor(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// OutstandingView is the queryOutstanding row shape.
type OutstandingView struct {
	Period             ledger.Period   `json:"period"`
	RentOutstanding    decimal.Decimal `json:"rentOutstanding"`
	AdminOutstanding   decimal.Decimal `json:"adminOutstanding"`
	DepositOutstanding decimal.Decimal `json:"depositOutstanding"`
	TotalOutstanding   decimal.Decimal `json:"totalOutstanding"`
}

func (o Obligation) View() OutstandingView {
	return OutstandingView{
		Period:             o.Period,
		RentOutstanding:    o.RentOutstanding(),
		AdminOutstanding:   o.AdminOutstanding(),
		DepositOutstanding: o.DepositOutstanding(),
		TotalOutstanding:   o.TotalOutstanding(),
	}
}

// Statement is a student's open position: periods still owing, oldest
// first, and advance credit that no accrual has absorbed yet.
// Unless a settled period was later reversed, TotalOutstanding minus
// UnappliedCredit equals the student's AR net.
type Statement struct {
	StudentID        string            `json:"studentId"`
	Periods          []OutstandingView `json:"periods"`
	TotalOutstanding decimal.Decimal   `json:"totalOutstanding"`
	UnappliedCredit  decimal.Decimal   `json:"unappliedCredit"`
}

// position is the replayed state behind a Statement and a payment plan.
type position struct {
	obligations []Obligation // settled and advance-applied, by period
	credit      map[ledger.PaymentType]decimal.Decimal
	hasHistory  bool
}

func (p position) unappliedCredit() decimal.Decimal {
	total := decimal.Zero
	for _, amt := range p.credit {
		total = total.Add(amt)
	}
	return total
}

// loadPosition replays the student's posted accruals and settlements.
// hasHistory is false when the student has no posted accrual at all.
//
// Settlements tagged with a period count against that period. Settlements
// for periods without a posted accrual (e.g. after a forfeiture reversed it)
// are ignored. Advances carry no period: each payment type's advance total
// is applied to whatever that type still owes, oldest period first, and the
// rest is reported as credit.
func loadPosition(ctx context.Context, l *ledger.Ledger, studentID string) (position, error) {
	byPeriod := make(map[ledger.Period]*Obligation)
	settled := make(map[ledger.Period]map[ledger.PaymentType]decimal.Decimal)
	advance := make(map[ledger.PaymentType]decimal.Decimal)
	arCode := ledger.StudentARCode(studentID)

	for e, ferr := range l.Find(ctx, ledger.Filter{
		StudentID: studentID,
		Statuses:  []ledger.Status{ledger.StatusPosted},
		Sources:   []ledger.Source{ledger.SourceRentalAccrual, ledger.SourcePayment},
	}) {
		if ferr != nil {
			return position{}, ferr
		}
		switch m := e.Metadata.(type) {
		case *ledger.AccrualMetadata:
			p := m.Period()
			o, ok := byPeriod[p]
			if !ok {
				o = newObligation(p)
				byPeriod[p] = o
			}
			o.RentAccrued = o.RentAccrued.Add(m.RentAmount)
			o.AdminAccrued = o.AdminAccrued.Add(m.AdminFee)
			o.DepositAccrued = o.DepositAccrued.Add(m.DepositAmount)
		case *ledger.SettlementMetadata:
			amt := e.CreditTo(arCode)
			if m.MonthSettled == nil {
				advance[m.PaymentType] = advance[m.PaymentType].Add(amt)
				continue
			}
			p := *m.MonthSettled
			if settled[p] == nil {
				settled[p] = make(map[ledger.PaymentType]decimal.Decimal)
			}
			settled[p][m.PaymentType] = settled[p][m.PaymentType].Add(amt)
		}
	}

	for p, byType := range settled {
		o, ok := byPeriod[p]
		if !ok {
			continue
		}
		for t, amt := range byType {
			o.settle(t, amt)
		}
	}

	pos := position{
		obligations: make([]Obligation, 0, len(byPeriod)),
		credit:      make(map[ledger.PaymentType]decimal.Decimal),
		hasHistory:  len(byPeriod) > 0,
	}
	for _, o := range byPeriod {
		pos.obligations = append(pos.obligations, *o)
	}
	sort.Slice(pos.obligations, func(i, j int) bool {
		return pos.obligations[i].Period.Before(pos.obligations[j].Period)
	})

	for _, t := range planOrder {
		left := advance[t]
		for i := range pos.obligations {
			if !left.IsPositive() {
				break
			}
			take := decimal.Min(left, pos.obligations[i].Outstanding(t))
			if take.IsPositive() {
				pos.obligations[i].settle(t, take)
				left = left.Sub(take)
			}
		}
		if left.IsPositive() {
			pos.credit[t] = left
		}
	}
	return pos, nil
}
