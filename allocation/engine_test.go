package allocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/accrual"
	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	t      *testing.T
	ledger *ledger.Ledger
	gen    *accrual.Generator
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	reg := ledger.NewRegistry(mem)
	require.NoError(t, reg.Seed(context.Background(), ledger.DefaultChart()))
	l := ledger.New(mem, reg, nil).WithPageSize(3)
	return &fixture{
		t:      t,
		ledger: l,
		gen:    accrual.NewGenerator(l, accrual.NewStaticDirectory(), nil),
		engine: NewEngine(l, nil, nil),
	}
}

func (f *fixture) accrue(student, period, rent, admin, deposit string) {
	f.t.Helper()
	_, err := f.gen.CreateAccrual(context.Background(), student, ledger.MustParsePeriod(period), accrual.Rates{
		Rent:     ledger.Money(rent),
		AdminFee: ledger.Money(admin),
		Deposit:  ledger.Money(deposit),
	}, accrual.Options{})
	require.NoError(f.t, err)
}

func payment(id, student string, parts ...PaymentComponent) PaymentEvent {
	return PaymentEvent{
		PaymentID: id,
		StudentID: student,
		Payments:  parts,
		Date:      time.Date(2025, time.August, 3, 0, 0, 0, 0, time.UTC),
		Method:    "bank_transfer",
	}
}

func rent(amount string) PaymentComponent {
	return PaymentComponent{Type: ledger.PaymentRent, Amount: ledger.Money(amount)}
}

func admin(amount string) PaymentComponent {
	return PaymentComponent{Type: ledger.PaymentAdmin, Amount: ledger.Money(amount)}
}

func deposit(amount string) PaymentComponent {
	return PaymentComponent{Type: ledger.PaymentDeposit, Amount: ledger.Money(amount)}
}

func cents(d decimal.Decimal) string { return d.StringFixed(2) }

// =============================================================================
// FIFO ORDERING
// =============================================================================

func TestAllocate_OldestPeriodFirst(t *testing.T) {
	// GIVEN: 2025-05 and 2025-06 each owe $220 rent
	// WHEN: a $300 rent payment arrives
	// THEN: 2025-05 gets $220 (full), 2025-06 gets $80 (partial)

	f := newFixture(t)
	f.accrue("s1", "2025-06", "220", "0", "0")
	f.accrue("s1", "2025-05", "220", "0", "0")

	res, err := f.engine.AllocatePayment(context.Background(), payment("p1", "s1", rent("300")))
	require.NoError(t, err)
	require.True(t, res.Success)

	bd := res.Allocation.MonthlyBreakdown
	require.Len(t, bd, 2)
	assert.Equal(t, "2025-05", bd[0].Month.String())
	assert.Equal(t, "220.00", cents(bd[0].AmountAllocated))
	assert.Equal(t, ledger.AllocationFull, bd[0].AllocationType)
	assert.Equal(t, "2025-06", bd[1].Month.String())
	assert.Equal(t, "80.00", cents(bd[1].AmountAllocated))
	assert.Equal(t, ledger.AllocationPartial, bd[1].AllocationType)

	s := res.Allocation.Summary
	assert.Equal(t, "300.00", cents(s.TotalAllocated))
	assert.Equal(t, "140.00", cents(s.RemainingBalance))
	assert.Equal(t, 2, s.MonthsCovered)
	assert.True(t, s.AdvancePaymentAmount.IsZero())
}

func TestAllocate_ExactSettlementLeavesZero(t *testing.T) {
	// GIVEN: $220 rent accrued for 2025-07
	// WHEN: exactly $220 of rent is paid
	// THEN: 2025-07 is fully settled with no rounding residue

	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "0", "0")

	res, err := f.engine.AllocatePayment(ctx, payment("p1", "s1", rent("220")))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Allocation.MonthlyBreakdown, 1)

	a := res.Allocation.MonthlyBreakdown[0]
	assert.Equal(t, ledger.AllocationFull, a.AllocationType)
	assert.Equal(t, "2025-07", a.Month.String())
	assert.Equal(t, "0.00", cents(a.OutstandingAfter))
	assert.Equal(t, "0.00", cents(res.Allocation.Summary.RemainingBalance))

	require.Len(t, res.Entries, 1)
	sm, ok := res.Entries[0].Metadata.(*ledger.SettlementMetadata)
	require.True(t, ok)
	require.NotNil(t, sm.MonthSettled)
	assert.Equal(t, "2025-07", sm.MonthSettled.String())

	outstanding, err := f.engine.QueryOutstanding(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

func TestAllocate_RepeatedSmallPaymentsDoNotDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "0", "0")

	// 6 x 36.67 = 220.02
	for i := range 6 {
		res, err := f.engine.AllocatePayment(ctx, payment("p"+string(rune('a'+i)), "s1", rent("36.67")))
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	outstanding, err := f.engine.QueryOutstanding(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, outstanding)

	advances, err := f.ledger.Collect(ctx, ledger.Filter{PaymentID: "pf"})
	require.NoError(t, err)
	require.Len(t, advances, 2)
	assert.Equal(t, "36.65", cents(advances[0].TotalDebit))
	assert.Equal(t, "0.02", cents(advances[1].TotalDebit))
}

// =============================================================================
// ONE-TIME CHARGES
// =============================================================================

func TestAllocate_AdminAndDepositSettleSinglePeriod(t *testing.T) {
	// GIVEN: first month carries admin $20 and deposit $220
	// WHEN: admin and deposit are paid alongside rent
	// THEN: both land on 2025-05 with a non-nil monthSettled and are never split

	f := newFixture(t)
	f.accrue("s1", "2025-05", "220", "20", "220")
	f.accrue("s1", "2025-06", "220", "0", "0")

	res, err := f.engine.AllocatePayment(context.Background(),
		payment("p1", "s1", rent("220"), admin("20"), deposit("220")))
	require.NoError(t, err)
	require.True(t, res.Success)

	byType := map[ledger.PaymentType][]Allocation{}
	for _, a := range res.Allocation.MonthlyBreakdown {
		byType[a.PaymentType] = append(byType[a.PaymentType], a)
	}
	require.Len(t, byType[ledger.PaymentAdmin], 1)
	require.Len(t, byType[ledger.PaymentDeposit], 1)
	assert.Equal(t, "2025-05", byType[ledger.PaymentAdmin][0].Month.String())
	assert.Equal(t, "2025-05", byType[ledger.PaymentDeposit][0].Month.String())

	for _, e := range res.Entries {
		sm := e.Metadata.(*ledger.SettlementMetadata)
		assert.NotNil(t, sm.MonthSettled, "matched %s must carry monthSettled", sm.PaymentType)
		assert.True(t, e.IsBalanced())
	}
	assert.Equal(t, "220.00", cents(res.Allocation.Summary.RemainingBalance), "2025-06 rent still owed")
}

func TestAllocate_AdminExcessBecomesAdvance(t *testing.T) {
	f := newFixture(t)
	f.accrue("s1", "2025-05", "220", "20", "0")

	res, err := f.engine.AllocatePayment(context.Background(), payment("p1", "s1", admin("50")))
	require.NoError(t, err)
	require.True(t, res.Success)

	bd := res.Allocation.MonthlyBreakdown
	require.Len(t, bd, 2)
	assert.Equal(t, "20.00", cents(bd[0].AmountAllocated))
	assert.Equal(t, ledger.AllocationFull, bd[0].AllocationType)
	assert.Nil(t, bd[1].Month)
	assert.Equal(t, ledger.AllocationAdvance, bd[1].AllocationType)
	assert.Equal(t, "30.00", cents(res.Allocation.Summary.AdvancePaymentAmount))
}

// =============================================================================
// ADVANCE AND FAILURE
// =============================================================================

func TestAllocate_ExcessIsAdvance(t *testing.T) {
	// GIVEN: only $220 is owed
	// WHEN: $500 of rent arrives
	// THEN: $280 is advance with no monthSettled; remainingBalance is 0

	f := newFixture(t)
	f.accrue("s1", "2025-07", "220", "0", "0")

	res, err := f.engine.AllocatePayment(context.Background(), payment("p1", "s1", rent("500")))
	require.NoError(t, err)
	require.True(t, res.Success)

	s := res.Allocation.Summary
	assert.Equal(t, "0.00", cents(s.RemainingBalance))
	assert.Equal(t, "280.00", cents(s.AdvancePaymentAmount))
	assert.Equal(t, "220.00", cents(s.TotalAllocated))
	assert.Equal(t, 1, s.MonthsCovered)

	require.Len(t, res.Entries, 2)
	adv := res.Entries[1].Metadata.(*ledger.SettlementMetadata)
	assert.Nil(t, adv.MonthSettled)
	assert.Equal(t, ledger.AllocationAdvance, adv.AllocationType)
}

func TestAllocate_NoHistoryIsStructuredFailure(t *testing.T) {
	// GIVEN: a student with no accruals
	// WHEN: a payment is allocated
	// THEN: a failed result, not a $0 success, and nothing is posted

	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.AllocatePayment(ctx, payment("p1", "ghost", rent("100")))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeNoOutstandingObligations, res.Error)
	assert.Nil(t, res.Allocation)
	assert.True(t, IsNoObligations(res.Err()))

	all, err := f.ledger.Collect(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAllocate_FullyPaidStudentIsNotNoHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "0", "0")

	_, err := f.engine.AllocatePayment(ctx, payment("p1", "s1", rent("220")))
	require.NoError(t, err)

	res, err := f.engine.AllocatePayment(ctx, payment("p2", "s1", rent("100")))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "100.00", cents(res.Allocation.Summary.AdvancePaymentAmount))
}

func TestAllocate_DuplicatePaymentRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "0", "0")

	_, err := f.engine.AllocatePayment(ctx, payment("p1", "s1", rent("100")))
	require.NoError(t, err)

	res, err := f.engine.AllocatePayment(ctx, payment("p1", "s1", rent("100")))
	assert.ErrorIs(t, err, ledger.ErrPaymentAlreadyAllocated)
	assert.Equal(t, CodePaymentAlreadyAllocated, res.Error)
}

func TestAllocate_InvalidPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []PaymentEvent{
		payment("", "s1", rent("10")),
		payment("p1", "", rent("10")),
		payment("p1", "s1"),
		payment("p1", "s1", rent("-10")),
		payment("p1", "s1", rent("10.005")),
		payment("p1", "s1", PaymentComponent{Type: "parking", Amount: ledger.Money("5")}),
	}
	for _, p := range cases {
		res, err := f.engine.AllocatePayment(ctx, p)
		assert.ErrorIs(t, err, ledger.ErrInvalidPayment)
		assert.Equal(t, CodeInvalidPayment, res.Error)
	}

	mismatch := payment("p1", "s1", rent("10"))
	mismatch.TotalAmount = ledger.Money("12")
	_, err := f.engine.AllocatePayment(ctx, mismatch)
	assert.ErrorIs(t, err, ledger.ErrInvalidPayment)
}

// =============================================================================
// LEDGER SHAPE
// =============================================================================

func TestAllocate_CashAccountByMethod(t *testing.T) {
	f := newFixture(t)
	f.accrue("s1", "2025-07", "220", "0", "0")

	p := payment("p1", "s1", rent("100"))
	p.Method = "Cash"
	res, err := f.engine.AllocatePayment(context.Background(), p)
	require.NoError(t, err)

	e := res.Entries[0]
	assert.Equal(t, "100.00", cents(e.DebitTo(ledger.CodeCash)), "debit the receiver")
	assert.Equal(t, "100.00", cents(e.CreditTo("1100-s1")), "credit the giver")
	assert.Equal(t, "p1", e.Reference)
	assert.Equal(t, ledger.SourcePayment, e.Source)

	p2 := payment("p2", "s1", rent("10"))
	res, err = f.engine.AllocatePayment(context.Background(), p2)
	require.NoError(t, err)
	assert.Equal(t, "10.00", cents(res.Entries[0].DebitTo(ledger.CodeBank)))
}

func TestAllocate_ForfeitedPeriodIgnored(t *testing.T) {
	// GIVEN: 2025-05 accrual is reversed
	// WHEN: outstanding is queried
	// THEN: only 2025-06 remains owed

	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-05", "220", "0", "0")
	f.accrue("s1", "2025-06", "220", "0", "0")

	may := ledger.MustParsePeriod("2025-05")
	entries, err := f.ledger.Collect(ctx, ledger.Filter{StudentID: "s1", AccrualPeriod: &may})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = f.ledger.Reverse(ctx, entries[0].TransactionID, ledger.ReverseInput{Reason: "forfeiture"})
	require.NoError(t, err)

	outstanding, err := f.engine.QueryOutstanding(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, outstanding, 1)
	assert.Equal(t, "2025-06", outstanding[0].Period.String())
	assert.Equal(t, "220.00", cents(outstanding[0].TotalOutstanding))
}

// =============================================================================
// STATEMENT VS RECEIVABLE
// =============================================================================

// assertMatchesAR checks that what the statement says the student owes is
// what their AR sub-account says.
func (f *fixture) assertMatchesAR(student string) Statement {
	f.t.Helper()
	ctx := context.Background()
	st, err := f.engine.QueryStatement(ctx, student)
	require.NoError(f.t, err)
	report, err := f.ledger.Balances(ctx, ledger.Filter{})
	require.NoError(f.t, err)
	ar := report.Account(ledger.StudentARCode(student)).Net()
	assert.Equal(f.t, cents(ar), cents(st.TotalOutstanding.Sub(st.UnappliedCredit)),
		"statement and AR sub-account disagree")
	return st
}

func TestStatement_AdvanceAbsorbedByLaterAccruals(t *testing.T) {
	// GIVEN: July accrued and paid with $500 ($280 advance)
	// WHEN: August and September accrue
	// THEN: August is covered, $60 carries into September, AR agrees throughout

	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "0", "0")
	_, err := f.engine.AllocatePayment(ctx, payment("p1", "s1", rent("500")))
	require.NoError(t, err)

	st := f.assertMatchesAR("s1")
	assert.Empty(t, st.Periods)
	assert.Equal(t, "280.00", cents(st.UnappliedCredit))

	f.accrue("s1", "2025-08", "220", "0", "0")
	st = f.assertMatchesAR("s1")
	assert.Empty(t, st.Periods)
	assert.Equal(t, "60.00", cents(st.UnappliedCredit))

	f.accrue("s1", "2025-09", "220", "0", "0")
	st = f.assertMatchesAR("s1")
	require.Len(t, st.Periods, 1)
	assert.Equal(t, "2025-09", st.Periods[0].Period.String())
	assert.Equal(t, "160.00", cents(st.Periods[0].RentOutstanding))
	assert.True(t, st.UnappliedCredit.IsZero())

	// the next payment sees September as partly paid
	res, err := f.engine.AllocatePayment(ctx, payment("p2", "s1", rent("160")))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, res.Allocation.MonthlyBreakdown, 1)
	a := res.Allocation.MonthlyBreakdown[0]
	assert.Equal(t, ledger.AllocationFull, a.AllocationType)
	assert.Equal(t, "160.00", cents(a.OutstandingBefore))
	assert.True(t, res.Allocation.Summary.AdvancePaymentAmount.IsZero())

	st = f.assertMatchesAR("s1")
	assert.Empty(t, st.Periods)
}

func TestStatement_ReversedPaymentStaysReversed(t *testing.T) {
	// GIVEN: July paid in full, then the payment is reversed
	// WHEN: someone tries to reverse the reversal
	// THEN: it is refused, July is owed again, and the payment can be re-allocated

	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "0", "0")
	res, err := f.engine.AllocatePayment(ctx, payment("p1", "s1", rent("220")))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	reversal, err := f.ledger.Reverse(ctx, res.Entries[0].TransactionID, ledger.ReverseInput{Reason: "bounced"})
	require.NoError(t, err)
	st := f.assertMatchesAR("s1")
	assert.Equal(t, "220.00", cents(st.TotalOutstanding))

	_, err = f.ledger.Reverse(ctx, reversal.TransactionID, ledger.ReverseInput{Reason: "cleared after all"})
	require.ErrorIs(t, err, ledger.ErrInvalidEntry)
	st = f.assertMatchesAR("s1")
	assert.Equal(t, "220.00", cents(st.TotalOutstanding))

	res, err = f.engine.AllocatePayment(ctx, payment("p1", "s1", rent("220")))
	require.NoError(t, err)
	require.True(t, res.Success)
	st = f.assertMatchesAR("s1")
	assert.Empty(t, st.Periods)
}

func TestStatement_AdminAdvanceIsNotSpentOnRent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "20", "0")
	_, err := f.engine.AllocatePayment(ctx, payment("p1", "s1", admin("50")))
	require.NoError(t, err)

	st := f.assertMatchesAR("s1")
	require.Len(t, st.Periods, 1)
	assert.Equal(t, "220.00", cents(st.Periods[0].RentOutstanding))
	assert.True(t, st.Periods[0].AdminOutstanding.IsZero())
	assert.Equal(t, "30.00", cents(st.UnappliedCredit))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAllocate_ConcurrentPaymentsNeverOverAllocate(t *testing.T) {
	// GIVEN: one period owing $220
	// WHEN: 8 concurrent $100 rent payments arrive
	// THEN: exactly $220 is matched to 2025-07; the rest is advance

	f := newFixture(t)
	ctx := context.Background()
	f.accrue("s1", "2025-07", "220", "0", "0")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.AllocatePayment(ctx, payment("p"+string(rune('a'+i)), "s1", rent("100")))
			assert.NoError(t, err)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	jul := ledger.MustParsePeriod("2025-07")
	matched, advance := decimal.Zero, decimal.Zero
	entries, err := f.ledger.Collect(ctx, ledger.Filter{StudentID: "s1", Sources: []ledger.Source{ledger.SourcePayment}})
	require.NoError(t, err)
	for _, e := range entries {
		sm := e.Metadata.(*ledger.SettlementMetadata)
		if sm.MonthSettled != nil && *sm.MonthSettled == jul {
			matched = matched.Add(e.TotalCredit)
		} else {
			advance = advance.Add(e.TotalCredit)
		}
	}
	assert.Equal(t, "220.00", cents(matched))
	assert.Equal(t, "580.00", cents(advance))
}

// =============================================================================
// PLAN
// =============================================================================

func TestBuildPlan_NothingOwedIsAllAdvance(t *testing.T) {
	obs := []Obligation{*newObligation(ledger.MustParsePeriod("2025-05"))}
	plan := BuildPlan(obs, map[ledger.PaymentType]decimal.Decimal{
		ledger.PaymentRent:    ledger.Money("10"),
		ledger.PaymentDeposit: ledger.Money("5"),
	})

	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, "15.00", cents(plan.AdvanceAmount))
	assert.True(t, plan.TotalAllocated.IsZero())
	assert.Equal(t, 0, plan.MonthsCovered())
}

func TestBuildPlan_DepositSkipsPeriodsWithoutDeposit(t *testing.T) {
	may := newObligation(ledger.MustParsePeriod("2025-05"))
	may.RentAccrued = ledger.Money("220")
	jun := newObligation(ledger.MustParsePeriod("2025-06"))
	jun.DepositAccrued = ledger.Money("100")
	jul := newObligation(ledger.MustParsePeriod("2025-07"))
	jul.DepositAccrued = ledger.Money("100")

	plan := BuildPlan([]Obligation{*may, *jun, *jul}, map[ledger.PaymentType]decimal.Decimal{
		ledger.PaymentDeposit: ledger.Money("150"),
	})

	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, "2025-06", plan.Allocations[0].Month.String())
	assert.Equal(t, "100.00", cents(plan.Allocations[0].AmountAllocated))
	assert.Equal(t, ledger.AllocationAdvance, plan.Allocations[1].AllocationType)
	assert.Equal(t, "50.00", cents(plan.AdvanceAmount))
	assert.Equal(t, "320.00", cents(plan.RemainingBalance), "jul deposit is not touched")
}

func TestBuildPlan_DoesNotMutateInput(t *testing.T) {
	o := newObligation(ledger.MustParsePeriod("2025-05"))
	o.RentAccrued = ledger.Money("220")
	obs := []Obligation{*o}

	BuildPlan(obs, map[ledger.PaymentType]decimal.Decimal{ledger.PaymentRent: ledger.Money("220")})
	assert.Equal(t, "220.00", cents(obs[0].RentOutstanding()))
}
