package correction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/accrual"
	"github.com/warp/rent-ledger/allocation"
	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	t      *testing.T
	mem    *store.Memory
	ledger *ledger.Ledger
	gen    *accrual.Generator
	engine *allocation.Engine
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	reg := ledger.NewRegistry(mem)
	require.NoError(t, reg.Seed(context.Background(), ledger.DefaultChart()))
	l := ledger.New(mem, reg, nil).WithPageSize(2)
	return &fixture{
		t:      t,
		mem:    mem,
		ledger: l,
		gen:    accrual.NewGenerator(l, accrual.NewStaticDirectory(), nil),
		engine: allocation.NewEngine(l, nil, nil),
		svc:    NewService(l, nil, nil),
	}
}

func (f *fixture) accrue(student, period, rent, admin, deposit string) ledger.TransactionEntry {
	f.t.Helper()
	res, err := f.gen.CreateAccrual(context.Background(), student, ledger.MustParsePeriod(period), accrual.Rates{
		Rent:     ledger.Money(rent),
		AdminFee: ledger.Money(admin),
		Deposit:  ledger.Money(deposit),
	}, accrual.Options{})
	require.NoError(f.t, err)
	return res.Entry
}

func (f *fixture) pay(id, student string, parts ...allocation.PaymentComponent) allocation.Result {
	f.t.Helper()
	res, err := f.engine.AllocatePayment(context.Background(), allocation.PaymentEvent{
		PaymentID: id,
		StudentID: student,
		Payments:  parts,
		Date:      time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC),
		Method:    "bank_transfer",
	})
	require.NoError(f.t, err)
	require.True(f.t, res.Success)
	return res
}

func (f *fixture) net(code string) string {
	f.t.Helper()
	report, err := f.ledger.Balances(context.Background(), ledger.Filter{})
	require.NoError(f.t, err)
	return report.Account(code).Net().StringFixed(2)
}

// duplicateReversal posts a second reversal of original outside the normal
// Reverse path, the way imported or hand-keyed data produces duplicates.
func (f *fixture) duplicateReversal(original ledger.TransactionEntry, reason string) ledger.TransactionEntry {
	f.t.Helper()
	lines := make([]ledger.Line, len(original.Lines))
	for i, l := range original.Lines {
		lines[i] = l.Swapped()
	}
	e, err := f.ledger.Post(context.Background(), ledger.TransactionEntry{
		Date:      original.Date,
		Reference: original.TransactionID,
		Lines:     lines,
		Source:    original.Source.Reversal(),
		Metadata: &ledger.ReversalMetadata{
			StudentID:             original.StudentID(),
			OriginalTransactionID: original.TransactionID,
			OriginalSource:        original.Source,
			Reason:                reason,
		},
	})
	require.NoError(f.t, err)
	return e
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverseTransaction_RoundTripNetsToZero(t *testing.T) {
	// GIVEN: a posted accrual
	// WHEN: it is reversed
	// THEN: every touched account nets to zero and the original is reversed

	f := newFixture(t)
	ctx := context.Background()
	original := f.accrue("s1", "2025-05", "220", "20", "220")

	reversal, err := f.svc.ReverseTransaction(ctx, original.TransactionID, "wrong rate", "ops")
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceRentalAccrual.Reversal(), reversal.Source)
	assert.True(t, reversal.IsBalanced())

	for _, code := range original.AccountCodes() {
		assert.Equal(t, "0.00", f.net(code), code)
	}

	got, err := f.ledger.Get(ctx, original.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReversed, got.Status)
	assert.Equal(t, original.Lines, got.Lines, "original lines untouched")
}

func TestReverseTransaction_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := f.accrue("s1", "2025-05", "220", "0", "0")

	_, err := f.svc.ReverseTransaction(ctx, original.TransactionID, " ", "ops")
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	_, err = f.svc.ReverseTransaction(ctx, "missing", "typo", "ops")
	assert.True(t, ledger.IsNotFound(err))

	_, err = f.svc.ReverseTransaction(ctx, original.TransactionID, "typo", "ops")
	require.NoError(t, err)
	_, err = f.svc.ReverseTransaction(ctx, original.TransactionID, "typo", "ops")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
}

// =============================================================================
// FORFEITURE
// =============================================================================

func TestReverseForfeiture_KeepsPaidDeposit(t *testing.T) {
	// GIVEN: first month accrued with a $220 deposit, deposit paid
	// WHEN: the tenant forfeits
	// THEN: AR clears, deposits held clears, 4200 recognizes $220

	f := newFixture(t)
	ctx := context.Background()
	original := f.accrue("s1", "2025-05", "220", "20", "220")
	f.pay("p1", "s1", allocation.PaymentComponent{Type: ledger.PaymentDeposit, Amount: ledger.Money("220")})

	entries, err := f.svc.ReverseForfeiture(ctx, original.TransactionID, "ops")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	rm, ok := entries[0].Metadata.(*ledger.ReversalMetadata)
	require.True(t, ok)
	assert.Equal(t, ReasonForfeiture, rm.Reason)
	assert.Equal(t, ledger.SourceAdjustment, entries[1].Source)
	assert.Equal(t, original.TransactionID, entries[1].Reference)

	// reversal mirrors the accrual; the companion carries the forfeiture
	assert.Equal(t, "460.00", entries[0].CreditTo("1100-s1").StringFixed(2))
	assert.Equal(t, "220.00", entries[0].DebitTo(ledger.CodeDepositsHeld).StringFixed(2))
	assert.Equal(t, "220.00", entries[1].DebitTo("1100-s1").StringFixed(2))
	assert.Equal(t, "220.00", entries[1].CreditTo(ledger.CodeForfeitedIncome).StringFixed(2))

	assert.Equal(t, "0.00", f.net("1100-s1"))
	assert.Equal(t, "0.00", f.net(ledger.CodeDepositsHeld))
	assert.Equal(t, "-220.00", f.net(ledger.CodeForfeitedIncome))
	assert.Equal(t, "0.00", f.net(ledger.CodeRentalIncome))

	for _, e := range entries {
		assert.True(t, e.IsBalanced())
	}
}

func TestReverseForfeiture_NothingPaid(t *testing.T) {
	f := newFixture(t)
	original := f.accrue("s1", "2025-05", "220", "20", "220")

	entries, err := f.svc.ReverseForfeiture(context.Background(), original.TransactionID, "ops")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0.00", f.net("1100-s1"))
	assert.Equal(t, "0.00", f.net(ledger.CodeForfeitedIncome))
}

func TestReverseForfeiture_OnlyAccruals(t *testing.T) {
	f := newFixture(t)
	f.accrue("s1", "2025-05", "220", "0", "0")
	res := f.pay("p1", "s1", allocation.PaymentComponent{Type: ledger.PaymentRent, Amount: ledger.Money("100")})

	_, err := f.svc.ReverseForfeiture(context.Background(), res.Entries[0].TransactionID, "ops")
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
}

// =============================================================================
// CLEANUP
// =============================================================================

func TestCleanup_KeepsEarliestPerStudentAndReason(t *testing.T) {
	// GIVEN: an accrual reversed twice for the same reason
	// WHEN: cleanup runs
	// THEN: the later reversal is deleted and the original stays reversed

	f := newFixture(t)
	ctx := context.Background()
	original := f.accrue("s1", "2025-05", "220", "0", "0")
	first, err := f.svc.ReverseTransaction(ctx, original.TransactionID, "wrong rate", "ops")
	require.NoError(t, err)
	dup := f.duplicateReversal(original, "Wrong rate")

	dry, err := f.svc.CleanupDuplicateReversals(ctx, CleanupOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, dry.Groups, 1)
	assert.Equal(t, first.TransactionID, dry.Groups[0].Kept)
	assert.Equal(t, []string{dup.TransactionID}, dry.Groups[0].Removed)
	_, err = f.ledger.Get(ctx, dup.TransactionID)
	require.NoError(t, err, "dry run writes nothing")

	report, err := f.svc.CleanupDuplicateReversals(ctx, CleanupOptions{Actor: "ops"})
	require.NoError(t, err)
	require.Len(t, report.Removals, 1)
	assert.False(t, report.Removals[0].OriginalRestored)

	_, err = f.ledger.Get(ctx, dup.TransactionID)
	assert.True(t, ledger.IsNotFound(err))
	got, err := f.ledger.Get(ctx, original.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReversed, got.Status)

	again, err := f.svc.CleanupDuplicateReversals(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Empty(t, again.Groups, "idempotent")
}

func TestCleanup_RestoresOriginalOfRemovedReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	may := f.accrue("s1", "2025-05", "220", "0", "0")
	jun := f.accrue("s1", "2025-06", "220", "0", "0")
	_, err := f.svc.ReverseTransaction(ctx, may.TransactionID, "move-out", "ops")
	require.NoError(t, err)
	_, err = f.svc.ReverseTransaction(ctx, jun.TransactionID, "move-out", "ops")
	require.NoError(t, err)

	report, err := f.svc.CleanupDuplicateReversals(ctx, CleanupOptions{})
	require.NoError(t, err)
	require.Len(t, report.Removals, 1)
	assert.Equal(t, jun.TransactionID, report.Removals[0].OriginalID)
	assert.True(t, report.Removals[0].OriginalRestored)

	got, err := f.ledger.Get(ctx, jun.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPosted, got.Status)
	assert.Equal(t, "220.00", f.net("1100-s1"))
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_CleanLedger(t *testing.T) {
	// GIVEN: accruals, payments, a reversal and a forfeiture made through the
	// normal write paths
	// WHEN: the ledger is audited
	// THEN: every entry balances and nothing is reported

	f := newFixture(t)
	ctx := context.Background()
	may := f.accrue("s1", "2025-05", "220", "20", "220")
	f.accrue("s1", "2025-06", "220", "0", "0")
	wrong := f.accrue("s2", "2025-05", "999", "0", "0")
	f.pay("p1", "s1",
		allocation.PaymentComponent{Type: ledger.PaymentRent, Amount: ledger.Money("300")},
		allocation.PaymentComponent{Type: ledger.PaymentDeposit, Amount: ledger.Money("220")})
	_, err := f.svc.ReverseTransaction(ctx, wrong.TransactionID, "wrong rate", "ops")
	require.NoError(t, err)
	_, err = f.svc.ReverseForfeiture(ctx, may.TransactionID, "ops")
	require.NoError(t, err)

	report, err := f.svc.AuditLedger(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report.Findings)
	assert.Equal(t, 9, report.Scanned)

	all, err := f.ledger.Collect(ctx, ledger.Filter{})
	require.NoError(t, err)
	for _, e := range all {
		d, c := e.Totals()
		assert.True(t, d.Equal(c), "entry %s balances", e.TransactionID)
	}
}

func TestAudit_ReportsCorruptRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := ledger.MustParsePeriod("2025-05").Start()

	// rows written straight to the store, skipping validation
	_, err := f.mem.Insert(ctx, ledger.TransactionEntry{
		TransactionID: "bad-balance",
		Date:          day,
		Source:        ledger.SourceManual,
		Status:        ledger.StatusPosted,
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.CodeCash, ledger.Money("100")),
			ledger.CreditLine(ledger.CodeRentalIncome, ledger.Money("99.50")),
		},
		TotalDebit:  ledger.Money("100"),
		TotalCredit: ledger.Money("100"),
	})
	require.NoError(t, err)
	_, err = f.mem.Insert(ctx, ledger.TransactionEntry{
		TransactionID: "orphan",
		Date:          day,
		Source:        ledger.SourceManual.Reversal(),
		Status:        ledger.StatusPosted,
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.CodeRentalIncome, ledger.Money("10")),
			ledger.CreditLine(ledger.CodeCash, ledger.Money("10")),
		},
		TotalDebit:  ledger.Money("10"),
		TotalCredit: ledger.Money("10"),
		Metadata:    &ledger.ReversalMetadata{OriginalTransactionID: "gone"},
	})
	require.NoError(t, err)
	_, err = f.mem.Insert(ctx, ledger.TransactionEntry{
		TransactionID: "half-reversed",
		Date:          day,
		Source:        ledger.SourceManual,
		Status:        ledger.StatusReversed,
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.CodeCash, ledger.Money("10")),
			ledger.CreditLine(ledger.CodeRentalIncome, ledger.Money("10")),
			{AccountCode: ledger.CodeCash},
		},
		TotalDebit:  ledger.Money("10"),
		TotalCredit: ledger.Money("10"),
	})
	require.NoError(t, err)

	// a settlement for a month the student was never charged
	jan := ledger.MustParsePeriod("2025-01")
	_, err = f.ledger.Accounts().EnsureStudentAR(ctx, "s9")
	require.NoError(t, err)
	_, err = f.ledger.Post(ctx, ledger.TransactionEntry{
		Date:   day,
		Source: ledger.SourcePayment,
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.CodeBank, ledger.Money("50")),
			ledger.CreditLine("1100-s9", ledger.Money("50")),
		},
		Metadata: &ledger.SettlementMetadata{
			StudentID:      "s9",
			PaymentID:      "p9",
			MonthSettled:   &jan,
			PaymentType:    ledger.PaymentRent,
			AllocationType: ledger.AllocationPartial,
		},
	})
	require.NoError(t, err)

	report, err := f.svc.AuditLedger(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.False(t, report.Clean())
	assert.Equal(t, 1, report.Counts[FindingUnbalanced])
	assert.Equal(t, 1, report.Counts[FindingTotalsMismatch])
	assert.Equal(t, 1, report.Counts[FindingOrphanReversal])
	assert.Equal(t, 1, report.Counts[FindingReversedWithoutReversal])
	assert.Equal(t, 1, report.Counts[FindingInvalidLine])
	assert.Equal(t, 1, report.Counts[FindingUnattributedSettlement])

	for _, fd := range report.Findings {
		if fd.Kind == FindingUnbalanced {
			assert.Equal(t, "bad-balance", fd.TransactionID)
			assert.Equal(t, "0.50", fd.Difference.StringFixed(2))
		}
	}
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestIntegrityScheduler_RunsOnStart(t *testing.T) {
	f := newFixture(t)
	f.accrue("s1", "2025-05", "220", "0", "0")

	s := NewIntegrityScheduler(f.svc, time.Hour, nil)
	s.Start()
	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		r, _ := s.LastReport()
		return r != nil
	}, 2*time.Second, 10*time.Millisecond)

	r, err := s.LastReport()
	require.NoError(t, err)
	assert.True(t, r.Clean())
	assert.Equal(t, 1, r.Scanned)
}

func TestIntegrityScheduler_Disabled(t *testing.T) {
	f := newFixture(t)
	s := NewIntegrityScheduler(f.svc, time.Hour, nil)
	s.Enabled = false
	s.Start()
	s.Stop()

	r, err := s.LastReport()
	assert.Nil(t, r)
	assert.NoError(t, err)
}
