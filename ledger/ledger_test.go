package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	reg := ledger.NewRegistry(mem)
	require.NoError(t, reg.Seed(context.Background(), ledger.DefaultChart()))
	return ledger.New(mem, reg, nil).WithPageSize(2), mem
}

func july() time.Time { return ledger.MustParsePeriod("2025-07").Start() }

func cashSale(amount string) ledger.TransactionEntry {
	return ledger.TransactionEntry{
		Date:        july(),
		Description: "manual receipt",
		Source:      ledger.SourceManual,
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.CodeCash, ledger.Money(amount)),
			ledger.CreditLine(ledger.CodeRentalIncome, ledger.Money(amount)),
		},
	}
}

// =============================================================================
// POST
// =============================================================================

func TestPost_BalancedEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	posted, err := l.Post(ctx, cashSale("220.00"))
	require.NoError(t, err)

	assert.NotEmpty(t, posted.TransactionID)
	assert.Equal(t, ledger.StatusPosted, posted.Status)
	assert.True(t, posted.TotalDebit.Equal(ledger.Money("220")))
	assert.True(t, posted.TotalCredit.Equal(ledger.Money("220")))
	assert.Equal(t, "Cash on Hand", posted.Lines[0].AccountName)
	assert.Equal(t, ledger.AccountIncome, posted.Lines[1].AccountType)
	assert.False(t, posted.CreatedAt.IsZero())
}

func TestPost_UnbalancedIsHardFailure(t *testing.T) {
	// GIVEN: debits 220.00, credits 219.99
	// WHEN: posting
	// THEN: UnbalancedEntryError with totals and codes; nothing persisted

	l, mem := newTestLedger(t)
	ctx := context.Background()

	e := cashSale("220.00")
	e.Lines[1].Credit = ledger.Money("219.99")

	_, err := l.Post(ctx, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUnbalancedEntry)
	var ue *ledger.UnbalancedEntryError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "220.00", ue.TotalDebit.StringFixed(2))
	assert.Equal(t, "219.99", ue.TotalCredit.StringFixed(2))
	assert.Equal(t, []string{ledger.CodeCash, ledger.CodeRentalIncome}, ue.AccountCodes)
	assert.True(t, ledger.IsClientError(err))

	page, err := mem.FindPage(ctx, ledger.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestPost_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*ledger.TransactionEntry)
		want   error
	}{
		{"missing date", func(e *ledger.TransactionEntry) { e.Date = time.Time{} }, ledger.ErrInvalidEntry},
		{"unknown source", func(e *ledger.TransactionEntry) { e.Source = "gift" }, ledger.ErrInvalidEntry},
		{"single line", func(e *ledger.TransactionEntry) { e.Lines = e.Lines[:1] }, ledger.ErrInvalidEntry},
		{"sub-cent amount", func(e *ledger.TransactionEntry) {
			e.Lines[0].Debit = ledger.Money("10.005")
			e.Lines[1].Credit = ledger.Money("10.005")
		}, ledger.ErrInvalidEntry},
		{"both sides on one line", func(e *ledger.TransactionEntry) {
			e.Lines[0].Credit = ledger.Money("1")
			e.Lines[1].Credit = ledger.Money("219")
		}, ledger.ErrInvalidEntry},
		{"negative", func(e *ledger.TransactionEntry) {
			e.Lines[0].Debit = ledger.Money("-5")
			e.Lines[1].Credit = ledger.Money("-5")
		}, ledger.ErrInvalidEntry},
		{"unknown account", func(e *ledger.TransactionEntry) { e.Lines[1].AccountCode = "9999" }, ledger.ErrUnknownAccount},
		{"type conflict", func(e *ledger.TransactionEntry) { e.Lines[0].AccountType = ledger.AccountLiability }, ledger.ErrAccountConflict},
		{"accrual without metadata", func(e *ledger.TransactionEntry) { e.Source = ledger.SourceRentalAccrual }, ledger.ErrInvalidEntry},
		{"reversal without metadata", func(e *ledger.TransactionEntry) { e.Source = ledger.SourceManualReversal }, ledger.ErrInvalidEntry},
		{"advance with monthSettled", func(e *ledger.TransactionEntry) {
			p := ledger.MustParsePeriod("2025-07")
			e.Source = ledger.SourcePayment
			e.Metadata = &ledger.SettlementMetadata{StudentID: "s1", PaymentType: ledger.PaymentRent, AllocationType: ledger.AllocationAdvance, MonthSettled: &p}
		}, ledger.ErrInvalidEntry},
		{"full without monthSettled", func(e *ledger.TransactionEntry) {
			e.Source = ledger.SourcePayment
			e.Metadata = &ledger.SettlementMetadata{StudentID: "s1", PaymentType: ledger.PaymentRent, AllocationType: ledger.AllocationFull}
		}, ledger.ErrInvalidEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := cashSale("220")
			tt.mutate(&e)
			_, err := l.Post(ctx, e)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPost_DuplicateTransactionID(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	e := cashSale("10")
	e.TransactionID = "tx-1"
	_, err := l.Post(ctx, e)
	require.NoError(t, err)

	_, err = l.Post(ctx, e)
	assert.ErrorIs(t, err, ledger.ErrDuplicateTransactionID)
}

func TestPostBatch_AllOrNothing(t *testing.T) {
	l, mem := newTestLedger(t)
	ctx := context.Background()

	good := cashSale("10")
	bad := cashSale("10")
	bad.Lines[0].AccountCode = "9999"

	_, err := l.PostBatch(ctx, []ledger.TransactionEntry{good, bad})
	require.Error(t, err)

	page, err := mem.FindPage(ctx, ledger.Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page, "nothing persisted when one entry fails validation")

	saved, err := l.PostBatch(ctx, []ledger.TransactionEntry{good, cashSale("5")})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Less(t, saved[0].Seq, saved[1].Seq)
}

// =============================================================================
// FIND
// =============================================================================

func TestFind_PagesLazilyWithFilters(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	reg := l.Accounts()
	_, err := reg.EnsureStudentAR(ctx, "s1")
	require.NoError(t, err)

	for range 5 {
		_, err := l.Post(ctx, cashSale("1"))
		require.NoError(t, err)
	}
	ar := ledger.TransactionEntry{
		Date:   july(),
		Source: ledger.SourceAdjustment,
		Lines: []ledger.Line{
			ledger.DebitLine(ledger.StudentARCode("s1"), ledger.Money("3")),
			ledger.CreditLine(ledger.CodeRentalIncome, ledger.Money("3")),
		},
	}
	_, err = l.Post(ctx, ar)
	require.NoError(t, err)

	all, err := l.Collect(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 6, "page size 2 must still yield everything")

	limited, err := l.Collect(ctx, ledger.Filter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)

	byPrefix, err := l.Collect(ctx, ledger.Filter{AccountPrefix: "1100-"})
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, ledger.SourceAdjustment, byPrefix[0].Source)

	bySource, err := l.Collect(ctx, ledger.Filter{Sources: []ledger.Source{ledger.SourceManual}})
	require.NoError(t, err)
	assert.Len(t, bySource, 5)

	// early break stops iteration
	n := 0
	for _, err := range l.Find(ctx, ledger.Filter{}) {
		require.NoError(t, err)
		n++
		if n == 1 {
			break
		}
	}
	assert.Equal(t, 1, n)
}

func TestPage_Cursor(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for range 3 {
		_, err := l.Post(ctx, cashSale("1"))
		require.NoError(t, err)
	}

	first, next, err := l.Page(ctx, ledger.Filter{}, 0, 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	assert.NotZero(t, next)

	rest, next, err := l.Page(ctx, ledger.Filter{}, next, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Zero(t, next)
}

// =============================================================================
// REVERSE
// =============================================================================

func TestReverse_RoundTripNetsToZero(t *testing.T) {
	// GIVEN: a posted entry
	// WHEN: it is reversed
	// THEN: original + reversal net to zero per account, original is reversed

	l, _ := newTestLedger(t)
	ctx := context.Background()

	original, err := l.Post(ctx, cashSale("220"))
	require.NoError(t, err)

	reversal, err := l.Reverse(ctx, original.TransactionID, ledger.ReverseInput{Reason: "keyed twice", Actor: "admin"})
	require.NoError(t, err)

	assert.Equal(t, ledger.SourceManualReversal, reversal.Source)
	assert.Equal(t, original.TransactionID, reversal.Reference)
	rm, ok := reversal.Metadata.(*ledger.ReversalMetadata)
	require.True(t, ok)
	assert.Equal(t, original.TransactionID, rm.OriginalTransactionID)
	assert.Equal(t, "keyed twice", rm.Reason)
	assert.True(t, reversal.IsBalanced())

	got, err := l.Get(ctx, original.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReversed, got.Status)
	assert.Equal(t, original.Lines, got.Lines, "original lines untouched")

	report, err := l.Balances(ctx, ledger.Filter{})
	require.NoError(t, err)
	for _, code := range original.AccountCodes() {
		assert.True(t, report.Account(code).Net().IsZero(), "account %s should net to zero", code)
	}
}

func TestReverse_NotPosted(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	original, err := l.Post(ctx, cashSale("50"))
	require.NoError(t, err)
	_, err = l.Reverse(ctx, original.TransactionID, ledger.ReverseInput{Reason: "x"})
	require.NoError(t, err)

	_, err = l.Reverse(ctx, original.TransactionID, ledger.ReverseInput{Reason: "x"})
	require.Error(t, err)
	var are *ledger.AlreadyReversedError
	require.True(t, errors.As(err, &are))
	assert.Equal(t, ledger.StatusReversed, are.Status)
	assert.True(t, ledger.IsConflict(err))

	_, err = l.Reverse(ctx, "missing", ledger.ReverseInput{})
	assert.True(t, ledger.IsNotFound(err))
}

func TestReverse_ReversalIsNotReversible(t *testing.T) {
	// GIVEN: a posted entry and its reversal
	// WHEN: the reversal itself is reversed
	// THEN: the write is rejected and nothing changes

	l, _ := newTestLedger(t)
	ctx := context.Background()

	original, err := l.Post(ctx, cashSale("80"))
	require.NoError(t, err)
	reversal, err := l.Reverse(ctx, original.TransactionID, ledger.ReverseInput{Reason: "keyed twice"})
	require.NoError(t, err)

	_, err = l.Reverse(ctx, reversal.TransactionID, ledger.ReverseInput{Reason: "undo"})
	require.ErrorIs(t, err, ledger.ErrInvalidEntry)
	assert.True(t, ledger.IsClientError(err))

	got, err := l.Get(ctx, reversal.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPosted, got.Status)
	got, err = l.Get(ctx, original.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReversed, got.Status)

	all, err := l.Collect(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReverse_CompanionsCommitWithReversal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	original, err := l.Post(ctx, cashSale("50"))
	require.NoError(t, err)

	bad := cashSale("5")
	bad.Lines[0].AccountCode = "9999"
	_, err = l.Reverse(ctx, original.TransactionID, ledger.ReverseInput{Companions: []ledger.TransactionEntry{bad}})
	require.Error(t, err)
	got, err := l.Get(ctx, original.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPosted, got.Status, "failed companion leaves original untouched")

	_, err = l.Reverse(ctx, original.TransactionID, ledger.ReverseInput{Companions: []ledger.TransactionEntry{cashSale("5")}})
	require.NoError(t, err)
	companions, err := l.Collect(ctx, ledger.Filter{Reference: original.TransactionID, Sources: []ledger.Source{ledger.SourceManual}})
	require.NoError(t, err)
	assert.Len(t, companions, 1)
}

func TestRemoveReversals_RestoresOriginal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	original, err := l.Post(ctx, cashSale("50"))
	require.NoError(t, err)
	reversal, err := l.Reverse(ctx, original.TransactionID, ledger.ReverseInput{Reason: "oops"})
	require.NoError(t, err)

	removed, err := l.RemoveReversals(ctx, []string{reversal.TransactionID})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.True(t, removed[0].OriginalRestored)

	got, err := l.Get(ctx, original.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPosted, got.Status)

	_, err = l.Get(ctx, reversal.TransactionID)
	assert.True(t, ledger.IsNotFound(err))

	_, err = l.RemoveReversals(ctx, []string{original.TransactionID})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry, "only reversal entries can be removed")
}

// =============================================================================
// APPROVE / BALANCES
// =============================================================================

func TestApprove(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	e, err := l.Post(ctx, cashSale("50"))
	require.NoError(t, err)

	approved, err := l.Approve(ctx, e.TransactionID, "finance")
	require.NoError(t, err)
	assert.Equal(t, "finance", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	_, err = l.Approve(ctx, "nope", "finance")
	assert.True(t, ledger.IsNotFound(err))
}

func TestBalances_RollUpSubAccounts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, s := range []string{"s1", "s2"} {
		ar, err := l.Accounts().EnsureStudentAR(ctx, s)
		require.NoError(t, err)
		_, err = l.Post(ctx, ledger.TransactionEntry{
			Date:   july(),
			Source: ledger.SourceAdjustment,
			Lines: []ledger.Line{
				ledger.DebitLine(ar.Code, ledger.Money("100")),
				ledger.CreditLine(ledger.CodeRentalIncome, ledger.Money("100")),
			},
		})
		require.NoError(t, err)
	}

	report, err := l.Balances(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, "100.00", report.Account("1100-s1").Net().StringFixed(2))
	assert.Equal(t, "200.00", report.Account(ledger.CodeAccountsReceivable).Net().StringFixed(2))
	assert.Equal(t, "-200.00", report.Account(ledger.CodeRentalIncome).Net().StringFixed(2))
}
