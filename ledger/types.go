/*
Package ledger provides the double-entry core of the rent ledger.

PURPOSE:
  Every accrual, payment settlement, and correction is recorded as a
  TransactionEntry: one atomic, balanced posting made of two or more lines.
  Balances, obligations, and reports are always computed by replaying
  posted entries. There is no stored balance that can drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal amounts, always validated to the cent
  - Line: one debit or credit against a single account code
  - TransactionEntry: a balanced group of lines with source and metadata
  - Source / Status: closed enums that drive filtering and lifecycle

DESIGN PRINCIPLES:
  1. Balanced: sum(debit) == sum(credit), enforced before any write
  2. Precision: decimal.Decimal everywhere, never float64
  3. Append-mostly: entries change status, their lines never change
  4. Economic date: Date is when the event happened, CreatedAt is when it was recorded

USAGE:
  entry := ledger.TransactionEntry{
      Date:   ledger.MustParsePeriod("2025-07").Start(),
      Source: ledger.SourceManual,
      Lines: []ledger.Line{
          ledger.DebitLine("1000", ledger.Money("220")),
          ledger.CreditLine("4000", ledger.Money("220")),
      },
  }
  posted, err := l.Post(ctx, entry)

SEE ALSO:
  - metadata.go: Typed metadata per source
  - ledger.go: Post, Reverse, Find
  - store.go: Persistence interface
*/
package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money parses a decimal literal. Invalid input yields zero, which validation
// then rejects on any line that needs a positive amount.
func Money(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// IsCents reports whether d has no more than two decimal places.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// SameCents compares two amounts at cent precision.
func SameCents(a, b decimal.Decimal) bool {
	return a.Round(2).Equal(b.Round(2))
}

// =============================================================================
// SOURCE - Where an entry came from
// =============================================================================

type Source string

const (
	SourcePayment                Source = "payment"
	SourceInvoice                Source = "invoice"
	SourceManual                 Source = "manual"
	SourceAdjustment             Source = "adjustment"
	SourceVendorPayment          Source = "vendor_payment"
	SourceExpensePayment         Source = "expense_payment"
	SourceRentalAccrual          Source = "rental_accrual"
	SourceRentalAccrualReversal  Source = "rental_accrual_reversal"
	SourcePaymentReversal        Source = "payment_reversal"
	SourceManualReversal         Source = "manual_reversal"
	SourceAdjustmentReversal     Source = "adjustment_reversal"
	SourceInvoiceReversal        Source = "invoice_reversal"
	SourceVendorPaymentReversal  Source = "vendor_payment_reversal"
	SourceExpensePaymentReversal Source = "expense_payment_reversal"
)

const reversalSuffix = "_reversal"

var knownSources = map[Source]bool{
	SourcePayment:                true,
	SourceInvoice:                true,
	SourceManual:                 true,
	SourceAdjustment:             true,
	SourceVendorPayment:          true,
	SourceExpensePayment:         true,
	SourceRentalAccrual:          true,
	SourceRentalAccrualReversal:  true,
	SourcePaymentReversal:        true,
	SourceManualReversal:         true,
	SourceAdjustmentReversal:     true,
	SourceInvoiceReversal:        true,
	SourceVendorPaymentReversal:  true,
	SourceExpensePaymentReversal: true,
}

// Valid reports whether s is part of the closed source enum.
func (s Source) Valid() bool { return knownSources[s] }

// IsReversal reports whether s tags an offsetting entry.
func (s Source) IsReversal() bool { return strings.HasSuffix(string(s), reversalSuffix) }

// Reversal returns the reversal-tagged variant of s.
func (s Source) Reversal() Source {
	if s.IsReversal() {
		return s
	}
	return Source(string(s) + reversalSuffix)
}

// ReversalSources lists every reversal-tagged source.
func ReversalSources() []Source {
	var out []Source
	for s := range knownSources {
		if s.IsReversal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// STATUS - Entry lifecycle
// =============================================================================

type Status string

const (
	StatusDraft    Status = "draft"
	StatusPosted   Status = "posted"
	StatusReversed Status = "reversed"
)

// =============================================================================
// LINE - One side of a double entry
// =============================================================================

// Line is a single debit or credit. Exactly one of Debit/Credit is non-zero.
type Line struct {
	AccountCode string          `json:"accountCode"`
	AccountName string          `json:"accountName"`
	AccountType AccountType     `json:"accountType"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description,omitempty"`
}

func DebitLine(code string, amount decimal.Decimal) Line {
	return Line{AccountCode: code, Debit: amount, Credit: decimal.Zero}
}

func CreditLine(code string, amount decimal.Decimal) Line {
	return Line{AccountCode: code, Debit: decimal.Zero, Credit: amount}
}

// WithDescription returns a copy of the line with a description.
func (l Line) WithDescription(desc string) Line {
	l.Description = desc
	return l
}

// Swapped returns the line with debit and credit exchanged.
func (l Line) Swapped() Line {
	l.Debit, l.Credit = l.Credit, l.Debit
	return l
}

// Net returns debit minus credit.
func (l Line) Net() decimal.Decimal { return l.Debit.Sub(l.Credit) }

// =============================================================================
// TRANSACTION ENTRY - Atomic balanced posting
// =============================================================================

type TransactionEntry struct {
	TransactionID string
	Seq           int64 // store-assigned insertion order
	Date          time.Time
	Description   string
	Reference     string
	Lines         []Line
	TotalDebit    decimal.Decimal
	TotalCredit   decimal.Decimal
	Source        Source
	SourceID      string
	SourceModel   string
	Residence     string
	Status        Status
	Metadata      Metadata

	// Audit fields
	CreatedBy  string
	CreatedAt  time.Time
	ApprovedBy string
	ApprovedAt *time.Time
}

// Totals sums the line debits and credits.
func (e TransactionEntry) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, l := range e.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

// IsBalanced reports whether the lines balance to the cent.
func (e TransactionEntry) IsBalanced() bool {
	d, c := e.Totals()
	return SameCents(d, c)
}

// StudentID returns the student the entry's metadata refers to, if any.
func (e TransactionEntry) StudentID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.Student()
}

// AccountCodes returns the distinct account codes touched, in line order.
func (e TransactionEntry) AccountCodes() []string {
	seen := make(map[string]bool, len(e.Lines))
	var codes []string
	for _, l := range e.Lines {
		if !seen[l.AccountCode] {
			seen[l.AccountCode] = true
			codes = append(codes, l.AccountCode)
		}
	}
	return codes
}

// Touches reports whether any line posts to code.
func (e TransactionEntry) Touches(code string) bool {
	for _, l := range e.Lines {
		if l.AccountCode == code {
			return true
		}
	}
	return false
}

// TouchesPrefix reports whether any line's account code starts with prefix.
func (e TransactionEntry) TouchesPrefix(prefix string) bool {
	for _, l := range e.Lines {
		if strings.HasPrefix(l.AccountCode, prefix) {
			return true
		}
	}
	return false
}

// CreditTo sums the credits posted to code.
func (e TransactionEntry) CreditTo(code string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		if l.AccountCode == code {
			total = total.Add(l.Credit)
		}
	}
	return total
}

// DebitTo sums the debits posted to code.
func (e TransactionEntry) DebitTo(code string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		if l.AccountCode == code {
			total = total.Add(l.Debit)
		}
	}
	return total
}

// Clone returns a deep copy so callers can't mutate stored lines.
func (e TransactionEntry) Clone() TransactionEntry {
	out := e
	out.Lines = append([]Line(nil), e.Lines...)
	if e.ApprovedAt != nil {
		t := *e.ApprovedAt
		out.ApprovedAt = &t
	}
	if e.Metadata != nil {
		out.Metadata = e.Metadata.clone()
	}
	return out
}
