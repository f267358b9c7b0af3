package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidateLine checks one line in isolation.
func ValidateLine(l Line) error {
	if l.AccountCode == "" {
		return fmt.Errorf("%w: line missing account code", ErrInvalidEntry)
	}
	if l.Debit.IsNegative() || l.Credit.IsNegative() {
		return fmt.Errorf("%w: negative amount on %s", ErrInvalidEntry, l.AccountCode)
	}
	if !IsCents(l.Debit) || !IsCents(l.Credit) {
		return fmt.Errorf("%w: amount on %s has more than 2 decimal places", ErrInvalidEntry, l.AccountCode)
	}
	if l.Debit.IsZero() == l.Credit.IsZero() {
		return fmt.Errorf("%w: line on %s must have exactly one of debit or credit", ErrInvalidEntry, l.AccountCode)
	}
	return nil
}

// ValidateEntry checks everything that can be checked without the account
// registry: date, source, lines, balance, and source/metadata agreement.
func ValidateEntry(e TransactionEntry) error {
	if e.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidEntry)
	}
	if !e.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidEntry, e.Source)
	}
	if len(e.Lines) < 2 {
		return fmt.Errorf("%w: at least two lines required, got %d", ErrInvalidEntry, len(e.Lines))
	}
	for _, l := range e.Lines {
		if err := ValidateLine(l); err != nil {
			return err
		}
	}

	debit, credit := e.Totals()
	if !debit.Equal(credit) {
		return &UnbalancedEntryError{
			TransactionID: e.TransactionID,
			TotalDebit:    debit,
			TotalCredit:   credit,
			AccountCodes:  e.AccountCodes(),
		}
	}
	if debit.IsZero() {
		return fmt.Errorf("%w: entry moves no money", ErrInvalidEntry)
	}

	return validateMetadata(e.Source, e.Metadata)
}

// Imbalance returns |debits - credits| using the stored totals, which is
// what the integrity audit checks against the line sums.
func Imbalance(e TransactionEntry) decimal.Decimal {
	return e.TotalDebit.Sub(e.TotalCredit).Abs()
}
