/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Accrual, allocation, and correction packages return these (wrapped with
  context) so callers can classify failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - Unbalanced entries, bad lines, bad metadata
  2. Registry errors - Unknown accounts, type conflicts
  3. Lifecycle errors - Reversing something that is not posted
  4. Allocation errors - No obligations, duplicate payments

NOT AN ERROR:
  ErrDuplicateAccrual is how stores report a unique-constraint hit on an
  accrual. The accrual generator turns it into a "skipped" result; it never
  reaches batch callers as a failure.

SEE ALSO:
  - validate.go: Produces validation errors
  - accounts.go: Produces registry errors
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnbalancedEntry is returned when debits do not equal credits.
	// The write is aborted; nothing is persisted.
	ErrUnbalancedEntry = errors.New("unbalanced entry")

	// ErrUnknownAccount is returned when a line references an unregistered code.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrAccountConflict is returned when a code is reused with another type.
	ErrAccountConflict = errors.New("account conflict")

	// ErrAlreadyReversed is returned when reversing an entry that is not posted.
	ErrAlreadyReversed = errors.New("entry already reversed")

	// ErrNoOutstandingObligations is returned when a payment is allocated for a
	// student with no accrual history.
	ErrNoOutstandingObligations = errors.New("no outstanding obligations")

	// ErrDuplicateAccrual is returned by stores when a posted accrual already
	// exists for (student, year, month).
	ErrDuplicateAccrual = errors.New("duplicate accrual")

	// ErrDuplicateTransactionID is returned when an id is already taken.
	ErrDuplicateTransactionID = errors.New("duplicate transaction id")

	// ErrEntryNotFound is returned when a transaction id does not exist.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidEntry is returned for malformed entries (dates, lines, metadata).
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrInvalidPayment is returned for malformed payment events.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrPaymentAlreadyAllocated is returned when a payment id already has
	// posted settlement entries.
	ErrPaymentAlreadyAllocated = errors.New("payment already allocated")

	// ErrStatusConflict is returned when a conditional status update finds the
	// entry in an unexpected state.
	ErrStatusConflict = errors.New("status conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry enough detail to diagnose without a follow-up query
// =============================================================================

// UnbalancedEntryError reports the totals and accounts of a rejected entry.
type UnbalancedEntryError struct {
	TransactionID string
	TotalDebit    decimal.Decimal
	TotalCredit   decimal.Decimal
	AccountCodes  []string
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("unbalanced entry %s: debits %s != credits %s (difference %s) on accounts [%s]",
		e.TransactionID, e.TotalDebit.StringFixed(2), e.TotalCredit.StringFixed(2),
		e.TotalDebit.Sub(e.TotalCredit).StringFixed(2), strings.Join(e.AccountCodes, ", "))
}

func (e *UnbalancedEntryError) Unwrap() error { return ErrUnbalancedEntry }

// UnknownAccountError names the code that did not resolve.
type UnknownAccountError struct {
	Code string
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("unknown account %q", e.Code)
}

func (e *UnknownAccountError) Unwrap() error { return ErrUnknownAccount }

// AccountConflictError reports a code reused with a different type.
type AccountConflictError struct {
	Code      string
	Existing  AccountType
	Requested AccountType
}

func (e *AccountConflictError) Error() string {
	return fmt.Sprintf("account %s is %s, cannot use it as %s", e.Code, e.Existing, e.Requested)
}

func (e *AccountConflictError) Unwrap() error { return ErrAccountConflict }

// AlreadyReversedError reports the status that blocked a reversal.
type AlreadyReversedError struct {
	TransactionID string
	Status        Status
}

func (e *AlreadyReversedError) Error() string {
	return fmt.Sprintf("cannot reverse %s: status is %s", e.TransactionID, e.Status)
}

func (e *AlreadyReversedError) Unwrap() error { return ErrAlreadyReversed }

// NoObligationsError reports the student with nothing to allocate against.
type NoObligationsError struct {
	StudentID string
}

func (e *NoObligationsError) Error() string {
	return fmt.Sprintf("student %s has no accrual history to allocate against", e.StudentID)
}

func (e *NoObligationsError) Unwrap() error { return ErrNoOutstandingObligations }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnbalancedEntry) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInvalidPayment) ||
		errors.Is(err, ErrUnknownAccount)
}

// IsConflict returns true if the request clashes with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAccountConflict) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrDuplicateAccrual) ||
		errors.Is(err, ErrDuplicateTransactionID) ||
		errors.Is(err, ErrPaymentAlreadyAllocated) ||
		errors.Is(err, ErrStatusConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}
