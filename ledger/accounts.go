package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ACCOUNT - Flat chart of accounts
// =============================================================================

type AccountType string

const (
	AccountAsset     AccountType = "Asset"
	AccountLiability AccountType = "Liability"
	AccountEquity    AccountType = "Equity"
	AccountIncome    AccountType = "Income"
	AccountExpense   AccountType = "Expense"
)

// Valid reports whether t is one of the five account types.
func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity, AccountIncome, AccountExpense:
		return true
	}
	return false
}

// DebitNormal reports whether balances of this type grow on the debit side.
func (t AccountType) DebitNormal() bool {
	return t == AccountAsset || t == AccountExpense
}

type Account struct {
	Code      string      `json:"code"`
	Name      string      `json:"name"`
	Type      AccountType `json:"type"`
	Category  string      `json:"category"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"createdAt"`
}

const subAccountSep = "-"

// ParentCode returns the roll-up code. "1100-stu42" rolls up to "1100";
// a plain code is its own parent.
func ParentCode(code string) string {
	if i := strings.Index(code, subAccountSep); i > 0 {
		return code[:i]
	}
	return code
}

// IsSubAccount reports whether code embeds an owner identifier.
func IsSubAccount(code string) bool { return ParentCode(code) != code }

// StudentARCode is the per-student receivable sub-account.
func StudentARCode(studentID string) string {
	return CodeAccountsReceivable + subAccountSep + studentID
}

// =============================================================================
// ACCOUNT STORE - Persistence for the chart
// =============================================================================

type AccountStore interface {
	// GetAccount returns (nil, nil) when the code is unknown.
	GetAccount(ctx context.Context, code string) (*Account, error)

	// SaveAccount inserts or updates an account row.
	SaveAccount(ctx context.Context, account Account) error

	ListAccounts(ctx context.Context) ([]Account, error)
}

// =============================================================================
// REGISTRY - Lookup and lazy creation
// =============================================================================

// Registry validates and lazily creates accounts. It serializes creation so
// two concurrent GetOrCreate calls for the same code agree on one type.
type Registry struct {
	store AccountStore
	now   func() time.Time
	mu    sync.Mutex
}

func NewRegistry(store AccountStore) *Registry {
	return &Registry{store: store, now: time.Now}
}

// GetOrCreate returns the account for code, creating it with the given
// attributes when absent. Fails with AccountConflictError if the code
// already exists with a different type.
func (r *Registry) GetOrCreate(ctx context.Context, want Account) (Account, error) {
	if want.Code == "" {
		return Account{}, fmt.Errorf("%w: account code required", ErrInvalidEntry)
	}
	if !want.Type.Valid() {
		return Account{}, fmt.Errorf("%w: invalid account type %q for %s", ErrInvalidEntry, want.Type, want.Code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.GetAccount(ctx, want.Code)
	if err != nil {
		return Account{}, fmt.Errorf("lookup account %s: %w", want.Code, err)
	}
	if existing != nil {
		if existing.Type != want.Type {
			return Account{}, &AccountConflictError{Code: want.Code, Existing: existing.Type, Requested: want.Type}
		}
		return *existing, nil
	}

	want.Active = true
	if want.CreatedAt.IsZero() {
		want.CreatedAt = r.now().UTC()
	}
	if want.Name == "" {
		want.Name = want.Code
	}
	if err := r.store.SaveAccount(ctx, want); err != nil {
		return Account{}, fmt.Errorf("create account %s: %w", want.Code, err)
	}
	return want, nil
}

// Resolve returns the account for code or UnknownAccountError.
func (r *Registry) Resolve(ctx context.Context, code string) (Account, error) {
	acct, err := r.store.GetAccount(ctx, code)
	if err != nil {
		return Account{}, fmt.Errorf("lookup account %s: %w", code, err)
	}
	if acct == nil {
		return Account{}, &UnknownAccountError{Code: code}
	}
	return *acct, nil
}

// EnsureStudentAR creates the student's receivable sub-account on first use,
// inheriting type and category from the parent receivable account.
func (r *Registry) EnsureStudentAR(ctx context.Context, studentID string) (Account, error) {
	if studentID == "" {
		return Account{}, fmt.Errorf("%w: student id required", ErrInvalidEntry)
	}
	parent, err := r.Resolve(ctx, CodeAccountsReceivable)
	if err != nil {
		var unknown *UnknownAccountError
		if !errors.As(err, &unknown) {
			return Account{}, err
		}
		parent, err = r.GetOrCreate(ctx, defaultAccount(CodeAccountsReceivable))
		if err != nil {
			return Account{}, err
		}
	}
	return r.GetOrCreate(ctx, Account{
		Code:     StudentARCode(studentID),
		Name:     parent.Name + " - " + studentID,
		Type:     parent.Type,
		Category: parent.Category,
	})
}

// Deactivate marks an account inactive. Accounts are never deleted.
func (r *Registry) Deactivate(ctx context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, err := r.store.GetAccount(ctx, code)
	if err != nil {
		return err
	}
	if acct == nil {
		return &UnknownAccountError{Code: code}
	}
	acct.Active = false
	return r.store.SaveAccount(ctx, *acct)
}

// Seed registers every account in chart, skipping ones that already exist.
func (r *Registry) Seed(ctx context.Context, chart []Account) error {
	for _, a := range chart {
		if _, err := r.GetOrCreate(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]Account, error) {
	return r.store.ListAccounts(ctx)
}
