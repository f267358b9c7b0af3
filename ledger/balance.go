/*
balance.go - Per-account balances computed by replaying entries

PURPOSE:
  Read model for reporting callers and tests. Balances are never stored;
  they are summed from posted and reversed entries on each call. A reversed
  entry and its reversal both count, so together they net to zero.

ROLL-UP:
  Sub-accounts ("1100-stu42") are reported on their own and again summed
  under the parent code ("1100").
*/
package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

type AccountBalance struct {
	AccountCode string          `json:"accountCode"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// Net is debit minus credit.
func (b AccountBalance) Net() decimal.Decimal { return b.Debit.Sub(b.Credit) }

type BalanceReport struct {
	Accounts map[string]AccountBalance `json:"accounts"`
	Parents  map[string]AccountBalance `json:"parents"`
}

// Account returns the balance for code, looking at roll-ups for parent codes.
func (r BalanceReport) Account(code string) AccountBalance {
	if b, ok := r.Parents[code]; ok {
		return b
	}
	if b, ok := r.Accounts[code]; ok {
		return b
	}
	return AccountBalance{AccountCode: code, Debit: decimal.Zero, Credit: decimal.Zero}
}

// Codes lists the leaf account codes in order.
func (r BalanceReport) Codes() []string {
	codes := make([]string, 0, len(r.Accounts))
	for c := range r.Accounts {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Balances sums entries matching f. Drafts never count; when f has no status
// filter, posted and reversed entries are included.
func (l *Ledger) Balances(ctx context.Context, f Filter) (BalanceReport, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = []Status{StatusPosted, StatusReversed}
	}
	report := BalanceReport{
		Accounts: make(map[string]AccountBalance),
		Parents:  make(map[string]AccountBalance),
	}
	for e, err := range l.Find(ctx, f) {
		if err != nil {
			return BalanceReport{}, err
		}
		if e.Status == StatusDraft {
			continue
		}
		for _, line := range e.Lines {
			add(report.Accounts, line.AccountCode, line)
			add(report.Parents, ParentCode(line.AccountCode), line)
		}
	}
	return report, nil
}

func add(m map[string]AccountBalance, code string, line Line) {
	b, ok := m[code]
	if !ok {
		b = AccountBalance{AccountCode: code, Debit: decimal.Zero, Credit: decimal.Zero}
	}
	b.Debit = b.Debit.Add(line.Debit)
	b.Credit = b.Credit.Add(line.Credit)
	m[code] = b
}
