package ledger

// Well-known codes used by the accrual and allocation engines.
const (
	CodeCash               = "1000"
	CodeBank               = "1010"
	CodeAccountsReceivable = "1100"
	CodeDepositsHeld       = "2020"
	CodeRentalIncome       = "4000"
	CodeAdminIncome        = "4100"
	CodeForfeitedIncome    = "4200"
)

// DefaultChart returns the accounts every deployment starts with.
func DefaultChart() []Account {
	return []Account{
		{Code: CodeCash, Name: "Cash on Hand", Type: AccountAsset, Category: "Current Assets"},
		{Code: CodeBank, Name: "Bank Account", Type: AccountAsset, Category: "Current Assets"},
		{Code: CodeAccountsReceivable, Name: "Accounts Receivable - Tenants", Type: AccountAsset, Category: "Current Assets"},
		{Code: CodeDepositsHeld, Name: "Tenant Deposits Held", Type: AccountLiability, Category: "Current Liabilities"},
		{Code: CodeRentalIncome, Name: "Rental Income", Type: AccountIncome, Category: "Operating Income"},
		{Code: CodeAdminIncome, Name: "Administrative Income", Type: AccountIncome, Category: "Operating Income"},
		{Code: CodeForfeitedIncome, Name: "Forfeited Deposits Income", Type: AccountIncome, Category: "Other Income"},
	}
}

func defaultAccount(code string) Account {
	for _, a := range DefaultChart() {
		if a.Code == code {
			return a
		}
	}
	return Account{Code: code}
}
