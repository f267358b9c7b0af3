/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Accounts:     AccountDTO, CreateAccountRequest, BalanceDTO
  Debtors:      DebtorDTO (accrual.Debtor on the wire), CreateDebtorRequest
  Accruals:     CreateAccrualRequest, AccrualResponse, BatchAccrualRequest
  Payments:     PaymentRequest (-> allocation.PaymentEvent), OutstandingResponse
  Transactions: TransactionDTO, LineDTO, PostEntryRequest, ReverseRequest,
                ApproveRequest, TransactionPageResponse
  Admin:        CleanupRequest
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry `validate` tags checked by go-playground/validator in
  Handler.decode. Domain rules (balance, cents, known accounts) stay in the
  ledger packages and surface as 400/409/422 through writeDomainError.

MONEY:
  decimal.Decimal marshals as a JSON string ("220.00") and unmarshals from
  either a string or a number.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/allocation"
	"github.com/warp/rent-ledger/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Category  string `json:"category,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type CreateAccountRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	Name     string `json:"name" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=Asset Liability Equity Income Expense"`
	Category string `json:"category"`
}

type BalanceDTO struct {
	AccountCode string          `json:"accountCode"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Net         decimal.Decimal `json:"net"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	dto := AccountDTO{
		Code:     a.Code,
		Name:     a.Name,
		Type:     string(a.Type),
		Category: a.Category,
		Active:   a.Active,
	}
	if !a.CreatedAt.IsZero() {
		dto.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// DEBTORS
// =============================================================================

type CreateDebtorRequest struct {
	StudentID  string          `json:"studentId" validate:"required"`
	Name       string          `json:"name" validate:"required"`
	Residence  string          `json:"residence"`
	LeaseStart string          `json:"leaseStartDate" validate:"required,datetime=2006-01-02"`
	LeaseEnd   string          `json:"leaseEndDate" validate:"omitempty,datetime=2006-01-02"`
	RoomPrice  decimal.Decimal `json:"roomPrice"`
	AdminFee   decimal.Decimal `json:"adminFee"`
	Deposit    decimal.Decimal `json:"deposit"`
	Active     *bool           `json:"active"`
}

type DebtorDTO struct {
	StudentID  string          `json:"studentId"`
	Name       string          `json:"name"`
	Residence  string          `json:"residence,omitempty"`
	LeaseStart string          `json:"leaseStartDate"`
	LeaseEnd   string          `json:"leaseEndDate,omitempty"`
	RoomPrice  decimal.Decimal `json:"roomPrice"`
	AdminFee   decimal.Decimal `json:"adminFee"`
	Deposit    decimal.Decimal `json:"deposit"`
	Active     bool            `json:"active"`
}

// =============================================================================
// ACCRUALS
// =============================================================================

// CreateAccrualRequest accrues one period. Zero rates fall back to the
// debtor's lease terms.
type CreateAccrualRequest struct {
	StudentID string          `json:"studentId" validate:"required"`
	Period    string          `json:"period" validate:"required,datetime=2006-01"`
	Rent      decimal.Decimal `json:"rent"`
	AdminFee  decimal.Decimal `json:"adminFee"`
	Deposit   decimal.Decimal `json:"deposit"`
	Residence string          `json:"residence"`
	Actor     string          `json:"actor"`
}

type AccrualResponse struct {
	StudentID   string         `json:"studentId"`
	Period      string         `json:"period"`
	Skipped     bool           `json:"skipped"`
	Transaction TransactionDTO `json:"transaction"`
}

type BatchAccrualRequest struct {
	Through string `json:"through" validate:"required,datetime=2006-01"`
	Actor   string `json:"actor"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentComponentRequest struct {
	Type   string          `json:"type" validate:"required,oneof=rent admin deposit"`
	Amount decimal.Decimal `json:"amount"`
}

type PaymentRequest struct {
	PaymentID   string                    `json:"paymentId" validate:"required"`
	StudentID   string                    `json:"studentId" validate:"required"`
	TotalAmount decimal.Decimal           `json:"totalAmount"`
	Payments    []PaymentComponentRequest `json:"payments" validate:"required,min=1,dive"`
	Date        string                    `json:"date" validate:"required,datetime=2006-01-02"`
	Method      string                    `json:"method"`
	Residence   string                    `json:"residence"`
	Actor       string                    `json:"actor"`
}

type OutstandingResponse struct {
	StudentID        string                       `json:"studentId"`
	Periods          []allocation.OutstandingView `json:"periods"`
	TotalOutstanding decimal.Decimal              `json:"totalOutstanding"`
	UnappliedCredit  decimal.Decimal              `json:"unappliedCredit"`
}

func (r PaymentRequest) toEvent() (allocation.PaymentEvent, error) {
	date, err := time.Parse(dateLayout, r.Date)
	if err != nil {
		return allocation.PaymentEvent{}, err
	}
	parts := make([]allocation.PaymentComponent, len(r.Payments))
	for i, p := range r.Payments {
		parts[i] = allocation.PaymentComponent{Type: ledger.PaymentType(p.Type), Amount: p.Amount}
	}
	return allocation.PaymentEvent{
		PaymentID:   r.PaymentID,
		StudentID:   r.StudentID,
		TotalAmount: r.TotalAmount,
		Payments:    parts,
		Date:        date,
		Method:      r.Method,
		Residence:   r.Residence,
		Actor:       r.Actor,
	}, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type LineDTO struct {
	AccountCode string          `json:"accountCode"`
	AccountName string          `json:"accountName,omitempty"`
	AccountType string          `json:"accountType,omitempty"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description,omitempty"`
}

type TransactionDTO struct {
	TransactionID string          `json:"transactionId"`
	Seq           int64           `json:"seq"`
	Date          string          `json:"date"`
	Description   string          `json:"description"`
	Reference     string          `json:"reference,omitempty"`
	Entries       []LineDTO       `json:"entries"`
	TotalDebit    decimal.Decimal `json:"totalDebit"`
	TotalCredit   decimal.Decimal `json:"totalCredit"`
	Source        string          `json:"source"`
	SourceID      string          `json:"sourceId,omitempty"`
	SourceModel   string          `json:"sourceModel,omitempty"`
	Residence     string          `json:"residence,omitempty"`
	Status        string          `json:"status"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedBy     string          `json:"createdBy,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	ApprovedBy    string          `json:"approvedBy,omitempty"`
	ApprovedAt    string          `json:"approvedAt,omitempty"`
}

type TransactionPageResponse struct {
	Transactions []TransactionDTO `json:"transactions"`
	Next         int64            `json:"next,omitempty"`
}

type LineRequest struct {
	AccountCode string          `json:"accountCode" validate:"required"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Description string          `json:"description"`
}

// PostEntryRequest is a manual journal entry. Only sources that carry no
// obligation metadata can be posted this way.
type PostEntryRequest struct {
	Date        string        `json:"date" validate:"required,datetime=2006-01-02"`
	Description string        `json:"description" validate:"required"`
	Reference   string        `json:"reference"`
	Source      string        `json:"source" validate:"omitempty,oneof=manual adjustment"`
	Status      string        `json:"status" validate:"omitempty,oneof=draft posted"`
	Residence   string        `json:"residence"`
	Lines       []LineRequest `json:"entries" validate:"required,min=2,dive"`
	Actor       string        `json:"actor"`
}

func (r PostEntryRequest) toEntry() (ledger.TransactionEntry, error) {
	date, err := time.Parse(dateLayout, r.Date)
	if err != nil {
		return ledger.TransactionEntry{}, err
	}
	source := ledger.SourceManual
	if r.Source != "" {
		source = ledger.Source(r.Source)
	}
	lines := make([]ledger.Line, len(r.Lines))
	for i, l := range r.Lines {
		lines[i] = ledger.Line{
			AccountCode: l.AccountCode,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Description: l.Description,
		}
	}
	return ledger.TransactionEntry{
		Date:        date,
		Description: r.Description,
		Reference:   r.Reference,
		Lines:       lines,
		Source:      source,
		Residence:   r.Residence,
		Status:      ledger.Status(r.Status),
		CreatedBy:   r.Actor,
	}, nil
}

type ReverseRequest struct {
	Reason string `json:"reason" validate:"required"`
	Actor  string `json:"actor"`
}

type ForfeitRequest struct {
	Actor string `json:"actor"`
}

type ApproveRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type ForfeitResponse struct {
	Reversal   TransactionDTO   `json:"reversal"`
	Companions []TransactionDTO `json:"companions"`
}

func toTransactionDTO(e ledger.TransactionEntry) TransactionDTO {
	dto := TransactionDTO{
		TransactionID: e.TransactionID,
		Seq:           e.Seq,
		Date:          e.Date.Format(dateLayout),
		Description:   e.Description,
		Reference:     e.Reference,
		Entries:       make([]LineDTO, len(e.Lines)),
		TotalDebit:    e.TotalDebit,
		TotalCredit:   e.TotalCredit,
		Source:        string(e.Source),
		SourceID:      e.SourceID,
		SourceModel:   e.SourceModel,
		Residence:     e.Residence,
		Status:        string(e.Status),
		CreatedBy:     e.CreatedBy,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		ApprovedBy:    e.ApprovedBy,
	}
	for i, l := range e.Lines {
		dto.Entries[i] = LineDTO{
			AccountCode: l.AccountCode,
			AccountName: l.AccountName,
			AccountType: string(l.AccountType),
			Debit:       l.Debit,
			Credit:      l.Credit,
			Description: l.Description,
		}
	}
	if e.ApprovedAt != nil {
		dto.ApprovedAt = e.ApprovedAt.Format(time.RFC3339)
	}
	// omitted if it fails to marshal
	if raw, err := ledger.MetadataJSON(e.Metadata); err == nil {
		dto.Metadata = raw
	}
	return dto
}

func toTransactionDTOs(entries []ledger.TransactionEntry) []TransactionDTO {
	out := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		out[i] = toTransactionDTO(e)
	}
	return out
}

// =============================================================================
// ADMIN
// =============================================================================

type CleanupRequest struct {
	DryRun bool   `json:"dryRun"`
	Actor  string `json:"actor"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
