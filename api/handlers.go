/*
handlers.go - HTTP API handlers for the rent ledger

PURPOSE:
  Exposes the ledger, accrual generator, allocation engine and correction
  service via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                    Chart of accounts
    POST   /api/accounts                    Create account
    GET    /api/accounts/{code}/balance     Debit/credit/net, sub-accounts rolled up

  Debtors:
    GET    /api/debtors                     List debtors
    POST   /api/debtors                     Create or update a lease

  Accruals:
    POST   /api/accruals                    Accrue one student-period
    POST   /api/accruals/batch              Accrue every active lease through a period

  Payments:
    POST   /api/payments                    Smart FIFO allocation
    GET    /api/students/{id}/outstanding   Open obligations, oldest first

  Transactions:
    GET    /api/transactions                Filtered, cursor-paginated
    POST   /api/transactions                Manual journal entry
    GET    /api/transactions/{id}
    POST   /api/transactions/{id}/reverse
    POST   /api/transactions/{id}/forfeit
    POST   /api/transactions/{id}/approve

  Admin:
    GET    /api/admin/audit                 Integrity report
    POST   /api/admin/cleanup-reversals     Duplicate reversal cleanup

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unbalanced entries, unknown accounts
  - 404: Entry or debtor not found
  - 409: Conflict (already reversed, duplicate accrual, payment replay)
  - 422: No outstanding obligations
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Actor fields in request bodies are trusted as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/rent-ledger/accrual"
	"github.com/warp/rent-ledger/allocation"
	"github.com/warp/rent-ledger/correction"
	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/lock"
	"github.com/warp/rent-ledger/store/sqlite"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Ledger      *ledger.Ledger
	Accruals    *accrual.Generator
	Payments    *allocation.Engine
	Corrections *correction.Service

	// Scheduler is optional. When set, GET /api/admin/audit serves its last
	// report instead of scanning on every request.
	Scheduler *correction.IntegrityScheduler

	logger   *slog.Logger
	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the domain services over one store. Writers that touch
// a student's settlements share locker.
func NewHandler(store *sqlite.Store, locker lock.Locker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	l := ledger.New(store, ledger.NewRegistry(store), logger)
	return &Handler{
		Store:       store,
		Ledger:      l,
		Accruals:    accrual.NewGenerator(l, store, logger),
		Payments:    allocation.NewEngine(l, locker, logger),
		Corrections: correction.NewService(l, locker, logger),
		logger:      logger,
		validate:    validator.New(),
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns the chart of accounts, including student sub-accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Ledger.Accounts().List(r.Context())
	if err != nil {
		h.fail(w, "Failed to list accounts", err)
		return
	}
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAccount registers an account. Creating an existing code with the
// same type returns the existing account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.Ledger.Accounts().GetOrCreate(r.Context(), ledger.Account{
		Code:     req.Code,
		Name:     req.Name,
		Type:     ledger.AccountType(req.Type),
		Category: req.Category,
	})
	if err != nil {
		h.fail(w, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccountBalance sums every posted or reversed line on the account and
// its sub-accounts. Optional from/to (YYYY-MM-DD) bound the entry date.
func (h *Handler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code := chi.URLParam(r, "code")

	if _, err := h.Ledger.Accounts().Resolve(ctx, code); err != nil {
		if errors.Is(err, ledger.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "Account not found", err)
			return
		}
		h.fail(w, "Failed to load account", err)
		return
	}

	f := ledger.Filter{AccountPrefix: code}
	var err error
	if f.From, f.To, err = dateRange(r.URL.Query()); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}
	report, err := h.Ledger.Balances(ctx, f)
	if err != nil {
		h.fail(w, "Failed to compute balance", err)
		return
	}
	b := report.Account(code)
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountCode: code,
		Debit:       b.Debit,
		Credit:      b.Credit,
		Net:         b.Net(),
	})
}

// =============================================================================
// DEBTOR HANDLERS
// =============================================================================

func (h *Handler) ListDebtors(w http.ResponseWriter, r *http.Request) {
	debtors, err := h.Store.ListDebtors(r.Context())
	if err != nil {
		h.fail(w, "Failed to list debtors", err)
		return
	}
	dtos := make([]DebtorDTO, len(debtors))
	for i, d := range debtors {
		dtos[i] = toDebtorDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateDebtor(w http.ResponseWriter, r *http.Request) {
	var req CreateDebtorRequest
	if !h.decode(w, r, &req) {
		return
	}
	d := accrual.Debtor{
		StudentID: req.StudentID,
		Name:      req.Name,
		Residence: req.Residence,
		RoomPrice: req.RoomPrice,
		AdminFee:  req.AdminFee,
		Deposit:   req.Deposit,
		Active:    req.Active == nil || *req.Active,
	}
	d.LeaseStart, _ = time.Parse(dateLayout, req.LeaseStart)
	if req.LeaseEnd != "" {
		d.LeaseEnd, _ = time.Parse(dateLayout, req.LeaseEnd)
	}
	if err := d.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid debtor", err)
		return
	}
	if err := h.Store.SaveDebtor(r.Context(), d); err != nil {
		h.fail(w, "Failed to save debtor", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDebtorDTO(d))
}

func toDebtorDTO(d accrual.Debtor) DebtorDTO {
	dto := DebtorDTO{
		StudentID:  d.StudentID,
		Name:       d.Name,
		Residence:  d.Residence,
		LeaseStart: d.LeaseStart.Format(dateLayout),
		RoomPrice:  d.RoomPrice,
		AdminFee:   d.AdminFee,
		Deposit:    d.Deposit,
		Active:     d.Active,
	}
	if !d.LeaseEnd.IsZero() {
		dto.LeaseEnd = d.LeaseEnd.Format(dateLayout)
	}
	return dto
}

// =============================================================================
// ACCRUAL HANDLERS
// =============================================================================

// CreateAccrual accrues one period. 201 when posted, 200 when the period
// was already accrued (the existing entry is returned).
func (h *Handler) CreateAccrual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateAccrualRequest
	if !h.decode(w, r, &req) {
		return
	}
	period, err := ledger.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	rates := accrual.Rates{Rent: req.Rent, AdminFee: req.AdminFee, Deposit: req.Deposit}
	if rates.Total().IsZero() {
		d, err := h.Store.Debtor(ctx, req.StudentID)
		if err != nil {
			h.fail(w, "No rates given and no lease on file", err)
			return
		}
		rates = d.RatesFor(period)
		if req.Residence == "" {
			req.Residence = d.Residence
		}
	}

	res, err := h.Accruals.CreateAccrual(ctx, req.StudentID, period, rates, accrual.Options{
		Actor:     req.Actor,
		Residence: req.Residence,
	})
	if err != nil {
		h.fail(w, "Failed to create accrual", err)
		return
	}
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, AccrualResponse{
		StudentID:   res.StudentID,
		Period:      res.Period.String(),
		Skipped:     res.Skipped,
		Transaction: toTransactionDTO(res.Entry),
	})
}

// CreateAccrualBatch accrues every active lease through the given period.
// Per-debtor failures are reported in the body; the request still succeeds.
func (h *Handler) CreateAccrualBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAccrualRequest
	if !h.decode(w, r, &req) {
		return
	}
	through, err := ledger.ParsePeriod(req.Through)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	res, err := h.Accruals.CreateMonthlyAccrualsBatch(r.Context(), through, accrual.Options{Actor: req.Actor})
	if err != nil {
		h.fail(w, "Batch accrual failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

var allocationStatus = map[string]int{
	allocation.CodeNoOutstandingObligations: http.StatusUnprocessableEntity,
	allocation.CodeInvalidPayment:           http.StatusBadRequest,
	allocation.CodePaymentAlreadyAllocated:  http.StatusConflict,
	allocation.CodeInternal:                 http.StatusInternalServerError,
}

// AllocatePayment runs Smart FIFO allocation. The body is the structured
// allocation result in both the success and failure cases.
func (h *Handler) AllocatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	event, err := req.toEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment date", err)
		return
	}

	res, err := h.Payments.AllocatePayment(r.Context(), event)
	if res.Success {
		writeJSON(w, http.StatusCreated, res)
		return
	}
	status, ok := allocationStatus[res.Error]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("allocation failed", "payment_id", event.PaymentID, "error", err)
	}
	writeJSON(w, status, res)
}

func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	st, err := h.Payments.QueryStatement(r.Context(), studentID)
	if err != nil {
		h.fail(w, "Failed to load obligations", err)
		return
	}
	writeJSON(w, http.StatusOK, OutstandingResponse{
		StudentID:        st.StudentID,
		Periods:          st.Periods,
		TotalOutstanding: st.TotalOutstanding,
		UnappliedCredit:  st.UnappliedCredit,
	})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns one page of entries. Query parameters:
// studentId, source, status (comma lists), from, to, account, reference,
// paymentId, period, after (cursor), limit.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	after, size, err := parseCursor(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pagination", err)
		return
	}

	entries, next, err := h.Ledger.Page(r.Context(), f, after, size)
	if err != nil {
		h.fail(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageResponse{
		Transactions: toTransactionDTOs(entries),
		Next:         next,
	})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(e))
}

// PostTransaction posts a manual journal entry.
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req PostEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := req.toEntry()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	posted, err := h.Ledger.Post(r.Context(), entry)
	if err != nil {
		h.fail(w, "Failed to post transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(posted))
}

func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	reversal, err := h.Corrections.ReverseTransaction(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		h.fail(w, "Failed to reverse transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(reversal))
}

// ForfeitAccrual reverses a rental accrual as a forfeiture.
func (h *Handler) ForfeitAccrual(w http.ResponseWriter, r *http.Request) {
	var req ForfeitRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	entries, err := h.Corrections.ReverseForfeiture(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		h.fail(w, "Failed to forfeit accrual", err)
		return
	}
	writeJSON(w, http.StatusCreated, ForfeitResponse{
		Reversal:   toTransactionDTO(entries[0]),
		Companions: toTransactionDTOs(entries[1:]),
	})
}

func (h *Handler) ApproveTransaction(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.Ledger.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		h.fail(w, "Failed to approve transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(e))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetAudit returns an integrity report. With ?studentId the audit is scoped
// to that student and always fresh; ?fresh=true forces a full rescan.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if studentID := q.Get("studentId"); studentID != "" {
		report, err := h.Corrections.AuditLedger(ctx, ledger.Filter{StudentID: studentID})
		if err != nil {
			h.fail(w, "Audit failed", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if h.Scheduler == nil {
		report, err := h.Corrections.AuditLedger(ctx, ledger.Filter{})
		if err != nil {
			h.fail(w, "Audit failed", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if q.Get("fresh") != "true" {
		if last, _ := h.Scheduler.LastReport(); last != nil {
			writeJSON(w, http.StatusOK, last)
			return
		}
	}
	report, err := h.Scheduler.RunNow(ctx)
	if err != nil {
		h.fail(w, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) CleanupReversals(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	report, err := h.Corrections.CleanupDuplicateReversals(r.Context(), correction.CleanupOptions{
		DryRun: req.DryRun,
		Actor:  req.Actor,
	})
	if err != nil {
		h.fail(w, "Cleanup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err), errors.Is(err, accrual.ErrDebtorNotFound):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNoOutstandingObligations):
		return http.StatusUnprocessableEntity
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with the status its class maps to.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, len(verrs))
		for i, fe := range verrs {
			msgs[i] = fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag())
		}
		err = errors.New(strings.Join(msgs, "; "))
	}
	writeError(w, http.StatusBadRequest, "Validation failed", err)
	return false
}

func parseFilter(q url.Values) (ledger.Filter, error) {
	f := ledger.Filter{
		StudentID:     q.Get("studentId"),
		AccountPrefix: q.Get("account"),
		Reference:     q.Get("reference"),
		PaymentID:     q.Get("paymentId"),
	}
	for _, s := range splitList(q.Get("source")) {
		src := ledger.Source(s)
		if !src.Valid() {
			return f, fmt.Errorf("unknown source %q", s)
		}
		f.Sources = append(f.Sources, src)
	}
	for _, s := range splitList(q.Get("status")) {
		st := ledger.Status(s)
		switch st {
		case ledger.StatusDraft, ledger.StatusPosted, ledger.StatusReversed:
		default:
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if p := q.Get("period"); p != "" {
		period, err := ledger.ParsePeriod(p)
		if err != nil {
			return f, err
		}
		f.AccrualPeriod = &period
	}
	var err error
	f.From, f.To, err = dateRange(q)
	return f, err
}

func dateRange(q url.Values) (from, to time.Time, err error) {
	if s := q.Get("from"); s != "" {
		if from, err = time.Parse(dateLayout, s); err != nil {
			return from, to, fmt.Errorf("from: %w", err)
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(dateLayout, s); err != nil {
			return from, to, fmt.Errorf("to: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("to %s is before from %s", q.Get("to"), q.Get("from"))
	}
	return from, to, nil
}

func parseCursor(q url.Values) (after int64, size int, err error) {
	size = defaultPageSize
	if s := q.Get("after"); s != "" {
		if after, err = strconv.ParseInt(s, 10, 64); err != nil || after < 0 {
			return 0, 0, fmt.Errorf("after must be a non-negative integer")
		}
	}
	if s := q.Get("limit"); s != "" {
		if size, err = strconv.Atoi(s); err != nil || size < 1 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
	}
	return after, min(size, maxPageSize), nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
