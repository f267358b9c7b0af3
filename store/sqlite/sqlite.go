/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces and the debtor directory.

PURPOSE:
  Implements ledger.Store (entries, accounts, transactions) and
  accrual.DebtorDirectory using SQLite. The same schema ports to PostgreSQL
  with minor dialect changes.

INTERFACES IMPLEMENTED:
  ledger.Store:           Entry persistence, account chart, WithTx
  accrual.DebtorDirectory: Leases for batch accrual

MUTATION CONTRACT:
  Entry rows and their lines are never UPDATEd except for:
  - status (posted <-> reversed, conditional on the current value)
  - approved_by / approved_at
  DELETE is reserved for the duplicate-reversal cleanup.

KEY TABLES:
  accounts:            Chart of accounts
  transaction_entries: One row per entry; seq is the paging cursor
  entry_lines:         Debit/credit lines, cascade-deleted with the entry
  debtors:             Students and their leases

INDEXES:
  - idx_unique_posted_accrual: At most one posted rental_accrual per
    (student, year, month). Violations map to ledger.ErrDuplicateAccrual.
  - idx_entries_student / idx_entries_reference / idx_entries_payment:
    Filter push-down for the hot read paths (obligations, reversals,
    duplicate payment checks)

CONCURRENCY:
  One connection (SetMaxOpenConns(1)) in WAL mode. database/sql queues
  callers on the pool, and every statement inside WithTx runs on the
  *sql.Tx. Code inside WithTx must not call back into the Store itself.
  FindPage reads its rows to completion before loading lines, so a caller
  may issue more queries while iterating pages.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.NewRegistry(store), logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/rent-ledger/accrual"
	"github.com/warp/rent-ledger/ledger"
)

// fixed-width so text comparison orders the same as time
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store and accrual.DebtorDirectory.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.Store            = (*Store)(nil)
	_ accrual.DebtorDirectory = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection also keeps ":memory:" databases alive between calls
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transaction_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		date TEXT NOT NULL,
		description TEXT,
		reference TEXT,
		total_debit TEXT NOT NULL,
		total_credit TEXT NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT,
		source_model TEXT,
		residence TEXT,
		status TEXT NOT NULL,
		student_id TEXT,
		accrual_year INTEGER,
		accrual_month INTEGER,
		payment_id TEXT,
		metadata_kind TEXT,
		metadata_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		approved_by TEXT,
		approved_at TEXT
	);

	-- CRITICAL: one posted accrual per student and billing period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_posted_accrual
		ON transaction_entries(student_id, accrual_year, accrual_month, source)
		WHERE source = 'rental_accrual' AND status = 'posted';

	CREATE INDEX IF NOT EXISTS idx_entries_student
		ON transaction_entries(student_id, seq) WHERE student_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_reference
		ON transaction_entries(reference) WHERE reference IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_payment
		ON transaction_entries(payment_id) WHERE payment_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_source_status
		ON transaction_entries(source, status);
	CREATE INDEX IF NOT EXISTS idx_entries_date
		ON transaction_entries(date);

	CREATE TABLE IF NOT EXISTS entry_lines (
		entry_id TEXT NOT NULL REFERENCES transaction_entries(id) ON DELETE CASCADE,
		line_no INTEGER NOT NULL,
		account_code TEXT NOT NULL,
		account_name TEXT,
		account_type TEXT,
		debit TEXT NOT NULL,
		credit TEXT NOT NULL,
		description TEXT,
		PRIMARY KEY (entry_id, line_no)
	);

	CREATE INDEX IF NOT EXISTS idx_lines_account
		ON entry_lines(account_code);

	CREATE TABLE IF NOT EXISTS debtors (
		student_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		residence TEXT,
		lease_start TEXT NOT NULL,
		lease_end TEXT,
		room_price TEXT NOT NULL,
		admin_fee TEXT NOT NULL,
		deposit TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ENTRY STORE (ledger.EntryStore interface)
// =============================================================================

// Insert writes the entry and its lines in one transaction.
func (s *Store) Insert(ctx context.Context, e ledger.TransactionEntry) (ledger.TransactionEntry, error) {
	var saved ledger.TransactionEntry
	err := s.WithTx(ctx, func(tx ledger.EntryStore) error {
		var err error
		saved, err = tx.Insert(ctx, e)
		return err
	})
	return saved, err
}

// InsertBatch writes every entry or none.
func (s *Store) InsertBatch(ctx context.Context, entries []ledger.TransactionEntry) ([]ledger.TransactionEntry, error) {
	var saved []ledger.TransactionEntry
	err := s.WithTx(ctx, func(tx ledger.EntryStore) error {
		var err error
		saved, err = tx.InsertBatch(ctx, entries)
		return err
	})
	return saved, err
}

func (s *Store) Get(ctx context.Context, id string) (ledger.TransactionEntry, error) {
	return entries{s.db}.Get(ctx, id)
}

func (s *Store) FindPage(ctx context.Context, f ledger.Filter, afterSeq int64, limit int) ([]ledger.TransactionEntry, error) {
	return entries{s.db}.FindPage(ctx, f, afterSeq, limit)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to ledger.Status) error {
	return entries{s.db}.UpdateStatus(ctx, id, from, to)
}

func (s *Store) SetApproval(ctx context.Context, id, actor string, at time.Time) error {
	return entries{s.db}.SetApproval(ctx, id, actor, at)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return entries{s.db}.Delete(ctx, id)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.EntryStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{entries{sqlTx}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	entries
}

// entries runs entry statements against a querier.
type entries struct {
	q querier
}

const entryColumns = `seq, id, date, description, reference, total_debit, total_credit,
	source, source_id, source_model, residence, status, metadata_kind, metadata_json,
	created_by, created_at, approved_by, approved_at`

func (x entries) Insert(ctx context.Context, e ledger.TransactionEntry) (ledger.TransactionEntry, error) {
	kind, data, err := ledger.EncodeMetadata(e.Metadata)
	if err != nil {
		return ledger.TransactionEntry{}, err
	}
	var (
		accrualYear, accrualMonth sql.NullInt64
		paymentID                 string
	)
	switch m := e.Metadata.(type) {
	case *ledger.AccrualMetadata:
		accrualYear = sql.NullInt64{Int64: int64(m.AccrualYear), Valid: true}
		accrualMonth = sql.NullInt64{Int64: int64(m.AccrualMonth), Valid: true}
	case *ledger.SettlementMetadata:
		paymentID = m.PaymentID
	}

	res, err := x.q.ExecContext(ctx, `
		INSERT INTO transaction_entries
		(id, date, description, reference, total_debit, total_credit, source, source_id,
		 source_model, residence, status, student_id, accrual_year, accrual_month, payment_id,
		 metadata_kind, metadata_json, created_by, created_at, approved_by, approved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TransactionID,
		formatTime(e.Date),
		e.Description,
		nullString(e.Reference),
		e.TotalDebit,
		e.TotalCredit,
		string(e.Source),
		nullString(e.SourceID),
		nullString(e.SourceModel),
		nullString(e.Residence),
		string(e.Status),
		nullString(e.StudentID()),
		accrualYear,
		accrualMonth,
		nullString(paymentID),
		nullString(string(kind)),
		nullString(string(data)),
		nullString(e.CreatedBy),
		formatTime(e.CreatedAt),
		nullString(e.ApprovedBy),
		nullTime(e.ApprovedAt),
	)
	if err != nil {
		return ledger.TransactionEntry{}, mapConstraintError(err, e.TransactionID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.TransactionEntry{}, fmt.Errorf("failed to read seq: %w", err)
	}

	for i, l := range e.Lines {
		_, err := x.q.ExecContext(ctx, `
			INSERT INTO entry_lines
			(entry_id, line_no, account_code, account_name, account_type, debit, credit, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TransactionID, i, l.AccountCode, l.AccountName, string(l.AccountType),
			l.Debit, l.Credit, nullString(l.Description),
		)
		if err != nil {
			return ledger.TransactionEntry{}, fmt.Errorf("failed to insert line %d of %s: %w", i, e.TransactionID, err)
		}
	}

	saved := e.Clone()
	saved.Seq = seq
	return saved, nil
}

func (x entries) InsertBatch(ctx context.Context, batch []ledger.TransactionEntry) ([]ledger.TransactionEntry, error) {
	out := make([]ledger.TransactionEntry, 0, len(batch))
	for _, e := range batch {
		saved, err := x.Insert(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func (x entries) Get(ctx context.Context, id string) (ledger.TransactionEntry, error) {
	found, err := x.query(ctx, "SELECT "+entryColumns+" FROM transaction_entries WHERE id = ?", id)
	if err != nil {
		return ledger.TransactionEntry{}, err
	}
	if len(found) == 0 {
		return ledger.TransactionEntry{}, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return found[0], nil
}

// FindPage pushes every Filter predicate down to SQL, so LIMIT is exact.
func (x entries) FindPage(ctx context.Context, f ledger.Filter, afterSeq int64, limit int) ([]ledger.TransactionEntry, error) {
	where := []string{"e.seq > ?"}
	args := []any{afterSeq}

	if len(f.Sources) > 0 {
		where = append(where, "e.source IN ("+placeholders(len(f.Sources))+")")
		for _, src := range f.Sources {
			args = append(args, string(src))
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "e.status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.From.IsZero() {
		where = append(where, "e.date >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "e.date <= ?")
		args = append(args, formatTime(f.To))
	}
	if f.StudentID != "" {
		where = append(where, "e.student_id = ?")
		args = append(args, f.StudentID)
	}
	if f.Reference != "" {
		where = append(where, "e.reference = ?")
		args = append(args, f.Reference)
	}
	if f.PaymentID != "" {
		where = append(where, "e.payment_id = ? AND e.metadata_kind = ?")
		args = append(args, f.PaymentID, string(ledger.KindSettlement))
	}
	if f.AccrualPeriod != nil {
		where = append(where, "e.accrual_year = ? AND e.accrual_month = ? AND e.metadata_kind = ?")
		args = append(args, f.AccrualPeriod.Year, int(f.AccrualPeriod.Month), string(ledger.KindAccrual))
	}
	if f.AccountPrefix != "" {
		where = append(where, `EXISTS (SELECT 1 FROM entry_lines l
			WHERE l.entry_id = e.id AND substr(l.account_code, 1, ?) = ?)`)
		args = append(args, utf8.RuneCountInString(f.AccountPrefix), f.AccountPrefix)
	}

	query := "SELECT " + prefixed(entryColumns, "e.") + " FROM transaction_entries e WHERE " +
		strings.Join(where, " AND ") + " ORDER BY e.seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return x.query(ctx, query, args...)
}

func (x entries) UpdateStatus(ctx context.Context, id string, from, to ledger.Status) error {
	res, err := x.q.ExecContext(ctx,
		"UPDATE transaction_entries SET status = ? WHERE id = ? AND status = ?",
		string(to), id, string(from))
	if err != nil {
		return mapConstraintError(err, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = x.q.QueryRowContext(ctx, "SELECT status FROM transaction_entries WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ledger.ErrStatusConflict, id, current, from)
}

func (x entries) SetApproval(ctx context.Context, id, actor string, at time.Time) error {
	res, err := x.q.ExecContext(ctx,
		"UPDATE transaction_entries SET approved_by = ?, approved_at = ? WHERE id = ?",
		actor, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (x entries) Delete(ctx context.Context, id string) error {
	res, err := x.q.ExecContext(ctx, "DELETE FROM transaction_entries WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// query loads entries, closes the rows, then loads their lines.
func (x entries) query(ctx context.Context, query string, args ...any) ([]ledger.TransactionEntry, error) {
	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	var out []ledger.TransactionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	if err := x.loadLines(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (x entries) loadLines(ctx context.Context, list []ledger.TransactionEntry) error {
	index := make(map[string]int, len(list))
	args := make([]any, len(list))
	for i, e := range list {
		index[e.TransactionID] = i
		args[i] = e.TransactionID
	}

	rows, err := x.q.QueryContext(ctx, `
		SELECT entry_id, account_code, account_name, account_type, debit, credit, description
		FROM entry_lines WHERE entry_id IN (`+placeholders(len(list))+`)
		ORDER BY entry_id, line_no`, args...)
	if err != nil {
		return fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entryID     string
			l           ledger.Line
			name        sql.NullString
			accountType sql.NullString
			description sql.NullString
		)
		if err := rows.Scan(&entryID, &l.AccountCode, &name, &accountType, &l.Debit, &l.Credit, &description); err != nil {
			return fmt.Errorf("failed to scan line: %w", err)
		}
		l.AccountName = name.String
		l.AccountType = ledger.AccountType(accountType.String)
		l.Description = description.String
		i := index[entryID]
		list[i].Lines = append(list[i].Lines, l)
	}
	return rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.TransactionEntry, error) {
	var (
		e            ledger.TransactionEntry
		date         string
		description  sql.NullString
		reference    sql.NullString
		source       string
		sourceID     sql.NullString
		sourceModel  sql.NullString
		residence    sql.NullString
		status       string
		metadataKind sql.NullString
		metadataJSON sql.NullString
		createdBy    sql.NullString
		createdAt    string
		approvedBy   sql.NullString
		approvedAt   sql.NullString
	)
	err := rows.Scan(
		&e.Seq, &e.TransactionID, &date, &description, &reference, &e.TotalDebit, &e.TotalCredit,
		&source, &sourceID, &sourceModel, &residence, &status, &metadataKind, &metadataJSON,
		&createdBy, &createdAt, &approvedBy, &approvedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.Date, err = parseTime(date); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if approvedAt.Valid {
		t, err := parseTime(approvedAt.String)
		if err != nil {
			return e, err
		}
		e.ApprovedAt = &t
	}
	e.Metadata, err = ledger.DecodeMetadata(ledger.MetadataKind(metadataKind.String), []byte(metadataJSON.String))
	if err != nil {
		return e, fmt.Errorf("entry %s: %w", e.TransactionID, err)
	}

	e.Description = description.String
	e.Reference = reference.String
	e.Source = ledger.Source(source)
	e.SourceID = sourceID.String
	e.SourceModel = sourceModel.String
	e.Residence = residence.String
	e.Status = ledger.Status(status)
	e.CreatedBy = createdBy.String
	e.ApprovedBy = approvedBy.String
	return e, nil
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountStore interface)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, code string) (*ledger.Account, error) {
	var (
		a         ledger.Account
		category  sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT code, name, type, category, active, created_at FROM accounts WHERE code = ?", code,
	).Scan(&a.Code, &a.Name, &a.Type, &category, &a.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Category = category.String
	a.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (code, name, type, category, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			category = excluded.category,
			active = excluded.active`,
		a.Code, a.Name, string(a.Type), nullString(a.Category), a.Active, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", a.Code, err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT code, name, type, category, active, created_at FROM accounts ORDER BY code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var (
			a         ledger.Account
			category  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.Code, &a.Name, &a.Type, &category, &a.Active, &createdAt); err != nil {
			return nil, err
		}
		a.Category = category.String
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// DEBTOR DIRECTORY (accrual.DebtorDirectory interface)
// =============================================================================

const debtorColumns = `student_id, name, residence, lease_start, lease_end, room_price, admin_fee, deposit, active`

// SaveDebtor inserts or replaces a debtor.
func (s *Store) SaveDebtor(ctx context.Context, d accrual.Debtor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var leaseEnd sql.NullString
	if !d.LeaseEnd.IsZero() {
		leaseEnd = sql.NullString{String: formatTime(d.LeaseEnd), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO debtors (`+debtorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id) DO UPDATE SET
			name = excluded.name,
			residence = excluded.residence,
			lease_start = excluded.lease_start,
			lease_end = excluded.lease_end,
			room_price = excluded.room_price,
			admin_fee = excluded.admin_fee,
			deposit = excluded.deposit,
			active = excluded.active`,
		d.StudentID, d.Name, nullString(d.Residence), formatTime(d.LeaseStart), leaseEnd,
		d.RoomPrice, d.AdminFee, d.Deposit, d.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save debtor %s: %w", d.StudentID, err)
	}
	return nil
}

// ListDebtors returns every debtor, active or not.
func (s *Store) ListDebtors(ctx context.Context) ([]accrual.Debtor, error) {
	return s.queryDebtors(ctx, "SELECT "+debtorColumns+" FROM debtors ORDER BY student_id")
}

func (s *Store) ActiveDebtors(ctx context.Context) ([]accrual.Debtor, error) {
	return s.queryDebtors(ctx, "SELECT "+debtorColumns+" FROM debtors WHERE active = 1 ORDER BY student_id")
}

func (s *Store) Debtor(ctx context.Context, studentID string) (accrual.Debtor, error) {
	found, err := s.queryDebtors(ctx, "SELECT "+debtorColumns+" FROM debtors WHERE student_id = ?", studentID)
	if err != nil {
		return accrual.Debtor{}, err
	}
	if len(found) == 0 {
		return accrual.Debtor{}, fmt.Errorf("%w: %s", accrual.ErrDebtorNotFound, studentID)
	}
	return found[0], nil
}

func (s *Store) queryDebtors(ctx context.Context, query string, args ...any) ([]accrual.Debtor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query debtors: %w", err)
	}
	defer rows.Close()

	var out []accrual.Debtor
	for rows.Next() {
		var (
			d          accrual.Debtor
			residence  sql.NullString
			leaseStart string
			leaseEnd   sql.NullString
		)
		if err := rows.Scan(&d.StudentID, &d.Name, &residence, &leaseStart, &leaseEnd,
			&d.RoomPrice, &d.AdminFee, &d.Deposit, &d.Active); err != nil {
			return nil, fmt.Errorf("failed to scan debtor: %w", err)
		}
		d.Residence = residence.String
		if d.LeaseStart, err = parseTime(leaseStart); err != nil {
			return nil, err
		}
		if leaseEnd.Valid {
			if d.LeaseEnd, err = parseTime(leaseEnd.String); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"entry_lines", "transaction_entries", "debtors", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func mapConstraintError(err error, id string) error {
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to write entry %s: %w", id, err)
	}
	if strings.Contains(err.Error(), "transaction_entries.id") {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateTransactionID, id)
	}
	return ledger.ErrDuplicateAccrual
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func prefixed(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}
