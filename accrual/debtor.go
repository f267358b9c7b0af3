package accrual

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rent-ledger/ledger"
)

var ErrDebtorNotFound = errors.New("debtor not found")

// Debtor is a student with a lease, as read from the debtor directory.
type Debtor struct {
	StudentID  string          `json:"studentId"`
	Name       string          `json:"name"`
	Residence  string          `json:"residence,omitempty"`
	LeaseStart time.Time       `json:"leaseStartDate"`
	LeaseEnd   time.Time       `json:"leaseEndDate"` // zero = open-ended
	RoomPrice  decimal.Decimal `json:"roomPrice"`
	AdminFee   decimal.Decimal `json:"adminFee"`
	Deposit    decimal.Decimal `json:"deposit"`
	Active     bool            `json:"active"`
}

// FirstPeriod is the month the lease starts in.
func (d Debtor) FirstPeriod() ledger.Period { return ledger.PeriodOf(d.LeaseStart) }

// Periods returns every lease month up to and including through.
func (d Debtor) Periods(through ledger.Period) []ledger.Period {
	end := through.Start()
	if !d.LeaseEnd.IsZero() && ledger.PeriodOf(d.LeaseEnd).Before(through) {
		end = d.LeaseEnd
	}
	return ledger.PeriodsBetween(d.LeaseStart, end)
}

// RatesFor returns the charges for p. Admin fee and deposit are one-time
// charges billed only in the first lease month. No proration.
func (d Debtor) RatesFor(p ledger.Period) Rates {
	r := Rates{Rent: d.RoomPrice, AdminFee: decimal.Zero, Deposit: decimal.Zero}
	if p == d.FirstPeriod() {
		r.AdminFee = d.AdminFee
		r.Deposit = d.Deposit
	}
	return r
}

// Validate checks the fields batch accrual depends on.
func (d Debtor) Validate() error {
	if d.StudentID == "" {
		return fmt.Errorf("debtor: studentId required")
	}
	if d.LeaseStart.IsZero() {
		return fmt.Errorf("debtor %s: lease start required", d.StudentID)
	}
	if !d.LeaseEnd.IsZero() && d.LeaseEnd.Before(d.LeaseStart) {
		return fmt.Errorf("debtor %s: lease ends before it starts", d.StudentID)
	}
	return d.RatesFor(d.FirstPeriod()).Validate()
}

// DebtorDirectory is the read-only source of leases for batch accrual.
type DebtorDirectory interface {
	ActiveDebtors(ctx context.Context) ([]Debtor, error)
	Debtor(ctx context.Context, studentID string) (Debtor, error)
}

// StaticDirectory is an in-memory DebtorDirectory.
type StaticDirectory struct {
	mu      sync.RWMutex
	debtors map[string]Debtor
}

func NewStaticDirectory(debtors ...Debtor) *StaticDirectory {
	s := &StaticDirectory{debtors: make(map[string]Debtor)}
	for _, d := range debtors {
		s.debtors[d.StudentID] = d
	}
	return s
}

// Put adds or replaces a debtor.
func (s *StaticDirectory) Put(d Debtor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debtors[d.StudentID] = d
}

func (s *StaticDirectory) ActiveDebtors(_ context.Context) ([]Debtor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Debtor
	for _, d := range s.debtors {
		if d.Active {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (s *StaticDirectory) Debtor(_ context.Context, studentID string) (Debtor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.debtors[studentID]
	if !ok {
		return Debtor{}, fmt.Errorf("%w: %s", ErrDebtorNotFound, studentID)
	}
	return d, nil
}
