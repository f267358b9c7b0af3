package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// METADATA - Closed union, one variant per source family
// =============================================================================

// Metadata links an entry back to the obligation it creates or settles.
// The set of variants is closed: only this package can implement it.
type Metadata interface {
	Kind() MetadataKind
	Student() string
	validate() error
	clone() Metadata
}

type MetadataKind string

const (
	KindAccrual    MetadataKind = "accrual"
	KindSettlement MetadataKind = "settlement"
	KindReversal   MetadataKind = "reversal"
)

// PaymentType is the sub-amount category of a payment.
type PaymentType string

const (
	PaymentRent    PaymentType = "rent"
	PaymentAdmin   PaymentType = "admin"
	PaymentDeposit PaymentType = "deposit"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	return t == PaymentRent || t == PaymentAdmin || t == PaymentDeposit
}

// AllocationType classifies how much of a period a settlement cleared.
type AllocationType string

const (
	AllocationFull    AllocationType = "full"
	AllocationPartial AllocationType = "partial"
	AllocationAdvance AllocationType = "advance"
)

const AccrualTypeRent = "rent_accrual"

// AccrualMetadata tags a rental_accrual entry with the billing period.
type AccrualMetadata struct {
	StudentID     string          `json:"studentId"`
	AccrualMonth  int             `json:"accrualMonth"`
	AccrualYear   int             `json:"accrualYear"`
	Type          string          `json:"type"`
	RentAmount    decimal.Decimal `json:"rentAmount"`
	AdminFee      decimal.Decimal `json:"adminFee"`
	DepositAmount decimal.Decimal `json:"depositAmount"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
}

func (m *AccrualMetadata) Kind() MetadataKind { return KindAccrual }
func (m *AccrualMetadata) Student() string    { return m.StudentID }

// Period returns the billing period the accrual recognizes.
func (m *AccrualMetadata) Period() Period {
	return Period{Year: m.AccrualYear, Month: monthOf(m.AccrualMonth)}
}

func (m *AccrualMetadata) validate() error {
	if m.StudentID == "" {
		return fmt.Errorf("%w: accrual metadata requires studentId", ErrInvalidEntry)
	}
	if m.AccrualMonth < 1 || m.AccrualMonth > 12 || m.AccrualYear < 1900 {
		return fmt.Errorf("%w: accrual period %04d-%02d out of range", ErrInvalidEntry, m.AccrualYear, m.AccrualMonth)
	}
	sum := m.RentAmount.Add(m.AdminFee).Add(m.DepositAmount)
	if !SameCents(sum, m.TotalAmount) {
		return fmt.Errorf("%w: accrual components %s do not add up to total %s",
			ErrInvalidEntry, sum.StringFixed(2), m.TotalAmount.StringFixed(2))
	}
	return nil
}

func (m *AccrualMetadata) clone() Metadata { c := *m; return &c }

// SettlementMetadata tags a payment entry with the period it pays off.
// MonthSettled is nil only for advance payments.
type SettlementMetadata struct {
	StudentID      string         `json:"studentId"`
	PaymentID      string         `json:"paymentId"`
	MonthSettled   *Period        `json:"monthSettled"`
	PaymentType    PaymentType    `json:"paymentType"`
	AllocationType AllocationType `json:"allocationType"`
	Method         string         `json:"method,omitempty"`
}

func (m *SettlementMetadata) Kind() MetadataKind { return KindSettlement }
func (m *SettlementMetadata) Student() string    { return m.StudentID }

func (m *SettlementMetadata) validate() error {
	if m.StudentID == "" {
		return fmt.Errorf("%w: settlement metadata requires studentId", ErrInvalidEntry)
	}
	if !m.PaymentType.Valid() {
		return fmt.Errorf("%w: unknown payment type %q", ErrInvalidEntry, m.PaymentType)
	}
	switch m.AllocationType {
	case AllocationAdvance:
		if m.MonthSettled != nil {
			return fmt.Errorf("%w: advance settlement cannot carry monthSettled", ErrInvalidEntry)
		}
	case AllocationFull, AllocationPartial:
		if m.MonthSettled == nil {
			return fmt.Errorf("%w: %s settlement requires monthSettled", ErrInvalidEntry, m.AllocationType)
		}
	default:
		return fmt.Errorf("%w: unknown allocation type %q", ErrInvalidEntry, m.AllocationType)
	}
	return nil
}

func (m *SettlementMetadata) clone() Metadata {
	c := *m
	if m.MonthSettled != nil {
		p := *m.MonthSettled
		c.MonthSettled = &p
	}
	return &c
}

// ReversalMetadata links an offsetting entry to the one it cancels.
type ReversalMetadata struct {
	StudentID             string `json:"studentId,omitempty"`
	OriginalTransactionID string `json:"originalTransactionId"`
	OriginalSource        Source `json:"originalSource"`
	Reason                string `json:"reason"`
}

func (m *ReversalMetadata) Kind() MetadataKind { return KindReversal }
func (m *ReversalMetadata) Student() string    { return m.StudentID }

func (m *ReversalMetadata) validate() error {
	if m.OriginalTransactionID == "" {
		return fmt.Errorf("%w: reversal metadata requires originalTransactionId", ErrInvalidEntry)
	}
	return nil
}

func (m *ReversalMetadata) clone() Metadata { c := *m; return &c }

// =============================================================================
// SOURCE / METADATA AGREEMENT
// =============================================================================

func validateMetadata(source Source, m Metadata) error {
	switch {
	case source == SourceRentalAccrual:
		am, ok := m.(*AccrualMetadata)
		if !ok || am == nil {
			return fmt.Errorf("%w: %s requires accrual metadata", ErrInvalidEntry, source)
		}
	case source.IsReversal():
		rm, ok := m.(*ReversalMetadata)
		if !ok || rm == nil {
			return fmt.Errorf("%w: %s requires reversal metadata", ErrInvalidEntry, source)
		}
	case source == SourcePayment:
		if m == nil {
			return nil
		}
		if _, ok := m.(*SettlementMetadata); !ok {
			return fmt.Errorf("%w: payment entries only carry settlement metadata", ErrInvalidEntry)
		}
	default:
		if m == nil {
			return nil
		}
		if m.Kind() != KindSettlement {
			return fmt.Errorf("%w: %s metadata not allowed on %s", ErrInvalidEntry, m.Kind(), source)
		}
	}
	if m == nil {
		return nil
	}
	return m.validate()
}

// =============================================================================
// ENCODING - Persisted as (kind, json)
// =============================================================================

// EncodeMetadata serializes m for storage. A nil m encodes as ("", nil).
func EncodeMetadata(m Metadata) (MetadataKind, []byte, error) {
	if m == nil {
		return "", nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s metadata: %w", m.Kind(), err)
	}
	return m.Kind(), data, nil
}

// DecodeMetadata reverses EncodeMetadata.
func DecodeMetadata(kind MetadataKind, data []byte) (Metadata, error) {
	if kind == "" || len(data) == 0 {
		return nil, nil
	}
	var m Metadata
	switch kind {
	case KindAccrual:
		m = &AccrualMetadata{}
	case KindSettlement:
		m = &SettlementMetadata{}
	case KindReversal:
		m = &ReversalMetadata{}
	default:
		return nil, fmt.Errorf("unknown metadata kind %q", kind)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", kind, err)
	}
	return m, nil
}

// MetadataJSON renders m as a flat JSON object with a "kind" discriminator.
func MetadataJSON(m Metadata) (json.RawMessage, error) {
	kind, data, err := EncodeMetadata(m)
	if err != nil || data == nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["kind"] = kind
	return json.Marshal(fields)
}
