package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - A billing month
// =============================================================================

// Period is one billing month. Its text form is "YYYY-MM", which is also the
// form stored in monthSettled.
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// PeriodOf returns the period containing t (in UTC).
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q (want YYYY-MM): %w", s, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// MustParsePeriod is ParsePeriod for literals; it panics on bad input.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

func monthOf(m int) time.Month { return time.Month(m) }

// Start is the first instant of the period, UTC. Accruals are dated here.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the period at 00:00 UTC.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

func (p Period) Next() Period { return PeriodOf(p.Start().AddDate(0, 1, 0)) }
func (p Period) Prev() Period { return PeriodOf(p.Start().AddDate(0, -1, 0)) }

// Comparison
func (p Period) Before(o Period) bool { return p.index() < o.index() }
func (p Period) After(o Period) bool  { return p.index() > o.index() }
func (p Period) IsZero() bool         { return p.Year == 0 && p.Month == 0 }

func (p Period) index() int { return p.Year*12 + int(p.Month) - 1 }

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool { return PeriodOf(t) == p }

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PeriodsBetween returns every period from the one containing start through
// the one containing end, inclusive. Empty when end is before start.
func PeriodsBetween(start, end time.Time) []Period {
	first, last := PeriodOf(start), PeriodOf(end)
	var out []Period
	for p := first; !p.After(last); p = p.Next() {
		out = append(out, p)
	}
	return out
}
