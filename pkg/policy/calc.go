package policy

import (
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/state"
	"github.com/shopspring/decimal"
)

const (
	fixedPeriod   = 30 * 24 * time.Hour
	dailyPeriod   = 24 * time.Hour
	privateYears  = 10
	costPrecision = 2
)

// Deadline returns when an assignment of kind started at start ends.
// DEFAULT ends at 23:59:59 on the last day of start's month in loc; if
// start is already past that second, the following month's end is used.
func Deadline(kind state.CalcKind, start time.Time, loc *time.Location) time.Time {
	switch kind {
	case state.CalcFixed:
		return start.Add(fixedPeriod)
	case state.CalcPrivate:
		return start.AddDate(privateYears, 0, 0)
	case state.CalcDaily:
		return start.Add(dailyPeriod)
	default:
		d := monthEnd(start, loc)
		if !d.After(start) {
			d = monthEnd(d.Add(time.Second), loc)
		}
		return d
	}
}

// Prorate returns the amount charged at now for an assignment of kind
// started at start with full price cost. DEFAULT charges cost scaled by
// the share of start's month left until the deadline; the other kinds
// charge the full cost.
func Prorate(kind state.CalcKind, cost decimal.Decimal, start, now time.Time, loc *time.Location) decimal.Decimal {
	if kind != state.CalcDefault && kind != "" {
		return cost.Round(costPrecision)
	}

	deadline := Deadline(kind, start, loc)
	left := deadline.Sub(now)
	if left <= 0 {
		return decimal.Zero
	}

	month := monthSeconds(deadline, loc)
	share := decimal.NewFromFloat(left.Seconds()).Div(decimal.NewFromInt(month))
	if share.GreaterThan(decimal.NewFromInt(1)) {
		share = decimal.NewFromInt(1)
	}
	return cost.Mul(share).Round(costPrecision)
}

func monthEnd(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return first.AddDate(0, 1, 0).Add(-time.Second)
}

func monthSeconds(t time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return int64(first.AddDate(0, 1, 0).Sub(first) / time.Second)
}
