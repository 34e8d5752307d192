package enums

import (
	"fmt"
	"time"
)

// PeriodType is the billing cadence of a subscription.
type PeriodType string

const (
	PeriodMonth    PeriodType = "month"
	PeriodQuarter  PeriodType = "quarter"
	PeriodYear     PeriodType = "year"
	PeriodLifetime PeriodType = "lifetime"
	PeriodTest     PeriodType = "test"
)

// testPeriodLength keeps QA purchases short-lived.
const testPeriodLength = 10 * time.Minute

var validPeriodTypes = []PeriodType{
	PeriodMonth,
	PeriodQuarter,
	PeriodYear,
	PeriodLifetime,
	PeriodTest,
}

// String implements fmt.Stringer.
func (p PeriodType) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PeriodType) IsValid() bool {
	for _, candidate := range validPeriodTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsLifetime reports whether the period never renews.
func (p PeriodType) IsLifetime() bool {
	return p == PeriodLifetime
}

// Advance returns from plus one billing period. ok is false for lifetime
// periods, which carry no charge dates at all.
func (p PeriodType) Advance(from time.Time) (time.Time, bool) {
	switch p {
	case PeriodMonth:
		return from.AddDate(0, 1, 0), true
	case PeriodQuarter:
		return from.AddDate(0, 3, 0), true
	case PeriodYear:
		return from.AddDate(1, 0, 0), true
	case PeriodTest:
		return from.Add(testPeriodLength), true
	default:
		return time.Time{}, false
	}
}

// ParsePeriodType converts raw input into a PeriodType.
func ParsePeriodType(value string) (PeriodType, error) {
	for _, candidate := range validPeriodTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid period type %q", value)
}
