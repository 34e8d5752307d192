package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
)

// Holding is a snapshot of one of the subscriber's other in-force
// subscriptions. Callers filter to in-force before resolving, which keeps
// Resolve pure for a given snapshot.
type Holding struct {
	Kind enums.Kind
	Plan enums.PlanType
}

// Resolver computes subscription prices against a fixed table.
type Resolver struct {
	table *Table
}

// NewResolver binds a resolver to a validated table.
func NewResolver(table *Table) (*Resolver, error) {
	if table == nil {
		return nil, fmt.Errorf("pricing table required")
	}
	return &Resolver{table: table}, nil
}

// Table exposes the bound table for base-price lookups (group expansion
// deltas are computed from base prices, never from discounted ones).
func (r *Resolver) Table() *Table {
	return r.table
}

// Resolve prices a candidate subscription. A cross-kind discount applies
// when the subscriber holds an in-force subscription of the opposite kind
// whose package-ness matches the candidate's: 20% off for personal or
// two-seat group candidates, 50% off for five and ten seat groups. Only the
// first qualifying holding counts; discounts never stack. The result is
// truncated, not rounded, to whole currency units to match the table's
// precision.
func (r *Resolver) Resolve(kind enums.Kind, plan enums.PlanType, period enums.PeriodType, groupSize int, holdings []Holding) (decimal.Decimal, error) {
	if !kind.IsValid() {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid kind %q", kind))
	}
	if !plan.IsValid() {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid plan %q", plan))
	}
	if !period.IsValid() {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid period %q", period))
	}
	if kind == enums.KindGroup && groupSize == 0 {
		groupSize = defaultGroupSize
	}

	base, err := r.table.BasePrice(kind, plan, period, groupSize)
	if err != nil {
		return decimal.Zero, err
	}

	discount := crossKindDiscount(kind, plan, groupSize, holdings)
	if discount.IsZero() {
		return base, nil
	}
	factor := decimal.NewFromInt(1).Sub(discount)
	return base.Mul(factor).Truncate(0), nil
}

func crossKindDiscount(kind enums.Kind, plan enums.PlanType, groupSize int, holdings []Holding) decimal.Decimal {
	opposite := kind.Opposite()
	for _, holding := range holdings {
		if holding.Kind != opposite {
			continue
		}
		if holding.Plan.IsPackage() != plan.IsPackage() {
			continue
		}
		if kind == enums.KindPersonal || groupSize == defaultGroupSize {
			return decimal.NewFromFloat(0.20)
		}
		return decimal.NewFromFloat(0.50)
	}
	return decimal.Zero
}
