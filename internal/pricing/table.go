package pricing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
)

// defaultGroupSize is assumed when a group quote arrives without a size.
const defaultGroupSize = 2

var groupSizes = []int{2, 5, 10}

// Key addresses one cell of the pricing table. GroupSize is zero for
// personal subscriptions.
type Key struct {
	Kind      enums.Kind
	GroupSize int
	Plan      enums.PlanType
	Period    enums.PeriodType
}

// Table is the static price configuration. It is read-only input to the
// resolver; editing it never touches prices already stored on subscriptions.
type Table struct {
	prices map[Key]decimal.Decimal
}

// tableFile is the on-disk JSON shape: kind -> size ("0" for personal) ->
// plan -> period -> price string.
type tableFile map[string]map[string]map[string]map[string]string

// NewTable builds a table from explicit cells and validates it.
func NewTable(prices map[Key]decimal.Decimal) (*Table, error) {
	t := &Table{prices: prices}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTable reads the table from path, or returns the built-in defaults when
// path is empty.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return NewTable(defaultPrices())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	var file tableFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	prices := make(map[Key]decimal.Decimal)
	for rawKind, bySize := range file {
		kind, err := enums.ParseKind(rawKind)
		if err != nil {
			return nil, fmt.Errorf("pricing table: %w", err)
		}
		for rawSize, byPlan := range bySize {
			var size int
			if _, err := fmt.Sscanf(rawSize, "%d", &size); err != nil {
				return nil, fmt.Errorf("pricing table: invalid group size %q", rawSize)
			}
			for rawPlan, byPeriod := range byPlan {
				plan, err := enums.ParsePlanType(rawPlan)
				if err != nil {
					return nil, fmt.Errorf("pricing table: %w", err)
				}
				for rawPeriod, rawPrice := range byPeriod {
					period, err := enums.ParsePeriodType(rawPeriod)
					if err != nil {
						return nil, fmt.Errorf("pricing table: %w", err)
					}
					price, err := decimal.NewFromString(rawPrice)
					if err != nil {
						return nil, fmt.Errorf("pricing table: invalid price %q: %w", rawPrice, err)
					}
					prices[Key{Kind: kind, GroupSize: size, Plan: plan, Period: period}] = price
				}
			}
		}
	}
	return NewTable(prices)
}

// Validate fails fast when any combination that should exist is missing or
// non-positive, instead of silently quoting zero later.
func (t *Table) Validate() error {
	var check func(key Key) error
	check = func(key Key) error {
		price, ok := t.prices[key]
		if !ok {
			return fmt.Errorf("pricing table: missing cell %s/%d/%s/%s",
				key.Kind, key.GroupSize, key.Plan, key.Period)
		}
		if !price.IsPositive() {
			return fmt.Errorf("pricing table: non-positive price for %s/%d/%s/%s",
				key.Kind, key.GroupSize, key.Plan, key.Period)
		}
		return nil
	}
	for _, plan := range []enums.PlanType{enums.PlanNotifications, enums.PlanRecommendations, enums.PlanTickets, enums.PlanAll} {
		for _, period := range []enums.PeriodType{enums.PeriodMonth, enums.PeriodQuarter, enums.PeriodYear, enums.PeriodLifetime, enums.PeriodTest} {
			if err := check(Key{Kind: enums.KindPersonal, GroupSize: 0, Plan: plan, Period: period}); err != nil {
				return err
			}
			for _, size := range groupSizes {
				if err := check(Key{Kind: enums.KindGroup, GroupSize: size, Plan: plan, Period: period}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// BasePrice returns the undiscounted price for the scope. A group lookup
// without a size defaults to the smallest group.
func (t *Table) BasePrice(kind enums.Kind, plan enums.PlanType, period enums.PeriodType, groupSize int) (decimal.Decimal, error) {
	key := Key{Kind: kind, Plan: plan, Period: period}
	if kind == enums.KindGroup {
		if groupSize == 0 {
			groupSize = defaultGroupSize
		}
		key.GroupSize = groupSize
	}
	price, ok := t.prices[key]
	if !ok {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("no price for %s/%d/%s/%s", kind, key.GroupSize, plan, period))
	}
	return price, nil
}
