package pricing

import (
	"testing"

	"github.com/kinoclub/billing-engine/pkg/enums"
	pkgerrors "github.com/kinoclub/billing-engine/pkg/errors"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	table, err := LoadTable("")
	if err != nil {
		t.Fatalf("loading default table: %v", err)
	}
	resolver, err := NewResolver(table)
	if err != nil {
		t.Fatalf("building resolver: %v", err)
	}
	return resolver
}

func TestResolveBasePrices(t *testing.T) {
	resolver := newTestResolver(t)

	cases := []struct {
		name      string
		kind      enums.Kind
		plan      enums.PlanType
		period    enums.PeriodType
		groupSize int
		want      string
	}{
		{"personal all month", enums.KindPersonal, enums.PlanAll, enums.PeriodMonth, 0, "249"},
		{"personal tickets year", enums.KindPersonal, enums.PlanTickets, enums.PeriodYear, 0, "1490"},
		{"group 2 all month", enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 2, "299"},
		{"group 10 notifications quarter", enums.KindGroup, enums.PlanNotifications, enums.PeriodQuarter, 10, "799"},
		{"group defaults to smallest size", enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 0, "299"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolver.Resolve(tc.kind, tc.plan, tc.period, tc.groupSize, nil)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.String() != tc.want {
				t.Errorf("price = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestResolveCrossKindDiscount(t *testing.T) {
	resolver := newTestResolver(t)

	// A personal package holder buys the two-seat group package: 20% off
	// the 299 base, truncated to whole rubles.
	holdings := []Holding{{Kind: enums.KindPersonal, Plan: enums.PlanAll}}
	got, err := resolver.Resolve(enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 2, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.String() != "239" {
		t.Errorf("price = %s, want 239", got)
	}
}

func TestResolveLargeGroupDiscount(t *testing.T) {
	resolver := newTestResolver(t)

	holdings := []Holding{{Kind: enums.KindPersonal, Plan: enums.PlanAll}}
	got, err := resolver.Resolve(enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 5, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 50% off the 499 base for the five-seat group, truncated to 249.
	if got.String() != "249" {
		t.Errorf("price = %s, want 249", got)
	}
}

func TestResolveDiscountRequiresMatchingPackageness(t *testing.T) {
	resolver := newTestResolver(t)

	// A single-feature holding does not discount a package purchase.
	holdings := []Holding{{Kind: enums.KindPersonal, Plan: enums.PlanTickets}}
	got, err := resolver.Resolve(enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 2, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.String() != "299" {
		t.Errorf("price = %s, want undiscounted 299", got)
	}

	// Single-feature against single-feature does discount.
	got, err = resolver.Resolve(enums.KindGroup, enums.PlanTickets, enums.PeriodMonth, 2, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.String() != "143" {
		t.Errorf("price = %s, want 143 (20%% off 179, truncated)", got)
	}
}

func TestResolveDiscountRequiresOppositeKind(t *testing.T) {
	resolver := newTestResolver(t)

	holdings := []Holding{{Kind: enums.KindGroup, Plan: enums.PlanAll}}
	got, err := resolver.Resolve(enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 2, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.String() != "299" {
		t.Errorf("price = %s, want undiscounted 299 for same-kind holding", got)
	}
}

func TestResolveDiscountsNeverStack(t *testing.T) {
	resolver := newTestResolver(t)

	holdings := []Holding{
		{Kind: enums.KindPersonal, Plan: enums.PlanAll},
		{Kind: enums.KindPersonal, Plan: enums.PlanAll},
	}
	got, err := resolver.Resolve(enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 2, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.String() != "239" {
		t.Errorf("price = %s, want a single 20%% discount", got)
	}
}

func TestResolveIsPureForAGivenSnapshot(t *testing.T) {
	resolver := newTestResolver(t)

	holdings := []Holding{{Kind: enums.KindPersonal, Plan: enums.PlanAll}}
	first, err := resolver.Resolve(enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 2, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := resolver.Resolve(enums.KindGroup, enums.PlanAll, enums.PeriodMonth, 2, holdings)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("same inputs priced differently: %s vs %s", first, second)
	}
}

func TestResolveRejectsUnknownEnums(t *testing.T) {
	resolver := newTestResolver(t)

	if _, err := resolver.Resolve("household", enums.PlanAll, enums.PeriodMonth, 0, nil); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Errorf("unknown kind err = %v, want validation error", err)
	}
	if _, err := resolver.Resolve(enums.KindPersonal, "everything", enums.PeriodMonth, 0, nil); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Errorf("unknown plan err = %v, want validation error", err)
	}
	if _, err := resolver.Resolve(enums.KindPersonal, enums.PlanAll, "decade", 0, nil); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Errorf("unknown period err = %v, want validation error", err)
	}
}
