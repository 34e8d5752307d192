package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/kinoclub/billing-engine/pkg/enums"
)

// defaultPrices is the built-in table in whole rubles, used when no external
// table file is configured.
func defaultPrices() map[Key]decimal.Decimal {
	cells := map[enums.Kind]map[int]map[enums.PlanType][5]int64{
		enums.KindPersonal: {
			0: {
				enums.PlanNotifications:   {99, 269, 990, 2990, 10},
				enums.PlanRecommendations: {119, 319, 1190, 3590, 10},
				enums.PlanTickets:         {149, 399, 1490, 4490, 10},
				enums.PlanAll:             {249, 669, 2490, 7490, 10},
			},
		},
		enums.KindGroup: {
			2: {
				enums.PlanNotifications:   {119, 319, 1190, 3590, 15},
				enums.PlanRecommendations: {139, 379, 1390, 4190, 15},
				enums.PlanTickets:         {179, 479, 1790, 5390, 15},
				enums.PlanAll:             {299, 799, 2990, 8990, 15},
			},
			5: {
				enums.PlanNotifications:   {199, 539, 1990, 5990, 25},
				enums.PlanRecommendations: {239, 649, 2390, 7190, 25},
				enums.PlanTickets:         {299, 799, 2990, 8990, 25},
				enums.PlanAll:             {499, 1349, 4990, 14990, 25},
			},
			10: {
				enums.PlanNotifications:   {299, 799, 2990, 8990, 40},
				enums.PlanRecommendations: {359, 969, 3590, 10790, 40},
				enums.PlanTickets:         {449, 1199, 4490, 13490, 40},
				enums.PlanAll:             {749, 1999, 7490, 22490, 40},
			},
		},
	}

	periods := [5]enums.PeriodType{
		enums.PeriodMonth,
		enums.PeriodQuarter,
		enums.PeriodYear,
		enums.PeriodLifetime,
		enums.PeriodTest,
	}

	prices := make(map[Key]decimal.Decimal)
	for kind, bySize := range cells {
		for size, byPlan := range bySize {
			for plan, row := range byPlan {
				for i, period := range periods {
					prices[Key{Kind: kind, GroupSize: size, Plan: plan, Period: period}] = decimal.NewFromInt(row[i])
				}
			}
		}
	}
	return prices
}
