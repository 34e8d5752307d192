package enums

import "fmt"

// PlanType names what a subscription unlocks.
type PlanType string

const (
	PlanNotifications   PlanType = "notifications"
	PlanRecommendations PlanType = "recommendations"
	PlanTickets         PlanType = "tickets"
	PlanAll             PlanType = "all"
)

var validPlanTypes = []PlanType{
	PlanNotifications,
	PlanRecommendations,
	PlanTickets,
	PlanAll,
}

// String implements fmt.Stringer.
func (p PlanType) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p PlanType) IsValid() bool {
	for _, candidate := range validPlanTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsPackage reports whether the plan bundles every feature. Package discounts
// only interact with other package subscriptions.
func (p PlanType) IsPackage() bool {
	return p == PlanAll
}

// ParsePlanType converts raw input into a PlanType.
func ParsePlanType(value string) (PlanType, error) {
	for _, candidate := range validPlanTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan type %q", value)
}
