package enums

import "fmt"

// CombinePolicy resolves what happens to existing plans when a subscriber
// who already holds non-package plans buys another one. The caller must pick
// a policy explicitly; there is no default.
type CombinePolicy string

const (
	CombinePayNow     CombinePolicy = "pay_now"
	CombineDefer      CombinePolicy = "defer"
	CombineUpgradeAll CombinePolicy = "upgrade_all"
)

var validCombinePolicies = []CombinePolicy{
	CombinePayNow,
	CombineDefer,
	CombineUpgradeAll,
}

// String implements fmt.Stringer.
func (p CombinePolicy) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p CombinePolicy) IsValid() bool {
	for _, candidate := range validCombinePolicies {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseCombinePolicy converts raw input into a CombinePolicy.
func ParseCombinePolicy(value string) (CombinePolicy, error) {
	for _, candidate := range validCombinePolicies {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid combine policy %q", value)
}
