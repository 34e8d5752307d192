package enums

import "fmt"

// EffectiveMode selects when a plan upgrade takes effect.
type EffectiveMode string

const (
	EffectiveImmediate EffectiveMode = "immediate"
	EffectiveNextCycle EffectiveMode = "next_cycle"
)

var validEffectiveModes = []EffectiveMode{EffectiveImmediate, EffectiveNextCycle}

// String implements fmt.Stringer.
func (m EffectiveMode) String() string {
	return string(m)
}

// IsValid reports whether the value is known.
func (m EffectiveMode) IsValid() bool {
	for _, candidate := range validEffectiveModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseEffectiveMode converts raw input into an EffectiveMode.
func ParseEffectiveMode(value string) (EffectiveMode, error) {
	for _, candidate := range validEffectiveModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid effective mode %q", value)
}
