package enums

import "fmt"

// Kind distinguishes personal from group subscription scope.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindGroup    Kind = "group"
)

var validKinds = []Kind{KindPersonal, KindGroup}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// IsValid reports whether the value is known.
func (k Kind) IsValid() bool {
	for _, candidate := range validKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// Opposite returns the other kind; cross-kind discounts compare against it.
func (k Kind) Opposite() Kind {
	if k == KindPersonal {
		return KindGroup
	}
	return KindPersonal
}

// ParseKind converts raw input into a Kind.
func ParseKind(value string) (Kind, error) {
	for _, candidate := range validKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscription kind %q", value)
}
