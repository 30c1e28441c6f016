package enums

import (
	"fmt"
	"strings"
)

// ItemStatus is the firing stage a piece has reached.
type ItemStatus string

const (
	ItemStatusGreenware ItemStatus = "greenware"
	ItemStatusBisque    ItemStatus = "bisque"
	ItemStatusFinal     ItemStatus = "final"
)

var validItemStatuses = []ItemStatus{
	ItemStatusGreenware,
	ItemStatusBisque,
	ItemStatusFinal,
}

// String returns the literal string for the status.
func (s ItemStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s ItemStatus) IsValid() bool {
	for _, candidate := range validItemStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseItemStatus converts raw input into an ItemStatus. Matching ignores
// case and surrounding whitespace.
func ParseItemStatus(value string) (ItemStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validItemStatuses {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid item status %q", value)
}
