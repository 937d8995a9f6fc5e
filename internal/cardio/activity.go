package cardio

import (
	"fmt"
	"strings"
)

// ActivityKind can be one of:
//   - walking
//   - running
//   - cycling
type ActivityKind string

const (
	ActivityWalking ActivityKind = "walking"
	ActivityRunning ActivityKind = "running"
	ActivityCycling ActivityKind = "cycling"
)

func (ak ActivityKind) String() string {
	return string(ak)
}

func (ak ActivityKind) IsValid() bool {
	switch ak {
	case ActivityWalking,
		ActivityRunning,
		ActivityCycling:
		return true
	default:
		return false
	}
}

func ParseActivityKind(s string) (ActivityKind, error) {
	ak := ActivityKind(strings.ToLower(strings.TrimSpace(s)))
	if !ak.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidActivity, s)
	}
	return ak, nil
}
