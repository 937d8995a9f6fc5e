package cardio

import "fmt"

type LifecycleState int

const (
	StateIdle LifecycleState = iota
	StateAcquiring
	StateActive
	StatePaused
	StateEnded
)

var stateNames = map[LifecycleState]string{
	StateIdle:      "idle",
	StateAcquiring: "acquiring",
	StateActive:    "active",
	StatePaused:    "paused",
	StateEnded:     "ended",
}

// allowed transitions; anything not listed here is rejected
var transitions = map[LifecycleState][]LifecycleState{
	StateIdle:      {StateAcquiring},
	StateAcquiring: {StateActive, StateEnded, StateIdle},
	StateActive:    {StatePaused, StateEnded},
	StatePaused:    {StateActive, StateEnded},
	StateEnded:     {StateIdle},
}

func (ls LifecycleState) String() string {
	if name, ok := stateNames[ls]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(ls))
}

func (ls LifecycleState) MarshalText() ([]byte, error) {
	return []byte(ls.String()), nil
}

func (ls LifecycleState) CanTransitionTo(to LifecycleState) bool {
	for _, allowed := range transitions[ls] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTracking reports whether a location subscription is held in this state.
func (ls LifecycleState) IsTracking() bool {
	return ls == StateAcquiring || ls == StateActive
}

func (ls *LifecycleState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*ls = state
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", text)
}
