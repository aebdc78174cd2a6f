package orchestrator

import "fmt"

// State is the lifecycle state of an exam's runtime session.
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateAllocatingPorts State = "ALLOCATING_PORTS"
	StateSpawningRuntime State = "SPAWNING_RUNTIME"
	StateConfiguring     State = "CONFIGURING"
	StateReady           State = "READY"
	StateActive          State = "ACTIVE"
	StateTerminating     State = "TERMINATING"
	StateTerminated      State = "TERMINATED"
	StateFailed          State = "FAILED"
)

func ParseState(s string) (State, error) {
	switch State(s) {
	case StateInitializing, StateAllocatingPorts, StateSpawningRuntime, StateConfiguring,
		StateReady, StateActive, StateTerminating, StateTerminated, StateFailed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateInitializing:    {StateAllocatingPorts, StateFailed, StateTerminating},
	StateAllocatingPorts: {StateSpawningRuntime, StateFailed, StateTerminating},
	StateSpawningRuntime: {StateConfiguring, StateFailed, StateTerminating},
	StateConfiguring:     {StateReady, StateFailed, StateTerminating},
	StateReady:           {StateActive, StateTerminating},
	StateActive:          {StateTerminating},
	StateTerminating:     {StateTerminated},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Final reports whether no further transition is possible.
func (s State) Final() bool {
	return s == StateTerminated || s == StateFailed
}

// Provisioning reports whether the session is still being built.
func (s State) Provisioning() bool {
	switch s {
	case StateInitializing, StateAllocatingPorts, StateSpawningRuntime, StateConfiguring:
		return true
	}
	return false
}

// Routable reports whether routing and terminal attach are allowed.
func (s State) Routable() bool {
	return s == StateReady || s == StateActive
}
