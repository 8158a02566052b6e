package escrow

import "fmt"

// transitions is the only place lifecycle edges are defined.
var transitions = map[State][]State{
	StateCreated:  {StateFunded},
	StateFunded:   {StateReleased, StateRefunded, StateDisputed},
	StateDisputed: {StateReleased, StateRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates lists every lifecycle state.
func AllStates() []State {
	return []State{StateCreated, StateFunded, StateReleased, StateRefunded, StateDisputed}
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
