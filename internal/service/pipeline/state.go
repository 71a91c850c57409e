package pipeline

import "fmt"

// State is a pipeline stage.
type State int

// Pipeline states in the order a successful run visits them, plus Failed.
const (
	StateLoaded State = iota
	StateFetching
	StateVerifying
	StateInstalling
	StateDone
	StateFailed
)

// String names the state.
func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateFetching:
		return "fetching"
	case StateVerifying:
		return "verifying"
	case StateInstalling:
		return "installing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
