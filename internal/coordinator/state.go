package coordinator

import (
	"fmt"

	"github.com/iota-xfel/iota/internal/model"
)

// stateNew is the state of a coordinator which was neither started nor
// recovered.
const stateNew model.RunState = ""

var allowedTransitions = map[model.RunState]map[model.RunState]struct{}{
	stateNew: {
		model.StateDispatching: {},
		model.StateFailed:      {},
	},
	model.StateDispatching: {
		model.StateFinished: {},
		model.StateWatching: {},
		model.StateAborted:  {},
		model.StateFailed:   {},
	},
	model.StateResuming: {
		model.StateFinished: {},
		model.StateWatching: {},
		model.StateAborted:  {},
		model.StateFailed:   {},
	},
	model.StateWatching: {
		model.StateDispatching: {},
		model.StateFinished:    {},
		model.StateAborted:     {},
		model.StateFailed:      {},
	},
	model.StateUnknown: {
		model.StateDispatching: {}, // batches still running
		model.StateFinished:    {},
		model.StateAborted:     {},
	},
	model.StateFinished: {
		model.StateResuming: {},
	},
	model.StateAborted: {
		model.StateResuming: {},
	},
	model.StateFailed: {
		model.StateResuming: {},
	},
}

func validateTransition(from, to model.RunState) error {
	if _, ok := allowedTransitions[from]; !ok {
		return fmt.Errorf("invalid run state: %q", from)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}

// derive maps a state loaded from a snapshot to the state the run is
// reopened in. Anything but a terminal state is of unknown completion.
func derive(saved model.RunState) model.RunState {
	if saved.Terminal() {
		return saved
	}
	return model.StateUnknown
}
