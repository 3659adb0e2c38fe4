// Package statemachine holds the single authority on which state.txt
// transitions are legal (spec §4.3) and arbitrates the cancellation race
// between an HTTP-initiated cancel and the dispatcher's own terminal write.
package statemachine

import "sapporo/internal/wes/model"

// legalNext lists, for each state, the states a single transition may reach.
// PAUSED, PREEMPTED and UNKNOWN are representable but never produced by a
// transition here (spec §4.3): a run starts in QUEUED and UNKNOWN never
// appears as a target.
var legalNext = map[model.State]map[model.State]bool{
	model.StateQueued: {
		model.StateInitializing: true,
		model.StateCanceling:    true,
		model.StateSystemError:  true,
	},
	model.StateInitializing: {
		model.StateRunning:     true,
		model.StateCanceling:   true,
		model.StateSystemError: true,
	},
	model.StateRunning: {
		model.StateComplete:      true,
		model.StateExecutorError: true,
		model.StateSystemError:   true,
		model.StateCanceling:     true,
	},
	model.StateCanceling: {
		model.StateCanceled:    true,
		model.StateSystemError: true,
	},
}

// terminalStates may all additionally move to DELETING, and DELETING may
// move to DELETED. Both are handled outside legalNext since they apply
// uniformly to every terminal state.
func isTerminal(s model.State) bool { return s.Terminal() }

// CanTransition reports whether moving a run from `from` to `to` is a legal
// single step of the state machine in spec §4.3.
func CanTransition(from, to model.State) bool {
	if from == to {
		// Idempotent re-write of the same state is not a transition; callers
		// treat this as a no-op, not an error (R2).
		return true
	}
	if to == model.StateDeleting {
		return isTerminal(from) || from == model.StateQueued || from == model.StateInitializing || from == model.StateRunning || from == model.StateCanceling
	}
	if from == model.StateDeleting {
		return to == model.StateDeleted
	}
	if next, ok := legalNext[from]; ok {
		return next[to]
	}
	return false
}

// Outcome describes the result of attempting a transition.
type Outcome int

const (
	// Applied means the write happened.
	Applied Outcome = iota
	// NoOp means `to` equals the current state; nothing changed but the
	// caller's request is satisfied (idempotence, e.g. R2's double cancel).
	NoOp
	// Rejected means the transition is illegal from the current state; the
	// caller should surface a CONFLICT.
	Rejected
)

// Attempt evaluates a transition without performing any IO, given the
// current on-disk state. Callers hold the per-run advisory lock (spec §5)
// around the read-decide-write sequence this models.
func Attempt(current, target model.State) Outcome {
	if current == target {
		return NoOp
	}
	if isTerminal(current) && target != model.StateDeleting && target != model.StateDeleted {
		return Rejected
	}
	if CanTransition(current, target) {
		return Applied
	}
	return Rejected
}

// ArbitrateCancel decides who wins when an HTTP cancel request and the
// dispatcher's own terminal write race (spec §4.3, §5): if the dispatcher
// already wrote a terminal state before the cancel's CANCELING lands, the
// cancel is a no-op; otherwise CANCELING is written and the dispatcher will
// later observe it and finalize CANCELED.
func ArbitrateCancel(current model.State) (writeCanceling bool, alreadyTerminal bool) {
	if isTerminal(current) {
		return false, true
	}
	if current == model.StateCanceling {
		return false, false
	}
	return true, false
}
