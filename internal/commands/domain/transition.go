package commands

// transitions lists, per current status, the statuses a callback may move it to.
// Terminal statuses have no entry.
var transitions = map[ExecutionStatus]map[ExecutionStatus]struct{}{
	StatusSaved: {
		StatusSent:       {},
		StatusTTLTimeout: {},
	},
	StatusSent: {
		StatusDelivered: {},
		StatusTimeout:   {},
	},
	StatusDelivered: {
		StatusCompleted: {},
	},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ExecutionStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status ExecutionStatus) bool {
	return len(transitions[status]) == 0
}

// CheckTransition returns a *TransitionError when from -> to is not allowed.
func CheckTransition(from, to ExecutionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from.String(), To: to.String()}
}
