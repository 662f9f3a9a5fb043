package models

// ItemState is the position of a discovered item in the crawl state machine.
type ItemState string

const (
	StateUnset                ItemState = ""
	StateDiscovered           ItemState = "discovered"
	StateAdmitted             ItemState = "admitted"
	StateFetching             ItemState = "fetching"
	StateSaved                ItemState = "saved"
	StateFailed               ItemState = "failed"
	StateSkippedDuplicate     ItemState = "skipped_duplicate"
	StateSkippedDepthExceeded ItemState = "skipped_depth_exceeded"
)

// Outcomes lists the terminal states in reporting order.
var Outcomes = []ItemState{StateSaved, StateFailed, StateSkippedDuplicate, StateSkippedDepthExceeded}

// String implements fmt.Stringer for logging
func (s ItemState) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the state is a known value
func (s ItemState) IsValid() bool {
	switch s {
	case StateDiscovered, StateAdmitted, StateFetching,
		StateSaved, StateFailed, StateSkippedDuplicate, StateSkippedDepthExceeded:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s ItemState) IsTerminal() bool {
	switch s {
	case StateSaved, StateFailed, StateSkippedDuplicate, StateSkippedDepthExceeded:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s ItemState) CanTransitionTo(next ItemState) bool {
	switch s {
	case StateDiscovered:
		return next == StateAdmitted
	case StateAdmitted:
		return next == StateFetching || next == StateSkippedDepthExceeded
	case StateFetching:
		return next == StateSaved || next == StateFailed || next == StateSkippedDuplicate
	}
	return false
}
