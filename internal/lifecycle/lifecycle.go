// Package lifecycle defines job statuses and the transition rules between
// them. Everything here is a pure predicate; persistence and dispatch
// decisions belong to the callers.
package lifecycle

// Status is a job lifecycle state persisted with every status record.
type Status string

const (
	StatusCreated   Status = "created"
	StatusBuilding  Status = "building"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusDeleted   Status = "deleted"
)

// transitions is the fixed legality table. Pairs absent from the table are
// illegal, so an unknown status can never transition anywhere.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusBuilding, StatusScheduled, StatusRunning, StatusFailed, StatusStopped, StatusDeleted},
	StatusBuilding:  {StatusScheduled, StatusRunning, StatusFailed, StatusStopped, StatusDeleted},
	StatusScheduled: {StatusRunning, StatusSucceeded, StatusFailed, StatusStopped, StatusDeleted},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusStopped, StatusDeleted},
}

// terminal states admit no outgoing transitions.
var terminal = map[Status]bool{
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusStopped:   true,
	StatusDeleted:   true,
}

// All enumerates every known status.
func All() []Status {
	return []Status{
		StatusCreated,
		StatusBuilding,
		StatusScheduled,
		StatusRunning,
		StatusSucceeded,
		StatusFailed,
		StatusStopped,
		StatusDeleted,
	}
}

// Known reports whether s is a recognized status value.
func Known(s Status) bool {
	if terminal[s] {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// IsDone reports whether s is a terminal status.
func IsDone(s Status) bool {
	return terminal[s]
}

// CanTransition reports whether moving from one status to the other is legal.
// Unknown statuses and repeated statuses are illegal.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if !Known(to) {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
