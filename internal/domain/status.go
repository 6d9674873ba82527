package domain

import "fmt"

// Status is the build status of an experiment.
type Status string

const (
	StatusNoBuild  Status = "NOBUILD"
	StatusQueued   Status = "QUEUED"
	StatusBuilding Status = "BUILDING"
	StatusBuilt    Status = "BUILT"
	StatusError    Status = "ERROR"
)

// ParseStatus converts a stored value back to a Status.
func ParseStatus(s string) (Status, error) {
	if st := Status(s); st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown build status %q", s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusNoBuild, StatusQueued, StatusBuilding, StatusBuilt, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no worker will move the experiment any further.
func (s Status) Terminal() bool {
	switch s {
	case StatusBuilt, StatusError:
		return true
	case StatusNoBuild, StatusQueued, StatusBuilding:
		return false
	default:
		panic(fmt.Sprintf("unhandled build status %q", string(s)))
	}
}

// CanTransition reports whether from -> to is a legal step of the build lifecycle.
//
// ERROR -> QUEUED is only reachable through the administrative requeue; no
// automatic path takes it.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusNoBuild:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusBuilding
	case StatusBuilding:
		return to == StatusBuilt || to == StatusError
	case StatusBuilt:
		return false
	case StatusError:
		return to == StatusQueued
	default:
		panic(fmt.Sprintf("unhandled build status %q", string(from)))
	}
}

// EnsureTransition returns a ConflictError when from -> to is not allowed.
func EnsureTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &ConflictError{Reason: fmt.Sprintf("invalid build status transition %s -> %s", from, to)}
}

// RunStatus is derived from the run timestamps.
type RunStatus string

const (
	RunSubmitted RunStatus = "SUBMITTED"
	RunRunning   RunStatus = "RUNNING"
	RunDone      RunStatus = "DONE"
)

// RunStatusOf derives a run status from its started and done stamps.
func RunStatusOf(started, done *string) RunStatus {
	switch {
	case done != nil:
		return RunDone
	case started != nil:
		return RunRunning
	default:
		return RunSubmitted
	}
}
