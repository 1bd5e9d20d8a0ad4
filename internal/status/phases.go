package status

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a VM as seen by the dispatcher.
type State string

// Lifecycle states. Only the states returned by Reported are ever shown
// to clients; the rest are transient.
const (
	Unknown        State = "Unknown"
	Stopped        State = "Stopped"
	Running        State = "Running"
	Paused         State = "Paused"
	Suspended      State = "Suspended"
	Starting       State = "Starting"
	Stopping       State = "Stopping"
	Resetting      State = "Resetting"
	Pausing        State = "Pausing"
	Suspending     State = "Suspending"
	SuspendingSync State = "SuspendingSync"
	Resuming       State = "Resuming"
	Continuing     State = "Continuing"
	Migrating      State = "Migrating"
	Snapshotting   State = "Snapshotting"
	DeletingState  State = "DeletingState"
	Restoring      State = "Restoring"
	Compacting     State = "Compacting"
	Mounted        State = "Mounted"
	Reconnecting   State = "Reconnecting"
)

// AllStates lists every lifecycle state.
func AllStates() []State {
	return []State{
		Unknown, Stopped, Running, Paused, Suspended, Starting, Stopping,
		Resetting, Pausing, Suspending, SuspendingSync, Resuming, Continuing,
		Migrating, Snapshotting, DeletingState, Restoring, Compacting, Mounted,
		Reconnecting,
	}
}

// ErrIllegalTransition is wrapped by every *TransitionError.
var ErrIllegalTransition = errors.New("illegal vm state transition")

// TransitionError reports a transition request that is not legal from the
// machine's current state. Tasks surface it as a "wrong state" error.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition to %s from state %s", e.To, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Reported maps a lifecycle state onto the set exposed to clients:
// Running, Paused, Stopped, Suspended, Migrating, Snapshotting,
// DeletingState, Compacting, Mounted or Unknown.
func Reported(s State) State {
	switch s {
	case Running, Paused, Stopped, Suspended, Migrating, Snapshotting,
		DeletingState, Compacting, Mounted, Unknown:
		return s
	case Starting, Stopping, Resetting, Pausing, Suspending, SuspendingSync,
		Resuming, Continuing:
		return Running
	case Restoring:
		return Stopped
	default:
		return Unknown
	}
}

// IsTerminal returns true if the VM process is not running and the state
// will not change without a request or an agent event.
func IsTerminal(s State) bool {
	return s == Stopped || s == Suspended
}

// IsRunning returns true if the VM process is alive.
func IsRunning(s State) bool {
	return s == Running || s == Paused
}

// IsTransitioning returns true if a task is moving the VM between states.
func IsTransitioning(s State) bool {
	return Reported(s) != s || s == Migrating || s == Snapshotting ||
		s == DeletingState || s == Compacting
}
