// Package status holds the per-VM lifecycle state machine.
//
// A Machine owns the authoritative (State, PowerState) pair of one VM.
// Agent events enter through ApplyEvent, which never fails and ignores
// events that do not apply to the current state. Tasks move the machine
// through RequestTransition, which rejects requests that are illegal from
// the current state with a *TransitionError.
//
// Only a subset of states is ever reported to clients (see Reported);
// the others are transient states held while a task runs.
package status
