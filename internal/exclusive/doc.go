// Package exclusive implements admission control for operations that
// contend over a single VM.
//
// Every operation a task performs on a VM is registered under a Kind
// before it touches the hypervisor. Registration compares the new record
// with every record already admitted for the same identity using
// Reconcile, a total compatibility function over the kind enum:
//
//   - Compatible pairs run side by side (edit while a start is pending,
//     several clones of one template, a snapshot of a running VM).
//   - Incompatible pairs fail at once with a *ConflictError carrying a
//     stable Code for the blocking kind.
//   - Indeterminate pairs wait on the identity's change signal for a
//     bounded time and are re-evaluated; an outcome still open at the
//     deadline is reported as ErrWouldBlock.
//
// Lock records are tied to the registering session: only that session
// can unregister them, and PurgeSession drops them when the session ends.
package exclusive
