// Package vm runs the lifecycle tasks of the dispatcher.
//
// A Manager owns the registry of VM state machines and drives them from
// client requests:
//   - Start, Stop, Pause, Resume, Suspend, Reset
//   - CreateSnapshot and Migrate
//   - Edit, which commits the dispatcher record stored in domain metadata
//   - Delete, Compact, Mount and Umount
//   - Lock, Unlock and CloseSession for explicit client locks
//
// Task Skeleton:
//
// Every task admits its operation kind in the exclusive registry, requests
// the machine transition, calls the agent, applies the resulting event and
// releases the operation. A failed agent call reverts the machine to the
// state it had before the request. Tasks that admit no kind of their own
// (stop, pause, suspend, reset) are still rejected while another session
// holds the VM lock.
//
// Running Record:
//
// While a VM is up the dispatcher itself holds a StartEx operation for
// it. The Manager maintains it from machine transitions, so the machine
// never calls into the exclusive registry while holding its lock.
//
// Context Support:
//
// All tasks accept a context.Context. Admission waits honor it, and the
// task itself is bounded by the configured task timeout.
package vm
