// Package registry owns the VM state machines of the dispatcher and
// mediates their lifecycle: booking (declared, not yet materialized),
// defined (live) and undeclared (withdrawn but still referenced).
//
// Callers never hold raw machine pointers across blocking calls. They
// keep an *Access, which re-resolves the identity on every use, or a
// *Handle obtained from Access.Acquire, which pins the machine until it
// is released.
package registry
