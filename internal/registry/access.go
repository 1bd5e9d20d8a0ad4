package registry

import (
	"sync"

	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/status"
)

// Access is a weak reference to a VM machine. It holds only the identity
// and resolves it through the registry on every use, so it never keeps a
// removed machine alive.
type Access struct {
	reg *Registry
	id  ident.Identity
}

// ID returns the identity the accessor resolves.
func (a *Access) ID() ident.Identity {
	return a.id
}

// Available reports whether a live machine exists for the identity now.
func (a *Access) Available() bool {
	_, defined, _ := a.reg.Membership(a.id)
	return defined
}

// Do runs fn with the live machine and reports whether one was found.
// fn runs outside the registry lock with the machine pinned.
func (a *Access) Do(fn func(*status.Machine)) bool {
	h, ok := a.Acquire()
	if !ok {
		return false
	}
	defer h.Release()
	fn(h.Machine())
	return true
}

// Acquire pins the live machine and returns a handle to it. The machine
// stays reachable through the handle after an Undefine until Release.
func (a *Access) Acquire() (*Handle, bool) {
	s := a.reg.acquire(a.id)
	if s == nil {
		return nil, false
	}
	return &Handle{reg: a.reg, id: a.id, slot: s}, true
}

// Handle is a counted reference to a machine. Release it exactly once.
type Handle struct {
	reg  *Registry
	id   ident.Identity
	slot *slot
	once sync.Once
}

// Machine returns the pinned machine.
func (h *Handle) Machine() *status.Machine {
	return h.slot.machine
}

// Release drops the reference. Further calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.reg.release(h.id, h.slot)
	})
}
