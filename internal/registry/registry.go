package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/metrics"
	"github.com/jbweber/crucible/internal/status"
)

var (
	// ErrAlreadyRegistered is returned when the identity is already live.
	ErrAlreadyRegistered = errors.New("vm is already registered")
	// ErrDoubleInit is returned when the identity is already booked.
	ErrDoubleInit = errors.New("vm is already being registered")
	// ErrNotFound is returned when the identity is in no set.
	ErrNotFound = errors.New("vm is not registered")
)

// Factory builds the machine for a newly defined identity.
type Factory func(id ident.Identity, home string) *status.Machine

// Entry is one item of the persisted directory listing.
type Entry struct {
	ID   ident.Identity
	Home string
}

type slot struct {
	machine *status.Machine
	refs    atomic.Int32
	// dropOnRelease marks an undeclared slot that is destroyed once the
	// last handle is released.
	dropOnRelease bool
}

// Registry owns every VM state machine of the dispatcher.
//
// An identity is in at most one of three sets: booked (declared, no
// machine yet), defined (live machine) and undeclared (machine removed
// from the live set but still referenced). Membership changes take the
// write lock; lookups take the read lock.
type Registry struct {
	mu         sync.RWMutex
	defined    map[ident.Identity]*slot
	booked     map[ident.Identity]string
	undeclared map[ident.Identity]*slot

	factory Factory
	logger  logr.Logger
	metrics *metrics.Metrics
}

// New returns an empty registry building machines with factory.
func New(factory Factory, logger logr.Logger) *Registry {
	return &Registry{
		defined:    make(map[ident.Identity]*slot),
		booked:     make(map[ident.Identity]string),
		undeclared: make(map[ident.Identity]*slot),
		factory:    factory,
		logger:     logger.WithName("registry"),
	}
}

// WithMetrics attaches a metrics collector.
func (r *Registry) WithMetrics(m *metrics.Metrics) *Registry {
	r.metrics = m
	return r
}

// Declare books id before its machine exists, remembering the home path
// hint. A previously undeclared machine is moved back to the live set.
func (r *Registry) Declare(id ident.Identity, home string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defined[id]; ok {
		return fmt.Errorf("failed to declare vm %s: %w", id, ErrAlreadyRegistered)
	}
	if s, ok := r.undeclared[id]; ok {
		delete(r.undeclared, id)
		s.dropOnRelease = false
		r.defined[id] = s
		r.logger.V(1).Info("undeclared vm restored", "vm", id.String())
		r.updateGaugesLocked()
		return nil
	}
	if _, ok := r.booked[id]; ok {
		return fmt.Errorf("failed to declare vm %s: %w", id, ErrDoubleInit)
	}

	r.booked[id] = home
	r.logger.V(1).Info("vm booked", "vm", id.String(), "home", home)
	r.updateGaugesLocked()
	return nil
}

// Undeclare withdraws id from the live set without destroying its
// machine, or cancels its booking.
func (r *Registry) Undeclare(id ident.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.defined[id]; ok {
		delete(r.defined, id)
		r.undeclared[id] = s
		r.updateGaugesLocked()
		return nil
	}
	if _, ok := r.booked[id]; ok {
		delete(r.booked, id)
		r.updateGaugesLocked()
		return nil
	}
	return fmt.Errorf("failed to undeclare vm %s: %w", id, ErrNotFound)
}

// Define materializes the machine for id, consuming its booking if there
// is one. It fails if id is live or undeclared.
func (r *Registry) Define(id ident.Identity) (*Access, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defined[id]; ok {
		return nil, fmt.Errorf("failed to define vm %s: %w", id, ErrAlreadyRegistered)
	}
	if _, ok := r.undeclared[id]; ok {
		return nil, fmt.Errorf("failed to define vm %s, still undeclared: %w", id, ErrAlreadyRegistered)
	}

	home, booked := r.booked[id]
	delete(r.booked, id)
	r.defined[id] = &slot{machine: r.factory(id, home)}
	r.logger.Info("vm defined", "vm", id.String(), "booked", booked, "home", home)
	r.updateGaugesLocked()
	return &Access{reg: r, id: id}, nil
}

// Undefine removes the live machine of id. The machine is destroyed once
// no handle references it; until then it is held in the undeclared set.
// Undefining an undeclared identity drops it from that set.
func (r *Registry) Undefine(id ident.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.defined[id]; ok {
		delete(r.defined, id)
		if s.refs.Load() > 0 {
			s.dropOnRelease = true
			r.undeclared[id] = s
		}
		r.logger.Info("vm undefined", "vm", id.String(), "references", s.refs.Load())
		r.updateGaugesLocked()
		return nil
	}
	if _, ok := r.undeclared[id]; ok {
		delete(r.undeclared, id)
		r.updateGaugesLocked()
		return nil
	}
	return fmt.Errorf("failed to undefine vm %s: %w", id, ErrNotFound)
}

// Find returns a weak accessor for id. It always succeeds; the accessor
// reports absence if no live machine exists when it is used.
func (r *Registry) Find(id ident.Identity) *Access {
	return &Access{reg: r, id: id}
}

// ResetAll rebuilds the registry from the persisted directory listing.
// Live machines missing from the listing are demoted to bookings, listed
// identities that are unknown are booked and undeclared machines in the
// listing return to the live set. Other undeclared machines are dropped,
// or dropped on release if still referenced.
func (r *Registry) ResetAll(listing []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inListing := make(map[ident.Identity]string, len(listing))
	for _, e := range listing {
		inListing[e.ID] = e.Home
	}

	for id, s := range r.defined {
		if _, ok := inListing[id]; ok {
			continue
		}
		delete(r.defined, id)
		r.booked[id] = s.machine.Home()
		r.logger.Info("vm missing from directory, demoted to booking", "vm", id.String())
	}

	for id, s := range r.undeclared {
		if _, ok := inListing[id]; ok {
			delete(r.undeclared, id)
			s.dropOnRelease = false
			r.defined[id] = s
			continue
		}
		if s.refs.Load() > 0 {
			s.dropOnRelease = true
			continue
		}
		delete(r.undeclared, id)
	}

	for id, home := range inListing {
		if _, ok := r.defined[id]; ok {
			continue
		}
		if _, ok := r.booked[id]; ok {
			continue
		}
		r.booked[id] = home
	}

	r.updateGaugesLocked()
}

// Snapshot lists every identity that has a machine, live or undeclared,
// in a stable order.
func (r *Registry) Snapshot() []ident.Identity {
	r.mu.RLock()
	ids := make([]ident.Identity, 0, len(r.defined)+len(r.undeclared))
	for id := range r.defined {
		ids = append(ids, id)
	}
	for id := range r.undeclared {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sortIdentities(ids)
	return ids
}

// Defined lists the identities of live machines in a stable order.
func (r *Registry) Defined() []ident.Identity {
	r.mu.RLock()
	ids := make([]ident.Identity, 0, len(r.defined))
	for id := range r.defined {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sortIdentities(ids)
	return ids
}

// Bookings lists the booked identities with their home path hints.
func (r *Registry) Bookings() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.booked))
	for id, home := range r.booked {
		entries = append(entries, Entry{ID: id, Home: home})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID.Less(entries[j].ID) })
	return entries
}

// Membership reports which sets contain id. Outside of tests at most one
// of the results is true.
func (r *Registry) Membership(id ident.Identity) (booked, defined, undeclared bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, booked = r.booked[id]
	_, defined = r.defined[id]
	_, undeclared = r.undeclared[id]
	return booked, defined, undeclared
}

// acquire pins the live machine of id.
func (r *Registry) acquire(id ident.Identity) *slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.defined[id]
	if !ok {
		return nil
	}
	s.refs.Add(1)
	return s
}

func (r *Registry) release(id ident.Identity, s *slot) {
	if s.refs.Add(-1) > 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.undeclared[id]; ok && cur == s && s.dropOnRelease && s.refs.Load() == 0 {
		delete(r.undeclared, id)
		r.logger.V(1).Info("undefined vm released", "vm", id.String())
		r.updateGaugesLocked()
	}
}

func (r *Registry) updateGaugesLocked() {
	r.metrics.SetMachines("defined", len(r.defined))
	r.metrics.SetMachines("booking", len(r.booked))
	r.metrics.SetMachines("undeclared", len(r.undeclared))
}

func sortIdentities(ids []ident.Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
