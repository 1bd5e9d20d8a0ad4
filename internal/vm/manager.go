package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/events"
	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/metrics"
	"github.com/jbweber/crucible/internal/registry"
	"github.com/jbweber/crucible/internal/status"
)

const (
	// DefaultTaskTimeout bounds a task once it has been admitted.
	DefaultTaskTimeout = 2 * time.Minute

	// DefaultStopGrace is how long to wait for graceful shutdown before forcing.
	DefaultStopGrace = 60 * time.Second

	// pollInterval is how often the domain state is polled during shutdown.
	pollInterval = 500 * time.Millisecond
)

var (
	// ErrVMNotFound is returned when no live machine exists for an identity.
	ErrVMNotFound = errors.New("vm not found")
	// ErrNoSession is returned when a lock is requested without a session.
	ErrNoSession = errors.New("a client session is required")
	// ErrVMActive is returned when an operation needs a VM that is not running.
	ErrVMActive = errors.New("vm is active")
)

// Manager runs lifecycle tasks against the VMs of one host.
//
// It owns the machine registry and shares the exclusive operation
// registry with every other task source. Every task follows the same
// steps: admit the operation, request the machine transition, call the
// agent, apply the resulting event, release the operation.
type Manager struct {
	ops      *exclusive.Registry
	machines *registry.Registry
	lv       libvirtClient
	dir      directoryStore
	stateDir string
	logger   logr.Logger
	metrics  *metrics.Metrics

	timeout   time.Duration
	stopGrace time.Duration
	poll      time.Duration

	mu    sync.Mutex
	names map[ident.Identity]string
	byVM  map[uuid.UUID]ident.Identity
	// startEx holds the identities for which the dispatcher keeps a
	// StartEx record because the VM is up.
	startEx map[ident.Identity]bool
	// observed is the last transition applied to the StartEx record of
	// each identity, per machine instance.
	observed map[ident.Identity]observedSeq
}

type observedSeq struct {
	mach *status.Machine
	seq  uint64
}

// NewManager returns a manager with an empty machine registry.
//
// stateDir is the directory in which the agent keeps managed save
// images; it backs the suspend file check of every machine.
func NewManager(ops *exclusive.Registry, lv libvirtClient, dir directoryStore, stateDir string, logger logr.Logger) *Manager {
	m := &Manager{
		ops:       ops,
		lv:        lv,
		dir:       dir,
		stateDir:  stateDir,
		logger:    logger.WithName("tasks"),
		timeout:   DefaultTaskTimeout,
		stopGrace: DefaultStopGrace,
		poll:      pollInterval,
		names:     make(map[ident.Identity]string),
		byVM:      make(map[uuid.UUID]ident.Identity),
		startEx:   make(map[ident.Identity]bool),
		observed:  make(map[ident.Identity]observedSeq),
	}
	m.machines = registry.New(m.newMachine, logger)
	return m
}

// WithMetrics attaches a metrics collector to the manager and its registry.
func (m *Manager) WithMetrics(mc *metrics.Metrics) *Manager {
	m.metrics = mc
	m.machines.WithMetrics(mc)
	return m
}

// WithTimeouts overrides the task timeout and the graceful stop window.
// Zero values keep the defaults.
func (m *Manager) WithTimeouts(timeout, stopGrace time.Duration) *Manager {
	if timeout > 0 {
		m.timeout = timeout
	}
	if stopGrace > 0 {
		m.stopGrace = stopGrace
	}
	return m
}

// Machines returns the machine registry owned by the manager.
func (m *Manager) Machines() *registry.Registry {
	return m.machines
}

// Operations returns the exclusive operation registry.
func (m *Manager) Operations() *exclusive.Registry {
	return m.ops
}

func (m *Manager) newMachine(id ident.Identity, home string) *status.Machine {
	mach := status.NewMachine(id, home, m, m.logger)
	mach.Observe(func(tr status.Transition) { m.observe(mach, tr) })
	return mach
}

// observe keeps the dispatcher's StartEx record in step with the VM
// being up: it is taken when the machine reaches Running or Paused and
// dropped when it reaches Stopped or Suspended.
//
// Notifications are delivered outside the machine lock and may arrive
// out of order, so a transition older than the last one seen for the
// same machine is dropped.
func (m *Manager) observe(mach *status.Machine, tr status.Transition) {
	m.metrics.IncVMTransition(string(tr.From), string(tr.To))

	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.observed[tr.ID]
	if ok && last.mach == mach && tr.Seq <= last.seq {
		m.logger.V(1).Info("stale transition ignored", "vm", tr.ID.String(), "seq", tr.Seq, "last", last.seq)
		return
	}
	m.observed[tr.ID] = observedSeq{mach: mach, seq: tr.Seq}
	m.syncStartExLocked(tr.ID, tr.To)
}

// syncStartExLocked takes or releases the dispatcher's StartEx record of
// id to match state. Callers hold m.mu.
func (m *Manager) syncStartExLocked(id ident.Identity, state status.State) {
	up := state == status.Running || state == status.Paused
	down := state == status.Stopped || state == status.Suspended
	held := m.startEx[id]

	switch {
	case up && !held:
		err := m.ops.RegisterWithin(context.Background(), id, exclusive.StartEx, ident.DispatcherSession, "", 0)
		if err != nil {
			m.logger.Error(err, "failed to record running vm", "vm", id.String())
			return
		}
		m.startEx[id] = true
	case down && held:
		m.releaseStartExLocked(id)
	}
}

// releaseStartExLocked drops the dispatcher's StartEx record of id.
// Callers hold m.mu.
func (m *Manager) releaseStartExLocked(id ident.Identity) {
	if !m.startEx[id] {
		return
	}
	delete(m.startEx, id)
	if err := m.ops.Unregister(id, exclusive.StartEx, ident.DispatcherSession); err != nil {
		m.logger.Error(err, "failed to release running vm record", "vm", id.String())
	}
}

// Track records the agent name of id and makes its domain resolvable.
func (m *Manager) Track(id ident.Identity, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id] = name
	m.byVM[id.VMUUID] = id
}

// Name returns the agent name of id, or "" when it is not tracked.
func (m *Manager) Name(id ident.Identity) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.names[id]
}

// Resolve maps an agent domain to its identity. It satisfies
// events.Resolver.
func (m *Manager) Resolve(domain uuid.UUID, _ string) (ident.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byVM[domain]
	return id, ok
}

// Adopt makes a domain known to the agent a live machine and brings it in
// line with the agent's current state and reason for it.
func (m *Manager) Adopt(id ident.Identity, name, home string, state, reason int32) error {
	m.Track(id, name)

	acc, err := m.machines.Define(id)
	switch {
	case errors.Is(err, registry.ErrAlreadyRegistered):
		// An undeclared machine is still pinned by a task; declaring it
		// again makes it live.
		if _, _, undeclared := m.machines.Membership(id); undeclared {
			if err := m.machines.Declare(id, home); err != nil {
				return fmt.Errorf("failed to adopt vm %s: %w", id, err)
			}
		}
		acc = m.machines.Find(id)
	case err != nil:
		return fmt.Errorf("failed to adopt vm %s: %w", id, err)
	}

	var adopted *status.Machine
	var snap status.Snapshot
	found := acc.Do(func(mach *status.Machine) {
		if home != "" {
			mach.SetHome(home)
		}
		if ev, ok := events.FromDomainState(state, reason); ok {
			mach.ApplyEvent(ev)
		}
		adopted, snap = mach, mach.Snapshot()
	})
	if !found {
		return fmt.Errorf("failed to adopt vm %s: %w", id, ErrVMNotFound)
	}

	// A machine already in the adopted state raised no transition, so the
	// observer did not restore its StartEx record. A newer transition
	// than the snapshot is left to the observer.
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.observed[id]; ok && last.mach == adopted && last.seq > snap.Seq {
		return nil
	}
	m.syncStartExLocked(id, snap.State)
	return nil
}

// Remove drops a VM that no longer exists on the agent. Only the
// dispatcher's own StartEx record is released: operations still admitted
// for the VM belong to the tasks and sessions that registered them.
func (m *Manager) Remove(id ident.Identity) {
	if err := m.machines.Undefine(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		m.logger.Error(err, "failed to undefine machine", "vm", id.String())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseStartExLocked(id)
	delete(m.observed, id)
	delete(m.names, id)
	if m.byVM[id.VMUUID] == id {
		delete(m.byVM, id.VMUUID)
	}
}

// task describes one run of the task skeleton.
type task struct {
	name string
	// kind is the operation admitted for the task. Zero means the task
	// registers nothing and only honors an explicit lock.
	kind    exclusive.Kind
	session ident.Session
	taskID  string
}

type taskFunc func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error

// run admits t for id, resolves the domain and calls fn with the pinned
// machine. The admitted operation is released when fn returns.
func (m *Manager) run(ctx context.Context, id ident.Identity, t task, fn taskFunc) (err error) {
	start := time.Now()
	defer func() {
		m.metrics.ObserveTask(t.name, taskResult(err), time.Since(start))
	}()

	h, ok := m.machines.Find(id).Acquire()
	if !ok {
		return fmt.Errorf("failed to %s vm %s: %w", t.name, id, ErrVMNotFound)
	}
	defer h.Release()

	if t.kind == 0 {
		if err := m.checkLock(id, t.session); err != nil {
			return fmt.Errorf("failed to %s vm %s: %w", t.name, id, err)
		}
	} else {
		if err := m.ops.Register(ctx, id, t.kind, t.session, t.taskID); err != nil {
			return fmt.Errorf("failed to %s vm %s: %w", t.name, id, err)
		}
		defer func() {
			if uerr := m.ops.Unregister(id, t.kind, t.session); uerr != nil {
				m.logger.Error(uerr, "failed to release operation", "vm", id.String(), "task", t.name)
			}
		}()
	}

	dom, err := m.lv.LookupDomain(id.VMUUID)
	if err != nil {
		return fmt.Errorf("failed to %s vm %s: %w", t.name, id, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	log := m.logger.WithValues("task", t.name, "vm", id.String(), "session", string(t.session))
	log.V(1).Info("task started")
	if err := fn(ctx, h.Machine(), dom); err != nil {
		log.Info("task failed", "error", err.Error())
		return fmt.Errorf("failed to %s vm %s: %w", t.name, id, err)
	}
	log.Info("task finished")
	return nil
}

// checkLock fails when a session other than session holds the VM lock.
func (m *Manager) checkLock(id ident.Identity, session ident.Session) error {
	owner, ok := m.ops.FindOwner(id, exclusive.Lock)
	if !ok || owner == session {
		return nil
	}
	return &exclusive.ConflictError{
		Identity:        id,
		Blocking:        exclusive.Lock,
		BlockingSession: owner,
		Code:            exclusive.CodeExclusivelyLocked,
	}
}

func taskResult(err error) string {
	var transitionErr *status.TransitionError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, exclusive.ErrConflict), errors.Is(err, exclusive.ErrWouldBlock):
		return "conflict"
	case errors.As(err, &transitionErr):
		return "wrong_state"
	default:
		return "error"
	}
}

func request(mach *status.Machine, target status.State, reason string) error {
	return mach.RequestTransition(status.TransitionRequest{Target: target, Reason: reason})
}

// revert rolls mach back after a failed agent call and returns err.
func (m *Manager) revert(mach *status.Machine, err error) error {
	if s, ok := mach.Revert(err.Error()); ok {
		m.logger.V(1).Info("reverted after failure", "vm", mach.ID().String(), "state", string(s))
	}
	return err
}
