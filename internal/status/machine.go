package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/internal/ident"
)

// SuspendCheck confirms that the suspend state of a VM has reached
// durable storage.
type SuspendCheck interface {
	SuspendFilesPresent(id ident.Identity, home string) bool
}

// SuspendCheckFunc adapts a function to SuspendCheck.
type SuspendCheckFunc func(id ident.Identity, home string) bool

func (f SuspendCheckFunc) SuspendFilesPresent(id ident.Identity, home string) bool {
	return f(id, home)
}

// Transition describes one applied state change. Seq increases by one per
// transition of a machine, so consumers can order notifications that were
// delivered out of order.
type Transition struct {
	ID        ident.Identity
	Seq       uint64
	From      State
	To        State
	FromPower PowerState
	Power     PowerState
	Cause     string
	At        time.Time
}

// Observer is called after every applied transition, outside the
// machine's lock.
type Observer func(Transition)

// Snapshot is a consistent copy of a machine's state.
type Snapshot struct {
	ID             ident.Identity
	State          State
	Power          PowerState
	Reported       State
	Previous       State
	Since          time.Time
	AgentConnected bool
	Home           string
	ConfigRef      string
	// Seq is the sequence number of the last transition.
	Seq uint64
}

// Machine holds the authoritative lifecycle state of one VM.
//
// ApplyEvent is the only entry point for agent-driven changes and
// RequestTransition the only one for task-driven changes. Both hold the
// machine's lock for their full duration and never call out to the
// registries while holding it.
type Machine struct {
	id     ident.Identity
	check  SuspendCheck
	logger logr.Logger
	now    func() time.Time

	mu             sync.Mutex
	home           string
	state          State
	prev           State
	power          PowerState
	since          time.Time
	seq            uint64
	agentConnected bool
	configRef      string

	subMu     sync.Mutex
	subs      map[int]chan Transition
	nextSub   int
	observers []Observer
}

// NewMachine returns a machine in the Unknown state.
func NewMachine(id ident.Identity, home string, check SuspendCheck, logger logr.Logger) *Machine {
	m := &Machine{
		id:     id,
		home:   home,
		check:  check,
		logger: logger.WithName("machine").WithValues("vm", id.String()),
		now:    time.Now,
		state:  Unknown,
		power:  Normal,
		subs:   make(map[int]chan Transition),
	}
	m.since = m.now()
	return m
}

// ID returns the machine's identity.
func (m *Machine) ID() ident.Identity {
	return m.id
}

// Home returns the VM home path hint.
func (m *Machine) Home() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.home
}

// SetHome records the VM home path hint.
func (m *Machine) SetHome(home string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.home = home
}

// ConfigRef returns the key under which the VM configuration is stored by
// the config collaborator. The machine never dereferences it.
func (m *Machine) ConfigRef() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configRef
}

// SetConfigRef records the configuration key.
func (m *Machine) SetConfigRef(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configRef = ref
}

// State returns the lifecycle state and power sub-state as one pair.
func (m *Machine) State() (State, PowerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.power
}

// Reported returns the client-visible state.
func (m *Machine) Reported() State {
	s, _ := m.State()
	return Reported(s)
}

// AgentConnected reports whether the guest agent is connected.
func (m *Machine) AgentConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentConnected
}

// Snapshot returns a consistent copy of the machine's state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ID:             m.id,
		State:          m.state,
		Power:          m.power,
		Reported:       Reported(m.state),
		Previous:       m.prev,
		Since:          m.since,
		AgentConnected: m.agentConnected,
		Home:           m.home,
		ConfigRef:      m.configRef,
		Seq:            m.seq,
	}
}

// Observe registers fn to be called after every transition.
func (m *Machine) Observe(fn Observer) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Subscribe returns a channel receiving transitions of this machine and a
// function to cancel the subscription. Sends never block: when the buffer
// is full the transition is dropped for this subscriber, so consumers
// should re-read State after every receive rather than replay the stream.
func (m *Machine) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Transition, buffer)

	m.subMu.Lock()
	key := m.nextSub
	m.nextSub++
	m.subs[key] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, key)
			m.subMu.Unlock()
		})
	}
}

// WaitFor blocks until pred holds for the machine's state or ctx ends.
// It returns the state that satisfied pred.
func (m *Machine) WaitFor(ctx context.Context, pred func(State, PowerState) bool) (State, error) {
	ch, cancel := m.Subscribe(1)
	defer cancel()

	for {
		s, p := m.State()
		if pred(s, p) {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, fmt.Errorf("failed waiting for vm %s (state %s): %w", m.id, s, ctx.Err())
		}
	}
}

// WaitForState blocks until the machine reaches one of states.
func (m *Machine) WaitForState(ctx context.Context, states ...State) (State, error) {
	return m.WaitFor(ctx, func(s State, _ PowerState) bool {
		for _, want := range states {
			if s == want {
				return true
			}
		}
		return false
	})
}

func (m *Machine) notify(tr Transition) {
	m.subMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
		}
	}
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.subMu.Unlock()

	for _, fn := range observers {
		fn(tr)
	}
}

// setLocked moves the machine to (to, power). It returns nil when nothing
// observable changed. Callers hold m.mu.
func (m *Machine) setLocked(to State, power PowerState, cause string) *Transition {
	if to == Reconnecting && m.state != Stopped {
		m.logger.V(1).Info("forbidden transition ignored", "from", string(m.state), "to", string(to), "cause", cause)
		return nil
	}

	if power != Normal && m.power != Normal && power != m.power {
		m.violation("conflicting power sub-states", "current", string(m.power), "requested", string(power))
	}
	if to != Paused {
		power = Normal
	}

	if to == m.state {
		if power != m.power {
			m.logger.V(1).Info("power sub-state changed", "state", string(to), "from", string(m.power), "to", string(power))
			m.power = power
		}
		return nil
	}

	tr := &Transition{
		ID:        m.id,
		From:      m.state,
		To:        to,
		FromPower: m.power,
		Power:     power,
		Cause:     cause,
		At:        m.now(),
	}
	m.prev = m.state
	m.state = to
	m.power = power
	m.since = tr.At
	m.seq++
	tr.Seq = m.seq

	m.logger.Info("state changed", "from", string(tr.From), "to", string(tr.To), "power", string(power), "cause", cause)
	return tr
}

// violation records a broken invariant. The operation still proceeds.
func (m *Machine) violation(msg string, kv ...any) {
	m.logger.Error(nil, "invariant violation: "+msg, kv...)
	if debugAssertions {
		panic(fmt.Sprintf("vm %s: invariant violation: %s %v", m.id, msg, kv))
	}
}

func (m *Machine) suspendFilesPresentLocked() bool {
	if m.check == nil {
		return false
	}
	return m.check.SuspendFilesPresent(m.id, m.home)
}
