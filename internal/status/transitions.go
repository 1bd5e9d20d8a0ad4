package status

// TransitionRequest asks a machine to move to Target on behalf of a task.
type TransitionRequest struct {
	Target State
	Reason string
}

func sources(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// allowedFrom lists, per requested target, the states a task may request
// it from. Unknown is reachable from anywhere and is not listed.
var allowedFrom = map[State]map[State]bool{
	Starting:      sources(Stopped, Suspended, Unknown),
	Stopping:      sources(Running, Paused, Starting, Resuming, Continuing, Pausing),
	Pausing:       sources(Running),
	Continuing:    sources(Paused),
	Resetting:     sources(Running, Paused),
	Suspending:    sources(Running, Paused),
	Resuming:      sources(Suspended),
	Migrating:     sources(Running, Paused, Stopped, Suspended),
	Snapshotting:  sources(Running, Paused, Stopped, Suspended),
	DeletingState: sources(Running, Paused, Stopped, Suspended),
	Restoring:     sources(Stopped, Suspended),
	Compacting:    sources(Stopped),
	Mounted:       sources(Stopped),
	Reconnecting:  sources(Stopped),
	Running: sources(Starting, Resuming, Continuing, Resetting, Snapshotting,
		DeletingState, Migrating, Restoring, Reconnecting),
	Paused: sources(Pausing, Snapshotting, DeletingState, Restoring),
	Stopped: sources(Stopping, Starting, Migrating, Restoring, Compacting,
		Mounted, Reconnecting, Snapshotting, DeletingState),
	Suspended: sources(SuspendingSync, Suspending, Restoring, Snapshotting),
}

// CanTransition reports whether a task may request to from from.
func CanTransition(from, to State) bool {
	if to == Unknown {
		return true
	}
	return allowedFrom[to][from]
}

// RequestTransition applies a task-driven transition. Requests that make
// no sense from the current state return a *TransitionError and change
// nothing. A request for Reconnecting from any state other than Stopped
// is ignored without error.
func (m *Machine) RequestTransition(req TransitionRequest) error {
	m.mu.Lock()
	from := m.state
	if req.Target == Reconnecting && from != Stopped {
		m.logger.V(1).Info("forbidden transition ignored", "from", string(from), "to", string(Reconnecting), "reason", req.Reason)
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, req.Target) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: req.Target}
	}

	cause := "request"
	if req.Reason != "" {
		cause = "request: " + req.Reason
	}
	tr := m.setLocked(req.Target, Normal, cause)
	m.mu.Unlock()

	if tr != nil {
		m.notify(*tr)
	}
	return nil
}

// Revert rolls the machine back to the state it had before its last
// transition. Tasks call it when the agent call that should have
// completed a requested transition failed.
func (m *Machine) Revert(reason string) (State, bool) {
	m.mu.Lock()
	if m.prev == "" {
		s := m.state
		m.mu.Unlock()
		return s, false
	}
	tr := m.setLocked(m.prev, Normal, "revert: "+reason)
	s := m.state
	m.mu.Unlock()

	if tr == nil {
		return s, false
	}
	m.notify(*tr)
	return s, true
}

// ApplyEvent applies an agent event and returns the states before and
// after it. It never fails: events that do not apply to the current state
// are logged and ignored, since agent events may arrive late or out of
// order. The only I/O it may perform is the suspend file check.
func (m *Machine) ApplyEvent(ev Event) (State, State) {
	m.mu.Lock()
	prev := m.state
	var tr *Transition
	if to, power, ok := m.resolveLocked(ev); ok {
		tr = m.setLocked(to, power, "event: "+ev.String())
	}
	next := m.state
	m.mu.Unlock()

	if tr != nil {
		m.notify(*tr)
	}
	return prev, next
}

// resolveLocked computes where ev takes the machine. ok is false when the
// event is ignored. Callers hold m.mu.
func (m *Machine) resolveLocked(ev Event) (State, PowerState, bool) {
	s := m.state

	ignore := func(why string) (State, PowerState, bool) {
		m.logger.V(1).Info("event ignored", "event", ev.String(), "state", string(s), "why", why)
		return s, m.power, false
	}

	switch ev.Kind {
	case EventStarted:
		if s == Running {
			return ignore("already running")
		}
		return Running, Normal, true

	case EventStopped, EventAborted, EventShutdown:
		switch {
		case s == Restoring:
			return ignore("restore in progress")
		case (s == Suspending || s == SuspendingSync || s == Unknown) && m.suspendFilesPresentLocked():
			return Suspended, Normal, true
		}
		return Stopped, Normal, true

	case EventCrashed:
		if ev.Panicked {
			return Paused, Normal, true
		}
		// The domain is still being torn down; a Stopped event follows.
		return Running, Normal, true

	case EventPaused:
		if s == Suspending {
			return ignore("suspend in progress")
		}
		return Paused, Normal, true

	case EventPausedByHostSleep, EventFrozen:
		want := PausedByHostSleep
		if ev.Kind == EventFrozen {
			want = PausedByVmFrozen
		}
		if s == Paused {
			if m.power != Normal && m.power != want {
				return Paused, want, true
			}
			return ignore("already paused")
		}
		return Paused, want, true

	case EventUnfrozen:
		if s != Paused {
			return ignore("not paused")
		}
		back := m.prev
		if back == "" || back == Paused || back == Unknown {
			back = Running
		}
		return back, Normal, true

	case EventWokeUp:
		if s != Paused {
			return s, Normal, true
		}
		return Running, Normal, true

	case EventContinued:
		switch s {
		case Running, Restoring:
			return ignore("no-op in this state")
		case Migrating:
			return ignore("migration owns completion")
		}
		return Running, Normal, true

	case EventSuspending:
		return Suspending, Normal, true

	case EventSuspended:
		switch s {
		case Suspending:
			if m.power == Normal && m.suspendFilesPresentLocked() {
				return SuspendingSync, Normal, true
			}
			return ignore("suspend files not present")
		case SuspendingSync:
			return Suspended, Normal, true
		case Suspended:
			return ignore("already suspended")
		}
		return Suspended, Normal, true

	case EventReset:
		if s != Resetting {
			return ignore("no reset requested")
		}
		return Running, Normal, true

	case EventMigrateStarted:
		return Migrating, m.power, true

	case EventCompactStarted:
		return Compacting, Normal, true

	case EventCompactFinished:
		if s != Compacting {
			return ignore("not compacting")
		}
		return Stopped, Normal, true

	case EventMounted:
		if s != Stopped {
			return ignore("not stopped")
		}
		return Mounted, Normal, true

	case EventUnmounted:
		if s != Mounted {
			return ignore("not mounted")
		}
		return Stopped, Normal, true

	case EventAgentConnected, EventAgentDisconnected:
		m.agentConnected = ev.Kind == EventAgentConnected
		return ignore("guest agent state only")

	case EventDeviceChanged, EventTrayChanged, EventJobCompleted:
		return ignore("no lifecycle change")
	}

	return ignore("unrecognized event")
}
