package status

// EventKind enumerates the internal events a Machine understands.
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventStopped
	EventAborted
	EventShutdown
	EventCrashed
	EventPaused
	EventPausedByHostSleep
	EventFrozen
	EventUnfrozen
	EventWokeUp
	EventContinued
	EventSuspending
	EventSuspended
	EventReset
	EventMigrateStarted
	EventCompactStarted
	EventCompactFinished
	EventMounted
	EventUnmounted
	EventDeviceChanged
	EventTrayChanged
	EventAgentConnected
	EventAgentDisconnected
	EventJobCompleted
)

var eventNames = map[EventKind]string{
	EventStarted:           "started",
	EventStopped:           "stopped",
	EventAborted:           "aborted",
	EventShutdown:          "shutdown",
	EventCrashed:           "crashed",
	EventPaused:            "paused",
	EventPausedByHostSleep: "paused-by-host-sleep",
	EventFrozen:            "frozen",
	EventUnfrozen:          "unfrozen",
	EventWokeUp:            "woke-up",
	EventContinued:         "continued",
	EventSuspending:        "suspending",
	EventSuspended:         "suspended",
	EventReset:             "reset",
	EventMigrateStarted:    "migrate-started",
	EventCompactStarted:    "compact-started",
	EventCompactFinished:   "compact-finished",
	EventMounted:           "mounted",
	EventUnmounted:         "unmounted",
	EventDeviceChanged:     "device-changed",
	EventTrayChanged:       "tray-changed",
	EventAgentConnected:    "agent-connected",
	EventAgentDisconnected: "agent-disconnected",
	EventJobCompleted:      "job-completed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unrecognized"
}

// AllEventKinds lists every event kind in declaration order.
func AllEventKinds() []EventKind {
	kinds := make([]EventKind, 0, len(eventNames))
	for k := EventStarted; k <= EventJobCompleted; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Event is a typed notification about a VM, produced by the event
// translator from the agent's raw lifecycle stream.
type Event struct {
	Kind EventKind
	// Panicked qualifies EventCrashed.
	Panicked bool
	// Detail carries the agent's sub-reason for logging only.
	Detail string
}

func (e Event) String() string {
	if e.Kind == EventCrashed && e.Panicked {
		return "crashed(panicked)"
	}
	return e.Kind.String()
}
