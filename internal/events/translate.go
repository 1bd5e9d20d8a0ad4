package events

import (
	"github.com/jbweber/crucible/internal/status"
)

var stoppedDetails = map[int32]string{
	StoppedShutdown:  "shutdown",
	StoppedDestroyed: "destroyed",
	StoppedCrashed:   "crashed",
	StoppedMigrated:  "migrated",
	StoppedSaved:     "saved",
	StoppedFailed:    "failed",
}

var suspendedDetails = map[int32]string{
	SuspendedPaused:   "paused",
	SuspendedMigrated: "migrated",
	SuspendedIOError:  "ioerror",
	SuspendedWatchdog: "watchdog",
	SuspendedRestored: "restored",
	SuspendedAPIError: "api-error",
}

var startedDetails = map[int32]string{
	StartedBooted:   "booted",
	StartedMigrated: "migrated",
	StartedRestored: "restored",
	StartedWakeup:   "wakeup",
}

// Translate maps a raw agent notification to a machine event. ok is false
// when the notification carries no machine event: definition changes,
// snapshot reverts, network events and codes this package does not know.
func Translate(raw RawEvent) (ev status.Event, ok bool) {
	switch raw.Source {
	case Lifecycle:
		return translateLifecycle(raw.Event, raw.Detail)
	case Reboot:
		return status.Event{Kind: status.EventReset}, true
	case PMWakeup:
		return status.Event{Kind: status.EventWokeUp}, true
	case PMSuspend:
		return translatePMSuspend(raw.Event)
	case DeviceAdded:
		return status.Event{Kind: status.EventDeviceChanged, Detail: "added"}, true
	case DeviceRemoved:
		return status.Event{Kind: status.EventDeviceChanged, Detail: "removed"}, true
	case TrayChange:
		return status.Event{Kind: status.EventTrayChanged}, true
	case AgentLifecycle:
		switch raw.Event {
		case AgentConnected:
			return status.Event{Kind: status.EventAgentConnected}, true
		case AgentDisconnected:
			return status.Event{Kind: status.EventAgentDisconnected}, true
		}
	case JobCompleted:
		return status.Event{Kind: status.EventJobCompleted}, true
	case HostPower:
		switch raw.Event {
		case HostSleep:
			return status.Event{Kind: status.EventPausedByHostSleep}, true
		case HostWake:
			return status.Event{Kind: status.EventWokeUp}, true
		case HostFreeze:
			return status.Event{Kind: status.EventFrozen}, true
		case HostThaw:
			return status.Event{Kind: status.EventUnfrozen}, true
		}
	}
	return status.Event{}, false
}

func translateLifecycle(event, detail int32) (status.Event, bool) {
	switch event {
	case EventStarted:
		if d, ok := startedDetails[detail]; ok {
			return status.Event{Kind: status.EventStarted, Detail: d}, true
		}

	case EventSuspended:
		if d, ok := suspendedDetails[detail]; ok {
			return status.Event{Kind: status.EventPaused, Detail: d}, true
		}

	case EventResumed:
		switch detail {
		case ResumedUnpaused:
			return status.Event{Kind: status.EventContinued, Detail: "unpaused"}, true
		case ResumedMigrated:
			return status.Event{Kind: status.EventContinued, Detail: "migrated"}, true
		}

	case EventStopped:
		d, ok := stoppedDetails[detail]
		if !ok {
			break
		}
		switch detail {
		case StoppedSaved:
			return status.Event{Kind: status.EventSuspended, Detail: d}, true
		case StoppedFailed:
			return status.Event{Kind: status.EventAborted, Detail: d}, true
		}
		return status.Event{Kind: status.EventStopped, Detail: d}, true

	case EventShutdown:
		return status.Event{Kind: status.EventShutdown}, true

	case EventPMSuspended:
		return translatePMSuspend(detail)

	case EventCrashed:
		if detail == CrashedPanicked {
			return status.Event{Kind: status.EventCrashed, Panicked: true, Detail: "panicked"}, true
		}
		return status.Event{Kind: status.EventCrashed}, true
	}
	return status.Event{}, false
}

func translatePMSuspend(detail int32) (status.Event, bool) {
	switch detail {
	case PMSuspendedMemory:
		return status.Event{Kind: status.EventPaused, Detail: "pm-memory"}, true
	case PMSuspendedDisk:
		return status.Event{Kind: status.EventSuspended, Detail: "pm-disk"}, true
	}
	return status.Event{}, false
}

// FromDomainState returns the event that brings a freshly defined machine
// in line with the domain state reported by the agent at discovery. ok is
// false when the agent reports no state.
func FromDomainState(state, reason int32) (status.Event, bool) {
	switch state {
	case DomainRunning, DomainBlocked, DomainShutdown:
		return status.Event{Kind: status.EventStarted, Detail: "discovered"}, true
	case DomainPaused, DomainPMSuspended:
		return status.Event{Kind: status.EventPaused, Detail: "discovered"}, true
	case DomainShutoff:
		return status.Event{Kind: status.EventStopped, Detail: "discovered"}, true
	case DomainCrashed:
		if reason == DomainCrashedPanicked {
			return status.Event{Kind: status.EventCrashed, Panicked: true, Detail: "discovered"}, true
		}
		return status.Event{Kind: status.EventStopped, Detail: "discovered-crashed"}, true
	}
	return status.Event{}, false
}
