package events

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// Kind identifies the agent callback a RawEvent came from.
type Kind int

const (
	Lifecycle Kind = iota + 1
	Reboot
	PMWakeup
	PMSuspend
	DeviceAdded
	DeviceRemoved
	TrayChange
	AgentLifecycle
	JobCompleted
	NetworkLifecycle
	HostPower
)

var kindNames = map[Kind]string{
	Lifecycle:        "lifecycle",
	Reboot:           "reboot",
	PMWakeup:         "pm-wakeup",
	PMSuspend:        "pm-suspend",
	DeviceAdded:      "device-added",
	DeviceRemoved:    "device-removed",
	TrayChange:       "tray-change",
	AgentLifecycle:   "agent-lifecycle",
	JobCompleted:     "job-completed",
	NetworkLifecycle: "network-lifecycle",
	HostPower:        "host-power",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// RawEvent is an untranslated notification from the virtualization agent.
// Event and Detail carry the agent's numeric codes for the callback named
// by Source. Seq is assigned by the producer and increases per domain; 0
// means the producer does not sequence its events.
type RawEvent struct {
	Source Kind
	Domain uuid.UUID
	Name   string
	Event  int32
	Detail int32
	Seq    uint64
}

func (r RawEvent) String() string {
	return fmt.Sprintf("%s %s(%d/%d) seq=%d", r.Domain, r.Source, r.Event, r.Detail, r.Seq)
}

// Lifecycle event types.
const (
	EventDefined     = int32(libvirt.DomainEventDefined)
	EventUndefined   = int32(libvirt.DomainEventUndefined)
	EventStarted     = int32(libvirt.DomainEventStarted)
	EventSuspended   = int32(libvirt.DomainEventSuspended)
	EventResumed     = int32(libvirt.DomainEventResumed)
	EventStopped     = int32(libvirt.DomainEventStopped)
	EventShutdown    = int32(libvirt.DomainEventShutdown)
	EventPMSuspended = int32(libvirt.DomainEventPmsuspended)
	EventCrashed     = int32(libvirt.DomainEventCrashed)
)

// Started details.
const (
	StartedBooted       = int32(libvirt.DomainEventStartedBooted)
	StartedMigrated     = int32(libvirt.DomainEventStartedMigrated)
	StartedRestored     = int32(libvirt.DomainEventStartedRestored)
	StartedFromSnapshot = int32(libvirt.DomainEventStartedFromSnapshot)
	StartedWakeup       = int32(libvirt.DomainEventStartedWakeup)
)

// Suspended details.
const (
	SuspendedPaused         = int32(libvirt.DomainEventSuspendedPaused)
	SuspendedMigrated       = int32(libvirt.DomainEventSuspendedMigrated)
	SuspendedIOError        = int32(libvirt.DomainEventSuspendedIoerror)
	SuspendedWatchdog       = int32(libvirt.DomainEventSuspendedWatchdog)
	SuspendedRestored       = int32(libvirt.DomainEventSuspendedRestored)
	SuspendedFromSnapshot   = int32(libvirt.DomainEventSuspendedFromSnapshot)
	SuspendedAPIError       = int32(libvirt.DomainEventSuspendedAPIError)
	SuspendedPostcopy       = int32(libvirt.DomainEventSuspendedPostcopy)
	SuspendedPostcopyFailed = int32(libvirt.DomainEventSuspendedPostcopyFailed)
)

// Resumed details.
const (
	ResumedUnpaused     = int32(libvirt.DomainEventResumedUnpaused)
	ResumedMigrated     = int32(libvirt.DomainEventResumedMigrated)
	ResumedFromSnapshot = int32(libvirt.DomainEventResumedFromSnapshot)
)

// Stopped details.
const (
	StoppedShutdown     = int32(libvirt.DomainEventStoppedShutdown)
	StoppedDestroyed    = int32(libvirt.DomainEventStoppedDestroyed)
	StoppedCrashed      = int32(libvirt.DomainEventStoppedCrashed)
	StoppedMigrated     = int32(libvirt.DomainEventStoppedMigrated)
	StoppedSaved        = int32(libvirt.DomainEventStoppedSaved)
	StoppedFailed       = int32(libvirt.DomainEventStoppedFailed)
	StoppedFromSnapshot = int32(libvirt.DomainEventStoppedFromSnapshot)
)

// PMSuspended details.
const (
	PMSuspendedMemory = int32(libvirt.DomainEventPmsuspendedMemory)
	PMSuspendedDisk   = int32(libvirt.DomainEventPmsuspendedDisk)
)

// CrashedPanicked is the Crashed detail of a guest kernel panic.
const CrashedPanicked = int32(libvirt.DomainEventCrashedPanicked)

// Agent lifecycle states.
const (
	AgentConnected    = int32(libvirt.ConnectDomainEventAgentLifecycleStateConnected)
	AgentDisconnected = int32(libvirt.ConnectDomainEventAgentLifecycleStateDisconnected)
)

// Host power transitions. These are produced by the host integration,
// not by libvirt.
const (
	HostSleep  int32 = 0
	HostWake   int32 = 1
	HostFreeze int32 = 2
	HostThaw   int32 = 3
)

// Domain states and the crashed reason reported by the agent.
const (
	DomainNoState     = int32(libvirt.DomainNostate)
	DomainRunning     = int32(libvirt.DomainRunning)
	DomainBlocked     = int32(libvirt.DomainBlocked)
	DomainPaused      = int32(libvirt.DomainPaused)
	DomainShutdown    = int32(libvirt.DomainShutdown)
	DomainShutoff     = int32(libvirt.DomainShutoff)
	DomainCrashed     = int32(libvirt.DomainCrashed)
	DomainPMSuspended = int32(libvirt.DomainPmsuspended)

	DomainCrashedPanicked = int32(libvirt.DomainCrashedPanicked)
)
