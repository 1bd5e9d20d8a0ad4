package status

import "strings"

// PowerState refines Paused with the reason the VM was paused by the
// host rather than by a client.
type PowerState string

const (
	Normal            PowerState = "Normal"
	PausedByHostSleep PowerState = "PausedByHostSleep"
	PausedByVmFrozen  PowerState = "PausedByVmFrozen"
)

// AllPowerStates lists every power sub-state.
func AllPowerStates() []PowerState {
	return []PowerState{Normal, PausedByHostSleep, PausedByVmFrozen}
}

// AdditionalState flags activity running alongside the lifecycle state.
// It is derived from admitted operations at read time and never stored
// on a Machine.
type AdditionalState uint32

const (
	Cloning AdditionalState = 1 << iota
	Moving
	BackingUp
)

var additionalNames = []struct {
	flag AdditionalState
	name string
}{
	{Cloning, "cloning"},
	{Moving, "moving"},
	{BackingUp, "backing-up"},
}

// Has reports whether every bit of flag is set.
func (a AdditionalState) Has(flag AdditionalState) bool {
	return a&flag == flag
}

// Names returns the names of the set flags.
func (a AdditionalState) Names() []string {
	var names []string
	for _, n := range additionalNames {
		if a.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return names
}

func (a AdditionalState) String() string {
	if a == 0 {
		return "none"
	}
	return strings.Join(a.Names(), ",")
}
