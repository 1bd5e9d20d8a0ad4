package vm

import (
	"context"
	"sort"
	"time"

	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/status"
)

// Row represents the state of one VM as shown to clients.
type Row struct {
	ID             ident.Identity         `json:"id" yaml:"id"`
	Name           string                 `json:"name" yaml:"name"`
	State          status.State           `json:"state" yaml:"state"`
	Power          status.PowerState      `json:"power" yaml:"power"`
	Additional     status.AdditionalState `json:"-" yaml:"-"`
	Activities     []string               `json:"activities,omitempty" yaml:"activities,omitempty"`
	LockOwner      ident.Session          `json:"lockOwner,omitempty" yaml:"lockOwner,omitempty"`
	AgentConnected bool                   `json:"agentConnected" yaml:"agentConnected"`
	Home           string                 `json:"home,omitempty" yaml:"home,omitempty"`
	Since          time.Time              `json:"since" yaml:"since"`
}

// List returns a row for every live machine, sorted by name.
func (m *Manager) List(_ context.Context) []Row {
	ids := m.machines.Defined()
	rows := make([]Row, 0, len(ids))

	for _, id := range ids {
		var snap status.Snapshot
		if !m.machines.Find(id).Do(func(mach *status.Machine) { snap = mach.Snapshot() }) {
			continue
		}

		additional := m.AdditionalState(id)
		owner, _ := m.ops.FindOwner(id, exclusive.Lock)
		rows = append(rows, Row{
			ID:             id,
			Name:           m.Name(id),
			State:          snap.Reported,
			Power:          snap.Power,
			Additional:     additional,
			Activities:     additional.Names(),
			LockOwner:      owner,
			AgentConnected: snap.AgentConnected,
			Home:           snap.Home,
			Since:          snap.Since,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].ID.Less(rows[j].ID)
	})
	return rows
}
