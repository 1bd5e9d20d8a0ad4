package vm

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/status"
)

// CreateSnapshot takes a snapshot of a VM in any settled state. The VM
// returns to the state it had before the snapshot.
func (m *Manager) CreateSnapshot(ctx context.Context, id ident.Identity, session ident.Session, name, description string) error {
	t := task{name: "snapshot", kind: exclusive.CreateSnapshot, session: session, taskID: uuid.NewString()}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		before, _ := mach.State()
		if err := request(mach, status.Snapshotting, "snapshot"); err != nil {
			return err
		}

		xmlDesc, err := snapshotXML(name, description)
		if err != nil {
			return m.revert(mach, err)
		}
		if err := m.lv.CreateSnapshot(dom, xmlDesc); err != nil {
			return m.revert(mach, fmt.Errorf("failed to create snapshot: %w", err))
		}

		// The agent may have paused and continued the VM meanwhile, which
		// already moved the machine out of Snapshotting.
		if s, _ := mach.State(); s == status.Snapshotting {
			return request(mach, before, "snapshot taken")
		}
		return nil
	})
}

func snapshotXML(name, description string) (string, error) {
	snap := &libvirtxml.DomainSnapshot{
		Name:        name,
		Description: description,
	}
	out, err := snap.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot XML: %w", err)
	}
	return out, nil
}

// Migrate moves a VM to the agent at uri. Running and paused VMs migrate
// live. On success the source domain is gone and the machine is Stopped
// until the agent reports the domain undefined.
func (m *Manager) Migrate(ctx context.Context, id ident.Identity, session ident.Session, uri string) error {
	if uri == "" {
		return fmt.Errorf("failed to migrate vm %s: destination uri is required", id)
	}

	t := task{name: "migrate", kind: exclusive.Migrate, session: session, taskID: uuid.NewString()}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		before, _ := mach.State()
		if err := request(mach, status.Migrating, "migrate to "+uri); err != nil {
			return err
		}

		if err := m.lv.Migrate(dom, uri, status.IsRunning(before)); err != nil {
			return m.revert(mach, fmt.Errorf("failed to migrate domain: %w", err))
		}
		mach.ApplyEvent(status.Event{Kind: status.EventStopped, Detail: "migrated"})
		return nil
	})
}
