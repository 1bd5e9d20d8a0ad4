package vm

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/status"
)

// CompactFunc compacts the disks of the VM at home.
type CompactFunc func(ctx context.Context, home string) error

// Compact runs fn against a stopped VM while the machine is Compacting.
func (m *Manager) Compact(ctx context.Context, id ident.Identity, session ident.Session, fn CompactFunc) error {
	t := task{name: "compact", kind: exclusive.Compact, session: session}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, _ libvirt.Domain) error {
		if err := request(mach, status.Compacting, "compact"); err != nil {
			return err
		}
		if err := fn(ctx, mach.Home()); err != nil {
			return m.revert(mach, fmt.Errorf("failed to compact disks: %w", err))
		}
		mach.ApplyEvent(status.Event{Kind: status.EventCompactFinished})
		return nil
	})
}

// Mount marks a stopped VM as having its disks mounted on the host. The
// Mount operation stays admitted until Umount.
func (m *Manager) Mount(ctx context.Context, id ident.Identity, session ident.Session) error {
	h, ok := m.machines.Find(id).Acquire()
	if !ok {
		return fmt.Errorf("failed to mount vm %s: %w", id, ErrVMNotFound)
	}
	defer h.Release()

	if err := m.ops.Register(ctx, id, exclusive.Mount, session, ""); err != nil {
		return fmt.Errorf("failed to mount vm %s: %w", id, err)
	}
	if err := request(h.Machine(), status.Mounted, "mount"); err != nil {
		if uerr := m.ops.Unregister(id, exclusive.Mount, session); uerr != nil {
			m.logger.Error(uerr, "failed to release mount", "vm", id.String())
		}
		return fmt.Errorf("failed to mount vm %s: %w", id, err)
	}
	return nil
}

// Umount ends a Mount.
func (m *Manager) Umount(ctx context.Context, id ident.Identity, session ident.Session) error {
	h, ok := m.machines.Find(id).Acquire()
	if !ok {
		return fmt.Errorf("failed to unmount vm %s: %w", id, ErrVMNotFound)
	}
	defer h.Release()

	if err := m.ops.Replace(ctx, id, exclusive.Mount, exclusive.Umount, session); err != nil {
		return fmt.Errorf("failed to unmount vm %s: %w", id, err)
	}
	defer func() {
		if err := m.ops.Unregister(id, exclusive.Umount, session); err != nil {
			m.logger.Error(err, "failed to release unmount", "vm", id.String())
		}
	}()

	h.Machine().ApplyEvent(status.Event{Kind: status.EventUnmounted})
	return nil
}
