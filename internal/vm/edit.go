package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/crucible/internal/directory"
	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/metadata"
	"github.com/jbweber/crucible/internal/status"
)

// Edit commits configuration changes to the dispatcher record of a VM.
// A change with an empty value removes the key. It returns the stored
// record.
func (m *Manager) Edit(ctx context.Context, id ident.Identity, session ident.Session, changes map[string]string) (*metadata.Record, error) {
	var rec *metadata.Record
	t := task{name: "edit", kind: exclusive.EditCommit, session: session}
	err := m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		current, err := m.loadRecord(id, mach, dom)
		if err != nil {
			return err
		}

		for key, value := range changes {
			if value == "" {
				delete(current.Config, key)
				continue
			}
			if current.Config == nil {
				current.Config = make(map[string]string)
			}
			current.Config[key] = value
		}

		if err := metadata.Update(m.lv, dom, current); err != nil {
			return err
		}
		mach.SetConfigRef(configRef(id, current.Generation))
		rec = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// loadRecord returns the stored record of a VM, or a fresh one when the
// domain carries none yet.
func (m *Manager) loadRecord(id ident.Identity, mach *status.Machine, dom libvirt.Domain) (*metadata.Record, error) {
	if !metadata.Exists(m.lv, dom) {
		return &metadata.Record{
			Directory: id.DirUUID.String(),
			Home:      mach.Home(),
		}, nil
	}
	return metadata.Load(m.lv, dom)
}

func configRef(id ident.Identity, generation int64) string {
	return fmt.Sprintf("%s#%d", id, generation)
}

// Delete removes a stopped or suspended VM: its agent definition, its
// machine and its directory listing row.
func (m *Manager) Delete(ctx context.Context, id ident.Identity, session ident.Session) error {
	t := task{name: "delete", kind: exclusive.Delete, session: session}
	err := m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		if s, _ := mach.State(); !status.IsTerminal(s) && s != status.Unknown {
			return fmt.Errorf("%w (state %s)", ErrVMActive, s)
		}

		if err := m.lv.Undefine(dom); err != nil {
			return fmt.Errorf("failed to undefine domain: %w", err)
		}
		if m.dir == nil {
			return nil
		}
		if err := m.dir.Delete(ctx, id); err != nil && !errors.Is(err, directory.ErrNotFound) {
			m.logger.Error(err, "failed to remove directory entry", "vm", id.String())
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.Remove(id)
	return nil
}
