package vm

import (
	"context"
	"fmt"

	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/status"
)

// Lock gives session exclusive control of a VM until Unlock or until the
// session is closed. Operations of other sessions are rejected meanwhile.
func (m *Manager) Lock(ctx context.Context, id ident.Identity, session ident.Session) error {
	if session == ident.NoSession {
		return fmt.Errorf("failed to lock vm %s: %w", id, ErrNoSession)
	}
	if !m.machines.Find(id).Available() {
		return fmt.Errorf("failed to lock vm %s: %w", id, ErrVMNotFound)
	}
	if err := m.ops.Register(ctx, id, exclusive.Lock, session, ""); err != nil {
		return fmt.Errorf("failed to lock vm %s: %w", id, err)
	}
	m.logger.Info("vm locked", "vm", id.String(), "session", string(session))
	return nil
}

// Unlock releases the lock session holds on a VM.
func (m *Manager) Unlock(id ident.Identity, session ident.Session) error {
	if err := m.ops.Unregister(id, exclusive.Lock, session); err != nil {
		return err
	}
	m.logger.Info("vm unlocked", "vm", id.String(), "session", string(session))
	return nil
}

// CloseSession releases every lock held by a disconnected session and
// returns how many were released.
func (m *Manager) CloseSession(session ident.Session) int {
	return m.ops.PurgeSession(session)
}

// AdditionalState reports the long-running activities admitted on a VM
// alongside its lifecycle state.
func (m *Manager) AdditionalState(id ident.Identity) status.AdditionalState {
	var a status.AdditionalState
	for _, k := range m.ops.Kinds(id) {
		switch k {
		case exclusive.Clone, exclusive.CloneLinked, exclusive.MigrateClone:
			a |= status.Cloning
		case exclusive.Move:
			a |= status.Moving
		case exclusive.CreateBackup, exclusive.RestoreBackup:
			a |= status.BackingUp
		}
	}
	return a
}
