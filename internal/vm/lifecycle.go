package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/status"
)

// Domain states (from libvirt VIR_DOMAIN_* constants)
const (
	domainStateRunning = 1
	domainStateShutoff = 5
)

// Start boots a stopped VM or restores a suspended one.
func (m *Manager) Start(ctx context.Context, id ident.Identity, session ident.Session) error {
	t := task{name: "start", kind: exclusive.Start, session: session}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		if err := request(mach, status.Starting, "start"); err != nil {
			return err
		}
		if err := m.lv.Create(dom); err != nil {
			return m.revert(mach, fmt.Errorf("failed to start domain: %w", err))
		}
		mach.ApplyEvent(status.Event{Kind: status.EventStarted, Detail: "start task"})
		return nil
	})
}

// Stop shuts a VM down.
//
// Unless force is set the guest is asked to power off first and given
// the configured grace period; a guest still running after that is
// destroyed.
func (m *Manager) Stop(ctx context.Context, id ident.Identity, session ident.Session, force bool) error {
	t := task{name: "stop", session: session}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		if err := request(mach, status.Stopping, "stop"); err != nil {
			return err
		}

		if !force && m.shutdown(ctx, dom) {
			mach.ApplyEvent(status.Event{Kind: status.EventShutdown, Detail: "stop task"})
			return nil
		}

		// Check state one more time
		state, _, err := m.lv.DomainGetState(dom, 0)
		if err != nil {
			m.logger.Info("failed to check state before destroy", "vm", id.String(), "error", err.Error())
		}
		if err != nil || state != domainStateShutoff {
			m.logger.Info("force destroying vm", "vm", id.String())
			if err := m.lv.Destroy(dom); err != nil {
				return m.revert(mach, fmt.Errorf("failed to destroy domain: %w", err))
			}
		}
		mach.ApplyEvent(status.Event{Kind: status.EventStopped, Detail: "stop task"})
		return nil
	})
}

// shutdown requests a graceful shutdown and polls until the domain is off
// or the grace period ends. It reports whether the domain shut down.
func (m *Manager) shutdown(ctx context.Context, dom libvirt.Domain) bool {
	state, _, err := m.lv.DomainGetState(dom, 0)
	if err != nil {
		m.logger.Info("failed to get domain state", "domain", dom.Name, "error", err.Error())
		return false
	}
	if state == domainStateShutoff {
		return true
	}
	if state != domainStateRunning {
		return false
	}

	if err := m.lv.Shutdown(dom); err != nil {
		m.logger.Info("graceful shutdown failed", "domain", dom.Name, "error", err.Error())
		return false
	}

	m.logger.V(1).Info("waiting for graceful shutdown", "domain", dom.Name, "grace", m.stopGrace.String())
	shutdownCtx, cancel := context.WithTimeout(ctx, m.stopGrace)
	defer cancel()

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCtx.Done():
			m.logger.Info("graceful shutdown timed out", "domain", dom.Name)
			return false
		case <-ticker.C:
			current, _, err := m.lv.DomainGetState(dom, 0)
			if err != nil {
				m.logger.Info("failed to check shutdown state", "domain", dom.Name, "error", err.Error())
				return false
			}
			if current == domainStateShutoff {
				m.logger.V(1).Info("vm shut down gracefully", "domain", dom.Name)
				return true
			}
		}
	}
}

// Pause stops the vcpus of a running VM.
func (m *Manager) Pause(ctx context.Context, id ident.Identity, session ident.Session) error {
	t := task{name: "pause", session: session}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		if err := request(mach, status.Pausing, "pause"); err != nil {
			return err
		}
		if err := m.lv.Suspend(dom); err != nil {
			return m.revert(mach, fmt.Errorf("failed to pause domain: %w", err))
		}
		mach.ApplyEvent(status.Event{Kind: status.EventPaused, Detail: "pause task"})
		return nil
	})
}

// Resume continues a paused VM or restores a suspended one.
func (m *Manager) Resume(ctx context.Context, id ident.Identity, session ident.Session) error {
	t := task{name: "resume", kind: exclusive.Resume, session: session}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		s, _ := mach.State()
		switch s {
		case status.Paused:
			if err := request(mach, status.Continuing, "resume"); err != nil {
				return err
			}
			if err := m.lv.Resume(dom); err != nil {
				return m.revert(mach, fmt.Errorf("failed to resume domain: %w", err))
			}
			mach.ApplyEvent(status.Event{Kind: status.EventContinued, Detail: "resume task"})
			return nil

		case status.Suspended:
			if err := request(mach, status.Resuming, "resume"); err != nil {
				return err
			}
			if err := m.lv.Create(dom); err != nil {
				return m.revert(mach, fmt.Errorf("failed to restore domain: %w", err))
			}
			mach.ApplyEvent(status.Event{Kind: status.EventStarted, Detail: "resume task"})
			return nil
		}
		return &status.TransitionError{From: s, To: status.Running}
	})
}

// Suspend saves the memory of a VM to disk and stops it.
//
// The machine passes through SuspendingSync: the first Suspended
// notification only confirms the save image is on disk, the second one
// completes the suspend. The agent delivers one of them and the task
// the other, in either order.
func (m *Manager) Suspend(ctx context.Context, id ident.Identity, session ident.Session) error {
	t := task{name: "suspend", session: session}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		if err := request(mach, status.Suspending, "suspend"); err != nil {
			return err
		}
		if err := m.lv.ManagedSave(dom); err != nil {
			return m.revert(mach, fmt.Errorf("failed to save domain: %w", err))
		}
		mach.ApplyEvent(status.Event{Kind: status.EventSuspended, Detail: "suspend task"})

		if _, err := mach.WaitForState(ctx, status.Suspended); err != nil {
			return m.settleSuspend(mach, dom, err)
		}
		return nil
	})
}

// settleSuspend moves a machine whose suspend was never confirmed out of
// the suspending states, using the domain state reported by the agent.
// It returns err.
func (m *Manager) settleSuspend(mach *status.Machine, dom libvirt.Domain, err error) error {
	state, _, serr := m.lv.DomainGetState(dom, 0)
	switch {
	case serr != nil:
		m.logger.Info("failed to check state after suspend", "domain", dom.Name, "error", serr.Error())
		return m.revert(mach, err)
	case state == domainStateShutoff:
		// Suspended when the save files made it to disk, Stopped otherwise.
		mach.ApplyEvent(status.Event{Kind: status.EventStopped, Detail: "suspend task settled"})
	default:
		mach.ApplyEvent(status.Event{Kind: status.EventStarted, Detail: "suspend task settled"})
	}
	s, _ := mach.State()
	m.logger.Info("suspend not confirmed", "domain", dom.Name, "state", string(s))
	return err
}

// Reset hard-resets a running or paused VM.
func (m *Manager) Reset(ctx context.Context, id ident.Identity, session ident.Session) error {
	t := task{name: "reset", session: session}
	return m.run(ctx, id, t, func(ctx context.Context, mach *status.Machine, dom libvirt.Domain) error {
		if err := request(mach, status.Resetting, "reset"); err != nil {
			return err
		}
		if err := m.lv.Reset(dom); err != nil {
			return m.revert(mach, fmt.Errorf("failed to reset domain: %w", err))
		}
		mach.ApplyEvent(status.Event{Kind: status.EventReset, Detail: "reset task"})
		return nil
	})
}
