package libvirt

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// Agent exposes the domain operations driven by the task layer with the
// flag arguments the dispatcher always uses already applied.
//
// It also passes the metadata calls through unchanged, so one Agent
// serves both internal/vm and internal/metadata.
type Agent struct {
	l *libvirt.Libvirt
}

// NewAgent wraps a connected go-libvirt client.
func NewAgent(l *libvirt.Libvirt) *Agent {
	return &Agent{l: l}
}

// LookupDomain finds a domain by its libvirt uuid.
func (a *Agent) LookupDomain(id uuid.UUID) (libvirt.Domain, error) {
	dom, err := a.l.DomainLookupByUUID(libvirt.UUID(id))
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to look up domain %s: %w", id, err)
	}
	return dom, nil
}

// DomainGetState returns the agent's state and reason for dom.
func (a *Agent) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	return a.l.DomainGetState(dom, flags)
}

// Create boots dom, or restores it from its managed save image.
func (a *Agent) Create(dom libvirt.Domain) error {
	return a.l.DomainCreate(dom)
}

// Shutdown asks the guest to power off.
func (a *Agent) Shutdown(dom libvirt.Domain) error {
	return a.l.DomainShutdown(dom)
}

// Destroy stops dom immediately.
func (a *Agent) Destroy(dom libvirt.Domain) error {
	return a.l.DomainDestroy(dom)
}

// Suspend pauses the vcpus of dom.
func (a *Agent) Suspend(dom libvirt.Domain) error {
	return a.l.DomainSuspend(dom)
}

// Resume continues a paused dom.
func (a *Agent) Resume(dom libvirt.Domain) error {
	return a.l.DomainResume(dom)
}

// Reset performs a hard reset of dom.
func (a *Agent) Reset(dom libvirt.Domain) error {
	return a.l.DomainReset(dom, 0)
}

// ManagedSave saves the memory of dom to the agent's state directory and
// stops it. The next Create restores it.
func (a *Agent) ManagedSave(dom libvirt.Domain) error {
	return a.l.DomainManagedSave(dom, 0)
}

// CreateSnapshot takes a snapshot described by xmlDesc.
func (a *Agent) CreateSnapshot(dom libvirt.Domain, xmlDesc string) error {
	_, err := a.l.DomainSnapshotCreateXML(dom, xmlDesc, 0)
	return err
}

// Migrate moves dom to the agent at uri, peer to peer. Running domains
// migrate live; inactive ones migrate their definition only. The source
// definition is removed on success.
func (a *Agent) Migrate(dom libvirt.Domain, uri string, live bool) error {
	flags := libvirt.MigratePeer2peer | libvirt.MigratePersistDest | libvirt.MigrateUndefineSource
	if live {
		flags |= libvirt.MigrateLive
	} else {
		flags |= libvirt.MigrateOffline
	}
	_, err := a.l.DomainMigratePerform3Params(dom, libvirt.OptString{uri}, nil, nil, flags)
	return err
}

// Undefine removes the definition of dom together with its managed save
// image, snapshot metadata and NVRAM.
func (a *Agent) Undefine(dom libvirt.Domain) error {
	return a.l.DomainUndefineFlags(dom,
		libvirt.DomainUndefineManagedSave|libvirt.DomainUndefineSnapshotsMetadata|libvirt.DomainUndefineNvram)
}

// DomainSetMetadata passes through to go-libvirt.
func (a *Agent) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	return a.l.DomainSetMetadata(dom, typ, metadata, key, uri, flags)
}

// DomainGetMetadata passes through to go-libvirt.
func (a *Agent) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	return a.l.DomainGetMetadata(dom, typ, uri, flags)
}
