package vm

import (
	"context"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/ident"
)

// libvirtClient defines the agent operations needed by the tasks.
//
// In production, this is satisfied by *libvirt.Agent from
// internal/libvirt. In tests, this is satisfied by mock implementations.
type libvirtClient interface {
	// LookupDomain looks up a domain by its uuid
	LookupDomain(id uuid.UUID) (libvirt.Domain, error)

	// DomainGetState gets the state of a domain
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)

	// Create starts a domain, restoring a managed save image if present
	Create(dom libvirt.Domain) error

	// Shutdown gracefully shuts down a domain
	Shutdown(dom libvirt.Domain) error

	// Destroy force-stops a domain
	Destroy(dom libvirt.Domain) error

	// Suspend pauses a domain
	Suspend(dom libvirt.Domain) error

	// Resume continues a paused domain
	Resume(dom libvirt.Domain) error

	// Reset hard-resets a domain
	Reset(dom libvirt.Domain) error

	// ManagedSave saves domain memory and stops it
	ManagedSave(dom libvirt.Domain) error

	// CreateSnapshot creates a snapshot from snapshot XML
	CreateSnapshot(dom libvirt.Domain, xmlDesc string) error

	// Migrate migrates a domain to another agent
	Migrate(dom libvirt.Domain, uri string, live bool) error

	// Undefine removes a domain definition with its saved state
	Undefine(dom libvirt.Domain) error

	// DomainSetMetadata and DomainGetMetadata back internal/metadata
	DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error)
}

// directoryStore defines the directory listing operations needed when a
// VM is removed.
//
// In production, this is satisfied by *directory.Store.
// In tests, this is satisfied by mock implementations.
type directoryStore interface {
	// Delete drops the listing row of a VM
	Delete(ctx context.Context, id ident.Identity) error
}
