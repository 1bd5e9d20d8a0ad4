package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/directory"
	"github.com/jbweber/crucible/internal/events"
	"github.com/jbweber/crucible/internal/ident"
	virt "github.com/jbweber/crucible/internal/libvirt"
	"github.com/jbweber/crucible/internal/metadata"
	"github.com/jbweber/crucible/internal/registry"
)

// listingStore is the part of the directory store used by the daemon.
type listingStore interface {
	Put(ctx context.Context, e directory.Entry) error
	List(ctx context.Context) ([]directory.Entry, error)
	Delete(ctx context.Context, id ident.Identity) error
}

// domainSource describes the domains of the agent.
type domainSource interface {
	ListDomains(ctx context.Context) ([]virt.DomainInfo, error)
	InspectDomain(ctx context.Context, id uuid.UUID) (virt.DomainInfo, error)
	LoadRecord(dom libvirt.Domain) (*metadata.Record, error)
}

// agentSource is the domainSource backed by a libvirt connection.
type agentSource struct {
	l      *libvirt.Libvirt
	daemon *Daemon
}

func (s agentSource) ListDomains(ctx context.Context) ([]virt.DomainInfo, error) {
	return virt.ListDomains(ctx, s.l, s.daemon.logger)
}

func (s agentSource) InspectDomain(_ context.Context, id uuid.UUID) (virt.DomainInfo, error) {
	return virt.InspectDomain(s.l, id)
}

func (s agentSource) LoadRecord(dom libvirt.Domain) (*metadata.Record, error) {
	if !metadata.Exists(s.l, dom) {
		return nil, nil
	}
	return metadata.Load(s.l, dom)
}

// Discover brings the machine registry in line with the agent: every
// domain gets a directory row, the registry is reset from the listing and
// each domain is adopted with its current state.
func (d *Daemon) Discover(ctx context.Context) error {
	infos, err := d.source.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover domains: %w", err)
	}

	found := make([]discovered, 0, len(infos))
	for _, info := range infos {
		dom, err := d.register(ctx, info)
		if err != nil {
			return err
		}
		found = append(found, dom)
	}

	rows, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read directory listing: %w", err)
	}
	listing := make([]registry.Entry, 0, len(rows))
	for _, row := range rows {
		listing = append(listing, registry.Entry{ID: row.ID, Home: row.Home})
	}
	d.mgr.Machines().ResetAll(listing)

	for _, dom := range found {
		if err := d.mgr.Adopt(dom.id, dom.info.Name, dom.home, dom.info.State, dom.info.Reason); err != nil {
			return err
		}
	}

	d.logger.Info("discovery finished", "domains", len(found), "listed", len(rows))
	return nil
}

type discovered struct {
	id   ident.Identity
	home string
	info virt.DomainInfo
}

// register resolves the identity of a domain and records it in the
// directory listing. The dispatcher record on the domain names its
// directory; domains without one belong to the default directory.
func (d *Daemon) register(ctx context.Context, info virt.DomainInfo) (discovered, error) {
	dir := d.defaultDir
	home := info.Home

	rec, err := d.source.LoadRecord(info.Domain)
	switch {
	case err != nil:
		d.logger.Error(err, "ignoring unreadable dispatcher record", "domain", info.Name)
	case rec != nil:
		if u, err := rec.DirUUID(); err == nil {
			dir = u
		} else {
			d.logger.Error(err, "ignoring directory of dispatcher record", "domain", info.Name)
		}
		if rec.Home != "" {
			home = rec.Home
		}
	}

	id := ident.New(info.UUID, dir)
	if err := d.store.Put(ctx, directory.Entry{ID: id, Name: info.Name, Home: home}); err != nil {
		return discovered{}, fmt.Errorf("failed to register domain %s: %w", info.Name, err)
	}
	return discovered{id: id, home: home, info: info}, nil
}

// queueDefinition hands a Defined or Undefined notification to the
// definition loop. It never blocks the dispatcher: when the queue is full
// the notification is dropped and logged.
func (d *Daemon) queueDefinition(raw events.RawEvent) {
	select {
	case d.definitions <- raw:
	default:
		d.logger.Error(errors.New("definition queue full"), "dropping definition event", "event", raw.String())
	}
}

// runDefinitions applies queued definition changes until ctx is done.
func (d *Daemon) runDefinitions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-d.definitions:
			d.handleDefinition(ctx, raw)
		}
	}
}

func (d *Daemon) handleDefinition(ctx context.Context, raw events.RawEvent) {
	id, known := d.mgr.Resolve(raw.Domain, raw.Name)

	switch raw.Event {
	case events.EventUndefined:
		if !known {
			return
		}
		d.mgr.Remove(id)
		if err := d.store.Delete(ctx, id); err != nil && !errors.Is(err, directory.ErrNotFound) {
			d.logger.Error(err, "failed to remove directory entry", "vm", id.String())
		}
		d.logger.Info("domain undefined", "vm", id.String(), "name", raw.Name)

	case events.EventDefined:
		if known {
			return
		}
		info, err := d.source.InspectDomain(ctx, raw.Domain)
		if err != nil {
			d.logger.Error(err, "failed to inspect defined domain", "domain", raw.Domain.String())
			return
		}
		dom, err := d.register(ctx, info)
		if err != nil {
			d.logger.Error(err, "failed to register defined domain", "domain", info.Name)
			return
		}
		if err := d.mgr.Adopt(dom.id, info.Name, dom.home, info.State, info.Reason); err != nil {
			d.logger.Error(err, "failed to adopt defined domain", "domain", info.Name)
			return
		}
		d.logger.Info("domain defined", "vm", dom.id.String(), "name", info.Name)
	}
}
