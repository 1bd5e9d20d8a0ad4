package libvirt

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"libvirt.org/go/libvirtxml"
)

// discoveryConcurrency bounds the per-domain inspection calls in flight.
const discoveryConcurrency = 8

// DomainInfo is what discovery learns about one libvirt domain.
type DomainInfo struct {
	Domain libvirt.Domain
	UUID   uuid.UUID
	Name   string
	// Home is the directory holding the domain's first file-backed disk,
	// or empty when it has none.
	Home   string
	State  int32
	Reason int32
}

// discoveryClient defines the libvirt operations needed for discovery.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
type discoveryClient interface {
	ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error)
}

// lookupClient adds uuid lookup to discoveryClient.
type lookupClient interface {
	discoveryClient
	DomainLookupByUUID(UUID libvirt.UUID) (libvirt.Domain, error)
}

// ParseDomainXML parses a domain XML description.
func ParseDomainXML(data string) (*libvirtxml.Domain, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	return &dom, nil
}

// HomeFromDomain returns the directory of the first disk backed by a
// plain file.
func HomeFromDomain(dom *libvirtxml.Domain) string {
	if dom == nil || dom.Devices == nil {
		return ""
	}
	for _, disk := range dom.Devices.Disks {
		if disk.Device != "" && disk.Device != "disk" {
			continue
		}
		if disk.Source == nil || disk.Source.File == nil || disk.Source.File.File == "" {
			continue
		}
		return filepath.Dir(disk.Source.File.File)
	}
	return ""
}

// ListDomains inspects every defined domain, active or not. Domains that
// disappear or fail to describe themselves while being inspected are
// logged and skipped. The result is ordered by domain name.
func ListDomains(ctx context.Context, lv discoveryClient, logger logr.Logger) ([]DomainInfo, error) {
	// NeedResults: 1 means populate the domains slice
	// Flags: 0 means all domains (active and inactive)
	domains, _, err := lv.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	var (
		mu    sync.Mutex
		infos = make([]DomainInfo, 0, len(domains))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)
	for _, dom := range domains {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := inspectDomain(lv, dom)
			if err != nil {
				logger.Error(err, "skipping domain", "domain", dom.Name)
				return nil
			}
			mu.Lock()
			infos = append(infos, info)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to inspect domains: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// InspectDomain describes the single domain with the given uuid.
func InspectDomain(lv lookupClient, id uuid.UUID) (DomainInfo, error) {
	dom, err := lv.DomainLookupByUUID(libvirt.UUID(id))
	if err != nil {
		return DomainInfo{}, fmt.Errorf("failed to look up domain %s: %w", id, err)
	}
	return inspectDomain(lv, dom)
}

func inspectDomain(lv discoveryClient, dom libvirt.Domain) (DomainInfo, error) {
	state, reason, err := lv.DomainGetState(dom, 0)
	if err != nil {
		return DomainInfo{}, fmt.Errorf("failed to get domain state: %w", err)
	}

	desc, err := lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return DomainInfo{}, fmt.Errorf("failed to get domain XML: %w", err)
	}
	parsed, err := ParseDomainXML(desc)
	if err != nil {
		return DomainInfo{}, err
	}

	return DomainInfo{
		Domain: dom,
		UUID:   uuid.UUID(dom.UUID),
		Name:   dom.Name,
		Home:   HomeFromDomain(parsed),
		State:  state,
		Reason: reason,
	}, nil
}
