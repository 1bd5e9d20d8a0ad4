package vm

import (
	"context"
	"errors"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/ident"
)

var errMetadataNotFound = errors.New("metadata not found")

// mockLibvirtClient is a mock implementation of the libvirtClient interface for testing.
type mockLibvirtClient struct {
	mu sync.Mutex

	// Configurable behavior
	lookupDomainFunc   func(id uuid.UUID) (libvirt.Domain, error)
	domainGetStateFunc func(dom libvirt.Domain, flags uint32) (int32, int32, error)
	createFunc         func(dom libvirt.Domain) error
	shutdownFunc       func(dom libvirt.Domain) error
	destroyFunc        func(dom libvirt.Domain) error
	suspendFunc        func(dom libvirt.Domain) error
	resumeFunc         func(dom libvirt.Domain) error
	resetFunc          func(dom libvirt.Domain) error
	managedSaveFunc    func(dom libvirt.Domain) error
	createSnapshotFunc func(dom libvirt.Domain, xmlDesc string) error
	migrateFunc        func(dom libvirt.Domain, uri string, live bool) error
	undefineFunc       func(dom libvirt.Domain) error

	// Metadata storage
	metadataValue  string
	setMetadataErr error

	// Call tracking
	lookupDomainCalls   []uuid.UUID
	domainGetStateCalls int
	createCalls         int
	shutdownCalls       int
	destroyCalls        int
	suspendCalls        int
	resumeCalls         int
	resetCalls          int
	managedSaveCalls    int
	createSnapshotCalls []string
	migrateCalls        []migrateCall
	undefineCalls       int
	setMetadataCalls    int
}

type migrateCall struct {
	uri  string
	live bool
}

// newMockLibvirtClient creates a new mock libvirt client with default behavior.
func newMockLibvirtClient() *mockLibvirtClient {
	ok := func(libvirt.Domain) error { return nil }
	return &mockLibvirtClient{
		// Default: every domain exists
		lookupDomainFunc: func(id uuid.UUID) (libvirt.Domain, error) {
			return libvirt.Domain{Name: "test-vm", UUID: libvirt.UUID(id)}, nil
		},
		// Default: domain state is running
		domainGetStateFunc: func(dom libvirt.Domain, flags uint32) (int32, int32, error) {
			return domainStateRunning, 0, nil
		},
		createFunc:      ok,
		shutdownFunc:    ok,
		destroyFunc:     ok,
		suspendFunc:     ok,
		resumeFunc:      ok,
		resetFunc:       ok,
		managedSaveFunc: ok,
		createSnapshotFunc: func(dom libvirt.Domain, xmlDesc string) error {
			return nil
		},
		migrateFunc: func(dom libvirt.Domain, uri string, live bool) error {
			return nil
		},
		undefineFunc: ok,
	}
}

func (m *mockLibvirtClient) LookupDomain(id uuid.UUID) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupDomainCalls = append(m.lookupDomainCalls, id)
	return m.lookupDomainFunc(id)
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainGetStateCalls++
	return m.domainGetStateFunc(dom, flags)
}

func (m *mockLibvirtClient) Create(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	return m.createFunc(dom)
}

func (m *mockLibvirtClient) Shutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls++
	return m.shutdownFunc(dom)
}

func (m *mockLibvirtClient) Destroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls++
	return m.destroyFunc(dom)
}

func (m *mockLibvirtClient) Suspend(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspendCalls++
	return m.suspendFunc(dom)
}

func (m *mockLibvirtClient) Resume(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCalls++
	return m.resumeFunc(dom)
}

func (m *mockLibvirtClient) Reset(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	return m.resetFunc(dom)
}

func (m *mockLibvirtClient) ManagedSave(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managedSaveCalls++
	return m.managedSaveFunc(dom)
}

func (m *mockLibvirtClient) CreateSnapshot(dom libvirt.Domain, xmlDesc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createSnapshotCalls = append(m.createSnapshotCalls, xmlDesc)
	return m.createSnapshotFunc(dom, xmlDesc)
}

func (m *mockLibvirtClient) Migrate(dom libvirt.Domain, uri string, live bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrateCalls = append(m.migrateCalls, migrateCall{uri: uri, live: live})
	return m.migrateFunc(dom, uri, live)
}

func (m *mockLibvirtClient) Undefine(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undefineCalls++
	return m.undefineFunc(dom)
}

// DomainSetMetadata stores the value so a following DomainGetMetadata
// returns it, like the agent does.
func (m *mockLibvirtClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setMetadataCalls++
	if m.setMetadataErr != nil {
		return m.setMetadataErr
	}
	if len(metadata) > 0 {
		m.metadataValue = metadata[0]
	}
	return nil
}

func (m *mockLibvirtClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metadataValue == "" {
		return "", errMetadataNotFound
	}
	return m.metadataValue, nil
}

// mockDirectoryStore is a mock implementation of the directoryStore interface for testing.
type mockDirectoryStore struct {
	mu sync.Mutex

	deleteFunc  func(ctx context.Context, id ident.Identity) error
	deleteCalls []ident.Identity
}

func newMockDirectoryStore() *mockDirectoryStore {
	return &mockDirectoryStore{
		deleteFunc: func(ctx context.Context, id ident.Identity) error {
			return nil
		},
	}
}

func (m *mockDirectoryStore) Delete(ctx context.Context, id ident.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, id)
	return m.deleteFunc(ctx, id)
}
