package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/directory"
	"github.com/jbweber/crucible/internal/events"
	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	virt "github.com/jbweber/crucible/internal/libvirt"
	"github.com/jbweber/crucible/internal/metadata"
	"github.com/jbweber/crucible/internal/status"
	"github.com/jbweber/crucible/internal/vm"
)

type fakeSource struct {
	mu      sync.Mutex
	domains []virt.DomainInfo
	records map[string]*metadata.Record
	listErr error
	onList  func()
}

func (s *fakeSource) add(info virt.DomainInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains = append(s.domains, info)
}

func (s *fakeSource) ListDomains(context.Context) ([]virt.DomainInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onList != nil {
		s.onList()
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]virt.DomainInfo(nil), s.domains...), nil
}

func (s *fakeSource) InspectDomain(_ context.Context, id uuid.UUID) (virt.DomainInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.domains {
		if info.UUID == id {
			return info, nil
		}
	}
	return virt.DomainInfo{}, errors.New("domain not found")
}

func (s *fakeSource) LoadRecord(dom libvirt.Domain) (*metadata.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[dom.Name], nil
}

func domainInfo(name string, state int32, home string) virt.DomainInfo {
	id := uuid.New()
	return virt.DomainInfo{
		Domain: libvirt.Domain{Name: name, UUID: libvirt.UUID(id)},
		UUID:   id,
		Name:   name,
		Home:   home,
		State:  state,
	}
}

func newTestDaemon(t *testing.T, src *fakeSource) (*Daemon, *directory.Store) {
	t.Helper()

	store, err := directory.Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Metrics.Listen = ""

	ops := exclusive.NewRegistry(logr.Discard())
	mgr := vm.NewManager(ops, virt.NewAgent(nil), store, t.TempDir(), logr.Discard())
	return newDaemon(cfg, mgr, store, src, nil, logr.Discard()), store
}

func stateOf(t *testing.T, d *Daemon, id ident.Identity) status.State {
	t.Helper()
	var s status.State
	require.True(t, d.mgr.Machines().Find(id).Do(func(m *status.Machine) { s, _ = m.State() }), "machine %s not found", id)
	return s
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	dbDir := uuid.New()

	web := domainInfo("web-01", events.DomainRunning, "/srv/vms/web-01")
	db := domainInfo("db-01", events.DomainShutoff, "/srv/vms/db-01")
	src := &fakeSource{
		domains: []virt.DomainInfo{web, db},
		records: map[string]*metadata.Record{
			"db-01": {Directory: dbDir.String(), Home: "/data/db-01", Generation: 3},
		},
	}
	d, store := newTestDaemon(t, src)

	// A listed VM whose domain is gone stays booked.
	stale := ident.New(uuid.New(), uuid.Nil)
	require.NoError(t, store.Put(ctx, directory.Entry{ID: stale, Name: "old-01", Home: "/srv/vms/old-01"}))

	require.NoError(t, d.Discover(ctx))

	webID := ident.New(web.UUID, uuid.Nil)
	dbID := ident.New(db.UUID, dbDir)

	assert.Equal(t, status.Running, stateOf(t, d, webID))
	assert.Equal(t, status.Stopped, stateOf(t, d, dbID))

	rows := d.mgr.List(ctx)
	require.Len(t, rows, 2)
	assert.Equal(t, "db-01", rows[0].Name)
	assert.Equal(t, "/data/db-01", rows[0].Home)
	assert.Equal(t, "web-01", rows[1].Name)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	booked, defined, _ := d.mgr.Machines().Membership(stale)
	assert.True(t, booked)
	assert.False(t, defined)

	assert.Equal(t, []exclusive.Kind{exclusive.StartEx}, d.mgr.Operations().Kinds(webID))
}

func TestDiscover_Twice(t *testing.T) {
	ctx := context.Background()
	web := domainInfo("web-01", events.DomainRunning, "/srv/vms/web-01")
	src := &fakeSource{domains: []virt.DomainInfo{web}}
	d, store := newTestDaemon(t, src)

	require.NoError(t, d.Discover(ctx))
	require.NoError(t, d.Discover(ctx))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, status.Running, stateOf(t, d, ident.New(web.UUID, uuid.Nil)))
}

func TestHandleDefinition(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	d, store := newTestDaemon(t, src)
	require.NoError(t, d.Discover(ctx))

	web := domainInfo("web-01", events.DomainShutoff, "/srv/vms/web-01")
	src.add(web)
	id := ident.New(web.UUID, uuid.Nil)

	d.handleDefinition(ctx, events.RawEvent{Source: events.Lifecycle, Domain: web.UUID, Name: "web-01", Event: events.EventDefined})

	got, ok := d.mgr.Resolve(web.UUID, "web-01")
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, status.Stopped, stateOf(t, d, id))

	entry, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/srv/vms/web-01", entry.Home)

	d.handleDefinition(ctx, events.RawEvent{Source: events.Lifecycle, Domain: web.UUID, Name: "web-01", Event: events.EventUndefined})

	_, ok = d.mgr.Resolve(web.UUID, "web-01")
	assert.False(t, ok)
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, directory.ErrNotFound)
	_, defined, _ := d.mgr.Machines().Membership(id)
	assert.False(t, defined)
}

func TestHandleDefinition_UnknownDomainIgnored(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDaemon(t, &fakeSource{})

	d.handleDefinition(ctx, events.RawEvent{Source: events.Lifecycle, Domain: uuid.New(), Event: events.EventUndefined})
	d.handleDefinition(ctx, events.RawEvent{Source: events.Lifecycle, Domain: uuid.New(), Event: events.EventDefined})

	assert.Empty(t, d.mgr.Machines().Defined())
}

// scriptedPump emits its events once forwarding starts, then waits for
// cancellation.
type scriptedPump struct {
	mu           sync.Mutex
	events       []events.RawEvent
	subscribeErr error
	subscribed   bool
}

func (p *scriptedPump) Subscribe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.subscribed = true
	return nil
}

func (p *scriptedPump) isSubscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}

func (p *scriptedPump) Forward(ctx context.Context, out chan<- events.RawEvent) error {
	for _, raw := range p.events {
		select {
		case out <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestServe(t *testing.T) {
	web := domainInfo("web-01", events.DomainRunning, "/srv/vms/web-01")
	d, _ := newTestDaemon(t, &fakeSource{domains: []virt.DomainInfo{web}})
	id := ident.New(web.UUID, uuid.Nil)

	pump := &scriptedPump{events: []events.RawEvent{
		{Source: events.Lifecycle, Domain: web.UUID, Name: "web-01", Event: events.EventSuspended, Detail: events.SuspendedPaused, Seq: 1},
		{Source: events.Lifecycle, Domain: web.UUID, Name: "web-01", Event: events.EventSuspended, Detail: events.SuspendedPaused, Seq: 1},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, pump, 16) }()

	assert.Eventually(t, func() bool {
		var s status.State
		d.mgr.Machines().Find(id).Do(func(m *status.Machine) { s, _ = m.State() })
		return s == status.Paused
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_Definitions(t *testing.T) {
	web := domainInfo("web-01", events.DomainShutoff, "/srv/vms/web-01")
	d, _ := newTestDaemon(t, &fakeSource{domains: []virt.DomainInfo{web}})

	pump := &scriptedPump{events: []events.RawEvent{
		{Source: events.Lifecycle, Domain: web.UUID, Name: "web-01", Event: events.EventUndefined, Seq: 1},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, pump, 16) }()

	assert.Eventually(t, func() bool {
		_, ok := d.mgr.Resolve(web.UUID, "web-01")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestServe_SubscribesBeforeDiscovery(t *testing.T) {
	web := domainInfo("web-01", events.DomainRunning, "/srv/vms/web-01")
	id := ident.New(web.UUID, uuid.Nil)

	// The domain pauses while discovery is listing it; the event sits in
	// the subscription until the dispatcher starts.
	pump := &scriptedPump{events: []events.RawEvent{
		{Source: events.Lifecycle, Domain: web.UUID, Name: "web-01", Event: events.EventSuspended, Detail: events.SuspendedPaused, Seq: 1},
	}}
	src := &fakeSource{domains: []virt.DomainInfo{web}}
	var subscribedAtList bool
	src.onList = func() { subscribedAtList = pump.isSubscribed() }
	d, _ := newTestDaemon(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx, pump, 16) }()

	assert.Eventually(t, func() bool {
		var s status.State
		d.mgr.Machines().Find(id).Do(func(m *status.Machine) { s, _ = m.State() })
		return s == status.Paused
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, subscribedAtList, "domains listed before event subscription")
}

func TestServe_SubscribeFailure(t *testing.T) {
	src := &fakeSource{}
	listed := false
	src.onList = func() { listed = true }
	d, _ := newTestDaemon(t, src)

	pump := &scriptedPump{subscribeErr: errors.New("not connected")}
	err := d.serve(context.Background(), pump, 16)

	assert.Error(t, err)
	assert.False(t, listed, "discovery ran without an event subscription")
}

func TestServe_DiscoveryFailureStopsPump(t *testing.T) {
	src := &fakeSource{listErr: errors.New("connection reset")}
	d, _ := newTestDaemon(t, src)

	done := make(chan error, 1)
	go func() { done <- d.serve(context.Background(), &scriptedPump{}, 16) }()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "connection reset")
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestReadOnlyStore(t *testing.T) {
	ctx := context.Background()
	store, err := directory.Open(filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	id := ident.New(uuid.New(), uuid.Nil)
	require.NoError(t, store.Put(ctx, directory.Entry{ID: id, Name: "web-01"}))

	ro := readOnlyStore{store}
	require.NoError(t, ro.Put(ctx, directory.Entry{ID: ident.New(uuid.New(), uuid.Nil), Name: "db-01"}))
	require.NoError(t, ro.Delete(ctx, id))

	entries, err := ro.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
}

func TestCompact_UnknownVM(t *testing.T) {
	d, _ := newTestDaemon(t, &fakeSource{})
	require.NotNil(t, d.compact)

	err := d.Compact(context.Background(), ident.New(uuid.New(), uuid.New()), "s1")
	assert.ErrorIs(t, err, vm.ErrVMNotFound)
}
