// Package daemon runs the dispatcher service: it holds the single
// instance lock, discovers the domains of the local agent, pumps agent
// events into the machine registry and serves metrics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/directory"
	"github.com/jbweber/crucible/internal/disk"
	"github.com/jbweber/crucible/internal/events"
	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	virt "github.com/jbweber/crucible/internal/libvirt"
	"github.com/jbweber/crucible/internal/metrics"
	"github.com/jbweber/crucible/internal/vm"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	definitionQueue   = 64
)

// Daemon wires the dispatcher components of one host.
type Daemon struct {
	cfg        *config.DaemonConfig
	logger     logr.Logger
	metrics    *metrics.Metrics
	store      listingStore
	source     domainSource
	mgr        *vm.Manager
	dispatcher *events.Dispatcher
	defaultDir uuid.UUID
	compact    vm.CompactFunc

	definitions chan events.RawEvent
}

func newDaemon(cfg *config.DaemonConfig, mgr *vm.Manager, store listingStore, source domainSource, m *metrics.Metrics, logger logr.Logger) *Daemon {
	d := &Daemon{
		cfg:         cfg,
		logger:      logger.WithName("daemon"),
		metrics:     m,
		store:       store,
		source:      source,
		mgr:         mgr,
		defaultDir:  cfg.DefaultDirUUID(),
		compact:     disk.NewCompactor(cfg.Tasks.QemuImg, logger).Compact,
		definitions: make(chan events.RawEvent, definitionQueue),
	}
	d.dispatcher = events.NewDispatcher(mgr.Machines(), mgr, logger).
		WithMetrics(m).
		OnDefinition(d.queueDefinition)
	return d
}

// Manager returns the task manager of the daemon.
func (d *Daemon) Manager() *vm.Manager {
	return d.mgr
}

// Compact compacts the disks of a stopped VM on behalf of session.
func (d *Daemon) Compact(ctx context.Context, id ident.Identity, session ident.Session) error {
	return d.mgr.Compact(ctx, id, session, d.compact)
}

// Run starts the daemon described by cfg and serves until ctx is done.
func Run(ctx context.Context, cfg *config.DaemonConfig, logger logr.Logger) error {
	lock, err := acquirePidLock(cfg.PidFile())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error(err, "failed to release pid lock")
		}
	}()

	buffer, err := cfg.EventBufferSize()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := directory.Open(cfg.Directory.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client, err := virt.ConnectWithContext(ctx, cfg.Libvirt.Socket, cfg.Libvirt.Timeout)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	m := metrics.New()
	ops := exclusive.NewRegistry(logger).
		WithMetrics(m).
		WithAdmissionTimeout(cfg.Exclusive.AdmissionTimeout)
	mgr := vm.NewManager(ops, virt.NewAgent(client.Libvirt()), store, cfg.Paths.StateDir, logger).
		WithMetrics(m).
		WithTimeouts(cfg.Tasks.Timeout, cfg.Tasks.StopGrace)

	d := newDaemon(cfg, mgr, store, nil, m, logger)
	d.source = agentSource{l: client.Libvirt(), daemon: d}

	return d.serve(ctx, virt.NewEventPump(client.Libvirt(), logger), buffer)
}

// eventSource produces raw agent events.
type eventSource interface {
	Subscribe(ctx context.Context) error
	Forward(ctx context.Context, out chan<- events.RawEvent) error
}

// serve subscribes to agent events, discovers the domains, then runs the
// event loops and the metrics endpoint until ctx is done or one of them
// fails. Events raised during discovery are queued and applied once the
// dispatcher starts.
func (d *Daemon) serve(parent context.Context, pump eventSource, buffer int) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := pump.Subscribe(ctx); err != nil {
		return err
	}

	raw := make(chan events.RawEvent, buffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump.Forward(gctx, raw) })

	if err := d.Discover(gctx); err != nil {
		cancel()
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			return werr
		}
		return err
	}

	g.Go(func() error { return d.dispatcher.Run(gctx, raw) })
	g.Go(func() error { return d.runDefinitions(gctx) })
	if d.cfg.Metrics.Listen != "" {
		g.Go(func() error { return d.serveMetrics(gctx) })
	}

	d.logger.Info("daemon started", "buffer", buffer, "metrics", d.cfg.Metrics.Listen)
	err := g.Wait()
	if errors.Is(err, context.Canceled) && parent.Err() != nil {
		d.logger.Info("daemon stopped")
		return nil
	}
	return err
}

func (d *Daemon) serveMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.Metrics.Listen,
		Handler:           d.metrics.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// readOnlyStore keeps the directory listing unchanged during a one-shot
// discovery.
type readOnlyStore struct {
	*directory.Store
}

func (readOnlyStore) Put(context.Context, directory.Entry) error { return nil }

func (readOnlyStore) Delete(context.Context, ident.Identity) error { return nil }

// Snapshot discovers the domains of the agent once, without taking the
// daemon lock or writing the directory listing, and returns their rows.
func Snapshot(ctx context.Context, cfg *config.DaemonConfig, logger logr.Logger) ([]vm.Row, error) {
	store, err := directory.Open(cfg.Directory.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	client, err := virt.ConnectWithContext(ctx, cfg.Libvirt.Socket, cfg.Libvirt.Timeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	ro := readOnlyStore{store}
	mgr := vm.NewManager(exclusive.NewRegistry(logger), virt.NewAgent(client.Libvirt()), ro, cfg.Paths.StateDir, logger)
	d := newDaemon(cfg, mgr, ro, nil, nil, logger)
	d.source = agentSource{l: client.Libvirt(), daemon: d}

	if err := d.Discover(ctx); err != nil {
		return nil, err
	}
	return mgr.List(ctx), nil
}
