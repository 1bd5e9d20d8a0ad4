package events

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/metrics"
	"github.com/jbweber/crucible/internal/registry"
	"github.com/jbweber/crucible/internal/status"
)

// Outcome labels recorded for every handled notification.
const (
	OutcomeApplied      = "applied"
	OutcomeIgnored      = "ignored"
	OutcomeNoMachine    = "no-machine"
	OutcomeUnresolved   = "unresolved"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnrecognized = "unrecognized"
	OutcomeDefinition   = "definition"
)

// Resolver maps an agent domain to the VM identity it belongs to.
type Resolver interface {
	Resolve(domain uuid.UUID, name string) (ident.Identity, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(domain uuid.UUID, name string) (ident.Identity, bool)

func (f ResolverFunc) Resolve(domain uuid.UUID, name string) (ident.Identity, bool) {
	return f(domain, name)
}

// DefinitionHandler receives lifecycle Defined and Undefined
// notifications, which change registry membership rather than machine
// state.
type DefinitionHandler func(raw RawEvent)

// Dispatcher routes agent notifications to the machines in a registry.
// It never blocks on I/O; the only callout is a machine's suspend file check.
type Dispatcher struct {
	reg      *registry.Registry
	resolver Resolver
	logger   logr.Logger
	metrics  *metrics.Metrics

	onDefinition DefinitionHandler

	mu      sync.Mutex
	lastSeq map[uuid.UUID]uint64
}

// NewDispatcher returns a dispatcher applying events to machines in reg.
func NewDispatcher(reg *registry.Registry, resolver Resolver, logger logr.Logger) *Dispatcher {
	return &Dispatcher{
		reg:      reg,
		resolver: resolver,
		logger:   logger.WithName("events"),
		lastSeq:  make(map[uuid.UUID]uint64),
	}
}

// WithMetrics attaches a metrics collector.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// OnDefinition installs the handler for domain definition changes.
func (d *Dispatcher) OnDefinition(fn DefinitionHandler) *Dispatcher {
	d.onDefinition = fn
	return d
}

// Dispatch applies ev to the live machine of id. It reports whether a
// machine was found. An absent machine is not an error.
func (d *Dispatcher) Dispatch(id ident.Identity, ev status.Event) bool {
	return d.dispatch(id, ev, "direct") != OutcomeNoMachine
}

func (d *Dispatcher) dispatch(id ident.Identity, ev status.Event, source string) string {
	var prev, next status.State
	found := d.reg.Find(id).Do(func(m *status.Machine) {
		prev, next = m.ApplyEvent(ev)
	})

	outcome := OutcomeApplied
	switch {
	case !found:
		d.logger.V(1).Info("event for unknown vm dropped", "vm", id.String(), "event", ev.String())
		outcome = OutcomeNoMachine
	case prev == next:
		outcome = OutcomeIgnored
	}
	d.metrics.IncEvent(source, outcome)
	return outcome
}

// Handle resolves, deduplicates, translates and dispatches one raw
// notification, returning the outcome label.
func (d *Dispatcher) Handle(raw RawEvent) string {
	source := raw.Source.String()

	if raw.Seq != 0 && !d.advance(raw.Domain, raw.Seq) {
		d.logger.V(1).Info("duplicate event dropped", "event", raw.String())
		d.metrics.IncEvent(source, OutcomeDuplicate)
		return OutcomeDuplicate
	}

	if raw.Source == Lifecycle && (raw.Event == EventDefined || raw.Event == EventUndefined) {
		if raw.Event == EventUndefined {
			d.Forget(raw.Domain)
		}
		if d.onDefinition != nil {
			d.onDefinition(raw)
		}
		d.metrics.IncEvent(source, OutcomeDefinition)
		return OutcomeDefinition
	}

	ev, ok := Translate(raw)
	if !ok {
		d.logger.V(1).Info("unrecognized event dropped", "event", raw.String())
		d.metrics.IncEvent(source, OutcomeUnrecognized)
		return OutcomeUnrecognized
	}

	id, ok := d.resolver.Resolve(raw.Domain, raw.Name)
	if !ok {
		d.logger.V(1).Info("event for unmanaged domain dropped", "domain", raw.Domain.String(), "name", raw.Name)
		d.metrics.IncEvent(source, OutcomeUnresolved)
		return OutcomeUnresolved
	}

	return d.dispatch(id, ev, source)
}

// Run handles notifications from ch until it is closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			d.Handle(raw)
		}
	}
}

// Forget drops the sequence tracking of a domain.
func (d *Dispatcher) Forget(domain uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastSeq, domain)
}

func (d *Dispatcher) advance(domain uuid.UUID, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSeq[domain]; ok && seq <= last {
		return false
	}
	d.lastSeq[domain] = seq
	return true
}
