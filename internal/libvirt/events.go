package libvirt

import (
	"context"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/events"
)

// ErrEventStreamClosed is returned when libvirt closes the lifecycle
// event stream, which happens when the connection drops.
var ErrEventStreamClosed = errors.New("libvirt event stream closed")

// ErrNotSubscribed is returned by Forward when Subscribe has not succeeded.
var ErrNotSubscribed = errors.New("event pump not subscribed")

// eventSource is the event subscription needed by the pump.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
type eventSource interface {
	LifecycleEvents(ctx context.Context) (<-chan libvirt.DomainEventLifecycleMsg, error)
	SubscribeEvents(ctx context.Context, eventID libvirt.DomainEventID, dom libvirt.OptDomain) (<-chan interface{}, error)
}

// callbackEvents are the domain callbacks forwarded next to lifecycle
// events. PM suspend is left out: the lifecycle PMSuspended event carries
// the same memory or disk detail.
var callbackEvents = []struct {
	id   libvirt.DomainEventID
	kind events.Kind
}{
	{libvirt.DomainEventIDReboot, events.Reboot},
	{libvirt.DomainEventIDPmwakeup, events.PMWakeup},
	{libvirt.DomainEventIDTrayChange, events.TrayChange},
	{libvirt.DomainEventIDDeviceAdded, events.DeviceAdded},
	{libvirt.DomainEventIDDeviceRemoved, events.DeviceRemoved},
	{libvirt.DomainEventIDAgentLifecycle, events.AgentLifecycle},
	{libvirt.DomainEventIDJobCompleted, events.JobCompleted},
}

type callbackStream struct {
	kind events.Kind
	ch   <-chan interface{}
}

// EventPump forwards libvirt domain events as raw events, stamping each
// with a per-domain sequence number in arrival order.
//
// Subscribe and Forward are split so a caller can subscribe, take a
// snapshot of the domains, and only then start consuming; events raised
// in between wait in the subscription.
type EventPump struct {
	src    eventSource
	logger logr.Logger
	seq    map[uuid.UUID]uint64

	lifecycle <-chan libvirt.DomainEventLifecycleMsg
	callbacks []callbackStream
}

// NewEventPump returns a pump reading from src.
func NewEventPump(src eventSource, logger logr.Logger) *EventPump {
	return &EventPump{
		src:    src,
		logger: logger.WithName("event-pump"),
		seq:    make(map[uuid.UUID]uint64),
	}
}

// Subscribe registers for lifecycle events and the domain callbacks. The
// subscriptions live until ctx is done. A failed lifecycle subscription
// is an error; a failed callback subscription is logged and skipped.
func (p *EventPump) Subscribe(ctx context.Context) error {
	ch, err := p.src.LifecycleEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to lifecycle events: %w", err)
	}
	p.lifecycle = ch
	p.callbacks = p.callbacks[:0]

	for _, cb := range callbackEvents {
		ch, err := p.src.SubscribeEvents(ctx, cb.id, nil)
		if err != nil {
			p.logger.Info("failed to subscribe to domain callback", "event", cb.kind.String(), "error", err.Error())
			continue
		}
		p.callbacks = append(p.callbacks, callbackStream{kind: cb.kind, ch: ch})
	}
	p.logger.Info("subscribed to domain events", "callbacks", len(p.callbacks))
	return nil
}

// Forward writes subscribed events to out until ctx is done or the
// lifecycle stream closes.
func (p *EventPump) Forward(ctx context.Context, out chan<- events.RawEvent) error {
	if p.lifecycle == nil {
		return ErrNotSubscribed
	}

	merged := make(chan events.RawEvent)
	for _, cb := range p.callbacks {
		go p.drain(ctx, cb, merged)
	}

	for {
		var raw events.RawEvent
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-p.lifecycle:
			if !ok {
				return ErrEventStreamClosed
			}
			raw = events.RawEvent{
				Source: events.Lifecycle,
				Domain: uuid.UUID(msg.Dom.UUID),
				Name:   msg.Dom.Name,
				Event:  msg.Event,
				Detail: msg.Detail,
			}
		case raw = <-merged:
		}

		p.seq[raw.Domain]++
		raw.Seq = p.seq[raw.Domain]
		p.logger.V(1).Info("domain event", "event", raw.String(), "name", raw.Name)

		select {
		case out <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run subscribes and forwards in one call.
func (p *EventPump) Run(ctx context.Context, out chan<- events.RawEvent) error {
	if err := p.Subscribe(ctx); err != nil {
		return err
	}
	return p.Forward(ctx, out)
}

func (p *EventPump) drain(ctx context.Context, cb callbackStream, merged chan<- events.RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-cb.ch:
			if !ok {
				p.logger.V(1).Info("domain callback stream closed", "event", cb.kind.String())
				return
			}
			raw, ok := convertCallback(cb.kind, msg)
			if !ok {
				p.logger.V(1).Info("unexpected callback payload", "event", cb.kind.String(), "type", fmt.Sprintf("%T", msg))
				continue
			}
			select {
			case merged <- raw:
			case <-ctx.Done():
				return
			}
		}
	}
}

// convertCallback decodes a SubscribeEvents payload. ok is false when the
// payload type does not match kind.
func convertCallback(kind events.Kind, msg interface{}) (events.RawEvent, bool) {
	var raw events.RawEvent
	var dom libvirt.Domain

	switch m := msg.(type) {
	case *libvirt.DomainEventCallbackRebootMsg:
		raw.Source, dom = events.Reboot, m.Msg.Dom
	case *libvirt.DomainEventCallbackPmwakeupMsg:
		raw.Source, dom = events.PMWakeup, m.Msg.Dom
		raw.Detail = m.Reason
	case *libvirt.DomainEventCallbackTrayChangeMsg:
		raw.Source, dom = events.TrayChange, m.Msg.Dom
		raw.Event = m.Msg.Reason
	case *libvirt.DomainEventCallbackDeviceAddedMsg:
		raw.Source, dom = events.DeviceAdded, m.Dom
	case *libvirt.DomainEventCallbackDeviceRemovedMsg:
		raw.Source, dom = events.DeviceRemoved, m.Msg.Dom
	case *libvirt.DomainEventCallbackAgentLifecycleMsg:
		raw.Source, dom = events.AgentLifecycle, m.Dom
		raw.Event, raw.Detail = m.State, m.Reason
	case *libvirt.DomainEventCallbackJobCompletedMsg:
		raw.Source, dom = events.JobCompleted, m.Dom
	}

	if raw.Source != kind {
		return events.RawEvent{}, false
	}
	raw.Domain = uuid.UUID(dom.UUID)
	raw.Name = dom.Name
	return raw, true
}
