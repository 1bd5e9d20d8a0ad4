// Package libvirt adapts the local libvirt daemon to the dispatcher.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - An event pump turning lifecycle and domain callback events into
//     events.RawEvent values
//   - Domain discovery, parsing domain XML with libvirtxml
//   - Agent, the domain operations used by the task layer
//
// Connection Management:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.Ping(); err != nil {
//	    return err
//	}
//
// Event Pump:
//
//	raw := make(chan events.RawEvent, 256)
//	pump := libvirt.NewEventPump(client.Libvirt(), logger)
//	if err := pump.Subscribe(ctx); err != nil {
//	    return err
//	}
//	// take a domain snapshot here; events raised meanwhile are queued
//	go pump.Forward(ctx, raw)
//
// Consumer-Side Interfaces:
//
// This package does not export interfaces. Consumers (internal/vm,
// internal/metadata, and the pump and discovery here) declare the narrow
// set of operations they need, which *libvirt.Libvirt or *Agent
// satisfies implicitly.
package libvirt
