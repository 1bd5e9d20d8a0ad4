// Package events turns the virtualization agent's raw notifications into
// machine events and delivers them to the registry's state machines.
//
// Translation is a pure function of the raw notification. Delivery
// resolves the agent's domain to a VM identity, drops out-of-order
// duplicates per domain and silently drops events for VMs that have no
// live machine.
package events
