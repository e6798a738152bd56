// Package reconcile owns every mutation of a system's power state.
//
// The Engine keeps the registry's belief about each system in line with
// hardware. Reads are not pure: PowerState commits a pending transition
// whose deadline has passed and re-probes the hardware once the cached
// state is older than the check period, persisting whatever changed.
// SetPowerState records the requested target as a pending transition
// before issuing the command, so a read straight afterwards reflects the
// caller's intent.
//
// All operations on one system are serialised; different systems proceed
// in parallel.
package reconcile
