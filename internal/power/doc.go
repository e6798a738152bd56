// Package power is the public face of the power service.
//
// Service resolves a caller's identity-or-name through the registry and
// routes every operation through the reconciliation engine, so power
// reads and writes as well as boot and NIC passthroughs are serialised per
// system. Callers may use a system's display name anywhere an identity is
// accepted, except UUID, which reports the alias so the caller can switch
// to the canonical identity.
package power
