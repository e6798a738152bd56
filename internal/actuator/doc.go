// Package actuator drives power operations on physical systems.
//
// A Session hides the difference between the two supported kinds of
// hardware:
//
//   - plugs, reached over HTTP, whose session setup and on/off commands are
//     retried under a retry.Policy, with a settle delay after power-off and
//     a synthesised off/wait/on power cycle
//   - management controllers, reached over SSH, with a single-attempt
//     session, a native power cycle, and a status that may be Unknown
//
// Every hardware failure surfaces as an error wrapping ErrActuationFailed.
// Retry exhaustion is never silent.
package actuator
