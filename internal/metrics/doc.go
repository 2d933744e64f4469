// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Session counts and responses by retcode
//   - Dispatch queue depth and processing latency
//   - Events published, delivered, and lost to subscriber lag
//   - Event journal inserts and failures
//
// A nil *Relay is valid and records nothing, so components can run without
// a registry in tests.
package metrics
