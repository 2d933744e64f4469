// Package model defines the envelopes exchanged between relay clients, the
// command processor and the event fan-out.
//
// Conventions:
//   - Request params and echo tokens are opaque: kept as json.RawMessage and
//     written back byte-for-byte.
//   - Retcodes 1-3 report relay-internal failures, 1xxx codes mirror HTTP
//     status codes (1400 bad request, 1404 unknown action, 1502 upstream down).
//   - Event timestamps: int64 seconds since Unix epoch (OneBot convention).
package model
