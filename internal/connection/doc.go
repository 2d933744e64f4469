// Package connection implements both ends of the relay's WebSocket traffic.
//
// Session is the server side of one relay client:
//   - A frame loop decodes requests, dispatches them to the processor one at
//     a time and writes each response back to the same client
//   - An event loop relays fan-out events to the client for the session's lifetime
//   - Failures are reported in-band as failed responses with retcodes
//     1 (dispatch), 2 (no reply), 3 (encode) and 1400 (bad frame)
//
// Client is an outbound connection to an upstream OneBot implementation,
// used to pull its event stream.
package connection
