// Package relay implements the client-facing WebSocket server.
//
// Each accepted connection gets its own fan-out subscription, taken before
// the handshake completes, and a connection.Session sharing one processor.
// Sessions are tracked so Stop can drain them gracefully or close them at once.
package relay
