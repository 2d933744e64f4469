// Package source implements the event producers feeding the Broadcaster.
//
// Sources:
//   - WSSource: the event stream of an upstream OneBot forward WebSocket,
//     reconnecting with exponential backoff
//   - RedisSource: events published on Redis pub/sub channels
//   - Heartbeat: periodic meta_event heartbeats generated locally
//   - Webhook: events POSTed over HTTP, optionally HMAC-signed
//
// Every source hands events to a Publisher and never blocks on subscribers.
package source
