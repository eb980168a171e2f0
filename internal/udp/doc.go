// Package udp provides the connection registry of the relay.
//
// Every admitted client session is a Connection whose ID is the local UDP
// port allocated for it. The Server owns all live connections together with
// their authenticators, allocates ports, expires connections whose TTL has
// elapsed, and sends packets to a connection's peer over one shared socket.
//
// # Lifecycle
//
//  1. Client is authenticated by the caller
//  2. Server.Open allocates a random free port from the configured range
//  3. Heartbeats and data refresh the connection with Server.Touch
//  4. Server.CheckAlive removes the connection once its TTL has elapsed
//
// Expiry is terminal. The port becomes free for reuse once the connection
// is removed.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. A connection and its
// authenticator live in one registry entry, so they are added and removed
// together.
package udp
