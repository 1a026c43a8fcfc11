// Package transport provides message delivery between call peers: an
// in-memory network for tests and single-process demos, a websocket
// client that connects through a relay, and the relay hub itself.
//
// All implementations deliver frames reliably and in per-sender order,
// which the signaling layer depends on.
package transport
