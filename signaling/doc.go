// Package signaling defines the wire payloads exchanged between call peers
// over the messenger's existing transport: offer, answer, ice-candidate and
// end messages, together with their JSON codec and per-kind validation rules.
//
// Receivers ignore unknown fields so that newer clients can extend payloads
// without breaking older ones.
package signaling
