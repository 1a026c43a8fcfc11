// Package call implements the call session lifecycle: the per-call state
// machine with its timers and glare resolution, the process-wide session
// registry enforcing one active call per user, and the signaling router
// that bridges sessions to the messenger transport.
//
// The package follows the layering used elsewhere in this codebase:
// transport and media negotiation are consumed through narrow interfaces
// so the state machine has no dependency on any concrete network or media
// stack, and every component can be exercised with mocks in tests.
package call
