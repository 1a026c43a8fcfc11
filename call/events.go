package call

import (
	"time"

	"github.com/opd-ai/peercall/signaling"
)

// PhaseEvent is emitted once for every session creation, phase transition
// and teardown. External collaborators (notification delivery, call
// history logging) consume these through Registry.OnPhaseChange.
type PhaseEvent struct {
	CallID    string
	From      Phase
	To        Phase
	Reason    signaling.EndReason // set only when To is terminal
	Timestamp time.Time
}

// ProtocolViolation describes an inbound message that was dropped before
// dispatch: malformed payload, unknown sender, or a field that does not
// match the addressed session. The session itself is never mutated.
type ProtocolViolation struct {
	FromUserID string
	CallID     string
	Detail     string
	Timestamp  time.Time
}
