package call

// Phase is the lifecycle state of a call session. Sessions only ever move
// along the edges returned by CanTransition; PhaseEnded is terminal.
type Phase uint8

const (
	// PhaseIdle is the pre-creation state. No session object exists in
	// this phase; it appears only as the origin of creation events.
	PhaseIdle Phase = iota
	// PhaseRequestingPermission waits for local media acquisition.
	PhaseRequestingPermission
	// PhaseDialing generates and sends the offer to the callee.
	PhaseDialing
	// PhaseRinging waits for the callee to answer or reject.
	PhaseRinging
	// PhaseConnecting waits for the media transport to establish.
	PhaseConnecting
	// PhaseInCall is an established call with media flowing.
	PhaseInCall
	// PhaseReconnecting waits for an established call to recover.
	PhaseReconnecting
	// PhaseEnded is the terminal phase.
	PhaseEnded
)

// String returns the wire-friendly name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequestingPermission:
		return "requesting-permission"
	case PhaseDialing:
		return "dialing"
	case PhaseRinging:
		return "ringing"
	case PhaseConnecting:
		return "connecting"
	case PhaseInCall:
		return "in-call"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase is terminal.
func (p Phase) Terminal() bool {
	return p == PhaseEnded
}

// phaseEdges enumerates every legal forward transition. Every non-terminal
// phase may additionally transition to PhaseEnded, which CanTransition
// handles without listing it here.
var phaseEdges = map[Phase][]Phase{
	PhaseIdle:                 {PhaseRequestingPermission, PhaseRinging},
	PhaseRequestingPermission: {PhaseDialing},
	PhaseDialing:              {PhaseRinging},
	PhaseRinging:              {PhaseConnecting},
	PhaseConnecting:           {PhaseInCall},
	PhaseInCall:               {PhaseReconnecting},
	PhaseReconnecting:         {PhaseInCall},
}

// CanTransition reports whether an edge from one phase to another is
// defined. Any non-terminal phase may end; nothing leaves PhaseEnded.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseEnded {
		return true
	}
	for _, next := range phaseEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}
