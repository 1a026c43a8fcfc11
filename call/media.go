package call

import (
	"context"

	"github.com/opd-ai/peercall/signaling"
)

// ConnectionState mirrors the media transport's connectivity lifecycle as
// surfaced to the state machine. Values are ordered roughly by progress.
type ConnectionState uint8

const (
	// ConnStateNew indicates no connectivity attempt has started.
	ConnStateNew ConnectionState = iota
	// ConnStateConnecting indicates connectivity establishment is in progress.
	ConnStateConnecting
	// ConnStateConnected indicates media is flowing between the peers.
	ConnStateConnected
	// ConnStateDisconnected indicates an established connection dropped
	// and may still recover.
	ConnStateDisconnected
	// ConnStateFailed indicates connectivity establishment or recovery failed.
	ConnStateFailed
	// ConnStateClosed indicates the media session was closed locally.
	ConnStateClosed
)

// String returns a readable name for the connection state.
func (s ConnectionState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaSession is the narrow surface the state machine needs from the
// underlying media stack: session description negotiation, candidate
// exchange and connectivity notifications. Implementations must be safe
// for use from multiple goroutines.
type MediaSession interface {
	// CreateOffer produces the local session description for an outgoing call.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the remote offer and produces the local answer.
	// After it returns, the remote description is considered applied.
	CreateAnswer(ctx context.Context, offerSDP string) (string, error)

	// ApplyRemoteDescription applies the peer's session description on the
	// offering side once the answer arrives.
	ApplyRemoteDescription(sdp string) error

	// AddICECandidate feeds one remote connectivity candidate to the stack.
	AddICECandidate(candidate string) error

	// OnICECandidate registers the callback receiving locally gathered
	// candidates for relay to the peer.
	OnICECandidate(fn func(candidate string))

	// OnConnectionStateChange registers the callback receiving
	// connectivity transitions.
	OnConnectionStateChange(fn func(state ConnectionState))

	// Close releases the media session. Safe to call more than once.
	Close() error
}

// MediaNegotiator creates media sessions. Acquiring local capture devices
// happens here, so a failed or denied acquisition surfaces as an error
// wrapping ErrPermissionDenied before any signaling reaches the peer.
type MediaNegotiator interface {
	NewMediaSession(ctx context.Context, callType signaling.CallType) (MediaSession, error)
}
