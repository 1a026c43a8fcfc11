package peercall

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/call"
	"github.com/opd-ai/peercall/signaling"
)

// Options configures a Node. UserID, Transport and Negotiator are
// required; zero Timeouts fields fall back to defaults.
type Options struct {
	// UserID is this node's stable user identity on the signaling plane.
	UserID string

	// Transport carries encoded signaling messages to and from peers.
	Transport call.Transport

	// Negotiator creates media sessions for calls. Use media.NewNegotiator
	// for the pion/webrtc implementation, or supply your own.
	Negotiator call.MediaNegotiator

	// Timeouts override the per-phase supervision deadlines. Zero fields
	// take the values from call.DefaultTimeouts.
	Timeouts call.Timeouts
}

// DefaultOptions returns Options pre-filled with the standard timeouts.
// UserID, Transport and Negotiator still need to be set.
func DefaultOptions() Options {
	return Options{Timeouts: call.DefaultTimeouts()}
}

// Node supervises all call sessions for one user: at most one active
// call at a time, with signaling routed through the configured
// transport. Create with New, start with Start, release with Close.
type Node struct {
	userID   string
	registry *call.Registry
	router   *call.Router

	mu     sync.Mutex
	closed bool
}

// New creates a Node from the given options. The node does not process
// inbound signaling until Start is called.
func New(opts Options) (*Node, error) {
	if opts.UserID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if opts.Negotiator == nil {
		return nil, errors.New("media negotiator cannot be nil")
	}

	registry := call.NewRegistry()
	router, err := call.NewRouter(opts.UserID, opts.Transport, opts.Negotiator, registry, opts.Timeouts)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "peercall",
		"user_id":  opts.UserID,
	}).Info("Node created")

	return &Node{
		userID:   opts.UserID,
		registry: registry,
		router:   router,
	}, nil
}

// UserID returns the node's user identity.
func (n *Node) UserID() string {
	return n.userID
}

// Start begins processing inbound signaling and background session
// supervision. It returns call.ErrRouterAlreadyRunning if already started.
func (n *Node) Start() error {
	return n.router.Start()
}

// StartCall places an outgoing call to calleeID and returns the new
// call ID. The call proceeds asynchronously; observe progress through
// OnPhaseChange. Fails immediately with call.ErrExclusivityViolation
// if either participant is already in a call.
func (n *Node) StartCall(ctx context.Context, calleeID string, callType signaling.CallType) (string, error) {
	return n.router.StartCall(ctx, calleeID, callType)
}

// Answer accepts the ringing incoming call with the given ID. It blocks
// while local media is acquired and the answer is sent, bounded by ctx.
// Returns call.ErrNoIncomingCall if no such call is ringing here.
func (n *Node) Answer(ctx context.Context, callID string) error {
	return n.router.Answer(ctx, callID)
}

// Reject declines the ringing incoming call with the given ID and
// notifies the caller.
func (n *Node) Reject(callID string) error {
	return n.router.Reject(callID)
}

// Hangup terminates the identified call and notifies the peer. Unknown
// call IDs are ignored, so hanging up twice is harmless.
func (n *Node) Hangup(callID string) {
	n.router.Hangup(callID)
}

// ActiveCall returns this user's current non-terminal session, or nil
// when idle.
func (n *Node) ActiveCall() *call.Session {
	return n.registry.FindActiveSessionFor(n.userID)
}

// OnPhaseChange registers a callback invoked for every session phase
// transition, including session creation and teardown. Callbacks run
// outside registry locks and must not block for long.
func (n *Node) OnPhaseChange(fn func(call.PhaseEvent)) {
	n.registry.OnPhaseChange(fn)
}

// OnIncomingCall registers a callback invoked when a peer's offer
// creates a ringing session. Call Answer or Reject with the session's
// call ID to respond.
func (n *Node) OnIncomingCall(fn func(*call.Session)) {
	n.router.OnIncomingCall(fn)
}

// OnProtocolViolation registers a callback invoked when a peer sends
// signaling that breaks protocol rules. Violations are logged and the
// offending message dropped regardless of whether a callback is set.
func (n *Node) OnProtocolViolation(fn func(call.ProtocolViolation)) {
	n.router.OnProtocolViolation(fn)
}

// Close stops signaling, ends any active sessions with a hangup
// notification to peers, and closes the transport. Safe to call more
// than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.router.Stop()
	err := n.router.Transport().Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "peercall",
		"user_id":  n.userID,
	}).Info("Node closed")

	return err
}
