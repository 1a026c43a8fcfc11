package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/signaling"
)

// Transport is the minimal surface the router needs from the messenger's
// delivery layer: reliable, ordered, point-to-point frames addressed by
// user identity. Implementations must invoke the inbound handler in
// delivery order for each sending peer.
type Transport interface {
	// Send delivers one frame to the identified user.
	Send(toUserID string, data []byte) error

	// SetInboundHandler registers the receiver for inbound frames.
	SetInboundHandler(fn func(fromUserID string, data []byte))

	// Close releases the transport.
	Close() error
}

// Router bridges one user's call sessions to the transport: it decodes
// and validates inbound signaling messages, dispatches them to the right
// session through the registry, and relays outbound messages to the peer.
// The router never mutates session state directly; every change goes
// through a state machine operation.
type Router struct {
	userID     string
	transport  Transport
	negotiator MediaNegotiator
	registry   *Registry
	timeouts   Timeouts
	clock      TimeProvider

	mu      sync.RWMutex
	running bool
	done    chan struct{}

	cbMu              sync.RWMutex
	incomingCallback  func(*Session)
	violationCallback func(ProtocolViolation)
}

// NewRouter creates a router serving the given local user. The transport's
// inbound handler is claimed immediately; messages arriving before Start
// are dropped.
func NewRouter(userID string, transport Transport, negotiator MediaNegotiator, registry *Registry, timeouts Timeouts) (*Router, error) {
	logrus.WithFields(logrus.Fields{
		"function": "NewRouter",
		"user_id":  userID,
	}).Info("Creating signaling router")

	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if negotiator == nil {
		return nil, errors.New("media negotiator cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}

	r := &Router{
		userID:     userID,
		transport:  transport,
		negotiator: negotiator,
		registry:   registry,
		timeouts:   timeouts.withDefaults(),
		clock:      DefaultTimeProvider{},
	}
	transport.SetInboundHandler(r.handleInbound)
	return r, nil
}

// SetTimeProvider injects a clock for deterministic testing of message
// timestamps. A nil value restores the system clock.
func (r *Router) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = getTimeProvider(tp)
}

// Transport returns the signaling transport the router sends through.
func (r *Router) Transport() Transport {
	return r.transport
}

// OnIncomingCall registers the callback fired when an offer materializes
// a new ringing session for the local user.
func (r *Router) OnIncomingCall(fn func(*Session)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.incomingCallback = fn
}

// OnProtocolViolation registers the callback receiving diagnostics for
// dropped inbound messages.
func (r *Router) OnProtocolViolation(fn func(ProtocolViolation)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.violationCallback = fn
}

// Start begins routing. It also launches the abandoned-session sweep.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRouterAlreadyRunning
	}
	r.running = true
	r.done = make(chan struct{})
	go r.sweepLoop(r.done)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"user_id":  r.userID,
	}).Info("Signaling router started")
	return nil
}

// Stop ends every active session with the hangup reason, notifies the
// peers, and stops routing. Stopping a stopped router is a no-op.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.done)
	r.mu.Unlock()

	for _, sess := range r.registry.ActiveSessions() {
		r.endAndNotify(sess, signaling.ReasonHangup)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"user_id":  r.userID,
	}).Info("Signaling router stopped")
}

// IsRunning reports whether the router is currently routing.
func (r *Router) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// sweepLoop periodically retires sessions abandoned mid-setup.
func (r *Router) sweepLoop(done <-chan struct{}) {
	interval := r.timeouts.Idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.registry.SweepIdle(r.timeouts.Idle)
		}
	}
}

// StartCall initiates an outgoing call and returns its call ID. Media
// acquisition and offer generation run asynchronously; progress surfaces
// through phase events. ctx bounds the asynchronous setup work.
func (r *Router) StartCall(ctx context.Context, calleeID string, callType signaling.CallType) (string, error) {
	if !r.IsRunning() {
		return "", ErrRouterNotRunning
	}
	if !callType.Valid() {
		return "", fmt.Errorf("invalid call type %q", callType)
	}

	sess, err := r.registry.CreateOutgoing(r.userID, calleeID, callType)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "StartCall",
		"call_id":   sess.CallID(),
		"callee_id": calleeID,
		"call_type": string(callType),
	}).Info("Starting outgoing call")

	sess.scheduleTimeout(r.timeouts.MediaAcquire, func() {
		r.endAndNotify(sess, signaling.ReasonTimeout)
	})
	go r.dial(ctx, sess)

	return sess.CallID(), nil
}

// dial acquires local media, generates the offer and delivers it. Runs on
// its own goroutine; every step tolerates the session having ended
// underneath it.
func (r *Router) dial(ctx context.Context, sess *Session) {
	media, err := r.negotiator.NewMediaSession(ctx, sess.CallType())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"call_id":  sess.CallID(),
			"error":    err.Error(),
		}).Error("Local media acquisition failed")
		r.endAndNotify(sess, signaling.ReasonPermissionDenied)
		return
	}
	if !sess.attachMedia(media) {
		media.Close()
		return
	}
	r.wireMedia(sess, media)

	if err := sess.transition(PhaseDialing); err != nil {
		return
	}

	sdp, err := media.CreateOffer(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"call_id":  sess.CallID(),
			"error":    err.Error(),
		}).Error("Offer generation failed")
		r.endAndNotify(sess, signaling.ReasonConnectFailed)
		return
	}

	offer := signaling.NewOffer(sess.CallID(), sess.CallType(), r.userID, sess.CalleeID(), sdp, r.clock.Now())
	if err := r.sendEnvelope(offer); err != nil {
		sess.end(signaling.ReasonConnectFailed)
		return
	}

	// The offer is on the wire, so the callee can attribute candidates
	// to this call now. Relay the ones gathered while it was pending.
	sess.markRelayReady(func(c string) {
		r.relayCandidate(sess, c)
	})

	// Offer handed to the transport: the callee is being notified.
	if err := sess.transition(PhaseRinging); err != nil {
		return
	}
	sess.scheduleTimeout(r.timeouts.Ring, func() {
		r.endAndNotify(sess, signaling.ReasonNoAnswer)
	})
}

// Answer accepts the identified ringing incoming call: acquires local
// media, applies the stored offer, drains any buffered candidates, and
// sends the answer back to the caller.
func (r *Router) Answer(ctx context.Context, callID string) error {
	if !r.IsRunning() {
		return ErrRouterNotRunning
	}
	sess, err := r.registry.GetSession(callID)
	if err != nil {
		return ErrNoIncomingCall
	}
	if sess.Role() != RoleCallee || sess.Phase() != PhaseRinging {
		return ErrNoIncomingCall
	}

	// Cover local media acquisition with its own deadline; the ring
	// deadline is superseded the moment the user acts.
	sess.scheduleTimeout(r.timeouts.MediaAcquire, func() {
		r.endAndNotify(sess, signaling.ReasonTimeout)
	})

	media, err := r.negotiator.NewMediaSession(ctx, sess.CallType())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Answer",
			"call_id":  callID,
			"error":    err.Error(),
		}).Error("Local media acquisition failed")
		r.endAndNotify(sess, signaling.ReasonPermissionDenied)
		return fmt.Errorf("acquire media: %w", err)
	}
	if !sess.attachMedia(media) {
		media.Close()
		return ErrSessionEnded
	}
	r.wireMedia(sess, media)

	answerSDP, err := media.CreateAnswer(ctx, sess.getRemoteOffer())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Answer",
			"call_id":  callID,
			"error":    err.Error(),
		}).Error("Answer generation failed")
		r.endAndNotify(sess, signaling.ReasonConnectFailed)
		return fmt.Errorf("create answer: %w", err)
	}
	r.deliverBuffered(sess, media)

	if err := sess.transition(PhaseConnecting); err != nil {
		return ErrSessionEnded
	}

	answer := signaling.NewAnswer(callID, sess.CallType(), r.userID, sess.CallerID(), answerSDP)
	if err := r.sendEnvelope(answer); err != nil {
		sess.end(signaling.ReasonConnectFailed)
		return fmt.Errorf("send answer: %w", err)
	}
	sess.scheduleTimeout(r.timeouts.Connect, func() {
		r.endAndNotify(sess, signaling.ReasonTimeout)
	})

	logrus.WithFields(logrus.Fields{
		"function": "Answer",
		"call_id":  callID,
	}).Info("Incoming call answered")
	return nil
}

// Reject declines the identified ringing incoming call.
func (r *Router) Reject(callID string) error {
	if !r.IsRunning() {
		return ErrRouterNotRunning
	}
	sess, err := r.registry.GetSession(callID)
	if err != nil {
		return ErrNoIncomingCall
	}
	if sess.Role() != RoleCallee || sess.Phase() != PhaseRinging {
		return ErrNoIncomingCall
	}
	r.endAndNotify(sess, signaling.ReasonRejected)
	return nil
}

// Hangup ends the identified call locally and notifies the peer. Hanging
// up an unknown or already ended call is absorbed silently so duplicate
// hangups are harmless.
func (r *Router) Hangup(callID string) {
	sess, err := r.registry.GetSession(callID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hangup",
			"call_id":  callID,
		}).Debug("Ignoring hangup for unknown or retired call")
		return
	}
	r.endAndNotify(sess, signaling.ReasonHangup)
}

// handleInbound is the transport's delivery callback. It runs on the
// transport's delivery goroutine, so dispatch for one peer is processed
// strictly in arrival order.
func (r *Router) handleInbound(fromUserID string, data []byte) {
	if !r.IsRunning() {
		logrus.WithFields(logrus.Fields{
			"function":     "handleInbound",
			"from_user_id": fromUserID,
		}).Debug("Dropping inbound message - router not running")
		return
	}

	env, err := signaling.Decode(data)
	if err != nil {
		r.violation(fromUserID, "", fmt.Sprintf("undecodable message: %v", err))
		return
	}
	if env.FromUserID != fromUserID {
		r.violation(fromUserID, env.CallID, fmt.Sprintf("fromUserId %q does not match sender", env.FromUserID))
		return
	}
	if env.ToUserID != r.userID {
		r.violation(fromUserID, env.CallID, fmt.Sprintf("message addressed to %q routed to %q", env.ToUserID, r.userID))
		return
	}

	switch env.Kind {
	case signaling.KindOffer:
		r.handleOffer(env)
	case signaling.KindAnswer:
		r.handleAnswer(env)
	case signaling.KindIceCandidate:
		r.handleCandidate(env)
	case signaling.KindEnd:
		r.handleEnd(env)
	}
}

// handleOffer materializes an incoming ringing session, resolving glare
// and busy conflicts first.
func (r *Router) handleOffer(env *signaling.Envelope) {
	if _, err := r.registry.GetSession(env.CallID); err == nil {
		r.violation(env.FromUserID, env.CallID, "duplicate offer for known call")
		return
	}

	if existing := r.registry.FindActiveSessionFor(r.userID); existing != nil {
		if r.resolveGlare(existing, env) {
			return
		}
	}

	sess, err := r.registry.CreateIncoming(env.CallID, env.CallType, env.FromUserID, r.userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "handleOffer",
			"call_id":      env.CallID,
			"from_user_id": env.FromUserID,
			"error":        err.Error(),
		}).Warn("Rejecting offer - local user unavailable")
		r.sendBestEffort(signaling.NewEnd(env.CallID, r.userID, env.FromUserID, signaling.ReasonRejected))
		return
	}
	sess.setRemoteOffer(env.SDP)
	sess.touch()
	sess.scheduleTimeout(r.timeouts.Ring, func() {
		// The caller observes its own ring deadline; no message needed.
		sess.end(signaling.ReasonNoAnswer)
	})

	logrus.WithFields(logrus.Fields{
		"function":     "handleOffer",
		"call_id":      env.CallID,
		"from_user_id": env.FromUserID,
		"call_type":    string(env.CallType),
	}).Info("Incoming call ringing")

	r.cbMu.RLock()
	incoming := r.incomingCallback
	r.cbMu.RUnlock()
	if incoming != nil {
		incoming(sess)
	}
}

// resolveGlare handles an inbound offer while the local user already has
// an active session. Returns true when the offer was fully handled here
// (dropped or rejected). When both users dialed each other, the call with
// the lexicographically smaller call ID survives; both ends reach the
// same verdict independently, so no extra negotiation is exchanged.
func (r *Router) resolveGlare(existing *Session, env *signaling.Envelope) bool {
	phase := existing.Phase()
	outgoingToSamePeer := existing.Role() == RoleCaller &&
		existing.Peer(r.userID) == env.FromUserID &&
		(phase == PhaseDialing || phase == PhaseRinging)

	if !outgoingToSamePeer {
		// Busy with another call: decline so the caller does not sit out
		// the full ring timeout.
		logrus.WithFields(logrus.Fields{
			"function":         "resolveGlare",
			"call_id":          env.CallID,
			"existing_call_id": existing.CallID(),
		}).Info("Rejecting offer - local user busy")
		r.sendBestEffort(signaling.NewEnd(env.CallID, r.userID, env.FromUserID, signaling.ReasonRejected))
		return true
	}

	if env.CallID < existing.CallID() {
		// The inbound call wins; retire our own attempt and let the offer
		// proceed as a normal incoming call.
		logrus.WithFields(logrus.Fields{
			"function":        "resolveGlare",
			"winning_call_id": env.CallID,
			"losing_call_id":  existing.CallID(),
		}).Info("Glare detected - inbound call wins")
		existing.end(signaling.ReasonGlare)
		return false
	}

	// Our outgoing call wins; drop the inbound offer. The peer ends its
	// own losing session when our offer arrives there.
	logrus.WithFields(logrus.Fields{
		"function":        "resolveGlare",
		"winning_call_id": existing.CallID(),
		"losing_call_id":  env.CallID,
	}).Info("Glare detected - outgoing call wins")
	return true
}

// handleAnswer applies the callee's answer on the offering side and moves
// the session into connectivity establishment.
func (r *Router) handleAnswer(env *signaling.Envelope) {
	sess, err := r.registry.GetSession(env.CallID)
	if err != nil {
		r.violation(env.FromUserID, env.CallID, "answer for unknown call")
		return
	}
	if !sess.HasParticipant(env.FromUserID) {
		r.violation(env.FromUserID, env.CallID, "answer from non-participant")
		return
	}
	switch {
	case sess.Role() != RoleCaller:
		r.violation(env.FromUserID, env.CallID, "answer addressed to callee side")
		return
	case sess.Phase() == PhaseDialing:
		// The answer can outrun the dial goroutine marking the session
		// ringing; the callee was evidently notified, so catch up first.
		if err := sess.transition(PhaseRinging); err != nil {
			return
		}
	case sess.Phase() != PhaseRinging:
		r.violation(env.FromUserID, env.CallID,
			fmt.Sprintf("answer in phase %s", sess.Phase()))
		return
	}
	sess.touch()

	media := sess.mediaSession()
	if media == nil {
		r.violation(env.FromUserID, env.CallID, "answer before media setup")
		return
	}
	if err := media.ApplyRemoteDescription(env.SDP); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"call_id":  env.CallID,
			"error":    err.Error(),
		}).Error("Failed to apply remote answer")
		r.endAndNotify(sess, signaling.ReasonConnectFailed)
		return
	}
	r.deliverBuffered(sess, media)

	if err := sess.transition(PhaseConnecting); err != nil {
		return
	}
	sess.scheduleTimeout(r.timeouts.Connect, func() {
		r.endAndNotify(sess, signaling.ReasonTimeout)
	})

	logrus.WithFields(logrus.Fields{
		"function": "handleAnswer",
		"call_id":  env.CallID,
	}).Info("Answer applied, establishing connectivity")
}

// handleCandidate routes one remote candidate to its session. Candidates
// for unknown calls are late arrivals after teardown and are absorbed
// silently.
func (r *Router) handleCandidate(env *signaling.Envelope) {
	sess, err := r.registry.GetSession(env.CallID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidate",
			"call_id":  env.CallID,
		}).Debug("Dropping candidate for unknown or retired call")
		return
	}
	if !sess.HasParticipant(env.FromUserID) {
		r.violation(env.FromUserID, env.CallID, "candidate from non-participant")
		return
	}
	sess.touch()
	if err := sess.addRemoteCandidate(env.Candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidate",
			"call_id":  env.CallID,
			"error":    err.Error(),
		}).Warn("Failed to apply remote candidate")
	}
}

// handleEnd retires the session with the peer's reason. Unknown call IDs
// are duplicates or stale ends and are absorbed as no-ops.
func (r *Router) handleEnd(env *signaling.Envelope) {
	sess, err := r.registry.GetSession(env.CallID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEnd",
			"call_id":  env.CallID,
		}).Debug("Ignoring end for unknown or retired call")
		return
	}
	if !sess.HasParticipant(env.FromUserID) {
		r.violation(env.FromUserID, env.CallID, "end from non-participant")
		return
	}
	r.registry.EndSession(env.CallID, env.Reason)
}

// handleConnectionState reacts to media connectivity transitions reported
// by the media session.
func (r *Router) handleConnectionState(sess *Session, state ConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function":   "handleConnectionState",
		"call_id":    sess.CallID(),
		"conn_state": state.String(),
		"phase":      sess.Phase().String(),
	}).Debug("Media connection state changed")

	switch state {
	case ConnStateConnected:
		phase := sess.Phase()
		if phase != PhaseConnecting && phase != PhaseReconnecting {
			return
		}
		sess.cancelTimeout()
		if err := sess.transition(PhaseInCall); err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleConnectionState",
				"call_id":  sess.CallID(),
			}).Info("Call established")
		}

	case ConnStateDisconnected:
		if sess.Phase() != PhaseInCall {
			return
		}
		if err := sess.transition(PhaseReconnecting); err != nil {
			return
		}
		sess.scheduleTimeout(r.timeouts.Reconnect, func() {
			r.endAndNotify(sess, signaling.ReasonConnectionLost)
		})

	case ConnStateFailed:
		switch sess.Phase() {
		case PhaseConnecting:
			r.endAndNotify(sess, signaling.ReasonConnectFailed)
		case PhaseInCall, PhaseReconnecting:
			r.endAndNotify(sess, signaling.ReasonConnectionLost)
		}
	}
}

// wireMedia connects media session callbacks to the router: locally
// gathered candidates are relayed to the peer through the session's
// outbound queue, and connectivity changes drive the state machine.
func (r *Router) wireMedia(sess *Session, media MediaSession) {
	media.OnICECandidate(func(candidate string) {
		if sess.Phase().Terminal() {
			return
		}
		sess.relayLocalCandidate(candidate, func(c string) {
			r.relayCandidate(sess, c)
		})
	})
	media.OnConnectionStateChange(func(state ConnectionState) {
		r.handleConnectionState(sess, state)
	})
}

// relayCandidate sends one locally gathered candidate to the peer.
func (r *Router) relayCandidate(sess *Session, candidate string) {
	peer := sess.Peer(r.userID)
	r.sendBestEffort(signaling.NewIceCandidate(sess.CallID(), r.userID, peer, candidate))
}

// deliverBuffered marks the remote description applied and feeds every
// buffered candidate to the media session in receipt order.
func (r *Router) deliverBuffered(sess *Session, media MediaSession) {
	if n := sess.applyBufferedCandidates(media); n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "deliverBuffered",
			"call_id":  sess.CallID(),
			"count":    n,
		}).Debug("Drained buffered candidates")
	}
}

// endAndNotify performs local teardown and, when this call actually ended
// the session, tells the peer why. Duplicate calls are no-ops, so exactly
// one end notification leaves per session.
func (r *Router) endAndNotify(sess *Session, reason signaling.EndReason) {
	peer := sess.Peer(r.userID)
	if !sess.end(reason) {
		return
	}
	r.sendBestEffort(signaling.NewEnd(sess.CallID(), r.userID, peer, reason))
}

// sendEnvelope serializes and delivers one outbound message.
func (r *Router) sendEnvelope(env *signaling.Envelope) error {
	data, err := signaling.Encode(env)
	if err != nil {
		return err
	}
	if err := r.transport.Send(env.ToUserID, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendEnvelope",
			"kind":       string(env.Kind),
			"call_id":    env.CallID,
			"to_user_id": env.ToUserID,
			"error":      err.Error(),
		}).Error("Failed to send signaling message")
		return fmt.Errorf("send %s: %w", env.Kind, err)
	}
	return nil
}

// sendBestEffort sends a message whose loss the protocol tolerates.
func (r *Router) sendBestEffort(env *signaling.Envelope) {
	if err := r.sendEnvelope(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendBestEffort",
			"kind":     string(env.Kind),
			"call_id":  env.CallID,
		}).Warn("Best-effort signaling message not delivered")
	}
}

// violation logs and reports a dropped inbound message. The addressed
// session, if any, is left untouched.
func (r *Router) violation(fromUserID, callID, detail string) {
	logrus.WithFields(logrus.Fields{
		"function":     "violation",
		"from_user_id": fromUserID,
		"call_id":      callID,
		"detail":       detail,
	}).Warn("Dropping inbound signaling message")

	r.cbMu.RLock()
	cb := r.violationCallback
	r.cbMu.RUnlock()
	if cb != nil {
		cb(ProtocolViolation{
			FromUserID: fromUserID,
			CallID:     callID,
			Detail:     detail,
			Timestamp:  r.clock.Now(),
		})
	}
}
