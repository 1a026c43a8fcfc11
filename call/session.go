package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/signaling"
)

// Role distinguishes which side of the call this session represents.
type Role uint8

const (
	// RoleCaller initiated the call.
	RoleCaller Role = iota
	// RoleCallee received the call.
	RoleCallee
)

// String returns a readable role name.
func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// Session is one call between two users. The identifying fields are fixed
// at creation; the phase advances only along defined edges and mutation is
// serialized through the session's own mutex. Sessions are owned by their
// Registry and retired from it when they reach the terminal phase.
type Session struct {
	callID   string
	callType signaling.CallType
	callerID string
	calleeID string
	role     Role

	mu             sync.Mutex
	phase          Phase
	endReason      signaling.EndReason
	startedAt      time.Time
	lastActivityAt time.Time
	remoteOffer    string
	media          MediaSession

	// candMu serializes remote candidate routing and delivery to the
	// media session. It is held across the buffered flush, so a
	// candidate arriving mid-flush waits instead of overtaking the
	// buffered ones.
	candMu        sync.Mutex
	remoteApplied bool
	pending       *IceCandidateBuffer

	// relayMu guards the outbound candidate queue. Locally gathered
	// candidates are held until the envelope that creates the call on
	// the remote side has been handed to the transport; a candidate
	// relayed before that envelope would reach the peer as an unknown
	// call and be dropped.
	relayMu      sync.Mutex
	relayReady   bool
	relayPending []string

	timer sessionTimer

	clock TimeProvider
	emit  func(PhaseEvent)
	// onTerminal runs exactly once when the session ends, after the
	// terminal event has been emitted. The registry uses it for removal.
	onTerminal func(*Session, signaling.EndReason)
}

func newSession(callID string, callType signaling.CallType, callerID, calleeID string, role Role, initial Phase, clock TimeProvider) *Session {
	clock = getTimeProvider(clock)
	return &Session{
		callID:         callID,
		callType:       callType,
		callerID:       callerID,
		calleeID:       calleeID,
		role:           role,
		phase:          initial,
		lastActivityAt: clock.Now(),
		pending:        NewIceCandidateBuffer(),
		// The callee never signals ahead of the call: the caller's
		// session exists from the moment the offer is sent.
		relayReady: role == RoleCallee,
		clock:      clock,
	}
}

// CallID returns the immutable call identifier.
func (s *Session) CallID() string { return s.callID }

// CallType returns the media profile fixed at creation.
func (s *Session) CallType() signaling.CallType { return s.callType }

// CallerID returns the initiating user.
func (s *Session) CallerID() string { return s.callerID }

// CalleeID returns the receiving user.
func (s *Session) CalleeID() string { return s.calleeID }

// Role returns which side of the call this session represents locally.
func (s *Session) Role() Role { return s.role }

// Peer returns the participant that is not the given user, or the empty
// string when the user is not a participant at all.
func (s *Session) Peer(userID string) string {
	switch userID {
	case s.callerID:
		return s.calleeID
	case s.calleeID:
		return s.callerID
	default:
		return ""
	}
}

// HasParticipant reports whether the user is one of the two participants.
func (s *Session) HasParticipant(userID string) bool {
	return userID == s.callerID || userID == s.calleeID
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// EndReason returns the terminal reason, or the empty reason while the
// session is still active.
func (s *Session) EndReason() signaling.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// StartedAt returns when the call entered the in-call phase, or the zero
// time if it never connected. Call duration at teardown is the span from
// StartedAt to the terminal event timestamp.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastActivityAt returns the time of the most recent inbound message.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// PendingCandidateCount returns how many remote candidates are buffered
// waiting for the remote description.
func (s *Session) PendingCandidateCount() int {
	return s.pending.Len()
}

// touch refreshes lastActivityAt. Called for every inbound message
// addressed to this session.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = s.clock.Now()
}

// attachMedia hands the acquired media session to the state machine and
// returns false if the session already ended, in which case the caller
// must release the media session itself.
func (s *Session) attachMedia(media MediaSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	s.media = media
	return true
}

// mediaSession returns the attached media session, if any.
func (s *Session) mediaSession() MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// setRemoteOffer stores the offer description on the callee side until
// the user answers.
func (s *Session) setRemoteOffer(sdp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteOffer = sdp
}

func (s *Session) getRemoteOffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteOffer
}

// transition advances the session along a defined edge and emits the
// phase event. PhaseEnded must be reached through end instead so the
// terminal bookkeeping always runs.
func (s *Session) transition(to Phase) error {
	if to == PhaseEnded {
		return fmt.Errorf("%w: use end for terminal transitions", ErrInvalidTransition)
	}

	s.mu.Lock()
	from := s.phase
	if !CanTransition(from, to) {
		s.mu.Unlock()
		if from.Terminal() {
			return ErrSessionEnded
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.phase = to
	if to == PhaseInCall && s.startedAt.IsZero() {
		s.startedAt = s.clock.Now()
	}
	now := s.clock.Now()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "transition",
		"call_id":    s.callID,
		"from_phase": from.String(),
		"to_phase":   to.String(),
	}).Debug("Call session phase advanced")

	s.emitEvent(PhaseEvent{CallID: s.callID, From: from, To: to, Timestamp: now})
	return nil
}

// end moves the session to the terminal phase with the given reason.
// Idempotent: only the first call performs teardown and emits the terminal
// event; later calls report false and change nothing. Any pending timer is
// cancelled before the terminal event so a stale deadline can never fire
// against a retired session.
func (s *Session) end(reason signaling.EndReason) bool {
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return false
	}
	from := s.phase
	s.phase = PhaseEnded
	s.endReason = reason
	media := s.media
	s.media = nil
	now := s.clock.Now()
	s.mu.Unlock()

	s.timer.cancel()

	if media != nil {
		if err := media.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "end",
				"call_id":  s.callID,
				"error":    err.Error(),
			}).Warn("Failed to close media session during teardown")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "end",
		"call_id":    s.callID,
		"from_phase": from.String(),
		"reason":     string(reason),
	}).Info("Call session ended")

	s.emitEvent(PhaseEvent{CallID: s.callID, From: from, To: PhaseEnded, Reason: reason, Timestamp: now})

	if s.onTerminal != nil {
		s.onTerminal(s, reason)
	}
	return true
}

// scheduleTimeout arms the session's phase deadline. fn runs unless the
// deadline is replaced or cancelled first, or the session ended meanwhile.
func (s *Session) scheduleTimeout(d time.Duration, fn func()) {
	s.timer.schedule(d, func() {
		if s.Phase().Terminal() {
			return
		}
		fn()
	})
}

// cancelTimeout disarms the pending phase deadline, if any.
func (s *Session) cancelTimeout() {
	s.timer.cancel()
}

// applyBufferedCandidates records that the remote description has been
// applied and feeds the candidates buffered before that point to the
// media session, in receipt order. The flag flip and the flush happen
// under candMu, so a candidate arriving concurrently is routed only
// after the flush completes and cannot overtake the buffered ones.
// Returns how many buffered candidates were delivered.
func (s *Session) applyBufferedCandidates(media MediaSession) int {
	s.candMu.Lock()
	defer s.candMu.Unlock()
	s.remoteApplied = true
	drained := s.pending.Drain()
	for _, candidate := range drained {
		if err := media.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "applyBufferedCandidates",
				"call_id":  s.callID,
				"error":    err.Error(),
			}).Warn("Failed to apply buffered remote candidate")
		}
	}
	return len(drained)
}

// addRemoteCandidate routes one remote candidate: buffered while no remote
// description is applied, delivered to the media session immediately after.
func (s *Session) addRemoteCandidate(candidate string) error {
	s.candMu.Lock()
	defer s.candMu.Unlock()
	media := s.mediaSession()
	if !s.remoteApplied || media == nil {
		s.pending.Add(candidate)
		logrus.WithFields(logrus.Fields{
			"function": "addRemoteCandidate",
			"call_id":  s.callID,
			"buffered": s.pending.Len(),
		}).Debug("Buffered early remote candidate")
		return nil
	}
	return media.AddICECandidate(candidate)
}

// relayLocalCandidate routes one locally gathered candidate: queued while
// the remote side cannot know the call yet, passed to send afterwards.
func (s *Session) relayLocalCandidate(candidate string, send func(string)) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	if !s.relayReady {
		s.relayPending = append(s.relayPending, candidate)
		logrus.WithFields(logrus.Fields{
			"function": "relayLocalCandidate",
			"call_id":  s.callID,
			"queued":   len(s.relayPending),
		}).Debug("Queued local candidate until offer is on the wire")
		return
	}
	send(candidate)
}

// markRelayReady opens the local candidate relay and flushes the queue in
// gathering order. Held under relayMu, so a candidate gathered during the
// flush is relayed only after it.
func (s *Session) markRelayReady(send func(string)) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	s.relayReady = true
	for _, candidate := range s.relayPending {
		send(candidate)
	}
	s.relayPending = nil
}

// emitEvent forwards a phase event to the registry sink, if wired.
func (s *Session) emitEvent(ev PhaseEvent) {
	if s.emit != nil {
		s.emit(ev)
	}
}
