package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/signaling"
)

// Registry is the process-wide table of active call sessions, indexed by
// call ID and by participant. It is the single owner of every session for
// the session's lifetime and enforces that a user participates in at most
// one active call at a time. Terminal sessions are removed from both
// indexes; call IDs are never reused.
type Registry struct {
	mu     sync.RWMutex
	byCall map[string]*Session
	byUser map[string]*Session

	cbMu           sync.RWMutex
	phaseCallbacks []func(PhaseEvent)

	clock TimeProvider
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byCall: make(map[string]*Session),
		byUser: make(map[string]*Session),
		clock:  DefaultTimeProvider{},
	}
}

// SetTimeProvider injects a clock for deterministic testing. A nil value
// restores the system clock. Affects sessions created afterwards.
func (r *Registry) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = getTimeProvider(tp)
}

// OnPhaseChange registers an observer for session create, transition and
// teardown events. Multiple observers may be registered; each event is
// delivered to every observer exactly once.
func (r *Registry) OnPhaseChange(fn func(PhaseEvent)) {
	if fn == nil {
		return
	}
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.phaseCallbacks = append(r.phaseCallbacks, fn)
}

func (r *Registry) emit(ev PhaseEvent) {
	r.cbMu.RLock()
	callbacks := make([]func(PhaseEvent), len(r.phaseCallbacks))
	copy(callbacks, r.phaseCallbacks)
	r.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(ev)
	}
}

// CreateOutgoing materializes a new caller-side session in the
// requesting-permission phase and returns it with a freshly generated
// call ID. Fails with ErrExclusivityViolation if either participant
// already has an active session; the existing session is untouched.
func (r *Registry) CreateOutgoing(callerID, calleeID string, callType signaling.CallType) (*Session, error) {
	callID := uuid.NewString()
	return r.createSession(callID, callType, callerID, calleeID, RoleCaller, PhaseRequestingPermission)
}

// CreateIncoming materializes a callee-side session directly in the
// ringing phase, keyed by the call ID the caller generated. The same
// exclusivity rules apply.
func (r *Registry) CreateIncoming(callID string, callType signaling.CallType, callerID, calleeID string) (*Session, error) {
	return r.createSession(callID, callType, callerID, calleeID, RoleCallee, PhaseRinging)
}

func (r *Registry) createSession(callID string, callType signaling.CallType, callerID, calleeID string, role Role, initial Phase) (*Session, error) {
	if callerID == calleeID {
		return nil, ErrSelfCall
	}

	r.mu.Lock()
	if _, exists := r.byCall[callID]; exists {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "createSession",
			"call_id":  callID,
		}).Warn("Rejecting call creation - call ID already registered")
		return nil, ErrDuplicateCallID
	}
	if s, busy := r.byUser[callerID]; busy {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":         "createSession",
			"user_id":          callerID,
			"existing_call_id": s.CallID(),
		}).Warn("Rejecting call creation - caller already in a call")
		return nil, ErrExclusivityViolation
	}
	if s, busy := r.byUser[calleeID]; busy {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":         "createSession",
			"user_id":          calleeID,
			"existing_call_id": s.CallID(),
		}).Warn("Rejecting call creation - callee already in a call")
		return nil, ErrExclusivityViolation
	}

	sess := newSession(callID, callType, callerID, calleeID, role, initial, r.clock)
	sess.emit = r.emit
	sess.onTerminal = r.remove
	r.byCall[callID] = sess
	r.byUser[callerID] = sess
	r.byUser[calleeID] = sess
	now := r.clock.Now()
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "createSession",
		"call_id":   callID,
		"call_type": string(callType),
		"caller_id": callerID,
		"callee_id": calleeID,
		"role":      role.String(),
		"phase":     initial.String(),
	}).Info("Call session created")

	r.emit(PhaseEvent{CallID: callID, From: PhaseIdle, To: initial, Timestamp: now})
	return sess, nil
}

// GetSession returns the active session for the call ID, or
// ErrSessionNotFound for unknown or already retired calls.
func (r *Registry) GetSession(callID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byCall[callID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// FindActiveSessionFor returns the active session the user participates
// in, or nil when the user is not in a call.
func (r *Registry) FindActiveSessionFor(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// EndSession ends the identified session with the given reason. Ending an
// unknown or already ended session is a no-op, not an error, so duplicate
// end messages from flaky transports are absorbed silently.
func (r *Registry) EndSession(callID string, reason signaling.EndReason) {
	r.mu.RLock()
	sess := r.byCall[callID]
	r.mu.RUnlock()
	if sess == nil {
		logrus.WithFields(logrus.Fields{
			"function": "EndSession",
			"call_id":  callID,
			"reason":   string(reason),
		}).Debug("Ignoring end for unknown or retired call")
		return
	}
	sess.end(reason)
}

// ActiveSessions returns a snapshot of every active session.
func (r *Registry) ActiveSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.byCall))
	for _, sess := range r.byCall {
		sessions = append(sessions, sess)
	}
	return sessions
}

// SessionCount returns the number of active sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}

// SweepIdle ends every session still in setup whose last inbound activity
// is older than maxIdle, with the timeout reason. Established calls are
// exempt: once media flows, liveness is the media layer's concern and is
// handled through connection state changes. Returns how many sessions
// were swept.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	now := r.clock.Now()

	r.mu.RLock()
	var stale []*Session
	for _, sess := range r.byCall {
		phase := sess.Phase()
		if phase == PhaseInCall || phase.Terminal() {
			continue
		}
		if now.Sub(sess.LastActivityAt()) > maxIdle {
			stale = append(stale, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range stale {
		logrus.WithFields(logrus.Fields{
			"function": "SweepIdle",
			"call_id":  sess.CallID(),
			"phase":    sess.Phase().String(),
		}).Warn("Sweeping abandoned call session")
		sess.end(signaling.ReasonTimeout)
	}
	return len(stale)
}

// remove retires a terminal session from both indexes. Installed as the
// session's onTerminal hook, so removal happens exactly once.
func (r *Registry) remove(sess *Session, reason signaling.EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byCall, sess.CallID())
	if r.byUser[sess.CallerID()] == sess {
		delete(r.byUser, sess.CallerID())
	}
	if r.byUser[sess.CalleeID()] == sess {
		delete(r.byUser, sess.CalleeID())
	}
}
