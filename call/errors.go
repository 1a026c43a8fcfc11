package call

import "errors"

// Sentinel errors for call package operations.
// These errors enable reliable error classification using errors.Is().

// Session creation errors.
var (
	// ErrExclusivityViolation indicates a participant already has an active call.
	ErrExclusivityViolation = errors.New("participant already in an active call")

	// ErrSelfCall indicates caller and callee are the same user.
	ErrSelfCall = errors.New("caller and callee must differ")

	// ErrDuplicateCallID indicates the call ID is already registered.
	ErrDuplicateCallID = errors.New("call ID already registered")
)

// Lookup errors.
var (
	// ErrSessionNotFound indicates the call ID is unknown or already retired.
	ErrSessionNotFound = errors.New("call session not found")

	// ErrNoIncomingCall indicates there is no ringing incoming call to act on.
	ErrNoIncomingCall = errors.New("no incoming call to answer")
)

// State machine errors.
var (
	// ErrInvalidTransition indicates the requested phase change has no
	// defined edge from the current phase.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrSessionEnded indicates the session already reached a terminal phase.
	ErrSessionEnded = errors.New("call session already ended")
)

// Media errors.
var (
	// ErrPermissionDenied indicates local media could not be acquired.
	ErrPermissionDenied = errors.New("media permission denied")
)

// Router errors.
var (
	// ErrRouterNotRunning indicates the router has not been started.
	ErrRouterNotRunning = errors.New("router is not running")

	// ErrRouterAlreadyRunning indicates the router is already started.
	ErrRouterAlreadyRunning = errors.New("router is already running")

	// ErrProtocolViolation indicates a malformed or misattributed message.
	ErrProtocolViolation = errors.New("signaling protocol violation")
)
