package signaling

import "time"

// MessageKind identifies the four signaling message kinds exchanged
// between call peers.
type MessageKind string

const (
	// KindOffer initiates a call and carries the caller's session description.
	KindOffer MessageKind = "offer"
	// KindAnswer accepts a call and carries the callee's session description.
	KindAnswer MessageKind = "answer"
	// KindIceCandidate carries one connectivity candidate.
	KindIceCandidate MessageKind = "ice-candidate"
	// KindEnd terminates a call and carries the terminal reason.
	KindEnd MessageKind = "end"
)

// Valid reports whether k is one of the defined message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindIceCandidate, KindEnd:
		return true
	}
	return false
}

// CallType selects the media profile of a call. Fixed at call creation.
type CallType string

const (
	// CallTypeVoice is an audio-only call.
	CallTypeVoice CallType = "voice"
	// CallTypeVideo is an audio plus video call.
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a defined call type.
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// EndReason is the closed enumeration of terminal call outcomes carried
// by end messages and surfaced in phase events.
type EndReason string

const (
	// ReasonHangup indicates either peer ended the call deliberately.
	ReasonHangup EndReason = "hangup"
	// ReasonRejected indicates the callee declined the call.
	ReasonRejected EndReason = "rejected"
	// ReasonNoAnswer indicates the callee did not answer before the ring timeout.
	ReasonNoAnswer EndReason = "no-answer"
	// ReasonConnectFailed indicates media connectivity establishment failed.
	ReasonConnectFailed EndReason = "connect-failed"
	// ReasonTimeout indicates a setup phase exceeded its deadline.
	ReasonTimeout EndReason = "timeout"
	// ReasonConnectionLost indicates an established call did not recover
	// from a media disconnect in time.
	ReasonConnectionLost EndReason = "connection-lost"
	// ReasonPermissionDenied indicates local media could not be acquired.
	ReasonPermissionDenied EndReason = "permission-denied"
	// ReasonGlare indicates the call lost a simultaneous-dial race.
	ReasonGlare EndReason = "glare"
)

// Valid reports whether r is a member of the closed reason enumeration.
func (r EndReason) Valid() bool {
	switch r {
	case ReasonHangup, ReasonRejected, ReasonNoAnswer, ReasonConnectFailed,
		ReasonTimeout, ReasonConnectionLost, ReasonPermissionDenied, ReasonGlare:
		return true
	}
	return false
}

// Envelope is the wire representation of one signaling message. The field
// set in use depends on Kind; unused fields are omitted from the encoding.
type Envelope struct {
	Kind       MessageKind `json:"kind"`
	CallID     string      `json:"callId"`
	CallType   CallType    `json:"callType,omitempty"`
	FromUserID string      `json:"fromUserId"`
	ToUserID   string      `json:"toUserId"`
	CreatedAt  time.Time   `json:"createdAt,omitempty"`
	SDP        string      `json:"sdp,omitempty"`
	Candidate  string      `json:"candidate,omitempty"`
	Reason     EndReason   `json:"reason,omitempty"`
}

// NewOffer builds an offer envelope for a new call.
func NewOffer(callID string, callType CallType, fromUserID, toUserID, sdp string, createdAt time.Time) *Envelope {
	return &Envelope{
		Kind:       KindOffer,
		CallID:     callID,
		CallType:   callType,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		CreatedAt:  createdAt,
		SDP:        sdp,
	}
}

// NewAnswer builds an answer envelope accepting the identified call.
func NewAnswer(callID string, callType CallType, fromUserID, toUserID, sdp string) *Envelope {
	return &Envelope{
		Kind:       KindAnswer,
		CallID:     callID,
		CallType:   callType,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		SDP:        sdp,
	}
}

// NewIceCandidate builds a candidate envelope for the identified call.
func NewIceCandidate(callID, fromUserID, toUserID, candidate string) *Envelope {
	return &Envelope{
		Kind:       KindIceCandidate,
		CallID:     callID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Candidate:  candidate,
	}
}

// NewEnd builds an end envelope carrying the terminal reason.
func NewEnd(callID, fromUserID, toUserID string, reason EndReason) *Envelope {
	return &Envelope{
		Kind:       KindEnd,
		CallID:     callID,
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Reason:     reason,
	}
}
