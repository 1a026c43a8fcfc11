package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Codec errors. These enable classification with errors.Is when a message
// is rejected before dispatch.
var (
	// ErrMalformed indicates the payload was not a decodable envelope.
	ErrMalformed = errors.New("malformed signaling message")

	// ErrInvalidField indicates a decodable envelope failed per-kind validation.
	ErrInvalidField = errors.New("invalid signaling field")
)

// Encode serializes an envelope to its JSON wire form, validating it first
// so that no malformed message ever reaches the transport.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if err := env.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Encode",
			"kind":     string(env.Kind),
			"call_id":  env.CallID,
			"error":    err.Error(),
		}).Error("Refusing to encode invalid signaling message")
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

// Decode parses and validates a wire payload. Unknown fields are ignored;
// missing or invalid required fields are rejected.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the per-kind field requirements of the envelope.
func (env *Envelope) Validate() error {
	if !env.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidField, env.Kind)
	}
	if env.CallID == "" {
		return fmt.Errorf("%w: missing callId", ErrInvalidField)
	}
	if env.FromUserID == "" {
		return fmt.Errorf("%w: missing fromUserId", ErrInvalidField)
	}
	if env.ToUserID == "" {
		return fmt.Errorf("%w: missing toUserId", ErrInvalidField)
	}
	if env.FromUserID == env.ToUserID {
		return fmt.Errorf("%w: fromUserId equals toUserId", ErrInvalidField)
	}

	switch env.Kind {
	case KindOffer:
		if !env.CallType.Valid() {
			return fmt.Errorf("%w: offer has invalid callType %q", ErrInvalidField, env.CallType)
		}
		if env.SDP == "" {
			return fmt.Errorf("%w: offer missing sdp", ErrInvalidField)
		}
		if env.CreatedAt.IsZero() {
			return fmt.Errorf("%w: offer missing createdAt", ErrInvalidField)
		}
	case KindAnswer:
		if env.SDP == "" {
			return fmt.Errorf("%w: answer missing sdp", ErrInvalidField)
		}
	case KindIceCandidate:
		if env.Candidate == "" {
			return fmt.Errorf("%w: ice-candidate missing candidate", ErrInvalidField)
		}
	case KindEnd:
		if !env.Reason.Valid() {
			return fmt.Errorf("%w: end has invalid reason %q", ErrInvalidField, env.Reason)
		}
	}
	return nil
}
