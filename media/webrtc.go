package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/call"
	"github.com/opd-ai/peercall/signaling"
)

// Negotiator creates pion/webrtc backed media sessions. The zero value
// uses pion's default configuration with no ICE servers, which is
// enough for hosts that can reach each other directly; supply STUN or
// TURN servers through NewNegotiator for NAT traversal.
type Negotiator struct {
	config webrtc.Configuration
	api    *webrtc.API
}

// NewNegotiator returns a Negotiator that dials through the given ICE
// servers. Passing no servers yields host-candidate-only sessions.
func NewNegotiator(iceServers ...webrtc.ICEServer) *Negotiator {
	return &Negotiator{
		config: webrtc.Configuration{ICEServers: iceServers},
		api:    webrtc.NewAPI(),
	}
}

// NewMediaSession implements call.MediaNegotiator. Voice calls get an
// audio transceiver; video calls get audio and video. Transceivers are
// sendrecv so both legs produce matching m-lines.
func (n *Negotiator) NewMediaSession(ctx context.Context, callType signaling.CallType) (call.MediaSession, error) {
	api := n.api
	if api == nil {
		api = webrtc.NewAPI()
	}

	pc, err := api.NewPeerConnection(n.config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if callType == signaling.CallTypeVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("adding %s transceiver: %w", kind, err)
		}
	}

	if err := ctx.Err(); err != nil {
		pc.Close()
		return nil, err
	}

	sess := &webrtcSession{pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		sess.mu.Lock()
		fn := sess.onCandidate
		sess.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON().Candidate)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"package":  "media",
			"state":    state.String(),
		}).Debug("Peer connection state changed")

		sess.mu.Lock()
		fn := sess.onState
		sess.mu.Unlock()
		if fn != nil {
			fn(mapConnectionState(state))
		}
	})

	return sess, nil
}

// webrtcSession wraps a single PeerConnection for one call.
type webrtcSession struct {
	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	madeOffer   bool
	onCandidate func(candidate string)
	onState     func(state call.ConnectionState)
}

func (s *webrtcSession) CreateOffer(ctx context.Context) (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.madeOffer = true
	s.mu.Unlock()

	return s.pc.LocalDescription().SDP, nil
}

func (s *webrtcSession) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return s.pc.LocalDescription().SDP, nil
}

func (s *webrtcSession) ApplyRemoteDescription(sdp string) error {
	s.mu.Lock()
	sdpType := webrtc.SDPTypeOffer
	if s.madeOffer {
		sdpType = webrtc.SDPTypeAnswer
	}
	s.mu.Unlock()

	remote := webrtc.SessionDescription{Type: sdpType, SDP: sdp}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (s *webrtcSession) AddICECandidate(candidate string) error {
	if err := s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (s *webrtcSession) OnICECandidate(fn func(candidate string)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *webrtcSession) OnConnectionStateChange(fn func(state call.ConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *webrtcSession) Close() error {
	return s.pc.Close()
}

func mapConnectionState(state webrtc.PeerConnectionState) call.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return call.ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return call.ConnStateClosed
	default:
		return call.ConnStateNew
	}
}
