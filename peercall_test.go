package peercall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercall/call"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/transport"
)

// stubMedia is a minimal scripted media session for facade tests.
type stubMedia struct {
	mu      sync.Mutex
	onState func(call.ConnectionState)
}

func (m *stubMedia) CreateOffer(ctx context.Context) (string, error) { return "stub-offer", nil }

func (m *stubMedia) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	return "stub-answer", nil
}

func (m *stubMedia) ApplyRemoteDescription(sdp string) error { return nil }

func (m *stubMedia) AddICECandidate(candidate string) error { return nil }

func (m *stubMedia) OnICECandidate(fn func(candidate string)) {}

func (m *stubMedia) OnConnectionStateChange(fn func(state call.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *stubMedia) Close() error { return nil }

func (m *stubMedia) connect() {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(call.ConnStateConnected)
	}
}

type stubNegotiator struct {
	mu       sync.Mutex
	sessions []*stubMedia
}

func (n *stubNegotiator) NewMediaSession(ctx context.Context, callType signaling.CallType) (call.MediaSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	media := &stubMedia{}
	n.sessions = append(n.sessions, media)
	return media, nil
}

func (n *stubNegotiator) last() *stubMedia {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sessions) == 0 {
		return nil
	}
	return n.sessions[len(n.sessions)-1]
}

func newTestNode(t *testing.T, network *transport.MemoryNetwork, userID string) (*Node, *stubNegotiator) {
	t.Helper()
	negotiator := &stubNegotiator{}
	node, err := New(Options{
		UserID:     userID,
		Transport:  network.Endpoint(userID),
		Negotiator: negotiator,
	})
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(func() { node.Close() })
	return node, negotiator
}

func TestNodeOptionsValidation(t *testing.T) {
	network := transport.NewMemoryNetwork()

	_, err := New(Options{Transport: network.Endpoint("x"), Negotiator: &stubNegotiator{}})
	assert.Error(t, err, "missing user ID")

	_, err = New(Options{UserID: "alice", Negotiator: &stubNegotiator{}})
	assert.Error(t, err, "missing transport")

	_, err = New(Options{UserID: "alice", Transport: network.Endpoint("alice")})
	assert.Error(t, err, "missing negotiator")
}

func TestNodeEndToEndCall(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, aliceMedia := newTestNode(t, network, "alice")
	bob, bobMedia := newTestNode(t, network, "bob")

	var incomingMu sync.Mutex
	var incoming *call.Session
	bob.OnIncomingCall(func(sess *call.Session) {
		incomingMu.Lock()
		incoming = sess
		incomingMu.Unlock()
	})

	var eventsMu sync.Mutex
	var phases []call.Phase
	alice.OnPhaseChange(func(ev call.PhaseEvent) {
		eventsMu.Lock()
		phases = append(phases, ev.To)
		eventsMu.Unlock()
	})

	callID, err := alice.StartCall(context.Background(), "bob", signaling.CallTypeVoice)
	require.NoError(t, err)
	require.NotEmpty(t, callID)

	require.Eventually(t, func() bool {
		incomingMu.Lock()
		defer incomingMu.Unlock()
		return incoming != nil
	}, 2*time.Second, 5*time.Millisecond, "bob never saw the incoming call")

	incomingMu.Lock()
	assert.Equal(t, "alice", incoming.CallerID())
	assert.Equal(t, signaling.CallTypeVoice, incoming.CallType())
	incomingMu.Unlock()

	require.NoError(t, bob.Answer(context.Background(), callID))

	require.Eventually(t, func() bool {
		active := alice.ActiveCall()
		return active != nil && active.Phase() == call.PhaseConnecting
	}, 2*time.Second, 5*time.Millisecond, "caller never reached connecting")

	aliceMedia.last().connect()
	bobMedia.last().connect()

	require.Eventually(t, func() bool {
		active := alice.ActiveCall()
		return active != nil && active.Phase() == call.PhaseInCall
	}, 2*time.Second, 5*time.Millisecond, "call never established")

	require.Eventually(t, func() bool {
		active := bob.ActiveCall()
		return active != nil && active.Phase() == call.PhaseInCall
	}, 2*time.Second, 5*time.Millisecond)

	// Second call while busy fails fast on the caller side.
	_, err = alice.StartCall(context.Background(), "carol", signaling.CallTypeVoice)
	assert.ErrorIs(t, err, call.ErrExclusivityViolation)

	alice.Hangup(callID)
	require.Eventually(t, func() bool {
		return alice.ActiveCall() == nil && bob.ActiveCall() == nil
	}, 2*time.Second, 5*time.Millisecond, "hangup never settled")

	eventsMu.Lock()
	assert.Equal(t, []call.Phase{
		call.PhaseRequestingPermission,
		call.PhaseDialing,
		call.PhaseRinging,
		call.PhaseConnecting,
		call.PhaseInCall,
		call.PhaseEnded,
	}, phases)
	eventsMu.Unlock()
}

func TestNodeRejectFlow(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, _ := newTestNode(t, network, "alice")
	bob, _ := newTestNode(t, network, "bob")

	var incomingMu sync.Mutex
	var incoming *call.Session
	bob.OnIncomingCall(func(sess *call.Session) {
		incomingMu.Lock()
		incoming = sess
		incomingMu.Unlock()
	})

	callID, err := alice.StartCall(context.Background(), "bob", signaling.CallTypeVideo)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		incomingMu.Lock()
		defer incomingMu.Unlock()
		return incoming != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Reject(callID))

	require.Eventually(t, func() bool {
		return alice.ActiveCall() == nil
	}, 2*time.Second, 5*time.Millisecond)

	// Answering after rejection reports no incoming call.
	err = bob.Answer(context.Background(), callID)
	assert.True(t, errors.Is(err, call.ErrNoIncomingCall))
}

func TestNodeCloseHangsUp(t *testing.T) {
	network := transport.NewMemoryNetwork()
	alice, aliceMedia := newTestNode(t, network, "alice")
	bob, bobMedia := newTestNode(t, network, "bob")

	var incomingMu sync.Mutex
	var incoming *call.Session
	bob.OnIncomingCall(func(sess *call.Session) {
		incomingMu.Lock()
		incoming = sess
		incomingMu.Unlock()
	})

	callID, err := alice.StartCall(context.Background(), "bob", signaling.CallTypeVoice)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		incomingMu.Lock()
		defer incomingMu.Unlock()
		return incoming != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, bob.Answer(context.Background(), callID))
	require.Eventually(t, func() bool {
		active := alice.ActiveCall()
		return active != nil && active.Phase() == call.PhaseConnecting
	}, 2*time.Second, 5*time.Millisecond)
	aliceMedia.last().connect()
	bobMedia.last().connect()
	require.Eventually(t, func() bool {
		active := alice.ActiveCall()
		return active != nil && active.Phase() == call.PhaseInCall
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close(), "double close must be harmless")

	assert.Nil(t, alice.ActiveCall())
	require.Eventually(t, func() bool {
		return bob.ActiveCall() == nil
	}, 2*time.Second, 5*time.Millisecond, "peer never learned about the shutdown hangup")
}
