package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/peercall/signaling"
)

// errNoSuchEndpoint is what the test transport reports for unreachable users.
var errNoSuchEndpoint = errors.New("no endpoint for user")

// mockClock is a controllable TimeProvider for deterministic tests.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Unix(1700000000, 0)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockMedia is a scriptable MediaSession that records what the state
// machine feeds it and lets tests fire candidate and connectivity
// callbacks as if the media stack produced them.
type mockMedia struct {
	mu          sync.Mutex
	offerSDP    string
	answerSDP   string
	remoteSDP   string
	candidates  []string
	closed      bool
	offerErr    error
	answerErr   error
	applyErr    error
	onCandidate func(string)
	onState     func(ConnectionState)
}

func newMockMedia() *mockMedia {
	return &mockMedia{offerSDP: "mock-offer-sdp", answerSDP: "mock-answer-sdp"}
}

func (m *mockMedia) CreateOffer(ctx context.Context) (string, error) {
	if m.offerErr != nil {
		return "", m.offerErr
	}
	return m.offerSDP, nil
}

func (m *mockMedia) CreateAnswer(ctx context.Context, offerSDP string) (string, error) {
	if m.answerErr != nil {
		return "", m.answerErr
	}
	m.mu.Lock()
	m.remoteSDP = offerSDP
	m.mu.Unlock()
	return m.answerSDP, nil
}

func (m *mockMedia) ApplyRemoteDescription(sdp string) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.mu.Lock()
	m.remoteSDP = sdp
	m.mu.Unlock()
	return nil
}

func (m *mockMedia) AddICECandidate(candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, candidate)
	return nil
}

func (m *mockMedia) OnICECandidate(fn func(candidate string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = fn
}

func (m *mockMedia) OnConnectionStateChange(fn func(state ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *mockMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockMedia) RemoteSDP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteSDP
}

func (m *mockMedia) Candidates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.candidates))
	copy(out, m.candidates)
	return out
}

func (m *mockMedia) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fireCandidate simulates the media stack gathering a local candidate.
func (m *mockMedia) fireCandidate(candidate string) {
	m.mu.Lock()
	fn := m.onCandidate
	m.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// fireState simulates a media connectivity transition.
func (m *mockMedia) fireState(state ConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// mockNegotiator hands out mockMedia sessions, or fails every
// acquisition with err when set.
type mockNegotiator struct {
	mu       sync.Mutex
	err      error
	sessions []*mockMedia
}

func (n *mockNegotiator) NewMediaSession(ctx context.Context, callType signaling.CallType) (MediaSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	media := newMockMedia()
	n.sessions = append(n.sessions, media)
	return media, nil
}

// last returns the most recently created media session, or nil.
func (n *mockNegotiator) last() *mockMedia {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sessions) == 0 {
		return nil
	}
	return n.sessions[len(n.sessions)-1]
}

// testNetwork wires any number of test endpoints together in process.
// Each endpoint delivers inbound frames on its own goroutine in FIFO
// order, mirroring a reliable ordered messenger.
type testNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*testEndpoint
}

func newTestNetwork() *testNetwork {
	return &testNetwork{endpoints: make(map[string]*testEndpoint)}
}

func (n *testNetwork) endpoint(userID string) *testEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[userID]; ok {
		return ep
	}
	ep := &testEndpoint{
		network: n,
		userID:  userID,
		inbox:   make(chan testFrame, 64),
		done:    make(chan struct{}),
	}
	go ep.deliverLoop()
	n.endpoints[userID] = ep
	return ep
}

type testFrame struct {
	from string
	data []byte
}

type testEndpoint struct {
	network *testNetwork
	userID  string
	inbox   chan testFrame

	mu      sync.Mutex
	handler func(fromUserID string, data []byte)
	sendErr error

	closeOnce sync.Once
	done      chan struct{}
}

func (e *testEndpoint) Send(toUserID string, data []byte) error {
	e.mu.Lock()
	sendErr := e.sendErr
	e.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}

	e.network.mu.Lock()
	target, ok := e.network.endpoints[toUserID]
	e.network.mu.Unlock()
	if !ok {
		return errNoSuchEndpoint
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case target.inbox <- testFrame{from: e.userID, data: buf}:
		return nil
	case <-target.done:
		return errNoSuchEndpoint
	}
}

func (e *testEndpoint) SetInboundHandler(fn func(fromUserID string, data []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = fn
}

func (e *testEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func (e *testEndpoint) failSends(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendErr = err
}

func (e *testEndpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.inbox:
			e.mu.Lock()
			handler := e.handler
			e.mu.Unlock()
			if handler != nil {
				handler(frame.from, frame.data)
			}
		}
	}
}

// testPeer bundles everything one simulated user needs in router tests.
type testPeer struct {
	userID     string
	endpoint   *testEndpoint
	negotiator *mockNegotiator
	registry   *Registry
	router     *Router
}

func newTestPeer(t testingT, network *testNetwork, userID string, timeouts Timeouts) *testPeer {
	endpoint := network.endpoint(userID)
	negotiator := &mockNegotiator{}
	registry := NewRegistry()
	router, err := NewRouter(userID, endpoint, negotiator, registry, timeouts)
	if err != nil {
		t.Fatalf("Failed to create router for %s: %v", userID, err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("Failed to start router for %s: %v", userID, err)
	}
	t.Cleanup(func() {
		router.Stop()
		endpoint.Close()
	})
	return &testPeer{
		userID:     userID,
		endpoint:   endpoint,
		negotiator: negotiator,
		registry:   registry,
		router:     router,
	}
}

// testingT is the slice of *testing.T the helpers need.
type testingT interface {
	Fatalf(format string, args ...interface{})
	Cleanup(fn func())
}
