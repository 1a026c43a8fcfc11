package transport

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Memory transport errors.
var (
	// ErrUnknownUser indicates no endpoint is attached for the addressed user.
	ErrUnknownUser = errors.New("unknown user")

	// ErrEndpointClosed indicates the endpoint has been closed.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// MemoryNetwork connects in-process endpoints by user ID. Each endpoint
// owns a delivery goroutine draining a FIFO queue, so frames from any one
// sender arrive in the order they were sent, without the sender blocking
// on the receiver's handler.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryEndpoint
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryEndpoint)}
}

// Endpoint attaches (or returns the existing) endpoint for the user.
func (n *MemoryNetwork) Endpoint(userID string) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[userID]; ok {
		return ep
	}
	ep := &MemoryEndpoint{
		network: n,
		userID:  userID,
		inbox:   make(chan memoryFrame, 64),
		done:    make(chan struct{}),
	}
	go ep.deliverLoop()
	n.endpoints[userID] = ep
	return ep
}

func (n *MemoryNetwork) lookup(userID string) *MemoryEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[userID]
}

func (n *MemoryNetwork) detach(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, userID)
}

type memoryFrame struct {
	from string
	data []byte
}

// MemoryEndpoint is one user's attachment to a MemoryNetwork. It
// implements the transport surface the signaling router consumes.
type MemoryEndpoint struct {
	network *MemoryNetwork
	userID  string
	inbox   chan memoryFrame

	mu      sync.RWMutex
	handler func(fromUserID string, data []byte)
	closed  bool
	done    chan struct{}
}

// UserID returns the user this endpoint belongs to.
func (e *MemoryEndpoint) UserID() string { return e.userID }

// Send delivers a frame to the addressed user's endpoint.
func (e *MemoryEndpoint) Send(toUserID string, data []byte) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrEndpointClosed
	}

	target := e.network.lookup(toUserID)
	if target == nil {
		return ErrUnknownUser
	}

	// Copy so the sender can reuse its buffer.
	frame := memoryFrame{from: e.userID, data: append([]byte(nil), data...)}
	select {
	case target.inbox <- frame:
		return nil
	case <-target.done:
		return ErrUnknownUser
	}
}

// SetInboundHandler registers the receiver for inbound frames. Frames
// arriving while no handler is set are dropped.
func (e *MemoryEndpoint) SetInboundHandler(fn func(fromUserID string, data []byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = fn
}

// Close detaches the endpoint from the network and stops delivery.
func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.network.detach(e.userID)
	return nil
}

func (e *MemoryEndpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case frame := <-e.inbox:
			e.mu.RLock()
			handler := e.handler
			e.mu.RUnlock()
			if handler == nil {
				logrus.WithFields(logrus.Fields{
					"function":     "deliverLoop",
					"user_id":      e.userID,
					"from_user_id": frame.from,
				}).Debug("Dropping frame - no inbound handler registered")
				continue
			}
			handler(frame.from, frame.data)
		}
	}
}
