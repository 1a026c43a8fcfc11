package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSClient connects a user to a RelayHub over a websocket and implements
// the transport surface the signaling router consumes. A single writer
// goroutine serializes outbound frames; the read loop invokes the inbound
// handler on one goroutine, preserving delivery order.
type WSClient struct {
	userID string
	ws     *websocket.Conn
	out    chan []byte

	mu      sync.RWMutex
	handler func(fromUserID string, data []byte)
	closed  bool
	done    chan struct{}
}

// DialRelay connects the user to the relay at rawURL (ws:// or wss://).
func DialRelay(rawURL, userID string) (*WSClient, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &WSClient{
		userID: userID,
		ws:     ws,
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "DialRelay",
		"user_id":  userID,
		"relay":    u.Host,
	}).Info("Connected to relay")
	return c, nil
}

// UserID returns the user this client authenticates as.
func (c *WSClient) UserID() string { return c.userID }

// Send wraps the payload in an addressed relay frame and queues it.
func (c *WSClient) Send(toUserID string, data []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrEndpointClosed
	}

	frame, err := json.Marshal(&wsFrame{To: toUserID, Data: data})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrEndpointClosed
	}
}

// SetInboundHandler registers the receiver for inbound frames.
func (c *WSClient) SetInboundHandler(fn func(fromUserID string, data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Close tears down the connection. Safe to call more than once.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *WSClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writeLoop",
					"user_id":  c.userID,
					"error":    err.Error(),
				}).Warn("Relay write failed, closing")
				c.Close()
				return
			}
		}
	}
}

func (c *WSClient) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.From == "" {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"user_id":  c.userID,
			}).Warn("Dropping unparseable relay frame")
			continue
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler != nil {
			handler(frame.From, frame.Data)
		}
	}
}
