package transport

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// RelayHub is the server side of the websocket transport: it accepts one
// connection per user and forwards addressed frames between them. It
// performs no inspection of the signaling payload; delivery order per
// sender is preserved because each connection has a single reader and
// each recipient a single writer.
//
// Authentication of the user identity is the responsibility of the
// surrounding HTTP stack; the hub trusts the identity it is handed.
type RelayHub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*hubConn
}

type hubConn struct {
	userID string
	ws     *websocket.Conn
	out    chan []byte
	once   sync.Once
	done   chan struct{}
}

// NewRelayHub creates a hub with no connected users.
func NewRelayHub() *RelayHub {
	return &RelayHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*hubConn),
	}
}

// ServeHTTP upgrades the request to a websocket for the user named in the
// "user" query parameter. A second connection for the same user replaces
// the first.
func (h *RelayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	conn := &hubConn{
		userID: userID,
		ws:     ws,
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.conns[userID]; ok {
		old.close()
	}
	h.conns[userID] = conn
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ServeHTTP",
		"user_id":  userID,
	}).Info("User connected to relay")

	go h.writeLoop(conn)
	h.readLoop(conn)
}

// ConnectedUsers returns how many users are currently attached.
func (h *RelayHub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *RelayHub) readLoop(conn *hubConn) {
	defer h.drop(conn)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.To == "" {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"user_id":  conn.userID,
			}).Warn("Dropping unparseable relay frame")
			continue
		}

		// The hub is authoritative for the sender identity.
		frame.From = conn.userID
		out, err := json.Marshal(&frame)
		if err != nil {
			continue
		}

		h.mu.RLock()
		target := h.conns[frame.To]
		h.mu.RUnlock()
		if target == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "readLoop",
				"from":       conn.userID,
				"to_user_id": frame.To,
			}).Debug("Dropping frame for disconnected user")
			continue
		}

		select {
		case target.out <- out:
		case <-target.done:
		}
	}
}

func (h *RelayHub) writeLoop(conn *hubConn) {
	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.out:
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (h *RelayHub) drop(conn *hubConn) {
	conn.close()
	h.mu.Lock()
	if h.conns[conn.userID] == conn {
		delete(h.conns, conn.userID)
	}
	h.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "drop",
		"user_id":  conn.userID,
	}).Info("User disconnected from relay")
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
