package transport

// wsFrame is the relay wire format: an addressed wrapper around an opaque
// signaling payload. Data is a byte slice, which encoding/json carries as
// base64, so payloads need not themselves be JSON. The hub stamps From
// from the authenticated connection, so clients cannot impersonate each
// other.
type wsFrame struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data []byte `json:"data"`
}
