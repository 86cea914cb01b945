package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ScopeGlobal is the handshake selector for a connection used for presence,
// inbox badges, and call signaling instead of a single chat room.
const ScopeGlobal = "global"

// Connection wraps a websocket and coordinates outbound writes via a buffered
// channel. A connection is uniquely identified per socket and is safe for
// concurrent use. Scope is fixed at handshake time and never changes.
type Connection struct {
	ID          string
	UserID      string
	DisplayName string
	Role        string
	Scope       string // ScopeGlobal or a room id

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}

	mu      sync.Mutex
	callID  string
	holding bool
	pending [][]byte
}

// NewConnection constructs a Connection for the given user and scope.
func NewConnection(userID, displayName, role, scope string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		Scope:       scope,
		ws:          ws,
		send:        make(chan []byte, 128),
		close:       make(chan struct{}),
	}
}

// Global reports whether this connection uses the global scope.
func (c *Connection) Global() bool {
	return c.Scope == ScopeGlobal
}

// AttachCall records the call this connection currently participates in so
// an ungraceful close can run the leave path.
func (c *Connection) AttachCall(callID string) {
	c.mu.Lock()
	c.callID = callID
	c.mu.Unlock()
}

// DetachCall clears the attached call id and returns its previous value.
func (c *Connection) DetachCall() string {
	c.mu.Lock()
	id := c.callID
	c.callID = ""
	c.mu.Unlock()
	return id
}

// CallID returns the currently attached call id, or "" when none.
func (c *Connection) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. While the connection holds outbound
// delivery the payload is parked instead; see ReleaseOutbound. If the client
// is slow and the buffer is full, the connection is closed to keep
// backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	if c.holding {
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.enqueue(payload)
}

// HoldOutbound parks subsequent Sends until ReleaseOutbound runs. Used
// during the room handshake so no live broadcast can reach the socket ahead
// of the history frame.
func (c *Connection) HoldOutbound() {
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()
}

// ReleaseOutbound enqueues head, then every parked payload that keep admits
// (a nil keep admits everything), then resumes direct delivery. No Send can
// interleave ahead of head or between the parked payloads.
func (c *Connection) ReleaseOutbound(head []byte, keep func([]byte) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	c.holding = false

	_ = c.enqueue(head)
	for _, payload := range pending {
		if keep == nil || keep(payload) {
			_ = c.enqueue(payload)
		}
	}
}

func (c *Connection) enqueue(payload []byte) error {
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Close terminates the connection and stops the write loop.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		close(c.send)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
