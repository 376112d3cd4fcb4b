package broker

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "stand/shared/contracts/pairing/v1"
)

// Role identifies which side of the rendezvous a connection plays.
// It is established by the first meaningful event on the wire.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleBrowser
	RoleMobile
)

func (r Role) String() string {
	switch r {
	case RoleBrowser:
		return "browser"
	case RoleMobile:
		return "mobile"
	default:
		return "unknown"
	}
}

// Client represents one live websocket connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent senders.
// - done is used to signal goroutines to stop; Close is idempotent.
// - PairingID is owned by the connection's read loop. The role is written by
//   the read loop but also read by the supervisor's idle scan, so it is atomic.
type Client struct {
	ID        string
	PairingID string
	Send      chan v1.Message

	role      atomic.Uint32
	lastSeen  atomic.Int64 // unix nanos
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	c := &Client{
		ID:   id,
		Send: make(chan v1.Message, sendQueueSize),
		done: make(chan struct{}),
	}
	c.lastSeen.Store(time.Now().UTC().UnixNano())
	return c
}

// Role returns the connection's current role.
func (c *Client) Role() Role {
	return Role(c.role.Load())
}

// SetRole records the role established by the first meaningful event.
func (c *Client) SetRole(r Role) {
	c.role.Store(uint32(r))
}

// Touch records liveness at t.
func (c *Client) Touch(t time.Time) {
	if c == nil {
		return
	}
	c.lastSeen.Store(t.UnixNano())
}

// LastSeen returns the most recent liveness timestamp.
func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load()).UTC()
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep concurrent sends safe.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
