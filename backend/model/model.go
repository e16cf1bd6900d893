package model

import (
	"time"
)

// DefaultRoom always exists and is never removed.
const DefaultRoom = "General"

// AnonymousName is used for senders that never joined.
const AnonymousName = "Anonymous"

type Connection struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// Joined reports whether the connection has gone through join.
func (c Connection) Joined() bool {
	return c.Room != ""
}

// DisplayName returns username or AnonymousName for unjoined connections.
func (c Connection) DisplayName() string {
	if c.Username == "" {
		return AnonymousName
	}
	return c.Username
}

type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"senderId"`
	Room      *string   `json:"room"` // nil for private messages
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	IsPrivate bool      `json:"isPrivate"`
}

// Presence is the payload of user_joined and user_left.
type Presence struct {
	Username string `json:"username"`
	ID       string `json:"id"`
}

type Wire struct {
	RX chan Inbound
	TX chan Outbound
	// Evict, if set, ends the transport session. Called once when TX overflows.
	Evict func()
}

// NewWire makes a wire with outbound queue of txSize.
// Fan-out never waits on a full queue, so txSize bounds how far a reader may lag.
func NewWire(txSize int) Wire {
	return Wire{
		RX: make(chan Inbound),
		TX: make(chan Outbound, txSize),
	}
}
