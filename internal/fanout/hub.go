// Package fanout delivers recorded events to the real-time subscribers of the
// user they belong to.
//
// A Hub is created at service start and owns the channel membership table.
// Each subscriber is a Conn that moves Connected -> Authenticated -> Closed.
// Joins, leaves and publishes are serialized by one mutex, so a publish never
// reaches a connection that finished leaving and never misses one that
// finished joining.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/hookwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/session"
)

const DefaultSendBuffer = 64

var ErrClosed = errors.New("fanout: connection closed")

type State int

const (
	Connected State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Conn is one subscriber. Its outbound frames are read from Send until the
// channel is closed, which happens exactly once when the Conn leaves the hub.
type Conn struct {
	ID string

	hub      *Hub
	send     chan []byte
	state    State
	identity session.Identity
}

// Send is the stream of encoded frames to write to the subscriber.
func (c *Conn) Send() <-chan []byte { return c.send }

func (c *Conn) State() State {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.state
}

// Identity reports who the connection is bound to, if anyone.
func (c *Conn) Identity() (session.Identity, bool) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.identity, c.state == Authenticated
}

type Hub struct {
	validator  session.Validator
	sendBuffer int
	logger     *slog.Logger

	mu     sync.Mutex
	rooms  map[objectid.ID]map[*Conn]struct{}
	conns  map[*Conn]struct{}
	closed bool
}

type Option func(*Hub)

// WithSendBuffer sets how many frames may wait for a slow subscriber before
// it is evicted.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

func NewHub(v session.Validator, opts ...Option) *Hub {
	h := &Hub{
		validator:  v,
		sendBuffer: DefaultSendBuffer,
		logger:     slog.Default(),
		rooms:      make(map[objectid.ID]map[*Conn]struct{}),
		conns:      make(map[*Conn]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Connect registers a new, unauthenticated subscriber. After Close it returns
// a connection that is already Closed.
func (h *Hub) Connect() *Conn {
	c := &Conn{
		ID:   uuid.NewString(),
		hub:  h,
		send: make(chan []byte, h.sendBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.state = Closed
		close(c.send)
		return c
	}
	h.conns[c] = struct{}{}
	metrics.SubscribersConnected.Inc()
	return c
}

// Authenticate validates credential and binds c to the identity's channel.
// A rejected credential leaves c open, keeps any earlier binding and queues
// an error acknowledgment so the client can retry.
func (h *Hub) Authenticate(ctx context.Context, c *Conn, credential string) (session.Identity, error) {
	// Validation may hit storage; keep it outside the lock.
	id, verr := h.validator.Validate(ctx, credential)

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state == Closed {
		return session.Identity{}, ErrClosed
	}
	if verr != nil {
		metrics.AuthFailures.WithLabelValues("realtime").Inc()
		h.enqueueLocked(c, mustFrame(EventAuthenticated, authAck{Status: "error", Message: verr.Error()}))
		return session.Identity{}, verr
	}

	if c.state == Authenticated && c.identity.UserID != id.UserID {
		h.leaveLocked(c)
	}
	if c.state != Authenticated {
		metrics.SubscribersAuthenticated.Inc()
	}
	room := h.rooms[id.UserID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[id.UserID] = room
	}
	room[c] = struct{}{}
	c.identity = id
	c.state = Authenticated
	h.enqueueLocked(c, mustFrame(EventAuthenticated, authAck{Status: "success", Identity: &id}))
	if c.state == Closed {
		// The ack did not fit; the connection was evicted.
		return session.Identity{}, ErrClosed
	}
	h.logger.Debug("subscriber authenticated", "conn_id", c.ID, "user_id", id.UserID)
	return id, nil
}

// Disconnect removes c from its channel and closes its send stream. Calling
// it more than once is harmless.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(c)
}

// Publish queues ev for every connection bound to userID, in call order, and
// reports how many received it. With no subscribers it returns 0 at once.
func (h *Hub) Publish(userID objectid.ID, ev any) int {
	frame, err := encodeFrame(EventWebhookUpdate, ev)
	if err != nil {
		h.logger.Error("encode webhook update", "user_id", userID, "err", err)
		return 0
	}
	metrics.EventsPublished.Inc()

	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for c := range h.rooms[userID] {
		if h.enqueueLocked(c, frame) {
			delivered++
		}
	}
	metrics.EventsDelivered.Add(float64(delivered))
	return delivered
}

// Subscribers is the number of connections bound to userID.
func (h *Hub) Subscribers(userID objectid.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[userID])
}

// Close disconnects every subscriber. Later Connect calls return closed
// connections and Publish finds no one.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.conns {
		h.closeLocked(c)
	}
}

// enqueueLocked hands frame to c without blocking. A full buffer means the
// subscriber cannot keep up; it is evicted so it never silently misses events.
func (h *Hub) enqueueLocked(c *Conn, frame []byte) bool {
	if c.state == Closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.SubscribersEvicted.Inc()
		h.logger.Warn("evicting slow subscriber", "conn_id", c.ID, "user_id", c.identity.UserID)
		h.closeLocked(c)
		return false
	}
}

func (h *Hub) leaveLocked(c *Conn) {
	room := h.rooms[c.identity.UserID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.identity.UserID)
	}
}

func (h *Hub) closeLocked(c *Conn) {
	if c.state == Closed {
		return
	}
	if c.state == Authenticated {
		h.leaveLocked(c)
		metrics.SubscribersAuthenticated.Dec()
	}
	c.state = Closed
	delete(h.conns, c)
	close(c.send)
	metrics.SubscribersConnected.Dec()
}

// Dispatch handles one inbound frame from c. It reports whether the
// connection should be torn down. Frames for a closed connection are ignored.
func (h *Hub) Dispatch(ctx context.Context, c *Conn, raw []byte) (done bool) {
	if c.State() == Closed {
		return true
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
		h.reply(c, EventError, errorData{Message: "malformed message"})
		return false
	}
	switch msg.Event {
	case EventAuthenticate:
		cred, err := credentialFrom(msg.Data)
		if err != nil {
			h.reply(c, EventAuthenticated, authAck{Status: "error", Message: err.Error()})
			return false
		}
		if _, err := h.Authenticate(ctx, c, cred); errors.Is(err, ErrClosed) {
			return true
		}
		return false
	case EventDisconnect:
		h.Disconnect(c)
		return true
	default:
		h.reply(c, EventError, errorData{Message: fmt.Sprintf("unknown event %q", msg.Event)})
		return false
	}
}

func (h *Hub) reply(c *Conn, name string, data any) {
	frame := mustFrame(name, data)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(c, frame)
}
