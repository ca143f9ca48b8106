package wsgateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrSendQueueFull       = errors.New("send queue full")
	ErrTooManyConnections  = errors.New("max connections reached")
	ErrHubStopped          = errors.New("hub stopped")
	ErrConnectionNotOpened = errors.New("connection is not open")
)

// Transport is the part of *websocket.Conn a Connection uses. gorilla/websocket
// allows one concurrent reader and one concurrent writer; WriteControl may be
// called from any goroutine.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

// ConnectionState is the lifecycle stage of a connection
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one open realtime channel owned by a user
type Connection struct {
	ID     string
	UserID string

	transport Transport
	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once

	mu        sync.RWMutex
	lastPong  time.Time
	createdAt time.Time
}

// NewConnection wraps transport in a connection with a fresh ID
func NewConnection(userID string, transport Transport, sendBufferSize int) *Connection {
	if sendBufferSize <= 0 {
		sendBufferSize = 256
	}
	now := time.Now()
	return &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		transport: transport,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		createdAt: now,
		lastPong:  now,
	}
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// open moves CONNECTING to OPEN. It fails once the connection is closed.
func (c *Connection) open() error {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return ErrConnectionNotOpened
	}
	return nil
}

// Send queues data for the write goroutine. It never blocks.
func (c *Connection) Send(data []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close moves the connection to CLOSED and releases the transport. Only the
// first call has an effect; it reports whether this call closed it.
func (c *Connection) Close() bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.transport.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.transport.Close()
	})
	return closed
}

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// UpdateLastPong updates the last pong time
func (c *Connection) UpdateLastPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

// GetLastPong returns the last pong time
func (c *Connection) GetLastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong
}

// CreatedAt returns when the connection was accepted
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}
