package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/storage"
)

// fakeTransport is an in-memory Transport. Inbound frames are pushed with
// receive; text frames written by the hub are collected in order.
type fakeTransport struct {
	mu         sync.Mutex
	inbound    chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	frames     [][]byte
	failWrites bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write: broken pipe")
	}
	select {
	case <-f.closed:
		return errors.New("write: use of closed connection")
	default:
	}
	if messageType == websocket.TextMessage {
		f.frames = append(f.frames, append([]byte(nil), data...))
	}
	return nil
}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeTransport) SetReadDeadline(time.Time) error            { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error           { return nil }
func (f *fakeTransport) SetReadLimit(int64)                         {}
func (f *fakeTransport) SetPongHandler(func(string) error)          {}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) receive(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("inbound buffer full")
	}
}

func (f *fakeTransport) setFailWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = fail
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

// Decoded returns every text frame as a generic JSON object
func (f *fakeTransport) Decoded(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, frame := range f.Frames() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(frame, &m))
		out = append(out, m)
	}
	return out
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Second,
		PingInterval:   30 * time.Second,
		MaxConnections: 100,
		SendBufferSize: 256,
		EventStream:    "realtime.events",
		ConsumerGroup:  "realtime-gateway",
		ConsumerName:   "test",
	}
}

func testPresenceConfig() config.PresenceConfig {
	return config.PresenceConfig{
		QueueSize:    64,
		WriteTimeout: time.Second,
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
	}
}

type testHub struct {
	*Hub
	store        *storage.MockPresenceStore
	participants *storage.MockParticipantDirectory
}

func newTestHub(t *testing.T, redis storage.RedisClient) *testHub {
	t.Helper()
	store := storage.NewMockPresenceStore()
	participants := storage.NewMockParticipantDirectory()
	tracker := NewPresenceTracker(store, testPresenceConfig())

	var hub *Hub
	if redis != nil {
		hub = NewHub(testGatewayConfig(), tracker, participants, redis)
	} else {
		hub = NewHub(testGatewayConfig(), tracker, participants, nil)
		require.NoError(t, hub.Start())
	}
	t.Cleanup(hub.Stop)

	return &testHub{Hub: hub, store: store, participants: participants}
}

func (h *testHub) connect(t *testing.T, userID string) (string, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	id, err := h.Register(tr, userID)
	require.NoError(t, err)
	return id, tr
}

func (h *testHub) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.FlushPresence(ctx))
}
