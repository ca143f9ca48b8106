package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/pubsub"
	"github.com/impactlink/realtime-gateway/internal/storage"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestHub_MembershipFollowsOpenConnections(t *testing.T) {
	hub := newTestHub(t, nil)

	id, _ := hub.connect(t, "u1")
	assert.True(t, hub.IsOnline("u1"))
	assert.Equal(t, map[string][]string{"u1": {id}}, hub.Registry().Snapshot())

	hub.Unregister(id, "u1")
	assert.False(t, hub.IsOnline("u1"))
	assert.Empty(t, hub.Registry().Snapshot())
	assert.Equal(t, 0, hub.Registry().Count())
}

func TestHub_TwoTabsUpsertOnlineOnce(t *testing.T) {
	hub := newTestHub(t, nil)

	hub.connect(t, "u1")
	hub.connect(t, "u1")
	hub.flush(t)

	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline}, hub.store.UpsertsFor("u1"))
}

func TestHub_OfflineOnlyAfterLastConnection(t *testing.T) {
	hub := newTestHub(t, nil)

	c1, _ := hub.connect(t, "u1")
	c2, _ := hub.connect(t, "u1")

	hub.Unregister(c1, "u1")
	hub.flush(t)
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline}, hub.store.UpsertsFor("u1"))

	hub.Unregister(c2, "u1")
	hub.flush(t)
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceOffline}, hub.store.UpsertsFor("u1"))
}

func TestHub_ConnectionChurnEndsOffline(t *testing.T) {
	hub := newTestHub(t, nil)

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id, err := hub.Register(newFakeTransport(), "u1")
				if err != nil {
					continue
				}
				hub.SendToUser("u1", []byte(`{"type":"pong"}`))
				hub.Unregister(id, "u1")
			}
		}()
	}
	wg.Wait()
	hub.flush(t)

	assert.False(t, hub.IsOnline("u1"))
	upserts := hub.store.UpsertsFor("u1")
	require.NotEmpty(t, upserts)
	assert.Equal(t, models.PresenceOffline, upserts[len(upserts)-1])

	p, err := hub.store.GetPresence(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.Status)
}

func TestHub_ConcurrentRegisterRespectsLimit(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.MaxConnections = 5
	hub := NewHub(cfg, nil, nil, nil)
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Stop)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := hub.Register(newFakeTransport(), "u1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if errors.Is(err, ErrTooManyConnections) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, accepted)
	assert.Equal(t, 35, rejected)
	assert.Equal(t, 5, hub.Registry().Count())
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	hub := newTestHub(t, nil)

	c1, tr := hub.connect(t, "u1")
	hub.Unregister(c1, "u1")
	assert.NotPanics(t, func() { hub.Unregister(c1, "u1") })
	assert.NotPanics(t, func() { hub.Unregister("never-registered", "u1") })

	hub.flush(t)
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceOffline}, hub.store.UpsertsFor("u1"))
	assert.True(t, tr.isClosed())
}

func TestHub_UnregisterIgnoresForeignUser(t *testing.T) {
	hub := newTestHub(t, nil)

	c1, _ := hub.connect(t, "u1")
	hub.Unregister(c1, "u2")
	assert.True(t, hub.IsOnline("u1"))
}

func TestHub_TwoTabScenario(t *testing.T) {
	hub := newTestHub(t, nil)

	c1, _ := hub.connect(t, "u1")
	hub.flush(t)
	assert.Equal(t, map[string][]string{"u1": {c1}}, hub.Registry().Snapshot())
	p, err := hub.store.GetPresence(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, p.Status)

	c2, _ := hub.connect(t, "u1")
	hub.flush(t)
	assert.ElementsMatch(t, []string{c1, c2}, hub.Registry().Snapshot()["u1"])
	assert.Len(t, hub.store.UpsertsFor("u1"), 1)

	hub.Unregister(c1, "u1")
	hub.flush(t)
	assert.Equal(t, map[string][]string{"u1": {c2}}, hub.Registry().Snapshot())
	assert.Len(t, hub.store.UpsertsFor("u1"), 1)

	hub.Unregister(c2, "u1")
	hub.flush(t)
	assert.Empty(t, hub.Registry().Snapshot())
	p, err = hub.store.GetPresence(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.Status)
}

func TestHub_SendToUserIsolatesFailedConnection(t *testing.T) {
	hub := newTestHub(t, nil)

	idA, trA := hub.connect(t, "u1")
	idB, trB := hub.connect(t, "u1")
	trA.setFailWrites(true)

	hub.SendToUser("u1", models.NewNotificationEvent(models.NotificationFollow, nil, time.Now()))

	assert.Eventually(t, func() bool { return len(trB.Frames()) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		_, exists := hub.Registry().Get(idA)
		return !exists
	}, waitFor, tick)

	_, exists := hub.Registry().Get(idB)
	assert.True(t, exists)
	assert.Equal(t, 1, hub.Registry().CountByUser("u1"))
}

func TestHub_SendToClosedConnectionUnregistersIt(t *testing.T) {
	hub := newTestHub(t, nil)

	idA, _ := hub.connect(t, "u1")
	_, trB := hub.connect(t, "u1")

	conn, ok := hub.Registry().Get(idA)
	require.True(t, ok)
	conn.Close()

	hub.SendToUser("u1", `{"type":"new_message"}`)

	assert.Eventually(t, func() bool { return len(trB.Frames()) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return hub.Registry().CountByUser("u1") == 1 }, waitFor, tick)
}

func TestHub_SendToUserPreservesOrder(t *testing.T) {
	hub := newTestHub(t, nil)
	_, tr := hub.connect(t, "u1")

	const n = 50
	for i := 0; i < n; i++ {
		hub.SendToUser("u1", map[string]interface{}{"type": "new_message", "seq": i})
	}

	require.Eventually(t, func() bool { return len(tr.Frames()) == n }, waitFor, tick)
	for i, frame := range tr.Decoded(t) {
		assert.Equal(t, float64(i), frame["seq"])
	}
}

func TestHub_SendToUnknownUserIsNoop(t *testing.T) {
	hub := newTestHub(t, nil)
	assert.NotPanics(t, func() { hub.SendToUser("nobody", `{"type":"pong"}`) })
	assert.Zero(t, hub.GetStats().MessagesSent)
}

func TestHub_BroadcastReachesEveryConnectionOnce(t *testing.T) {
	hub := newTestHub(t, nil)

	_, t1 := hub.connect(t, "u1")
	_, t2 := hub.connect(t, "u1")
	_, t3 := hub.connect(t, "u2")

	raw, err := models.NewEvent(models.EventNewChallenge, map[string]interface{}{
		"challenge": map[string]string{"id": "c1"},
	})
	require.NoError(t, err)
	hub.Broadcast(raw)

	for _, tr := range []*fakeTransport{t1, t2, t3} {
		tr := tr
		assert.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, waitFor, tick)
	}
	time.Sleep(20 * time.Millisecond)
	for _, tr := range []*fakeTransport{t1, t2, t3} {
		frames := tr.Decoded(t)
		require.Len(t, frames, 1)
		assert.Equal(t, "new_challenge", frames[0]["type"])
	}
}

func TestHub_TypingFansOutToOtherParticipants(t *testing.T) {
	hub := newTestHub(t, nil)
	hub.participants.Conversations["conv-1"] = []string{"u1", "u2", "u3"}

	_, t1 := hub.connect(t, "u1")
	_, t2 := hub.connect(t, "u2")
	_, t3 := hub.connect(t, "u3")

	t1.receive(t, `{"type":"typing","conversation_id":"conv-1","is_typing":true}`)

	for _, tr := range []*fakeTransport{t2, t3} {
		tr := tr
		require.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, waitFor, tick)
		frame := tr.Decoded(t)[0]
		assert.Equal(t, "typing", frame["type"])
		assert.Equal(t, "conv-1", frame["conversation_id"])
		assert.Equal(t, "u1", frame["user_id"])
		assert.Equal(t, true, frame["is_typing"])
	}
	assert.Empty(t, t1.Frames())
}

func TestHub_TypingLookupFailureKeepsConnection(t *testing.T) {
	hub := newTestHub(t, nil)
	hub.participants.Err = errors.New("db down")

	id, tr := hub.connect(t, "u1")
	tr.receive(t, `{"type":"typing","conversation_id":"conv-1","is_typing":true}`)
	tr.receive(t, `{"type":"ping"}`)

	require.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, waitFor, tick)
	_, exists := hub.Registry().Get(id)
	assert.True(t, exists)
}

func TestHub_PingRepliesPong(t *testing.T) {
	hub := newTestHub(t, nil)
	_, tr := hub.connect(t, "u1")

	tr.receive(t, `{"type":"ping"}`)

	require.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"type":"pong"}`, string(tr.Frames()[0]))
}

func TestHub_IgnoresUnknownAndMalformedFrames(t *testing.T) {
	hub := newTestHub(t, nil)
	id, tr := hub.connect(t, "u1")

	tr.receive(t, `{"type":"subscribe","channel":"x"}`)
	tr.receive(t, `not json`)
	tr.receive(t, `{"type":"typing"}`)
	tr.receive(t, `{"type":"ping"}`)

	require.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, waitFor, tick)
	assert.Equal(t, "pong", tr.Decoded(t)[0]["type"])
	_, exists := hub.Registry().Get(id)
	assert.True(t, exists)
}

func TestHub_PresenceFrame(t *testing.T) {
	hub := newTestHub(t, nil)
	_, tr := hub.connect(t, "u1")

	tr.receive(t, `{"type":"presence","status":"away"}`)
	assert.Eventually(t, func() bool { return len(hub.store.UpsertsFor("u1")) == 2 }, waitFor, tick)
	hub.flush(t)
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceAway}, hub.store.UpsertsFor("u1"))

	tr.receive(t, `{"type":"presence","status":"invisible"}`)
	require.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, waitFor, tick)
	frame := tr.Decoded(t)[0]
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "invalid_status", frame["code"])

	hub.flush(t)
	assert.Len(t, hub.store.UpsertsFor("u1"), 2)
}

func TestHub_PresenceFailureDoesNotAffectConnections(t *testing.T) {
	hub := newTestHub(t, nil)
	hub.store.SetUpsertErr(errors.New("permission denied"))

	id, _ := hub.connect(t, "u1")
	hub.flush(t)

	_, exists := hub.Registry().Get(id)
	assert.True(t, exists)
	// every attempt is made, none is surfaced
	assert.Len(t, hub.store.UpsertsFor("u1"), testPresenceConfig().MaxRetries)

	hub.Unregister(id, "u1")
	assert.False(t, hub.IsOnline("u1"))
}

func TestHub_PeerDisconnectUnregisters(t *testing.T) {
	hub := newTestHub(t, nil)
	_, tr := hub.connect(t, "u1")

	tr.Close()

	assert.Eventually(t, func() bool { return !hub.IsOnline("u1") }, waitFor, tick)
	hub.flush(t)
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceOffline}, hub.store.UpsertsFor("u1"))
}

func TestHub_RegisterErrors(t *testing.T) {
	hub := newTestHub(t, nil)

	_, err := hub.Register(newFakeTransport(), "")
	assert.ErrorIs(t, err, models.ErrInvalidUserID)

	hub.config.MaxConnections = 1
	hub.connect(t, "u1")
	_, err = hub.Register(newFakeTransport(), "u2")
	assert.ErrorIs(t, err, ErrTooManyConnections)
	assert.False(t, hub.IsOnline("u2"))

	hub.Stop()
	_, err = hub.Register(newFakeTransport(), "u3")
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestHub_StopMarksConnectedUsersOffline(t *testing.T) {
	hub := newTestHub(t, nil)

	_, t1 := hub.connect(t, "u1")
	hub.connect(t, "u1")
	hub.connect(t, "u2")

	hub.Stop()

	assert.Equal(t, 0, hub.Registry().Count())
	assert.True(t, t1.isClosed())
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceOffline}, hub.store.UpsertsFor("u1"))
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline, models.PresenceOffline}, hub.store.UpsertsFor("u2"))
}

func TestHub_ConsumesEventStream(t *testing.T) {
	redis := storage.NewMockRedisClient()
	hub := newTestHub(t, redis)

	_, t1 := hub.connect(t, "u1")
	_, t2 := hub.connect(t, "u2")

	pub := pubsub.NewEventPublisher(redis, "realtime.events")
	ctx := context.Background()
	require.NoError(t, pub.PublishToUser(ctx, "u1", models.EventNewMessage, map[string]interface{}{
		"message": map[string]string{"id": "m1"},
	}))
	require.NoError(t, pub.PublishBroadcast(ctx, models.EventNewImpactEvent, map[string]interface{}{
		"event": map[string]string{"id": "e1"},
	}))
	require.NoError(t, redis.PublishToStream(ctx, "realtime.events", pubsub.EnvelopeField, "garbage"))

	require.NoError(t, hub.Start())

	require.Eventually(t, func() bool { return len(t1.Frames()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(t2.Frames()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(redis.AckedIDs()) == 3 }, waitFor, tick)

	frames := t1.Decoded(t)
	assert.Equal(t, "new_message", frames[0]["type"])
	assert.Equal(t, "new_impact_event", frames[1]["type"])
	assert.Equal(t, "new_impact_event", t2.Decoded(t)[0]["type"])

	stats := hub.GetStats()
	assert.Equal(t, int64(3), stats.EventsReceived)
	assert.Equal(t, int64(1), stats.EventsDropped)
}

func TestHub_GetStats(t *testing.T) {
	hub := newTestHub(t, nil)

	c1, _ := hub.connect(t, "u1")
	hub.connect(t, "u1")
	hub.connect(t, "u2")
	hub.Unregister(c1, "u1")

	stats := hub.GetStats()
	assert.Equal(t, int64(3), stats.ConnectionsTotal)
	assert.Equal(t, int64(2), stats.ConnectionsActive)
	assert.Equal(t, int64(2), stats.UsersOnline)

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"connections_active":2`)
}

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		message interface{}
		want    string
	}{
		{"bytes", []byte(`{"type":"pong"}`), `{"type":"pong"}`},
		{"raw", json.RawMessage(`{"type":"typing"}`), `{"type":"typing"}`},
		{"string", `{"type":"error"}`, `{"type":"error"}`},
		{"struct", models.NewPongEvent(), `{"type":"pong"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodeMessage(tt.message)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}

	_, err := encodeMessage(map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
}
