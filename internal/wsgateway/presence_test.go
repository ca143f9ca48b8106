package wsgateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/storage"
)

// flakyPresenceStore fails the first failures upserts
type flakyPresenceStore struct {
	*storage.MockPresenceStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyPresenceStore) UpsertPresence(ctx context.Context, p models.Presence) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("timeout")
	}
	return f.MockPresenceStore.UpsertPresence(ctx, p)
}

func flushTracker(t *testing.T, tracker *PresenceTracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tracker.Flush(ctx))
}

func TestPresenceTracker_WritesInOrder(t *testing.T) {
	store := storage.NewMockPresenceStore()
	tracker := NewPresenceTracker(store, testPresenceConfig())
	tracker.Start()
	defer tracker.Stop()

	statuses := []models.PresenceStatus{
		models.PresenceOnline, models.PresenceAway, models.PresenceOnline, models.PresenceOffline,
	}
	for _, s := range statuses {
		assert.True(t, tracker.Enqueue("u1", s))
	}
	flushTracker(t, tracker)

	assert.Equal(t, statuses, store.UpsertsFor("u1"))
	p, err := store.GetPresence(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.Status)
	require.NotNil(t, p.LastSeen)
}

func TestPresenceTracker_RetriesTransientFailures(t *testing.T) {
	store := &flakyPresenceStore{MockPresenceStore: storage.NewMockPresenceStore(), failures: 1}
	tracker := NewPresenceTracker(store, testPresenceConfig())
	tracker.Start()
	defer tracker.Stop()

	tracker.Enqueue("u1", models.PresenceOnline)
	flushTracker(t, tracker)

	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline}, store.UpsertsFor("u1"))
	assert.Equal(t, 2, store.calls)
}

func TestPresenceTracker_GivesUpAfterMaxRetries(t *testing.T) {
	store := &flakyPresenceStore{MockPresenceStore: storage.NewMockPresenceStore(), failures: 100}
	tracker := NewPresenceTracker(store, testPresenceConfig())
	tracker.Start()
	defer tracker.Stop()

	tracker.Enqueue("u1", models.PresenceOnline)
	tracker.Enqueue("u2", models.PresenceOnline)
	flushTracker(t, tracker)

	assert.Equal(t, 2*testPresenceConfig().MaxRetries, store.calls)
	assert.Empty(t, store.UpsertsFor("u1"))
}

// gatedPresenceStore blocks every upsert until release is closed
type gatedPresenceStore struct {
	*storage.MockPresenceStore
	release chan struct{}
}

func (g *gatedPresenceStore) UpsertPresence(ctx context.Context, p models.Presence) error {
	<-g.release
	return g.MockPresenceStore.UpsertPresence(ctx, p)
}

func TestPresenceTracker_CoalescesWhenBehind(t *testing.T) {
	store := &gatedPresenceStore{MockPresenceStore: storage.NewMockPresenceStore(), release: make(chan struct{})}
	tracker := NewPresenceTracker(store, config.PresenceConfig{QueueSize: 4, MaxRetries: 1, WriteTimeout: time.Second})
	tracker.Start()
	defer tracker.Stop()

	// The writer picks up the first update and blocks on the store.
	require.True(t, tracker.Enqueue("u1", models.PresenceOnline))
	for i := 0; i < 50; i++ {
		require.True(t, tracker.Enqueue("u1", models.PresenceOffline))
		require.True(t, tracker.Enqueue("u1", models.PresenceOnline))
		require.True(t, tracker.Enqueue("u2", models.PresenceOnline))
	}
	require.True(t, tracker.Enqueue("u1", models.PresenceOffline))

	close(store.release)
	flushTracker(t, tracker)

	u1 := store.UpsertsFor("u1")
	require.NotEmpty(t, u1)
	assert.Less(t, len(u1), 50)
	assert.Equal(t, models.PresenceOffline, u1[len(u1)-1])

	p, err := store.GetPresence(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOffline, p.Status)

	u2 := store.UpsertsFor("u2")
	require.NotEmpty(t, u2)
	assert.Equal(t, models.PresenceOnline, u2[len(u2)-1])
}

func TestPresenceTracker_KeepsEveryUpdateBelowQueueSize(t *testing.T) {
	store := &gatedPresenceStore{MockPresenceStore: storage.NewMockPresenceStore(), release: make(chan struct{})}
	tracker := NewPresenceTracker(store, config.PresenceConfig{QueueSize: 16, MaxRetries: 1, WriteTimeout: time.Second})
	tracker.Start()
	defer tracker.Stop()

	want := []models.PresenceStatus{
		models.PresenceOnline, models.PresenceOffline, models.PresenceOnline, models.PresenceOffline,
	}
	for _, s := range want {
		require.True(t, tracker.Enqueue("u1", s))
	}
	close(store.release)
	flushTracker(t, tracker)

	assert.Equal(t, want, store.UpsertsFor("u1"))
}

func TestPresenceTracker_DrainsOnStop(t *testing.T) {
	store := storage.NewMockPresenceStore()
	tracker := NewPresenceTracker(store, config.PresenceConfig{QueueSize: 1, MaxRetries: 1})

	assert.True(t, tracker.Enqueue("u1", models.PresenceOnline))
	assert.True(t, tracker.Enqueue("u2", models.PresenceOnline))

	tracker.Start()
	tracker.Stop()
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline}, store.UpsertsFor("u1"))
	assert.Equal(t, []models.PresenceStatus{models.PresenceOnline}, store.UpsertsFor("u2"))
}

func TestPresenceTracker_RejectsInvalidAndLateUpdates(t *testing.T) {
	store := storage.NewMockPresenceStore()
	tracker := NewPresenceTracker(store, testPresenceConfig())
	tracker.Start()

	assert.False(t, tracker.Enqueue("", models.PresenceOnline))
	assert.False(t, tracker.Enqueue("u1", "busy"))

	tracker.Stop()
	assert.False(t, tracker.Enqueue("u1", models.PresenceOnline))
	assert.NoError(t, tracker.Flush(context.Background()))
	assert.NotPanics(t, tracker.Stop)
	assert.Empty(t, store.Upserts)
}
