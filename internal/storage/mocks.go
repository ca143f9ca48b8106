package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/impactlink/realtime-gateway/internal/models"
)

// MockPresenceStore is an in-memory PresenceStore that records every upsert
type MockPresenceStore struct {
	mu        sync.Mutex
	Upserts   []models.Presence
	Records   map[string]models.Presence
	UpsertErr error
	GetErr    error
}

func NewMockPresenceStore() *MockPresenceStore {
	return &MockPresenceStore{Records: make(map[string]models.Presence)}
}

func (m *MockPresenceStore) UpsertPresence(ctx context.Context, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Upserts = append(m.Upserts, p)
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.Records[p.UserID] = p
	return nil
}

func (m *MockPresenceStore) GetPresence(ctx context.Context, userID string) (*models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	p, ok := m.Records[userID]
	if !ok {
		return &models.Presence{UserID: userID, Status: models.PresenceOffline}, nil
	}
	return &p, nil
}

// UpsertsFor returns the statuses written for userID in order
func (m *MockPresenceStore) UpsertsFor(userID string) []models.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PresenceStatus
	for _, p := range m.Upserts {
		if p.UserID == userID {
			out = append(out, p.Status)
		}
	}
	return out
}

// SetUpsertErr swaps the error returned by UpsertPresence
func (m *MockPresenceStore) SetUpsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertErr = err
}

// MockParticipantDirectory serves conversation membership from a map
type MockParticipantDirectory struct {
	mu            sync.Mutex
	Conversations map[string][]string
	Err           error
	Lookups       int
}

func NewMockParticipantDirectory() *MockParticipantDirectory {
	return &MockParticipantDirectory{Conversations: make(map[string][]string)}
}

func (m *MockParticipantDirectory) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lookups++
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]string(nil), m.Conversations[conversationID]...), nil
}

// MockNotificationStore is an in-memory NotificationStore
type MockNotificationStore struct {
	mu            sync.Mutex
	Notifications []*models.Notification
	CreateErr     error
	ListErr       error
}

func NewMockNotificationStore() *MockNotificationStore {
	return &MockNotificationStore{}
}

func (m *MockNotificationStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.Notifications = append(m.Notifications, n)
	return nil
}

func (m *MockNotificationStore) ListNotifications(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []*models.Notification
	for _, n := range m.Notifications {
		if n.UserID != filter.UserID {
			continue
		}
		if filter.UnreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MockNotificationStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.Notifications {
		if n.ID == notificationID && n.UserID == userID {
			n.Read = true
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *MockNotificationStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, n := range m.Notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.Notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationStore) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.Notifications {
		if n.ID == notificationID && n.UserID == userID {
			m.Notifications = append(m.Notifications[:i], m.Notifications[i+1:]...)
			return nil
		}
	}
	return models.ErrNotFound
}

// MockRedisClient is a mock implementation of RedisClient for testing
type MockRedisClient struct {
	mu         sync.Mutex
	StreamData []StreamMessage
	Acked      []string
	PublishErr error
	ConsumeErr error
	PingErr    error
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{}
}

func (m *MockRedisClient) PublishToStream(ctx context.Context, stream string, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	// Same encoding as the real client: the field holds a JSON string.
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.StreamData = append(m.StreamData, StreamMessage{
		ID:     uuid.New().String(),
		Stream: stream,
		Values: map[string]interface{}{key: string(data)},
	})
	return nil
}

// ConsumeFromStream replays the recorded stream data and closes the channel
func (m *MockRedisClient) ConsumeFromStream(ctx context.Context, stream string, group string, consumer string) (<-chan StreamMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	ch := make(chan StreamMessage, len(m.StreamData))
	for _, msg := range m.StreamData {
		if msg.Stream == stream {
			ch <- msg
		}
	}
	close(ch)
	return ch, nil
}

func (m *MockRedisClient) AcknowledgeMessage(ctx context.Context, stream string, group string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acked = append(m.Acked, id)
	return nil
}

// AckedIDs returns the acknowledged message IDs
func (m *MockRedisClient) AckedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Acked...)
}

func (m *MockRedisClient) Ping(ctx context.Context) error {
	return m.PingErr
}

func (m *MockRedisClient) Close() error {
	return nil
}
