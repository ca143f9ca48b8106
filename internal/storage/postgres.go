package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

var (
	postgresQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_postgres_queries_total",
			Help: "Total number of queries issued to Postgres",
		},
		[]string{"operation", "status"},
	)

	postgresQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_postgres_query_latency_seconds",
			Help:    "Query latency against Postgres in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// PostgresStore implements PresenceStore, ParticipantDirectory and
// NotificationStore on the platform's hosted Postgres database.
type PostgresStore struct {
	db  *sql.DB
	now Clock
}

// NewPostgresStore opens and pings a pooled connection
func NewPostgresStore(dbConfig config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbConfig.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(dbConfig.MaxConnections)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to Postgres",
		logger.String("host", dbConfig.Host),
		logger.String("database", dbConfig.Database),
		logger.Int("max_connections", dbConfig.MaxConnections),
	)

	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB wraps an existing *sql.DB
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Ping checks database reachability
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// track records latency and outcome of a query; call as defer track(op, &err)()
func track(operation string, errp *error) func() {
	start := time.Now()
	return func() {
		status := "success"
		if *errp != nil {
			status = "error"
		}
		postgresQueryTotal.WithLabelValues(operation, status).Inc()
		postgresQueryLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// UpsertPresence writes the canonical user_presence row
func (s *PostgresStore) UpsertPresence(ctx context.Context, p models.Presence) (err error) {
	if err := p.Validate(); err != nil {
		return err
	}
	defer track("upsert_presence", &err)()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_presence (user_id, status, last_seen, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, string(p.Status), p.LastSeen, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert presence for %s: %w", p.UserID, err)
	}
	return nil
}

// GetPresence reads a user's presence row
func (s *PostgresStore) GetPresence(ctx context.Context, userID string) (p *models.Presence, err error) {
	if userID == "" {
		return nil, models.ErrInvalidUserID
	}
	defer track("get_presence", &err)()

	var (
		status    string
		lastSeen  sql.NullTime
		updatedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT status, last_seen, updated_at
		FROM user_presence
		WHERE user_id = $1
	`, userID).Scan(&status, &lastSeen, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Presence{UserID: userID, Status: models.PresenceOffline}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}

	p = &models.Presence{UserID: userID, Status: models.PresenceStatus(status)}
	if lastSeen.Valid {
		t := lastSeen.Time
		p.LastSeen = &t
	}
	if updatedAt.Valid {
		p.UpdatedAt = updatedAt.Time
	}
	return p, nil
}

// ConversationParticipants lists the members of a conversation
func (s *PostgresStore) ConversationParticipants(ctx context.Context, conversationID string) (ids []string, err error) {
	if conversationID == "" {
		return nil, models.ErrInvalidConversationID
	}
	defer track("conversation_participants", &err)()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return ids, nil
}

// CreateNotification inserts a notification, filling ID and CreatedAt when empty
func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) (err error) {
	if n == nil {
		return models.ErrInvalidNotification
	}
	if err := n.Validate(); err != nil {
		return err
	}
	defer track("create_notification", &err)()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	var data interface{}
	if len(n.Data) > 0 {
		data = []byte(n.Data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, link, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, nullString(n.Link), data, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first
func (s *PostgresStore) ListNotifications(ctx context.Context, filter models.NotificationFilter) (out []*models.Notification, err error) {
	if filter.UserID == "" {
		return nil, models.ErrInvalidUserID
	}
	defer track("list_notifications", &err)()

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, user_id, type, title, message, link, data, read, created_at
		FROM notifications
		WHERE user_id = $1`
	if filter.UnreadOnly {
		query += ` AND read = false`
	}
	query += `
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, filter.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n    models.Notification
			link sql.NullString
			data []byte
		)
		if err = rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &link, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Link = link.String
		if len(data) > 0 {
			n.Data = append([]byte(nil), data...)
		}
		out = append(out, &n)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// MarkRead marks one of the user's notifications as read
func (s *PostgresStore) MarkRead(ctx context.Context, userID, notificationID string) (err error) {
	defer track("mark_read", &err)()

	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = true
		WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	return requireAffected(res)
}

// MarkAllRead marks every unread notification of the user as read
func (s *PostgresStore) MarkAllRead(ctx context.Context, userID string) (n int64, err error) {
	defer track("mark_all_read", &err)()

	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = true
		WHERE user_id = $1 AND read = false
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return res.RowsAffected()
}

// UnreadCount counts the user's unread notifications
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (count int, err error) {
	defer track("unread_count", &err)()

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND read = false
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// DeleteNotification removes one of the user's notifications
func (s *PostgresStore) DeleteNotification(ctx context.Context, userID, notificationID string) (err error) {
	defer track("delete_notification", &err)()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
