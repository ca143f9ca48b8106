package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// RedisClientImpl implements the storage.RedisClient interface
type RedisClientImpl struct {
	client *redis.Client
}

// NewRedisClient connects and pings Redis
func NewRedisClient(cfg config.RedisConfig) (storage.RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
	)

	return &RedisClientImpl{client: rdb}, nil
}

// PublishToStream appends value, JSON encoded, under field key
func (r *RedisClientImpl) PublishToStream(ctx context.Context, stream string, key string, value interface{}) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			key: string(jsonData),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (r *RedisClientImpl) ensureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err == nil || isBusyGroup(err) {
		return nil
	}
	return err
}

// ConsumeFromStream reads new entries for consumer within group until ctx is
// cancelled. The group is created on demand, starting at the stream tail so a
// fresh gateway does not replay stale events to users.
func (r *RedisClientImpl) ConsumeFromStream(ctx context.Context, stream string, group string, consumer string) (<-chan storage.StreamMessage, error) {
	if err := r.ensureGroup(ctx, stream, group); err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}

	messageChan := make(chan storage.StreamMessage, 100)

	go func() {
		defer close(messageChan)

		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    50,
				Block:    time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if strings.Contains(err.Error(), "NOGROUP") {
					logger.Warn("Consumer group missing, recreating",
						logger.String("stream", stream),
						logger.String("group", group),
					)
					if createErr := r.ensureGroup(ctx, stream, group); createErr != nil {
						logger.Error("Failed to recreate consumer group",
							logger.ErrorField(createErr),
							logger.String("stream", stream),
						)
					}
				} else {
					logger.Error("Error reading from stream",
						logger.ErrorField(err),
						logger.String("stream", stream),
					)
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, s := range streams {
				for _, message := range s.Messages {
					msg := storage.StreamMessage{
						ID:     message.ID,
						Stream: s.Stream,
						Values: message.Values,
					}
					select {
					case messageChan <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return messageChan, nil
}

// AcknowledgeMessage acknowledges a message in a Redis stream
func (r *RedisClientImpl) AcknowledgeMessage(ctx context.Context, stream string, group string, id string) error {
	return r.client.XAck(ctx, stream, group, id).Err()
}

// Ping checks Redis reachability
func (r *RedisClientImpl) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisClientImpl) Close() error {
	return r.client.Close()
}
