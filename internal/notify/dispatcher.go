// Package notify delivers fire-and-forget change notifications. Delivery
// failures are logged, never surfaced to the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dispatcher receives change events for downstream push delivery
type Dispatcher interface {
	Enqueue(ctx context.Context, topic, title, body string, data map[string]string)
}

// Notification is the queued payload consumed by the push-delivery service
type Notification struct {
	Topic      string            `json:"topic"`
	Title      string            `json:"title"`
	Body       string            `json:"body,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

const notificationQueue = "classwork:notifications"

// RedisDispatcher queues notifications on a redis list
type RedisDispatcher struct {
	client *redis.Client
}

// NewRedisDispatcher connects to redis and returns a dispatcher
func NewRedisDispatcher(ctx context.Context, address, password string, db int) (*RedisDispatcher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisDispatcher{client: client}, nil
}

// Enqueue pushes the notification onto the delivery queue. Best effort.
func (d *RedisDispatcher) Enqueue(ctx context.Context, topic, title, body string, data map[string]string) {
	n := Notification{
		Topic:      topic,
		Title:      title,
		Body:       body,
		Data:       data,
		EnqueuedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(n)
	if err != nil {
		slog.Error("failed to encode notification", "topic", topic, "error", err)
		return
	}

	if err := d.client.LPush(ctx, notificationQueue, payload).Err(); err != nil {
		slog.Warn("failed to enqueue notification", "topic", topic, "error", err)
	}
}

// Close closes the redis connection
func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}

// LogDispatcher logs notifications instead of delivering them; used when
// no redis is configured and in tests.
type LogDispatcher struct{}

func (LogDispatcher) Enqueue(ctx context.Context, topic, title, body string, data map[string]string) {
	slog.Info("notification", "topic", topic, "title", title, "body", body)
}
