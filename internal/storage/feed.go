package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Feed carries change signals between remote store writers and subscribers.
// Writers publish the collection that changed; listeners get a signal per
// change and re-query for the fresh snapshot.
type Feed interface {
	Publish(ctx context.Context, collection string)
	// Listen returns a signal channel for the collection and a stop function
	Listen(ctx context.Context, collection string) (<-chan struct{}, func(), error)
	Close() error
}

const feedChannelPrefix = "classwork:changes:"

// RedisFeed implements Feed on redis pub/sub
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed connects to redis and returns a change feed
func NewRedisFeed(ctx context.Context, address, password string, db int) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisFeed{client: client}, nil
}

// Publish signals a change to the collection. Best effort: a lost signal
// only delays subscribers until the next change.
func (f *RedisFeed) Publish(ctx context.Context, collection string) {
	if err := f.client.Publish(ctx, feedChannelPrefix+collection, "1").Err(); err != nil {
		slog.Warn("failed to publish change signal", "collection", collection, "error", err)
	}
}

// Listen subscribes to change signals for the collection
func (f *RedisFeed) Listen(ctx context.Context, collection string) (<-chan struct{}, func(), error) {
	pubsub := f.client.Subscribe(ctx, feedChannelPrefix+collection)

	// Force the subscription to be established before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		for range pubsub.Channel() {
			select {
			case signals <- struct{}{}:
			default:
				// a signal is already pending; coalesce
			}
		}
	}()

	stop := func() {
		if err := pubsub.Close(); err != nil {
			slog.Warn("failed to close pubsub", "collection", collection, "error", err)
		}
	}

	return signals, stop, nil
}

// Close closes the redis connection
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

// MemoryFeed is an in-process Feed for tests and single-node setups
type MemoryFeed struct {
	mu        sync.Mutex
	listeners map[string][]chan struct{}
}

// NewMemoryFeed creates an in-process change feed
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{listeners: make(map[string][]chan struct{})}
}

func (f *MemoryFeed) Publish(ctx context.Context, collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.listeners[collection] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *MemoryFeed) Listen(ctx context.Context, collection string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.listeners[collection] = append(f.listeners[collection], ch)
	f.mu.Unlock()

	stop := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		chans := f.listeners[collection]
		for i, c := range chans {
			if c == ch {
				f.listeners[collection] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}

	return ch, stop, nil
}

func (f *MemoryFeed) Close() error {
	return nil
}
