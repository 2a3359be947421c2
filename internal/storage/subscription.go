package storage

import (
	"context"
	"log/slog"
	"sync"
)

// querySubscription re-runs a query on every change signal and pushes the
// resulting snapshot. Deliveries coalesce: a slow consumer only ever sees
// the latest snapshot, never a backlog of stale ones.
type querySubscription struct {
	collection string
	updates    chan Snapshot
	done       chan struct{}
	once       sync.Once
}

func newQuerySubscription(collection string) *querySubscription {
	return &querySubscription{
		collection: collection,
		updates:    make(chan Snapshot, 1),
		done:       make(chan struct{}),
	}
}

func (s *querySubscription) Updates() <-chan Snapshot {
	return s.updates
}

func (s *querySubscription) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
}

type queryFunc func(ctx context.Context) ([]Document, error)

func (s *querySubscription) run(ctx context.Context, signals <-chan struct{}, stop func(), query queryFunc) {
	defer stop()
	defer close(s.updates)

	// initial snapshot
	s.deliver(ctx, query)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			s.deliver(ctx, query)
		}
	}
}

func (s *querySubscription) deliver(ctx context.Context, query queryFunc) {
	docs, err := query(ctx)
	if err != nil {
		slog.Warn("subscription query failed", "collection", s.collection, "error", err)
		return
	}

	snap := Snapshot{Collection: s.collection, Docs: docs}

	// latest-wins delivery
	select {
	case s.updates <- snap:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- snap:
		default:
		}
	}
}
