// Package replay pushes offline local writes back to the remote store:
// assignments created, edited or deleted while the store was unreachable
// are retried periodically until they are confirmed remotely.
package replay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/classpad/classwork-engine/internal/models"
	"github.com/classpad/classwork-engine/internal/storage"
)

// Replayer is the background worker draining unsynced local intents
type Replayer struct {
	remote   storage.RemoteStore
	cache    storage.LocalCache
	interval time.Duration
}

// NewReplayer creates a replay worker
func NewReplayer(remote storage.RemoteStore, cache storage.LocalCache, interval time.Duration) *Replayer {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Replayer{
		remote:   remote,
		cache:    cache,
		interval: interval,
	}
}

// Start begins the replay worker in a goroutine
func (r *Replayer) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Replayer) run(ctx context.Context) {
	slog.Info("replay worker started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Run immediately on start
	r.ReplayAll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("replay worker stopped")
			return
		case <-ticker.C:
			r.ReplayAll(ctx)
		}
	}
}

// ReplayAll walks every cached member view and replays its pending intents
func (r *Replayer) ReplayAll(ctx context.Context) {
	entries, err := r.cache.Entries(ctx)
	if err != nil {
		slog.Error("failed to list cache entries", "error", err)
		return
	}

	for _, entry := range entries {
		if err := r.ReplayMember(ctx, entry.ClassID, entry.UserID); err != nil {
			slog.Warn("replay failed, will retry", "class", entry.ClassID, "user", entry.UserID, "error", err)
		}
	}
}

// ReplayMember replays the pending intents of one member's class view.
// Records remain marked until the remote store confirms them; a mid-cycle
// outage simply leaves the rest for the next cycle.
func (r *Replayer) ReplayMember(ctx context.Context, classID, userID string) error {
	list, err := r.cache.Get(ctx, classID, userID)
	if err != nil {
		return err
	}

	changed := false
	kept := make([]*models.Assignment, 0, len(list))

	for _, a := range list {
		switch {
		case a.Deleted && a.HasStoreID():
			err := r.remote.Delete(ctx, storage.AssignmentPath(classID, a.StoreID))
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				kept = append(kept, a)
				continue
			}
			slog.Info("replayed offline delete", "class", classID, "id", a.CanonicalID)
			changed = true
			// tombstone dropped

		case !a.HasStoreID():
			fields, err := storage.AssignmentFields(a)
			if err != nil {
				slog.Error("failed to encode assignment for replay", "class", classID, "id", a.CanonicalID, "error", err)
				kept = append(kept, a)
				continue
			}
			doc, err := r.remote.Add(ctx, storage.AssignmentsCollection(classID), fields)
			if err != nil {
				kept = append(kept, a)
				continue
			}
			replayed := a.Clone()
			replayed.StoreID = doc.ID()
			replayed.Dirty = false
			kept = append(kept, replayed)
			changed = true
			slog.Info("replayed offline create", "class", classID, "id", a.CanonicalID, "store_id", replayed.StoreID)

		case a.Dirty:
			fields, err := storage.AssignmentFields(a)
			if err != nil {
				slog.Error("failed to encode assignment for replay", "class", classID, "id", a.CanonicalID, "error", err)
				kept = append(kept, a)
				continue
			}
			if err := r.remote.Write(ctx, storage.AssignmentPath(classID, a.StoreID), fields, false); err != nil {
				kept = append(kept, a)
				continue
			}
			replayed := a.Clone()
			replayed.Dirty = false
			kept = append(kept, replayed)
			changed = true
			slog.Info("replayed offline update", "class", classID, "id", a.CanonicalID)

		default:
			kept = append(kept, a)
		}
	}

	if !changed {
		return nil
	}
	return r.cache.Put(ctx, classID, userID, kept)
}
