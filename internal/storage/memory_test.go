package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/classwork-engine/internal/models"
)

func TestMemoryStoreWriteGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Write(ctx, "classes/c1", map[string]any{"id": "c1", "name": "Algebra"}, false))

	doc, err := s.Get(ctx, "classes/c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.ID())
	assert.Equal(t, "classes", doc.Collection)
	assert.Equal(t, "Algebra", doc.Fields["name"])

	require.NoError(t, s.Delete(ctx, "classes/c1"))
	_, err = s.Get(ctx, "classes/c1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Delete(ctx, "classes/c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreMergeWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Write(ctx, "classes/c1", map[string]any{"name": "Algebra", "year": 2026}, false))
	require.NoError(t, s.Write(ctx, "classes/c1", map[string]any{"name": "Algebra II"}, true))

	doc, err := s.Get(ctx, "classes/c1")
	require.NoError(t, err)
	assert.Equal(t, "Algebra II", doc.Fields["name"])
	assert.NotNil(t, doc.Fields["year"], "merge keeps untouched fields")

	// non-merge write replaces the document wholesale
	require.NoError(t, s.Write(ctx, "classes/c1", map[string]any{"name": "Renamed"}, false))
	doc, err = s.Get(ctx, "classes/c1")
	require.NoError(t, err)
	assert.Nil(t, doc.Fields["year"])
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, m := range []map[string]any{
		{"user_id": "alice", "state": "pending"},
		{"user_id": "alice", "state": "approved"},
		{"user_id": "bob", "state": "pending"},
	} {
		_, err := s.Add(ctx, "classes/c1/approvals", m)
		require.NoError(t, err)
	}

	docs, err := s.Query(ctx, "classes/c1/approvals", []Filter{
		{Field: "user_id", Value: "alice"},
		{Field: "state", Value: "pending"},
	}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, err = s.Query(ctx, "classes/c1/approvals", []Filter{
		{Field: "state", Value: "pending"},
	}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = s.Query(ctx, "classes/c1/approvals", nil, nil, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2, "limit applies")
}

func TestMemoryStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetAvailable(false)

	_, err := s.Get(ctx, "classes/c1")
	assert.True(t, IsUnavailable(err))

	err = s.Write(ctx, "classes/c1", map[string]any{"id": "c1"}, false)
	assert.True(t, IsUnavailable(err))

	_, err = s.Query(ctx, "classes", nil, nil, 0)
	assert.True(t, IsUnavailable(err))

	assert.Error(t, s.Ping(ctx))

	s.SetAvailable(true)
	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryStoreSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()

	_, err := s.Add(ctx, "classes/c1/assignments", map[string]any{"title": "first"})
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, "classes/c1/assignments", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// the first delivery is the current state
	snap := waitForSnapshot(t, sub)
	assert.Len(t, snap.Docs, 1)

	_, err = s.Add(ctx, "classes/c1/assignments", map[string]any{"title": "second"})
	require.NoError(t, err)

	// a later delivery reflects the write
	deadline := time.After(2 * time.Second)
	for {
		snap = waitForSnapshotUntil(t, sub, deadline)
		if len(snap.Docs) == 2 {
			break
		}
	}
}

func waitForSnapshot(t *testing.T, sub Subscription) Snapshot {
	t.Helper()
	return waitForSnapshotUntil(t, sub, time.After(2*time.Second))
}

func waitForSnapshotUntil(t *testing.T, sub Subscription, deadline <-chan time.Time) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed early")
		return snap
	case <-deadline:
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestRemoteLedger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ledger := NewRemoteLedger(s)

	// unknown user yields a zero record, not an error
	exp, err := ledger.GetExperience(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, exp.TotalExp)
	assert.False(t, exp.HasCompleted("hw1"))

	exp.TotalExp = 100
	exp.Completed = map[string]models.CompletionGrant{
		"hw1": {Amount: 100, Source: models.GrantSourceDirect},
	}
	require.NoError(t, ledger.PutExperience(ctx, exp))

	loaded, err := ledger.GetExperience(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 100, loaded.TotalExp)
	assert.True(t, loaded.HasCompleted("hw1"))
	assert.Equal(t, models.GrantSourceDirect, loaded.Completed["hw1"].Source, "grant provenance round-trips")

	require.NoError(t, ledger.PutExperience(ctx, &models.Experience{
		ClassID: "c1", UserID: "bob", TotalExp: 90,
		Completed: map[string]models.CompletionGrant{"hw1": {Amount: 90, Source: models.GrantSourceApproval}},
	}))
	require.NoError(t, ledger.PutExperience(ctx, &models.Experience{
		ClassID: "c1", UserID: "carol", TotalExp: 75,
		Completed: map[string]models.CompletionGrant{"quiz1": {Amount: 75, Source: models.GrantSourceDirect}},
	}))

	count, err := ledger.CompletedCount(ctx, "c1", "hw1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = ledger.CompletedCount(ctx, "c1", "nothing")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAssignmentCodecStripsLocalFields(t *testing.T) {
	a := &models.Assignment{
		CanonicalID: "a1",
		ClassID:     "c1",
		Title:       "Quiz",
		Category:    "quiz",
		Status:      models.StatusFinished,
		Dirty:       true,
		Deleted:     true,
	}

	fields, err := AssignmentFields(a)
	require.NoError(t, err)
	assert.NotContains(t, fields, "status")
	assert.NotContains(t, fields, "dirty")
	assert.NotContains(t, fields, "deleted")
	assert.Equal(t, "a1", fields["canonical_id"])

	doc := Document{Path: "classes/c1/assignments/s1", Fields: fields}
	decoded, err := AssignmentFromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, "s1", decoded.StoreID, "store id comes from the path")
	assert.Empty(t, decoded.Status, "status never round-trips")
	assert.False(t, decoded.Dirty)
	assert.False(t, decoded.Deleted)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	list, err := c.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, c.Put(ctx, "c1", "alice", []*models.Assignment{
		{CanonicalID: "a1", Status: models.StatusFinished},
	}))

	list, err = c.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)

	// mutating the returned slice must not leak into the cache
	list[0].Status = models.StatusUnfinished
	again, err := c.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, again[0].Status)

	entries, err := c.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CacheEntry{{ClassID: "c1", UserID: "alice"}}, entries)
}

func TestMemoryCacheEntriesArePerMember(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	require.NoError(t, c.Put(ctx, "c1", "alice", []*models.Assignment{
		{CanonicalID: "a1", Status: models.StatusFinished},
	}))

	// bob's view of the same class is untouched
	list, err := c.Get(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}
