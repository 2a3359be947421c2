package reward

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/classwork-engine/internal/models"
)

// memoryLedger is an in-test Ledger over a plain map
type memoryLedger struct {
	mu      sync.Mutex
	records map[string]*models.Experience
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{records: make(map[string]*models.Experience)}
}

func (l *memoryLedger) GetExperience(ctx context.Context, classID, userID string) (*models.Experience, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exp, ok := l.records[classID+"/"+userID]
	if !ok {
		return &models.Experience{ClassID: classID, UserID: userID}, nil
	}

	cp := *exp
	cp.Completed = make(map[string]models.CompletionGrant, len(exp.Completed))
	for k, v := range exp.Completed {
		cp.Completed[k] = v
	}
	return &cp, nil
}

func (l *memoryLedger) PutExperience(ctx context.Context, exp *models.Experience) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[exp.ClassID+"/"+exp.UserID] = exp
	return nil
}

func (l *memoryLedger) CompletedCount(ctx context.Context, classID, assignmentID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, exp := range l.records {
		if exp.ClassID == classID && exp.HasCompleted(assignmentID) {
			count++
		}
	}
	return count, nil
}

func TestRankMultiplier(t *testing.T) {
	tests := []struct {
		rank int
		want float64
	}{
		{1, 1.0},
		{2, 0.9},
		{3, 0.85},
		{4, 0.8},
		{5, 0.75},
		{6, 0.7},
		{25, 0.7},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RankMultiplier(tt.rank), "rank %d", tt.rank)
	}
}

func TestGrantRankSequence(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewCatalog(), newMemoryLedger())

	// homework base value is 100, so amounts read as percentages
	wantAmounts := []int{100, 90, 85, 80, 75, 70, 70}

	for i, want := range wantAmounts {
		user := string(rune('a' + i))
		res, err := engine.Grant(ctx, user, "class-1", "hw-1", "homework", models.GrantSourceDirect)
		require.NoError(t, err)
		assert.True(t, res.Granted)
		assert.Equal(t, i+1, res.Rank)
		assert.Equal(t, want, res.Amount, "rank %d", i+1)
	}
}

func TestGrantIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewCatalog(), newMemoryLedger())

	first, err := engine.Grant(ctx, "alice", "class-1", "quiz-1", "quiz", models.GrantSourceDirect)
	require.NoError(t, err)
	require.True(t, first.Granted)
	assert.Equal(t, 75, first.Amount)

	second, err := engine.Grant(ctx, "alice", "class-1", "quiz-1", "quiz", models.GrantSourceDirect)
	require.NoError(t, err)
	assert.False(t, second.Granted, "second grant must be a no-op")
	assert.Equal(t, first.Total, second.Total, "total must not change")
}

func TestGrantIdempotentAcrossSources(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewCatalog(), newMemoryLedger())

	first, err := engine.Grant(ctx, "alice", "class-1", "hw-1", "homework", models.GrantSourceDirect)
	require.NoError(t, err)
	require.True(t, first.Granted)

	// a later approval of the same completion changes nothing
	second, err := engine.Grant(ctx, "alice", "class-1", "hw-1", "homework", models.GrantSourceApproval)
	require.NoError(t, err)
	assert.False(t, second.Granted)
	assert.Equal(t, first.Total, second.Total)
}

func TestGrantUnknownCategoryUsesDefault(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewCatalog(), newMemoryLedger())

	res, err := engine.Grant(ctx, "alice", "class-1", "x-1", "interpretive-dance", models.GrantSourceDirect)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseValue, res.Amount)
}

func TestRevokeExactAmount(t *testing.T) {
	ctx := context.Background()
	ledger := newMemoryLedger()
	engine := NewEngine(NewCatalog(), ledger)

	// first completer of essay-1 pockets 150
	_, err := engine.Grant(ctx, "bob", "class-1", "other", "homework", models.GrantSourceDirect)
	require.NoError(t, err)
	granted, err := engine.Grant(ctx, "alice", "class-1", "essay-1", "essay", models.GrantSourceDirect)
	require.NoError(t, err)
	require.Equal(t, 150, granted.Amount)

	// second completer gets 135; revoking must subtract 135, not 150
	second, err := engine.Grant(ctx, "bob", "class-1", "essay-1", "essay", models.GrantSourceDirect)
	require.NoError(t, err)
	require.Equal(t, 135, second.Amount)

	before, err := ledger.GetExperience(ctx, "class-1", "bob")
	require.NoError(t, err)

	revoked, err := engine.Revoke(ctx, "bob", "class-1", "essay-1")
	require.NoError(t, err)
	assert.Equal(t, 135, revoked.Amount)
	assert.Equal(t, before.TotalExp-135, revoked.Total)

	after, err := ledger.GetExperience(ctx, "class-1", "bob")
	require.NoError(t, err)
	assert.False(t, after.HasCompleted("essay-1"))
}

func TestRevokeNeverGranted(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewCatalog(), newMemoryLedger())

	_, err := engine.Revoke(ctx, "alice", "class-1", "ghost")
	assert.ErrorIs(t, err, ErrNeverGranted)
}

func TestRevokeApprovalGrantProtected(t *testing.T) {
	ctx := context.Background()
	ledger := newMemoryLedger()
	engine := NewEngine(NewCatalog(), ledger)

	granted, err := engine.Grant(ctx, "alice", "class-1", "hw-1", "homework", models.GrantSourceApproval)
	require.NoError(t, err)
	require.True(t, granted.Granted)

	_, err = engine.Revoke(ctx, "alice", "class-1", "hw-1")
	assert.ErrorIs(t, err, ErrApprovalGranted)

	exp, err := ledger.GetExperience(ctx, "class-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 100, exp.TotalExp, "approval-granted reward must stay")
	assert.True(t, exp.HasCompleted("hw-1"))
}

func TestConcurrentGrantsGetDistinctRanks(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewCatalog(), newMemoryLedger())

	const members = 8
	results := make(chan GrantResult, members)
	var wg sync.WaitGroup

	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := engine.Grant(ctx, string(rune('a'+n)), "class-1", "race-1", "homework", models.GrantSourceDirect)
			require.NoError(t, err)
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for res := range results {
		assert.False(t, seen[res.Rank], "rank %d assigned twice", res.Rank)
		seen[res.Rank] = true
	}
	assert.Len(t, seen, members)
}

func TestProgress(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewCatalog(), newMemoryLedger())

	_, err := engine.Grant(ctx, "alice", "class-1", "hw-1", "homework", models.GrantSourceDirect)
	require.NoError(t, err)

	exp, level, err := engine.Progress(ctx, "class-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 100, exp.TotalExp)
	assert.Equal(t, 2, level.Level)
}
