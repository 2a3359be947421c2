// Package reward computes and records experience rewards for completed
// assignments: base value by work category, a multiplier by completion
// rank, and the level curve over accumulated experience.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/classpad/classwork-engine/internal/models"
)

// Common errors
var (
	ErrNeverGranted    = errors.New("no reward was granted for this assignment")
	ErrApprovalGranted = errors.New("reward was granted through a moderator approval")
)

// rankMultipliers scales the reward by completion order among class members
var rankMultipliers = map[int]float64{
	1: 1.0,
	2: 0.9,
	3: 0.85,
	4: 0.8,
	5: 0.75,
}

// defaultRankMultiplier applies to ranks beyond the table
const defaultRankMultiplier = 0.7

// RankMultiplier returns the reward multiplier for a 1-based completion rank
func RankMultiplier(rank int) float64 {
	if m, ok := rankMultipliers[rank]; ok {
		return m
	}
	return defaultRankMultiplier
}

// Ledger persists experience records and answers how many members already
// completed an assignment. Implemented by the remote store adapter.
type Ledger interface {
	// GetExperience returns the record for (class, user); a zero-valued
	// record if none exists yet.
	GetExperience(ctx context.Context, classID, userID string) (*models.Experience, error)
	PutExperience(ctx context.Context, exp *models.Experience) error
	// CompletedCount returns the number of class members already granted
	// a reward for the assignment.
	CompletedCount(ctx context.Context, classID, assignmentID string) (int, error)
}

// Engine grants and revokes experience rewards.
//
// Grants are serialized per (class, assignment) so two members completing
// the same assignment at the same time can never be assigned the same rank.
type Engine struct {
	catalog *Catalog
	ledger  Ledger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a reward engine over a catalog and a ledger
func NewEngine(catalog *Catalog, ledger Ledger) *Engine {
	return &Engine{
		catalog: catalog,
		ledger:  ledger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// BaseValue returns the base reward for a category
func (e *Engine) BaseValue(category string) int {
	return e.catalog.BaseValue(category)
}

// assignmentLock returns the mutex serializing grants for one assignment
func (e *Engine) assignmentLock(classID, assignmentID string) *sync.Mutex {
	key := classID + "/" + assignmentID

	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// GrantResult reports the outcome of a grant
type GrantResult struct {
	Granted bool `json:"granted"`
	Rank    int  `json:"rank,omitempty"`
	Amount  int  `json:"amount,omitempty"`
	Total   int  `json:"total_exp"`
}

// Grant awards experience for a completed assignment. Idempotent: a second
// grant for the same (user, assignment) is a no-op, not an error. The rank
// check and the ledger insertion happen under the per-assignment lock, so
// rank equals the order grants actually land in the ledger.
func (e *Engine) Grant(ctx context.Context, userID, classID, assignmentID, category string, source models.GrantSource) (GrantResult, error) {
	lock := e.assignmentLock(classID, assignmentID)
	lock.Lock()
	defer lock.Unlock()

	exp, err := e.ledger.GetExperience(ctx, classID, userID)
	if err != nil {
		return GrantResult{}, fmt.Errorf("failed to load experience: %w", err)
	}

	if exp.HasCompleted(assignmentID) {
		return GrantResult{Granted: false, Total: exp.TotalExp}, nil
	}

	completed, err := e.ledger.CompletedCount(ctx, classID, assignmentID)
	if err != nil {
		return GrantResult{}, fmt.Errorf("failed to count completions: %w", err)
	}
	rank := completed + 1

	amount := int(math.Round(float64(e.catalog.BaseValue(category)) * RankMultiplier(rank)))

	exp.TotalExp += amount
	if exp.Completed == nil {
		exp.Completed = make(map[string]models.CompletionGrant)
	}
	exp.Completed[assignmentID] = models.CompletionGrant{Amount: amount, Source: source}

	if err := e.ledger.PutExperience(ctx, exp); err != nil {
		return GrantResult{}, fmt.Errorf("failed to save experience: %w", err)
	}

	slog.Info("reward granted",
		"class", classID,
		"user", userID,
		"assignment", assignmentID,
		"rank", rank,
		"amount", amount,
		"total", exp.TotalExp,
	)

	return GrantResult{Granted: true, Rank: rank, Amount: amount, Total: exp.TotalExp}, nil
}

// Revoke withdraws a previously granted reward, subtracting the exact
// amount recorded at grant time. Revoking an assignment that was never
// granted fails with ErrNeverGranted; a reward granted through a moderator
// approval is protected and fails with ErrApprovalGranted, since the
// approval record stays the source of truth for that completion.
func (e *Engine) Revoke(ctx context.Context, userID, classID, assignmentID string) (GrantResult, error) {
	lock := e.assignmentLock(classID, assignmentID)
	lock.Lock()
	defer lock.Unlock()

	exp, err := e.ledger.GetExperience(ctx, classID, userID)
	if err != nil {
		return GrantResult{}, fmt.Errorf("failed to load experience: %w", err)
	}

	grant, ok := exp.Completed[assignmentID]
	if !ok {
		return GrantResult{}, fmt.Errorf("%w: %s", ErrNeverGranted, assignmentID)
	}
	if grant.Source == models.GrantSourceApproval {
		return GrantResult{}, fmt.Errorf("%w: %s", ErrApprovalGranted, assignmentID)
	}

	amount := grant.Amount
	exp.TotalExp -= amount
	if exp.TotalExp < 0 {
		exp.TotalExp = 0
	}
	delete(exp.Completed, assignmentID)

	if err := e.ledger.PutExperience(ctx, exp); err != nil {
		return GrantResult{}, fmt.Errorf("failed to save experience: %w", err)
	}

	slog.Info("reward revoked",
		"class", classID,
		"user", userID,
		"assignment", assignmentID,
		"amount", amount,
		"total", exp.TotalExp,
	)

	return GrantResult{Granted: false, Amount: amount, Total: exp.TotalExp}, nil
}

// Progress returns the user's position on the level curve
func (e *Engine) Progress(ctx context.Context, classID, userID string) (*models.Experience, models.LevelProgress, error) {
	exp, err := e.ledger.GetExperience(ctx, classID, userID)
	if err != nil {
		return nil, models.LevelProgress{}, fmt.Errorf("failed to load experience: %w", err)
	}
	return exp, LevelFromExp(exp.TotalExp), nil
}
