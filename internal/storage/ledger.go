package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/classpad/classwork-engine/internal/models"
)

// RemoteLedger persists experience records in the remote store's per-class
// experience collection. It satisfies the reward engine's Ledger interface.
type RemoteLedger struct {
	store RemoteStore
}

// NewRemoteLedger creates a ledger over a remote store
func NewRemoteLedger(store RemoteStore) *RemoteLedger {
	return &RemoteLedger{store: store}
}

// GetExperience returns the experience record for (class, user), or a
// zero-valued record if none exists yet.
func (l *RemoteLedger) GetExperience(ctx context.Context, classID, userID string) (*models.Experience, error) {
	doc, err := l.store.Get(ctx, ExperiencePath(classID, userID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &models.Experience{ClassID: classID, UserID: userID}, nil
		}
		return nil, err
	}
	return ExperienceFromDoc(doc)
}

// PutExperience writes the experience record back
func (l *RemoteLedger) PutExperience(ctx context.Context, exp *models.Experience) error {
	fields, err := ExperienceFields(exp)
	if err != nil {
		return err
	}
	return l.store.Write(ctx, ExperiencePath(exp.ClassID, exp.UserID), fields, false)
}

// CompletedCount counts class members already granted a reward for the
// assignment. The grant ledger inside each experience record is the source
// of truth, so the count covers both approval-gated and direct completions.
func (l *RemoteLedger) CompletedCount(ctx context.Context, classID, assignmentID string) (int, error) {
	docs, err := l.store.Query(ctx, ExperienceCollection(classID), nil, nil, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to query experience records: %w", err)
	}

	count := 0
	for _, doc := range docs {
		exp, err := ExperienceFromDoc(doc)
		if err != nil {
			return 0, err
		}
		if exp.HasCompleted(assignmentID) {
			count++
		}
	}
	return count, nil
}
