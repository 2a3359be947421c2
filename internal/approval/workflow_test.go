package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/classwork-engine/internal/models"
	"github.com/classpad/classwork-engine/internal/notify"
	"github.com/classpad/classwork-engine/internal/reward"
	"github.com/classpad/classwork-engine/internal/storage"
)

// statusRecorder captures SetLocalStatus calls
type statusRecorder struct {
	calls []statusCall
}

type statusCall struct {
	ClassID      string
	UserID       string
	AssignmentID string
	Status       models.CompletionStatus
}

func (r *statusRecorder) SetLocalStatus(ctx context.Context, classID, userID, assignmentID string, status models.CompletionStatus) error {
	r.calls = append(r.calls, statusCall{classID, userID, assignmentID, status})
	return nil
}

type workflowFixture struct {
	workflow *Workflow
	store    *storage.MemoryStore
	rewards  *reward.Engine
	statuses *statusRecorder
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()

	store := storage.NewMemoryStore()
	rewards := reward.NewEngine(reward.NewCatalog(), storage.NewRemoteLedger(store))
	statuses := &statusRecorder{}
	workflow := NewWorkflow(store, rewards, statuses, notify.LogDispatcher{})

	return &workflowFixture{workflow: workflow, store: store, rewards: rewards, statuses: statuses}
}

func (f *workflowFixture) seedAssignment(t *testing.T, classID, canonicalID, category string) {
	t.Helper()
	f.seedAssignmentAt(t, classID, canonicalID, canonicalID, category)
}

func (f *workflowFixture) seedAssignmentAt(t *testing.T, classID, storeID, canonicalID, category string) {
	t.Helper()
	fields, err := storage.AssignmentFields(&models.Assignment{
		CanonicalID: canonicalID,
		ClassID:     classID,
		Category:    category,
		Visibility:  models.VisibilityApproved,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Write(context.Background(), storage.AssignmentPath(classID, storeID), fields, false))
}

var (
	alice   = models.User{ID: "alice"}
	teacher = models.User{ID: "ms-smith"}
)

func TestSubmitEvidence(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")

	ca, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "photos/worksheet.jpg")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, ca.State)
	assert.Equal(t, "alice", ca.UserID)
	assert.Equal(t, "photos/worksheet.jpg", ca.EvidenceRef)
	assert.Nil(t, ca.DecidedAt)

	// persisted round trip
	doc, err := f.store.Get(ctx, storage.ApprovalPath("c1", ca.ID))
	require.NoError(t, err)
	stored, err := storage.ApprovalFromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, ca.ID, stored.ID)
	assert.Equal(t, models.ApprovalPending, stored.State)
}

func TestSubmitEvidenceDuplicatePending(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")

	_, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "first")
	require.NoError(t, err)

	_, err = f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "second")
	assert.ErrorIs(t, err, ErrDuplicatePending)

	// only the first record exists
	docs, err := f.store.Query(ctx, storage.ApprovalsCollection("c1"), nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	// a different assignment is unaffected
	f.seedAssignment(t, "c1", "hw2", "homework")
	_, err = f.workflow.SubmitEvidence(ctx, "c1", alice, "hw2", "other")
	assert.NoError(t, err)
}

func TestSubmitEvidenceUnknownAssignment(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)

	_, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "no-such-assignment", "photo.jpg")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)

	// nothing persisted
	docs, err := f.store.Query(ctx, storage.ApprovalsCollection("c1"), nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSubmitEvidenceNormalizesIdentifier(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignmentAt(t, "c1", "s-hw1", "hw1", "homework")

	// evidence submitted under the store id resolves to the canonical id
	ca, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "s-hw1", "done.jpg")
	require.NoError(t, err)
	assert.Equal(t, "hw1", ca.AssignmentID)

	// a duplicate under the other identifier is still caught
	_, err = f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "again.jpg")
	assert.ErrorIs(t, err, ErrDuplicatePending)
}

func TestApproveGrantKeyedByCanonicalID(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignmentAt(t, "c1", "s-hw1", "hw1", "homework")

	ca, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "s-hw1", "done.jpg")
	require.NoError(t, err)
	_, err = f.workflow.Approve(ctx, "c1", ca.ID, teacher, models.RoleTeacher)
	require.NoError(t, err)

	// the local status flip carries the canonical id
	require.Len(t, f.statuses.calls, 1)
	assert.Equal(t, "hw1", f.statuses.calls[0].AssignmentID)

	// a later completion under the canonical id must not double-grant
	res, err := f.rewards.Grant(ctx, "alice", "c1", "hw1", "homework", models.GrantSourceDirect)
	require.NoError(t, err)
	assert.False(t, res.Granted)

	exp, _, err := f.rewards.Progress(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 100, exp.TotalExp)
}

func TestResubmitAfterRejection(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")

	first, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "blurry.jpg")
	require.NoError(t, err)

	_, err = f.workflow.Reject(ctx, "c1", first.ID, teacher, models.RoleTeacher, "photo unreadable")
	require.NoError(t, err)

	second, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "sharp.jpg")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")

	// bob already completed hw1, so alice's approval lands at rank 2
	_, err := f.rewards.Grant(ctx, "bob", "c1", "hw1", "homework", models.GrantSourceDirect)
	require.NoError(t, err)

	ca, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "done.jpg")
	require.NoError(t, err)

	decided, err := f.workflow.Approve(ctx, "c1", ca.ID, teacher, models.RoleTeacher)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, decided.State)
	assert.Equal(t, "ms-smith", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)

	// local status flipped for the submitter
	require.Len(t, f.statuses.calls, 1)
	assert.Equal(t, statusCall{"c1", "alice", "hw1", models.StatusFinished}, f.statuses.calls[0])

	// rank 2 of homework earns 90
	exp, _, err := f.rewards.Progress(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 90, exp.TotalExp)
}

func TestApproveGuards(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")

	ca, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "done.jpg")
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, "c1", ca.ID, alice, models.RoleStudent)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.workflow.Approve(ctx, "c1", "no-such-id", teacher, models.RoleTeacher)
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	_, err = f.workflow.Approve(ctx, "c1", ca.ID, teacher, models.RoleTeacher)
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, "c1", ca.ID, teacher, models.RoleTeacher)
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestApproveIdempotentReward(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")

	// alice finished hw1 directly before the class enabled approvals
	_, err := f.rewards.Grant(ctx, "alice", "c1", "hw1", "homework", models.GrantSourceDirect)
	require.NoError(t, err)

	ca, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "done.jpg")
	require.NoError(t, err)
	_, err = f.workflow.Approve(ctx, "c1", ca.ID, teacher, models.RoleTeacher)
	require.NoError(t, err)

	exp, _, err := f.rewards.Progress(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 100, exp.TotalExp, "approval must not double-grant")
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")

	ca, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "done.jpg")
	require.NoError(t, err)

	decided, err := f.workflow.Reject(ctx, "c1", ca.ID, teacher, models.RoleTeacher, "wrong worksheet")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, decided.State)
	assert.Equal(t, "wrong worksheet", decided.RejectionReason)

	// no status change, no reward
	assert.Empty(t, f.statuses.calls)
	exp, _, err := f.rewards.Progress(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, exp.TotalExp)
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")
	f.seedAssignment(t, "c1", "hw2", "quiz")

	first, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "a")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := f.workflow.SubmitEvidence(ctx, "c1", models.User{ID: "bob"}, "hw2", "b")
	require.NoError(t, err)

	_, err = f.workflow.ListPending(ctx, "c1", models.RoleStudent)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	pending, err := f.workflow.ListPending(ctx, "c1", models.RoleTeacher)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")
	assert.Equal(t, second.ID, pending[1].ID)

	// decided records drop out
	_, err = f.workflow.Approve(ctx, "c1", first.ID, teacher, models.RoleTeacher)
	require.NoError(t, err)

	pending, err = f.workflow.ListPending(ctx, "c1", models.RoleTeacher)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestListForAssignment(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture(t)
	f.seedAssignment(t, "c1", "hw1", "homework")
	f.seedAssignment(t, "c1", "hw2", "homework")

	_, err := f.workflow.SubmitEvidence(ctx, "c1", alice, "hw1", "a")
	require.NoError(t, err)
	_, err = f.workflow.SubmitEvidence(ctx, "c1", models.User{ID: "bob"}, "hw1", "b")
	require.NoError(t, err)
	_, err = f.workflow.SubmitEvidence(ctx, "c1", alice, "hw2", "c")
	require.NoError(t, err)

	got, err := f.workflow.ListForAssignment(ctx, "c1", "hw1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
