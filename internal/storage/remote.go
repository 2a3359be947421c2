package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound         = errors.New("document not found")
	ErrUnavailable      = errors.New("remote store unavailable")
	ErrPermissionDenied = errors.New("permission denied")
)

// IsUnavailable reports whether err indicates the remote store could not be
// reached. Callers use it to decide on the local-cache fallback.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Document is one record in the remote store. Fields hold the JSON-shaped
// payload; Path is "collection/.../id".
type Document struct {
	Path       string         `json:"path"`
	Collection string         `json:"collection"`
	Fields     map[string]any `json:"fields"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ID returns the last path segment
func (d Document) ID() string {
	idx := strings.LastIndex(d.Path, "/")
	if idx < 0 {
		return d.Path
	}
	return d.Path[idx+1:]
}

// Filter is an equality constraint on a document field
type Filter struct {
	Field string
	Value any
}

// OrderBy sorts query results on a field
type OrderBy struct {
	Field     string
	Ascending bool
}

// WriteOp is one operation in a batched write
type WriteOp struct {
	Path   string
	Fields map[string]any
	Merge  bool
	Delete bool
}

// Snapshot is one delivery from a change subscription: the full current
// result of the subscribed query.
type Snapshot struct {
	Collection string
	Docs       []Document
}

// Subscription is a handle on a push-based change feed for one query
type Subscription interface {
	// Updates delivers a snapshot after every change to the subscribed
	// collection. The first delivery is the current state.
	Updates() <-chan Snapshot
	Unsubscribe()
}

// RemoteStore abstracts the authoritative multi-tenant document database.
// Implementations: Postgres (JSONB documents, redis change feed) and an
// in-process memory store for tests and local development.
type RemoteStore interface {
	Get(ctx context.Context, path string) (Document, error)
	Query(ctx context.Context, collection string, filters []Filter, orderBy *OrderBy, limit int) ([]Document, error)
	// Add creates a document in the collection with a store-assigned id
	Add(ctx context.Context, collection string, fields map[string]any) (Document, error)
	Write(ctx context.Context, path string, fields map[string]any, merge bool) error
	Delete(ctx context.Context, path string) error
	BatchWrite(ctx context.Context, ops []WriteOp) error
	Subscribe(ctx context.Context, collection string, filters []Filter) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Collection path helpers. Layout mirrors the class-scoped sub-collections:
// classes/{c}/assignments, classes/{c}/approvals, classes/{c}/members,
// classes/{c}/experience, plus top-level classes and tokens.

func ClassPath(classID string) string {
	return "classes/" + classID
}

func AssignmentsCollection(classID string) string {
	return fmt.Sprintf("classes/%s/assignments", classID)
}

func AssignmentPath(classID, storeID string) string {
	return fmt.Sprintf("classes/%s/assignments/%s", classID, storeID)
}

func ApprovalsCollection(classID string) string {
	return fmt.Sprintf("classes/%s/approvals", classID)
}

func ApprovalPath(classID, approvalID string) string {
	return fmt.Sprintf("classes/%s/approvals/%s", classID, approvalID)
}

func MembersCollection(classID string) string {
	return fmt.Sprintf("classes/%s/members", classID)
}

func MemberPath(classID, userID string) string {
	return fmt.Sprintf("classes/%s/members/%s", classID, userID)
}

func ExperienceCollection(classID string) string {
	return fmt.Sprintf("classes/%s/experience", classID)
}

func ExperiencePath(classID, userID string) string {
	return fmt.Sprintf("classes/%s/experience/%s", classID, userID)
}

func TokenPath(token string) string {
	return "tokens/" + token
}

// CollectionOf returns the collection a document path belongs to
func CollectionOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}
