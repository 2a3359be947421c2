package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/classpad/classwork-engine/internal/models"
)

// CacheEntry identifies one cached member view
type CacheEntry struct {
	ClassID string
	UserID  string
}

// LocalCache is the durable store of the last-known assignment list per
// (class, member). It survives remote outages and is the only place the
// device-local completion status lives. The status exists per (device,
// user, assignment), so entries are never shared between members.
type LocalCache interface {
	// Get returns the cached list for a member's view of a class, or nil
	// if nothing is cached
	Get(ctx context.Context, classID, userID string) ([]*models.Assignment, error)
	Put(ctx context.Context, classID, userID string, list []*models.Assignment) error
	// Entries lists every (class, member) pairing with a cache entry
	Entries(ctx context.Context) ([]CacheEntry, error)
	Close() error
}

// SQLiteCache implements LocalCache on a local sqlite database
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (and initializes) the cache database at path
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// Serialized writes; sqlite handles one writer at a time
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS member_cache (
			class_id   TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			payload    TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (class_id, user_id)
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &SQLiteCache{db: db}, nil
}

// Get returns the cached assignment list for a member's view of a class
func (c *SQLiteCache) Get(ctx context.Context, classID, userID string) ([]*models.Assignment, error) {
	var payload string
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM member_cache WHERE class_id = ? AND user_id = ?`,
		classID, userID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	var list []*models.Assignment
	if err := json.Unmarshal([]byte(payload), &list); err != nil {
		return nil, fmt.Errorf("failed to decode cached assignments: %w", err)
	}
	return list, nil
}

// Put replaces the cached assignment list for a member's view of a class
func (c *SQLiteCache) Put(ctx context.Context, classID, userID string, list []*models.Assignment) error {
	payload, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode assignments: %w", err)
	}

	query := `
		INSERT INTO member_cache (class_id, user_id, payload, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (class_id, user_id) DO UPDATE
		SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := c.db.ExecContext(ctx, query, classID, userID, string(payload)); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Entries lists every cached (class, member) pairing
func (c *SQLiteCache) Entries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT class_id, user_id FROM member_cache ORDER BY class_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.ClassID, &e.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the cache database
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// MemoryCache is an in-process LocalCache for tests
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[CacheEntry][]*models.Assignment
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[CacheEntry][]*models.Assignment)}
}

func (c *MemoryCache) Get(ctx context.Context, classID, userID string) ([]*models.Assignment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list, ok := c.entries[CacheEntry{ClassID: classID, UserID: userID}]
	if !ok {
		return nil, nil
	}
	out := make([]*models.Assignment, len(list))
	for i, a := range list {
		out[i] = a.Clone()
	}
	return out, nil
}

func (c *MemoryCache) Put(ctx context.Context, classID, userID string, list []*models.Assignment) error {
	cp := make([]*models.Assignment, len(list))
	for i, a := range list {
		cp[i] = a.Clone()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[CacheEntry{ClassID: classID, UserID: userID}] = cp
	return nil
}

func (c *MemoryCache) Entries(ctx context.Context) ([]CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]CacheEntry, 0, len(c.entries))
	for e := range c.entries {
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *MemoryCache) Close() error {
	return nil
}
