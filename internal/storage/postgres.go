package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements RemoteStore on PostgreSQL, storing documents as
// JSONB rows. Change subscriptions are delivered through a Feed (redis
// pub/sub in production).
type PostgresStore struct {
	pool *pgxpool.Pool
	feed Feed
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int32
	MaxIdleConns int32
	MaxLifetime  time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed remote store
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, feed Feed) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	} else {
		poolConfig.MaxConns = 25 // default
	}

	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	} else {
		poolConfig.MinConns = 5 // default
	}

	if cfg.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxLifetime
	} else {
		poolConfig.MaxConnLifetime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, feed: feed}, nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the connection pool and the change feed
func (s *PostgresStore) Close() error {
	s.pool.Close()
	if s.feed != nil {
		return s.feed.Close()
	}
	return nil
}

// Get retrieves a document by path
func (s *PostgresStore) Get(ctx context.Context, path string) (Document, error) {
	query := `
		SELECT path, collection, fields, updated_at
		FROM documents
		WHERE path = $1
	`

	var doc Document
	var fieldsJSON []byte

	err := s.pool.QueryRow(ctx, query, path).Scan(&doc.Path, &doc.Collection, &fieldsJSON, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := json.Unmarshal(fieldsJSON, &doc.Fields); err != nil {
		return Document{}, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	return doc, nil
}

var fieldNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Query returns documents in a collection matching all filters
func (s *PostgresStore) Query(ctx context.Context, collection string, filters []Filter, orderBy *OrderBy, limit int) ([]Document, error) {
	query := `
		SELECT path, collection, fields, updated_at
		FROM documents
		WHERE collection = $1
	`
	args := []any{collection}
	argNum := 2

	for _, f := range filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return nil, fmt.Errorf("invalid filter field: %s", f.Field)
		}
		valueJSON, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal filter value: %w", err)
		}
		query += fmt.Sprintf(" AND fields->'%s' = $%d::jsonb", f.Field, argNum)
		args = append(args, string(valueJSON))
		argNum++
	}

	if orderBy != nil {
		if !fieldNamePattern.MatchString(orderBy.Field) {
			return nil, fmt.Errorf("invalid order field: %s", orderBy.Field)
		}
		direction := "DESC"
		if orderBy.Ascending {
			direction = "ASC"
		}
		// path is the deterministic tie-breaker
		query += fmt.Sprintf(" ORDER BY fields->>'%s' %s, path %s", orderBy.Field, direction, direction)
	} else {
		query += " ORDER BY path ASC"
	}

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var fieldsJSON []byte
		if err := rows.Scan(&doc.Path, &doc.Collection, &fieldsJSON, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &doc.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return docs, nil
}

// Add creates a document with a store-assigned id
func (s *PostgresStore) Add(ctx context.Context, collection string, fields map[string]any) (Document, error) {
	id := uuid.New().String()
	path := collection + "/" + id

	if err := s.Write(ctx, path, fields, false); err != nil {
		return Document{}, err
	}

	return Document{
		Path:       path,
		Collection: collection,
		Fields:     fields,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// Write upserts a document. With merge=true existing fields not present in
// the payload are kept; otherwise the payload replaces the document.
func (s *PostgresStore) Write(ctx context.Context, path string, fields map[string]any, merge bool) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
		INSERT INTO documents (path, collection, fields, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (path) DO UPDATE
		SET fields = CASE WHEN $4 THEN documents.fields || EXCLUDED.fields ELSE EXCLUDED.fields END,
		    updated_at = NOW()
	`

	if _, err := s.pool.Exec(ctx, query, path, CollectionOf(path), fieldsJSON, merge); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.publish(ctx, CollectionOf(path))
	return nil
}

// Delete removes a document by path
func (s *PostgresStore) Delete(ctx context.Context, path string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	s.publish(ctx, CollectionOf(path))
	return nil
}

// BatchWrite applies all operations in one transaction
func (s *PostgresStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	collections := make(map[string]struct{})

	for _, op := range ops {
		collections[CollectionOf(op.Path)] = struct{}{}

		if op.Delete {
			if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, op.Path); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			continue
		}

		fieldsJSON, err := json.Marshal(op.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}

		query := `
			INSERT INTO documents (path, collection, fields, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (path) DO UPDATE
			SET fields = CASE WHEN $4 THEN documents.fields || EXCLUDED.fields ELSE EXCLUDED.fields END,
			    updated_at = NOW()
		`
		if _, err := tx.Exec(ctx, query, op.Path, CollectionOf(op.Path), fieldsJSON, op.Merge); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for collection := range collections {
		s.publish(ctx, collection)
	}
	return nil
}

// Subscribe returns a push subscription: an initial snapshot followed by a
// fresh snapshot after every change to the collection.
func (s *PostgresStore) Subscribe(ctx context.Context, collection string, filters []Filter) (Subscription, error) {
	if s.feed == nil {
		return nil, fmt.Errorf("change feed not configured")
	}

	signals, stop, err := s.feed.Listen(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on change feed: %w", err)
	}

	sub := newQuerySubscription(collection)
	go sub.run(ctx, signals, stop, func(ctx context.Context) ([]Document, error) {
		return s.Query(ctx, collection, filters, nil, 0)
	})

	return sub, nil
}

func (s *PostgresStore) publish(ctx context.Context, collection string) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(ctx, collection)
}
