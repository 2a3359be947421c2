package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process RemoteStore used by tests and local
// development. It can be flipped offline to exercise fallback paths.
type MemoryStore struct {
	mu        sync.RWMutex
	docs      map[string]Document
	feed      *MemoryFeed
	available bool
}

// NewMemoryStore creates an empty in-memory remote store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]Document),
		feed:      NewMemoryFeed(),
		available: true,
	}
}

// SetAvailable flips the simulated connectivity state
func (s *MemoryStore) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

func (s *MemoryStore) checkAvailable() error {
	if !s.available {
		return fmt.Errorf("%w: store offline", ErrUnavailable)
	}
	return nil
}

// Ping checks simulated connectivity
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkAvailable()
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Get retrieves a document by path
func (s *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return Document{}, err
	}

	doc, ok := s.docs[path]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return cloneDoc(doc), nil
}

// Query returns documents in a collection matching all filters
func (s *MemoryStore) Query(ctx context.Context, collection string, filters []Filter, orderBy *OrderBy, limit int) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	var docs []Document
	for _, doc := range s.docs {
		if doc.Collection != collection {
			continue
		}
		if !matchesFilters(doc, filters) {
			continue
		}
		docs = append(docs, cloneDoc(doc))
	}

	sortDocs(docs, orderBy)

	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Add creates a document with a store-assigned id
func (s *MemoryStore) Add(ctx context.Context, collection string, fields map[string]any) (Document, error) {
	id := uuid.New().String()
	path := collection + "/" + id

	if err := s.Write(ctx, path, fields, false); err != nil {
		return Document{}, err
	}

	s.mu.RLock()
	doc := cloneDoc(s.docs[path])
	s.mu.RUnlock()
	return doc, nil
}

// Write upserts a document
func (s *MemoryStore) Write(ctx context.Context, path string, fields map[string]any, merge bool) error {
	s.mu.Lock()

	if err := s.checkAvailable(); err != nil {
		s.mu.Unlock()
		return err
	}

	collection := CollectionOf(path)
	doc, exists := s.docs[path]
	if exists && merge {
		for k, v := range fields {
			doc.Fields[k] = v
		}
	} else {
		doc = Document{Path: path, Collection: collection, Fields: cloneFields(fields)}
	}
	doc.UpdatedAt = time.Now().UTC()
	s.docs[path] = doc
	s.mu.Unlock()

	s.feed.Publish(ctx, collection)
	return nil
}

// Delete removes a document by path
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()

	if err := s.checkAvailable(); err != nil {
		s.mu.Unlock()
		return err
	}

	if _, ok := s.docs[path]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	delete(s.docs, path)
	s.mu.Unlock()

	s.feed.Publish(ctx, CollectionOf(path))
	return nil
}

// BatchWrite applies all operations atomically
func (s *MemoryStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	s.mu.Lock()

	if err := s.checkAvailable(); err != nil {
		s.mu.Unlock()
		return err
	}

	collections := make(map[string]struct{})
	for _, op := range ops {
		collection := CollectionOf(op.Path)
		collections[collection] = struct{}{}

		if op.Delete {
			delete(s.docs, op.Path)
			continue
		}

		doc, exists := s.docs[op.Path]
		if exists && op.Merge {
			for k, v := range op.Fields {
				doc.Fields[k] = v
			}
		} else {
			doc = Document{Path: op.Path, Collection: collection, Fields: cloneFields(op.Fields)}
		}
		doc.UpdatedAt = time.Now().UTC()
		s.docs[op.Path] = doc
	}
	s.mu.Unlock()

	for collection := range collections {
		s.feed.Publish(ctx, collection)
	}
	return nil
}

// Subscribe returns a push subscription over the in-process feed
func (s *MemoryStore) Subscribe(ctx context.Context, collection string, filters []Filter) (Subscription, error) {
	s.mu.RLock()
	if err := s.checkAvailable(); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	s.mu.RUnlock()

	signals, stop, err := s.feed.Listen(ctx, collection)
	if err != nil {
		return nil, err
	}

	sub := newQuerySubscription(collection)
	go sub.run(ctx, signals, stop, func(ctx context.Context) ([]Document, error) {
		return s.Query(ctx, collection, filters, nil, 0)
	})

	return sub, nil
}

func matchesFilters(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !jsonEqual(doc.Fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values through their JSON encoding, matching the
// JSONB comparison semantics of the Postgres implementation
func jsonEqual(a, b any) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(aj) == string(bj)
}

func sortDocs(docs []Document, orderBy *OrderBy) {
	sort.Slice(docs, func(i, j int) bool {
		if orderBy != nil {
			vi := fmt.Sprintf("%v", docs[i].Fields[orderBy.Field])
			vj := fmt.Sprintf("%v", docs[j].Fields[orderBy.Field])
			if vi != vj {
				if orderBy.Ascending {
					return vi < vj
				}
				return vi > vj
			}
			if !orderBy.Ascending {
				return docs[i].Path > docs[j].Path
			}
		}
		return docs[i].Path < docs[j].Path
	})
}

func cloneDoc(doc Document) Document {
	cp := doc
	cp.Fields = cloneFields(doc.Fields)
	return cp
}

func cloneFields(fields map[string]any) map[string]any {
	raw, err := json.Marshal(fields)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	_ = json.Unmarshal(raw, &out)
	return out
}
