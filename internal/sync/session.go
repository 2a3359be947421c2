package sync

import (
	"context"
	"sync"

	"github.com/classpad/classwork-engine/internal/models"
	"github.com/classpad/classwork-engine/internal/storage"
)

// View is one republication of the canonical assignment list
type View struct {
	Assignments []*models.Assignment `json:"assignments"`
	Synced      bool                 `json:"synced"`
}

// Session is the single logical owner of one (class, member) pairing: it
// holds the in-memory canonical assignment list, the push subscription and
// the class policy. Constructed on class selection, torn down on switch.
type Session struct {
	ClassID string
	User    models.User
	Role    models.Role

	// generation distinguishes this session from a later one for the same
	// class; callbacks from a superseded subscription are discarded.
	generation uint64

	mu        sync.Mutex
	canonical []*models.Assignment
	synced    bool
	loaded    bool
	policy    models.Class

	sub    storage.Subscription
	cancel context.CancelFunc
	closed bool

	watchMu  sync.Mutex
	watchers map[chan View]struct{}
}

func newSession(classID string, user models.User, role models.Role, generation uint64) *Session {
	return &Session{
		ClassID:    classID,
		User:       user,
		Role:       role,
		generation: generation,
		watchers:   make(map[chan View]struct{}),
	}
}

// view returns the current canonical view without tombstones
func (s *Session) view() View {
	list := VisibleView(s.canonical)
	out := make([]*models.Assignment, len(list))
	for i, a := range list {
		out[i] = a.Clone()
	}
	return View{Assignments: out, Synced: s.synced}
}

// setCanonical replaces the canonical list and republishes the view.
// Callers hold s.mu.
func (s *Session) setCanonical(list []*models.Assignment, synced bool) {
	s.canonical = list
	s.synced = synced
	s.loaded = true
	s.publish(s.view())
}

// findAssignment resolves either identifier against the canonical list.
// Callers hold s.mu.
func (s *Session) findAssignment(id string) *models.Assignment {
	// canonical id first, then store id
	for _, a := range s.canonical {
		if a.CanonicalID == id {
			return a
		}
	}
	for _, a := range s.canonical {
		if a.StoreID == id {
			return a
		}
	}
	return nil
}

// Watch registers a view watcher. The current view is delivered first;
// the returned stop function removes the watcher.
func (s *Session) Watch() (<-chan View, func()) {
	ch := make(chan View, 1)

	s.mu.Lock()
	current := s.view()
	s.mu.Unlock()
	ch <- current

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	stop := func() {
		s.watchMu.Lock()
		delete(s.watchers, ch)
		s.watchMu.Unlock()
	}
	return ch, stop
}

// publish fans the view out to watchers, latest-wins per watcher
func (s *Session) publish(v View) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// close tears the session down: unsubscribes and stops the snapshot loop
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	sub := s.sub
	cancel := s.cancel
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}
