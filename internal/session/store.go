package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ekyc/internal/logging"
)

// Store persists session state between requests. Implementations must be
// safe for concurrent use.
type Store interface {
	// Create stores a new state and fails if the id is taken.
	Create(ctx context.Context, state *State) error
	// Get returns the state for id, or an error wrapping logging.ErrNotFound.
	Get(ctx context.Context, id string) (*State, error)
	// Save overwrites the state for state.ID.
	Save(ctx context.Context, state *State) error
	// Delete removes the state. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// Lock takes the in-flight lease for id. It returns an error wrapping
	// logging.ErrInFlight when another attempt holds it. The returned func
	// releases the lease.
	Lock(ctx context.Context, id string) (func(), error)
}

// MemoryStore keeps sessions in process memory. States are copied in and
// out so callers never share a pointer with the store.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memoryEntry
	locks    map[string]struct{}
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

// NewMemoryStore returns an empty store whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]memoryEntry),
		locks:    make(map[string]struct{}),
	}
}

func (s *MemoryStore) Create(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.sessions[state.ID]; ok && s.now().Before(entry.expiresAt) {
		return logging.NewOperationError("session.create", state.ID, fmt.Errorf("session already exists"))
	}
	s.sessions[state.ID] = memoryEntry{state: clone(state), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || !s.now().Before(entry.expiresAt) {
		delete(s.sessions, id)
		return nil, logging.NewOperationError("session.get", id, logging.ErrNotFound)
	}
	state := clone(&entry.state)
	return &state, nil
}

func (s *MemoryStore) Save(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[state.ID] = memoryEntry{state: clone(state), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[id]; held {
		return nil, logging.NewOperationError("session.lock", id, logging.ErrInFlight)
	}
	s.locks[id] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, id)
			s.mu.Unlock()
		})
	}, nil
}

func clone(state *State) State {
	out := *state
	if state.Details != nil {
		details := *state.Details
		out.Details = &details
	}
	out.Extraction = append([]string(nil), state.Extraction...)
	out.Comparison = append([]string(nil), state.Comparison...)
	return out
}
