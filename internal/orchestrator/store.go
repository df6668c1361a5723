package orchestrator

import (
	"context"
	"sync"
)

// AnchorStore remembers the last playhead of calls served to pull consumers,
// so that a reconnecting player does not start behind where it left off.
// Implementations can be in-memory or remote.
type AnchorStore interface {
	Get(ctx context.Context, id CallID) (timeMs int64, ok bool, err error)
	Set(ctx context.Context, id CallID, timeMs int64) error
	Delete(ctx context.Context, id CallID) error
}

// InMemoryAnchorStore is a process-local AnchorStore.
type InMemoryAnchorStore struct {
	mu      sync.RWMutex
	anchors map[CallID]int64
}

// NewInMemoryAnchorStore returns a new empty in-memory store.
func NewInMemoryAnchorStore() *InMemoryAnchorStore {
	return &InMemoryAnchorStore{anchors: make(map[CallID]int64)}
}

// Get implements AnchorStore.Get.
func (s *InMemoryAnchorStore) Get(_ context.Context, id CallID) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.anchors[id]
	return t, ok, nil
}

// Set implements AnchorStore.Set.
func (s *InMemoryAnchorStore) Set(_ context.Context, id CallID, timeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors[id] = timeMs
	return nil
}

// Delete implements AnchorStore.Delete.
func (s *InMemoryAnchorStore) Delete(_ context.Context, id CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.anchors, id)
	return nil
}
