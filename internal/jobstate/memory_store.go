package jobstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/book-expert/audiobook-service/internal/core"
)

// MemoryStore is a process-local core.JobStateStore. State is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*core.JobState
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{states: make(map[string]*core.JobState)}
}

// Get returns a copy of the state of jobID.
func (m *MemoryStore) Get(_ context.Context, jobID string) (*core.JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[jobID]
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", jobID, core.ErrNotFound)
	}

	return state.Clone(), nil
}

// Save validates the transition from the stored state and keeps a copy of state.
func (m *MemoryStore) Save(_ context.Context, state *core.JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidState)
	}

	err := CheckTransition(m.states[state.JobID], state)
	if err != nil {
		return err
	}

	m.states[state.JobID] = state.Clone()

	return nil
}

// List returns every state ordered by creation time.
func (m *MemoryStore) List(_ context.Context) ([]*core.JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]*core.JobState, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state.Clone())
	}

	sortStates(states)

	return states, nil
}
