package guardstore

import (
	"context"
	"sync"
)

// Memory keeps the guard in-process.
type Memory struct {
	mu sync.RWMutex
	s  State
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s, nil
}

func (m *Memory) Save(_ context.Context, s State) error {
	m.mu.Lock()
	m.s = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }
