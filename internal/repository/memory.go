package repository

import (
	"context"
	"slices"
	"sync"

	"neurax/internal/domain"
)

// Memory is a process-local session store. Contents are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]domain.ChatMessage
	order    []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string][]domain.ChatMessage)}
}

func (m *Memory) Get(_ context.Context, id string) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(history), nil
}

func (m *Memory) Put(_ context.Context, id string, history []domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		m.order = append(m.order, id)
	}
	m.sessions[id] = slices.Clone(history)
	return nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok, nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order), nil
}

// Rename moves the history stored under oldID to newID. The renamed session
// is listed last, as if newly inserted.
func (m *Memory) Rename(_ context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	history, ok := m.sessions[oldID]
	if !ok {
		return ErrSessionNotFound
	}
	if oldID == newID {
		return nil
	}
	if _, taken := m.sessions[newID]; taken {
		return ErrSessionExists
	}
	delete(m.sessions, oldID)
	m.sessions[newID] = history
	m.order = append(slices.DeleteFunc(m.order, func(k string) bool { return k == oldID }), newID)
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.order = slices.DeleteFunc(m.order, func(k string) bool { return k == id })
	return nil
}
