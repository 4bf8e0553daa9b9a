package session

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. A janitor goroutine removes expired
// sessions until Close is called.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*State

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-process store. ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*State),
		stop:     make(chan struct{}),
	}

	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	m.wg.Add(1)
	go m.janitor(interval)
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops expired sessions and returns how many were removed.
func (m *Memory) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// expired must be called with m.mu held.
func (m *Memory) expired(s *State) bool {
	return m.now().Sub(s.UpdatedAt) >= m.ttl
}

func (m *Memory) Begin(_ context.Context, userID, flow, step string) (*State, error) {
	s, err := newState(userID, flow, step, m.now())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()
	return s.clone(), nil
}

func (m *Memory) Get(_ context.Context, userID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	if m.expired(s) {
		delete(m.sessions, userID)
		return nil, ErrNoSession
	}
	return s.clone(), nil
}

func (m *Memory) Update(_ context.Context, userID string, fn func(*State) error) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok || m.expired(s) {
		delete(m.sessions, userID)
		return nil, ErrNoSession
	}

	next := s.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UserID = userID
	next.UpdatedAt = m.now()
	m.sessions[userID] = next
	return next.clone(), nil
}

func (m *Memory) End(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the janitor.
func (m *Memory) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
	return nil
}
