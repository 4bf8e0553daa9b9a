// Package session keeps per-user conversation state between the steps of a
// multi-step flow such as report submission or task creation.
//
// A session is created on a user's first interaction with a flow, removed
// when the flow completes or is cancelled, and expires after the store's TTL
// when abandoned. Every Update refreshes the TTL.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoSession is returned when a user has no live session.
var ErrNoSession = errors.New("no active session")

// DefaultTTL is how long an idle session lives.
const DefaultTTL = 30 * time.Minute

// State is one user's position in a flow.
type State struct {
	UserID    string            `json:"user_id"`
	Flow      string            `json:"flow"`
	Step      string            `json:"step"`
	Data      map[string]string `json:"data,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store holds sessions keyed by user id.
type Store interface {
	// Begin starts flow at step for userID, replacing any session in
	// progress.
	Begin(ctx context.Context, userID, flow, step string) (*State, error)
	// Get returns the live session for userID or ErrNoSession.
	Get(ctx context.Context, userID string) (*State, error)
	// Update applies fn to the live session and stores the result.
	Update(ctx context.Context, userID string, fn func(*State) error) (*State, error)
	// End removes the session. Ending a missing session is not an error.
	End(ctx context.Context, userID string) error
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// ParseBackend converts a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendMemory, BackendRedis:
		return b, nil
	case "":
		return BackendMemory, nil
	}
	return "", fmt.Errorf("unknown session backend %q (want memory or redis)", s)
}

func newState(userID, flow, step string, now time.Time) (*State, error) {
	if userID == "" {
		return nil, errors.New("session user id is required")
	}
	if flow == "" {
		return nil, errors.New("session flow is required")
	}
	return &State{
		UserID:    userID,
		Flow:      flow,
		Step:      step,
		Data:      make(map[string]string),
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *State) clone() *State {
	c := *s
	c.Data = make(map[string]string, len(s.Data))
	for k, v := range s.Data {
		c.Data[k] = v
	}
	return &c
}
