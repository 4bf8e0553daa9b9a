package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract runs the behaviour every Store must share.
func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	user := "u-" + uuid.NewString()

	_, err := store.Get(ctx, user)
	require.ErrorIs(t, err, ErrNoSession)

	s, err := store.Begin(ctx, user, "report", "completed")
	require.NoError(t, err)
	assert.Equal(t, "report", s.Flow)
	assert.Equal(t, "completed", s.Step)
	assert.NotNil(t, s.Data)

	s, err = store.Update(ctx, user, func(s *State) error {
		s.Data["completed"] = "fixed the till"
		s.Step = "planned"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "planned", s.Step)

	got, err := store.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "fixed the till", got.Data["completed"])
	assert.Equal(t, "planned", got.Step)

	boom := errors.New("boom")
	_, err = store.Update(ctx, user, func(s *State) error {
		s.Step = "never"
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, err = store.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "planned", got.Step, "failed update must not be stored")

	// Begin replaces a flow in progress.
	_, err = store.Begin(ctx, user, "task", "title")
	require.NoError(t, err)
	got, err = store.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "task", got.Flow)
	assert.Empty(t, got.Data)

	require.NoError(t, store.End(ctx, user))
	require.NoError(t, store.End(ctx, user))
	_, err = store.Get(ctx, user)
	require.ErrorIs(t, err, ErrNoSession)

	_, err = store.Update(ctx, user, func(*State) error { return nil })
	require.ErrorIs(t, err, ErrNoSession)

	_, err = store.Begin(ctx, "", "report", "x")
	require.Error(t, err)
}

func TestMemory_Contract(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	testStoreContract(t, m)
}

func TestRedis_Contract(t *testing.T) {
	addr := os.Getenv("SHIFTDESK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHIFTDESK_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedis(context.Background(), RedisConfig{Addr: addr, Prefix: "shiftdesk:test:", TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()
	testStoreContract(t, r)
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	_, err := m.Begin(ctx, "a", "report", "completed")
	require.NoError(t, err)
	_, err = m.Begin(ctx, "b", "report", "completed")
	require.NoError(t, err)

	advance(40 * time.Minute)
	_, err = m.Update(ctx, "a", func(s *State) error { return nil })
	require.NoError(t, err, "update refreshes the ttl")

	advance(30 * time.Minute)
	_, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, m.sweep(), "b is past its ttl")
	assert.Equal(t, 1, m.Len())

	advance(time.Hour)
	_, err = m.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 0, m.Len())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()
	ctx := context.Background()

	s, err := m.Begin(ctx, "a", "report", "completed")
	require.NoError(t, err)
	s.Data["leak"] = "x"

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotContains(t, got.Data, "leak")
}

func TestMemory_CloseIsIdempotent(t *testing.T) {
	m := NewMemory(time.Minute)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"memory", BackendMemory, false},
		{"REDIS", BackendRedis, false},
		{"", BackendMemory, false},
		{"etcd", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
