package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores sessions as JSON values with a TTL, so abandoned sessions
// expire without a janitor and survive a process restart.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ Store = (*Redis)(nil)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys, e.g. "shiftdesk:session:".
	Prefix string
	TTL    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "shiftdesk:session:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *Redis) key(userID string) string {
	return r.prefix + userID
}

func (r *Redis) save(ctx context.Context, s *State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.UserID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session for %s: %w", s.UserID, err)
	}
	return nil
}

func (r *Redis) Begin(ctx context.Context, userID, flow, step string) (*State, error) {
	s, err := newState(userID, flow, step, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Redis) Get(ctx context.Context, userID string) (*State, error) {
	value, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}

	var s State
	if err := json.Unmarshal(value, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session for %s: %w", userID, err)
	}
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	return &s, nil
}

// Update is read-modify-write. Concurrent updates to one user's session
// are last-writer-wins.
func (r *Redis) Update(ctx context.Context, userID string, fn func(*State) error) (*State, error) {
	s, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UserID = userID
	s.UpdatedAt = r.now()
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Redis) End(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to end session for %s: %w", userID, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
