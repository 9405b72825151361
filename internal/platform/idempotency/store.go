// Package idempotency replays the stored response of a mutating request when
// a client retries it with the same Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("idempotent request in flight")

// Response is a completed response kept for replay.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
	RequestHash string `json:"request_hash"`
}

// Store keeps idempotency records. Reserve claims a key for a new request and
// returns false when the key is already claimed or completed.
type Store interface {
	Lookup(ctx context.Context, key string) (*Response, error)
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	resp      *Response // nil while in flight
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), nowFn: time.Now}
}

func (s *MemoryStore) get(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if ok && !s.nowFn().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, ok
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return nil, nil
	}
	if e.resp == nil {
		return nil, ErrInFlight
	}
	cp := *e.resp
	return &cp, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{expiresAt: s.nowFn().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{resp: &resp, expiresAt: s.nowFn().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

const pending = "pending"

// RedisStore keeps records in Redis so replays work across replicas.
type RedisStore struct {
	client *goredis.Client
	prefix string
}

func NewRedisStore(client *goredis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "intake:idem:"}
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (*Response, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if string(data) == pending {
		return nil, ErrInFlight
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, pending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
