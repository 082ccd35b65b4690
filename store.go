package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store.
var ErrKeyNotFound = errors.New("key not found")

// SessionStore is the shared key-value surface holding room, roster, turn,
// phase and chat state. It is the only state visible across process
// restarts. All operations must respect the deadline on ctx; callers bound
// every call with the configured store timeout.
//
// Implementations must be safe for concurrent use. Mutations on a single
// room are additionally serialized by that room's hub, so read-modify-write
// sequences (ListRange followed by ListSet) are safe as long as they happen
// inside a hub command.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error

	// ListRange returns every element of the list at key, oldest first.
	// A missing key yields an empty list, not an error.
	ListRange(ctx context.Context, key string) ([]string, error)
	ListAppend(ctx context.Context, key string, values ...string) error
	// ListSet overwrites the element at index; ErrKeyNotFound if the list
	// is missing or the index is out of range.
	ListSet(ctx context.Context, key string, index int, value string) error
	// ListReplace atomically swaps the whole list for values.
	ListReplace(ctx context.Context, key string, values []string) error
	// ListTrim keeps only the last max elements.
	ListTrim(ctx context.Context, key string, max int) error

	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
}

// memoryStore is the single-process default, used when no Redis address is
// configured and throughout the tests. Expiry is checked lazily on access.
type memoryStore struct {
	mu       sync.RWMutex
	strings  map[string]string
	hashes   map[string]map[string]string
	lists    map[string][]string
	deadline map[string]time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		strings:  make(map[string]string),
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
		deadline: make(map[string]time.Time),
	}
}

// expiredLocked reports whether key has passed its deadline, removing it if
// so. Callers must hold mu for writing.
func (m *memoryStore) expiredLocked(key string) bool {
	d, ok := m.deadline[key]
	if !ok || time.Now().Before(d) {
		return false
	}
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.deadline, key)
	return true
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return "", ErrKeyNotFound
	}
	v, ok := m.strings[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	m.strings[key] = value
	return nil
}

func (m *memoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return "", ErrKeyNotFound
	}
	h, ok := m.hashes[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m *memoryStore) HSet(ctx context.Context, key, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *memoryStore) ListRange(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return nil, nil
	}
	src := m.lists[key]
	out := make([]string, len(src))
	copy(out, src)
	return out, nil
}

func (m *memoryStore) ListAppend(ctx context.Context, key string, values ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *memoryStore) ListSet(ctx context.Context, key string, index int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return ErrKeyNotFound
	}
	l, ok := m.lists[key]
	if !ok || index < 0 || index >= len(l) {
		return ErrKeyNotFound
	}
	l[index] = value
	return nil
}

func (m *memoryStore) ListReplace(ctx context.Context, key string, values []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	next := make([]string, len(values))
	copy(next, values)
	m.lists[key] = next
	return nil
}

func (m *memoryStore) ListTrim(ctx context.Context, key string, max int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return nil
	}
	l := m.lists[key]
	if max >= 0 && len(l) > max {
		m.lists[key] = append([]string(nil), l[len(l)-max:]...)
	}
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.deadline, key)
	}
	return nil
}

func (m *memoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return nil
	}
	m.deadline[key] = time.Now().Add(ttl)
	return nil
}

func (m *memoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return false, nil
	}
	if _, ok := m.strings[key]; ok {
		return true, nil
	}
	if _, ok := m.hashes[key]; ok {
		return true, nil
	}
	if _, ok := m.lists[key]; ok {
		return true, nil
	}
	return false, nil
}

// redisStore backs the session state with Redis, matching the key layout
// the rooms were originally provisioned with.
type redisStore struct {
	pool *redis.Pool
}

func newRedisStore(address, password string) *redisStore {
	return &redisStore{
		pool: &redis.Pool{
			MaxIdle:     8,
			IdleTimeout: 5 * time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				opts := []redis.DialOption{}
				if password != "" {
					opts = append(opts, redis.DialPassword(password))
				}
				return redis.DialContext(ctx, "tcp", address, opts...)
			},
		},
	}
}

func (r *redisStore) do(ctx context.Context, cmd string, args ...any) (any, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	defer conn.Close()

	reply, err := redis.DoContext(conn, ctx, cmd, args...)
	if err != nil {
		return nil, fmt.Errorf("redis %s: %w", cmd, err)
	}
	return reply, nil
}

func (r *redisStore) Get(ctx context.Context, key string) (string, error) {
	reply, err := r.do(ctx, "GET", key)
	if err != nil {
		return "", err
	}
	return stringReply(reply)
}

func (r *redisStore) Set(ctx context.Context, key, value string) error {
	_, err := r.do(ctx, "SET", key, value)
	return err
}

func (r *redisStore) HGet(ctx context.Context, key, field string) (string, error) {
	reply, err := r.do(ctx, "HGET", key, field)
	if err != nil {
		return "", err
	}
	return stringReply(reply)
}

func (r *redisStore) HSet(ctx context.Context, key, field, value string) error {
	_, err := r.do(ctx, "HSET", key, field, value)
	return err
}

func (r *redisStore) ListRange(ctx context.Context, key string) ([]string, error) {
	reply, err := r.do(ctx, "LRANGE", key, 0, -1)
	if err != nil {
		return nil, err
	}
	return redis.Strings(reply, nil)
}

func (r *redisStore) ListAppend(ctx context.Context, key string, values ...string) error {
	args := make([]any, 0, len(values)+1)
	args = append(args, key)
	for _, v := range values {
		args = append(args, v)
	}
	_, err := r.do(ctx, "RPUSH", args...)
	return err
}

func (r *redisStore) ListSet(ctx context.Context, key string, index int, value string) error {
	_, err := r.do(ctx, "LSET", key, index, value)
	if err != nil {
		// LSET reports both a missing key and a bad index as errors.
		return ErrKeyNotFound
	}
	return nil
}

func (r *redisStore) ListReplace(ctx context.Context, key string, values []string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer conn.Close()

	// MULTI keeps delete-then-push atomic for readers on other instances.
	if err := conn.Send("MULTI"); err != nil {
		return fmt.Errorf("redis multi: %w", err)
	}
	if err := conn.Send("DEL", key); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	for _, v := range values {
		if err := conn.Send("RPUSH", key, v); err != nil {
			return fmt.Errorf("redis rpush: %w", err)
		}
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

func (r *redisStore) ListTrim(ctx context.Context, key string, max int) error {
	_, err := r.do(ctx, "LTRIM", key, int64(-max), -1)
	return err
}

func (r *redisStore) Delete(ctx context.Context, keys ...string) error {
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := r.do(ctx, "DEL", args...)
	return err
}

func (r *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.do(ctx, "EXPIRE", key, int64(ttl.Seconds()))
	return err
}

func (r *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	reply, err := r.do(ctx, "EXISTS", key)
	if err != nil {
		return false, err
	}
	n, err := redis.Int(reply, nil)
	return n > 0, err
}

func stringReply(reply any) (string, error) {
	s, err := redis.String(reply, nil)
	if errors.Is(err, redis.ErrNil) {
		return "", ErrKeyNotFound
	}
	return s, err
}
