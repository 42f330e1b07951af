package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// memRedis is an in-memory RedisClient. Scripts are emulated by identity.
type memRedis struct {
	mu   sync.Mutex
	data map[string]string
	exp  map[string]time.Time
	now  func() time.Time
}

func newMemRedis() *memRedis {
	return &memRedis{data: map[string]string{}, exp: map[string]time.Time{}, now: time.Now}
}

func (m *memRedis) expire(key string) {
	if t, ok := m.exp[key]; ok && !m.now().Before(t) {
		delete(m.data, key)
		delete(m.exp, key)
	}
}

func (m *memRedis) Ping(ctx context.Context) error { return nil }

func (m *memRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	if ttl > 0 {
		m.exp[key] = m.now().Add(ttl)
	} else {
		delete(m.exp, key)
	}
	return nil
}

func (m *memRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	m.expire(key)
	_, exists := m.data[key]
	m.mu.Unlock()
	if exists {
		return false, nil
	}
	return true, m.Set(ctx, key, value, ttl)
}

func (m *memRedis) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(key)
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memRedis) incrBy(key string, d int64) int64 {
	m.expire(key)
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	n += d
	m.data[key] = strconv.FormatInt(n, 10)
	return n
}

func (m *memRedis) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrBy(key, 1), nil
}

func (m *memRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exp[key] = m.now().Add(ttl)
	return nil
}

func (m *memRedis) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		delete(m.exp, k)
	}
	return nil
}

func (m *memRedis) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keys[0]
	m.expire(key)
	switch script {
	case luaUnlock:
		if m.data[key] == fmt.Sprint(args[0]) {
			delete(m.data, key)
			delete(m.exp, key)
			return int64(1), nil
		}
		return int64(0), nil
	case luaAcquireSlot:
		limit := args[0].(int)
		ttl := time.Duration(args[1].(int64)) * time.Millisecond
		if n := m.incrBy(key, 1); n > int64(limit) {
			m.incrBy(key, -1)
			return int64(0), nil
		}
		m.exp[key] = m.now().Add(ttl)
		return int64(1), nil
	case luaReleaseSlot:
		n := m.incrBy(key, -1)
		if n <= 0 {
			delete(m.data, key)
			delete(m.exp, key)
		}
		return n, nil
	}
	return nil, fmt.Errorf("unknown script")
}

func (m *memRedis) Close() error { return nil }
