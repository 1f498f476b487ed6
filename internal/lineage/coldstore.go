package lineage

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// ColdStore is the remote blob backend for the cold tier. Records live
// under their capsule id; the implementation owns key namespacing.
type ColdStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// RedisCold keeps cold records in Redis under a configurable prefix.
type RedisCold struct {
	client *redis.Client
	prefix string
}

// NewRedisCold connects a cold store to the given Redis address.
func NewRedisCold(addr, prefix string) *RedisCold {
	return &RedisCold{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (r *RedisCold) key(k string) string { return r.prefix + k }

func (r *RedisCold) Put(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.key(key), data, 0).Err(); err != nil {
		return models.WrapError(models.KindStoreTransient, err, "cold put %s", key)
	}
	return nil
}

func (r *RedisCold) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, models.NewError(models.KindStoreNotFound, "cold record %s not found", key)
	}
	if err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "cold get %s", key)
	}
	return data, nil
}

func (r *RedisCold) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return models.WrapError(models.KindStoreTransient, err, "cold delete %s", key)
	}
	return nil
}

func (r *RedisCold) Close() error { return r.client.Close() }

// MemoryCold is the in-process fallback used when no Redis address is
// configured, and in tests.
type MemoryCold struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryCold returns an empty in-process cold store.
func NewMemoryCold() *MemoryCold {
	return &MemoryCold{blobs: make(map[string][]byte)}
}

func (m *MemoryCold) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryCold) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, models.NewError(models.KindStoreNotFound, "cold record %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryCold) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *MemoryCold) Close() error { return nil }
