package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory backs Store with an in-process expiring cache. Suitable for
// single-process deployments and tests; Add is atomic per key.
type Memory struct {
	cache *gocache.Cache
}

func NewMemory() *Memory {
	return &Memory{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when a live entry exists, which is exactly write-if-absent.
	err := m.cache.Add(key, struct{}{}, ttl)
	return err == nil, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
