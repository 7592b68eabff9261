package utils

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	globalCache     *expirable.LRU[string, any]
	globalCacheOnce sync.Mutex
)

// InitGlobalCache sets up the process-wide expiring LRU.
func InitGlobalCache(size int, ttl time.Duration) {
	globalCacheOnce.Lock()
	defer globalCacheOnce.Unlock()
	globalCache = expirable.NewLRU[string, any](size, nil, ttl)
}

func cache() *expirable.LRU[string, any] {
	globalCacheOnce.Lock()
	defer globalCacheOnce.Unlock()
	if globalCache == nil {
		globalCache = expirable.NewLRU[string, any](1024, nil, 5*time.Minute)
	}
	return globalCache
}

func CacheSet(key string, value any) {
	cache().Add(key, value)
}

func CacheGet(key string) (any, bool) {
	return cache().Get(key)
}

func CacheDelete(key string) {
	cache().Remove(key)
}

// CacheGetOrLoad returns the cached value for key, calling load on a miss.
// Errors are not cached.
func CacheGetOrLoad[T any](key string, load func() (T, error)) (T, error) {
	if v, ok := CacheGet(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	CacheSet(key, v)
	return v, nil
}
