// Package memory provides an in-process storage.Storage backed by
// github.com/hashicorp/golang-lru/v2 with TTL support.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/adfs-auth-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage implements storage.Storage in memory.
type Storage struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an in-memory store holding at most maxItems entries.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		stop:  make(chan struct{}),
	}

	go s.cleanupExpired(5 * time.Minute)

	return s, nil
}

// Get retrieves data for a key within the selected namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Namespace, key)

	s.mu.RLock()
	item, exists := s.cache.Get(storageKey)
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}

	return item, nil
}

// Set stores data for a key within the selected namespace.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := buildKey(options.Namespace, key)

	now := time.Now()
	item := &storage.Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()

	return nil
}

// Delete removes a key, or the whole namespace when no key is given.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := buildPrefix(options.Namespace)
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Close stops the expiry sweeper and drops all entries.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(namespace, key string) string {
	return buildPrefix(namespace) + key
}

func buildPrefix(namespace string) string {
	if namespace == "" {
		return "global:"
	}
	return "ns:" + namespace + ":"
}

func (s *Storage) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok {
				if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
					s.cache.Remove(key)
				}
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
