package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	defaultTTL time.Duration

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns an in-process ResponseStore. Entries expire lazily on the
// next lookup after their deadline passes.
func NewMemory(defaultTTL time.Duration) ResponseStore {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &memoryStore{defaultTTL: defaultTTL, entries: make(map[string]Entry)}
}

func (s *memoryStore) Get(_ context.Context, namespace, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[storageKey(namespace, key)]
	if !ok {
		return Entry{}, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(s.entries, storageKey(namespace, key))
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Set(_ context.Context, namespace, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}
	s.entries[storageKey(namespace, key)] = cloneEntry(entry)
	return nil
}

func (s *memoryStore) ClearNamespace(_ context.Context, namespace string) error {
	if namespace == "" {
		return nil
	}
	prefix := namespace + ":"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) HealthCheck(context.Context) error {
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
