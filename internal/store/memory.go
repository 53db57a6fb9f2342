package store

import (
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// InMemoryStore is a Store implementation backed by process memory. It is the
// default for tests and local experiments; expiry is enforced lazily on read.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	sets   map[string]map[string]struct{}
	now    func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values: make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Get retrieves a value, honoring expiry.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores a value with an optional expiry.
func (s *InMemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.values[key] = entry
	return nil
}

// Delete removes a key and any set stored under it.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.sets, key)
	return nil
}

// AddToSet adds a member to a set; adding twice has no extra effect.
func (s *InMemoryStore) AddToSet(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// SetMembers returns all members of a set.
func (s *InMemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// Keys returns all live keys matching a glob-style pattern.
func (s *InMemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	now := s.now()
	for key, entry := range s.values {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.values, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range s.sets {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// SetClock overrides the time source, for expiry tests.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
