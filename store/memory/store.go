// Package memory provides an in-process TTL record store. It is the default
// backend for single-process deployments and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const defaultTTL = 10 * time.Minute
const defaultMaxEntries = 8192

type entry struct {
	value     []byte
	expiresAt time.Time
}

type Store struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	entries    map[string]entry
	Now        func() time.Time
}

func NewStore(defaultTTL time.Duration) *Store {
	return NewStoreWithLimits(defaultTTL, defaultMaxEntries)
}

func NewStoreWithLimits(ttl time.Duration, maxEntries int) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Store{
		defaultTTL: ttl,
		maxEntries: maxEntries,
		entries:    map[string]entry{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("memory: store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, fmt.Errorf("memory: key is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(key, now)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(current.value), true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return fmt.Errorf("memory: store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("memory: key is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(key, value, ttl, now)
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("memory: store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strings.TrimSpace(key))
	return nil
}

func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("memory: store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("memory: key is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key, now); ok {
		return false, nil
	}
	s.writeLocked(key, value, ttl, now)
	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, previous []byte, next []byte, ttl time.Duration) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("memory: store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("memory: key is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(key, now)
	if !ok || !bytes.Equal(current.value, previous) {
		return false, nil
	}
	s.writeLocked(key, next, ttl, now)
	return true, nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("memory: store is not configured")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneExpiredLocked(now)
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// PurgeExpired drops expired entries and reports how many were removed.
func (s *Store) PurgeExpired(_ context.Context) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("memory: store is not configured")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	s.pruneExpiredLocked(now)
	return before - len(s.entries), nil
}

func (s *Store) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) liveLocked(key string, now time.Time) (entry, bool) {
	current, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !now.Before(current.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return current, true
}

func (s *Store) writeLocked(key string, value []byte, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if _, exists := s.entries[key]; !exists {
		s.enforceCapacityLocked(now, 1)
	}
	s.entries[key] = entry{value: bytes.Clone(value), expiresAt: now.Add(ttl)}
}

func (s *Store) pruneExpiredLocked(now time.Time) {
	for key, current := range s.entries {
		if !now.Before(current.expiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *Store) enforceCapacityLocked(now time.Time, incoming int) {
	if s.maxEntries <= 0 {
		return
	}
	if len(s.entries)+incoming <= s.maxEntries {
		return
	}
	s.pruneExpiredLocked(now)
	for len(s.entries)+incoming > s.maxEntries && len(s.entries) > 0 {
		s.evictSoonestLocked()
	}
}

func (s *Store) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, current := range s.entries {
		if victim == "" || current.expiresAt.Before(soonest) {
			victim = key
			soonest = current.expiresAt
		}
	}
	delete(s.entries, victim)
}

var (
	_ core.AtomicRecordStore = (*Store)(nil)
	_ core.KeyLister         = (*Store)(nil)
)
