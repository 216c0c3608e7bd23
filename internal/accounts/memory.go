package accounts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/omnibox/internal/message"
)

type accountKey struct {
	userID   string
	platform message.Platform
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[accountKey]Account
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[accountKey]Account{}, now: time.Now}
}

func (s *MemoryStore) Upsert(_ context.Context, userID string, platform message.Platform, credentials map[string]any) (Account, error) {
	if err := validateKey(userID, platform); err != nil {
		return Account{}, err
	}
	now := s.now().UTC()
	key := accountKey{userID: userID, platform: platform}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.items[key]
	if !ok {
		acc = Account{ID: uuid.NewString(), UserID: userID, Platform: platform, ConnectedAt: now}
	}
	acc.Credentials = cloneCredentials(credentials)
	acc.UpdatedAt = now
	s.items[key] = acc
	return acc, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string, platform message.Platform) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.items[accountKey{userID: userID, platform: platform}]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]Account, error) {
	return s.filter(func(a Account) bool { return a.UserID == userID }), nil
}

func (s *MemoryStore) ListByPlatform(_ context.Context, platform message.Platform) ([]Account, error) {
	return s.filter(func(a Account) bool { return a.Platform == platform }), nil
}

func (s *MemoryStore) FirstByPlatform(ctx context.Context, platform message.Platform) (Account, error) {
	items, _ := s.ListByPlatform(ctx, platform)
	if len(items) == 0 {
		return Account{}, ErrNotFound
	}
	return items[0], nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string, platform message.Platform) error {
	key := accountKey{userID: userID, platform: platform}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return ErrNotFound
	}
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) filter(keep func(Account) bool) []Account {
	s.mu.RLock()
	items := make([]Account, 0)
	for _, acc := range s.items {
		if keep(acc) {
			items = append(items, acc)
		}
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ConnectedAt.Equal(items[j].ConnectedAt) {
			return items[i].ConnectedAt.Before(items[j].ConnectedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}
