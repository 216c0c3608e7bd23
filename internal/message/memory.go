package message

import (
	"context"
	"sort"
	"sync"
	"time"
)

type roomKey struct {
	platform Platform
	roomID   string
}

// MemoryStore is an in-process Store. Rooms are kept sorted by timestamp.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[roomKey][]Message
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: map[roomKey][]Message{},
		now:   time.Now,
	}
}

// Append stores msg, keeping the room ordered by timestamp then insertion.
func (s *MemoryStore) Append(_ context.Context, msg Message) (Message, error) {
	msg, err := prepare(msg, s.now())
	if err != nil {
		return Message{}, err
	}
	key := roomKey{platform: msg.Platform, roomID: msg.RoomID}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.rooms[key]
	idx := sort.Search(len(items), func(i int) bool {
		return items[i].Timestamp.After(msg.Timestamp)
	})
	items = append(items, Message{})
	copy(items[idx+1:], items[idx:])
	items[idx] = msg
	s.rooms[key] = items
	return msg, nil
}

// QueryByRoom lists messages of one room.
func (s *MemoryStore) QueryByRoom(_ context.Context, platform Platform, roomID string, q Query) ([]Message, error) {
	s.mu.RLock()
	items := filterWindow(s.rooms[roomKey{platform: platform, roomID: roomID}], q)
	s.mu.RUnlock()
	return window(items, q), nil
}

// ListRecent lists messages across several rooms of one platform.
func (s *MemoryStore) ListRecent(_ context.Context, platform Platform, roomIDs []string, q Query) ([]Message, error) {
	s.mu.RLock()
	merged := make([]Message, 0)
	seen := map[string]struct{}{}
	for _, roomID := range roomIDs {
		if _, ok := seen[roomID]; ok {
			continue
		}
		seen[roomID] = struct{}{}
		merged = append(merged, filterWindow(s.rooms[roomKey{platform: platform, roomID: roomID}], q)...)
	}
	s.mu.RUnlock()
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return window(merged, q), nil
}

// filterWindow copies the messages inside the Before/After bounds, oldest first.
func filterWindow(items []Message, q Query) []Message {
	out := make([]Message, 0, len(items))
	for _, msg := range items {
		if !q.Before.IsZero() && !msg.Timestamp.Before(q.Before) {
			continue
		}
		if !q.After.IsZero() && !msg.Timestamp.After(q.After) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// window keeps the newest q.limit() entries of an oldest-first slice and
// returns them in the requested order.
func window(items []Message, q Query) []Message {
	if n := q.limit(); len(items) > n {
		items = items[len(items)-n:]
	}
	if q.Order == NewestFirst {
		reverse(items)
	}
	return items
}
