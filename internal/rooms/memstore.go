package rooms

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/jkaninda/kibanda/internal/domain"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu    sync.RWMutex
	rooms map[string]domain.Room
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{rooms: make(map[string]domain.Room)}
}

func (s *MemStore) Create(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.Folder]; ok {
		return domain.ErrDuplicate
	}
	for _, r := range s.rooms {
		if r.ChatRef == room.ChatRef {
			return domain.ErrDuplicate
		}
	}
	s.rooms[room.Folder] = *room
	return nil
}

func (s *MemStore) Update(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.Folder]; !ok {
		return domain.ErrNotFound
	}
	s.rooms[room.Folder] = *room
	return nil
}

func (s *MemStore) Get(_ context.Context, folder string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[folder]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *MemStore) GetByChatRef(_ context.Context, chatRef string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		if r.ChatRef == chatRef {
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MemStore) List(context.Context) ([]domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.Room) int { return strings.Compare(a.Folder, b.Folder) })
	return out, nil
}
