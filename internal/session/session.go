// Package session keeps per-room conversation tokens so successive agent
// invocations continue the same conversation.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jkaninda/kibanda/internal/domain"
)

// Store persists opaque session tokens keyed by room and engine.
// Get returns domain.ErrNotFound when no token exists.
type Store interface {
	Get(ctx context.Context, roomFolder, engineID string) ([]byte, error)
	Put(ctx context.Context, roomFolder, engineID string, token []byte) error
	Delete(ctx context.Context, roomFolder, engineID string) error
}

type key struct{ room, engine string }

// MemStore is an in-memory Store.
type MemStore struct {
	mu     sync.RWMutex
	tokens map[key]domain.Session
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tokens: make(map[key]domain.Session)}
}

func (s *MemStore) Get(_ context.Context, roomFolder, engineID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.tokens[key{roomFolder, engineID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), sess.Token...), nil
}

func (s *MemStore) Put(_ context.Context, roomFolder, engineID string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key{roomFolder, engineID}] = domain.Session{
		RoomFolder: roomFolder,
		EngineID:   engineID,
		Token:      append([]byte(nil), token...),
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

func (s *MemStore) Delete(_ context.Context, roomFolder, engineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key{roomFolder, engineID})
	return nil
}
