package orchestrator

import (
	"context"
	"sync"
)

// roomLocks serializes invocations per room folder. A lock is a one-slot
// channel so waiters can give up when their context ends. Entries are
// dropped when the last holder or waiter leaves.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	slot chan struct{}
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[string]*roomLock)}
}

// lock blocks until folder is free or ctx is done. The returned func
// releases the room.
func (l *roomLocks) lock(ctx context.Context, folder string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.rooms[folder]
	if !ok {
		rl = &roomLock{slot: make(chan struct{}, 1)}
		l.rooms[folder] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.slot <- struct{}{}:
		return func() {
			<-rl.slot
			l.unref(folder, rl)
		}, nil
	case <-ctx.Done():
		l.unref(folder, rl)
		return nil, ctx.Err()
	}
}

func (l *roomLocks) unref(folder string, rl *roomLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rl.refs--; rl.refs == 0 {
		delete(l.rooms, folder)
	}
}
