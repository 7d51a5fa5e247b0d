package plugin

import (
	"context"
	"sync"
)

// keyedLock serialises operations per plugin ID. Operations on different
// IDs never wait for each other.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*slot)}
}

// lock waits for the slot of key. The returned func releases it.
func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.release(key, s)
		}, nil
	case <-ctx.Done():
		k.release(key, s)
		return nil, ctx.Err()
	}
}

func (k *keyedLock) release(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
