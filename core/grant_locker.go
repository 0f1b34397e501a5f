package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryLease struct {
	token     uint64
	expiresAt time.Time
}

// MemoryGrantLocker serializes grant tasks inside a single process. Expired
// leases can be taken over by the next caller.
type MemoryGrantLocker struct {
	mu     sync.Mutex
	locks  map[string]memoryLease
	serial uint64
	nowFn  func() time.Time
}

func NewMemoryGrantLocker() *MemoryGrantLocker {
	return &MemoryGrantLocker{
		locks: make(map[string]memoryLease),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryGrantLocker) Acquire(_ context.Context, key string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: grant locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("core: lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.locks[key]; ok && now.Before(lease.expiresAt) {
		return nil, LockHeldError(key)
	}
	l.serial++
	l.locks[key] = memoryLease{token: l.serial, expiresAt: now.Add(ttl)}
	return &memoryLockHandle{locker: l, key: key, token: l.serial}, nil
}

type memoryLockHandle struct {
	locker *MemoryGrantLocker
	key    string
	token  uint64
	once   sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		h.locker.mu.Lock()
		defer h.locker.mu.Unlock()
		// a lease taken over after expiry belongs to someone else now
		if lease, ok := h.locker.locks[h.key]; ok && lease.token == h.token {
			delete(h.locker.locks, h.key)
		}
	})
	return nil
}
