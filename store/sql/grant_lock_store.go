package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/esinanturan/polar/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultGrantLockTTL = 2 * time.Minute

// GrantLockStore is a lease based core.GrantLocker shared by every process
// using the same database. An expired lease is taken over by the next caller.
type GrantLockStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewGrantLockStore(db *bun.DB) (*GrantLockStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &GrantLockStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *GrantLockStore) Acquire(ctx context.Context, key string, ttl time.Duration) (core.LockHandle, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: grant lock store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("sqlstore: lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultGrantLockTTL
	}
	now := s.now()
	token := uuid.NewString()

	result, err := s.db.NewRaw(`
INSERT INTO grant_locks (lock_key, token, expires_at, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (lock_key) DO UPDATE
SET token = excluded.token, expires_at = excluded.expires_at
WHERE grant_locks.expires_at <= ?`,
		key, token, now.Add(ttl), now, now,
	).Exec(ctx)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, core.LockHeldError(key)
	}
	return &grantLease{store: s, key: key, token: token}, nil
}

type grantLease struct {
	store *GrantLockStore
	key   string
	token string
	once  sync.Once
	err   error
}

// Unlock only removes the row while it still carries this lease's token.
func (l *grantLease) Unlock(ctx context.Context) error {
	if l == nil || l.store == nil {
		return nil
	}
	l.once.Do(func() {
		_, l.err = l.store.db.NewDelete().
			Model((*grantLockRecord)(nil)).
			Where("lock_key = ?", l.key).
			Where("token = ?", l.token).
			Exec(ctx)
	})
	return l.err
}
