package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]entry
	clock func() time.Time
}

// entry is one held key. A zero expires never lapses.
type entry struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]entry), clock: time.Now}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return "", false, nil
	}
	token := uuid.NewString()
	e := entry{token: token}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	l.held[key] = e
	return token, true, nil
}

func (l *Local) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[key]; ok && e.token == token {
		delete(l.held, key)
	}
	return nil
}
