/*
Package lock provides keyed critical sections.

PURPOSE:
  Booking transitions serialize on "request:<id>" and, for accept, on
  "consultant:<id>". A Locker hands out an ownership token; only the holder
  of the token can release the key. Keys expire after their TTL so a crashed
  holder never blocks the key forever.

IMPLEMENTATIONS:
  - Local: one process (tests, single-instance deployments)
  - Redis: shared across instances (SET NX + token-checked delete)

Acquire() takes several keys in sorted order, so two callers locking
overlapping key sets cannot deadlock.
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrContended is returned when a key stays held after every retry.
var ErrContended = errors.New("lock contended")

// Locker acquires and releases single keys.
type Locker interface {
	// TryLock makes one attempt. ok is false when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock releases key if token still owns it.
	Unlock(ctx context.Context, key, token string) error
}

// Options bounds how long Acquire keeps trying.
type Options struct {
	TTL     time.Duration
	Retries int
	Backoff time.Duration
}

// DefaultOptions suit request-scoped critical sections.
var DefaultOptions = Options{TTL: 10 * time.Second, Retries: 20, Backoff: 25 * time.Millisecond}

// Acquire locks every key or none. The returned release function unlocks
// them in reverse order and is safe to call once.
func Acquire(ctx context.Context, l Locker, opts Options, keys ...string) (func(), error) {
	keys = dedupe(keys)
	sort.Strings(keys)

	type held struct{ key, token string }
	var acquired []held

	release := func() {
		// Release with a fresh context: the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := len(acquired) - 1; i >= 0; i-- {
			_ = l.Unlock(rctx, acquired[i].key, acquired[i].token)
		}
	}

	for _, key := range keys {
		token, err := tryWithRetry(ctx, l, opts, key)
		if err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, held{key, token})
	}
	return release, nil
}

func tryWithRetry(ctx context.Context, l Locker, opts Options, key string) (string, error) {
	for attempt := 0; ; attempt++ {
		token, ok, err := l.TryLock(ctx, key, opts.TTL)
		if err != nil {
			return "", fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if attempt >= opts.Retries {
			return "", fmt.Errorf("%w: %s", ErrContended, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(opts.Backoff):
		}
	}
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
