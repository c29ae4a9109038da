package common

import (
	"errors"
	"sync"
)

// ErrBusy is returned when an operation is already executing for the same
// logical key. Callers see a definitive failure instead of queueing behind an
// unrelated retry.
var ErrBusy = errors.New("operation in flight for key")

// KeyedGuard serializes mutating operations per logical key (intent hash,
// user/asset pair) so unrelated keys never contend on a shared lock.
// Re-entrant calls for a key that is mid-execution are rejected.
type KeyedGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewKeyedGuard constructs an empty guard.
func NewKeyedGuard() *KeyedGuard {
	return &KeyedGuard{active: make(map[string]struct{})}
}

// Acquire marks the key as in flight. It fails with ErrBusy when the key is
// already held.
func (g *KeyedGuard) Acquire(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.active[key]; held {
		return ErrBusy
	}
	g.active[key] = struct{}{}
	return nil
}

// AcquireAll atomically acquires every key or none. Duplicate keys in the
// input are rejected as a self-conflict.
func (g *KeyedGuard) AcquireAll(keys []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			return ErrBusy
		}
		seen[key] = struct{}{}
		if _, held := g.active[key]; held {
			return ErrBusy
		}
	}
	for _, key := range keys {
		g.active[key] = struct{}{}
	}
	return nil
}

// Release frees the key. Releasing an unheld key is a no-op.
func (g *KeyedGuard) Release(keys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range keys {
		delete(g.active, key)
	}
}
