package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Policy decides what happens to the cache after a mutation succeeds.
type Policy int

const (
	// Keep leaves the optimistic state in place.
	Keep Policy = iota
	// Refetch replaces the optimistic state with a fresh server copy.
	Refetch
)

func (p Policy) String() string {
	if p == Refetch {
		return "refetch"
	}
	return "keep"
}

// Tentative is an applied optimistic patch that has not settled yet.
type Tentative struct {
	store   *Store
	key     string
	patch   *patch
	settled bool
}

// Begin applies apply to the entry under key as a pending patch. apply
// receives its own decoded copy and must not retain it; it may be replayed
// when another patch on the same key is reverted, so it must be a pure
// function of its input. When nothing is cached under key no patch is
// applied, and Revert is a no-op.
func Begin[T any](s *Store, key string, apply func(T) T) (*Tentative, error) {
	fn := func(raw []byte) ([]byte, error) {
		var cur T
		if err := json.Unmarshal(raw, &cur); err != nil {
			return nil, fmt.Errorf("console/cache: decode %q: %w", key, err)
		}
		next, err := json.Marshal(apply(cur))
		if err != nil {
			return nil, fmt.Errorf("console/cache: encode %q: %w", key, err)
		}
		return next, nil
	}
	p, err := s.update(key, fn)
	if err != nil {
		return nil, err
	}
	return &Tentative{store: s, key: key, patch: p}, nil
}

// Applied reports whether a patch was placed in the cache.
func (t *Tentative) Applied() bool { return t.patch != nil }

// Keep settles the patch as part of the cached value.
func (t *Tentative) Keep() {
	if t.patch == nil || t.settled {
		return
	}
	t.settled = true
	t.store.settle(t.key, t.patch, true)
}

// Revert takes the patch back out of the cache. Patches applied to the same
// key by other mutations stay in place. Without them the entry returns to its
// exact pre-patch bytes. Calling it more than once, or after the entry was
// dropped, is a no-op.
func (t *Tentative) Revert() {
	if t.patch == nil || t.settled {
		return
	}
	t.settled = true
	if t.store.settle(t.key, t.patch, false) {
		t.store.metrics.RecordRollback(t.key)
	}
}

// Mutation describes one optimistic update of a cached collection.
type Mutation[T any] struct {
	Key    string
	Policy Policy

	// Apply is the optimistic patch: a pure function of the cached value.
	Apply func(T) T

	// Commit performs the server call.
	Commit func(context.Context) error

	// Refetch loads the authoritative collection. Required when Policy is Refetch.
	Refetch func(context.Context) (T, error)
}

// Mutate applies m.Apply, runs m.Commit and settles. A failed commit takes the
// patch back out and returns the commit error; with no other mutation in flight
// on m.Key the cache is back to its pre-mutation bytes. A failed
// refetch after a successful commit drops the entry so the next read reloads it.
func Mutate[T any](ctx context.Context, s *Store, m Mutation[T]) error {
	t, err := Begin(s, m.Key, m.Apply)
	if err != nil {
		return err
	}

	if err := m.Commit(ctx); err != nil {
		t.Revert()
		s.logger.Debug("optimistic update rolled back", "key", m.Key, "error", err)
		return err
	}
	t.Keep()

	if m.Policy != Refetch || m.Refetch == nil {
		return nil
	}
	if _, err := Reload(ctx, s, m.Key, m.Refetch); err != nil {
		s.logger.Warn("refetch after mutation failed", "key", m.Key, "error", err)
		s.Invalidate(m.Key)
	}
	return nil
}
