// Package cache holds the console's read-mostly copies of server collections
// and applies optimistic mutations to them.
//
// Values are stored encoded, so a snapshot is a copy of the stored bytes and a
// rollback restores exactly what was there before.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chimerakang/admin-console-go/metrics"
)

// Store is a keyed cache of JSON-encoded collections. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subMu  sync.Mutex
	subs   map[int]func(key string)
	nextID int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// entry is the last stored copy of a collection plus the optimistic patches
// applied on top of it, oldest first. value is always base with every patch
// replayed in order.
type entry struct {
	base    []byte
	value   []byte
	patches []*patch
}

type patch struct {
	apply   func([]byte) ([]byte, error)
	settled bool
}

// replay applies patches to base in order. A patch that no longer applies is
// skipped.
func replay(base []byte, patches []*patch) []byte {
	out := base
	for _, p := range patches {
		if next, err := p.apply(out); err == nil {
			out = next
		}
	}
	return out
}

// fold moves the settled prefix of the patch log into base.
func (e *entry) fold() {
	for len(e.patches) > 0 && e.patches[0].settled {
		if next, err := e.patches[0].apply(e.base); err == nil {
			e.base = next
		}
		e.patches = e.patches[1:]
	}
	if len(e.patches) == 0 {
		e.base = e.value
	}
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records rollbacks and entry sizes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		subs:    make(map[int]func(string)),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers fn to be called with the key of every change.
// The returned func removes the subscription.
func (s *Store) Subscribe(fn func(key string)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(key string) {
	s.subMu.Lock()
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}

// Raw returns a copy of the encoded entry under key.
func (s *Store) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// put stores raw as the authoritative copy under key, or drops the entry when
// present is false. Settled patches are discarded since raw already reflects
// them; pending ones are replayed on top.
func (s *Store) put(key string, raw []byte, present bool) {
	s.mu.Lock()
	if !present {
		delete(s.entries, key)
		s.mu.Unlock()
		s.notify(key)
		return
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	pending := e.patches[:0]
	for _, p := range e.patches {
		if !p.settled {
			pending = append(pending, p)
		}
	}
	e.base, e.patches = raw, pending
	e.value = replay(raw, pending)
	value := e.value
	s.mu.Unlock()

	s.count(key, value)
	s.notify(key)
}

// update applies fn to the current value under key as a new pending patch.
// The read, the patch and the write happen under one lock. It returns nil
// without error when nothing is cached under key.
func (s *Store) update(key string, fn func([]byte) ([]byte, error)) (*patch, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	next, err := fn(append([]byte(nil), e.value...))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	p := &patch{apply: fn}
	e.patches = append(e.patches, p)
	e.value = next
	s.mu.Unlock()

	s.count(key, next)
	s.notify(key)
	return p, nil
}

// settle removes p from the entry under key. A kept patch stays part of the
// value; a dropped one is taken out and the remaining patches are replayed on
// the base. It reports false when p is no longer tracked, e.g. after the entry
// was invalidated.
func (s *Store) settle(key string, p *patch, keep bool) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	idx := -1
	if ok {
		for i, q := range e.patches {
			if q == p {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	if keep {
		p.settled = true
		e.fold()
		s.mu.Unlock()
		return true
	}

	e.patches = append(e.patches[:idx:idx], e.patches[idx+1:]...)
	e.value = replay(e.base, e.patches)
	e.fold()
	value := e.value
	s.mu.Unlock()

	s.count(key, value)
	s.notify(key)
	return true
}

func (s *Store) count(key string, raw []byte) {
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) == nil {
		s.metrics.SetCacheEntries(key, len(items))
	}
}

// Invalidate drops the given keys. The next Load refetches them.
func (s *Store) Invalidate(keys ...string) {
	for _, k := range keys {
		s.put(k, nil, false)
	}
}

// InvalidateAll drops every entry, e.g. on sign-out.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	for _, k := range keys {
		s.notify(k)
	}
}

// Get decodes the entry under key into a fresh T.
func Get[T any](s *Store, key string) (T, bool, error) {
	var v T
	raw, ok := s.Raw(key)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("console/cache: decode %q: %w", key, err)
	}
	return v, true, nil
}

// Set encodes v and stores it under key.
func Set[T any](s *Store, key string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("console/cache: encode %q: %w", key, err)
	}
	s.put(key, raw, true)
	return nil
}

// Load returns the cached entry under key, fetching and caching it on a miss.
// Fetch errors are returned as is and nothing is cached.
func Load[T any](ctx context.Context, s *Store, key string, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok, err := Get[T](s, key); err == nil && ok {
		return v, nil
	}
	return Reload(ctx, s, key, fetch)
}

// Reload fetches and caches the entry under key regardless of what is cached.
func Reload[T any](ctx context.Context, s *Store, key string, fetch func(context.Context) (T, error)) (T, error) {
	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	if err := Set(s, key, v); err != nil {
		return v, err
	}
	return v, nil
}
