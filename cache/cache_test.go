package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chimerakang/admin-console-go/metrics"
)

type item struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

const key = "items"

func seed(t *testing.T, s *Store) []byte {
	t.Helper()
	if err := Set(s, key, []item{{1, "a", true}, {2, "b", false}}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	raw, _ := s.Raw(key)
	return raw
}

func toggle(id int) func([]item) []item {
	return func(items []item) []item {
		for i := range items {
			if items[i].ID == id {
				items[i].Enabled = !items[i].Enabled
			}
		}
		return items
	}
}

func TestGetSet(t *testing.T) {
	s := New()
	if _, ok, _ := Get[[]item](s, key); ok {
		t.Fatal("expected miss on empty store")
	}
	seed(t, s)

	got, ok, err := Get[[]item](s, key)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if len(got) != 2 || got[1].Name != "b" {
		t.Errorf("Get() = %+v", got)
	}

	// mutating the decoded copy does not touch the cache
	got[0].Name = "changed"
	again, _, _ := Get[[]item](s, key)
	if again[0].Name != "a" {
		t.Errorf("cache was mutated through a decoded copy: %+v", again)
	}
}

func TestLoadCachesAndReloadRefetches(t *testing.T) {
	s := New()
	calls := 0
	fetch := func(context.Context) ([]item, error) {
		calls++
		return []item{{ID: calls}}, nil
	}

	ctx := context.Background()
	first, _ := Load(ctx, s, key, fetch)
	second, _ := Load(ctx, s, key, fetch)
	if calls != 1 || first[0].ID != second[0].ID {
		t.Errorf("Load fetched %d times, want 1", calls)
	}

	third, _ := Reload(ctx, s, key, fetch)
	if calls != 2 || third[0].ID != 2 {
		t.Errorf("Reload did not refetch: calls=%d got=%+v", calls, third)
	}
}

func TestLoadErrorIsNotCached(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	_, err := Load(context.Background(), s, key, func(context.Context) ([]item, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Load() error = %v, want boom", err)
	}
	if _, ok := s.Raw(key); ok {
		t.Error("failed fetch should not populate the cache")
	}
}

func TestMutate_FailureRestoresBytes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	s := New(WithMetrics(m))
	before := seed(t, s)

	var during []item
	commitErr := errors.New("server said no")
	err := Mutate(context.Background(), s, Mutation[[]item]{
		Key:   key,
		Apply: toggle(2),
		Commit: func(context.Context) error {
			during, _, _ = Get[[]item](s, key)
			return commitErr
		},
	})

	if !errors.Is(err, commitErr) {
		t.Fatalf("Mutate() error = %v, want commit error", err)
	}
	if !during[1].Enabled {
		t.Error("optimistic patch was not visible during commit")
	}
	after, _ := s.Raw(key)
	if !bytes.Equal(before, after) {
		t.Errorf("rollback not byte-identical:\nbefore %s\nafter  %s", before, after)
	}
	expected := `
# HELP console_optimistic_rollbacks_total Optimistic cache mutations reverted after a failed request
# TYPE console_optimistic_rollbacks_total counter
console_optimistic_rollbacks_total{key="items"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "console_optimistic_rollbacks_total"); err != nil {
		t.Error(err)
	}
}

func TestMutate_KeepLeavesOptimisticState(t *testing.T) {
	s := New()
	seed(t, s)

	err := Mutate(context.Background(), s, Mutation[[]item]{
		Key:    key,
		Policy: Keep,
		Apply:  toggle(1),
		Commit: func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}

	got, _, _ := Get[[]item](s, key)
	if got[0].Enabled {
		t.Errorf("expected item 1 disabled, got %+v", got[0])
	}
}

func TestMutate_RefetchReconciles(t *testing.T) {
	s := New()
	seed(t, s)

	err := Mutate(context.Background(), s, Mutation[[]item]{
		Key:    key,
		Policy: Refetch,
		Apply: func(items []item) []item {
			return append(items, item{ID: -1, Name: "temp"})
		},
		Commit: func(context.Context) error { return nil },
		Refetch: func(context.Context) ([]item, error) {
			return []item{{1, "a", true}, {2, "b", false}, {3, "temp", false}}, nil
		},
	})
	if err != nil {
		t.Fatalf("Mutate() error: %v", err)
	}

	got, _, _ := Get[[]item](s, key)
	if len(got) != 3 || got[2].ID != 3 {
		t.Errorf("expected reconciled id 3, got %+v", got)
	}
}

func TestMutate_RefetchFailureInvalidates(t *testing.T) {
	s := New()
	seed(t, s)

	err := Mutate(context.Background(), s, Mutation[[]item]{
		Key:     key,
		Policy:  Refetch,
		Apply:   toggle(1),
		Commit:  func(context.Context) error { return nil },
		Refetch: func(context.Context) ([]item, error) { return nil, errors.New("offline") },
	})
	if err != nil {
		t.Fatalf("Mutate() error = %v, want nil after a successful commit", err)
	}
	if _, ok := s.Raw(key); ok {
		t.Error("expected entry to be dropped after failed refetch")
	}
}

func TestMutate_NothingCached(t *testing.T) {
	s := New()
	committed := false

	err := Mutate(context.Background(), s, Mutation[[]item]{
		Key:    key,
		Apply:  toggle(1),
		Commit: func(context.Context) error { committed = true; return errors.New("fail") },
	})
	if err == nil || !committed {
		t.Fatalf("expected commit to run and fail, got %v", err)
	}
	if _, ok := s.Raw(key); ok {
		t.Error("revert must not create an entry")
	}
}

func TestTentative_RevertIdempotent(t *testing.T) {
	s := New()
	seed(t, s)

	tent, err := Begin(s, key, toggle(1))
	if err != nil || !tent.Applied() {
		t.Fatalf("Begin() = %v, applied=%v", err, tent.Applied())
	}
	tent.Revert()
	if err := Set(s, key, []item{{ID: 9}}); err != nil {
		t.Fatal(err)
	}
	tent.Revert()

	got, _, _ := Get[[]item](s, key)
	if len(got) != 1 || got[0].ID != 9 {
		t.Errorf("second Revert overwrote newer state: %+v", got)
	}
}

func TestSubscribeAndInvalidateAll(t *testing.T) {
	s := New()
	var keys []string
	unsubscribe := s.Subscribe(func(k string) { keys = append(keys, k) })

	seed(t, s)
	if err := Set(s, "other", []item{}); err != nil {
		t.Fatal(err)
	}
	s.InvalidateAll()
	unsubscribe()
	s.Invalidate(key)

	if len(keys) != 4 {
		t.Errorf("expected 4 notifications, got %v", keys)
	}
	if _, ok := s.Raw("other"); ok {
		t.Error("InvalidateAll left an entry behind")
	}
}

func TestMutate_ConcurrentKeepLosesNothing(t *testing.T) {
	s := New()
	if err := Set(s, key, []item{}); err != nil {
		t.Fatal(err)
	}

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := Mutate(context.Background(), s, Mutation[[]item]{
				Key:    key,
				Policy: Keep,
				Apply:  func(items []item) []item { return append(items, item{ID: i}) },
				Commit: func(context.Context) error {
					time.Sleep(time.Millisecond)
					return nil
				},
			})
			if err != nil {
				t.Errorf("Mutate(%d) error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _, _ := Get[[]item](s, key)
	seen := make(map[int]bool, len(got))
	for _, it := range got {
		seen[it.ID] = true
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			t.Errorf("patch %d was lost", i)
		}
	}
	if len(got) != n {
		t.Errorf("expected %d items, got %d", n, len(got))
	}
}

func TestMutate_RevertKeepsConcurrentPatches(t *testing.T) {
	s := New()
	seed(t, s)

	failing, err := Begin(s, key, toggle(1))
	if err != nil {
		t.Fatal(err)
	}
	kept, err := Begin(s, key, func(items []item) []item {
		return append(items, item{ID: 3, Name: "c"})
	})
	if err != nil {
		t.Fatal(err)
	}
	kept.Keep()
	failing.Revert()

	got, _, _ := Get[[]item](s, key)
	if len(got) != 3 || got[2].ID != 3 {
		t.Fatalf("revert dropped a kept patch: %+v", got)
	}
	if !got[0].Enabled {
		t.Errorf("reverted toggle still applied: %+v", got[0])
	}
}

func TestMutate_ConcurrentMixedOutcomes(t *testing.T) {
	s := New()
	if err := Set(s, key, []item{}); err != nil {
		t.Fatal(err)
	}

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = Mutate(context.Background(), s, Mutation[[]item]{
				Key:   key,
				Apply: func(items []item) []item { return append(items, item{ID: i}) },
				Commit: func(context.Context) error {
					time.Sleep(time.Millisecond)
					if i%2 == 1 {
						return errors.New("rejected")
					}
					return nil
				},
			})
		}(i)
	}
	wg.Wait()

	got, _, _ := Get[[]item](s, key)
	if len(got) != n/2 {
		t.Fatalf("expected %d items, got %d", n/2, len(got))
	}
	for _, it := range got {
		if it.ID%2 == 1 {
			t.Errorf("rejected patch %d survived", it.ID)
		}
	}
}

func TestTentative_RevertAfterInvalidate(t *testing.T) {
	s := New()
	seed(t, s)

	tent, err := Begin(s, key, toggle(1))
	if err != nil {
		t.Fatal(err)
	}
	s.InvalidateAll()
	tent.Revert()

	if _, ok := s.Raw(key); ok {
		t.Error("revert resurrected an invalidated entry")
	}
}
