package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
)

func rec(s string) Implementor {
	b, _ := json.Marshal(s)
	return b
}

func contribution(t *testing.T, src string) *Contribution {
	t.Helper()
	c := NewContribution()
	if err := json.Unmarshal([]byte(src), c); err != nil {
		t.Fatalf("decoding contribution: %v", err)
	}
	return c
}

func mustJSON(t *testing.T, c *Contribution) string {
	t.Helper()
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestStore_RegisterBeforeInitialize(t *testing.T) {
	t.Parallel()
	s := New()

	if err := s.RegisterFragment("Trait::Foo", contribution(t, `{"crateA":["implA"],"crateB":[]}`)); err != nil {
		t.Fatal(err)
	}
	if s.IsReady() {
		t.Fatal("store should not be ready before Initialize")
	}
	if _, ok := s.Lookup("Trait::Foo"); ok {
		t.Fatal("lookup before Initialize should report not-found")
	}
	if got := s.Stats().Pending; got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}

	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Lookup("Trait::Foo")
	if !ok {
		t.Fatal("expected Trait::Foo after Initialize")
	}
	if js := mustJSON(t, got); js != `{"crateA":["implA"],"crateB":[]}` {
		t.Errorf("got %s", js)
	}
	impls, present := got.Get("crateB")
	if !present {
		t.Fatal("crateB should be present")
	}
	if len(impls) != 0 {
		t.Errorf("crateB should be empty, got %d records", len(impls))
	}
	if got := s.Stats().Pending; got != 0 {
		t.Errorf("pending after drain = %d, want 0", got)
	}
}

func TestStore_RegisterAfterInitialize(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}

	if err := s.RegisterFragment("Trait::Bar", contribution(t, `{"crateC":["implC1","implC2"]}`)); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Lookup("Trait::Bar")
	if !ok {
		t.Fatal("expected Trait::Bar")
	}
	impls, _ := got.Get("crateC")
	want := []Implementor{rec("implC1"), rec("implC2")}
	if !reflect.DeepEqual(impls, want) {
		t.Errorf("got %s, want %s", impls, want)
	}
}

func TestStore_LookupMissing(t *testing.T) {
	t.Parallel()
	s := New()

	if _, ok := s.Lookup("Trait::Missing"); ok {
		t.Error("expected not-found before Initialize")
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Lookup("Trait::Missing"); ok {
		t.Error("expected not-found after Initialize")
	}
}

func TestStore_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	t.Run("before_initialize", func(t *testing.T) {
		s := New()
		if err := s.RegisterFragment("T1", contribution(t, `{"crateA":["first"]}`)); err != nil {
			t.Fatal(err)
		}
		err := s.RegisterFragment("T1", contribution(t, `{"crateA":["second"]}`))
		if !errors.Is(err, ErrDuplicateGroup) {
			t.Fatalf("expected ErrDuplicateGroup, got %v", err)
		}
		if err := s.Initialize(); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Lookup("T1")
		if js := mustJSON(t, got); js != `{"crateA":["first"]}` {
			t.Errorf("first contribution not preserved: %s", js)
		}
	})

	t.Run("after_initialize", func(t *testing.T) {
		s := New()
		if err := s.Initialize(); err != nil {
			t.Fatal(err)
		}
		if err := s.RegisterFragment("T1", contribution(t, `{"crateA":["first"]}`)); err != nil {
			t.Fatal(err)
		}
		err := s.RegisterFragment("T1", contribution(t, `{"crateA":["second"]}`))
		if !errors.Is(err, ErrDuplicateGroup) {
			t.Fatalf("expected ErrDuplicateGroup, got %v", err)
		}
		got, _ := s.Lookup("T1")
		if js := mustJSON(t, got); js != `{"crateA":["first"]}` {
			t.Errorf("first contribution not preserved: %s", js)
		}
	})

	t.Run("pending_then_live", func(t *testing.T) {
		s := New()
		if err := s.RegisterFragment("T1", contribution(t, `{"crateA":[]}`)); err != nil {
			t.Fatal(err)
		}
		if err := s.Initialize(); err != nil {
			t.Fatal(err)
		}
		if err := s.RegisterFragment("T1", contribution(t, `{"crateB":[]}`)); !errors.Is(err, ErrDuplicateGroup) {
			t.Fatalf("expected ErrDuplicateGroup, got %v", err)
		}
	})
}

func TestStore_DoubleInitialize(t *testing.T) {
	t.Parallel()
	s := New()
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if !s.IsReady() {
		t.Error("store should stay ready after a rejected second Initialize")
	}
}

func TestStore_Apply(t *testing.T) {
	t.Parallel()
	s := New()

	if err := s.Apply("T", NewContribution()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply("T", contribution(t, `{"a":["x"]}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply("T", contribution(t, `{"a":["y"]}`)); !errors.Is(err, ErrDuplicateGroup) {
		t.Fatalf("expected ErrDuplicateGroup, got %v", err)
	}
}

func TestStore_ReadyChannel(t *testing.T) {
	t.Parallel()
	s := New()

	select {
	case <-s.Ready():
		t.Fatal("ready channel closed before Initialize")
	default:
	}

	if err := s.RegisterFragment("T", contribution(t, `{"a":["x"]}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Ready():
	default:
		t.Fatal("ready channel not closed after Initialize")
	}
	// Everything buffered is visible by the time the channel closes.
	if _, ok := s.Lookup("T"); !ok {
		t.Error("buffered group missing after ready")
	}
}

func TestStore_DrainOrder(t *testing.T) {
	t.Parallel()
	s := New()

	for _, g := range []string{"C", "A", "B"} {
		if err := s.RegisterFragment(g, NewContribution()); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterFragment("D", NewContribution()); err != nil {
		t.Fatal(err)
	}

	want := []string{"C", "A", "B", "D"}
	if got := s.Groups(); !reflect.DeepEqual(got, want) {
		t.Errorf("apply order = %v, want %v", got, want)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()
	s := New()

	c := contribution(t, `{"crateA":["implA"]}`)
	if err := s.RegisterFragment("T", c); err != nil {
		t.Fatal(err)
	}
	// Mutating the caller's value after hand-off must not leak into the store.
	c.Add("crateZ", rec("late"))

	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Lookup("T")
	got.Add("crateY", rec("mutated"))

	again, _ := s.Lookup("T")
	if js := mustJSON(t, again); js != `{"crateA":["implA"]}` {
		t.Errorf("store contents changed through a reference: %s", js)
	}
}

// Every interleaving of registrations around Initialize ends in the same index.
func TestStore_InterleavingIndependence(t *testing.T) {
	t.Parallel()

	const groups = 20
	want := make(map[string]string, groups)
	for i := 0; i < groups; i++ {
		want[fmt.Sprintf("Trait%d", i)] = fmt.Sprintf(`{"crate%d":["impl%d"],"empty":[]}`, i, i)
	}

	for seed := int64(0); seed < 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		keys := make([]string, 0, groups)
		for k := range want {
			keys = append(keys, k)
		}
		rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		initAt := rng.Intn(len(keys) + 1)

		s := New()
		for i, k := range keys {
			if i == initAt {
				if err := s.Initialize(); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.RegisterFragment(k, contribution(t, want[k])); err != nil {
				t.Fatal(err)
			}
		}
		if initAt == len(keys) {
			if err := s.Initialize(); err != nil {
				t.Fatal(err)
			}
		}

		for k, js := range want {
			got, ok := s.Lookup(k)
			if !ok {
				t.Fatalf("seed %d: %s missing", seed, k)
			}
			if g := mustJSON(t, got); g != js {
				t.Errorf("seed %d: %s = %s, want %s", seed, k, g, js)
			}
		}
	}
}

func TestStore_ConcurrentRegistration(t *testing.T) {
	t.Parallel()
	s := New()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewContribution()
			c.Add("crate", rec(fmt.Sprintf("impl%d", i)))
			if err := s.RegisterFragment(fmt.Sprintf("T%d", i), c); err != nil {
				t.Error(err)
			}
		}(i)
		if i == n/2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Initialize(); err != nil {
					t.Error(err)
				}
			}()
		}
	}
	wg.Wait()

	stats := s.Stats()
	if !stats.Ready || stats.Groups != n || stats.Pending != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	for i := 0; i < n; i++ {
		if _, ok := s.Lookup(fmt.Sprintf("T%d", i)); !ok {
			t.Errorf("T%d missing", i)
		}
	}
}

// Registrations racing with Initialize are applied after the whole pre-ready batch.
func TestStore_DrainPrecedesRacingRegistrations(t *testing.T) {
	t.Parallel()

	const before, racing = 50, 200
	for round := 0; round < 20; round++ {
		s := New()

		var pre []string
		for i := 0; i < before; i++ {
			g := fmt.Sprintf("Pre%d", i)
			pre = append(pre, g)
			if err := s.RegisterFragment(g, NewContribution()); err != nil {
				t.Fatal(err)
			}
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < racing; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				if err := s.RegisterFragment(fmt.Sprintf("Live%d", i), NewContribution()); err != nil {
					t.Error(err)
				}
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := s.Initialize(); err != nil {
				t.Error(err)
			}
		}()
		close(start)
		wg.Wait()

		groups := s.Groups()
		if len(groups) != before+racing {
			t.Fatalf("round %d: %d groups applied, want %d", round, len(groups), before+racing)
		}
		if !reflect.DeepEqual(groups[:before], pre) {
			t.Fatalf("round %d: pre-ready batch not applied first in FIFO order: %v", round, groups[:before])
		}
	}
}

func TestStore_RegisterReportsBuffering(t *testing.T) {
	t.Parallel()
	s := New()

	buffered, err := s.Register("Early", NewContribution())
	if err != nil || !buffered {
		t.Fatalf("before Initialize: buffered=%v err=%v", buffered, err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	buffered, err = s.Register("Late", NewContribution())
	if err != nil || buffered {
		t.Fatalf("after Initialize: buffered=%v err=%v", buffered, err)
	}
	if _, err := s.Register("Early", NewContribution()); !errors.Is(err, ErrDuplicateGroup) {
		t.Errorf("expected ErrDuplicateGroup, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default should return the same store")
	}
	if err := RegisterFragment("default_test::Trait", NewContribution()); err != nil {
		t.Fatal(err)
	}
	if got := Default().Stats().Pending + Default().Stats().Groups; got == 0 {
		t.Error("registration did not reach the default store")
	}
}
