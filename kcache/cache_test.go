package kcache

import (
	"sync"
	"testing"
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/pkg/errors"
)

type kernel string

func (k kernel) Name() string { return string(k) }

func bundleOf(names ...string) BuildFunc {
	return func() (*Bundle, error) {
		ks := make([]compute.Kernel, len(names))
		for i, n := range names {
			ks[i] = kernel(n)
		}
		return NewBundle(names, ks)
	}
}

func TestGetOrBuildMemoizes(t *testing.T) {
	c := New()
	a, err := c.GetOrBuild([]byte("k"), bundleOf("bnorm_fwd"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.GetOrBuild([]byte("k"), bundleOf("bnorm_fwd"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same key must return the same bundle")
	}
	st := c.Stats()
	if st.Builds != 1 || st.Hits != 1 || st.Misses != 1 || st.Entries != 1 {
		t.Errorf("stats = %+v", st)
	}
	k, err := a.Kernel("bnorm_fwd")
	if err != nil || k.Name() != "bnorm_fwd" {
		t.Errorf("Kernel = %v, %v", k, err)
	}
	if _, err := a.Kernels("bnorm_fwd", "bnorm_bwd"); err == nil {
		t.Error("expected missing kernel error")
	}
}

func TestConcurrentSameKeyBuildsOnce(t *testing.T) {
	c := New()
	release := make(chan struct{})
	build := func() (*Bundle, error) {
		<-release
		return bundleOf("bnorm_fwd")()
	}
	const n = 16
	results := make([]*Bundle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.GetOrBuild([]byte("same"), build)
			if err != nil {
				t.Error(err)
			}
			results[i] = b
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	for _, b := range results[1:] {
		if b != results[0] {
			t.Fatal("callers observed different bundles")
		}
	}
	st := c.Stats()
	if st.Builds != 1 || st.Hits+st.Misses != n {
		t.Errorf("stats = %+v, want one build and %d lookups", st, n)
	}
}

func TestDistinctKeysBuildInParallel(t *testing.T) {
	c := New()
	var barrier sync.WaitGroup
	barrier.Add(2)
	build := func() (*Bundle, error) {
		barrier.Done()
		done := make(chan struct{})
		go func() { barrier.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return nil, errors.New("builds were serialized")
		}
		return bundleOf("bnorm_fwd")()
	}
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if _, err := c.GetOrBuild([]byte(key), build); err != nil {
				t.Error(err)
			}
		}(key)
	}
	wg.Wait()
}

func TestFailuresAreNotCached(t *testing.T) {
	c := New()
	calls := 0
	failing := func() (*Bundle, error) {
		calls++
		return nil, compute.CompileError("bnorm_fwd", errors.New("syntax"), "build")
	}
	for i := 0; i < 2; i++ {
		if _, err := c.GetOrBuild([]byte("k"), failing); !errors.Is(err, compute.ErrCompile) {
			t.Fatalf("err = %v", err)
		}
	}
	if calls != 2 || c.Stats().Entries != 0 {
		t.Errorf("calls = %d, entries = %d", calls, c.Stats().Entries)
	}
	if _, err := c.GetOrBuild([]byte("k"), bundleOf("bnorm_fwd")); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestCapacityAndPurge(t *testing.T) {
	c := New(WithCapacity(2))
	for _, key := range []string{"a", "b", "a", "c"} {
		if _, err := c.GetOrBuild([]byte(key), bundleOf("bnorm_fwd")); err != nil {
			t.Fatal(err)
		}
	}
	st := c.Stats()
	if st.Entries != 2 || st.Builds != 3 {
		t.Errorf("stats = %+v", st)
	}
	// "b" was least recently used.
	if _, err := c.GetOrBuild([]byte("a"), bundleOf("bnorm_fwd")); err != nil || c.Stats().Builds != 3 {
		t.Error("expected a to survive eviction")
	}
	c.Purge()
	if c.Stats().Entries != 0 {
		t.Error("Purge left entries behind")
	}
	if Default() != Default() {
		t.Error("Default must be a singleton")
	}
}

func TestBuildFinishedBeforeJoinCountsAsHit(t *testing.T) {
	c := New()
	other, err := bundleOf("bnorm_fwd")()
	if err != nil {
		t.Fatal(err)
	}
	// Another caller's build lands after this caller's lookup missed.
	c.testHookMiss = func(key string) { c.bundles.Add(key, other) }
	b, err := c.GetOrBuild([]byte("k"), func() (*Bundle, error) {
		t.Error("build must not run for a key that is already cached")
		return bundleOf("bnorm_fwd")()
	})
	if err != nil {
		t.Fatal(err)
	}
	if b != other {
		t.Error("expected the bundle cached by the other caller")
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 0 || st.Builds != 0 {
		t.Errorf("stats = %+v", st)
	}
}
