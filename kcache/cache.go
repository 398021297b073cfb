// Package kcache memoizes compiled kernel bundles per engine and
// configuration descriptor. Concurrent requests for the same key share one
// compilation; failed compilations are not remembered.
package kcache

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openfluke/bnorm/compute"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Bundle is an immutable set of kernels compiled together.
type Bundle struct {
	names   []string
	kernels map[string]compute.Kernel
}

// NewBundle pairs compiled kernels with their names.
func NewBundle(names []string, ks []compute.Kernel) (*Bundle, error) {
	if len(names) != len(ks) {
		return nil, errors.Errorf("bundle: %d names for %d kernels", len(names), len(ks))
	}
	b := &Bundle{names: append([]string(nil), names...), kernels: make(map[string]compute.Kernel, len(ks))}
	for i, k := range ks {
		b.kernels[names[i]] = k
	}
	return b, nil
}

// Kernel returns the named kernel.
func (b *Bundle) Kernel(name string) (compute.Kernel, error) {
	k, ok := b.kernels[name]
	if !ok {
		return nil, errors.Errorf("bundle has no kernel %q", name)
	}
	return k, nil
}

// Kernels returns the named kernels in order.
func (b *Bundle) Kernels(names ...string) ([]compute.Kernel, error) {
	out := make([]compute.Kernel, len(names))
	for i, name := range names {
		k, err := b.Kernel(name)
		if err != nil {
			return nil, err
		}
		out[i] = k
	}
	return out, nil
}

func (b *Bundle) Names() []string { return append([]string(nil), b.names...) }

// BuildFunc compiles the bundle for a missing key.
type BuildFunc func() (*Bundle, error)

// Stats counts cache traffic.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Builds  uint64
	Entries int
}

// Cache maps descriptor keys to bundles. The zero value is not usable; call New.
type Cache struct {
	group    singleflight.Group
	bundles  *lru.Cache[string, *Bundle]
	capacity int
	// testHookMiss runs between a failed lookup and joining the build.
	testHookMiss func(key string)

	hits, misses, builds atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity bounds the number of bundles kept; the least recently used
// is evicted first. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

func New(opts ...Option) *Cache {
	c := &Cache{}
	for _, opt := range opts {
		opt(c)
	}
	size := c.capacity
	if size <= 0 {
		size = math.MaxInt
	}
	bundles, err := lru.New[string, *Bundle](size)
	if err != nil {
		panic(errors.Wrap(err, "kcache"))
	}
	c.bundles = bundles
	return c
}

var (
	defaultOnce  sync.Once
	defaultCache *Cache
)

// Default returns the process-wide cache used by primitives that are not
// given one.
func Default() *Cache {
	defaultOnce.Do(func() { defaultCache = New() })
	return defaultCache
}

// Key builds a cache key from an engine and a serialized descriptor.
func Key(eng compute.Engine, descriptor []byte) []byte {
	id := eng.ID()
	key := make([]byte, 0, len(id)+1+len(descriptor))
	key = append(key, id...)
	key = append(key, 0)
	return append(key, descriptor...)
}

// GetOrBuild returns the bundle for key, building it once if absent. Callers
// racing on the same key wait for a single build and share its outcome;
// distinct keys build independently.
func (c *Cache) GetOrBuild(key []byte, build BuildFunc) (*Bundle, error) {
	k := string(key)
	if b, ok := c.bundles.Get(k); ok {
		c.hits.Add(1)
		return b, nil
	}
	if c.testHookMiss != nil {
		c.testHookMiss(k)
	}
	hit := false
	v, err, _ := c.group.Do(k, func() (any, error) {
		// A build for k may have finished between Get and Do.
		if b, ok := c.bundles.Get(k); ok {
			hit = true
			return b, nil
		}
		c.builds.Add(1)
		start := time.Now()
		b, err := build()
		if err != nil {
			klog.V(1).Infof("kcache: build failed after %s: %v", time.Since(start), err)
			return nil, err
		}
		klog.V(1).Infof("kcache: built %d kernels in %s", len(b.names), time.Since(start))
		c.bundles.Add(k, b)
		return b, nil
	})
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

// Purge drops every cached bundle.
func (c *Cache) Purge() { c.bundles.Purge() }

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Builds: c.builds.Load(), Entries: c.bundles.Len()}
}
