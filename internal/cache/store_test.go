package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu           sync.Mutex
	hits, misses int
}

func (o *countingObserver) CacheAccess(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	opts.Enabled = true
	if opts.SweepInterval == 0 {
		opts.SweepInterval = -1
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func payload(n int, tag byte) []byte {
	return []byte(strings.Repeat(string(tag), n))
}

func TestGetSetRoundTrip(t *testing.T) {
	s := newStore(t, Options{DefaultTTL: time.Hour})

	_, ok := s.Get("missing")
	assert.False(t, ok)

	require.NoError(t, s.Set("k", []byte("v"), 0))
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.MemoryHits)
	assert.Equal(t, 1, st.Entries)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
}

func TestSetCopiesValue(t *testing.T) {
	s := newStore(t, Options{})
	v := []byte("abc")
	require.NoError(t, s.Set("k", v, time.Minute))
	v[0] = 'z'
	got, _ := s.Get("k")
	assert.Equal(t, []byte("abc"), got)
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, Options{Directory: t.TempDir(), Now: clock.Now})

	require.NoError(t, s.Set("k", []byte("v"), time.Minute))
	clock.Advance(59 * time.Second)
	_, ok := s.Get("k")
	require.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = s.Get("k")
	assert.False(t, ok, "expired entry must never be returned")

	st := s.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 0, st.DiskEntries)
	assert.NotZero(t, st.Expirations)
}

func TestSweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, Options{Directory: t.TempDir(), Now: clock.Now})

	require.NoError(t, s.Set("short", []byte("a"), time.Second))
	require.NoError(t, s.Set("long", []byte("b"), time.Hour))
	clock.Advance(2 * time.Second)

	removed := s.Sweep()
	assert.Equal(t, 2, removed, "one memory copy and one disk copy")

	st := s.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 1, st.DiskEntries)
	_, ok := s.Get("long")
	assert.True(t, ok)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 4
	s := newStore(t, Options{MaxEntries: capacity, Policy: PolicyLRU, Shards: 4})

	for i := range capacity {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Hour))
	}
	// k0 becomes most recent, so k1 is now the LRU entry.
	_, ok := s.Get("k0")
	require.True(t, ok)

	require.NoError(t, s.Set("k4", []byte("v"), time.Hour))

	_, ok = s.Get("k1")
	assert.False(t, ok, "k1 should have been evicted")
	for _, k := range []string{"k0", "k2", "k3", "k4"} {
		_, ok := s.Get(k)
		assert.True(t, ok, k)
	}
	st := s.Stats()
	assert.Equal(t, capacity, st.Entries)
	assert.Equal(t, uint64(1), st.Evictions)
}

func TestLFUEvictsLeastFrequentlyUsed(t *testing.T) {
	s := newStore(t, Options{MaxEntries: 2, Policy: PolicyLFU})

	require.NoError(t, s.Set("hot", []byte("v"), time.Hour))
	require.NoError(t, s.Set("cold", []byte("v"), time.Hour))
	for range 3 {
		s.Get("hot")
	}
	s.Get("cold")

	require.NoError(t, s.Set("new", []byte("v"), time.Hour))

	_, ok := s.Get("cold")
	assert.False(t, ok)
	_, ok = s.Get("hot")
	assert.True(t, ok)
}

func TestFIFOIgnoresAccess(t *testing.T) {
	s := newStore(t, Options{MaxEntries: 2, Policy: PolicyFIFO})

	require.NoError(t, s.Set("first", []byte("v"), time.Hour))
	require.NoError(t, s.Set("second", []byte("v"), time.Hour))
	s.Get("first")
	require.NoError(t, s.Set("third", []byte("v"), time.Hour))

	_, ok := s.Get("first")
	assert.False(t, ok)
	_, ok = s.Get("second")
	assert.True(t, ok)
}

func TestByteBudgetNeverExceeded(t *testing.T) {
	s := newStore(t, Options{MaxSizeBytes: 1000})

	for i := range 7 {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), payload(150, 'x'), time.Hour))
		assert.LessOrEqual(t, s.Stats().SizeBytes, int64(1000))
	}

	st := s.Stats()
	assert.Equal(t, int64(900), st.SizeBytes)
	assert.Equal(t, 6, st.Entries)
	assert.Equal(t, uint64(1), st.Evictions)
	_, ok := s.Get("k0")
	assert.False(t, ok, "oldest entry is the victim")
}

func TestByteBudgetUnderConcurrency(t *testing.T) {
	s := newStore(t, Options{MaxSizeBytes: 1000, Shards: 8})

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				key := fmt.Sprintf("g%d-%d", g, i)
				_ = s.Set(key, payload(150, 'y'), time.Hour)
				s.Get(key)
				if sz := s.Stats().SizeBytes; sz > 1000 {
					t.Errorf("resident bytes %d exceed budget", sz)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Stats().SizeBytes, int64(1000))
}

func TestOversizedValueSkipsMemory(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, Options{Directory: dir, MaxSizeBytes: 100})

	require.NoError(t, s.Set("big", payload(500, 'b'), time.Hour))
	st := s.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 1, st.DiskEntries)

	got, ok := s.Get("big")
	require.True(t, ok)
	assert.Len(t, got, 500)
	assert.Equal(t, 0, s.Stats().Entries, "promotion must respect the budget")
}

func TestMaxItemBytesKeepsLargeValuesOnDisk(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, Options{Directory: dir, MaxSizeBytes: 10_000, MaxItemBytes: 64})

	require.NoError(t, s.Set("small", payload(32, 's'), time.Hour))
	require.NoError(t, s.Set("large", payload(128, 'l'), time.Hour))
	assert.Equal(t, 1, s.Stats().Entries)

	got, ok := s.Get("large")
	require.True(t, ok)
	assert.Len(t, got, 128)
	st := s.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.DiskHits)
}

func TestDiskHitIsPromoted(t *testing.T) {
	dir := t.TempDir()
	first := newStore(t, Options{Directory: dir})
	require.NoError(t, first.Set("k", []byte("persisted"), time.Hour))
	require.NoError(t, first.Close())

	second := newStore(t, Options{Directory: dir})
	got, ok := second.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), got)

	got, ok = second.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), got)

	st := second.Stats()
	assert.Equal(t, uint64(1), st.DiskHits)
	assert.Equal(t, uint64(1), st.MemoryHits)
}

func TestCorruptEntryIsRemovedAndMissed(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, Options{Directory: dir})
	require.NoError(t, s.Set("k", []byte("v"), time.Hour))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, entriesDir, fileName("k"))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	reopened, err := New(Options{Enabled: true, Directory: dir, SweepInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	_, ok := reopened.Get("k")
	assert.False(t, ok)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt file should be deleted")
}

func TestKeyMismatchIsCorruption(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, Options{Directory: dir})
	require.NoError(t, s.Set("other", []byte("v"), time.Hour))

	// Plant other's envelope under k's file name.
	data, err := os.ReadFile(filepath.Join(dir, entriesDir, fileName("other")))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, entriesDir, fileName("k")), data, 0o644))

	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Corruptions)
}

func TestIndexRebuiltWhenMissingOrCorrupt(t *testing.T) {
	for _, tc := range []struct {
		name   string
		damage func(path string) error
	}{
		{name: "missing", damage: os.Remove},
		{name: "corrupt", damage: func(p string) error { return os.WriteFile(p, []byte("garbage"), 0o644) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			s := newStore(t, Options{Directory: dir})
			require.NoError(t, s.Set("a", []byte("1"), time.Hour))
			require.NoError(t, s.Set("b", []byte("22"), time.Hour))
			require.NoError(t, s.Close())

			require.NoError(t, tc.damage(filepath.Join(dir, indexFile)))

			reopened := newStore(t, Options{Directory: dir})
			st := reopened.Stats()
			assert.Equal(t, 2, st.DiskEntries)
			assert.Equal(t, int64(3), st.DiskBytes)
			_, err := os.Stat(filepath.Join(dir, indexFile))
			assert.NoError(t, err, "index should be rewritten")
		})
	}
}

func TestInvalidateRemovesBothTiers(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, Options{Directory: dir})
	require.NoError(t, s.Set("k", []byte("v"), time.Hour))

	s.Invalidate("k")
	_, ok := s.Get("k")
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(dir, entriesDir, fileName("k")))
	assert.True(t, os.IsNotExist(err))
}

func TestShrinkEvictsFraction(t *testing.T) {
	s := newStore(t, Options{})
	for i := range 10 {
		require.NoError(t, s.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Hour))
	}
	assert.Equal(t, 5, s.Shrink(0.5))
	assert.Equal(t, 5, s.Stats().Entries)
	assert.Equal(t, 0, s.Shrink(0))
}

func TestPurge(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, Options{Directory: dir})
	require.NoError(t, s.Set("k", []byte("v"), time.Hour))
	require.NoError(t, s.Purge())

	st := s.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 0, st.DiskEntries)
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestDisabledStoreAlwaysMisses(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Enabled: false, Directory: dir})
	require.NoError(t, err)

	require.NoError(t, s.Set("k", []byte("v"), time.Hour))
	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Misses)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "disabled store must not write")
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	_, ok := s.Get("k")
	assert.False(t, ok)
	assert.NoError(t, s.Set("k", nil, 0))
	assert.NoError(t, s.Close())
	assert.Equal(t, Stats{}, s.Stats())
}

func TestObserverSeesEveryLookup(t *testing.T) {
	obs := &countingObserver{}
	s := newStore(t, Options{Observer: obs})
	require.NoError(t, s.Set("k", []byte("v"), time.Hour))
	s.Get("k")
	s.Get("k")
	s.Get("nope")

	assert.Equal(t, 2, obs.hits)
	assert.Equal(t, 1, obs.misses)
}

func TestJSONHelpers(t *testing.T) {
	type repoInfo struct {
		Stars int    `json:"stars"`
		Lang  string `json:"lang"`
	}
	s := newStore(t, Options{})
	require.NoError(t, s.SetJSON("repo", repoInfo{Stars: 42, Lang: "go"}, time.Hour))

	var got repoInfo
	ok, err := s.GetJSON("repo", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, repoInfo{Stars: 42, Lang: "go"}, got)

	require.NoError(t, s.Set("bad", []byte("not json"), time.Hour))
	ok, err = s.GetJSON("bad", &got)
	assert.False(t, ok)
	assert.Error(t, err)
	_, present := s.Get("bad")
	assert.False(t, present)
}

func TestSweepInterval(t *testing.T) {
	tests := []struct {
		ttl, override, want time.Duration
	}{
		{ttl: 24 * time.Hour, want: 5 * time.Minute},
		{ttl: 5 * time.Second, want: time.Second},
		{ttl: time.Minute, want: 6 * time.Second},
		{ttl: 0, want: 5 * time.Minute},
		{ttl: time.Hour, override: 2 * time.Second, want: 2 * time.Second},
		{ttl: time.Hour, override: -1, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sweepInterval(tt.ttl, tt.override), "ttl=%s override=%s", tt.ttl, tt.override)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(" LFU ")
	require.NoError(t, err)
	assert.Equal(t, PolicyLFU, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLRU, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestGetReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, Options{Directory: dir})
	require.NoError(t, s.Set("k", []byte("value"), time.Hour))

	got, ok := s.Get("k")
	require.True(t, ok)
	got[0] = 'X'
	again, _ := s.Get("k")
	assert.Equal(t, []byte("value"), again)
	require.NoError(t, s.Close())

	reopened := newStore(t, Options{Directory: dir})
	fromDisk, ok := reopened.Get("k")
	require.True(t, ok)
	fromDisk[0] = 'Y'
	again, ok = reopened.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), again, "promoted copy must not share the caller's slice")
}

func TestStalePromotionIsDropped(t *testing.T) {
	dir := t.TempDir()
	first := newStore(t, Options{Directory: dir})
	require.NoError(t, first.Set("k", []byte("old"), time.Hour))
	require.NoError(t, first.Close())

	s := newStore(t, Options{Directory: dir})
	now := time.Now()
	stale := Entry{Key: "k", Value: []byte("old"), CreatedAt: now, TTL: time.Hour}

	gen := s.shardFor("k").gen.Load()
	require.NoError(t, s.Set("k", []byte("new"), time.Hour))
	s.promote(stale, gen, now)
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)

	gen = s.shardFor("k").gen.Load()
	s.Invalidate("k")
	s.promote(stale, gen, now)
	_, ok = s.Get("k")
	assert.False(t, ok, "invalidated key must not be resurrected by a late promotion")
}

func TestConcurrentGetSetUnderEviction(t *testing.T) {
	for _, policy := range []Policy{PolicyLFU, PolicyLRU, PolicyFIFO} {
		t.Run(string(policy), func(t *testing.T) {
			s := newStore(t, Options{MaxEntries: 4, Shards: 2, Policy: policy})

			var wg sync.WaitGroup
			for g := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range 200 {
						key := fmt.Sprintf("k%d", (g*7+i)%24)
						if i%3 == 0 {
							_ = s.Set(key, payload(8, 'e'), time.Hour)
						} else {
							s.Get(key)
						}
						if n := s.Stats().Entries; n > 4 {
							t.Errorf("resident entries %d exceed limit", n)
						}
					}
				}()
			}
			wg.Wait()
			assert.LessOrEqual(t, s.Stats().Entries, 4)
		})
	}
}
