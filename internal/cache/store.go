// Package cache implements a two-tier key/value store: a sharded in-memory
// tier bounded by entry count and bytes, backed by one JSON file per entry on
// disk. Entries carry a TTL and are never returned after expiry.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"repopulse/internal/faults"
)

const (
	defaultShards    = 16
	minSweepInterval = time.Second
	maxSweepInterval = 5 * time.Minute
)

type Options struct {
	Enabled bool
	// Directory holds the persistent tier. Empty keeps the store memory-only.
	Directory    string
	DefaultTTL   time.Duration
	MaxSizeBytes int64
	MaxEntries   int
	// MaxItemBytes keeps larger values on disk only. Zero means no limit
	// beyond MaxSizeBytes.
	MaxItemBytes int64
	Policy       Policy
	Shards       int
	// SweepInterval overrides the derived eager-expiry interval. Negative
	// disables the background sweeper.
	SweepInterval time.Duration
	Observer      Observer
	Now           func() time.Time
}

type Store struct {
	enabled  bool
	opts     Options
	policy   Policy
	shards   []*shard
	mask     uint32
	disk     *disk
	observer Observer
	now      func() time.Time

	// capMu serializes capacity reservation. Only reservations add to
	// resident; removals subtract without it.
	capMu    sync.Mutex
	resident atomic.Int64
	count    atomic.Int64
	seq      atomic.Uint64

	hits        atomic.Uint64
	misses      atomic.Uint64
	memoryHits  atomic.Uint64
	diskHits    atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	corruptions atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New opens a store. A disabled store is returned without touching disk.
func New(opts Options) (*Store, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{enabled: opts.Enabled, opts: opts, observer: opts.Observer, now: now, stop: make(chan struct{})}
	if !opts.Enabled {
		return s, nil
	}

	policy := opts.Policy
	if policy == "" {
		policy = PolicyLRU
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	s.policy = policy

	n := nextPowerOfTwo(opts.Shards)
	s.shards = make([]*shard, n)
	for i := range s.shards {
		s.shards[i] = newShard(policy)
	}
	s.mask = uint32(n - 1)

	if opts.Directory != "" {
		d, err := openDisk(opts.Directory)
		if err != nil {
			return nil, err
		}
		s.disk = d
	}

	if interval := sweepInterval(opts.DefaultTTL, opts.SweepInterval); interval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
	return s, nil
}

// sweepInterval is one tenth of the TTL clamped to [1s, 5m] unless overridden.
func sweepInterval(ttl, override time.Duration) time.Duration {
	if override != 0 {
		return max(override, 0)
	}
	if ttl <= 0 {
		return maxSweepInterval
	}
	return min(max(ttl/10, minSweepInterval), maxSweepInterval)
}

func nextPowerOfTwo(n int) int {
	if n <= 0 {
		return defaultShards
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()&s.mask]
}

// Enabled reports whether the store retains anything.
func (s *Store) Enabled() bool { return s != nil && s.enabled }

// Get returns the value for key if present and unexpired. Disk hits are
// promoted into memory.
func (s *Store) Get(key string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	if !s.enabled {
		s.misses.Add(1)
		return nil, false
	}
	now := s.now()

	sh := s.shardFor(key)
	// A write or invalidation after this point makes a disk read stale for
	// promotion purposes.
	gen := sh.gen.Load()
	value, freed, ok, expired := sh.get(key, now, s.seq.Add(1), s.policy)
	if expired {
		s.release(freed)
		s.expirations.Add(1)
	}
	if ok {
		s.memoryHits.Add(1)
		s.recordAccess(true)
		return value, true
	}

	if s.disk != nil {
		env, err := s.disk.get(key)
		if err != nil {
			s.corruptions.Add(1)
			log.WithError(err).WithField("key", key).Warn("dropping corrupt cache entry")
		}
		if env != nil {
			entry := Entry{Key: key, Value: env.Value, CreatedAt: env.CreatedAt, TTL: env.TTL}
			if entry.Expired(now) {
				s.disk.remove(key)
				s.expirations.Add(1)
			} else {
				s.diskHits.Add(1)
				s.promote(entry, gen, now)
				s.recordAccess(true)
				return env.Value, true
			}
		}
	}

	s.recordAccess(false)
	return nil, false
}

func (s *Store) recordAccess(hit bool) {
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	if s.observer != nil {
		s.observer.CacheAccess(hit)
	}
}

// Set stores value under key with ttl, falling back to the default TTL when
// ttl is not positive. The memory tier is updated even if the disk write fails.
// Disk is written first so a concurrent Get cannot promote the previous value
// over the new one.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	if s == nil || !s.enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	now := s.now()
	buf := make([]byte, len(value))
	copy(buf, value)
	entry := Entry{Key: key, Value: buf, CreatedAt: now, TTL: ttl, SizeBytes: int64(len(buf)), LastAccess: now}

	var err error
	if s.disk != nil {
		err = s.disk.put(&envelope{Key: key, Value: buf, CreatedAt: now, TTL: ttl})
	}

	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.shardFor(key).gen.Add(1)
	s.setMemoryLocked(entry)
	return err
}

// promote copies a disk hit into memory unless the key's shard was written
// or invalidated since gen was read.
func (s *Store) promote(entry Entry, gen uint64, now time.Time) {
	entry.Value = bytes.Clone(entry.Value)
	entry.SizeBytes = int64(len(entry.Value))
	entry.LastAccess = now
	entry.AccessCount = 1

	s.capMu.Lock()
	defer s.capMu.Unlock()
	if s.shardFor(entry.Key).gen.Load() != gen {
		return
	}
	s.setMemoryLocked(entry)
}

// setMemoryLocked replaces any resident copy of entry.Key, evicting global
// victims until the new entry fits. Entries larger than MaxSizeBytes or
// MaxItemBytes are not kept in memory. Callers hold capMu.
func (s *Store) setMemoryLocked(entry Entry) {
	sh := s.shardFor(entry.Key)
	if freed, ok := sh.remove(entry.Key); ok {
		s.release(freed)
	}

	if maxBytes := s.opts.MaxSizeBytes; maxBytes > 0 && entry.SizeBytes > maxBytes {
		return
	}
	if maxItem := s.opts.MaxItemBytes; maxItem > 0 && entry.SizeBytes > maxItem {
		return
	}
	for s.overCapacity(entry.SizeBytes) {
		if !s.evictOne() {
			break
		}
	}

	it := &item{Entry: entry, seq: s.seq.Add(1), index: -1}
	sh.insert(it)
	s.resident.Add(entry.SizeBytes)
	s.count.Add(1)
}

func (s *Store) overCapacity(incoming int64) bool {
	if s.opts.MaxSizeBytes > 0 && s.resident.Load()+incoming > s.opts.MaxSizeBytes {
		return true
	}
	if s.opts.MaxEntries > 0 && s.count.Load()+1 > int64(s.opts.MaxEntries) {
		return true
	}
	return false
}

// evictOne removes the global policy victim. Callers hold capMu.
func (s *Store) evictOne() bool {
	for {
		var victim victimRef
		var victimShard *shard
		for _, sh := range s.shards {
			v, ok := sh.victim()
			if !ok {
				continue
			}
			if victimShard == nil || s.policy.before(v.rank, victim.rank) {
				victim, victimShard = v, sh
			}
		}
		if victimShard == nil {
			return false
		}
		// The victim may have been removed by a concurrent Get between peek
		// and removal; pick again in that case.
		if victimShard.removeIf(victim.it) {
			s.release(victim.size)
			s.evictions.Add(1)
			return true
		}
	}
}

func (s *Store) release(size int64) {
	s.resident.Add(-size)
	s.count.Add(-1)
}

// Invalidate removes key from both tiers.
func (s *Store) Invalidate(key string) {
	if s == nil || !s.enabled {
		return
	}
	if s.disk != nil {
		s.disk.remove(key)
	}
	sh := s.shardFor(key)
	s.capMu.Lock()
	defer s.capMu.Unlock()
	sh.gen.Add(1)
	if freed, ok := sh.remove(key); ok {
		s.release(freed)
	}
}

// Shrink evicts the given fraction of resident memory entries in policy order
// and returns how many were removed. Disk entries are kept.
func (s *Store) Shrink(fraction float64) int {
	if s == nil || !s.enabled || fraction <= 0 {
		return 0
	}
	fraction = min(fraction, 1)
	target := int(math.Ceil(float64(s.count.Load()) * fraction))

	s.capMu.Lock()
	defer s.capMu.Unlock()
	removed := 0
	for removed < target && s.evictOne() {
		removed++
	}
	if removed > 0 {
		log.WithFields(log.Fields{"removed": removed, "fraction": fraction}).Debug("cache shrunk")
	}
	return removed
}

// Sweep removes expired entries from both tiers and flushes the disk index.
func (s *Store) Sweep() int {
	if s == nil || !s.enabled {
		return 0
	}
	now := s.now()
	total := 0
	for _, sh := range s.shards {
		n, freed := sh.expire(now)
		if n > 0 {
			s.resident.Add(-freed)
			s.count.Add(-int64(n))
			total += n
		}
	}
	if s.disk != nil {
		total += s.disk.expire(now)
		if err := s.disk.flush(); err != nil {
			log.WithError(err).Warn("cache index flush failed")
		}
	}
	s.expirations.Add(uint64(total))
	return total
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.WithField("expired", n).Debug("cache sweep")
			}
		}
	}
}

// Purge drops every entry from both tiers.
func (s *Store) Purge() error {
	if s == nil || !s.enabled {
		return nil
	}
	s.capMu.Lock()
	for _, sh := range s.shards {
		sh.clear()
	}
	s.resident.Store(0)
	s.count.Store(0)
	s.capMu.Unlock()

	if s.disk != nil {
		return s.disk.purge()
	}
	return nil
}

// Close stops the sweeper and flushes the disk index.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	if s.disk != nil {
		return s.disk.flush()
	}
	return nil
}

func (s *Store) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	st := Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		MemoryHits:  s.memoryHits.Load(),
		DiskHits:    s.diskHits.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
		Corruptions: s.corruptions.Load(),
		SizeBytes:   s.resident.Load(),
		Entries:     int(s.count.Load()),
	}
	if s.disk != nil {
		st.DiskEntries, st.DiskBytes = s.disk.usage()
	}
	return st
}

// GetJSON decodes the cached value into v. A value that no longer decodes is
// invalidated and reported as CacheCorruption.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	data, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.Invalidate(key)
		s.corruptions.Add(1)
		return false, faults.CacheCorruption(err, key)
	}
	return true, nil
}

func (s *Store) SetJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return s.Set(key, data, ttl)
}
