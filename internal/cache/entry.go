package cache

import "time"

// Entry is one cached value with its lifecycle metadata.
type Entry struct {
	Key         string
	Value       []byte
	CreatedAt   time.Time
	TTL         time.Duration
	SizeBytes   int64
	AccessCount uint64
	LastAccess  time.Time
}

// Expired reports whether the entry is past CreatedAt+TTL. A non-positive TTL
// never expires.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.TTL))
}

// ExpiresAt returns the zero time for entries that never expire.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Stats is a point-in-time view of store counters. SizeBytes and Entries
// describe the memory tier; DiskBytes and DiskEntries the persistent tier.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	MemoryHits  uint64 `json:"memory_hits"`
	DiskHits    uint64 `json:"disk_hits"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Corruptions uint64 `json:"corruptions"`
	SizeBytes   int64  `json:"size_bytes"`
	Entries     int    `json:"entries"`
	DiskBytes   int64  `json:"disk_bytes"`
	DiskEntries int    `json:"disk_entries"`
}

// HitRate is hits over lookups, or zero before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Observer is notified of every lookup outcome.
type Observer interface {
	CacheAccess(hit bool)
}
