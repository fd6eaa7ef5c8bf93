package gitacq

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/singleflight"

	"repopulse/internal/cache"
)

const referenceNamespace = "gitacq.reference"

// referenceRecord is the bookkeeping stored in the cache per store.
type referenceRecord struct {
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// ReferenceStores manages bare mirrors that forks of one upstream borrow
// objects from. A store is created by at most one writer and is read-only
// afterwards.
type ReferenceStores struct {
	dir    string
	remote Remote
	cache  *cache.Store
	group  singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewReferenceStores(dir string, remote Remote, store *cache.Store) *ReferenceStores {
	return &ReferenceStores{dir: dir, remote: remote, cache: store, locks: make(map[string]*sync.RWMutex)}
}

// Path is where the store for identity lives, whether or not it exists yet.
func (r *ReferenceStores) Path(identity string) string {
	return filepath.Join(r.dir, identity+".git")
}

func (r *ReferenceStores) lock(identity string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[identity]
	if !ok {
		l = &sync.RWMutex{}
		r.locks[identity] = l
	}
	return l
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Acquire returns the store for the canonical source, initializing it if
// needed, read-locked until release is called.
func (r *ReferenceStores) Acquire(ctx context.Context, canonicalURL string) (path string, release func(), err error) {
	if ctx == nil {
		return "", nil, fmt.Errorf("Acquire: nil context")
	}
	identity := Normalize(canonicalURL)
	path = r.Path(identity)
	l := r.lock(identity)

	if !exists(filepath.Join(path, "HEAD")) {
		ch := r.group.DoChan(identity, func() (any, error) {
			return nil, r.initialize(ctx, identity, canonicalURL)
		})
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return "", nil, res.Err
			}
		}
	}

	l.RLock()
	return path, l.RUnlock, nil
}

// initialize mirrors the upstream into a temp directory and renames it into
// place under the store's write lock.
func (r *ReferenceStores) initialize(ctx context.Context, identity, canonicalURL string) error {
	l := r.lock(identity)
	l.Lock()
	defer l.Unlock()

	path := r.Path(identity)
	if exists(filepath.Join(path, "HEAD")) {
		return nil
	}
	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create reference dir: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-ref-")
	if err != nil {
		return fmt.Errorf("create reference temp dir: %w", err)
	}

	start := time.Now()
	if err := r.remote.Clone(ctx, CloneRequest{URL: canonicalURL, Dir: tmp, Mirror: true}); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("clear reference path: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("install reference store: %w", err)
	}

	size := objectsSize(path)
	log.WithFields(log.Fields{
		"source":   identity,
		"path":     path,
		"size":     size,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("reference store initialized")

	rec := referenceRecord{Path: path, URL: canonicalURL, CreatedAt: time.Now(), SizeBytes: size}
	if err := r.cache.SetJSON(cache.Key(referenceNamespace, identity), rec, 0); err != nil {
		log.WithError(err).Debug("reference record not cached")
	}
	return nil
}

// objectsSize sums the object store of a work tree (.git/objects) or a bare
// repository (objects).
func objectsSize(repoDir string) int64 {
	dir := filepath.Join(repoDir, ".git", "objects")
	if !exists(dir) {
		dir = filepath.Join(repoDir, "objects")
	}
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
