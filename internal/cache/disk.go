package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"

	"repopulse/internal/faults"
)

const (
	entriesDir    = "entries"
	indexFile     = "index.json"
	indexVersion  = 1
	tempPrefix    = ".tmp-"
	entryFileMode = 0o644
)

// envelope is the on-disk form of one entry.
type envelope struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

type indexRecord struct {
	File      string    `json:"file"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Size      int64     `json:"size"`
}

type indexDoc struct {
	Version int                    `json:"version"`
	Entries map[string]indexRecord `json:"entries"`
}

// disk is the persistent tier. Entry files are authoritative; the index is
// reconciled against them on open.
type disk struct {
	dir   string
	mu    sync.Mutex
	index map[string]indexRecord
	dirty bool
}

func openDisk(dir string) (*disk, error) {
	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0o755); err != nil {
		return nil, faults.Transient(err, "create cache directory")
	}
	d := &disk{dir: dir, index: make(map[string]indexRecord)}
	if err := d.loadIndex(); err != nil {
		log.WithError(err).WithField("dir", dir).Warn("cache index unreadable, rebuilding")
		d.index = make(map[string]indexRecord)
	}
	if err := d.reconcile(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *disk) entriesPath() string { return filepath.Join(d.dir, entriesDir) }

func (d *disk) entryPath(name string) string { return filepath.Join(d.entriesPath(), name) }

func (d *disk) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(d.dir, indexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	if doc.Version != indexVersion {
		return fmt.Errorf("unsupported index version %d", doc.Version)
	}
	if doc.Entries != nil {
		d.index = doc.Entries
	}
	return nil
}

// reconcile drops index records without files and indexes files missing from
// the index. Undecodable files are removed.
func (d *disk) reconcile() error {
	entries, err := os.ReadDir(d.entriesPath())
	if err != nil {
		return faults.Transient(err, "list cache entries")
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, tempPrefix) {
			_ = os.Remove(d.entryPath(name))
			continue
		}
		present[name] = true
	}

	indexed := make(map[string]bool, len(d.index))
	for key, rec := range d.index {
		if !present[rec.File] || rec.File != fileName(key) {
			delete(d.index, key)
			d.dirty = true
			continue
		}
		indexed[rec.File] = true
	}

	for name := range present {
		if indexed[name] {
			continue
		}
		env, err := d.readFile(name)
		if err != nil || fileName(env.Key) != name {
			log.WithField("file", name).Warn("removing undecodable cache entry")
			_ = os.Remove(d.entryPath(name))
			continue
		}
		d.index[env.Key] = recordFor(env)
		d.dirty = true
	}
	return d.flushLocked()
}

func recordFor(env *envelope) indexRecord {
	e := Entry{CreatedAt: env.CreatedAt, TTL: env.TTL}
	return indexRecord{
		File:      fileName(env.Key),
		ExpiresAt: e.ExpiresAt(),
		Size:      int64(len(env.Value)),
	}
}

func (d *disk) readFile(name string) (*envelope, error) {
	data, err := os.ReadFile(d.entryPath(name))
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// get loads key from disk. A missing file is (nil, nil). A file that fails to
// decode or belongs to another key is removed and reported as CacheCorruption.
func (d *disk) get(key string) (*envelope, error) {
	name := fileName(key)
	env, err := d.readFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		d.mu.Lock()
		if _, ok := d.index[key]; ok {
			delete(d.index, key)
			d.dirty = true
		}
		d.mu.Unlock()
		return nil, nil
	}
	if err == nil && env.Key != key {
		err = fmt.Errorf("envelope key mismatch")
	}
	if err != nil {
		d.remove(key)
		return nil, faults.CacheCorruption(err, key)
	}
	return env, nil
}

func (d *disk) put(env *envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	name := fileName(env.Key)
	if err := writeAtomic(d.entriesPath(), name, data); err != nil {
		return faults.Transient(err, "write cache entry")
	}
	d.mu.Lock()
	d.index[env.Key] = recordFor(env)
	d.dirty = true
	d.mu.Unlock()
	return nil
}

func (d *disk) remove(key string) {
	_ = os.Remove(d.entryPath(fileName(key)))
	d.mu.Lock()
	if _, ok := d.index[key]; ok {
		delete(d.index, key)
		d.dirty = true
	}
	d.mu.Unlock()
}

// expire removes every indexed entry past its expiry.
func (d *disk) expire(now time.Time) int {
	d.mu.Lock()
	var expired []string
	for key, rec := range d.index {
		if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			expired = append(expired, key)
		}
	}
	d.mu.Unlock()
	for _, key := range expired {
		d.remove(key)
	}
	return len(expired)
}

func (d *disk) usage() (int, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, rec := range d.index {
		total += rec.Size
	}
	return len(d.index), total
}

func (d *disk) purge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.RemoveAll(d.entriesPath()); err != nil {
		return faults.Transient(err, "purge cache entries")
	}
	if err := os.MkdirAll(d.entriesPath(), 0o755); err != nil {
		return faults.Transient(err, "recreate cache entries")
	}
	d.index = make(map[string]indexRecord)
	d.dirty = true
	return d.flushLocked()
}

func (d *disk) flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *disk) flushLocked() error {
	if !d.dirty {
		return nil
	}
	data, err := json.MarshalIndent(indexDoc{Version: indexVersion, Entries: d.index}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}
	if err := writeAtomic(d.dir, indexFile, data); err != nil {
		return faults.Transient(err, "write cache index")
	}
	d.dirty = false
	return nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, entryFileMode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
