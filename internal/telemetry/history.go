package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/dgraph-io/badger/v4"
)

const runKeyPrefix = "run/"

// RunSummary is the persisted outcome of one engine run.
type RunSummary struct {
	RunID        string                    `json:"run_id"`
	StartedAt    time.Time                 `json:"started_at"`
	FinishedAt   time.Time                 `json:"finished_at"`
	Items        int                       `json:"items"`
	Succeeded    int                       `json:"succeeded"`
	Failed       int                       `json:"failed"`
	TimedOut     int                       `json:"timed_out"`
	Cancelled    int                       `json:"cancelled"`
	ExitCode     int                       `json:"exit_code"`
	CacheHitRate float64                   `json:"cache_hit_rate"`
	PeakMemory   uint64                    `json:"peak_memory_bytes"`
	Operations   map[string]OperationStats `json:"operations"`
}

type HistoryOptions struct {
	Path      string
	InMemory  bool
	Retention time.Duration
}

// History stores run summaries in badger with a TTL of the retention period.
type History struct {
	db        *badger.DB
	retention time.Duration
}

// badgerLogger routes badger's internal logging to apex/log.
type badgerLogger struct {
	entry *log.Entry
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func OpenHistory(opts HistoryOptions) (*History, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("path is required for persistent history")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{entry: log.WithField("component", "history")})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return &History{db: db, retention: opts.Retention}, nil
}

// Keys sort by start time so reverse iteration yields newest first.
func runKey(s RunSummary) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", runKeyPrefix, s.StartedAt.UnixNano(), s.RunID))
}

func (h *History) Append(s RunSummary) error {
	if h == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	return h.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(runKey(s), data)
		if h.retention > 0 {
			e = e.WithTTL(h.retention)
		}
		return txn.SetEntry(e)
	})
}

// Recent returns up to n summaries, newest first.
func (h *History) Recent(n int) ([]RunSummary, error) {
	if h == nil || n <= 0 {
		return nil, nil
	}
	var out []RunSummary
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(runKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		seek := append([]byte(runKeyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(runKeyPrefix)) && len(out) < n; it.Next() {
			var s RunSummary
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &s)
			}); err != nil {
				log.WithError(err).WithField("key", string(it.Item().Key())).Warn("skipping unreadable run summary")
				continue
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// Baselines averages each operation's mean over the last n runs.
func (h *History) Baselines(n int) (map[string]time.Duration, error) {
	runs, err := h.Recent(n)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]time.Duration)
	counts := make(map[string]int64)
	for _, run := range runs {
		for name, op := range run.Operations {
			if op.Count == 0 {
				continue
			}
			sums[name] += op.Mean
			counts[name]++
		}
	}
	out := make(map[string]time.Duration, len(sums))
	for name, sum := range sums {
		out[name] = sum / time.Duration(counts[name])
	}
	return out, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
