package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/apex/log"

	"repopulse/internal/cache"
	"repopulse/internal/config"
	"repopulse/internal/fetcher"
	"repopulse/internal/memory"
	"repopulse/internal/telemetry"
)

const (
	baselineRuns    = 10
	historyRuns     = 5
	shrinkFraction  = 0.25
	shutdownTimeout = 2 * time.Second
)

// Layout of the cache directory.
const (
	storeDirName   = "store"
	historyDirName = "history"
)

// NewCacheStore opens the configured cache store. observer may be nil.
func NewCacheStore(cfg *config.Config, observer cache.Observer) (*cache.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NewCacheStore: nil config")
	}
	opts := cache.Options{
		Enabled:      cfg.Cache.Enabled,
		DefaultTTL:   cfg.CacheTTL(),
		MaxSizeBytes: cfg.Cache.MaxSizeBytes,
		MaxEntries:   cfg.Cache.MaxEntries,
		MaxItemBytes: cfg.Memory.StreamThresholdBytes,
		Policy:       cache.Policy(cfg.Cache.EvictionPolicy),
		Shards:       cfg.Cache.Shards,
		Observer:     observer,
	}
	if cfg.Cache.Enabled {
		opts.Directory = filepath.Join(cfg.Cache.Directory, storeDirName)
	}
	store, err := cache.New(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return store, nil
}

// openHistory keeps run summaries next to the cache. With the cache
// disabled, history lives in memory for the run only.
func openHistory(cfg *config.Config) *telemetry.History {
	opts := telemetry.HistoryOptions{
		Path:      filepath.Join(cfg.Cache.Directory, historyDirName),
		InMemory:  !cfg.Cache.Enabled,
		Retention: cfg.Retention(),
	}
	h, err := telemetry.OpenHistory(opts)
	if err != nil {
		log.WithError(err).Warn("run history unavailable")
		return nil
	}
	return h
}

func newGovernor(cfg *config.Config, usage memory.UsageFunc) *memory.Governor {
	return memory.New(memory.Options{
		Limit:           cfg.Memory.LimitBytes,
		GCEvery:         cfg.Memory.GCEveryItems,
		SampleInterval:  cfg.SampleInterval(),
		StreamThreshold: cfg.Memory.StreamThresholdBytes,
		Usage:           usage,
	})
}

func newRecorder(cfg *config.Config, gov *memory.Governor, baselines map[string]time.Duration) *telemetry.Recorder {
	return telemetry.New(telemetry.Options{
		SlowThreshold:   cfg.SlowThreshold(),
		SlowMultiplier:  cfg.Monitoring.SlowMultiplier,
		MinCacheHitRate: cfg.Monitoring.MinCacheHitRate,
		Baselines:       baselines,
		Memory:          gov.CurrentUsage,
	})
}

func batcherOptions(cfg *config.Config) fetcher.Options {
	return fetcher.Options{
		BatchSize:         cfg.API.BatchSize,
		Window:            cfg.BatchWindow(),
		ParallelRequests:  cfg.API.ParallelRequests,
		RetryAttempts:     cfg.API.RetryAttempts,
		RetryBackoff:      cfg.API.RetryBackoff,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		CacheTTL:          cfg.CacheTTL(),
	}
}

// shrinkOnPressure drops part of the in-memory cache tier each time usage
// crosses above the pressure fraction.
func shrinkOnPressure(gov *memory.Governor, store *cache.Store, fraction float64) func() {
	return gov.RegisterThreshold(fraction, func(c memory.Crossing) {
		if !c.Above {
			return
		}
		n := store.Shrink(shrinkFraction)
		log.WithFields(log.Fields{
			"usage":   c.Usage,
			"limit":   c.Limit,
			"evicted": n,
		}).Info("memory pressure: shrinking cache")
	})
}

// metricsServer exposes the recorder's Prometheus registry on addr.
type metricsServer struct {
	srv  *http.Server
	done chan struct{}
}

func startMetricsServer(addr string, rec *telemetry.Recorder) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	m := &metricsServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		done: make(chan struct{}),
	}
	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("serving metrics")
	return m, nil
}

func (m *metricsServer) Close() {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		log.WithError(err).Debug("metrics server shutdown")
	}
	<-m.done
}
