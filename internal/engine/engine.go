// Package engine runs batch repository analysis: it resolves sources,
// schedules one work item per repository across a bounded worker pool, and
// summarizes the run in a performance report.
package engine

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"repopulse/internal/config"
	"repopulse/internal/fetcher"
	"repopulse/internal/gitacq"
	gh "repopulse/internal/github"
	"repopulse/internal/memory"
	"repopulse/internal/output"
)

// Exit codes.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitPartial = 2
	ExitFatal   = 3
)

func exitCodeForRun(fatal bool, items, succeeded int) int {
	// 0 = every item succeeded
	// 1 = every item failed
	// 2 = partial success
	// 3 = fatal error (run did not start or was aborted)
	switch {
	case fatal:
		return ExitFatal
	case succeeded == items:
		return ExitSuccess
	case succeeded == 0:
		return ExitFailure
	default:
		return ExitPartial
	}
}

func setupOutputManager(cfg *config.Config, stdout, stderr io.Writer) (*output.Manager, error) {
	outMgr := output.NewManager()

	// Console Sink
	if !cfg.Runtime.NoConsole {
		if err := outMgr.AddSink(output.NewConsoleSink(stderr, true)); err != nil {
			outMgr.Close()
			return nil, err
		}
	}

	// Emit Sinks (additional structured streams)
	for _, emit := range cfg.Runtime.Emit {
		es, err := output.NewEmitSink(stdout, emit)
		if err != nil {
			outMgr.Close()
			return nil, err
		}
		if err := outMgr.AddSink(es); err != nil {
			outMgr.Close()
			return nil, err
		}
	}

	// Report Sink
	if cfg.Runtime.Report != "" {
		rs, err := output.NewReportSink(cfg.Runtime.Report)
		if err != nil {
			outMgr.Close()
			return nil, err
		}
		if err := outMgr.AddSink(rs); err != nil {
			outMgr.Close()
			return nil, err
		}
	}

	return outMgr, nil
}

type Engine struct {
	Client *gh.Client
	Stdout io.Writer
	Stderr io.Writer

	// Test seams. Nil means the real implementation.
	remote     gitacq.Remote
	dispatcher fetcher.Dispatcher
	usage      memory.UsageFunc
	newRunID   func() string
	now        func() time.Time
}

func NewEngine(client *gh.Client) *Engine {
	return &Engine{
		Client: client,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (e *Engine) gitRemote() gitacq.Remote {
	if e.remote != nil {
		return e.remote
	}
	// A nil *BasicAuth must not become a non-nil AuthMethod.
	if auth := e.Client.GitAuth(); auth != nil {
		return gitacq.NewGitRemote(auth, e.Client.Token())
	}
	return gitacq.NewGitRemote(nil, "")
}

// apiDispatcher returns the dispatcher and the budget target it reports.
func (e *Engine) apiDispatcher() (fetcher.Dispatcher, string) {
	if e.dispatcher != nil {
		if t, ok := e.dispatcher.(interface{ Target() string }); ok {
			return e.dispatcher, t.Target()
		}
		return e.dispatcher, ""
	}
	if e.Client == nil {
		return nil, ""
	}
	d := fetcher.NewGitHubDispatcher(e.Client.REST)
	return d, d.Target()
}

// Run processes every source and returns the process exit code.
func (e *Engine) Run(ctx context.Context, cfg *config.Config, sources []gitacq.Source) int {
	if e == nil || ctx == nil || cfg == nil {
		log.Error("engine run: missing engine, context or config")
		return ExitFatal
	}
	now := e.now
	if now == nil {
		now = time.Now
	}
	newRunID := e.newRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	stdout, stderr := e.Stdout, e.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	runID := newRunID()
	startedAt := now()
	logger := log.WithField("run_id", runID)

	outMgr, err := setupOutputManager(cfg, stdout, stderr)
	if err != nil {
		logger.WithError(err).Error("creating output sinks")
		return ExitFatal
	}
	defer func() {
		if err := outMgr.Close(); err != nil {
			logger.WithError(err).Error("closing output sinks")
		}
	}()

	history := openHistory(cfg)
	defer func() {
		if err := history.Close(); err != nil {
			logger.WithError(err).Warn("closing run history")
		}
	}()
	baselines, err := history.Baselines(baselineRuns)
	if err != nil {
		logger.WithError(err).Warn("reading baselines")
	}

	governor := newGovernor(cfg, e.usage)
	recorder := newRecorder(cfg, governor, baselines)
	defer recorder.Close()

	store, err := NewCacheStore(cfg, recorder)
	if err != nil {
		logger.WithError(err).Error("setting up cache")
		return ExitFatal
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("closing cache")
		}
	}()
	defer shrinkOnPressure(governor, store, cfg.Memory.PressureFraction)()

	if cfg.Runtime.MetricsAddr != "" {
		ms, err := startMetricsServer(cfg.Runtime.MetricsAddr, recorder)
		if err != nil {
			logger.WithError(err).Error("starting metrics server")
			return ExitFatal
		}
		defer ms.Close()
	}

	planner := gitacq.NewPlanner(gitacq.Options{
		WorkDir:           cfg.Git.WorkDir,
		ReferenceDir:      cfg.Git.ReferenceDir,
		ShallowDepth:      cfg.Git.ShallowDepth,
		UseReferenceRepos: cfg.Git.UseReferenceRepos,
		MaxRepoBytes:      cfg.Memory.MaxRepoBytes,
	}, e.gitRemote(), store, recorder)

	analyzer := &Analyzer{Acquirer: planner, Governor: governor, Recorder: recorder}
	var batcher *fetcher.Batcher
	if d, target := e.apiDispatcher(); d != nil {
		batcher, err = fetcher.NewBatcher(d, batcherOptions(cfg), store, recorder)
		if err != nil {
			logger.WithError(err).Error("setting up request batcher")
			return ExitFatal
		}
		analyzer.Requester = batcher
		analyzer.Target = target
	}

	items := make([]WorkItem, len(sources))
	for i, src := range sources {
		items[i] = WorkItem{ID: SourceLabel(src), Source: src}
	}

	scheduler, err := NewScheduler(SchedulerOptions{
		Workers:          cfg.Parallel.MaxWorkers.Resolve(),
		ItemTimeout:      cfg.WorkerTimeout(),
		RunTimeout:       cfg.RunTimeout(),
		PressureFraction: cfg.Memory.PressureFraction,
		PressureGrace:    cfg.PressureGrace(),
		Governor:         governor,
		Recorder:         recorder,
		OnResult: func(i int, r WorkResult) {
			ev := output.Event{
				Type:     output.EventItemFinished,
				RunID:    runID,
				Item:     items[i].ID,
				Status:   string(r.Status),
				Duration: r.Duration,
				Retries:  r.Retries,
			}
			if r.Status != StatusSuccess {
				ev.Error = presentFailure(r, cfg.Runtime.Verbose).message
			}
			if err := outMgr.Write(ev); err != nil {
				logger.WithError(err).Warn("writing item event")
			}
		},
	})
	if err != nil {
		logger.WithError(err).Error("setting up scheduler")
		return ExitFatal
	}

	logger.WithFields(log.Fields{
		"items":   len(items),
		"workers": scheduler.Workers(),
	}).Info("run started")
	_ = outMgr.Write(output.Event{Type: output.EventRunStarted, RunID: runID, Items: len(items)})

	samplerCtx, stopSampler := context.WithCancel(ctx)
	governor.Start(samplerCtx)

	results, runErr := scheduler.Process(ctx, items, analyzer.Analyze)

	if runErr != nil {
		batcher.Abort()
	} else if err := batcher.Close(); err != nil {
		logger.WithError(err).Warn("closing request batcher")
	}
	stopSampler()
	governor.Wait()

	report := buildReport(runStats{
		runID:      runID,
		startedAt:  startedAt,
		finishedAt: now(),
		results:    results,
		runErr:     runErr,
		verbose:    cfg.Runtime.Verbose,
		snapshot:   recorder.Snapshot(),
		cache:      store.Stats(),
		cacheOn:    store.Enabled(),
		governor:   governor,
		callsMade:  batcher.CallsMade(),
		callsSaved: batcher.CallsSaved(),
	})

	if err := history.Append(report.Summary()); err != nil {
		logger.WithError(err).Warn("recording run history")
	}
	if recent, err := history.Recent(historyRuns); err != nil {
		logger.WithError(err).Warn("reading run history")
	} else {
		report.History = recent
	}

	fields := log.Fields{
		"outcome":   report.Outcome,
		"succeeded": report.Succeeded,
		"items":     report.Items,
		"duration":  report.TotalTime.Round(time.Millisecond).String(),
	}
	if runErr != nil {
		logger.WithFields(fields).WithError(runErr).Error("run aborted")
	} else {
		logger.WithFields(fields).Info("run finished")
	}

	_ = outMgr.Write(output.Event{Type: output.EventRunFinished, RunID: runID, Items: report.Items, Done: len(results), ExitCode: report.ExitCode})
	if err := outMgr.Write(report); err != nil {
		logger.WithError(err).Error("writing report")
	}
	return report.ExitCode
}
