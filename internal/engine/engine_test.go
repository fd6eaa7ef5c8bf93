package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	perrors "github.com/jmgilman/go/errors"

	"repopulse/internal/config"
	"repopulse/internal/faults"
	"repopulse/internal/fetcher"
	"repopulse/internal/gitacq"
	gh "repopulse/internal/github"
	"repopulse/internal/output"
)

// fakeRemote materializes a small working tree for every known URL.
type fakeRemote struct {
	mu     sync.Mutex
	heads  map[string]string
	clones int
}

func newFakeRemote(urls ...string) *fakeRemote {
	f := &fakeRemote{heads: make(map[string]string)}
	for _, u := range urls {
		f.heads[u] = "c0ffee"
	}
	return f
}

func (f *fakeRemote) Head(_ context.Context, url, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.heads[url]
	if !ok {
		return "", fmt.Errorf("repository not found: %s", url)
	}
	return h, nil
}

func (f *fakeRemote) Clone(_ context.Context, req gitacq.CloneRequest) error {
	f.mu.Lock()
	f.clones++
	head := f.heads[req.URL]
	f.mu.Unlock()
	if err := os.MkdirAll(filepath.Join(req.Dir, ".git"), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(req.Dir, "README.md"), []byte("# "+req.URL), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(req.Dir, "data.bin"), bytes.Repeat([]byte("z"), 4096), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(req.Dir, ".git", "fakehead"), []byte(head), 0o644)
}

func (f *fakeRemote) Update(_ context.Context, dir, want string, _ int) error {
	return os.WriteFile(filepath.Join(dir, ".git", "fakehead"), []byte(want), 0o644)
}

func (f *fakeRemote) LocalHead(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, ".git", "fakehead"))
	return string(b), err
}

func (f *fakeRemote) cloneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clones
}

// metadataAPI answers repos/<owner>/<name> for known repositories.
type metadataAPI struct {
	calls atomic.Int64
	known map[string]bool
}

func (m *metadataAPI) dispatch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	m.calls.Add(1)
	name := strings.TrimPrefix(req.Path, "repos/")
	if !m.known[name] {
		return fetcher.Response{Status: 404}, faults.Permanent(perrors.CodeNotFound, "404 Not Found")
	}
	body := fmt.Sprintf(`{"full_name":%q,"default_branch":"main"}`, name)
	return fetcher.Response{Status: 200, Body: []byte(body)}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	cfg.Cache.Directory = dir
	cfg.Git.UseReferenceRepos = false
	cfg.Parallel.MaxWorkers = 2
	cfg.Memory.StreamThresholdBytes = 1024
	cfg.API.BatchWindowMillis = 1
	cfg.Runtime.NoConsole = true
	cfg.Runtime.Report = filepath.Join(dir, "out", "report.json")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

type engineFixture struct {
	eng    *Engine
	remote *fakeRemote
	api    *metadataAPI
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newEngineFixture(knownRepos ...string) *engineFixture {
	var urls []string
	known := make(map[string]bool)
	for _, r := range knownRepos {
		urls = append(urls, "https://github.com/"+r+".git")
		known[r] = true
	}
	f := &engineFixture{
		remote: newFakeRemote(urls...),
		api:    &metadataAPI{known: known},
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	var runs atomic.Int64
	f.eng = &Engine{
		Stdout:     f.stdout,
		Stderr:     f.stderr,
		remote:     f.remote,
		dispatcher: fetcher.DispatchFunc(f.api.dispatch),
		usage:      func() (uint64, error) { return 64 << 20, nil },
		newRunID:   func() string { return fmt.Sprintf("run-%d", runs.Add(1)) },
	}
	return f
}

func mustSources(t *testing.T, sels ...string) []gitacq.Source {
	t.Helper()
	out, err := ResolveSources(sels, "", false)
	if err != nil {
		t.Fatalf("ResolveSources: %v", err)
	}
	return out
}

func readReport(t *testing.T, path string) output.Report {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	var r output.Report
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	return r
}

func TestExitCodeForRun(t *testing.T) {
	tests := []struct {
		name      string
		fatal     bool
		items     int
		succeeded int
		want      int
	}{
		{"all succeeded", false, 3, 3, ExitSuccess},
		{"nothing to do", false, 0, 0, ExitSuccess},
		{"all failed", false, 3, 0, ExitFailure},
		{"partial", false, 3, 1, ExitPartial},
		{"fatal wins", true, 3, 3, ExitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeForRun(tt.fatal, tt.items, tt.succeeded); got != tt.want {
				t.Fatalf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestEngine_Run_AllSucceedAndSecondRunHitsCache(t *testing.T) {
	cfg := testConfig(t)
	f := newEngineFixture("acme/api", "acme/web")
	sources := mustSources(t, "acme/api", "acme/web")

	if code := f.eng.Run(context.Background(), cfg, sources); code != ExitSuccess {
		t.Fatalf("Expected exit 0, got %d", code)
	}
	first := readReport(t, cfg.Runtime.Report)
	if first.RunID != "run-1" || first.Outcome != output.OutcomeSuccess || first.Items != 2 || first.Succeeded != 2 {
		t.Fatalf("Unexpected first report: %+v", first)
	}
	if first.CallsMade != 2 {
		t.Fatalf("Expected 2 API calls on a cold cache, got %d", first.CallsMade)
	}
	if len(first.Failures) != 0 {
		t.Fatalf("Expected no failures, got %+v", first.Failures)
	}
	ops := make(map[string]bool)
	for _, op := range first.Operations {
		ops[op.Operation] = true
	}
	for _, want := range []string{"git.acquire", "scheduler.item", "analysis.walk", "api.dispatch"} {
		if !ops[want] {
			t.Fatalf("Expected operation %s in report, got %v", want, ops)
		}
	}
	if f.remote.cloneCount() != 2 {
		t.Fatalf("Expected 2 clones, got %d", f.remote.cloneCount())
	}

	if code := f.eng.Run(context.Background(), cfg, sources); code != ExitSuccess {
		t.Fatalf("Expected exit 0 on second run, got %d", code)
	}
	second := readReport(t, cfg.Runtime.Report)
	if second.CallsMade != 0 || second.CallsSaved != 2 {
		t.Fatalf("Expected metadata from cache on second run, made=%d saved=%d", second.CallsMade, second.CallsSaved)
	}
	if f.api.calls.Load() != 2 {
		t.Fatalf("Expected no new dispatches, got %d total", f.api.calls.Load())
	}
	if f.remote.cloneCount() != 2 {
		t.Fatalf("Expected unchanged clones to be reused, got %d clones", f.remote.cloneCount())
	}
	if second.Cache.Stats.Hits == 0 || second.Cache.HitRate == 0 {
		t.Fatalf("Expected cache hits on second run, got %+v", second.Cache)
	}
	if len(second.History) != 2 || second.History[0].RunID != "run-2" {
		t.Fatalf("Expected history newest first with both runs, got %+v", second.History)
	}
}

func TestEngine_Run_PartialFailureIsReported(t *testing.T) {
	cfg := testConfig(t)
	f := newEngineFixture("acme/api", "acme/gone")
	f.api.known["acme/gone"] = false

	code := f.eng.Run(context.Background(), cfg, mustSources(t, "acme/api", "acme/gone"))
	if code != ExitPartial {
		t.Fatalf("Expected exit 2, got %d", code)
	}
	r := readReport(t, cfg.Runtime.Report)
	if r.Outcome != output.OutcomePartial || r.Succeeded != 1 || r.Failed != 1 {
		t.Fatalf("Unexpected report counts: %+v", r)
	}
	if len(r.Failures) != 1 {
		t.Fatalf("Expected one failure, got %+v", r.Failures)
	}
	fail := r.Failures[0]
	if fail.Item != "acme/gone" || fail.Kind != string(faults.KindPermanentRequest) || !strings.Contains(fail.Cause, "404 Not Found") {
		t.Fatalf("Unexpected failure entry: %+v", fail)
	}
	if fail.Retries != 0 {
		t.Fatalf("Expected permanent failures not to be retried, got %d", fail.Retries)
	}
}

func TestEngine_Run_AllFailed(t *testing.T) {
	cfg := testConfig(t)
	f := newEngineFixture()

	code := f.eng.Run(context.Background(), cfg, mustSources(t, "acme/missing"))
	if code != ExitFailure {
		t.Fatalf("Expected exit 1, got %d", code)
	}
	r := readReport(t, cfg.Runtime.Report)
	if r.Outcome != output.OutcomeFailure || !strings.Contains(r.Failures[0].Cause, "repository not found") {
		t.Fatalf("Unexpected report: %+v", r)
	}
}

func TestEngine_Run_CancelledBeforeStartIsFatal(t *testing.T) {
	cfg := testConfig(t)
	f := newEngineFixture("acme/api")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := f.eng.Run(ctx, cfg, mustSources(t, "acme/api"))
	if code != ExitFatal {
		t.Fatalf("Expected exit 3, got %d", code)
	}
	r := readReport(t, cfg.Runtime.Report)
	if r.Outcome != output.OutcomeAborted || r.Cancelled != 1 || r.Error == "" {
		t.Fatalf("Unexpected report: %+v", r)
	}
}

func TestEngine_Run_ConsoleAndEmit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.NoConsole = false
	cfg.Runtime.Emit = []string{"ndjson"}
	f := newEngineFixture("acme/api")

	if code := f.eng.Run(context.Background(), cfg, mustSources(t, "acme/api")); code != ExitSuccess {
		t.Fatalf("Expected exit 0, got %d", code)
	}
	if !strings.Contains(f.stderr.String(), "run-1") || !strings.Contains(f.stderr.String(), "acme/api") {
		t.Fatalf("Expected console progress and summary, got:\n%s", f.stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(f.stdout.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 ndjson lines, got %d:\n%s", len(lines), f.stdout.String())
	}
	for i, want := range []string{output.EventRunStarted, output.EventItemFinished, output.EventRunFinished, "run.report"} {
		if !strings.Contains(lines[i], `"type":"`+want+`"`) {
			t.Fatalf("line %d: expected %s, got %s", i, want, lines[i])
		}
	}
}

func TestEngine_Run_NoConsoleWritesNothingToStderr(t *testing.T) {
	cfg := testConfig(t)
	f := newEngineFixture("acme/api")
	_ = f.eng.Run(context.Background(), cfg, mustSources(t, "acme/api"))
	if strings.TrimSpace(f.stderr.String()) != "" {
		t.Fatalf("Expected no console output, got:\n%s", f.stderr.String())
	}
}

func TestEngine_Run_SetupFailuresAreFatal(t *testing.T) {
	f := newEngineFixture("acme/api")

	if code := f.eng.Run(context.Background(), nil, nil); code != ExitFatal {
		t.Fatalf("Expected exit 3 for nil config, got %d", code)
	}

	cfg := testConfig(t)
	cfg.Runtime.MetricsAddr = "256.0.0.1:bad"
	if code := f.eng.Run(context.Background(), cfg, mustSources(t, "acme/api")); code != ExitFatal {
		t.Fatalf("Expected exit 3 for bad metrics address, got %d", code)
	}

	cfg = testConfig(t)
	cfg.Runtime.Emit = []string{"xml"}
	if code := f.eng.Run(context.Background(), cfg, nil); code != ExitFatal {
		t.Fatalf("Expected exit 3 for bad emit format, got %d", code)
	}
}

func TestEngine_APIDispatcherUsesClientHost(t *testing.T) {
	client, err := gh.NewClient(context.Background(), "", gh.WithBaseURL("https://ghe.example.com/api/v3"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	e := &Engine{Client: client}
	d, target := e.apiDispatcher()
	if d == nil {
		t.Fatalf("Expected a dispatcher for a configured client")
	}
	if target != "ghe.example.com" {
		t.Fatalf("Expected target ghe.example.com, got %q", target)
	}
}
