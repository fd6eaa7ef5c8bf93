package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"repopulse/internal/config"
	"repopulse/internal/engine"
	"repopulse/internal/flags"
	gh "repopulse/internal/github"
	"repopulse/internal/logging"
)

// runOptions holds the run flags. Flags left unset keep the config file value.
type runOptions struct {
	reposFile   string
	recentOnly  bool
	workers     int
	timeout     time.Duration
	report      string
	noConsole   bool
	metricsAddr string
	emit        []string
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [OWNER/REPO|URL|PATH ...]",
	Short: "Analyze a batch of repositories",
	Long: `Analyze a batch of repositories and write a performance report.

Repositories are given as arguments and/or through --repos-file (one per line,
optionally followed by the canonical repository it forks). Accepted forms:
OWNER/REPO, GitHub URLs, any git remote URL, and local directories. Append
#REF to pin a branch or tag.

Authentication:
  GitHub requests use GITHUB_TOKEN (or GH_TOKEN), or the GitHub CLI login
  if gh is installed. Without a token, public repositories still work under
  the anonymous rate limit.

Exit codes:
	0 = every repository succeeded
	1 = every repository failed
	2 = partial success
	3 = fatal error (run did not start or was aborted)

Examples:
  repopulse run acme/api acme/web
  repopulse run --repos-file repos.txt --workers 8 --report report.json

  # Machine-readable events on stdout
  repopulse run --repos-file repos.txt --no-console --emit ndjson
`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		code := executeRun(ctx, cmd, args, &runOpts)
		stop()
		os.Exit(code)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	// MAINTAINER NOTE: keep applyRunOverrides in sync with these flags.

	// Inputs
	runCmd.Flags().StringVar(&runOpts.reposFile, flags.FlagReposFile, "", "Read repositories from this file (one per line, # comments allowed)")
	runCmd.Flags().BoolVar(&runOpts.recentOnly, flags.FlagRecentOnly, false, "Fetch only recent history (shallow clones)")

	// Output
	runCmd.Flags().StringVar(&runOpts.report, flags.FlagReport, "", "Write the JSON performance report to this path")
	runCmd.Flags().StringSliceVar(&runOpts.emit, flags.FlagEmit, nil, "Emit a structured stream to stdout: json|ndjson (repeatable; comma-separated accepted)")
	runCmd.Flags().BoolVar(&runOpts.noConsole, flags.FlagNoConsole, false, "Suppress the console progress and summary")

	// Runtime
	runCmd.Flags().IntVar(&runOpts.workers, flags.FlagWorkers, 0, "Worker pool size (default: parallel.max_workers, auto = one per CPU)")
	runCmd.Flags().DurationVar(&runOpts.timeout, flags.FlagTimeout, 0, "Timeout for the whole run (default: parallel.run_timeout_seconds)")
	runCmd.Flags().StringVar(&runOpts.metricsAddr, flags.FlagMetricsAddr, "", "Serve Prometheus metrics on this address during the run (e.g. :9090)")
}

// applyRunOverrides layers explicitly set flags over the loaded config.
func applyRunOverrides(cmd *cobra.Command, cfg *config.Config, o *runOptions) error {
	if cmd != nil && cmd.Flags().Changed(flags.FlagWorkers) {
		if o.workers < 1 {
			return fmt.Errorf("--%s must be >= 1", flags.FlagWorkers)
		}
		cfg.Parallel.MaxWorkers = config.WorkerCount(o.workers)
	}
	if cmd != nil && cmd.Flags().Changed(flags.FlagTimeout) {
		if o.timeout <= 0 {
			return fmt.Errorf("--%s must be > 0", flags.FlagTimeout)
		}
		cfg.Parallel.RunTimeoutSeconds = int(math.Ceil(o.timeout.Seconds()))
	}
	cfg.Runtime.Verbose = verbose
	cfg.Runtime.RecentOnly = o.recentOnly
	cfg.Runtime.Report = o.report
	cfg.Runtime.NoConsole = o.noConsole
	cfg.Runtime.MetricsAddr = o.metricsAddr
	cfg.Runtime.Emit = o.emit
	return nil
}

// executeRun returns the process exit code.
func executeRun(ctx context.Context, cmd *cobra.Command, args []string, o *runOptions) int {
	stderr := cmd.ErrOrStderr()
	logging.Init(stderr, verbose)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fatal(stderr, err)
	}
	if err := applyRunOverrides(cmd, cfg, o); err != nil {
		return fatal(stderr, err)
	}
	if err := cfg.Validate(); err != nil {
		return fatal(stderr, err)
	}

	sources, err := engine.ResolveSources(args, o.reposFile, cfg.Runtime.RecentOnly)
	if err != nil {
		return fatal(stderr, err)
	}
	if len(sources) == 0 {
		return fatal(stderr, errors.New("no repositories given (pass OWNER/REPO arguments or --repos-file)"))
	}

	token, source, err := gh.ResolveAuthToken(ctx, "")
	if err != nil {
		log.WithError(err).Warn("resolving GitHub token failed, continuing unauthenticated")
	} else if token == "" {
		log.Warn("no GitHub token found, continuing unauthenticated")
	} else {
		log.WithField("source", source).Debug("using GitHub token")
	}

	client, err := gh.NewClient(ctx, token, gh.WithVerbose(cfg.Runtime.Verbose))
	if err != nil {
		return fatal(stderr, fmt.Errorf("failed to create GitHub client: %w", err))
	}

	eng := engine.NewEngine(client)
	eng.Stdout = cmd.OutOrStdout()
	eng.Stderr = stderr
	return eng.Run(ctx, cfg, sources)
}

func fatal(w io.Writer, err error) int {
	fmt.Fprintf(w, "Error: %v\n", err)
	return engine.ExitFatal
}
