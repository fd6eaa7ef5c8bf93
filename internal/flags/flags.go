package flags

// Package flags defines canonical CLI flag names shared across the CLI and its
// tests. Keeping these as constants helps avoid drift between Cobra flag wiring
// and the code that checks which flags were set explicitly.
// IMPORTANT: These are flag *names* without leading dashes.
// Example usage:
//
//	cmd.Flags().IntVar(&opts.workers, flags.FlagWorkers, 0, "...")
//	if cmd.Flags().Changed(flags.FlagWorkers) { ... }
const (
	// Inputs
	FlagConfig     = "config"
	FlagReposFile  = "repos-file"
	FlagRecentOnly = "recent-only"

	// Output
	FlagReport    = "report"
	FlagEmit      = "emit"
	FlagNoConsole = "no-console"

	// Runtime
	FlagWorkers     = "workers"
	FlagTimeout     = "timeout"
	FlagMetricsAddr = "metrics-addr"
	FlagVerbose     = "verbose"
)
