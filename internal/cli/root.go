package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"repopulse/internal/config"
	"repopulse/internal/flags"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// Global flags.
var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "repopulse",
	Short: "Analyze many git repositories in parallel and report where the time went",
	Long: `RepoPulse clones or refreshes a batch of git repositories, analyzes each one
on a bounded worker pool, and writes a performance report covering timings,
memory, cache effectiveness and API usage.

Examples:
	# Show available commands and global flags
	repopulse --help

	# Analyze two repositories
	repopulse run acme/api https://github.com/acme/web

	# Inspect the on-disk cache
	repopulse cache stats

	# Print build info
	repopulse version

Output:
	A colored summary goes to stderr. Structured output is available through
	--report (a JSON file) and --emit (json or ndjson on stdout).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, flags.FlagConfig, "", "Path to a YAML config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&verbose, flags.FlagVerbose, false, "Enable verbose logging (debug level and full error details)")
}

// loadConfig reads path over the defaults and validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
