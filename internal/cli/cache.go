package cli

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"repopulse/internal/config"
	"repopulse/internal/engine"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the on-disk cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache location and size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return cacheStats(cmd.OutOrStdout(), cfg)
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cached responses, clone records and materialized clones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return cachePurge(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}

func cacheStats(w io.Writer, cfg *config.Config) error {
	if !cfg.Cache.Enabled {
		fmt.Fprintln(w, "cache disabled")
		return nil
	}
	store, err := engine.NewCacheStore(cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	st := store.Stats()
	fmt.Fprintf(w, "directory   %s\n", cfg.Cache.Directory)
	fmt.Fprintf(w, "entries     %s\n", humanize.Comma(int64(st.DiskEntries)))
	fmt.Fprintf(w, "size        %s\n", humanize.IBytes(uint64(st.DiskBytes)))
	fmt.Fprintf(w, "clones      %s\n", humanize.IBytes(uint64(dirSize(cfg.Git.WorkDir))))
	fmt.Fprintf(w, "references  %s\n", humanize.IBytes(uint64(dirSize(cfg.Git.ReferenceDir))))
	return nil
}

func cachePurge(w io.Writer, cfg *config.Config) error {
	if cfg.Cache.Enabled {
		store, err := engine.NewCacheStore(cfg, nil)
		if err != nil {
			return err
		}
		entries := store.Stats().DiskEntries
		if err := store.Purge(); err != nil {
			store.Close()
			return fmt.Errorf("purge cache: %w", err)
		}
		if err := store.Close(); err != nil {
			return err
		}
		fmt.Fprintf(w, "removed %s cache entries\n", humanize.Comma(int64(entries)))
	}
	for _, dir := range []string{cfg.Git.WorkDir, cfg.Git.ReferenceDir} {
		if dir == "" {
			continue
		}
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
		if size > 0 {
			fmt.Fprintf(w, "removed %s (%s)\n", dir, humanize.IBytes(uint64(size)))
		}
	}
	return nil
}

// dirSize sums regular files under dir. A missing dir has size zero.
func dirSize(dir string) int64 {
	if dir == "" {
		return 0
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
