package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "backend",
	Short:   "Inspect and maintain the local cache",
	Long: `Manage the local cache that keeps documents and pending writes across
restarts. The cache is a SQLite database (by default under the user cache
directory) shared by every docsync process on this machine; one of them
holds the primary lease at a time.`,
}

// cacheReport is the printable form of client.CacheStatus.
type cacheReport struct {
	Backend         string `json:"backend" yaml:"backend"`
	Path            string `json:"path,omitempty" yaml:"path,omitempty"`
	FileSizeBytes   int64  `json:"file_size_bytes,omitempty" yaml:"file_size_bytes,omitempty"`
	ClientID        string `json:"client_id" yaml:"client_id"`
	Primary         bool   `json:"primary" yaml:"primary"`
	OnlineState     string `json:"online_state" yaml:"online_state"`
	PendingWrites   bool   `json:"pending_writes" yaml:"pending_writes"`
	CacheSizeBytes  int64  `json:"cache_size_bytes" yaml:"cache_size_bytes"`
	SequenceNumbers int    `json:"sequence_numbers" yaml:"sequence_numbers"`
	GCThreshold     int64  `json:"gc_threshold_bytes" yaml:"gc_threshold_bytes"`
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache status",
	Long: `Display the current status of the local cache.

Shows:
  - Backend, file location and size
  - Whether this process holds the primary lease
  - Whether writes are waiting for the backend
  - Cache size as counted by garbage collection`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c, err := openClient(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeClient(c, 0)

		if err := runCacheStatus(ctx, c, printer{w: os.Stdout, format: outFormat}); err != nil {
			fatalf("%v", err)
		}
	},
}

func runCacheStatus(ctx context.Context, c *client.Client, p printer) error {
	st, err := c.CacheStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache status: %w", err)
	}
	r := cacheReport{
		Backend:         st.Backend,
		Path:            st.Path,
		ClientID:        st.Stats.ClientID,
		Primary:         st.Primary,
		OnlineState:     st.OnlineState,
		PendingWrites:   st.PendingWrites,
		CacheSizeBytes:  st.Stats.CacheSizeBytes,
		SequenceNumbers: st.Stats.SequenceNumbers,
		GCThreshold:     st.Stats.Lru.CacheSizeCollectionThreshold,
	}
	if st.Path != "" {
		if info, err := os.Stat(st.Path); err == nil {
			r.FileSizeBytes = info.Size()
		}
	}
	if p.format != "text" {
		return p.encode(r)
	}
	return printCacheReport(p.w, r)
}

func printCacheReport(w io.Writer, r cacheReport) error {
	fields := map[string]string{
		"Backend":        r.Backend,
		"Client":         r.ClientID,
		"Primary":        strconv.FormatBool(r.Primary),
		"Network":        r.OnlineState,
		"Pending writes": strconv.FormatBool(r.PendingWrites),
		"Cache size":     ui.FormatBytes(r.CacheSizeBytes),
	}
	if r.Path != "" {
		fields["Location"] = r.Path
		fields["File size"] = ui.FormatBytes(r.FileSizeBytes)
	}
	if r.SequenceNumbers >= 0 {
		fields["Sequence numbers"] = strconv.Itoa(r.SequenceNumbers)
	}
	switch {
	case r.GCThreshold == persistence.CacheSizeUnlimited:
		fields["GC threshold"] = "disabled"
	case r.CacheSizeBytes >= 0:
		fields["GC threshold"] = ui.FormatBytes(r.GCThreshold)
	}

	fmt.Fprintf(w, "\n%s Local Cache Status\n\n", ui.RenderAccent("📊"))
	if _, err := io.WriteString(w, ui.RenderFields(fields)); err != nil {
		return err
	}
	if r.PendingWrites {
		fmt.Fprintf(w, "\n%s Some writes have not reached the backend yet\n", ui.RenderWarn("⚠"))
	}
	_, err := fmt.Fprintln(w)
	return err
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect unused documents and targets from the cache",
	Long: `Run LRU garbage collection now instead of waiting for the periodic run.
Documents that belong to active listeners or have pending writes are kept.
Collection is not available for the memory backend in eager mode.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c, err := openClient(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeClient(c, 0)

		results, err := c.CollectGarbage(ctx)
		if err != nil {
			closeClient(c, 0)
			fatalf("garbage collection failed: %v", err)
		}
		if outFormat != "text" {
			if err := (printer{w: os.Stdout, format: outFormat}).encode(results); err != nil {
				fatalf("%v", err)
			}
			return
		}
		if !results.DidRun {
			fmt.Printf("%s Cache is below the collection threshold; nothing collected\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s Garbage collection complete\n", ui.RenderPass("✓"))
		fmt.Printf("   Sequence numbers: %d\n", results.SequenceNumbersCollected)
		fmt.Printf("   Targets removed: %d\n", results.TargetsRemoved)
		fmt.Printf("   Documents removed: %d\n", results.DocumentsRemoved)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the local cache",
	Long: `Delete the SQLite cache file, including writes that never reached the
backend. Fails while another docsync process is using the cache.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		if cfg.Persistence.Backend != config.BackendSQLite {
			fmt.Printf("%s The %s backend keeps nothing on disk\n", ui.RenderPass("✓"), cfg.Persistence.Backend)
			return
		}
		if !yes {
			ok, err := ui.Confirm("Delete the local cache?",
				fmt.Sprintf("%s and any writes not yet sent will be lost.", cfg.Persistence.Path))
			if err != nil {
				fatalf("%v", err)
			}
			if !ok {
				fmt.Fprintf(os.Stderr, "Aborted. Pass --yes to clear without a prompt.\n")
				os.Exit(1)
			}
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := client.ClearPersistence(ctx, cfg); err != nil {
			fatalf("failed to clear cache: %v", err)
		}
		fmt.Printf("%s Cleared %s\n", ui.RenderPass("✓"), cfg.Persistence.Path)
	},
}

func init() {
	cacheClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheGCCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
