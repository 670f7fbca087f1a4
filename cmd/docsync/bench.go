package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/loadtest"
	"github.com/steveyegge/docsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "backend",
	Short:   "Measure query, write and listen performance against a backend",
	Long: `Seed a collection with task-like documents, then simulate concurrent agents
reading, writing and listening through one client.

Workloads:
  queries  - agents run the "open tasks by priority" query (from --source)
  writes   - agents increment counters; local and acknowledged latency
  listen   - listeners check every snapshot while writers flip statuses

Examples:
  # Default settings against a local backend
  docsync serve &
  docsync --emulator localhost:8080 --backend memory bench

  # 50 agents, 2000 documents, cache-only reads
  docsync --emulator localhost:8080 bench --agents 50 --docs 2000 --source cache

  # Output as JSON
  docsync --emulator localhost:8080 bench -o json`,
	Run: func(cmd *cobra.Command, args []string) {
		agents, _ := cmd.Flags().GetInt("agents")
		docs, _ := cmd.Flags().GetInt("docs")
		ops, _ := cmd.Flags().GetInt("ops")
		closed, _ := cmd.Flags().GetFloat64("closed")
		collection, _ := cmd.Flags().GetString("collection")
		listenFor, _ := cmd.Flags().GetDuration("listen-for")
		s, _ := cmd.Flags().GetString("source")

		if agents <= 0 {
			fatalf("--agents must be positive")
		}
		if docs <= 0 {
			fatalf("--docs must be positive")
		}
		if ops <= 0 {
			fatalf("--ops must be positive")
		}
		if closed < 0 || closed > 1 {
			fatalf("--closed must be between 0.0 and 1.0")
		}
		source, err := client.ParseSource(s)
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		c, err := openClient(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeClient(c, 0)

		text := outFormat == "text"
		if text {
			fmt.Printf("%s Seeding %d documents into %s...\n", ui.RenderAccent("🔄"), docs, collection)
		}
		start := time.Now()
		ds, err := loadtest.Seed(ctx, c, collection, docs, closed)
		if err != nil {
			closeClient(c, 0)
			fatalf("%v", err)
		}
		seedTime := time.Since(start)

		queries, err := ds.RunConcurrentQueries(ctx, c, agents, ops, source)
		if err != nil {
			closeClient(c, 0)
			fatalf("query workload failed: %v", err)
		}
		writes, err := ds.RunConcurrentWrites(ctx, c, agents, ops)
		if err != nil {
			closeClient(c, 0)
			fatalf("write workload failed: %v", err)
		}
		listenErr := ds.VerifyListenConsistency(ctx, c, agents, listenFor)

		if !text {
			result := map[string]any{
				"config": map[string]any{
					"agents": agents, "docs": docs, "ops_per_agent": ops,
					"closed_pct": closed, "source": source.String(),
				},
				"seed_ms":      seedTime.Milliseconds(),
				"queries":      queries,
				"writes_local": writes.Local,
				"writes_acked": writes.Acked,
				"listen_ok":    listenErr == nil,
			}
			if listenErr != nil {
				result["listen_error"] = listenErr.Error()
			}
			if err := (printer{w: os.Stdout, format: outFormat}).encode(result); err != nil {
				fatalf("%v", err)
			}
		} else {
			fmt.Printf("%s Seeded in %v (%d open, %d closed)\n\n", ui.RenderPass("✓"),
				seedTime.Round(time.Millisecond), len(ds.OpenIDs), len(ds.ClosedIDs))
			queries.Print(os.Stdout, fmt.Sprintf("Queries (%d agents x %d, source %s)", agents, ops, source))
			fmt.Println()
			writes.Local.Print(os.Stdout, "Writes, visible locally")
			fmt.Println()
			writes.Acked.Print(os.Stdout, "Writes, acknowledged")
			fmt.Println()
			if listenErr == nil {
				fmt.Printf("%s Listeners saw consistent snapshots for %v\n", ui.RenderPass("✓"), listenFor)
			}
		}
		if listenErr != nil {
			closeClient(c, 0)
			fatalf("listen consistency: %v", listenErr)
		}
	},
}

func init() {
	benchCmd.Flags().Int("agents", 10, "Number of concurrent agents to simulate")
	benchCmd.Flags().Int("docs", 500, "Number of documents to seed")
	benchCmd.Flags().Int("ops", 10, "Operations per agent in each workload")
	benchCmd.Flags().Float64("closed", 0.3, "Share of seeded documents that are closed (0.0-1.0)")
	benchCmd.Flags().String("collection", "bench-tasks", "Collection to seed")
	benchCmd.Flags().Duration("listen-for", 2*time.Second, "How long the listen workload runs")
	benchCmd.Flags().String("source", "default", "Where queries read from: default, server or cache")
	rootCmd.AddCommand(benchCmd)
}
