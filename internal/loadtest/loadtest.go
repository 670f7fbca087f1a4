// Package loadtest drives concurrent workloads through docsync clients.
//
// It seeds a collection of task-like documents and then simulates many
// agents querying, writing and listening at once, collecting latency
// statistics and checking that every snapshot a listener sees is
// consistent with its query.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/client"
)

// seedBatchSize stays well below the backend's per-commit write limit.
const seedBatchSize = 100

// Dataset is a seeded collection.
type Dataset struct {
	Collection string
	IDs        []string
	OpenIDs    []string
	ClosedIDs  []string
	Total      int
	ClosedPct  float64
}

// LatencyStats captures performance metrics from a workload.
type LatencyStats struct {
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	P50      time.Duration // Median
	P95      time.Duration
	P99      time.Duration
	TotalOps int
	Errors   int
}

// Seed writes numDocs documents to collection and waits until the backend
// accepted them. About closedPct of them get status "closed", the rest
// "open".
func Seed(ctx context.Context, c *client.Client, collection string, numDocs int, closedPct float64) (*Dataset, error) {
	if numDocs <= 0 {
		return nil, fmt.Errorf("numDocs must be positive, got %d", numDocs)
	}
	if closedPct < 0 || closedPct > 1 {
		return nil, fmt.Errorf("closedPct must be between 0 and 1, got %v", closedPct)
	}
	ds := &Dataset{
		Collection: collection,
		IDs:        make([]string, 0, numDocs),
		Total:      numDocs,
		ClosedPct:  closedPct,
	}

	coll := c.Collection(collection)
	if err := coll.Err(); err != nil {
		return nil, err
	}
	docs := generateDocs(numDocs, closedPct)
	for start := 0; start < len(docs); start += seedBatchSize {
		b := c.Batch()
		for _, d := range docs[start:min(start+seedBatchSize, len(docs))] {
			b.Set(coll.Doc(d.id), d.data)
		}
		if err := b.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to seed documents %d..: %w", start, err)
		}
	}

	for _, d := range docs {
		ds.IDs = append(ds.IDs, d.id)
		if d.data["status"] == "open" {
			ds.OpenIDs = append(ds.OpenIDs, d.id)
		} else {
			ds.ClosedIDs = append(ds.ClosedIDs, d.id)
		}
	}
	return ds, nil
}

type seedDoc struct {
	id   string
	data map[string]any
}

// generateDocs creates documents with a realistic spread of types and
// priorities. The same arguments always produce the same documents.
func generateDocs(count int, closedPct float64) []seedDoc {
	types := []string{"bug", "feature", "task"}
	// Weighted toward P2.
	priorities := []int64{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))

	docs := make([]seedDoc, count)
	for i := range docs {
		typ := types[i%len(types)]
		status := "open"
		if rng.Float64() < closedPct {
			status = "closed"
		}
		docs[i] = seedDoc{
			id: fmt.Sprintf("task-%05d", i),
			data: map[string]any{
				"title":    fmt.Sprintf("Task %d: %s", i, typ),
				"type":     typ,
				"priority": priorities[i%len(priorities)],
				"status":   status,
				"tags":     []any{"loadtest", fmt.Sprintf("batch-%d", i/100)},
				"created":  base.Add(time.Duration(i) * time.Minute),
				"edits":    int64(0),
			},
		}
	}
	return docs
}

// OpenQuery selects open documents by priority, like an agent looking for
// work.
func (ds *Dataset) OpenQuery(c *client.Client, limit int) *client.Query {
	q := c.Collection(ds.Collection).Where("status", "==", "open").OrderBy("priority", client.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

// RunConcurrentQueries has numAgents agents each run queriesPerAgent
// OpenQuery reads from source.
func (ds *Dataset) RunConcurrentQueries(ctx context.Context, c *client.Client, numAgents, queriesPerAgent int,
	source client.Source) (*LatencyStats, error) {
	var (
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
	)
	g, ctx := errgroup.WithContext(ctx)
	for agent := 0; agent < numAgents; agent++ {
		g.Go(func() error {
			local := make([]time.Duration, 0, queriesPerAgent)
			failed := 0
			for j := 0; j < queriesPerAgent; j++ {
				start := time.Now()
				_, err := c.Get(ctx, ds.OpenQuery(c, 20), source)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err != nil {
					failed++
					continue
				}
				local = append(local, time.Since(start))
			}
			mu.Lock()
			durations = append(durations, local...)
			errCount += failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("no successful queries completed (%d errors)", errCount)
	}
	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	return stats, nil
}

// WriteStats separates the time until a write is visible locally from the
// time until the backend acknowledged it.
type WriteStats struct {
	Local *LatencyStats
	Acked *LatencyStats
}

// RunConcurrentWrites has numAgents agents each increment the edits field
// of writesPerAgent random documents.
func (ds *Dataset) RunConcurrentWrites(ctx context.Context, c *client.Client, numAgents, writesPerAgent int) (*WriteStats, error) {
	var (
		mu          sync.Mutex
		local, ackd []time.Duration
		errCount    int
	)
	coll := c.Collection(ds.Collection)
	g, ctx := errgroup.WithContext(ctx)
	for agent := 0; agent < numAgents; agent++ {
		rng := rand.New(rand.NewSource(int64(agent)))
		g.Go(func() error {
			var l, a []time.Duration
			failed := 0
			for j := 0; j < writesPerAgent; j++ {
				ref := coll.Doc(ds.IDs[rng.Intn(len(ds.IDs))])
				start := time.Now()
				pw, err := c.Batch().
					Update(ref, []client.Update{{Path: "edits", Value: client.Increment(1)}}).
					Enqueue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed++
					continue
				}
				l = append(l, time.Since(start))
				if err := pw.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed++
					continue
				}
				a = append(a, time.Since(start))
			}
			mu.Lock()
			local = append(local, l...)
			ackd = append(ackd, a...)
			errCount += failed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(ackd) == 0 {
		return nil, fmt.Errorf("no writes were acknowledged (%d errors)", errCount)
	}
	out := &WriteStats{Local: computeLatencyStats(local), Acked: computeLatencyStats(ackd)}
	out.Local.Errors, out.Acked.Errors = errCount, errCount
	return out, nil
}

// VerifyListenConsistency runs numListeners listeners on the open query
// while writers close and reopen documents for duration. Every snapshot
// must hold only open documents, in priority order, without duplicates.
// It returns the first violation seen.
func (ds *Dataset) VerifyListenConsistency(ctx context.Context, c *client.Client, numListeners int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	violations := make(chan error, numListeners)
	var unsubscribes []func()
	defer func() {
		for _, u := range unsubscribes {
			u()
		}
	}()
	for i := 0; i < numListeners; i++ {
		listener := i
		u, err := c.Listen(ds.OpenQuery(c, 0), client.ListenOptions{}, func(s *client.QuerySnapshot, err error) {
			if err == nil {
				err = checkOpenSnapshot(s)
			}
			if err != nil {
				select {
				case violations <- fmt.Errorf("listener %d: %w", listener, err):
				default:
				}
			}
		})
		if err != nil {
			return err
		}
		unsubscribes = append(unsubscribes, u)
	}

	coll := c.Collection(ds.Collection)
	rng := rand.New(rand.NewSource(7))
	for {
		select {
		case err := <-violations:
			return err
		case <-ctx.Done():
			select {
			case err := <-violations:
				return err
			default:
				return nil
			}
		default:
		}
		status := "open"
		if rng.Intn(2) == 0 {
			status = "closed"
		}
		ref := coll.Doc(ds.IDs[rng.Intn(len(ds.IDs))])
		if _, err := c.Batch().Update(ref, []client.Update{{Path: "status", Value: status}}).Enqueue(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("writer failed: %w", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func checkOpenSnapshot(s *client.QuerySnapshot) error {
	seen := make(map[string]bool, len(s.Docs))
	prev := int64(-1)
	for _, d := range s.Docs {
		if seen[d.ID()] {
			return fmt.Errorf("document %s appears twice", d.ID())
		}
		seen[d.ID()] = true
		data := d.Data()
		if data["status"] != "open" {
			return fmt.Errorf("non-open document %s in open query (status: %v)", d.ID(), data["status"])
		}
		p, _ := data["priority"].(int64)
		if p < prev {
			return fmt.Errorf("document %s (priority %d) after priority %d", d.ID(), p, prev)
		}
		prev = p
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return &LatencyStats{
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Mean:     sum / time.Duration(len(durations)),
		P50:      sorted[len(sorted)*50/100],
		P95:      sorted[len(sorted)*95/100],
		P99:      sorted[len(sorted)*99/100],
		TotalOps: len(durations),
	}
}

// Print writes the statistics under a title.
func (s *LatencyStats) Print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Operations:    %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
