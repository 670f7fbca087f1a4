package persistence

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/btree"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
)

// LruParams tunes least-recently-used garbage collection.
type LruParams struct {
	// CacheSizeCollectionThreshold is the cache size in bytes below which
	// collection is skipped. CacheSizeUnlimited disables collection.
	CacheSizeCollectionThreshold int64

	// PercentileToCollect is the share of sequence numbers (targets plus
	// orphaned documents) collected per run.
	PercentileToCollect int

	// MaximumSequenceNumbersToCollect caps a single run.
	MaximumSequenceNumbersToCollect int
}

// CacheSizeUnlimited disables garbage collection.
const CacheSizeUnlimited int64 = -1

// DefaultLruParams collects 10% of sequence numbers (at most 1000) once the
// cache exceeds 40 MiB.
func DefaultLruParams() LruParams {
	return LruParams{
		CacheSizeCollectionThreshold:    40 * 1024 * 1024,
		PercentileToCollect:             10,
		MaximumSequenceNumbersToCollect: 1000,
	}
}

// LruResults reports what a collection run did.
type LruResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// LruDelegate is the backend-specific half of LRU collection.
type LruDelegate interface {
	// GetSequenceNumberCount returns the number of targets plus orphaned
	// documents.
	GetSequenceNumberCount(txn Transaction) (int, error)
	ForEachTarget(txn Transaction, fn func(*TargetData)) error
	ForEachOrphanedDocumentSequenceNumber(txn Transaction, fn func(model.ListenSequenceNumber)) error
	RemoveTargets(txn Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error)
	RemoveOrphanedDocuments(txn Transaction, upperBound model.ListenSequenceNumber) (int, error)
	GetCacheSize(txn Transaction) (int64, error)
}

// LruGarbageCollector removes the least recently used targets and the
// documents only they referenced.
type LruGarbageCollector struct {
	delegate LruDelegate
	params   LruParams
	logger   *log.Logger
}

// NewLruGarbageCollector returns a collector. If logger is nil, a default
// logger writing to stderr is used.
func NewLruGarbageCollector(delegate LruDelegate, params LruParams, logger *log.Logger) *LruGarbageCollector {
	if logger == nil {
		logger = log.New(os.Stderr, "[lru] ", log.LstdFlags)
	}
	return &LruGarbageCollector{delegate: delegate, params: params, logger: logger}
}

// Params returns the collector configuration.
func (g *LruGarbageCollector) Params() LruParams { return g.params }

// CalculateTargetCount returns how many sequence numbers percentile
// percent of the cache covers.
func (g *LruGarbageCollector) CalculateTargetCount(txn Transaction, percentile int) (int, error) {
	count, err := g.delegate.GetSequenceNumberCount(txn)
	if err != nil {
		return 0, err
	}
	return count * percentile / 100, nil
}

// NthSequenceNumber returns the n-th smallest sequence number among targets
// and orphaned documents, or InvalidSequenceNumber when n is 0.
func (g *LruGarbageCollector) NthSequenceNumber(txn Transaction, n int) (model.ListenSequenceNumber, error) {
	if n == 0 {
		return model.InvalidSequenceNumber, nil
	}
	// Keep the n smallest numbers seen so far. Duplicates count once each,
	// so they are stored with a tie-breaking counter.
	type entry struct {
		seq model.ListenSequenceNumber
		ord int
	}
	smallest := btree.NewG(16, func(a, b entry) bool {
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.ord < b.ord
	})
	ord := 0
	add := func(seq model.ListenSequenceNumber) {
		ord++
		if smallest.Len() < n {
			smallest.ReplaceOrInsert(entry{seq, ord})
			return
		}
		if largest, ok := smallest.Max(); ok && seq < largest.seq {
			smallest.DeleteMax()
			smallest.ReplaceOrInsert(entry{seq, ord})
		}
	}
	if err := g.delegate.ForEachTarget(txn, func(t *TargetData) { add(t.SequenceNumber) }); err != nil {
		return 0, err
	}
	if err := g.delegate.ForEachOrphanedDocumentSequenceNumber(txn, add); err != nil {
		return 0, err
	}
	largest, ok := smallest.Max()
	if !ok {
		return model.InvalidSequenceNumber, nil
	}
	return largest.seq, nil
}

// Collect runs garbage collection unless it is disabled or the cache is
// below the size threshold. Targets in activeTargetIDs are never removed.
func (g *LruGarbageCollector) Collect(txn Transaction, activeTargetIDs map[model.TargetID]bool) (LruResults, error) {
	if g.params.CacheSizeCollectionThreshold == CacheSizeUnlimited {
		logging.Debugf(g.logger, "Garbage collection skipped; disabled")
		return LruResults{}, nil
	}
	size, err := g.delegate.GetCacheSize(txn)
	if err != nil {
		return LruResults{}, fmt.Errorf("failed to read cache size: %w", err)
	}
	if size < g.params.CacheSizeCollectionThreshold {
		logging.Debugf(g.logger, "Garbage collection skipped; cache size %d is lower than threshold %d",
			size, g.params.CacheSizeCollectionThreshold)
		return LruResults{}, nil
	}
	return g.runGarbageCollection(txn, activeTargetIDs)
}

func (g *LruGarbageCollector) runGarbageCollection(txn Transaction, activeTargetIDs map[model.TargetID]bool) (LruResults, error) {
	count, err := g.CalculateTargetCount(txn, g.params.PercentileToCollect)
	if err != nil {
		return LruResults{}, err
	}
	if count > g.params.MaximumSequenceNumbersToCollect {
		g.logger.Printf("Capping sequence numbers to collect down to the maximum of %d from %d",
			g.params.MaximumSequenceNumbersToCollect, count)
		count = g.params.MaximumSequenceNumbersToCollect
	}
	upperBound, err := g.NthSequenceNumber(txn, count)
	if err != nil {
		return LruResults{}, err
	}
	targets, err := g.delegate.RemoveTargets(txn, upperBound, activeTargetIDs)
	if err != nil {
		return LruResults{}, fmt.Errorf("failed to remove targets: %w", err)
	}
	docs, err := g.delegate.RemoveOrphanedDocuments(txn, upperBound)
	if err != nil {
		return LruResults{}, fmt.Errorf("failed to remove orphaned documents: %w", err)
	}
	g.logger.Printf("LRU garbage collection: counted %d sequence numbers up to %d, removed %d targets and %d documents",
		count, upperBound, targets, docs)
	return LruResults{
		DidRun:                   true,
		SequenceNumbersCollected: count,
		TargetsRemoved:           targets,
		DocumentsRemoved:         docs,
	}, nil
}

// CollectGarbage runs Collect inside a primary transaction of p, which must
// use an LRU reference delegate.
func CollectGarbage(ctx context.Context, p Persistence, gc *LruGarbageCollector, activeTargetIDs map[model.TargetID]bool) (LruResults, error) {
	var results LruResults
	err := p.RunTransaction(ctx, "Collect garbage", ReadWritePrimary, func(txn Transaction) error {
		var err error
		results, err = gc.Collect(txn, activeTargetIDs)
		return err
	})
	return results, err
}
