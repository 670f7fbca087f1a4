package local

import (
	"log"
	"os"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// QueryEngineConfig tunes automatic index creation.
type QueryEngineConfig struct {
	// IndexAutoCreation creates a field index for queries whose full scans
	// read many more documents than they return.
	IndexAutoCreation bool

	// RelativeIndexReadCost is how much more a document read through an
	// index costs than one read by a scan. An index is created once a scan
	// reads more than RelativeIndexReadCost documents per result.
	RelativeIndexReadCost float64

	// IndexAutoCreationMinCollectionSize is the number of documents a scan
	// must read before an index is considered.
	IndexAutoCreationMinCollectionSize int

	Logger *log.Logger
}

// Relative index read costs for standard and constrained devices.
const (
	DefaultRelativeIndexReadCost     = 2.0
	ConstrainedRelativeIndexReadCost = 1.5
)

// DefaultQueryEngineConfig returns the standard-device settings.
func DefaultQueryEngineConfig() QueryEngineConfig {
	return QueryEngineConfig{
		IndexAutoCreation:                  true,
		RelativeIndexReadCost:              DefaultRelativeIndexReadCost,
		IndexAutoCreationMinCollectionSize: 100,
	}
}

// QueryEngine answers queries from the local cache. It tries, in order, a
// field index, the previous result set of the query's target, and a full
// collection scan.
type QueryEngine struct {
	cfg            QueryEngineConfig
	logger         *log.Logger
	localDocuments *LocalDocumentsView
	indexManager   persistence.IndexManager
}

// NewQueryEngine returns an engine that must be initialized before use.
func NewQueryEngine(cfg QueryEngineConfig) *QueryEngine {
	if cfg.RelativeIndexReadCost <= 0 {
		cfg.RelativeIndexReadCost = DefaultRelativeIndexReadCost
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[query] ", log.LstdFlags)
	}
	return &QueryEngine{cfg: cfg, logger: cfg.Logger}
}

// Initialize points the engine at the current user's stores.
func (e *QueryEngine) Initialize(localDocuments *LocalDocumentsView, indexManager persistence.IndexManager) {
	e.localDocuments = localDocuments
	e.indexManager = indexManager
}

// SetIndexAutoCreation toggles automatic index creation.
func (e *QueryEngine) SetIndexAutoCreation(enabled bool) { e.cfg.IndexAutoCreation = enabled }

// GetDocumentsMatchingQuery returns every document in the local view that
// matches q, ignoring its limit. remoteKeys are the keys the server last
// reported for q's target as of lastLimboFreeSnapshotVersion; a minimum
// version means no such result is known.
func (e *QueryEngine) GetDocumentsMatchingQuery(txn persistence.Transaction, q query.Query, lastLimboFreeSnapshotVersion model.SnapshotVersion, remoteKeys model.DocumentKeySet) (model.DocumentMap, error) {
	if e.localDocuments == nil {
		panic("local: query engine used before Initialize")
	}
	docs, ok, err := e.performQueryUsingIndex(txn, q)
	if err != nil || ok {
		return docs, err
	}
	docs, ok, err = e.performQueryUsingRemoteKeys(txn, q, remoteKeys, lastLimboFreeSnapshotVersion)
	if err != nil || ok {
		return docs, err
	}
	qc := &persistence.QueryContext{}
	docs, err = e.localDocuments.GetDocumentsMatchingQuery(txn, q, persistence.InitialOffset, qc)
	if err != nil {
		return nil, err
	}
	if e.cfg.IndexAutoCreation {
		e.createCacheIndexes(txn, q, qc, len(docs))
	}
	return docs, nil
}

func (e *QueryEngine) createCacheIndexes(txn persistence.Transaction, q query.Query, qc *persistence.QueryContext, resultSize int) {
	if qc.DocumentReadCount < e.cfg.IndexAutoCreationMinCollectionSize {
		return
	}
	if float64(qc.DocumentReadCount) <= e.cfg.RelativeIndexReadCost*float64(resultSize) {
		return
	}
	if err := e.indexManager.CreateTargetIndexes(txn, q.ToTarget()); err != nil {
		// Indexes only speed queries up; the scan result stands.
		e.logger.Printf("Warning: failed to create index for %s: %v", q, err)
		return
	}
	e.logger.Printf("Query %s scanned %d documents and returned %d; indexing it", q, qc.DocumentReadCount, resultSize)
}

// performQueryUsingIndex answers q from field index candidates plus every
// document with a pending local change.
func (e *QueryEngine) performQueryUsingIndex(txn persistence.Transaction, q query.Query) (model.DocumentMap, bool, error) {
	if q.MatchesAllDocuments() || q.IsDocumentQuery() {
		return nil, false, nil
	}
	target := q.WithLimit(query.NoLimit, query.LimitFirst).ToTarget()
	typ, err := e.indexManager.GetIndexType(txn, target)
	if err != nil || typ == persistence.IndexNone {
		return nil, false, err
	}
	candidates, err := e.indexManager.GetDocumentsMatchingTarget(txn, target)
	if err != nil {
		return nil, false, err
	}
	keys, err := e.localDocuments.overlayKeys(txn, q)
	if err != nil {
		return nil, false, err
	}
	for _, k := range candidates {
		keys = keys.Add(k)
	}
	docs, err := e.localDocuments.GetDocuments(txn, keys)
	if err != nil {
		return nil, false, err
	}
	out := make(model.DocumentMap)
	for key, doc := range docs {
		if q.Matches(doc) {
			out[key] = doc
		}
	}
	return out, true, nil
}

// performQueryUsingRemoteKeys reuses the target's last limbo-free result
// and only scans documents changed since. It declines when the reused
// result might be missing documents.
func (e *QueryEngine) performQueryUsingRemoteKeys(txn persistence.Transaction, q query.Query, remoteKeys model.DocumentKeySet, lastLimboFreeSnapshotVersion model.SnapshotVersion) (model.DocumentMap, bool, error) {
	if q.MatchesAllDocuments() {
		// A full scan is as fast as an index-free incremental one.
		return nil, false, nil
	}
	if lastLimboFreeSnapshotVersion.IsMin() {
		return nil, false, nil
	}
	docs, err := e.localDocuments.GetDocuments(txn, remoteKeys)
	if err != nil {
		return nil, false, err
	}
	previous := applyQuery(q, docs)
	if q.HasLimit() && needsRefill(q, previous, remoteKeys, lastLimboFreeSnapshotVersion) {
		return nil, false, nil
	}
	remaining, err := e.localDocuments.GetDocumentsMatchingQuery(txn, q, persistence.NewReadTimeOffset(lastLimboFreeSnapshotVersion), nil)
	if err != nil {
		return nil, false, err
	}
	previous.ForEach(func(doc *model.MutableDocument) bool {
		remaining[doc.Key] = doc
		return true
	})
	return remaining, true, nil
}

func applyQuery(q query.Query, docs model.DocumentMap) model.DocumentSet {
	set := model.NewDocumentSet(q.Comparator())
	for _, doc := range docs {
		if q.Matches(doc) {
			set = set.Add(doc)
		}
	}
	return set
}

// needsRefill reports whether a limit query's previous results may no
// longer hold the documents at the limit edge: a document left the result,
// or the edge document changed after the result was computed.
func needsRefill(q query.Query, previous model.DocumentSet, remoteKeys model.DocumentKeySet, limboFreeVersion model.SnapshotVersion) bool {
	if remoteKeys.Len() != previous.Len() {
		return true
	}
	var edge *model.MutableDocument
	if q.LimitType == query.LimitFirst {
		edge = previous.Last()
	} else {
		edge = previous.First()
	}
	if edge == nil {
		return false
	}
	return edge.HasPendingWrites() || edge.Version.After(limboFreeVersion)
}
