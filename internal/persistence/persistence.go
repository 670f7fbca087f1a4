// Package persistence is the local cache: durable storage for remote
// documents, the mutation queue, document overlays, target metadata and
// query indexes.
//
// Two backends implement Persistence:
//   - MemoryPersistence keeps everything in btrees and maps for the life of
//     the process. It is the fallback when durable storage is unavailable.
//   - SQLitePersistence stores the cache in a SQLite database (WAL mode) that
//     several processes may share. Exactly one of them holds the primary
//     lease and runs the watch connection and garbage collection.
//
// Every read and write happens inside RunTransaction. A transaction either
// commits all of its changes or none.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

// TxnMode declares what a transaction may do.
type TxnMode int

const (
	// ReadOnly transactions never write.
	ReadOnly TxnMode = iota
	// ReadWrite transactions may write but do not need the primary lease.
	ReadWrite
	// ReadWritePrimary transactions fail with ErrPrimaryLeaseLost unless
	// this client holds the primary lease.
	ReadWritePrimary
)

func (m TxnMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case ReadWritePrimary:
		return "readwrite-primary"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

var (
	// ErrPrimaryLeaseLost is returned by ReadWritePrimary transactions
	// started after another client took over the primary lease. It is an
	// expected state transition, not a failure.
	ErrPrimaryLeaseLost = errors.New("primary lease lost")

	// ErrNotStarted is returned by transactions on a persistence that was
	// never started or was shut down.
	ErrNotStarted = errors.New("persistence is not started")
)

// TransactionError tags storage-level failures. Retryable errors (lock
// contention, a busy database) can be retried as a whole transaction;
// others indicate corrupt or unreadable data.
type TransactionError struct {
	Action    string
	Err       error
	retryable bool
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %q failed: %v", e.Action, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Retryable reports whether the transaction may succeed if retried.
func (e *TransactionError) Retryable() bool { return e.retryable }

// IsPrimaryLeaseLost reports whether err means the primary lease is gone.
func IsPrimaryLeaseLost(err error) bool { return errors.Is(err, ErrPrimaryLeaseLost) }

// Transaction is the handle passed to every store operation.
type Transaction interface {
	// CurrentSequenceNumber is the listen sequence number assigned to the
	// transaction, or InvalidSequenceNumber outside primary transactions.
	CurrentSequenceNumber() model.ListenSequenceNumber

	// AddOnCommittedListener runs fn after the transaction commits.
	AddOnCommittedListener(fn func())
}

// Persistence is a local cache backend.
type Persistence interface {
	// Start opens the backend and, for shared backends, tries to acquire
	// the primary lease.
	Start(ctx context.Context) error
	Shutdown() error
	Started() bool

	// ClientID identifies this client among those sharing the backend.
	ClientID() string

	// SetPrimaryStateListener registers fn, called with the initial primary
	// state and whenever it changes.
	SetPrimaryStateListener(fn func(isPrimary bool))

	// SetNetworkEnabled records whether this client has its network on.
	SetNetworkEnabled(enabled bool)

	RunTransaction(ctx context.Context, action string, mode TxnMode, fn func(txn Transaction) error) error

	MutationQueue(user auth.User, indexManager IndexManager) MutationQueue
	DocumentOverlayCache(user auth.User) DocumentOverlayCache
	IndexManager(user auth.User) IndexManager
	TargetCache() TargetCache
	RemoteDocumentCache() RemoteDocumentCache
	ReferenceDelegate() ReferenceDelegate

	// GarbageCollector returns the LRU collector, or nil when the backend
	// collects eagerly.
	GarbageCollector() *LruGarbageCollector
}

// MutationQueue is the per-user queue of pending write batches.
type MutationQueue interface {
	CheckEmpty(txn Transaction) (bool, error)

	// AddMutationBatch assigns the next batch id and stores the batch,
	// indexed by every key it writes.
	AddMutationBatch(txn Transaction, localWriteTime model.Timestamp, baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error)

	// AcknowledgeBatch records the stream token returned with batch's
	// acknowledgement.
	AcknowledgeBatch(txn Transaction, batch *mutation.Batch, streamToken []byte) error

	LookupMutationBatch(txn Transaction, id model.BatchID) (*mutation.Batch, error)

	// GetNextMutationBatchAfterBatchID returns the first batch with an id
	// greater than id, or nil.
	GetNextMutationBatchAfterBatchID(txn Transaction, id model.BatchID) (*mutation.Batch, error)

	// GetHighestUnacknowledgedBatchID returns UnknownBatchID when empty.
	GetHighestUnacknowledgedBatchID(txn Transaction) (model.BatchID, error)

	GetAllMutationBatches(txn Transaction) ([]*mutation.Batch, error)
	GetAllMutationBatchesAffectingDocumentKey(txn Transaction, key model.DocumentKey) ([]*mutation.Batch, error)
	GetAllMutationBatchesAffectingDocumentKeys(txn Transaction, keys model.DocumentKeySet) ([]*mutation.Batch, error)
	GetAllMutationBatchesAffectingQuery(txn Transaction, q query.Query) ([]*mutation.Batch, error)

	// RemoveMutationBatch deletes batch, which must be the oldest batch in
	// the queue.
	RemoveMutationBatch(txn Transaction, batch *mutation.Batch) error

	ContainsKey(txn Transaction, key model.DocumentKey) (bool, error)

	GetLastStreamToken(txn Transaction) ([]byte, error)
	SetLastStreamToken(txn Transaction, token []byte) error

	// PerformConsistencyCheck verifies that an empty queue has no leftover
	// key index entries.
	PerformConsistencyCheck(txn Transaction) error
}

// RemoteDocumentCache holds the last known server state of documents.
// Writes go through a RemoteDocumentChangeBuffer.
type RemoteDocumentCache interface {
	SetIndexManager(m IndexManager)

	// GetEntry returns the cached document, or an invalid document when the
	// key is not cached.
	GetEntry(txn Transaction, key model.DocumentKey) (*model.MutableDocument, error)
	GetEntries(txn Transaction, keys model.DocumentKeySet) (model.DocumentMap, error)

	// GetDocumentsMatchingQuery scans the collection of q and returns found
	// documents read after offset that match q, plus every document whose
	// key is in mutated regardless of whether it matches. Every document
	// read is counted in qc, which may be nil.
	GetDocumentsMatchingQuery(txn Transaction, q query.Query, offset IndexOffset, mutated model.DocumentKeySet, qc *QueryContext) (model.DocumentMap, error)

	// GetAllFromCollectionGroup returns up to limit documents of the
	// collection group ordered by read time after offset.
	GetAllFromCollectionGroup(txn Transaction, collectionGroup string, offset IndexOffset, limit int) (model.DocumentMap, error)

	// GetSize returns the approximate byte size of the cached documents.
	GetSize(txn Transaction) (int64, error)

	NewChangeBuffer() *RemoteDocumentChangeBuffer

	setEntry(txn Transaction, doc *model.MutableDocument) error
	removeEntry(txn Transaction, key model.DocumentKey) error
}

// QueryContext collects statistics about one query execution.
type QueryContext struct {
	// DocumentReadCount is the number of remote documents read.
	DocumentReadCount int
}

func (qc *QueryContext) countRead() {
	if qc != nil {
		qc.DocumentReadCount++
	}
}

// DocumentOverlayCache stores the collapsed local mutation per document.
type DocumentOverlayCache interface {
	// GetOverlay returns nil when key has no overlay.
	GetOverlay(txn Transaction, key model.DocumentKey) (*mutation.Overlay, error)
	GetOverlays(txn Transaction, keys []model.DocumentKey) (map[model.DocumentKey]*mutation.Overlay, error)

	// SaveOverlays stores overlays computed while applying batch
	// largestBatchID.
	SaveOverlays(txn Transaction, largestBatchID model.BatchID, overlays map[model.DocumentKey]mutation.Mutation) error

	// RemoveOverlaysForBatchID removes the overlays of keys that were last
	// written by batchID.
	RemoveOverlaysForBatchID(txn Transaction, keys model.DocumentKeySet, batchID model.BatchID) error

	// GetOverlaysForCollection returns overlays of documents directly in
	// collection with a largest batch id above sinceBatchID.
	GetOverlaysForCollection(txn Transaction, collection model.ResourcePath, sinceBatchID model.BatchID) (map[model.DocumentKey]*mutation.Overlay, error)

	// GetOverlaysForCollectionGroup returns overlays in the group with a
	// largest batch id above sinceBatchID, stopping after the batch that
	// pushes the count past count.
	GetOverlaysForCollectionGroup(txn Transaction, collectionGroup string, sinceBatchID model.BatchID, count int) (map[model.DocumentKey]*mutation.Overlay, error)
}

// TargetCache persists target metadata and the keys matching each target.
type TargetCache interface {
	// GetTargetData returns nil when the target is not cached.
	GetTargetData(txn Transaction, target query.Target) (*TargetData, error)
	AddTargetData(txn Transaction, data *TargetData) error
	UpdateTargetData(txn Transaction, data *TargetData) error
	RemoveTargetData(txn Transaction, data *TargetData) error

	// RemoveTargets removes inactive targets whose sequence number is at or
	// below upperBound and returns how many were removed.
	RemoveTargets(txn Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error)

	ForEachTarget(txn Transaction, fn func(*TargetData)) error
	GetTargetCount(txn Transaction) (int, error)

	// AllocateTargetID returns the next even target id.
	AllocateTargetID(txn Transaction) (model.TargetID, error)

	GetLastRemoteSnapshotVersion(txn Transaction) (model.SnapshotVersion, error)
	GetHighestSequenceNumber(txn Transaction) (model.ListenSequenceNumber, error)
	SetTargetsMetadata(txn Transaction, highestSequenceNumber model.ListenSequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error

	AddMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID model.TargetID) error
	RemoveMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID model.TargetID) error
	RemoveMatchingKeysForTargetID(txn Transaction, targetID model.TargetID) error
	GetMatchingKeysForTargetID(txn Transaction, targetID model.TargetID) (model.DocumentKeySet, error)

	// ContainsKey reports whether any target matches key.
	ContainsKey(txn Transaction, key model.DocumentKey) (bool, error)
}

// IndexType says how well the field indexes serve a target.
type IndexType int

const (
	// IndexNone means no index applies.
	IndexNone IndexType = iota
	// IndexPartial means an index narrows the candidates but the target
	// must still be evaluated on every candidate.
	IndexPartial
	// IndexFull means every filter is served by an index.
	IndexFull
)

// IndexKind is the shape of a single-field index.
type IndexKind string

const (
	// IndexAscending serves ==, in and equality on ordered values.
	IndexAscending IndexKind = "ascending"
	// IndexContains serves array-contains and array-contains-any.
	IndexContains IndexKind = "contains"
)

// FieldIndex is a single-field index on a collection group.
type FieldIndex struct {
	IndexID         int64
	CollectionGroup string
	Field           model.FieldPath
	Kind            IndexKind
}

// IndexManager maintains the collection-parent index and field indexes.
type IndexManager interface {
	// AddToCollectionParentIndex records the parent of a collection so
	// collection-group queries can enumerate every collection with an id.
	AddToCollectionParentIndex(txn Transaction, collectionPath model.ResourcePath) error
	GetCollectionParents(txn Transaction, collectionID string) ([]model.ResourcePath, error)

	AddFieldIndex(txn Transaction, index FieldIndex) error
	DeleteFieldIndex(txn Transaction, index FieldIndex) error
	GetFieldIndexes(txn Transaction, collectionGroup string) ([]FieldIndex, error)

	GetIndexType(txn Transaction, target query.Target) (IndexType, error)

	// GetDocumentsMatchingTarget returns candidate keys for target. The
	// result is a superset: callers must still apply the full target.
	GetDocumentsMatchingTarget(txn Transaction, target query.Target) ([]model.DocumentKey, error)

	// CreateTargetIndexes creates an index for the first equality filter of
	// target and backfills it from cached documents.
	CreateTargetIndexes(txn Transaction, target query.Target) error

	// UpdateIndexEntries re-indexes docs after they changed.
	UpdateIndexEntries(txn Transaction, docs model.DocumentMap) error
}

// ReferencePins is the set of documents pinned in memory by live listeners
// and pending writes. Pinned documents are never garbage collected.
type ReferencePins interface {
	ContainsKey(key model.DocumentKey) bool
}

// ReferenceDelegate is told when document references change, and decides
// when unreferenced documents may be dropped from the cache.
type ReferenceDelegate interface {
	SetInMemoryPins(pins ReferencePins)
	AddReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error
	RemoveReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error
	RemoveTarget(txn Transaction, data *TargetData) error
	MarkPotentiallyOrphaned(txn Transaction, key model.DocumentKey) error
	UpdateLimboDocument(txn Transaction, key model.DocumentKey) error
}

// IndexOffset is a position in the read-time ordered remote document cache.
type IndexOffset struct {
	ReadTime       model.SnapshotVersion
	DocumentKey    model.DocumentKey
	LargestBatchID model.BatchID
}

// InitialOffset precedes every document.
var InitialOffset = IndexOffset{LargestBatchID: model.UnknownBatchID}

// NewReadTimeOffset returns the offset right after everything read at or
// before readTime.
func NewReadTimeOffset(readTime model.SnapshotVersion) IndexOffset {
	return IndexOffset{ReadTime: readTime, LargestBatchID: model.UnknownBatchID}
}

// Before reports whether a document read at readTime with key comes after
// the offset.
func (o IndexOffset) Before(readTime model.SnapshotVersion, key model.DocumentKey) bool {
	if c := readTime.Compare(o.ReadTime); c != 0 {
		return c > 0
	}
	if o.DocumentKey.IsZero() {
		return o.ReadTime.IsMin()
	}
	return key.Compare(o.DocumentKey) > 0
}

// TargetPurpose says why a target is being listened to.
type TargetPurpose int

const (
	PurposeListen TargetPurpose = iota
	PurposeExistenceFilterMismatch
	PurposeExistenceFilterMismatchBloom
	PurposeLimboResolution
)

func (p TargetPurpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// TargetData is everything the cache knows about a target.
type TargetData struct {
	Target         query.Target
	TargetID       model.TargetID
	Purpose        TargetPurpose
	SequenceNumber model.ListenSequenceNumber
	// SnapshotVersion is the version of the last consistent snapshot
	// received for the target.
	SnapshotVersion model.SnapshotVersion
	// LastLimboFreeSnapshotVersion is the last version at which the
	// target's results had no limbo documents.
	LastLimboFreeSnapshotVersion model.SnapshotVersion
	ResumeToken                  []byte
	// ExpectedCount is the number of documents the client believes match,
	// sent when resuming so the server can send an existence filter.
	ExpectedCount *int32
}

// NewTargetData returns target data for a newly allocated target.
func NewTargetData(target query.Target, id model.TargetID, purpose TargetPurpose, seq model.ListenSequenceNumber) *TargetData {
	return &TargetData{Target: target, TargetID: id, Purpose: purpose, SequenceNumber: seq}
}

func (t *TargetData) clone() *TargetData {
	c := *t
	return &c
}

// WithSequenceNumber returns a copy with seq.
func (t *TargetData) WithSequenceNumber(seq model.ListenSequenceNumber) *TargetData {
	c := t.clone()
	c.SequenceNumber = seq
	return c
}

// WithResumeToken returns a copy with a new resume token and snapshot
// version. The expected count is cleared.
func (t *TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.ResumeToken = token
	c.SnapshotVersion = version
	c.ExpectedCount = nil
	return c
}

// WithExpectedCount returns a copy with count.
func (t *TargetData) WithExpectedCount(count int32) *TargetData {
	c := t.clone()
	c.ExpectedCount = &count
	return c
}

// WithLastLimboFreeSnapshotVersion returns a copy with version.
func (t *TargetData) WithLastLimboFreeSnapshotVersion(version model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.LastLimboFreeSnapshotVersion = version
	return c
}

// TargetIDGenerator hands out target ids from one parity class: even ids
// for targets allocated by the local store, odd ids for limbo resolution
// targets allocated by the sync engine.
type TargetIDGenerator struct {
	next model.TargetID
}

// NewTargetCacheIDGenerator returns a generator of even ids after last.
func NewTargetCacheIDGenerator(last model.TargetID) *TargetIDGenerator {
	g := &TargetIDGenerator{next: last}
	g.seek(0)
	return g
}

// NewSyncEngineIDGenerator returns a generator of odd ids starting at 1.
func NewSyncEngineIDGenerator() *TargetIDGenerator {
	g := &TargetIDGenerator{next: 0}
	g.seek(1)
	return g
}

func (g *TargetIDGenerator) seek(parity model.TargetID) {
	next := g.next + 1
	if next%2 != parity {
		next++
	}
	g.next = next
}

// Next returns the next id.
func (g *TargetIDGenerator) Next() model.TargetID {
	id := g.next
	g.next += 2
	return id
}
