package local

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// resumeTokenMaxAge bounds how long a changed resume token may go
// unpersisted when nothing else about its target changed.
const resumeTokenMaxAge = 5 * time.Minute

// LocalStoreConfig configures a LocalStore.
type LocalStoreConfig struct {
	QueryEngine QueryEngineConfig
	Logger      *log.Logger
}

// DefaultLocalStoreConfig returns the default configuration.
func DefaultLocalStoreConfig() LocalStoreConfig {
	return LocalStoreConfig{QueryEngine: DefaultQueryEngineConfig()}
}

// LocalStore is the sync engine's view of the local cache. It applies
// local writes, server acknowledgements and remote events, and answers
// queries with the local view of the cache.
//
// A LocalStore is not safe for concurrent use; the sync engine calls it
// from the async queue only.
type LocalStore struct {
	persistence persistence.Persistence
	logger      *log.Logger
	user        auth.User

	queryEngine    *QueryEngine
	mutationQueue  persistence.MutationQueue
	overlays       persistence.DocumentOverlayCache
	indexManager   persistence.IndexManager
	remoteDocs     persistence.RemoteDocumentCache
	targetCache    persistence.TargetCache
	localDocuments *LocalDocumentsView

	// localViewReferences pins documents shown in active views so garbage
	// collection keeps them.
	localViewReferences *persistence.ReferenceSet

	targetDataByTarget map[model.TargetID]*persistence.TargetData
	targetIDByTarget   map[string]model.TargetID
}

// NewLocalStore returns a local store for user over p, which must be
// started.
func NewLocalStore(p persistence.Persistence, user auth.User, cfg LocalStoreConfig) *LocalStore {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[local] ", log.LstdFlags)
	}
	if cfg.QueryEngine.Logger == nil {
		cfg.QueryEngine.Logger = cfg.Logger
	}
	s := &LocalStore{
		persistence:         p,
		logger:              cfg.Logger,
		queryEngine:         NewQueryEngine(cfg.QueryEngine),
		remoteDocs:          p.RemoteDocumentCache(),
		targetCache:         p.TargetCache(),
		localViewReferences: persistence.NewReferenceSet(),
		targetDataByTarget:  make(map[model.TargetID]*persistence.TargetData),
		targetIDByTarget:    make(map[string]model.TargetID),
	}
	p.ReferenceDelegate().SetInMemoryPins(s.localViewReferences)
	s.initializeUserComponents(user)
	return s
}

func (s *LocalStore) initializeUserComponents(user auth.User) {
	s.user = user
	s.indexManager = s.persistence.IndexManager(user)
	s.mutationQueue = s.persistence.MutationQueue(user, s.indexManager)
	s.overlays = s.persistence.DocumentOverlayCache(user)
	s.remoteDocs.SetIndexManager(s.indexManager)
	s.localDocuments = NewLocalDocumentsView(s.remoteDocs, s.mutationQueue, s.overlays, s.indexManager)
	s.queryEngine.Initialize(s.localDocuments, s.indexManager)
}

// User returns the user whose mutation queue is active.
func (s *LocalStore) User() auth.User { return s.user }

// QueryEngine returns the store's query engine.
func (s *LocalStore) QueryEngine() *QueryEngine { return s.queryEngine }

// UserChangeResult describes the effect of switching users.
type UserChangeResult struct {
	// AffectedDocuments are the local views of documents written by
	// either user's pending batches.
	AffectedDocuments model.DocumentMap
	RemovedBatchIDs   []model.BatchID
	AddedBatchIDs     []model.BatchID
}

// HandleUserChange switches to user's mutation queue and overlays.
func (s *LocalStore) HandleUserChange(ctx context.Context, user auth.User) (*UserChangeResult, error) {
	var result *UserChangeResult
	err := s.persistence.RunTransaction(ctx, "Handle user change", persistence.ReadOnly, func(txn persistence.Transaction) error {
		oldBatches, err := s.mutationQueue.GetAllMutationBatches(txn)
		if err != nil {
			return err
		}
		s.initializeUserComponents(user)
		newBatches, err := s.mutationQueue.GetAllMutationBatches(txn)
		if err != nil {
			return err
		}

		changed := model.NewDocumentKeySet()
		result = &UserChangeResult{}
		for _, b := range oldBatches {
			result.RemovedBatchIDs = append(result.RemovedBatchIDs, b.BatchID)
			changed = changed.Union(b.Keys())
		}
		for _, b := range newBatches {
			result.AddedBatchIDs = append(result.AddedBatchIDs, b.BatchID)
			changed = changed.Union(b.Keys())
		}
		result.AffectedDocuments, err = s.localDocuments.GetDocuments(txn, changed)
		return err
	})
	return result, err
}

// LocalWriteResult is the outcome of WriteLocally.
type LocalWriteResult struct {
	BatchID model.BatchID
	Changes model.DocumentMap
}

// WriteLocally queues mutations as a new batch and returns the changed
// local views.
func (s *LocalStore) WriteLocally(ctx context.Context, mutations []mutation.Mutation) (*LocalWriteResult, error) {
	localWriteTime := model.Now()
	keys := make([]model.DocumentKey, len(mutations))
	for i, m := range mutations {
		keys[i] = m.Key
	}
	keySet := model.NewDocumentKeySet(keys...)

	var result *LocalWriteResult
	err := s.persistence.RunTransaction(ctx, "Locally write mutations", persistence.ReadWrite, func(txn persistence.Transaction) error {
		remoteDocs, err := s.remoteDocs.GetEntries(txn, keySet)
		if err != nil {
			return err
		}
		withoutRemoteVersion := model.NewDocumentKeySet()
		for key, doc := range remoteDocs {
			if !doc.IsValidDocument() {
				withoutRemoteVersion = withoutRemoteVersion.Add(key)
			}
		}
		overlayed, err := s.localDocuments.GetOverlayedDocuments(txn, remoteDocs)
		if err != nil {
			return err
		}

		// Transforms that are not idempotent (increments) record their
		// starting value, so the local view stays put once the server
		// acknowledges an earlier batch.
		var baseMutations []mutation.Mutation
		for _, m := range mutations {
			base := m.ExtractTransformBaseValue(overlayed[m.Key].Document)
			if base != nil {
				baseMutations = append(baseMutations,
					mutation.NewPatch(m.Key, base, base.FieldMask(), mutation.Exists(true)))
			}
		}

		batch, err := s.mutationQueue.AddMutationBatch(txn, localWriteTime, baseMutations, mutations)
		if err != nil {
			return fmt.Errorf("failed to queue mutations: %w", err)
		}
		overlays := batch.ApplyToLocalDocumentSet(overlayed, withoutRemoteVersion)
		if err := s.overlays.SaveOverlays(txn, batch.BatchID, overlays); err != nil {
			return err
		}
		changes := make(model.DocumentMap, len(overlayed))
		for key, od := range overlayed {
			changes[key] = od.Document
		}
		result = &LocalWriteResult{BatchID: batch.BatchID, Changes: changes}
		return nil
	})
	return result, err
}

// AcknowledgeBatch applies the server's results for a batch to the remote
// documents, drops the batch and returns the affected local views.
func (s *LocalStore) AcknowledgeBatch(ctx context.Context, result *mutation.BatchResult) (model.DocumentMap, error) {
	var changes model.DocumentMap
	err := s.persistence.RunTransaction(ctx, "Acknowledge batch", persistence.ReadWritePrimary, func(txn persistence.Transaction) error {
		affected := result.Batch.Keys()
		if err := s.mutationQueue.AcknowledgeBatch(txn, result.Batch, result.StreamToken); err != nil {
			return err
		}
		buf := s.remoteDocs.NewChangeBuffer()
		if err := s.applyWriteToRemoteDocuments(txn, result, buf); err != nil {
			return err
		}
		if err := buf.Apply(txn); err != nil {
			return err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(txn, affected, result.Batch.BatchID); err != nil {
			return err
		}
		if err := s.localDocuments.RecalculateAndSaveOverlaysForDocumentKeys(txn, keysWithTransformResults(result)); err != nil {
			return err
		}
		var err error
		changes, err = s.localDocuments.GetDocuments(txn, affected)
		return err
	})
	return changes, err
}

// keysWithTransformResults returns keys whose acknowledged value differs
// from what was written because the server computed transforms.
func keysWithTransformResults(result *mutation.BatchResult) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for i, r := range result.MutationResults {
		if len(r.TransformResults) > 0 {
			keys = keys.Add(result.Batch.Mutations[i].Key)
		}
	}
	return keys
}

func (s *LocalStore) applyWriteToRemoteDocuments(txn persistence.Transaction, result *mutation.BatchResult, buf *persistence.RemoteDocumentChangeBuffer) error {
	batch := result.Batch
	for _, key := range batch.Keys().Keys() {
		doc, err := buf.GetEntry(txn, key)
		if err != nil {
			return err
		}
		ackVersion, ok := result.DocVersions[key]
		if !ok {
			return fmt.Errorf("acknowledgement of batch %d has no version for %s", batch.BatchID, key)
		}
		if doc.Version.Before(ackVersion) {
			batch.ApplyToRemoteDocument(doc, result)
			if doc.IsValidDocument() {
				doc.SetReadTime(result.CommitVersion)
				buf.AddEntry(doc)
			}
		}
	}
	return s.mutationQueue.RemoveMutationBatch(txn, batch)
}

// RejectBatch drops a batch the server refused and returns the affected
// local views, which no longer include it.
func (s *LocalStore) RejectBatch(ctx context.Context, batchID model.BatchID) (model.DocumentMap, error) {
	var changes model.DocumentMap
	err := s.persistence.RunTransaction(ctx, "Reject batch", persistence.ReadWritePrimary, func(txn persistence.Transaction) error {
		batch, err := s.mutationQueue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("attempt to reject nonexistent batch %d", batchID)
		}
		affected := batch.Keys()
		if err := s.mutationQueue.RemoveMutationBatch(txn, batch); err != nil {
			return err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(txn, affected, batchID); err != nil {
			return err
		}
		if err := s.localDocuments.RecalculateAndSaveOverlaysForDocumentKeys(txn, affected); err != nil {
			return err
		}
		changes, err = s.localDocuments.GetDocuments(txn, affected)
		return err
	})
	return changes, err
}

// HighestUnacknowledgedBatchID returns the id of the newest pending batch,
// or model.UnknownBatchID.
func (s *LocalStore) HighestUnacknowledgedBatchID(ctx context.Context) (model.BatchID, error) {
	id := model.UnknownBatchID
	err := s.persistence.RunTransaction(ctx, "Get highest unacknowledged batch id", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		id, err = s.mutationQueue.GetHighestUnacknowledgedBatchID(txn)
		return err
	})
	return id, err
}

// LastStreamToken returns the write stream token of the current user.
func (s *LocalStore) LastStreamToken(ctx context.Context) ([]byte, error) {
	var token []byte
	err := s.persistence.RunTransaction(ctx, "Get last stream token", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		token, err = s.mutationQueue.GetLastStreamToken(txn)
		return err
	})
	return token, err
}

// SetLastStreamToken persists the write stream token.
func (s *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	return s.persistence.RunTransaction(ctx, "Set last stream token", persistence.ReadWritePrimary, func(txn persistence.Transaction) error {
		return s.mutationQueue.SetLastStreamToken(txn, token)
	})
}

// LastRemoteSnapshotVersion is the version of the last consistent snapshot
// applied from the watch stream.
func (s *LocalStore) LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	var version model.SnapshotVersion
	err := s.persistence.RunTransaction(ctx, "Get last remote snapshot version", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		version, err = s.targetCache.GetLastRemoteSnapshotVersion(txn)
		return err
	})
	return version, err
}

// ApplyRemoteEvent stores the documents and target state of event and
// returns the local views of the changed documents.
func (s *LocalStore) ApplyRemoteEvent(ctx context.Context, event *remote.RemoteEvent) (model.DocumentMap, error) {
	remoteVersion := event.SnapshotVersion
	updatedTargets := make(map[model.TargetID]*persistence.TargetData, len(s.targetDataByTarget))
	for id, data := range s.targetDataByTarget {
		updatedTargets[id] = data
	}

	var changes model.DocumentMap
	err := s.persistence.RunTransaction(ctx, "Apply remote event", persistence.ReadWritePrimary, func(txn persistence.Transaction) error {
		buf := s.remoteDocs.NewChangeBuffer()

		for targetID, change := range event.TargetChanges {
			old, ok := s.targetDataByTarget[targetID]
			if !ok {
				continue
			}
			// Added keys may overlap removed ones; removal goes first.
			if err := s.targetCache.RemoveMatchingKeys(txn, change.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := s.targetCache.AddMatchingKeys(txn, change.AddedDocuments, targetID); err != nil {
				return err
			}

			updated := old.WithSequenceNumber(txn.CurrentSequenceNumber())
			if _, mismatch := event.TargetMismatches[targetID]; mismatch {
				updated = updated.WithResumeToken(nil, model.MinVersion).
					WithLastLimboFreeSnapshotVersion(model.MinVersion)
			} else if len(change.ResumeToken) > 0 {
				updated = updated.WithResumeToken(change.ResumeToken, remoteVersion)
			}
			updatedTargets[targetID] = updated
			if shouldPersistTargetData(old, updated, change) {
				if err := s.targetCache.UpdateTargetData(txn, updated); err != nil {
					return err
				}
			}
		}

		for key := range event.DocumentUpdates {
			if event.ResolvedLimboDocuments.Has(key) {
				if err := s.persistence.ReferenceDelegate().UpdateLimboDocument(txn, key); err != nil {
					return err
				}
			}
		}

		changed, existenceChanged, err := s.populateDocumentChangeBuffer(txn, buf, event.DocumentUpdates, remoteVersion)
		if err != nil {
			return err
		}

		if !remoteVersion.IsMin() {
			last, err := s.targetCache.GetLastRemoteSnapshotVersion(txn)
			if err != nil {
				return err
			}
			if remoteVersion.Before(last) {
				return fmt.Errorf("watch stream reverted to snapshot %v after %v", remoteVersion, last)
			}
			if err := s.targetCache.SetTargetsMetadata(txn, txn.CurrentSequenceNumber(), remoteVersion); err != nil {
				return err
			}
		}
		if err := buf.Apply(txn); err != nil {
			return err
		}
		changes, err = s.localDocuments.GetLocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.targetDataByTarget = updatedTargets
	return changes, nil
}

// populateDocumentChangeBuffer stages the updates that are newer than the
// cache. It returns the staged documents and the keys whose existence
// changed.
func (s *LocalStore) populateDocumentChangeBuffer(txn persistence.Transaction, buf *persistence.RemoteDocumentChangeBuffer,
	updates model.DocumentMap, remoteVersion model.SnapshotVersion) (model.DocumentMap, model.DocumentKeySet, error) {
	existing, err := buf.GetEntries(txn, updates.KeySet())
	if err != nil {
		return nil, model.DocumentKeySet{}, err
	}
	changed := make(model.DocumentMap)
	existenceChanged := model.NewDocumentKeySet()
	for _, key := range updates.SortedKeys() {
		doc := updates[key]
		if doc.ReadTime.IsMin() {
			doc.SetReadTime(remoteVersion)
		}
		current := existing[key]
		if current == nil {
			current = model.NewInvalidDocument(key)
		}
		if doc.IsFoundDocument() != current.IsFoundDocument() {
			existenceChanged = existenceChanged.Add(key)
		}

		switch {
		case doc.IsNoDocument() && doc.Version.IsMin():
			// Deletes synthesized for resolved limbo documents carry no
			// version; drop the entry so a later read goes to the server.
			buf.RemoveEntry(key, doc.ReadTime)
			changed[key] = doc
		case !current.IsValidDocument() || doc.Version.After(current.Version) ||
			(doc.Version.Equal(current.Version) && current.HasPendingWrites()):
			buf.AddEntry(doc)
			changed[key] = doc
		default:
			logging.Debugf(s.logger, "Ignoring outdated watch update for %s: current %v, update %v", key, current.Version, doc.Version)
		}
	}
	return changed, existenceChanged, nil
}

// shouldPersistTargetData reports whether a target's new metadata is worth
// a write. Resume tokens alone are only flushed every few minutes.
func shouldPersistTargetData(old, updated *persistence.TargetData, change *remote.TargetChange) bool {
	if len(old.ResumeToken) == 0 {
		return true
	}
	delta := updated.SnapshotVersion.Timestamp.Micros() - old.SnapshotVersion.Timestamp.Micros()
	if delta >= resumeTokenMaxAge.Microseconds() {
		return true
	}
	return change.ChangeCount() > 0
}

// LocalViewChanges lists documents that entered or left a view.
type LocalViewChanges struct {
	TargetID  model.TargetID
	FromCache bool
	Added     model.DocumentKeySet
	Removed   model.DocumentKeySet
}

// NotifyLocalViewChanges pins documents shown in views and unpins those
// that left. Views that are not from cache advance their target's
// limbo-free snapshot version.
func (s *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChanges) error {
	err := s.persistence.RunTransaction(ctx, "Notify local view changes", persistence.ReadWrite, func(txn persistence.Transaction) error {
		delegate := s.persistence.ReferenceDelegate()
		for _, c := range changes {
			var err error
			c.Added.ForEach(func(key model.DocumentKey) bool {
				s.localViewReferences.AddReference(key, int32(c.TargetID))
				err = delegate.AddReference(txn, c.TargetID, key)
				return err == nil
			})
			if err != nil {
				return err
			}
			c.Removed.ForEach(func(key model.DocumentKey) bool {
				s.localViewReferences.RemoveReference(key, int32(c.TargetID))
				err = delegate.RemoveReference(txn, c.TargetID, key)
				return err == nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !isStorageError(err) {
			return err
		}
		s.logger.Printf("Failed to update sequence numbers: %v", err)
	}
	for _, c := range changes {
		if c.FromCache {
			continue
		}
		if data, ok := s.targetDataByTarget[c.TargetID]; ok {
			s.targetDataByTarget[c.TargetID] = data.WithLastLimboFreeSnapshotVersion(data.SnapshotVersion)
		}
	}
	return nil
}

// isStorageError reports errors that only mean the cache could not be
// updated right now.
func isStorageError(err error) bool {
	var txErr *persistence.TransactionError
	return errors.As(err, &txErr) || persistence.IsPrimaryLeaseLost(err)
}

// NextMutationBatch returns the first pending batch after afterBatchID,
// or nil. Pass model.UnknownBatchID to start from the oldest batch.
func (s *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID model.BatchID) (*mutation.Batch, error) {
	var batch *mutation.Batch
	err := s.persistence.RunTransaction(ctx, "Get next mutation batch", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		batch, err = s.mutationQueue.GetNextMutationBatchAfterBatchID(txn, afterBatchID)
		return err
	})
	return batch, err
}

// ReadDocument returns the local view of key.
func (s *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	var doc *model.MutableDocument
	err := s.persistence.RunTransaction(ctx, "Read document", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		doc, err = s.localDocuments.GetDocument(txn, key)
		return err
	})
	return doc, err
}

// AllocateTarget returns the cached data of target, assigning it a new id
// and persisting it if it was never listened to.
func (s *LocalStore) AllocateTarget(ctx context.Context, target query.Target) (*persistence.TargetData, error) {
	var data *persistence.TargetData
	err := s.persistence.RunTransaction(ctx, "Allocate target", persistence.ReadWrite, func(txn persistence.Transaction) error {
		cached, err := s.targetCache.GetTargetData(txn, target)
		if err != nil {
			return err
		}
		if cached != nil {
			data = cached
			return nil
		}
		id, err := s.targetCache.AllocateTargetID(txn)
		if err != nil {
			return err
		}
		data = persistence.NewTargetData(target, id, persistence.PurposeListen, txn.CurrentSequenceNumber())
		return s.targetCache.AddTargetData(txn, data)
	})
	if err != nil {
		return nil, err
	}
	// A newer in-memory copy carries state not yet persisted.
	if existing, ok := s.targetDataByTarget[data.TargetID]; !ok || data.SnapshotVersion.After(existing.SnapshotVersion) {
		s.targetDataByTarget[data.TargetID] = data
		s.targetIDByTarget[target.CanonicalID()] = data.TargetID
	}
	return s.targetDataByTarget[data.TargetID], nil
}

// TargetData returns the active target data for targetID, or nil.
func (s *LocalStore) TargetData(targetID model.TargetID) *persistence.TargetData {
	return s.targetDataByTarget[targetID]
}

// ActiveTargetIDs returns the ids of allocated targets.
func (s *LocalStore) ActiveTargetIDs() map[model.TargetID]bool {
	ids := make(map[model.TargetID]bool, len(s.targetDataByTarget))
	for id := range s.targetDataByTarget {
		ids[id] = true
	}
	return ids
}

func (s *LocalStore) targetDataForTarget(txn persistence.Transaction, target query.Target) (*persistence.TargetData, error) {
	if id, ok := s.targetIDByTarget[target.CanonicalID()]; ok {
		return s.targetDataByTarget[id], nil
	}
	return s.targetCache.GetTargetData(txn, target)
}

// ReleaseTarget forgets an allocated target. Unless keepPersistedTargetData
// is set, the target becomes eligible for garbage collection.
func (s *LocalStore) ReleaseTarget(ctx context.Context, targetID model.TargetID, keepPersistedTargetData bool) error {
	data, ok := s.targetDataByTarget[targetID]
	if !ok {
		return fmt.Errorf("tried to release nonexistent target %d", targetID)
	}
	mode := persistence.ReadWritePrimary
	if keepPersistedTargetData {
		mode = persistence.ReadWrite
	}
	err := s.persistence.RunTransaction(ctx, "Release target", mode, func(txn persistence.Transaction) error {
		delegate := s.persistence.ReferenceDelegate()
		for _, key := range s.localViewReferences.RemoveReferencesForID(int32(targetID)) {
			if err := delegate.RemoveReference(txn, targetID, key); err != nil {
				return err
			}
		}
		if keepPersistedTargetData {
			return nil
		}
		return delegate.RemoveTarget(txn, data)
	})
	delete(s.targetDataByTarget, targetID)
	delete(s.targetIDByTarget, data.Target.CanonicalID())
	if err != nil {
		if !isStorageError(err) {
			return err
		}
		s.logger.Printf("Failed to update sequence numbers for target %d: %v", targetID, err)
	}
	return nil
}

// QueryResult is the outcome of ExecuteQuery.
type QueryResult struct {
	Documents model.DocumentMap
	// RemoteKeys are the keys the server last reported for the query's
	// target.
	RemoteKeys model.DocumentKeySet
}

// ExecuteQuery runs q against the local view. With usePreviousResults the
// query engine may reuse the target's last limbo-free result.
func (s *LocalStore) ExecuteQuery(ctx context.Context, q query.Query, usePreviousResults bool) (*QueryResult, error) {
	var result *QueryResult
	err := s.persistence.RunTransaction(ctx, "Execute query", persistence.ReadWrite, func(txn persistence.Transaction) error {
		lastLimboFree := model.MinVersion
		remoteKeys := model.NewDocumentKeySet()
		data, err := s.targetDataForTarget(txn, q.ToTarget())
		if err != nil {
			return err
		}
		if data != nil {
			lastLimboFree = data.LastLimboFreeSnapshotVersion
			if remoteKeys, err = s.targetCache.GetMatchingKeysForTargetID(txn, data.TargetID); err != nil {
				return err
			}
		}
		engineVersion, engineKeys := model.MinVersion, model.NewDocumentKeySet()
		if usePreviousResults {
			engineVersion, engineKeys = lastLimboFree, remoteKeys
		}
		docs, err := s.queryEngine.GetDocumentsMatchingQuery(txn, q, engineVersion, engineKeys)
		if err != nil {
			return err
		}
		result = &QueryResult{Documents: docs, RemoteKeys: remoteKeys}
		return nil
	})
	return result, err
}

// RemoteDocumentKeys returns the keys the server reported for targetID.
func (s *LocalStore) RemoteDocumentKeys(ctx context.Context, targetID model.TargetID) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet
	err := s.persistence.RunTransaction(ctx, "Remote document keys", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		keys, err = s.targetCache.GetMatchingKeysForTargetID(txn, targetID)
		return err
	})
	return keys, err
}

// CollectGarbage runs LRU collection, sparing active targets.
func (s *LocalStore) CollectGarbage(ctx context.Context, gc *persistence.LruGarbageCollector) (persistence.LruResults, error) {
	return persistence.CollectGarbage(ctx, s.persistence, gc, s.ActiveTargetIDs())
}

// ConfigureFieldIndexes replaces the field indexes with indexes.
func (s *LocalStore) ConfigureFieldIndexes(ctx context.Context, indexes []persistence.FieldIndex) error {
	return s.persistence.RunTransaction(ctx, "Configure indexes", persistence.ReadWrite, func(txn persistence.Transaction) error {
		existing, err := s.indexManager.GetFieldIndexes(txn, "")
		if err != nil {
			return err
		}
		for _, idx := range existing {
			if err := s.indexManager.DeleteFieldIndex(txn, idx); err != nil {
				return err
			}
		}
		for _, idx := range indexes {
			if err := s.indexManager.AddFieldIndex(txn, idx); err != nil {
				return err
			}
		}
		return nil
	})
}
