package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// DefaultMaxConcurrentLimboResolutions bounds the limbo targets listened to
// at the same time.
const DefaultMaxConcurrentLimboResolutions = 100

// SyncEngineListener receives the sync engine's output.
type SyncEngineListener interface {
	OnWatchChange(snapshots []*ViewSnapshot)
	OnWatchError(q query.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// SyncEngineConfig configures a SyncEngine.
type SyncEngineConfig struct {
	MaxConcurrentLimboResolutions int
	Logger                        *log.Logger
}

// DefaultSyncEngineConfig returns the default configuration.
func DefaultSyncEngineConfig() SyncEngineConfig {
	return SyncEngineConfig{MaxConcurrentLimboResolutions: DefaultMaxConcurrentLimboResolutions}
}

type queryView struct {
	query    query.Query
	targetID model.TargetID
	view     *View
}

// limboResolution tracks the target resolving one limbo document.
type limboResolution struct {
	key model.DocumentKey
	// receivedDocument is set once the target returned the document, so
	// a later removal means it was deleted rather than never matched.
	receivedDocument bool
}

// SyncEngine connects the views of active queries with the local and
// remote stores. It implements remote.RemoteSyncer and QueryHandler. All
// methods must be called from the async queue.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	listener    SyncEngineListener
	logger      *log.Logger

	currentUser auth.User
	isPrimary   bool
	onlineState remote.OnlineState

	queryViews      map[string]*queryView
	queriesByTarget map[model.TargetID][]query.Query

	maxLimboResolutions int
	// enqueuedLimbo holds limbo documents waiting for a free resolution
	// slot, oldest first.
	enqueuedLimbo      []model.DocumentKey
	enqueuedLimboSet   map[model.DocumentKey]bool
	activeLimboByKey   map[model.DocumentKey]model.TargetID
	activeLimboTargets map[model.TargetID]*limboResolution
	// limboRefs records which query targets hold each limbo document.
	limboRefs      *persistence.ReferenceSet
	limboTargetIDs *persistence.TargetIDGenerator

	// mutationCallbacks are keyed by user, then batch.
	mutationCallbacks      map[string]map[model.BatchID]func(error)
	pendingWritesCallbacks map[model.BatchID][]func(error)
}

// NewSyncEngine returns a sync engine for user. The caller must wire it as
// the remote store's syncer and call SetListener before use.
func NewSyncEngine(localStore *local.LocalStore, remoteStore *remote.RemoteStore, user auth.User,
	isPrimary bool, cfg SyncEngineConfig) *SyncEngine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.MaxConcurrentLimboResolutions <= 0 {
		cfg.MaxConcurrentLimboResolutions = DefaultMaxConcurrentLimboResolutions
	}
	return &SyncEngine{
		localStore:             localStore,
		remoteStore:            remoteStore,
		logger:                 cfg.Logger,
		currentUser:            user,
		isPrimary:              isPrimary,
		onlineState:            remote.OnlineStateUnknown,
		queryViews:             make(map[string]*queryView),
		queriesByTarget:        make(map[model.TargetID][]query.Query),
		maxLimboResolutions:    cfg.MaxConcurrentLimboResolutions,
		enqueuedLimboSet:       make(map[model.DocumentKey]bool),
		activeLimboByKey:       make(map[model.DocumentKey]model.TargetID),
		activeLimboTargets:     make(map[model.TargetID]*limboResolution),
		limboRefs:              persistence.NewReferenceSet(),
		limboTargetIDs:         persistence.NewSyncEngineIDGenerator(),
		mutationCallbacks:      make(map[string]map[model.BatchID]func(error)),
		pendingWritesCallbacks: make(map[model.BatchID][]func(error)),
	}
}

// SetListener wires the component that receives snapshots.
func (e *SyncEngine) SetListener(l SyncEngineListener) { e.listener = l }

// IsPrimary reports whether this client holds the primary lease.
func (e *SyncEngine) IsPrimary() bool { return e.isPrimary }

// Listen implements QueryHandler.
func (e *SyncEngine) Listen(ctx context.Context, q query.Query, listenToRemote bool) (*ViewSnapshot, error) {
	if qv, ok := e.queryViews[q.CanonicalID()]; ok {
		// Running the query again refreshes the target's sequence number.
		if _, err := e.localStore.ExecuteQuery(ctx, q, true); err != nil {
			return nil, err
		}
		return qv.view.ComputeInitialSnapshot(), nil
	}

	td, err := e.localStore.AllocateTarget(ctx, q.ToTarget())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate target: %w", err)
	}
	if listenToRemote {
		e.remoteStore.Listen(td)
	}
	return e.initializeViewAndComputeSnapshot(ctx, q, td.TargetID, td.ResumeToken)
}

func (e *SyncEngine) initializeViewAndComputeSnapshot(ctx context.Context, q query.Query,
	targetID model.TargetID, resumeToken []byte) (*ViewSnapshot, error) {
	result, err := e.localStore.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, err
	}
	view := NewView(q, result.RemoteKeys)
	changes := view.ComputeDocChanges(result.Documents, nil)
	// A new view is never current: only the server can confirm that.
	synthesized := remote.NewTargetChange()
	synthesized.ResumeToken = resumeToken
	vc := view.ApplyChanges(changes, e.isPrimary, synthesized, false)
	e.updateTrackedLimbos(targetID, vc.LimboChanges)

	e.queryViews[q.CanonicalID()] = &queryView{query: q, targetID: targetID, view: view}
	e.queriesByTarget[targetID] = append(e.queriesByTarget[targetID], q)
	return vc.Snapshot, nil
}

// Unlisten implements QueryHandler. The target is released with its last
// query.
func (e *SyncEngine) Unlisten(ctx context.Context, q query.Query, unlistenFromRemote bool) error {
	id := q.CanonicalID()
	qv, ok := e.queryViews[id]
	if !ok {
		return fmt.Errorf("trying to unlisten on query not being listened to: %s", id)
	}
	queries := e.queriesByTarget[qv.targetID]
	if len(queries) > 1 {
		e.queriesByTarget[qv.targetID] = removeQuery(queries, id)
		delete(e.queryViews, id)
		return nil
	}

	if !e.isPrimary {
		e.removeAndCleanupTarget(qv.targetID, nil)
		return ignoreIfPrimaryLeaseLoss(e.logger, e.localStore.ReleaseTarget(ctx, qv.targetID, true))
	}
	if err := e.localStore.ReleaseTarget(ctx, qv.targetID, false); err != nil {
		return ignoreIfPrimaryLeaseLoss(e.logger, err)
	}
	if unlistenFromRemote {
		e.remoteStore.Unlisten(qv.targetID)
	}
	e.removeAndCleanupTarget(qv.targetID, nil)
	return nil
}

func removeQuery(queries []query.Query, canonicalID string) []query.Query {
	out := queries[:0:0]
	for _, q := range queries {
		if q.CanonicalID() != canonicalID {
			out = append(out, q)
		}
	}
	return out
}

// ListenToRemoteStore implements QueryHandler.
func (e *SyncEngine) ListenToRemoteStore(ctx context.Context, q query.Query) error {
	if _, ok := e.queryViews[q.CanonicalID()]; !ok {
		return fmt.Errorf("no view for query %s", q.CanonicalID())
	}
	td, err := e.localStore.AllocateTarget(ctx, q.ToTarget())
	if err != nil {
		return fmt.Errorf("failed to allocate target: %w", err)
	}
	e.remoteStore.Listen(td)
	return nil
}

// UnlistenFromRemoteStore implements QueryHandler.
func (e *SyncEngine) UnlistenFromRemoteStore(_ context.Context, q query.Query) error {
	qv, ok := e.queryViews[q.CanonicalID()]
	if !ok {
		return nil
	}
	if len(e.queriesByTarget[qv.targetID]) == 1 {
		e.remoteStore.Unlisten(qv.targetID)
	}
	return nil
}

// ExecuteQueryFromCache returns a snapshot of q computed from the cache
// alone, without registering a view.
func (e *SyncEngine) ExecuteQueryFromCache(ctx context.Context, q query.Query) (*ViewSnapshot, error) {
	result, err := e.localStore.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, err
	}
	view := NewView(q, result.RemoteKeys)
	vc := view.ApplyChanges(view.ComputeDocChanges(result.Documents, nil), false, nil, false)
	return vc.Snapshot, nil
}

// Write applies muts locally and queues them for the server. callback is
// called once the server accepted or rejected the batch.
func (e *SyncEngine) Write(ctx context.Context, muts []mutation.Mutation, callback func(error)) (model.BatchID, error) {
	result, err := e.localStore.WriteLocally(ctx, muts)
	if err != nil {
		return model.UnknownBatchID, fmt.Errorf("failed to persist write: %w", err)
	}
	e.addMutationCallback(result.BatchID, callback)
	if err := e.emitNewSnapsAndNotifyLocalStore(ctx, result.Changes, nil); err != nil {
		return result.BatchID, err
	}
	return result.BatchID, e.remoteStore.FillWritePipeline()
}

func (e *SyncEngine) addMutationCallback(batchID model.BatchID, callback func(error)) {
	if callback == nil {
		return
	}
	key := e.currentUser.Key()
	callbacks, ok := e.mutationCallbacks[key]
	if !ok {
		callbacks = make(map[model.BatchID]func(error))
		e.mutationCallbacks[key] = callbacks
	}
	callbacks[batchID] = callback
}

func (e *SyncEngine) processUserCallback(batchID model.BatchID, err error) {
	callbacks := e.mutationCallbacks[e.currentUser.Key()]
	if cb, ok := callbacks[batchID]; ok {
		delete(callbacks, batchID)
		cb(err)
	}
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (e *SyncEngine) ApplyRemoteEvent(ctx context.Context, event *remote.RemoteEvent) error {
	changes, err := e.localStore.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return ignoreIfPrimaryLeaseLoss(e.logger, err)
	}

	for targetID, change := range event.TargetChanges {
		res, ok := e.activeLimboTargets[targetID]
		if !ok {
			continue
		}
		if change.ChangeCount() > 1 {
			e.logger.Printf("Warning: limbo target %d changed %d documents", targetID, change.ChangeCount())
		}
		switch {
		case change.AddedDocuments.Len() > 0:
			res.receivedDocument = true
		case change.ModifiedDocuments.Len() > 0:
			if !res.receivedDocument {
				e.logger.Printf("Warning: limbo target %d modified a document it never added", targetID)
			}
		case change.RemovedDocuments.Len() > 0:
			res.receivedDocument = false
		}
	}
	return e.emitNewSnapsAndNotifyLocalStore(ctx, changes, event)
}

// RejectListen implements remote.RemoteSyncer. A rejected limbo target
// counts as proof that the document is gone; any other target fails its
// queries with err.
func (e *SyncEngine) RejectListen(ctx context.Context, targetID model.TargetID, err error) error {
	if res, ok := e.activeLimboTargets[targetID]; ok {
		key := res.key
		event := &remote.RemoteEvent{
			SnapshotVersion:        model.MinVersion,
			TargetChanges:          map[model.TargetID]*remote.TargetChange{},
			TargetMismatches:       map[model.TargetID]persistence.TargetPurpose{},
			DocumentUpdates:        model.DocumentMap{key: model.NewNoDocument(key, model.MinVersion)},
			ResolvedLimboDocuments: model.NewDocumentKeySet(key),
		}
		if err := e.ApplyRemoteEvent(ctx, event); err != nil {
			return err
		}
		// The server already dropped the target; no unlisten is sent.
		delete(e.activeLimboByKey, key)
		delete(e.activeLimboTargets, targetID)
		e.pumpEnqueuedLimboResolutions()
		return nil
	}

	if rerr := e.localStore.ReleaseTarget(ctx, targetID, false); rerr != nil {
		return ignoreIfPrimaryLeaseLoss(e.logger, rerr)
	}
	e.removeAndCleanupTarget(targetID, err)
	return nil
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (e *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error {
	batchID := result.Batch.BatchID
	changes, err := e.localStore.AcknowledgeBatch(ctx, result)
	if err != nil {
		return ignoreIfPrimaryLeaseLoss(e.logger, err)
	}
	e.processUserCallback(batchID, nil)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (e *SyncEngine) RejectFailedWrite(ctx context.Context, batchID model.BatchID, err error) error {
	changes, rerr := e.localStore.RejectBatch(ctx, batchID)
	if rerr != nil {
		return ignoreIfPrimaryLeaseLoss(e.logger, rerr)
	}
	e.processUserCallback(batchID, err)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RegisterPendingWritesCallback calls cb once every write queued so far
// was accepted or rejected by the server.
func (e *SyncEngine) RegisterPendingWritesCallback(ctx context.Context, cb func(error)) error {
	highest, err := e.localStore.HighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return err
	}
	if highest == model.UnknownBatchID {
		cb(nil)
		return nil
	}
	e.pendingWritesCallbacks[highest] = append(e.pendingWritesCallbacks[highest], cb)
	return nil
}

func (e *SyncEngine) triggerPendingWritesCallbacks(batchID model.BatchID) {
	for _, cb := range e.pendingWritesCallbacks[batchID] {
		cb(nil)
	}
	delete(e.pendingWritesCallbacks, batchID)
}

func (e *SyncEngine) rejectOutstandingPendingWritesCallbacks(msg string) {
	err := status.New(status.Cancelled, msg)
	for id, callbacks := range e.pendingWritesCallbacks {
		for _, cb := range callbacks {
			cb(err)
		}
		delete(e.pendingWritesCallbacks, id)
	}
}

// HandleCredentialChange implements remote.RemoteSyncer. Switching users
// swaps the mutation queue, so the views are recomputed.
func (e *SyncEngine) HandleCredentialChange(ctx context.Context, user auth.User) error {
	if user == e.currentUser {
		return nil
	}
	logging.Debugf(e.logger, "User change. New user: %s", user)
	result, err := e.localStore.HandleUserChange(ctx, user)
	if err != nil {
		return err
	}
	e.currentUser = user
	e.rejectOutstandingPendingWritesCallbacks("waiting for pending writes was cancelled by a user change")
	return e.emitNewSnapsAndNotifyLocalStore(ctx, result.AffectedDocuments, nil)
}

// RemoteKeysForTarget implements remote.RemoteSyncer.
func (e *SyncEngine) RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	if res, ok := e.activeLimboTargets[targetID]; ok {
		if res.receivedDocument {
			return model.NewDocumentKeySet(res.key)
		}
		return model.NewDocumentKeySet()
	}
	keys := model.NewDocumentKeySet()
	for _, q := range e.queriesByTarget[targetID] {
		if qv, ok := e.queryViews[q.CanonicalID()]; ok {
			keys = keys.Union(qv.view.SyncedDocuments())
		}
	}
	return keys
}

// ApplyOnlineStateChange marks views stale when the client goes offline
// and tells the listener about the new state.
func (e *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	var snaps []*ViewSnapshot
	for _, qv := range e.sortedQueryViews() {
		if vc := qv.view.ApplyOnlineStateChange(state); vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
		}
	}
	e.onlineState = state
	if e.listener != nil {
		e.listener.OnOnlineStateChange(state)
		e.listener.OnWatchChange(snaps)
	}
}

// ApplyPrimaryState reacts to gaining or losing the primary lease. Only
// the primary client listens to the server and resolves limbo documents.
// Regaining the lease resynchronizes the views with the cache, which
// another client may have changed in the meantime.
func (e *SyncEngine) ApplyPrimaryState(ctx context.Context, isPrimary bool) error {
	if isPrimary == e.isPrimary {
		return nil
	}
	e.isPrimary = isPrimary
	if !isPrimary {
		e.resetLimboDocuments()
		return e.remoteStore.ApplyPrimaryState(false)
	}

	var snaps []*ViewSnapshot
	for _, qv := range e.sortedQueryViews() {
		result, err := e.localStore.ExecuteQuery(ctx, qv.query, true)
		if err != nil {
			return err
		}
		vc := qv.view.SynchronizeWithPersistedState(result)
		e.updateTrackedLimbos(qv.targetID, vc.LimboChanges)
		if vc.Snapshot != nil {
			snaps = append(snaps, vc.Snapshot)
		}
	}
	if e.listener != nil && len(snaps) > 0 {
		e.listener.OnWatchChange(snaps)
	}
	return e.remoteStore.ApplyPrimaryState(true)
}

func (e *SyncEngine) resetLimboDocuments() {
	for targetID := range e.activeLimboTargets {
		e.remoteStore.Unlisten(targetID)
	}
	e.limboRefs.RemoveAllReferences()
	e.activeLimboByKey = make(map[model.DocumentKey]model.TargetID)
	e.activeLimboTargets = make(map[model.TargetID]*limboResolution)
	e.enqueuedLimbo = nil
	e.enqueuedLimboSet = make(map[model.DocumentKey]bool)
}

// sortedQueryViews returns the views in target order, so snapshots are
// raised in a stable order.
func (e *SyncEngine) sortedQueryViews() []*queryView {
	views := make([]*queryView, 0, len(e.queryViews))
	for _, qv := range e.queryViews {
		views = append(views, qv)
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].targetID != views[j].targetID {
			return views[i].targetID < views[j].targetID
		}
		return views[i].query.CanonicalID() < views[j].query.CanonicalID()
	})
	return views
}

func (e *SyncEngine) removeAndCleanupTarget(targetID model.TargetID, err error) {
	for _, q := range e.queriesByTarget[targetID] {
		delete(e.queryViews, q.CanonicalID())
		if err != nil && e.listener != nil {
			e.listener.OnWatchError(q, err)
		}
	}
	delete(e.queriesByTarget, targetID)

	if !e.isPrimary {
		return
	}
	for _, key := range e.limboRefs.RemoveReferencesForID(int32(targetID)) {
		if !e.limboRefs.ContainsKey(key) {
			e.removeLimboTarget(key)
		}
	}
}

func (e *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	if e.enqueuedLimboSet[key] {
		delete(e.enqueuedLimboSet, key)
		for i, k := range e.enqueuedLimbo {
			if k == key {
				e.enqueuedLimbo = append(e.enqueuedLimbo[:i], e.enqueuedLimbo[i+1:]...)
				break
			}
		}
	}
	targetID, ok := e.activeLimboByKey[key]
	if !ok {
		return
	}
	e.remoteStore.Unlisten(targetID)
	delete(e.activeLimboByKey, key)
	delete(e.activeLimboTargets, targetID)
	e.pumpEnqueuedLimboResolutions()
}

// emitNewSnapsAndNotifyLocalStore runs changes through every view, raises
// the resulting snapshots and pins the documents now in views.
func (e *SyncEngine) emitNewSnapsAndNotifyLocalStore(ctx context.Context, changes model.DocumentMap, event *remote.RemoteEvent) error {
	if len(e.queryViews) == 0 {
		return nil
	}
	var snaps []*ViewSnapshot
	var viewChanges []local.LocalViewChanges
	for _, qv := range e.sortedQueryViews() {
		snap, err := e.applyDocChangesToView(ctx, qv, changes, event)
		if err != nil {
			return err
		}
		if snap != nil {
			snaps = append(snaps, snap)
			viewChanges = append(viewChanges, localViewChanges(qv.targetID, snap))
		}
	}
	if e.listener != nil {
		e.listener.OnWatchChange(snaps)
	}
	return e.localStore.NotifyLocalViewChanges(ctx, viewChanges)
}

func (e *SyncEngine) applyDocChangesToView(ctx context.Context, qv *queryView, changes model.DocumentMap,
	event *remote.RemoteEvent) (*ViewSnapshot, error) {
	docChanges := qv.view.ComputeDocChanges(changes, nil)
	if docChanges.NeedsRefill {
		// A limit query lost documents at its edge; documents past the
		// limit may now belong in the view.
		result, err := e.localStore.ExecuteQuery(ctx, qv.query, false)
		if err != nil {
			return nil, err
		}
		docChanges = qv.view.ComputeDocChanges(result.Documents, docChanges)
	}

	var targetChange *remote.TargetChange
	pendingReset := false
	if event != nil {
		targetChange = event.TargetChanges[qv.targetID]
		_, pendingReset = event.TargetMismatches[qv.targetID]
	}
	vc := qv.view.ApplyChanges(docChanges, e.isPrimary, targetChange, pendingReset)
	e.updateTrackedLimbos(qv.targetID, vc.LimboChanges)
	return vc.Snapshot, nil
}

func (e *SyncEngine) updateTrackedLimbos(targetID model.TargetID, changes []LimboDocumentChange) {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			e.limboRefs.AddReference(c.Key, int32(targetID))
			e.trackLimboChange(c.Key)
		case LimboRemoved:
			logging.Debugf(e.logger, "Document no longer in limbo: %s", c.Key)
			e.limboRefs.RemoveReference(c.Key, int32(targetID))
			if !e.limboRefs.ContainsKey(c.Key) {
				e.removeLimboTarget(c.Key)
			}
		}
	}
}

func (e *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if _, active := e.activeLimboByKey[key]; active || e.enqueuedLimboSet[key] {
		return
	}
	logging.Debugf(e.logger, "New document in limbo: %s", key)
	e.enqueuedLimbo = append(e.enqueuedLimbo, key)
	e.enqueuedLimboSet[key] = true
	e.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts resolution targets for queued limbo
// documents while slots are free.
func (e *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(e.enqueuedLimbo) > 0 && len(e.activeLimboByKey) < e.maxLimboResolutions {
		key := e.enqueuedLimbo[0]
		e.enqueuedLimbo = e.enqueuedLimbo[1:]
		delete(e.enqueuedLimboSet, key)

		targetID := e.limboTargetIDs.Next()
		e.activeLimboTargets[targetID] = &limboResolution{key: key}
		e.activeLimboByKey[key] = targetID
		e.remoteStore.Listen(persistence.NewTargetData(query.NewDocumentTarget(key), targetID,
			persistence.PurposeLimboResolution, model.InvalidSequenceNumber))
	}
}

// ActiveLimboDocumentResolutions returns the keys being resolved, by
// target id.
func (e *SyncEngine) ActiveLimboDocumentResolutions() map[model.DocumentKey]model.TargetID {
	out := make(map[model.DocumentKey]model.TargetID, len(e.activeLimboByKey))
	for k, v := range e.activeLimboByKey {
		out[k] = v
	}
	return out
}

// EnqueuedLimboDocumentResolutions returns the keys waiting for a slot.
func (e *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return append([]model.DocumentKey(nil), e.enqueuedLimbo...)
}

// ignoreIfPrimaryLeaseLoss swallows errors caused by losing the primary
// lease mid-operation; the work resumes when the lease is regained.
func ignoreIfPrimaryLeaseLoss(logger *log.Logger, err error) error {
	if err == nil || !persistence.IsPrimaryLeaseLost(err) {
		return err
	}
	logging.Debugf(logger, "Unexpectedly lost primary lease: %v", err)
	return nil
}
