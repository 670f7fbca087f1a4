package remote

import (
	"log"
	"os"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
)

// TargetMetadataProvider exposes the state the aggregator needs about
// targets it does not own.
type TargetMetadataProvider interface {
	// RemoteKeysForTarget returns the keys the last consistent snapshot
	// assigned to the target.
	RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
	// TargetDataForActiveTarget returns nil when the target is not being
	// listened to.
	TargetDataForActiveTarget(targetID model.TargetID) *persistence.TargetData
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// targetState tracks one target between two snapshots.
type targetState struct {
	// pendingResponses counts watch and unwatch requests the server has not
	// answered. Changes for a target with pending responses are ignored.
	pendingResponses  int
	documentChanges   map[model.DocumentKey]changeType
	resumeToken       []byte
	current           bool
	hasPendingChanges bool
}

func newTargetState() *targetState {
	return &targetState{
		documentChanges:   make(map[model.DocumentKey]changeType),
		hasPendingChanges: true,
	}
}

func (t *targetState) isPending() bool { return t.pendingResponses != 0 }

func (t *targetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		t.hasPendingChanges = true
		t.resumeToken = token
	}
}

func (t *targetState) toTargetChange() *TargetChange {
	change := NewTargetChange()
	change.ResumeToken = t.resumeToken
	change.Current = t.current
	for key, ct := range t.documentChanges {
		switch ct {
		case changeAdded:
			change.AddedDocuments = change.AddedDocuments.Add(key)
		case changeModified:
			change.ModifiedDocuments = change.ModifiedDocuments.Add(key)
		case changeRemoved:
			change.RemovedDocuments = change.RemovedDocuments.Add(key)
		}
	}
	return change
}

func (t *targetState) clearPendingChanges() {
	t.hasPendingChanges = false
	t.documentChanges = make(map[model.DocumentKey]changeType)
}

func (t *targetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	t.hasPendingChanges = true
	t.documentChanges[key] = ct
}

func (t *targetState) removeDocumentChange(key model.DocumentKey) {
	t.hasPendingChanges = true
	delete(t.documentChanges, key)
}

func (t *targetState) markCurrent() {
	t.hasPendingChanges = true
	t.current = true
}

// bloomFilterResult is the outcome of applying an existence filter's bloom
// filter.
type bloomFilterResult int

const (
	bloomFilterSkipped bloomFilterResult = iota
	bloomFilterSuccess
	bloomFilterFalsePositive
)

// WatchChangeAggregator folds listen stream events into RemoteEvents. It is
// not safe for concurrent use.
type WatchChangeAggregator struct {
	provider   TargetMetadataProvider
	serializer *Serializer
	logger     *log.Logger

	targetStates map[model.TargetID]*targetState

	// Document updates since the last snapshot, shared by every target that
	// references them.
	pendingDocumentUpdates model.DocumentMap
	// The targets each pending document was reported for.
	pendingDocumentTargetMapping map[model.DocumentKey]map[model.TargetID]bool
	// Targets whose results went out of sync and must be listened to again.
	pendingTargetResets map[model.TargetID]persistence.TargetPurpose
}

// NewWatchChangeAggregator returns an empty aggregator.
func NewWatchChangeAggregator(provider TargetMetadataProvider, serializer *Serializer, logger *log.Logger) *WatchChangeAggregator {
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}
	a := &WatchChangeAggregator{
		provider:     provider,
		serializer:   serializer,
		logger:       logger,
		targetStates: make(map[model.TargetID]*targetState),
	}
	a.resetPending()
	return a
}

func (a *WatchChangeAggregator) resetPending() {
	a.pendingDocumentUpdates = make(model.DocumentMap)
	a.pendingDocumentTargetMapping = make(map[model.DocumentKey]map[model.TargetID]bool)
	a.pendingTargetResets = make(map[model.TargetID]persistence.TargetPurpose)
}

// HandleDocumentChange records a document update for every target it names.
func (a *WatchChangeAggregator) HandleDocumentChange(change *DocumentWatchChange) {
	for _, id := range change.UpdatedTargetIDs {
		if change.NewDoc != nil && change.NewDoc.IsFoundDocument() {
			a.addDocumentToTarget(id, change.NewDoc)
		} else {
			a.removeDocumentFromTarget(id, change.Key, change.NewDoc)
		}
	}
	for _, id := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(id, change.Key, change.NewDoc)
	}
}

// HandleTargetChange applies a target state change.
func (a *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	a.forEachTarget(change, func(id model.TargetID) {
		state := a.ensureTargetState(id)
		switch change.State {
		case WatchTargetNoChange:
			if a.isActiveTarget(id) {
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetAdded:
			// The server acknowledged a watch request. Changes collected
			// before it belong to a previous incarnation of the target.
			state.pendingResponses--
			if !state.isPending() {
				state.clearPendingChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case WatchTargetRemoved:
			state.pendingResponses--
			if !state.isPending() {
				a.RemoveTarget(id)
			}
		case WatchTargetCurrent:
			if a.isActiveTarget(id) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetReset:
			if a.isActiveTarget(id) {
				// Everything the target matched is sent again.
				a.resetTarget(id)
				state = a.targetStates[id]
				state.updateResumeToken(change.ResumeToken)
			}
		}
	})
}

func (a *WatchChangeAggregator) forEachTarget(change *WatchTargetChange, fn func(model.TargetID)) {
	if len(change.TargetIDs) > 0 {
		for _, id := range change.TargetIDs {
			fn(id)
		}
		return
	}
	for id := range a.targetStates {
		if a.isActiveTarget(id) {
			fn(id)
		}
	}
}

// HandleExistenceFilter compares the server's document count for a target
// with the local one. On a mismatch it first drops the documents the bloom
// filter rules out, and resets the target when that does not reconcile the
// counts.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *ExistenceFilterChange) {
	id := change.TargetID
	expected := change.Filter.Count
	td := a.targetDataForActiveTarget(id)
	if td == nil {
		return
	}
	if td.Target.IsDocumentTarget() {
		if expected == 0 {
			// The document was deleted without the server telling us; a
			// missing document at the minimum version updates the cache
			// without overriding newer state.
			key := td.Target.DocumentKey()
			a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, model.MinVersion))
		} else if expected != 1 {
			a.logger.Printf("Warning: single document target %d has existence filter count %d", id, expected)
		}
		return
	}
	current := a.currentDocumentCountForTarget(id)
	if current == expected {
		return
	}
	result := a.applyBloomFilter(change, current)
	if result == bloomFilterSuccess {
		return
	}
	a.resetTarget(id)
	purpose := persistence.PurposeExistenceFilterMismatch
	if result == bloomFilterFalsePositive {
		purpose = persistence.PurposeExistenceFilterMismatchBloom
	}
	a.pendingTargetResets[id] = purpose
	logging.Debugf(a.logger, "Existence filter mismatch for target %d: local %d, server %d (%s)", id, current, expected, purpose)
}

func (a *WatchChangeAggregator) applyBloomFilter(change *ExistenceFilterChange, currentCount int) bloomFilterResult {
	frame := change.Filter.UnchangedNames
	if frame == nil {
		return bloomFilterSkipped
	}
	bloom, err := BloomFilterFromFrame(frame)
	if err != nil {
		a.logger.Printf("Warning: ignoring malformed bloom filter for target %d: %v", change.TargetID, err)
		return bloomFilterSkipped
	}
	if bloom.BitCount() == 0 {
		return bloomFilterSkipped
	}
	removed := a.filterRemovedDocuments(bloom, change.TargetID)
	if change.Filter.Count != currentCount-removed {
		return bloomFilterFalsePositive
	}
	return bloomFilterSuccess
}

// filterRemovedDocuments removes the target's documents that the bloom
// filter does not contain and returns how many it removed.
func (a *WatchChangeAggregator) filterRemovedDocuments(bloom *BloomFilter, id model.TargetID) int {
	removed := 0
	a.provider.RemoteKeysForTarget(id).ForEach(func(key model.DocumentKey) bool {
		if !bloom.MightContain(a.serializer.EncodeName(key)) {
			a.removeDocumentFromTarget(id, key, nil)
			removed++
		}
		return true
	})
	return removed
}

// CreateRemoteEvent turns everything collected since the last call into a
// RemoteEvent at snapshotVersion and clears the pending state.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) *RemoteEvent {
	targetChanges := make(map[model.TargetID]*TargetChange)
	for id, state := range a.targetStates {
		td := a.targetDataForActiveTarget(id)
		if td == nil {
			continue
		}
		if state.current && td.Target.IsDocumentTarget() {
			// A current document target that never reported its document
			// proves the document does not exist. This resolves limbo
			// documents that were deleted.
			key := td.Target.DocumentKey()
			if _, ok := a.pendingDocumentUpdates[key]; !ok && !a.targetContainsDocument(id, key) {
				a.removeDocumentFromTarget(id, key, model.NewNoDocument(key, snapshotVersion))
			}
		}
		if state.hasPendingChanges {
			targetChanges[id] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	resolvedLimbo := model.NewDocumentKeySet()
	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true
		for id := range targets {
			td := a.targetDataForActiveTarget(id)
			if td != nil && td.Purpose != persistence.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimbo = resolvedLimbo.Add(key)
		}
	}

	for _, doc := range a.pendingDocumentUpdates {
		doc.SetReadTime(snapshotVersion)
	}

	event := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimbo,
	}
	a.resetPending()
	return event
}

func (a *WatchChangeAggregator) addDocumentToTarget(id model.TargetID, doc *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	ct := changeAdded
	if a.targetContainsDocument(id, doc.Key) {
		ct = changeModified
	}
	a.ensureTargetState(id).addDocumentChange(doc.Key, ct)
	a.pendingDocumentUpdates[doc.Key] = doc
	a.ensureDocumentTargetMapping(doc.Key)[id] = true
}

// removeDocumentFromTarget records that key left the target. doc, if not
// nil, is the document's new state.
func (a *WatchChangeAggregator) removeDocumentFromTarget(id model.TargetID, key model.DocumentKey, doc *model.MutableDocument) {
	if !a.isActiveTarget(id) {
		return
	}
	state := a.ensureTargetState(id)
	if a.targetContainsDocument(id, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// Added and removed within the same snapshot.
		state.removeDocumentChange(key)
	}
	a.ensureDocumentTargetMapping(key)[id] = true
	if doc != nil {
		a.pendingDocumentUpdates[key] = doc
	}
}

// RemoveTarget forgets a target.
func (a *WatchChangeAggregator) RemoveTarget(id model.TargetID) {
	delete(a.targetStates, id)
}

// currentDocumentCountForTarget is the number of documents the target
// matches once pending changes are applied.
func (a *WatchChangeAggregator) currentDocumentCountForTarget(id model.TargetID) int {
	change := a.ensureTargetState(id).toTargetChange()
	return a.provider.RemoteKeysForTarget(id).Len() + change.AddedDocuments.Len() - change.RemovedDocuments.Len()
}

// RecordPendingTargetRequest notes a watch or unwatch request for id. The
// target's changes are ignored until the server answers it.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(id model.TargetID) {
	a.ensureTargetState(id).pendingResponses++
}

func (a *WatchChangeAggregator) ensureTargetState(id model.TargetID) *targetState {
	state, ok := a.targetStates[id]
	if !ok {
		state = newTargetState()
		a.targetStates[id] = state
	}
	return state
}

func (a *WatchChangeAggregator) ensureDocumentTargetMapping(key model.DocumentKey) map[model.TargetID]bool {
	targets, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		targets = make(map[model.TargetID]bool)
		a.pendingDocumentTargetMapping[key] = targets
	}
	return targets
}

func (a *WatchChangeAggregator) isActiveTarget(id model.TargetID) bool {
	return a.targetDataForActiveTarget(id) != nil
}

func (a *WatchChangeAggregator) targetDataForActiveTarget(id model.TargetID) *persistence.TargetData {
	if state, ok := a.targetStates[id]; ok && state.isPending() {
		return nil
	}
	return a.provider.TargetDataForActiveTarget(id)
}

// resetTarget discards the target's state and marks every document it
// matched as removed.
func (a *WatchChangeAggregator) resetTarget(id model.TargetID) {
	a.targetStates[id] = newTargetState()
	a.provider.RemoteKeysForTarget(id).ForEach(func(key model.DocumentKey) bool {
		a.removeDocumentFromTarget(id, key, nil)
		return true
	})
}

func (a *WatchChangeAggregator) targetContainsDocument(id model.TargetID, key model.DocumentKey) bool {
	return a.provider.RemoteKeysForTarget(id).Has(key)
}
