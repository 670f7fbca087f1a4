package core

import (
	"sort"

	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// LimboChangeType says whether a document entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving limbo.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the result of ComputeDocChanges, to be passed to
// ApplyChanges.
type ViewDocumentChanges struct {
	DocumentSet model.DocumentSet
	ChangeSet   *DocumentChangeSet
	MutatedKeys model.DocumentKeySet

	// NeedsRefill is set when a limit query lost a document at its edge
	// and documents outside the view may now belong in it. The changes
	// must then be recomputed against a full query result.
	NeedsRefill bool
}

// ViewChange is what applying changes to a view produced. Snapshot is nil
// when nothing visible changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View is the current result of one query.
type View struct {
	query query.Query
	cmp   model.DocumentComparator

	syncState   SyncState
	current     bool
	documentSet model.DocumentSet
	mutatedKeys model.DocumentKeySet

	// syncedDocuments are the keys the server says match the target.
	syncedDocuments model.DocumentKeySet
	// limboDocuments are documents in the view the server does not know
	// about.
	limboDocuments model.DocumentKeySet
}

// NewView returns an empty view of q. syncedDocuments are the keys last
// reported by the server for q's target.
func NewView(q query.Query, syncedDocuments model.DocumentKeySet) *View {
	cmp := q.Comparator()
	return &View{
		query:           q,
		cmp:             cmp,
		syncState:       SyncStateNone,
		documentSet:     model.NewDocumentSet(cmp),
		mutatedKeys:     model.NewDocumentKeySet(),
		syncedDocuments: syncedDocuments,
		limboDocuments:  model.NewDocumentKeySet(),
	}
}

// Query returns the view's query.
func (v *View) Query() query.Query { return v.query }

// SyncedDocuments returns the keys the server reported for the view.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

// LimboDocuments returns the keys currently in limbo.
func (v *View) LimboDocuments() model.DocumentKeySet { return v.limboDocuments }

// ComputeDocChanges works out how docChanges affect the view without
// modifying it. Pass the result of a previous call as previous to layer
// further changes on top of it.
func (v *View) ComputeDocChanges(docChanges model.DocumentMap, previous *ViewDocumentChanges) *ViewDocumentChanges {
	changeSet := NewDocumentChangeSet()
	oldDocs := v.documentSet
	mutatedKeys := v.mutatedKeys
	if previous != nil {
		changeSet = previous.ChangeSet
		oldDocs = previous.DocumentSet
		mutatedKeys = previous.MutatedKeys
	}
	newDocs := oldDocs
	needsRefill := false

	// The documents at the edge of a full limit query. A change that moves
	// a document past them may pull in documents the view never saw.
	var lastInLimit, firstInLimit *model.MutableDocument
	if v.query.HasLimit() && oldDocs.Len() == v.query.Limit {
		if v.query.LimitType == query.LimitFirst {
			lastInLimit = oldDocs.Last()
		} else {
			firstInLimit = oldDocs.First()
		}
	}

	for _, key := range docChanges.SortedKeys() {
		entry := docChanges[key]
		oldDoc := oldDocs.Get(key)
		var newDoc *model.MutableDocument
		if entry != nil && v.query.Matches(entry) {
			newDoc = entry
		}

		oldHadPending := oldDoc != nil && v.mutatedKeys.Has(key)
		newHasPending := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		applied := false
		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.Track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					applied = true
					if (lastInLimit != nil && v.cmp(newDoc, lastInLimit) > 0) ||
						(firstInLimit != nil && v.cmp(newDoc, firstInLimit) < 0) {
						needsRefill = true
					}
				}
			} else if oldHadPending != newHasPending {
				changeSet.Track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				applied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.Track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			applied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			applied = true
			if lastInLimit != nil || firstInLimit != nil {
				needsRefill = true
			}
		}

		if !applied {
			continue
		}
		if newDoc != nil {
			newDocs = newDocs.Add(newDoc)
			if newHasPending {
				mutatedKeys = mutatedKeys.Add(key)
			} else {
				mutatedKeys = mutatedKeys.Remove(key)
			}
		} else {
			newDocs = newDocs.Delete(key)
			mutatedKeys = mutatedKeys.Remove(key)
		}
	}

	if v.query.HasLimit() {
		for newDocs.Len() > v.query.Limit {
			evicted := newDocs.Last()
			if v.query.LimitType == query.LimitLast {
				evicted = newDocs.First()
			}
			newDocs = newDocs.Delete(evicted.Key)
			mutatedKeys = mutatedKeys.Remove(evicted.Key)
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: evicted})
		}
	}

	return &ViewDocumentChanges{
		DocumentSet: newDocs,
		ChangeSet:   changeSet,
		MutatedKeys: mutatedKeys,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back a document whose local write was
// acknowledged but whose new server state has not arrived yet, so the view
// does not flicker back to the old value.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.MutableDocument) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

func changeTypeOrder(t ChangeType) int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	default:
		return 2
	}
}

// ApplyChanges updates the view with changes computed by
// ComputeDocChanges. targetChange, if not nil, carries the server's view
// of the target. With updateLimbo the view recomputes which of its
// documents are in limbo. targetIsPendingReset holds the view in the local
// state while the target is being re-listened after a mismatch.
func (v *View) ApplyChanges(changes *ViewDocumentChanges, updateLimbo bool,
	targetChange *remote.TargetChange, targetIsPendingReset bool) ViewChange {
	oldDocs := v.documentSet
	v.documentSet = changes.DocumentSet
	v.mutatedKeys = changes.MutatedKeys

	docChanges := changes.ChangeSet.Changes()
	sort.SliceStable(docChanges, func(i, j int) bool {
		a, b := docChanges[i], docChanges[j]
		if oa, ob := changeTypeOrder(a.Type), changeTypeOrder(b.Type); oa != ob {
			return oa < ob
		}
		return v.cmp(a.Doc, b.Doc) < 0
	})

	v.applyTargetChange(targetChange)

	var limboChanges []LimboDocumentChange
	if updateLimbo && !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.limboDocuments.IsEmpty() && v.current && !targetIsPendingReset
	newState := SyncStateLocal
	if synced {
		newState = SyncStateSynced
	}
	stateChanged := newState != v.syncState
	v.syncState = newState

	if len(docChanges) == 0 && !stateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}
	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             changes.DocumentSet,
			OldDocs:          oldDocs,
			DocChanges:       docChanges,
			MutatedKeys:      changes.MutatedKeys,
			FromCache:        newState == SyncStateLocal,
			SyncStateChanged: stateChanged,
			HasCachedResults: targetChange != nil && len(targetChange.ResumeToken) > 0,
		},
		LimboChanges: limboChanges,
	}
}

// ApplyOnlineStateChange marks the view stale when the client goes
// offline, so listeners learn that the results may be out of date.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if v.current && state == remote.OnlineStateOffline {
		v.current = false
		return v.ApplyChanges(&ViewDocumentChanges{
			DocumentSet: v.documentSet,
			ChangeSet:   NewDocumentChangeSet(),
			MutatedKeys: v.mutatedKeys,
		}, false, nil, false)
	}
	return ViewChange{}
}

// SynchronizeWithPersistedState resets the view to a fresh query result,
// for example after the user changed.
func (v *View) SynchronizeWithPersistedState(result *local.QueryResult) ViewChange {
	v.syncedDocuments = result.RemoteKeys
	v.limboDocuments = model.NewDocumentKeySet()
	changes := v.ComputeDocChanges(result.Documents, nil)
	return v.ApplyChanges(changes, true, nil, false)
}

// ComputeInitialSnapshot returns the view's current state as if every
// document had just been added.
func (v *View) ComputeInitialSnapshot() *ViewSnapshot {
	return FromInitialDocuments(v.query, v.documentSet, v.mutatedKeys,
		v.syncState == SyncStateLocal, false, false)
}

func (v *View) applyTargetChange(change *remote.TargetChange) {
	if change == nil {
		return
	}
	change.AddedDocuments.ForEach(func(key model.DocumentKey) bool {
		v.syncedDocuments = v.syncedDocuments.Add(key)
		return true
	})
	change.RemovedDocuments.ForEach(func(key model.DocumentKey) bool {
		v.syncedDocuments = v.syncedDocuments.Remove(key)
		return true
	})
	v.current = change.Current
}

func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Has(key) {
		return false
	}
	doc := v.documentSet.Get(key)
	if doc == nil {
		return false
	}
	// Local writes are expected to be missing from the server's result
	// until they are acknowledged.
	return !doc.HasLocalMutations()
}

func (v *View) updateLimboDocuments() []LimboDocumentChange {
	// Limbo is only meaningful once the server's result is complete.
	if !v.current {
		return nil
	}
	old := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()
	v.documentSet.ForEach(func(doc *model.MutableDocument) bool {
		if v.shouldBeInLimbo(doc.Key) {
			v.limboDocuments = v.limboDocuments.Add(doc.Key)
		}
		return true
	})

	var changes []LimboDocumentChange
	old.ForEach(func(key model.DocumentKey) bool {
		if !v.limboDocuments.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: key})
		}
		return true
	})
	v.limboDocuments.ForEach(func(key model.DocumentKey) bool {
		if !old.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: key})
		}
		return true
	})
	return changes
}
