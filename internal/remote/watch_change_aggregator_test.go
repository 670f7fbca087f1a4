package remote

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

type fakeTargetMetadata struct {
	targets    map[model.TargetID]*persistence.TargetData
	remoteKeys map[model.TargetID]model.DocumentKeySet
}

func newFakeTargetMetadata() *fakeTargetMetadata {
	return &fakeTargetMetadata{
		targets:    make(map[model.TargetID]*persistence.TargetData),
		remoteKeys: make(map[model.TargetID]model.DocumentKeySet),
	}
}

func (f *fakeTargetMetadata) RemoteKeysForTarget(id model.TargetID) model.DocumentKeySet {
	if keys, ok := f.remoteKeys[id]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

func (f *fakeTargetMetadata) TargetDataForActiveTarget(id model.TargetID) *persistence.TargetData {
	return f.targets[id]
}

func (f *fakeTargetMetadata) listenQuery(id model.TargetID, collection string, keys ...string) {
	target := query.NewQuery(model.MustParseResourcePath(collection)).ToTarget()
	f.targets[id] = persistence.NewTargetData(target, id, persistence.PurposeListen, 1)
	set := model.NewDocumentKeySet()
	for _, k := range keys {
		set = set.Add(model.MustDocumentKey(k))
	}
	f.remoteKeys[id] = set
}

func (f *fakeTargetMetadata) listenLimbo(id model.TargetID, key string) {
	target := query.NewDocumentTarget(model.MustDocumentKey(key))
	f.targets[id] = persistence.NewTargetData(target, id, persistence.PurposeLimboResolution, 1)
}

func version(seconds int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: seconds})
}

func doc(key string, v int64, fields map[string]model.Value) *model.MutableDocument {
	return model.NewFoundDocument(model.MustDocumentKey(key), version(v), model.ObjectValueFromMap(fields))
}

func newTestAggregator(meta *fakeTargetMetadata) *WatchChangeAggregator {
	return NewWatchChangeAggregator(meta, NewSerializer(testDB), nil)
}

func TestAggregatorAddsDocuments(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms", "rooms/b")
	a := newTestAggregator(meta)

	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              model.MustDocumentKey("rooms/a"),
		NewDoc:           doc("rooms/a", 1, nil),
	})
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              model.MustDocumentKey("rooms/b"),
		NewDoc:           doc("rooms/b", 1, map[string]model.Value{"x": model.IntegerValue(1)}),
	})
	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetCurrent, TargetIDs: []model.TargetID{2}, ResumeToken: []byte("t1")})

	event := a.CreateRemoteEvent(version(3))
	change := event.TargetChanges[2]
	if change == nil {
		t.Fatal("no change for target 2")
	}
	assert.Equal(t, change.AddedDocuments.Has(model.MustDocumentKey("rooms/a")), true)
	assert.Equal(t, change.ModifiedDocuments.Has(model.MustDocumentKey("rooms/b")), true)
	assert.Equal(t, change.Current, true)
	assert.Equal(t, string(change.ResumeToken), "t1")
	assert.Equal(t, len(event.DocumentUpdates), 2)
	assert.Equal(t, event.DocumentUpdates[model.MustDocumentKey("rooms/a")].ReadTime.Equal(version(3)), true)
	assert.Equal(t, event.ResolvedLimboDocuments.Len(), 0)

	// Pending state is cleared after the event.
	event = a.CreateRemoteEvent(version(4))
	assert.Equal(t, len(event.DocumentUpdates), 0)
	assert.Equal(t, len(event.TargetChanges), 0)
}

func TestAggregatorIgnoresChangesForPendingTargets(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms")
	a := newTestAggregator(meta)

	// A watch request is outstanding; changes belong to the old incarnation.
	a.RecordPendingTargetRequest(2)
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              model.MustDocumentKey("rooms/a"),
		NewDoc:           doc("rooms/a", 1, nil),
	})
	event := a.CreateRemoteEvent(version(2))
	assert.Equal(t, len(event.DocumentUpdates), 0)

	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetAdded, TargetIDs: []model.TargetID{2}})
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              model.MustDocumentKey("rooms/a"),
		NewDoc:           doc("rooms/a", 1, nil),
	})
	event = a.CreateRemoteEvent(version(3))
	assert.Equal(t, len(event.DocumentUpdates), 1)
}

func TestAggregatorRemovedDocument(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms", "rooms/a")
	a := newTestAggregator(meta)

	a.HandleDocumentChange(&DocumentWatchChange{
		RemovedTargetIDs: []model.TargetID{2},
		Key:              model.MustDocumentKey("rooms/a"),
		NewDoc:           model.NewNoDocument(model.MustDocumentKey("rooms/a"), version(2)),
	})
	event := a.CreateRemoteEvent(version(2))
	assert.Equal(t, event.TargetChanges[2].RemovedDocuments.Has(model.MustDocumentKey("rooms/a")), true)
	assert.Equal(t, event.DocumentUpdates[model.MustDocumentKey("rooms/a")].IsNoDocument(), true)
}

func TestAggregatorExistenceFilterMismatch(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms", "rooms/a", "rooms/b")
	a := newTestAggregator(meta)

	a.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 2, Filter: ExistenceFilter{Count: 1}})
	event := a.CreateRemoteEvent(version(2))

	purpose, ok := event.TargetMismatches[2]
	assert.Equal(t, ok, true)
	assert.Equal(t, purpose, persistence.PurposeExistenceFilterMismatch)
	// A reset removes everything the target matched.
	assert.Equal(t, event.TargetChanges[2].RemovedDocuments.Len(), 2)
}

func TestAggregatorExistenceFilterMatchingCount(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms", "rooms/a", "rooms/b")
	a := newTestAggregator(meta)

	a.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 2, Filter: ExistenceFilter{Count: 2}})
	event := a.CreateRemoteEvent(version(2))
	assert.Equal(t, len(event.TargetMismatches), 0)
}

func TestAggregatorBloomFilterRemovesDeletedDocuments(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms", "rooms/a", "rooms/b", "rooms/c")
	a := newTestAggregator(meta)
	s := NewSerializer(testDB)

	// The server still has a and c; b was deleted while we were away.
	bloom := NewBloomFilterForNames([]string{
		s.EncodeName(model.MustDocumentKey("rooms/a")),
		s.EncodeName(model.MustDocumentKey("rooms/c")),
	}, DefaultBloomFilterFalsePositiveRate)
	a.HandleExistenceFilter(&ExistenceFilterChange{
		TargetID: 2,
		Filter:   ExistenceFilter{Count: 2, UnchangedNames: bloom.Frame()},
	})
	event := a.CreateRemoteEvent(version(2))

	if !bloom.MightContain(s.EncodeName(model.MustDocumentKey("rooms/b"))) {
		assert.Equal(t, len(event.TargetMismatches), 0)
		assert.Equal(t, event.TargetChanges[2].RemovedDocuments.Has(model.MustDocumentKey("rooms/b")), true)
		assert.Equal(t, event.TargetChanges[2].RemovedDocuments.Len(), 1)
	} else {
		// b is a false positive, so the counts cannot be reconciled.
		assert.Equal(t, event.TargetMismatches[2], persistence.PurposeExistenceFilterMismatchBloom)
	}
}

func TestAggregatorBloomFilterFalsePositive(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms", "rooms/a", "rooms/b")
	a := newTestAggregator(meta)

	// Every bit set: the filter contains everything, so nothing is
	// removed and the count still differs.
	a.HandleExistenceFilter(&ExistenceFilterChange{
		TargetID: 2,
		Filter: ExistenceFilter{Count: 1, UnchangedNames: &BloomFilterFrame{
			Bits:      BitSequence{Bitmap: []byte{0xff}},
			HashCount: 3,
		}},
	})
	event := a.CreateRemoteEvent(version(2))
	assert.Equal(t, event.TargetMismatches[2], persistence.PurposeExistenceFilterMismatchBloom)
}

func TestAggregatorResolvesDeletedLimboDocument(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenLimbo(3, "rooms/gone")
	a := newTestAggregator(meta)

	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetCurrent, TargetIDs: []model.TargetID{3}, ResumeToken: []byte("r")})
	event := a.CreateRemoteEvent(version(5))

	key := model.MustDocumentKey("rooms/gone")
	got, ok := event.DocumentUpdates[key]
	if !ok {
		t.Fatal("no synthesized delete for the limbo document")
	}
	assert.Equal(t, got.IsNoDocument(), true)
	assert.Equal(t, got.Version.Equal(version(5)), true)
	assert.Equal(t, event.ResolvedLimboDocuments.Has(key), true)
}

func TestAggregatorLimboDocumentSharedWithQueryIsNotResolved(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms")
	meta.listenLimbo(3, "rooms/a")
	a := newTestAggregator(meta)

	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2, 3},
		Key:              model.MustDocumentKey("rooms/a"),
		NewDoc:           doc("rooms/a", 4, nil),
	})
	event := a.CreateRemoteEvent(version(4))
	assert.Equal(t, event.ResolvedLimboDocuments.Len(), 0)
}

func TestAggregatorDocumentTargetWithZeroCount(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenLimbo(3, "rooms/a")
	meta.remoteKeys[3] = model.NewDocumentKeySet(model.MustDocumentKey("rooms/a"))
	a := newTestAggregator(meta)

	a.HandleExistenceFilter(&ExistenceFilterChange{TargetID: 3, Filter: ExistenceFilter{Count: 0}})
	event := a.CreateRemoteEvent(version(6))
	got := event.DocumentUpdates[model.MustDocumentKey("rooms/a")]
	if got == nil || !got.IsNoDocument() {
		t.Fatalf("DocumentUpdates[rooms/a] = %v, want a deleted document", got)
	}
	assert.Equal(t, len(event.TargetMismatches), 0)
}

func TestAggregatorResetClearsTarget(t *testing.T) {
	meta := newFakeTargetMetadata()
	meta.listenQuery(2, "rooms", "rooms/a")
	a := newTestAggregator(meta)

	a.HandleTargetChange(&WatchTargetChange{State: WatchTargetReset, TargetIDs: []model.TargetID{2}})
	a.HandleDocumentChange(&DocumentWatchChange{
		UpdatedTargetIDs: []model.TargetID{2},
		Key:              model.MustDocumentKey("rooms/a"),
		NewDoc:           doc("rooms/a", 2, nil),
	})
	event := a.CreateRemoteEvent(version(2))
	change := event.TargetChanges[2]
	// Re-sent after the reset, so it is modified rather than removed.
	assert.Equal(t, change.RemovedDocuments.Len(), 0)
	assert.Equal(t, change.ModifiedDocuments.Has(model.MustDocumentKey("rooms/a")), true)
}
