package local

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

var ctx = context.Background()

func version(secs int64) model.SnapshotVersion {
	return model.NewSnapshotVersion(model.Timestamp{Seconds: secs})
}

func key(path string) model.DocumentKey { return model.MustDocumentKey(path) }

func fields(kv ...any) *model.ObjectValue {
	m := make(map[string]model.Value)
	for i := 0; i < len(kv); i += 2 {
		var v model.Value
		switch x := kv[i+1].(type) {
		case int:
			v = model.IntegerValue(int64(x))
		case string:
			v = model.StringValue(x)
		case bool:
			v = model.BooleanValue(x)
		default:
			panic(fmt.Sprintf("unsupported field value %T", x))
		}
		m[kv[i].(string)] = v
	}
	return model.ObjectValueFromMap(m)
}

func foundDoc(path string, secs int64, kv ...any) *model.MutableDocument {
	return model.NewFoundDocument(key(path), version(secs), fields(kv...))
}

func testConfig() LocalStoreConfig {
	cfg := DefaultLocalStoreConfig()
	cfg.Logger = logging.Discard()
	return cfg
}

// newMemoryStore uses LRU collection so acknowledged documents stay cached.
func newMemoryStore(t *testing.T) *LocalStore {
	t.Helper()
	p := persistence.NewMemoryPersistence(persistence.MemoryConfig{
		GC:     persistence.GCLru,
		Lru:    persistence.DefaultLruParams(),
		Logger: logging.Discard(),
	})
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return NewLocalStore(p, auth.User{UID: "alice"}, testConfig())
}

func newSQLiteStore(t *testing.T) *LocalStore {
	t.Helper()
	cfg := persistence.DefaultSQLiteConfig(filepath.Join(t.TempDir(), "cache.db"))
	cfg.WatchLease = false
	cfg.Logger = logging.Discard()
	p := persistence.NewSQLitePersistence(cfg)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown() })
	return NewLocalStore(p, auth.User{UID: "alice"}, testConfig())
}

func write(t *testing.T, s *LocalStore, muts ...mutation.Mutation) *LocalWriteResult {
	t.Helper()
	res, err := s.WriteLocally(ctx, muts)
	if err != nil {
		t.Fatalf("WriteLocally: %v", err)
	}
	return res
}

func read(t *testing.T, s *LocalStore, path string) *model.MutableDocument {
	t.Helper()
	doc, err := s.ReadDocument(ctx, key(path))
	if err != nil {
		t.Fatalf("ReadDocument(%s): %v", path, err)
	}
	return doc
}

func intField(t *testing.T, doc *model.MutableDocument, field string) int64 {
	t.Helper()
	v, ok := doc.Field(model.MustFieldPath(field))
	if !ok || v.Kind() != model.KindInteger {
		t.Fatalf("%s.%s = %v, want an integer", doc.Key, field, v)
	}
	return v.IntegerValue()
}

func listen(t *testing.T, s *LocalStore, q query.Query) *persistence.TargetData {
	t.Helper()
	data, err := s.AllocateTarget(ctx, q.ToTarget())
	if err != nil {
		t.Fatalf("AllocateTarget: %v", err)
	}
	return data
}

// addedEvent reports docs as added to targetID at secs.
func addedEvent(secs int64, targetID model.TargetID, token string, docs ...*model.MutableDocument) *remote.RemoteEvent {
	change := remote.NewTargetChange()
	change.Current = true
	change.ResumeToken = []byte(token)
	updates := make(model.DocumentMap)
	for _, d := range docs {
		change.AddedDocuments = change.AddedDocuments.Add(d.Key)
		updates[d.Key] = d
	}
	return &remote.RemoteEvent{
		SnapshotVersion:        version(secs),
		TargetChanges:          map[model.TargetID]*remote.TargetChange{targetID: change},
		TargetMismatches:       map[model.TargetID]persistence.TargetPurpose{},
		DocumentUpdates:        updates,
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}

func apply(t *testing.T, s *LocalStore, event *remote.RemoteEvent) model.DocumentMap {
	t.Helper()
	changes, err := s.ApplyRemoteEvent(ctx, event)
	if err != nil {
		t.Fatalf("ApplyRemoteEvent: %v", err)
	}
	return changes
}

func sortedPaths(docs model.DocumentMap) []string {
	var out []string
	for _, k := range docs.SortedKeys() {
		out = append(out, k.String())
	}
	return out
}

func TestWriteLocallyShowsPendingWrite(t *testing.T) {
	s := newMemoryStore(t)
	res := write(t, s, mutation.NewSet(key("rooms/a"), fields("n", 1)))

	if diff := cmp.Diff([]string{"rooms/a"}, sortedPaths(res.Changes)); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}
	doc := read(t, s, "rooms/a")
	if !doc.IsFoundDocument() || !doc.HasLocalMutations() {
		t.Fatalf("rooms/a = %v, want found with local mutations", doc)
	}
	if got := intField(t, doc, "n"); got != 1 {
		t.Errorf("n = %d, want 1", got)
	}

	id, err := s.HighestUnacknowledgedBatchID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != res.BatchID {
		t.Errorf("highest unacknowledged batch = %d, want %d", id, res.BatchID)
	}
}

func TestAcknowledgeBatch(t *testing.T) {
	s := newMemoryStore(t)
	res := write(t, s, mutation.NewSet(key("rooms/a"), fields("n", 1)))
	batch, err := s.NextMutationBatch(ctx, model.UnknownBatchID)
	if err != nil || batch == nil {
		t.Fatalf("NextMutationBatch = %v, %v", batch, err)
	}
	if batch.BatchID != res.BatchID {
		t.Fatalf("next batch = %d, want %d", batch.BatchID, res.BatchID)
	}

	result, err := mutation.NewBatchResult(batch, version(10), []mutation.Result{{Version: version(10)}}, []byte("token-1"))
	if err != nil {
		t.Fatal(err)
	}
	changes, err := s.AcknowledgeBatch(ctx, result)
	if err != nil {
		t.Fatalf("AcknowledgeBatch: %v", err)
	}
	doc := changes[key("rooms/a")]
	if doc == nil || !doc.IsFoundDocument() || !doc.HasCommittedMutations() {
		t.Fatalf("acknowledged view = %v, want committed document", doc)
	}
	if !doc.Version.Equal(version(10)) {
		t.Errorf("version = %v, want 10s", doc.Version)
	}

	id, err := s.HighestUnacknowledgedBatchID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != model.UnknownBatchID {
		t.Errorf("highest unacknowledged batch = %d after ack", id)
	}
	token, err := s.LastStreamToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(token) != "token-1" {
		t.Errorf("stream token = %q", token)
	}
}

func TestRejectBatch(t *testing.T) {
	s := newMemoryStore(t)
	res := write(t, s, mutation.NewSet(key("rooms/a"), fields("n", 1)))

	changes, err := s.RejectBatch(ctx, res.BatchID)
	if err != nil {
		t.Fatalf("RejectBatch: %v", err)
	}
	if doc := changes[key("rooms/a")]; doc == nil || doc.IsFoundDocument() {
		t.Errorf("rejected view = %v, want no document", doc)
	}
	if doc := read(t, s, "rooms/a"); doc.IsFoundDocument() {
		t.Errorf("rooms/a still visible after rejection: %v", doc)
	}
	if _, err := s.RejectBatch(ctx, res.BatchID); err == nil {
		t.Error("rejecting a missing batch succeeded")
	}
}

func TestLaterBatchWinsOverlay(t *testing.T) {
	s := newMemoryStore(t)
	first := write(t, s, mutation.NewSet(key("rooms/a"), fields("n", 1, "tag", "x")))
	write(t, s, mutation.NewPatch(key("rooms/a"), fields("n", 2), model.NewFieldMask(model.MustFieldPath("n")), mutation.Exists(true)))

	if got := intField(t, read(t, s, "rooms/a"), "n"); got != 2 {
		t.Fatalf("n = %d, want 2", got)
	}
	// Dropping the first batch leaves a patch on a missing document.
	if _, err := s.RejectBatch(ctx, first.BatchID); err != nil {
		t.Fatal(err)
	}
	if doc := read(t, s, "rooms/a"); doc.IsFoundDocument() {
		t.Errorf("patch without base document produced %v", doc)
	}
}

func TestIncrementKeepsBaseValue(t *testing.T) {
	s := newMemoryStore(t)
	target := listen(t, s, query.NewQuery(model.MustParseResourcePath("counters")))
	apply(t, s, addedEvent(1, target.TargetID, "t1", foundDoc("counters/c", 1, "n", 1)))

	inc := mutation.NewPatch(key("counters/c"), model.NewObjectValue(), model.NewFieldMask(), mutation.Exists(true),
		mutation.FieldTransform{
			Field:     model.MustFieldPath("n"),
			Transform: mutation.TransformOperation{Kind: mutation.NumericIncrement, Operand: model.IntegerValue(2)},
		})
	write(t, s, inc)
	if got := intField(t, read(t, s, "counters/c"), "n"); got != 3 {
		t.Fatalf("n = %d, want 3", got)
	}

	// The server value moving under a pending increment does not change
	// the local view until the increment is acknowledged.
	change := remote.NewTargetChange()
	change.ModifiedDocuments = change.ModifiedDocuments.Add(key("counters/c"))
	apply(t, s, &remote.RemoteEvent{
		SnapshotVersion:        version(2),
		TargetChanges:          map[model.TargetID]*remote.TargetChange{target.TargetID: change},
		TargetMismatches:       map[model.TargetID]persistence.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{key("counters/c"): foundDoc("counters/c", 2, "n", 10)},
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	})
	if got := intField(t, read(t, s, "counters/c"), "n"); got != 3 {
		t.Errorf("n = %d after remote change, want 3", got)
	}
}

func TestApplyRemoteEvent(t *testing.T) {
	s := newMemoryStore(t)
	q := query.NewQuery(model.MustParseResourcePath("rooms"))
	target := listen(t, s, q)

	changes := apply(t, s, addedEvent(5, target.TargetID, "t1", foundDoc("rooms/a", 5, "n", 1), foundDoc("rooms/b", 5, "n", 2)))
	if diff := cmp.Diff([]string{"rooms/a", "rooms/b"}, sortedPaths(changes)); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}

	res, err := s.ExecuteQuery(ctx, q, true)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if diff := cmp.Diff([]string{"rooms/a", "rooms/b"}, sortedPaths(res.Documents)); diff != "" {
		t.Errorf("query result (-want +got):\n%s", diff)
	}
	if !res.RemoteKeys.Equal(model.NewDocumentKeySet(key("rooms/a"), key("rooms/b"))) {
		t.Errorf("remote keys = %v", res.RemoteKeys.Keys())
	}

	v, err := s.LastRemoteSnapshotVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(version(5)) {
		t.Errorf("last remote snapshot = %v, want 5s", v)
	}
	data := s.TargetData(target.TargetID)
	if string(data.ResumeToken) != "t1" || !data.SnapshotVersion.Equal(version(5)) {
		t.Errorf("target data = %+v", data)
	}

	// Older versions of a document are ignored.
	changes = apply(t, s, addedEvent(6, target.TargetID, "", foundDoc("rooms/a", 3, "n", 99)))
	if len(changes) != 0 {
		t.Errorf("stale update changed %v", sortedPaths(changes))
	}
	if got := intField(t, read(t, s, "rooms/a"), "n"); got != 1 {
		t.Errorf("n = %d after stale update, want 1", got)
	}

	if _, err := s.ApplyRemoteEvent(ctx, addedEvent(4, target.TargetID, "")); err == nil {
		t.Error("snapshot version moved backwards without error")
	}
}

func TestApplyRemoteEventMismatchClearsResumeToken(t *testing.T) {
	s := newMemoryStore(t)
	target := listen(t, s, query.NewQuery(model.MustParseResourcePath("rooms")))
	apply(t, s, addedEvent(1, target.TargetID, "t1", foundDoc("rooms/a", 1)))

	event := addedEvent(2, target.TargetID, "t2")
	event.TargetMismatches[target.TargetID] = persistence.PurposeExistenceFilterMismatch
	apply(t, s, event)

	data := s.TargetData(target.TargetID)
	if len(data.ResumeToken) != 0 {
		t.Errorf("resume token = %q after mismatch, want empty", data.ResumeToken)
	}
	if !data.LastLimboFreeSnapshotVersion.IsMin() {
		t.Errorf("limbo-free version = %v after mismatch", data.LastLimboFreeSnapshotVersion)
	}
}

func TestRemoteDeleteWithPendingPatch(t *testing.T) {
	s := newMemoryStore(t)
	target := listen(t, s, query.NewQuery(model.MustParseResourcePath("rooms")))
	apply(t, s, addedEvent(1, target.TargetID, "t1", foundDoc("rooms/a", 1, "n", 1)))
	write(t, s, mutation.NewPatch(key("rooms/a"), fields("m", 2), model.NewFieldMask(model.MustFieldPath("m")), mutation.Exists(true)))

	change := remote.NewTargetChange()
	change.RemovedDocuments = change.RemovedDocuments.Add(key("rooms/a"))
	changes := apply(t, s, &remote.RemoteEvent{
		SnapshotVersion:        version(2),
		TargetChanges:          map[model.TargetID]*remote.TargetChange{target.TargetID: change},
		TargetMismatches:       map[model.TargetID]persistence.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{key("rooms/a"): model.NewNoDocument(key("rooms/a"), version(2))},
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	})
	// The patch's precondition no longer holds, so the document is gone
	// locally too.
	if doc := changes[key("rooms/a")]; doc == nil || doc.IsFoundDocument() {
		t.Errorf("view after remote delete = %v", doc)
	}
}

func TestExecuteQueryMergesLocalWrites(t *testing.T) {
	s := newMemoryStore(t)
	f, err := query.NewFieldFilter(model.MustFieldPath("open"), query.Equal, model.BooleanValue(true))
	if err != nil {
		t.Fatal(err)
	}
	q := query.NewQuery(model.MustParseResourcePath("rooms")).WithFilter(f)
	target := listen(t, s, q)
	apply(t, s, addedEvent(1, target.TargetID, "t1", foundDoc("rooms/a", 1, "open", true), foundDoc("rooms/b", 1, "open", true)))

	write(t, s,
		mutation.NewSet(key("rooms/c"), fields("open", true)),
		mutation.NewPatch(key("rooms/b"), fields("open", false), model.NewFieldMask(model.MustFieldPath("open")), mutation.Exists(true)),
	)
	for _, usePrevious := range []bool{false, true} {
		res, err := s.ExecuteQuery(ctx, q, usePrevious)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"rooms/a", "rooms/c"}, sortedPaths(res.Documents)); diff != "" {
			t.Errorf("usePreviousResults=%v (-want +got):\n%s", usePrevious, diff)
		}
	}
}

func TestCollectionGroupQuery(t *testing.T) {
	s := newMemoryStore(t)
	write(t, s,
		mutation.NewSet(key("rooms/a/messages/1"), fields("n", 1)),
		mutation.NewSet(key("users/u/messages/2"), fields("n", 2)),
		mutation.NewSet(key("rooms/a/other/3"), fields("n", 3)),
	)
	res, err := s.ExecuteQuery(ctx, query.NewCollectionGroupQuery("messages"), false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"rooms/a/messages/1", "users/u/messages/2"}, sortedPaths(res.Documents)); diff != "" {
		t.Errorf("collection group result (-want +got):\n%s", diff)
	}
}

func TestAllocateAndReleaseTarget(t *testing.T) {
	s := newMemoryStore(t)
	q := query.NewQuery(model.MustParseResourcePath("rooms"))
	first := listen(t, s, q)
	again := listen(t, s, q)
	if first.TargetID != again.TargetID {
		t.Errorf("same query got targets %d and %d", first.TargetID, again.TargetID)
	}
	if first.TargetID%2 != 0 {
		t.Errorf("local store allocated odd target id %d", first.TargetID)
	}
	other := listen(t, s, query.NewQuery(model.MustParseResourcePath("users")))
	if other.TargetID == first.TargetID {
		t.Error("different queries share a target id")
	}

	if err := s.ReleaseTarget(ctx, first.TargetID, false); err != nil {
		t.Fatalf("ReleaseTarget: %v", err)
	}
	if s.TargetData(first.TargetID) != nil {
		t.Error("released target still active")
	}
	if err := s.ReleaseTarget(ctx, first.TargetID, false); err == nil {
		t.Error("releasing twice succeeded")
	}
	if diff := cmp.Diff(map[model.TargetID]bool{other.TargetID: true}, s.ActiveTargetIDs()); diff != "" {
		t.Errorf("active targets (-want +got):\n%s", diff)
	}
}

func TestNotifyLocalViewChanges(t *testing.T) {
	s := newMemoryStore(t)
	target := listen(t, s, query.NewQuery(model.MustParseResourcePath("rooms")))
	apply(t, s, addedEvent(3, target.TargetID, "t1", foundDoc("rooms/a", 3)))

	err := s.NotifyLocalViewChanges(ctx, []LocalViewChanges{{
		TargetID:  target.TargetID,
		FromCache: true,
		Added:     model.NewDocumentKeySet(key("rooms/a")),
		Removed:   model.NewDocumentKeySet(),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !s.localViewReferences.ContainsKey(key("rooms/a")) {
		t.Error("view document not pinned")
	}
	if !s.TargetData(target.TargetID).LastLimboFreeSnapshotVersion.IsMin() {
		t.Error("cached view advanced the limbo-free version")
	}

	err = s.NotifyLocalViewChanges(ctx, []LocalViewChanges{{
		TargetID: target.TargetID,
		Added:    model.NewDocumentKeySet(),
		Removed:  model.NewDocumentKeySet(key("rooms/a")),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if s.localViewReferences.ContainsKey(key("rooms/a")) {
		t.Error("removed document still pinned")
	}
	if got := s.TargetData(target.TargetID).LastLimboFreeSnapshotVersion; !got.Equal(version(3)) {
		t.Errorf("limbo-free version = %v, want 3s", got)
	}
}

func TestHandleUserChange(t *testing.T) {
	s := newMemoryStore(t)
	res := write(t, s, mutation.NewSet(key("rooms/a"), fields("n", 1)))

	change, err := s.HandleUserChange(ctx, auth.User{UID: "bob"})
	if err != nil {
		t.Fatalf("HandleUserChange: %v", err)
	}
	if diff := cmp.Diff([]model.BatchID{res.BatchID}, change.RemovedBatchIDs); diff != "" {
		t.Errorf("removed batches (-want +got):\n%s", diff)
	}
	if len(change.AddedBatchIDs) != 0 {
		t.Errorf("bob has batches %v", change.AddedBatchIDs)
	}
	if doc := change.AffectedDocuments[key("rooms/a")]; doc == nil || doc.IsFoundDocument() {
		t.Errorf("bob sees alice's write: %v", doc)
	}

	change, err = s.HandleUserChange(ctx, auth.User{UID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]model.BatchID{res.BatchID}, change.AddedBatchIDs); diff != "" {
		t.Errorf("added batches (-want +got):\n%s", diff)
	}
	if !read(t, s, "rooms/a").IsFoundDocument() {
		t.Error("alice lost her pending write")
	}
}

func TestStreamTokenRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	if err := s.SetLastStreamToken(ctx, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	token, err := s.LastStreamToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(token) != "abc" {
		t.Errorf("token = %q", token)
	}
}

func TestSQLiteStoreWritesSurviveQuery(t *testing.T) {
	s := newSQLiteStore(t)
	target := listen(t, s, query.NewQuery(model.MustParseResourcePath("rooms")))
	apply(t, s, addedEvent(1, target.TargetID, "t1", foundDoc("rooms/a", 1, "n", 1)))
	write(t, s, mutation.NewDelete(key("rooms/a"), mutation.NoPrecondition))
	write(t, s, mutation.NewSet(key("rooms/b"), fields("n", 2)))

	res, err := s.ExecuteQuery(ctx, query.NewQuery(model.MustParseResourcePath("rooms")), true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"rooms/b"}, sortedPaths(res.Documents)); diff != "" {
		t.Errorf("result (-want +got):\n%s", diff)
	}
}

func TestReleaseTargetIgnoresLeaseLoss(t *testing.T) {
	if !isStorageError(persistence.ErrPrimaryLeaseLost) {
		t.Error("lease loss not treated as a storage error")
	}
	if !isStorageError(fmt.Errorf("wrapped: %w", &persistence.TransactionError{Action: "x", Err: errors.New("busy")})) {
		t.Error("transaction error not treated as a storage error")
	}
	if isStorageError(errors.New("boom")) {
		t.Error("plain error treated as a storage error")
	}
}

func setDoc(path string, kv ...any) mutation.Mutation {
	return mutation.NewSet(key(path), fields(kv...))
}
