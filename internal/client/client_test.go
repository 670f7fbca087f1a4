package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/emulator"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/status"
)

func startEmulator(t *testing.T) *emulator.Server {
	t.Helper()
	srv := emulator.NewServer(&emulator.Config{Port: 0, Database: testDB, Logger: logging.Discard()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start emulator: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func testConfig(host string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Project, cfg.Database = testDB.ProjectID, testDB.Database
	cfg.Host = host
	cfg.Persistence.Backend = config.BackendMemory
	cfg.Network.BackoffInitial = 20 * time.Millisecond
	cfg.Network.BackoffMax = 200 * time.Millisecond
	cfg.Network.OnlineStateTimeout = 500 * time.Millisecond
	return cfg
}

func newClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := New(testContext(t), cfg, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor reads snapshots until one satisfies ok.
func waitFor[T any](t *testing.T, ch <-chan T, ok func(T) bool) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v := <-ch:
			if ok(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timed out waiting for a snapshot")
		}
	}
}

func TestOfflineWritesAreVisibleAndSyncLater(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))
	if err := c.DisableNetwork(ctx); err != nil {
		t.Fatalf("DisableNetwork failed: %v", err)
	}

	ref := c.Doc("rooms/lobby")
	pw, err := c.Batch().Set(ref, map[string]any{"name": "Lobby", "seats": 4}).Enqueue(ctx)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	snap, err := c.GetDoc(ctx, ref, Cache)
	if err != nil {
		t.Fatalf("GetDoc(Cache) failed: %v", err)
	}
	if !snap.Exists() || !snap.Metadata.HasPendingWrites || !snap.Metadata.FromCache {
		t.Fatalf("cached snapshot = %+v", snap.Metadata)
	}
	if diff := cmp.Diff(map[string]any{"name": "Lobby", "seats": int64(4)}, snap.Data()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	select {
	case <-pw.Done():
		t.Fatal("write acknowledged while offline")
	default:
	}
	if srv.Store().Count() != 0 {
		t.Error("write reached the backend while offline")
	}

	if err := c.EnableNetwork(ctx); err != nil {
		t.Fatalf("EnableNetwork failed: %v", err)
	}
	if err := pw.Wait(ctx); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	snap, err = c.GetDoc(ctx, ref, Server)
	if err != nil {
		t.Fatalf("GetDoc(Server) failed: %v", err)
	}
	if snap.Metadata.HasPendingWrites || snap.Metadata.FromCache || snap.UpdateTime.IsZero() {
		t.Errorf("server snapshot = %+v, updated %v", snap.Metadata, snap.UpdateTime)
	}
}

func TestWritesAreSharedBetweenClients(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	writer := newClient(t, testConfig(srv.Addr()))
	reader := newClient(t, testConfig(srv.Addr()))

	if err := writer.Doc("rooms/a").Set(ctx, map[string]any{"topic": "go"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := writer.Doc("rooms/a").Update(ctx, []Update{{Path: "topic", Value: "rust"}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	snap, err := reader.GetDoc(ctx, reader.Doc("rooms/a"), Server)
	if err != nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	if got, _ := snap.DataAt("topic"); got != "rust" {
		t.Errorf("topic = %v, want rust", got)
	}

	if err := writer.Doc("rooms/a").Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	snap, err = reader.GetDoc(ctx, reader.Doc("rooms/a"), Default)
	if err != nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	if snap.Exists() {
		t.Error("deleted document still exists")
	}
}

func TestUpdateMissingDocumentFails(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))

	err := c.Doc("rooms/missing").Update(ctx, []Update{{Path: "a", Value: 1}})
	if status.CodeOf(err) != status.NotFound {
		t.Fatalf("Update error = %v, want NotFound", err)
	}
	if err := c.Doc("rooms/new").Create(ctx, map[string]any{"a": 1}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err = c.Doc("rooms/new").Create(ctx, map[string]any{"a": 2})
	if status.CodeOf(err) != status.AlreadyExists {
		t.Errorf("second Create error = %v, want AlreadyExists", err)
	}
}

func TestRejectedWriteIsRolledBack(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))

	srv.FailNextWrite(status.New(status.PermissionDenied, "no writes for you"))
	err := c.Doc("rooms/a").Set(ctx, map[string]any{"a": 1})
	if status.CodeOf(err) != status.PermissionDenied {
		t.Fatalf("Set error = %v, want PermissionDenied", err)
	}
	snap, err := c.Get(ctx, &c.Collection("rooms").Query, Cache)
	if err != nil {
		t.Fatalf("Get(Cache) failed: %v", err)
	}
	if !snap.Empty() {
		t.Errorf("rejected write is still visible: %d docs", snap.Size())
	}
}

func TestListenReportsChanges(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))
	other := newClient(t, testConfig(srv.Addr()))

	snaps := make(chan *QuerySnapshot, 16)
	unsubscribe, err := c.Listen(&c.Collection("rooms").Query, ListenOptions{}, func(s *QuerySnapshot, err error) {
		if err != nil {
			t.Errorf("listen error: %v", err)
			return
		}
		snaps <- s
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer unsubscribe()

	waitFor(t, snaps, func(s *QuerySnapshot) bool { return !s.Metadata.FromCache && s.Empty() })

	if err := other.Doc("rooms/b").Set(ctx, map[string]any{"n": 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s := waitFor(t, snaps, func(s *QuerySnapshot) bool { return s.Size() == 1 })
	if len(s.Changes) != 1 || s.Changes[0].Kind != DocumentAdded || s.Changes[0].NewIndex != 0 {
		t.Errorf("changes = %+v", s.Changes)
	}

	if err := other.Doc("rooms/a").Set(ctx, map[string]any{"n": 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s = waitFor(t, snaps, func(s *QuerySnapshot) bool { return s.Size() == 2 })
	if s.Docs[0].ID() != "a" || s.Changes[0].NewIndex != 0 {
		t.Errorf("docs = %s, %s; changes = %+v", s.Docs[0].ID(), s.Docs[1].ID(), s.Changes)
	}

	if err := other.Doc("rooms/b").Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	s = waitFor(t, snaps, func(s *QuerySnapshot) bool { return s.Size() == 1 })
	if len(s.Changes) != 1 || s.Changes[0].Kind != DocumentRemoved || s.Changes[0].OldIndex != 1 {
		t.Errorf("changes = %+v", s.Changes)
	}
}

func TestListenDocSeesLocalWriteFirst(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))

	snaps := make(chan *DocumentSnapshot, 16)
	unsubscribe, err := c.ListenDoc(c.Doc("rooms/a"), ListenOptions{IncludeMetadataChanges: true},
		func(s *DocumentSnapshot, err error) {
			if err == nil {
				snaps <- s
			}
		})
	if err != nil {
		t.Fatalf("ListenDoc failed: %v", err)
	}
	defer unsubscribe()
	waitFor(t, snaps, func(s *DocumentSnapshot) bool { return !s.Metadata.FromCache })

	if _, err := c.Batch().Set(c.Doc("rooms/a"), map[string]any{"n": 1}).Enqueue(ctx); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitFor(t, snaps, func(s *DocumentSnapshot) bool { return s.Exists() && s.Metadata.HasPendingWrites })
	waitFor(t, snaps, func(s *DocumentSnapshot) bool { return s.Exists() && !s.Metadata.HasPendingWrites })
}

func TestTransformsAndServerTimestamps(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))
	ref := c.Doc("counters/visits")

	if err := ref.Set(ctx, map[string]any{"n": 1, "tags": []any{"a"}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.DisableNetwork(ctx); err != nil {
		t.Fatalf("DisableNetwork failed: %v", err)
	}
	pw, err := c.Batch().Update(ref, []Update{
		{Path: "n", Value: Increment(2)},
		{Path: "tags", Value: ArrayUnion("a", "b")},
		{Path: "at", Value: ServerTimestamp},
	}).Enqueue(ctx)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	local, err := c.GetDoc(ctx, ref, Cache)
	if err != nil {
		t.Fatalf("GetDoc(Cache) failed: %v", err)
	}
	if got, _ := local.DataAt("n"); got != int64(3) {
		t.Errorf("local n = %v, want 3", got)
	}
	if got := local.Data()["at"]; got != nil {
		t.Errorf("pending server timestamp = %v, want nil", got)
	}
	if _, ok := local.Data(ServerTimestampEstimate)["at"].(time.Time); !ok {
		t.Errorf("estimated server timestamp = %v", local.Data(ServerTimestampEstimate)["at"])
	}

	if err := c.EnableNetwork(ctx); err != nil {
		t.Fatalf("EnableNetwork failed: %v", err)
	}
	if err := pw.Wait(ctx); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	remote, err := c.GetDoc(ctx, ref, Server)
	if err != nil {
		t.Fatalf("GetDoc(Server) failed: %v", err)
	}
	data := remote.Data()
	if data["n"] != int64(3) {
		t.Errorf("n = %v, want 3", data["n"])
	}
	if diff := cmp.Diff([]any{"a", "b"}, data["tags"]); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if _, ok := data["at"].(time.Time); !ok {
		t.Errorf("at = %v, want a time", data["at"])
	}
}

func TestQueryFiltersOrderAndLimit(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))

	batch := c.Batch()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		batch.Set(c.Collection("scores").Doc(id), map[string]any{"score": i, "even": i%2 == 0})
	}
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	ids := func(s *QuerySnapshot) []string {
		var out []string
		for _, d := range s.Docs {
			out = append(out, d.ID())
		}
		return out
	}
	tests := []struct {
		name   string
		query  *Query
		source Source
		want   []string
	}{
		{"where order limit", c.Collection("scores").Where("score", ">=", 1).OrderBy("score", Desc).Limit(2), Server, []string{"e", "d"}},
		{"limit to last", c.Collection("scores").OrderBy("score", Asc).LimitToLast(2), Default, []string{"d", "e"}},
		{"cursor", c.Collection("scores").OrderBy("score", Asc).StartAfter(2).EndAt(3), Default, []string{"d"}},
		{"or filter", c.Collection("scores").WhereFilter(OrFilter{Filters: []Filter{
			PropertyFilter{Path: "score", Operator: "==", Value: 0},
			PropertyFilter{Path: "score", Operator: "==", Value: 4},
		}}), Default, []string{"a", "e"}},
		{"in", c.Collection("scores").Where("score", "in", []any{1, 3}), Default, []string{"b", "d"}},
		{"document id", c.Collection("scores").Where(DocumentID, "==", "c"), Default, []string{"c"}},
		{"from cache", c.Collection("scores").Where("even", "==", true), Cache, []string{"a", "c", "e"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := c.Get(ctx, tt.query, tt.source)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, ids(snap)); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunTransaction(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))
	ref := c.Doc("counters/tx")
	if err := ref.Set(ctx, map[string]any{"n": 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	attempts := 0
	err := c.RunTransaction(ctx, func(ctx context.Context, tx *Transaction) error {
		attempts++
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		n, _ := snap.DataAt("n")
		return tx.Update(ref, []Update{{Path: "n", Value: n.(int64) + 1}})
	})
	if err != nil {
		t.Fatalf("RunTransaction failed: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	snap, err := c.GetDoc(ctx, ref, Server)
	if err != nil {
		t.Fatalf("GetDoc failed: %v", err)
	}
	if got, _ := snap.DataAt("n"); got != int64(2) {
		t.Errorf("n = %v, want 2", got)
	}

	boom := errors.New("boom")
	err = c.RunTransaction(ctx, func(ctx context.Context, tx *Transaction) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("RunTransaction error = %v, want boom", err)
	}
}

func TestWaitForPendingWrites(t *testing.T) {
	srv := startEmulator(t)
	ctx := testContext(t)
	c := newClient(t, testConfig(srv.Addr()))

	if err := c.WaitForPendingWrites(ctx); err != nil {
		t.Fatalf("WaitForPendingWrites with no writes failed: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := c.Batch().Set(c.Doc("rooms/"+id), map[string]any{"id": id}).Enqueue(ctx); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := c.WaitForPendingWrites(ctx); err != nil {
		t.Fatalf("WaitForPendingWrites failed: %v", err)
	}
	if n := srv.Store().Count(); n != 2 {
		t.Errorf("backend has %d documents, want 2", n)
	}
	st, err := c.CacheStatus(ctx)
	if err != nil {
		t.Fatalf("CacheStatus failed: %v", err)
	}
	if st.PendingWrites || st.Backend != config.BackendMemory {
		t.Errorf("status = %+v", st)
	}
}

func TestCloseAndClearPersistence(t *testing.T) {
	cfg := testConfig("127.0.0.1:1")
	cfg.Persistence.Backend = config.BackendSQLite
	cfg.Persistence.Path = filepath.Join(t.TempDir(), "cache.db")
	ctx := testContext(t)

	c, err := New(ctx, cfg, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.DisableNetwork(ctx); err != nil {
		t.Fatalf("DisableNetwork failed: %v", err)
	}
	if _, err := c.Batch().Set(c.Doc("rooms/a"), map[string]any{"a": 1}).Enqueue(ctx); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if status.CodeOf(c.ClearPersistence(ctx)) != status.FailedPrecondition {
		t.Error("ClearPersistence succeeded on an open client")
	}
	if status.CodeOf(ClearPersistence(ctx, cfg)) != status.FailedPrecondition {
		t.Error("ClearPersistence succeeded while a client holds the cache")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := c.GetDoc(ctx, c.Doc("rooms/a"), Cache); !errors.Is(err, ErrClosed) {
		t.Errorf("GetDoc after Close = %v, want ErrClosed", err)
	}

	// The pending write survives a restart.
	reopened, err := New(ctx, cfg, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	snap, err := reopened.GetDoc(ctx, reopened.Doc("rooms/a"), Cache)
	if err != nil {
		t.Fatalf("GetDoc(Cache) failed: %v", err)
	}
	if !snap.Exists() || !snap.Metadata.HasPendingWrites {
		t.Errorf("reopened snapshot = %+v", snap.Metadata)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := c.ClearPersistence(ctx); err != nil {
		t.Fatalf("ClearPersistence failed: %v", err)
	}
	if _, err := os.Stat(cfg.Persistence.Path); !os.IsNotExist(err) {
		t.Errorf("cache file still exists: %v", err)
	}
}

func TestListenAfterCloseFails(t *testing.T) {
	srv := startEmulator(t)
	c := newClient(t, testConfig(srv.Addr()))
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := c.Listen(&c.Collection("rooms").Query, ListenOptions{}, func(*QuerySnapshot, error) {})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Listen after Close = %v, want ErrClosed", err)
	}
	if _, err := c.Listen(&c.Collection("rooms").Query, ListenOptions{Source: Server}, nil); err == nil {
		t.Error("Listen with the server source succeeded")
	}
}

func TestUnusableCacheFallsBackToMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig("127.0.0.1:1")
	cfg.Persistence.Backend = config.BackendSQLite
	cfg.Persistence.Path = filepath.Join(blocker, "cache.db")

	c := newClient(t, cfg)
	ctx := testContext(t)
	st, err := c.CacheStatus(ctx)
	if err != nil {
		t.Fatalf("CacheStatus failed: %v", err)
	}
	if st.Backend != config.BackendMemory {
		t.Errorf("backend = %q, want memory fallback", st.Backend)
	}
}
