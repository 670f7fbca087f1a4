package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSQLiteWithClock(t *testing.T, path string, clock *fakeClock) *SQLitePersistence {
	t.Helper()
	cfg := DefaultSQLiteConfig(path)
	cfg.WatchLease = false
	cfg.Logger = quietLogger
	cfg.Now = clock.Now
	// Keep the background refresh out of the way of the fake clock.
	cfg.LeaseRefreshInterval = time.Hour
	p := NewSQLitePersistence(cfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestSQLitePrimaryLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	first := newSQLiteWithClock(t, path, clock)
	second := newSQLiteWithClock(t, path, clock)

	if !first.IsPrimary() {
		t.Fatal("first client is not primary")
	}
	if second.IsPrimary() {
		t.Fatal("second client took a fresh lease")
	}

	var states []bool
	second.SetPrimaryStateListener(func(primary bool) { states = append(states, primary) })

	err := second.RunTransaction(context.Background(), "write", ReadWritePrimary, func(Transaction) error { return nil })
	if !IsPrimaryLeaseLost(err) {
		t.Fatalf("secondary primary transaction err = %v, want ErrPrimaryLeaseLost", err)
	}
	if err := second.RunTransaction(context.Background(), "read", ReadOnly, func(Transaction) error { return nil }); err != nil {
		t.Fatalf("secondary read failed: %v", err)
	}

	// The first client goes silent past the lease timeout.
	clock.Advance(6 * time.Second)
	if err := second.refreshLease(context.Background()); err != nil {
		t.Fatalf("refreshLease: %v", err)
	}
	if !second.IsPrimary() {
		t.Fatal("second client did not take over a stale lease")
	}

	err = first.RunTransaction(context.Background(), "write", ReadWritePrimary, func(Transaction) error { return nil })
	if !errors.Is(err, ErrPrimaryLeaseLost) {
		t.Fatalf("old primary transaction err = %v, want ErrPrimaryLeaseLost", err)
	}
	if first.IsPrimary() {
		t.Error("old primary still believes it is primary")
	}

	if diff := cmp.Diff([]bool{false, true}, states); diff != "" {
		t.Errorf("primary states (-want +got):\n%s", diff)
	}
}

func TestSQLiteLeaseReleasedOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	first := newSQLiteWithClock(t, path, clock)
	second := newSQLiteWithClock(t, path, clock)
	if err := first.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := second.refreshLease(context.Background()); err != nil {
		t.Fatalf("refreshLease: %v", err)
	}
	if !second.IsPrimary() {
		t.Error("lease not handed over after shutdown")
	}
	if err := first.RunTransaction(context.Background(), "closed", ReadOnly, func(Transaction) error { return nil }); !errors.Is(err, ErrNotStarted) {
		t.Errorf("transaction after shutdown err = %v, want ErrNotStarted", err)
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	user := auth.User{UID: "alice"}

	p := newSQLite(t, path)
	setDocs(t, p, foundDoc("rooms/a", 1, map[string]model.Value{"n": model.IntegerValue(1)}))
	var batchID model.BatchID
	run(t, p, func(txn Transaction) error {
		batch, err := p.MutationQueue(user, p.IndexManager(user)).AddMutationBatch(txn, model.Now(), nil,
			[]mutation.Mutation{mutation.NewDelete(key("rooms/a"), mutation.NoPrecondition)})
		if err != nil {
			return err
		}
		batchID = batch.BatchID
		return p.TargetCache().SetTargetsMetadata(txn, 42, version(7))
	})
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	reopened := newSQLite(t, path)
	run(t, reopened, func(txn Transaction) error {
		doc, err := reopened.RemoteDocumentCache().GetEntry(txn, key("rooms/a"))
		if err != nil {
			return err
		}
		if !doc.IsFoundDocument() {
			t.Errorf("rooms/a = %v after reopen", doc)
		}
		batch, err := reopened.MutationQueue(user, reopened.IndexManager(user)).LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}
		if batch == nil {
			t.Error("pending batch lost on reopen")
		}
		last, err := reopened.TargetCache().GetLastRemoteSnapshotVersion(txn)
		if err != nil {
			return err
		}
		if !last.Equal(version(7)) {
			t.Errorf("last remote snapshot = %v", last)
		}
		// Sequence numbers continue after the persisted highest.
		if seq := txn.CurrentSequenceNumber(); seq <= 42 {
			t.Errorf("sequence number = %d, want > 42", seq)
		}
		return nil
	})
}

func TestSQLiteFieldIndex(t *testing.T) {
	p := newSQLite(t, filepath.Join(t.TempDir(), "cache.db"))
	im := p.IndexManager(auth.Unauthenticated)

	setDocs(t, p,
		foundDoc("rooms/a", 1, map[string]model.Value{"size": model.IntegerValue(5), "tags": model.ArrayValue(model.StringValue("x"))}),
		foundDoc("rooms/b", 1, map[string]model.Value{"size": model.DoubleValue(5)}),
		foundDoc("rooms/c", 1, map[string]model.Value{"size": model.IntegerValue(6), "tags": model.ArrayValue(model.StringValue("y"))}),
		foundDoc("halls/h", 1, map[string]model.Value{"size": model.IntegerValue(5)}),
	)

	eq, err := query.NewFieldFilter(model.MustFieldPath("size"), query.Equal, model.IntegerValue(5))
	if err != nil {
		t.Fatal(err)
	}
	target := query.NewQuery(model.MustParseResourcePath("rooms")).WithFilter(eq).ToTarget()

	run(t, p, func(txn Transaction) error {
		typ, err := im.GetIndexType(txn, target)
		if err != nil {
			return err
		}
		if typ != IndexNone {
			t.Errorf("index type before creation = %v", typ)
		}
		if err := im.CreateTargetIndexes(txn, target); err != nil {
			return err
		}
		if typ, err = im.GetIndexType(txn, target); err != nil {
			return err
		}
		if typ != IndexPartial {
			t.Errorf("index type after creation = %v, want partial", typ)
		}
		keys, err := im.GetDocumentsMatchingTarget(txn, target)
		if err != nil {
			return err
		}
		var got []string
		for _, k := range keys {
			got = append(got, k.String())
		}
		if diff := cmp.Diff([]string{"rooms/a", "rooms/b"}, got); diff != "" {
			t.Errorf("indexed keys (-want +got):\n%s", diff)
		}
		return nil
	})

	// Index entries follow document updates.
	setDocs(t, p, foundDoc("rooms/a", 2, map[string]model.Value{"size": model.IntegerValue(9)}))
	run(t, p, func(txn Transaction) error {
		keys, err := im.GetDocumentsMatchingTarget(txn, target)
		if err != nil {
			return err
		}
		if len(keys) != 1 || keys[0] != key("rooms/b") {
			t.Errorf("indexed keys after update = %v", keys)
		}

		contains, err := query.NewFieldFilter(model.MustFieldPath("tags"), query.ArrayContains, model.StringValue("y"))
		if err != nil {
			return err
		}
		arrayTarget := query.NewQuery(model.MustParseResourcePath("rooms")).WithFilter(contains).ToTarget()
		if err := im.CreateTargetIndexes(txn, arrayTarget); err != nil {
			return err
		}
		keys, err = im.GetDocumentsMatchingTarget(txn, arrayTarget)
		if err != nil {
			return err
		}
		if len(keys) != 1 || keys[0] != key("rooms/c") {
			t.Errorf("array-contains keys = %v", keys)
		}

		indexes, err := im.GetFieldIndexes(txn, "rooms")
		if err != nil {
			return err
		}
		if len(indexes) != 2 {
			t.Fatalf("indexes = %v, want 2", indexes)
		}
		if err := im.DeleteFieldIndex(txn, indexes[0]); err != nil {
			return err
		}
		typ, err := im.GetIndexType(txn, target)
		if err != nil {
			return err
		}
		if typ != IndexNone {
			t.Errorf("index type after delete = %v", typ)
		}
		return nil
	})
}

func TestSQLiteBusyDatabaseRetriesOnFreshConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := DefaultSQLiteConfig(path)
	cfg.WatchLease = false
	cfg.Logger = quietLogger
	cfg.LeaseRefreshInterval = time.Hour
	cfg.BusyTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	p := NewSQLitePersistence(cfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown() })

	// Another process holds the write lock.
	other, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(0)")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	lock, err := other.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lock.ExecContext(context.Background(), "BEGIN IMMEDIATE"); err != nil {
		t.Fatalf("failed to take the write lock: %v", err)
	}

	ran := 0
	err = p.RunTransaction(context.Background(), "busy", ReadWrite, func(Transaction) error {
		ran++
		return nil
	})
	var terr *TransactionError
	if !errors.As(err, &terr) || !terr.Retryable() {
		t.Fatalf("RunTransaction on a locked database = %v, want a retryable TransactionError", err)
	}
	if ran != 0 {
		t.Errorf("transaction body ran %d times without the lock", ran)
	}

	if _, err := lock.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		t.Fatal(err)
	}
	_ = lock.Close()
	if err := p.RunTransaction(context.Background(), "after busy", ReadWrite, func(Transaction) error {
		ran++
		return nil
	}); err != nil {
		t.Fatalf("RunTransaction after the lock was released: %v", err)
	}
	if ran != 1 {
		t.Errorf("transaction body ran %d times, want 1", ran)
	}
}
