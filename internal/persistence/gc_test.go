package persistence

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"testing"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

func collectAllParams() LruParams {
	return LruParams{
		CacheSizeCollectionThreshold:    0,
		PercentileToCollect:             100,
		MaximumSequenceNumbersToCollect: 1000,
	}
}

func lruBackends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Persistence {
			p := NewMemoryPersistence(MemoryConfig{GC: GCLru, Lru: collectAllParams(), Logger: quietLogger})
			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			return p
		}},
		{"sqlite", func(t *testing.T) Persistence {
			cfg := DefaultSQLiteConfig(filepath.Join(t.TempDir(), "cache.db"))
			cfg.WatchLease = false
			cfg.Logger = quietLogger
			cfg.Lru = collectAllParams()
			p := NewSQLitePersistence(cfg)
			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			t.Cleanup(func() { _ = p.Shutdown() })
			return p
		}},
	}
}

func TestLruCollection(t *testing.T) {
	for _, b := range lruBackends() {
		t.Run(b.name, func(t *testing.T) {
			p := b.open(t)
			gc := p.GarbageCollector()
			if gc == nil {
				t.Fatal("no garbage collector")
			}
			tc := p.TargetCache()
			delegate := p.ReferenceDelegate()

			pins := NewReferenceSet()
			pins.AddReference(key("rooms/c"), 1)
			delegate.SetInMemoryPins(pins)

			run(t, p, func(txn Transaction) error {
				id, err := tc.AllocateTargetID(txn)
				if err != nil {
					return err
				}
				target := query.NewQuery(model.MustParseResourcePath("rooms")).ToTarget()
				if err := tc.AddTargetData(txn, NewTargetData(target, id, PurposeListen, txn.CurrentSequenceNumber())); err != nil {
					return err
				}
				buf := p.RemoteDocumentCache().NewChangeBuffer()
				buf.AddEntry(foundDoc("rooms/a", 1, nil))
				if err := buf.Apply(txn); err != nil {
					return err
				}
				return tc.AddMatchingKeys(txn, keySet("rooms/a"), id)
			})
			run(t, p, func(txn Transaction) error {
				buf := p.RemoteDocumentCache().NewChangeBuffer()
				buf.AddEntry(foundDoc("rooms/b", 2, nil))
				buf.AddEntry(foundDoc("rooms/c", 2, nil))
				if err := buf.Apply(txn); err != nil {
					return err
				}
				if err := delegate.MarkPotentiallyOrphaned(txn, key("rooms/b")); err != nil {
					return err
				}
				return delegate.MarkPotentiallyOrphaned(txn, key("rooms/c"))
			})

			results, err := CollectGarbage(context.Background(), p, gc, nil)
			if err != nil {
				t.Fatalf("CollectGarbage: %v", err)
			}
			if !results.DidRun || results.TargetsRemoved != 1 || results.DocumentsRemoved != 2 {
				t.Errorf("results = %+v, want 1 target and 2 documents removed", results)
			}

			run(t, p, func(txn Transaction) error {
				docs, err := p.RemoteDocumentCache().GetEntries(txn, keySet("rooms/a", "rooms/b", "rooms/c"))
				if err != nil {
					return err
				}
				for _, path := range []string{"rooms/a", "rooms/b"} {
					if docs[key(path)].IsValidDocument() {
						t.Errorf("%s survived collection", path)
					}
				}
				if !docs[key("rooms/c")].IsFoundDocument() {
					t.Error("pinned rooms/c was collected")
				}
				return nil
			})
		})
	}
}

func TestLruCollectionKeepsActiveTargets(t *testing.T) {
	for _, b := range lruBackends() {
		t.Run(b.name, func(t *testing.T) {
			p := b.open(t)
			tc := p.TargetCache()
			var id model.TargetID
			run(t, p, func(txn Transaction) error {
				var err error
				if id, err = tc.AllocateTargetID(txn); err != nil {
					return err
				}
				target := query.NewQuery(model.MustParseResourcePath("rooms")).ToTarget()
				if err := tc.AddTargetData(txn, NewTargetData(target, id, PurposeListen, txn.CurrentSequenceNumber())); err != nil {
					return err
				}
				buf := p.RemoteDocumentCache().NewChangeBuffer()
				buf.AddEntry(foundDoc("rooms/a", 1, nil))
				if err := buf.Apply(txn); err != nil {
					return err
				}
				return tc.AddMatchingKeys(txn, keySet("rooms/a"), id)
			})

			results, err := CollectGarbage(context.Background(), p, p.GarbageCollector(), map[model.TargetID]bool{id: true})
			if err != nil {
				t.Fatalf("CollectGarbage: %v", err)
			}
			if results.TargetsRemoved != 0 || results.DocumentsRemoved != 0 {
				t.Errorf("results = %+v, want nothing removed", results)
			}
		})
	}
}

func TestLruCollectionDisabled(t *testing.T) {
	var logs bytes.Buffer
	p := NewMemoryPersistence(MemoryConfig{
		GC:     GCLru,
		Lru:    LruParams{CacheSizeCollectionThreshold: CacheSizeUnlimited},
		Logger: log.New(&logs, "", 0),
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	results, err := CollectGarbage(context.Background(), p, p.GarbageCollector(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if results.DidRun {
		t.Error("collection ran while disabled")
	}
	if logs.Len() != 0 {
		t.Errorf("skipped collection logged at info level: %q", logs.String())
	}
}

func TestEagerCollection(t *testing.T) {
	p := NewMemoryPersistence(MemoryConfig{Logger: quietLogger})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.GarbageCollector() != nil {
		t.Fatal("eager persistence has an LRU collector")
	}
	pins := NewReferenceSet()
	pins.AddReference(key("rooms/b"), 1)
	p.ReferenceDelegate().SetInMemoryPins(pins)

	tc := p.TargetCache()
	var id model.TargetID
	run(t, p, func(txn Transaction) error {
		var err error
		if id, err = tc.AllocateTargetID(txn); err != nil {
			return err
		}
		target := query.NewQuery(model.MustParseResourcePath("rooms")).ToTarget()
		if err := tc.AddTargetData(txn, NewTargetData(target, id, PurposeListen, 0)); err != nil {
			return err
		}
		buf := p.RemoteDocumentCache().NewChangeBuffer()
		buf.AddEntry(foundDoc("rooms/a", 1, nil))
		buf.AddEntry(foundDoc("rooms/b", 1, nil))
		if err := buf.Apply(txn); err != nil {
			return err
		}
		return tc.AddMatchingKeys(txn, keySet("rooms/a", "rooms/b"), id)
	})
	run(t, p, func(txn Transaction) error {
		return tc.RemoveMatchingKeys(txn, keySet("rooms/a", "rooms/b"), id)
	})
	run(t, p, func(txn Transaction) error {
		a, err := p.RemoteDocumentCache().GetEntry(txn, key("rooms/a"))
		if err != nil {
			return err
		}
		if a.IsValidDocument() {
			t.Error("unreferenced rooms/a was kept")
		}
		b, err := p.RemoteDocumentCache().GetEntry(txn, key("rooms/b"))
		if err != nil {
			return err
		}
		if !b.IsFoundDocument() {
			t.Error("pinned rooms/b was dropped")
		}
		return nil
	})
}
