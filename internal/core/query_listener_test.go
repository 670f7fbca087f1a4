package core

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
)

type recordingObserver struct {
	snaps []*ViewSnapshot
	errs  []error
}

func (o *recordingObserver) Next(s *ViewSnapshot) { o.snaps = append(o.snaps, s) }
func (o *recordingObserver) Error(err error)      { o.errs = append(o.errs, err) }

func TestQueryListenerFiltersMetadataChanges(t *testing.T) {
	v := NewView(collection("c"), model.NewDocumentKeySet())
	first := applyDocs(v, docMap(localDoc("c/a", 0, "n", 1)), nil).Snapshot
	meta := applyDocs(v, docMap(doc("c/a", 1, "n", 1)), nil).Snapshot

	tests := []struct {
		name       string
		opts       ListenOptions
		wantRaised int
	}{
		{"without metadata", ListenOptions{}, 1},
		{"with metadata", ListenOptions{IncludeMetadataChanges: true}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			l := NewQueryListener(collection("c"), obs, tt.opts)
			l.OnViewSnapshot(first)
			l.OnViewSnapshot(meta)
			if len(obs.snaps) != tt.wantRaised {
				t.Fatalf("raised %d snapshots, want %d", len(obs.snaps), tt.wantRaised)
			}
			if got := obs.snaps[0].ExcludesMetadataChanges; got == tt.opts.IncludeMetadataChanges {
				t.Errorf("ExcludesMetadataChanges = %v", got)
			}
		})
	}
}

func TestQueryListenerInitialEventIsAllAdds(t *testing.T) {
	v := NewView(collection("c"), model.NewDocumentKeySet())
	applyDocs(v, docMap(doc("c/a", 1)), nil)
	snap := applyDocs(v, docMap(doc("c/b", 1)), nil).Snapshot

	obs := &recordingObserver{}
	l := NewQueryListener(collection("c"), obs, ListenOptions{})
	if !l.OnViewSnapshot(snap) {
		t.Fatal("initial snapshot not raised")
	}
	want := []change{{ChangeAdded, "c/a"}, {ChangeAdded, "c/b"}}
	if diff := cmp.Diff(want, changesOf(obs.snaps[0].DocChanges)); diff != "" {
		t.Errorf("initial changes mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryListenerWaitsForSync(t *testing.T) {
	v := NewView(collection("c"), model.NewDocumentKeySet())
	cached := applyDocs(v, docMap(doc("c/a", 1)), nil).Snapshot

	obs := &recordingObserver{}
	l := NewQueryListener(collection("c"), obs, ListenOptions{WaitForSyncWhenOnline: true})
	l.ApplyOnlineStateChange(remote.OnlineStateOnline)
	if l.OnViewSnapshot(cached) {
		t.Fatal("cached snapshot raised while waiting for sync")
	}

	synced := applyDocs(v, model.DocumentMap{}, targetChange(true, "c/a")).Snapshot
	if !l.OnViewSnapshot(synced) {
		t.Fatal("synced snapshot not raised")
	}
	if obs.snaps[0].FromCache {
		t.Error("first raised snapshot is from cache")
	}
}

func TestQueryListenerRaisesEmptyCacheWhenOffline(t *testing.T) {
	v := NewView(collection("c"), model.NewDocumentKeySet())
	empty := v.ApplyChanges(v.ComputeDocChanges(model.DocumentMap{}, nil), true, nil, false).Snapshot
	if empty == nil {
		t.Fatal("new view raised no snapshot")
	}

	obs := &recordingObserver{}
	l := NewQueryListener(collection("c"), obs, ListenOptions{})
	if l.OnViewSnapshot(empty) {
		t.Fatal("empty cached snapshot raised while possibly online")
	}
	if !l.ApplyOnlineStateChange(remote.OnlineStateOffline) {
		t.Fatal("going offline did not release the held snapshot")
	}
	if len(obs.snaps) != 1 || !obs.snaps[0].FromCache {
		t.Errorf("snapshots = %+v", obs.snaps)
	}
}

func TestQueryListenerCacheSource(t *testing.T) {
	v := NewView(collection("c"), model.NewDocumentKeySet())
	empty := v.ApplyChanges(v.ComputeDocChanges(model.DocumentMap{}, nil), true, nil, false).Snapshot

	obs := &recordingObserver{}
	l := NewQueryListener(collection("c"), obs, ListenOptions{Source: SourceCache, WaitForSyncWhenOnline: true})
	if l.ListensToRemoteStore() {
		t.Error("cache listener wants a watch target")
	}
	if !l.OnViewSnapshot(empty) {
		t.Error("cache listener held back its first snapshot")
	}
}

func TestQueryListenerForwardsErrors(t *testing.T) {
	obs := &recordingObserver{}
	l := NewQueryListener(collection("c"), obs, ListenOptions{})
	want := errors.New("boom")
	l.OnError(want)
	if len(obs.errs) != 1 || !errors.Is(obs.errs[0], want) {
		t.Errorf("errors = %v", obs.errs)
	}
}
