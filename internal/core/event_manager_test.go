package core

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

type fakeQueryHandler struct {
	calls   []string
	snap    *ViewSnapshot
	listenE error
}

func (h *fakeQueryHandler) Listen(_ context.Context, _ query.Query, toRemote bool) (*ViewSnapshot, error) {
	h.calls = append(h.calls, "listen "+boolWord(toRemote))
	if h.listenE != nil {
		return nil, h.listenE
	}
	return h.snap, nil
}

func (h *fakeQueryHandler) Unlisten(_ context.Context, _ query.Query, toRemote bool) error {
	h.calls = append(h.calls, "unlisten "+boolWord(toRemote))
	return nil
}

func (h *fakeQueryHandler) ListenToRemoteStore(context.Context, query.Query) error {
	h.calls = append(h.calls, "listen remote")
	return nil
}

func (h *fakeQueryHandler) UnlistenFromRemoteStore(context.Context, query.Query) error {
	h.calls = append(h.calls, "unlisten remote")
	return nil
}

func boolWord(b bool) string {
	if b {
		return "remote"
	}
	return "local"
}

func initialSnapshot(t *testing.T) *ViewSnapshot {
	t.Helper()
	v := NewView(collection("c"), model.NewDocumentKeySet())
	return applyDocs(v, docMap(doc("c/a", 1)), nil).Snapshot
}

func TestEventManagerSharesViews(t *testing.T) {
	h := &fakeQueryHandler{snap: initialSnapshot(t)}
	m := NewEventManager(h)

	obs1, obs2 := &recordingObserver{}, &recordingObserver{}
	l1 := NewQueryListener(collection("c"), obs1, ListenOptions{})
	l2 := NewQueryListener(collection("c"), obs2, ListenOptions{})
	m.Listen(ctx, l1)
	m.Listen(ctx, l2)
	if len(obs1.snaps) != 1 || len(obs2.snaps) != 1 {
		t.Fatalf("initial snapshots: %d and %d, want 1 each", len(obs1.snaps), len(obs2.snaps))
	}

	v := NewView(collection("c"), model.NewDocumentKeySet())
	applyDocs(v, docMap(doc("c/a", 1)), nil)
	next := applyDocs(v, docMap(doc("c/b", 1)), nil).Snapshot
	m.OnWatchChange([]*ViewSnapshot{next})
	if len(obs1.snaps) != 2 || len(obs2.snaps) != 2 {
		t.Errorf("after change: %d and %d snapshots, want 2 each", len(obs1.snaps), len(obs2.snaps))
	}

	if err := m.Unlisten(ctx, l1); err != nil {
		t.Fatalf("Unlisten() failed: %v", err)
	}
	if err := m.Unlisten(ctx, l2); err != nil {
		t.Fatalf("Unlisten() failed: %v", err)
	}
	want := []string{"listen remote", "unlisten remote"}
	if diff := cmp.Diff(want, h.calls); diff != "" {
		t.Errorf("handler calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEventManagerUpgradesCacheListener(t *testing.T) {
	h := &fakeQueryHandler{snap: initialSnapshot(t)}
	m := NewEventManager(h)

	cacheOnly := NewQueryListener(collection("c"), &recordingObserver{}, ListenOptions{Source: SourceCache})
	server := NewQueryListener(collection("c"), &recordingObserver{}, ListenOptions{})
	m.Listen(ctx, cacheOnly)
	m.Listen(ctx, server)
	if err := m.Unlisten(ctx, server); err != nil {
		t.Fatal(err)
	}
	if err := m.Unlisten(ctx, cacheOnly); err != nil {
		t.Fatal(err)
	}
	want := []string{"listen local", "listen remote", "unlisten remote", "unlisten local"}
	if diff := cmp.Diff(want, h.calls); diff != "" {
		t.Errorf("handler calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEventManagerReportsErrors(t *testing.T) {
	listenErr := errors.New("no such target")
	h := &fakeQueryHandler{listenE: listenErr}
	m := NewEventManager(h)
	obs := &recordingObserver{}
	m.Listen(ctx, NewQueryListener(collection("c"), obs, ListenOptions{}))
	if len(obs.errs) != 1 || !errors.Is(obs.errs[0], listenErr) {
		t.Fatalf("errors = %v", obs.errs)
	}

	h.listenE = nil
	h.snap = initialSnapshot(t)
	obs = &recordingObserver{}
	m.Listen(ctx, NewQueryListener(collection("c"), obs, ListenOptions{}))
	watchErr := errors.New("permission denied")
	m.OnWatchError(collection("c"), watchErr)
	if len(obs.errs) != 1 || !errors.Is(obs.errs[0], watchErr) {
		t.Errorf("errors = %v", obs.errs)
	}
	// The failed query is forgotten, so new snapshots go nowhere.
	m.OnWatchChange([]*ViewSnapshot{h.snap})
	if len(obs.snaps) != 1 {
		t.Errorf("snapshots after error = %d, want 1", len(obs.snaps))
	}
}

func TestEventManagerOnlineStateReleasesHeldSnapshot(t *testing.T) {
	v := NewView(collection("c"), model.NewDocumentKeySet())
	empty := v.ApplyChanges(v.ComputeDocChanges(model.DocumentMap{}, nil), true, nil, false).Snapshot
	m := NewEventManager(&fakeQueryHandler{snap: empty})
	obs := &recordingObserver{}
	m.Listen(ctx, NewQueryListener(collection("c"), obs, ListenOptions{}))
	if len(obs.snaps) != 0 {
		t.Fatalf("empty cached snapshot raised while online state unknown")
	}
	m.OnOnlineStateChange(remote.OnlineStateOffline)
	if len(obs.snaps) != 1 {
		t.Errorf("snapshots after going offline = %d, want 1", len(obs.snaps))
	}
}
