package core

import (
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// ListenSource selects where a listener's results come from.
type ListenSource int

const (
	// SourceDefault combines the cache with the server.
	SourceDefault ListenSource = iota
	// SourceCache never opens a watch target.
	SourceCache
)

// ListenOptions tune which snapshots a listener receives.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots whose only change is
	// FromCache or HasPendingWrites.
	IncludeMetadataChanges bool

	// WaitForSyncWhenOnline holds back the first snapshot until it comes
	// from the server, unless the client is offline.
	WaitForSyncWhenOnline bool

	Source ListenSource
}

// Observer receives a stream of values and at most one error.
type Observer[T any] interface {
	Next(value T)
	Error(err error)
}

// QueryListener decides which view snapshots of a query are raised to its
// observer.
type QueryListener struct {
	query    query.Query
	observer Observer[*ViewSnapshot]
	options  ListenOptions

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

// NewQueryListener returns a listener for q delivering to observer.
func NewQueryListener(q query.Query, observer Observer[*ViewSnapshot], options ListenOptions) *QueryListener {
	return &QueryListener{query: q, observer: observer, options: options, onlineState: remote.OnlineStateUnknown}
}

// Query returns the listened query.
func (l *QueryListener) Query() query.Query { return l.query }

// ListensToRemoteStore reports whether the listener needs a watch target.
func (l *QueryListener) ListensToRemoteStore() bool { return l.options.Source != SourceCache }

// OnViewSnapshot processes a new snapshot and reports whether the observer
// was notified.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	if !l.options.IncludeMetadataChanges {
		changes := make([]DocumentViewChange, 0, len(snap.DocChanges))
		for _, c := range snap.DocChanges {
			if c.Type != ChangeMetadata {
				changes = append(changes, c)
			}
		}
		filtered := *snap
		filtered.DocChanges = changes
		filtered.ExcludesMetadataChanges = true
		snap = &filtered
	}

	raised := false
	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.observer.Next(snap)
		raised = true
	}
	l.snap = snap
	return raised
}

// OnError forwards a listen failure to the observer.
func (l *QueryListener) OnError(err error) { l.observer.Error(err) }

// ApplyOnlineStateChange may release a held-back initial snapshot once the
// client is known to be offline.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state
	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)
		return true
	}
	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache || !l.ListensToRemoteStore() {
		return true
	}
	maybeOnline := state != remote.OnlineStateOffline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}
	// An empty cached result is only worth raising when the server cannot
	// be asked, or when the cache is known to hold the target's results.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.OnlineStateOffline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.DocChanges) > 0 {
		return true
	}
	pendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || pendingWritesChanged {
		return l.options.IncludeMetadataChanges
	}
	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	initial := FromInitialDocuments(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache,
		snap.ExcludesMetadataChanges, snap.HasCachedResults)
	l.raisedInitialEvent = true
	l.observer.Next(initial)
}

// localViewChanges lists the documents that entered or left a view.
func localViewChanges(targetID model.TargetID, snap *ViewSnapshot) local.LocalViewChanges {
	added, removed := model.NewDocumentKeySet(), model.NewDocumentKeySet()
	for _, c := range snap.DocChanges {
		switch c.Type {
		case ChangeAdded:
			added = added.Add(c.Doc.Key)
		case ChangeRemoved:
			removed = removed.Add(c.Doc.Key)
		}
	}
	return local.LocalViewChanges{TargetID: targetID, FromCache: snap.FromCache, Added: added, Removed: removed}
}
