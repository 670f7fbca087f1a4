package core

import (
	"context"

	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
)

// QueryHandler is what the event manager needs from the sync engine.
type QueryHandler interface {
	// Listen creates a view for q, listening to the server as well when
	// listenToRemote is set, and returns its first snapshot.
	Listen(ctx context.Context, q query.Query, listenToRemote bool) (*ViewSnapshot, error)
	Unlisten(ctx context.Context, q query.Query, unlistenFromRemote bool) error
	// ListenToRemoteStore adds a watch target to a cache-only view.
	ListenToRemoteStore(ctx context.Context, q query.Query) error
	UnlistenFromRemoteStore(ctx context.Context, q query.Query) error
}

type queryListenersInfo struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

func (i *queryListenersInfo) hasRemoteListeners() bool {
	for _, l := range i.listeners {
		if l.ListensToRemoteStore() {
			return true
		}
	}
	return false
}

// EventManager shares one view per query among all its listeners. It
// implements SyncEngineListener.
type EventManager struct {
	handler     QueryHandler
	queries     map[string]*queryListenersInfo
	onlineState remote.OnlineState
}

// NewEventManager returns an event manager driving handler.
func NewEventManager(handler QueryHandler) *EventManager {
	return &EventManager{
		handler:     handler,
		queries:     make(map[string]*queryListenersInfo),
		onlineState: remote.OnlineStateUnknown,
	}
}

// Listen registers listener. Failures to set up the view are reported to
// the listener, not returned.
func (m *EventManager) Listen(ctx context.Context, listener *QueryListener) {
	q := listener.Query()
	id := q.CanonicalID()

	info, ok := m.queries[id]
	var err error
	switch {
	case !ok:
		info = &queryListenersInfo{}
		info.viewSnap, err = m.handler.Listen(ctx, q, listener.ListensToRemoteStore())
	case !info.hasRemoteListeners() && listener.ListensToRemoteStore():
		err = m.handler.ListenToRemoteStore(ctx, q)
	}
	if err != nil {
		listener.OnError(err)
		return
	}

	m.queries[id] = info
	info.listeners = append(info.listeners, listener)
	listener.ApplyOnlineStateChange(m.onlineState)
	if info.viewSnap != nil {
		listener.OnViewSnapshot(info.viewSnap)
	}
}

// Unlisten removes listener, releasing the view with its last listener.
func (m *EventManager) Unlisten(ctx context.Context, listener *QueryListener) error {
	q := listener.Query()
	id := q.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return nil
	}
	idx := -1
	for i, l := range info.listeners {
		if l == listener {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	info.listeners = append(info.listeners[:idx], info.listeners[idx+1:]...)

	switch {
	case len(info.listeners) == 0:
		delete(m.queries, id)
		return m.handler.Unlisten(ctx, q, listener.ListensToRemoteStore())
	case !info.hasRemoteListeners() && listener.ListensToRemoteStore():
		return m.handler.UnlistenFromRemoteStore(ctx, q)
	}
	return nil
}

// OnWatchChange delivers new snapshots to their listeners.
func (m *EventManager) OnWatchChange(snapshots []*ViewSnapshot) {
	for _, snap := range snapshots {
		info, ok := m.queries[snap.Query.CanonicalID()]
		if !ok {
			continue
		}
		for _, l := range info.listeners {
			l.OnViewSnapshot(snap)
		}
		info.viewSnap = snap
	}
}

// OnWatchError fails every listener of q and forgets the query.
func (m *EventManager) OnWatchError(q query.Query, err error) {
	id := q.CanonicalID()
	info, ok := m.queries[id]
	if !ok {
		return
	}
	for _, l := range info.listeners {
		l.OnError(err)
	}
	delete(m.queries, id)
}

// OnOnlineStateChange lets listeners waiting for the server give up once
// the client is offline.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	for _, info := range m.queries {
		for _, l := range info.listeners {
			l.ApplyOnlineStateChange(state)
		}
	}
}
