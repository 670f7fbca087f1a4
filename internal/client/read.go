package client

import (
	"context"
	"sync"

	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/status"
)

// Source selects where a one-shot read comes from.
type Source int

const (
	// Default reads from the server when online and from the cache when
	// offline.
	Default Source = iota
	// Server fails with Unavailable instead of falling back to the cache.
	Server
	// Cache never contacts the server.
	Cache
)

func (s Source) String() string {
	switch s {
	case Server:
		return "server"
	case Cache:
		return "cache"
	}
	return "default"
}

// ParseSource parses "default", "server" or "cache".
func ParseSource(s string) (Source, error) {
	switch s {
	case "", "default":
		return Default, nil
	case "server":
		return Server, nil
	case "cache":
		return Cache, nil
	}
	return 0, status.Errorf(status.InvalidArgument, "unknown source %q", s)
}

// ListenOptions tune a snapshot listener.
type ListenOptions struct {
	// IncludeMetadataChanges also raises snapshots where only Metadata
	// changed.
	IncludeMetadataChanges bool
	// Source is Default or Cache. Cache listeners never open a watch
	// target and only see local data.
	Source Source
}

func (o ListenOptions) core() (core.ListenOptions, error) {
	out := core.ListenOptions{IncludeMetadataChanges: o.IncludeMetadataChanges}
	switch o.Source {
	case Default:
	case Cache:
		out.Source = core.SourceCache
	default:
		return out, status.Errorf(status.InvalidArgument, "listeners do not support source %s", o.Source)
	}
	return out, nil
}

// listen registers a query listener with the event manager. Callbacks run
// on the observer's goroutine, never on the queue.
func (c *Client) listen(q query.Query, opts core.ListenOptions,
	next func(*core.ViewSnapshot), onError func(error)) (func(), error) {
	observer := core.NewAsyncObserver(next, onError, c.logger)
	if !c.track(observer) {
		observer.Mute()
		return nil, ErrClosed
	}
	listener := core.NewQueryListener(q, observer, opts)
	c.queue.Enqueue(func() { c.events.Listen(c.ctx, listener) })

	return sync.OnceFunc(func() {
		observer.Mute()
		c.untrack(observer)
		c.queue.Enqueue(func() {
			if err := c.events.Unlisten(c.ctx, listener); err != nil {
				c.logger.Printf("Warning: failed to stop listening to %s: %v", q, err)
			}
		})
	}), nil
}

// firstSnapshot waits for the first snapshot of q that is good enough for
// a one-shot read.
func (c *Client) firstSnapshot(ctx context.Context, q query.Query) (*core.ViewSnapshot, error) {
	type result struct {
		snap *core.ViewSnapshot
		err  error
	}
	results := make(chan result, 1)
	var once sync.Once
	deliver := func(r result) {
		once.Do(func() { results <- r })
	}
	unsubscribe, err := c.listen(q,
		core.ListenOptions{IncludeMetadataChanges: true, WaitForSyncWhenOnline: true},
		func(vs *core.ViewSnapshot) { deliver(result{snap: vs}) },
		func(err error) { deliver(result{err: err}) })
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	select {
	case r := <-results:
		return r.snap, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get runs q once.
func (c *Client) Get(ctx context.Context, q *Query, source Source) (*QuerySnapshot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if source == Cache {
		var vs *core.ViewSnapshot
		err := c.run(ctx, func() error {
			var err error
			vs, err = c.engine.ExecuteQueryFromCache(c.ctx, q.q)
			return err
		})
		if err != nil {
			return nil, err
		}
		return c.querySnapshot(q, vs, true), nil
	}

	vs, err := c.firstSnapshot(ctx, q.q)
	if err != nil {
		return nil, err
	}
	if vs.FromCache && source == Server {
		return nil, status.New(status.Unavailable,
			"failed to get documents from server: the client is offline, but the documents may exist in the local cache")
	}
	return c.querySnapshot(q, vs, true), nil
}

// Get runs the query once from the default source.
func (q *Query) Get(ctx context.Context) (*QuerySnapshot, error) {
	if q.client == nil {
		return nil, q.validate()
	}
	return q.client.Get(ctx, q, Default)
}

// GetDoc reads ref's document once.
func (c *Client) GetDoc(ctx context.Context, ref *DocumentRef, source Source) (*DocumentSnapshot, error) {
	if err := c.checkRef(ref); err != nil {
		return nil, err
	}
	if source == Cache {
		var doc *model.MutableDocument
		err := c.run(ctx, func() error {
			var err error
			doc, err = c.localStore.ReadDocument(c.ctx, ref.key)
			return err
		})
		if err != nil {
			return nil, err
		}
		switch {
		case doc.IsFoundDocument():
			return c.docSnapshot(ref.key, doc, true, doc.HasLocalMutations()), nil
		case doc.IsNoDocument():
			return c.docSnapshot(ref.key, nil, true, false), nil
		}
		return nil, status.New(status.Unavailable,
			"failed to get document from cache: the document may exist on the server, read it without the cache source")
	}

	vs, err := c.firstSnapshot(ctx, query.NewDocumentQuery(ref.key))
	if err != nil {
		return nil, err
	}
	doc := vs.Docs.Get(ref.key)
	switch {
	case doc == nil && vs.FromCache:
		return nil, status.New(status.Unavailable, "failed to get document because the client is offline")
	case doc != nil && vs.FromCache && source == Server:
		return nil, status.New(status.Unavailable,
			"failed to get document from server: the client is offline, but the document exists in the local cache")
	}
	return c.docSnapshot(ref.key, doc, vs.FromCache, vs.MutatedKeys.Has(ref.key)), nil
}

// Get reads the document once from the default source.
func (r *DocumentRef) Get(ctx context.Context) (*DocumentSnapshot, error) {
	return r.client.GetDoc(ctx, r, Default)
}

// Listen calls fn with a snapshot of q every time its results change,
// until the returned function is called. fn runs on its own goroutine,
// one call at a time. After an error fn is not called again.
func (c *Client) Listen(q *Query, opts ListenOptions, fn func(*QuerySnapshot, error)) (func(), error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	copts, err := opts.core()
	if err != nil {
		return nil, err
	}
	return c.listen(q.q, copts,
		func(vs *core.ViewSnapshot) { fn(c.querySnapshot(q, vs, opts.IncludeMetadataChanges), nil) },
		func(err error) { fn(nil, err) })
}

// ListenDoc calls fn with a snapshot of ref's document every time it
// changes, until the returned function is called.
func (c *Client) ListenDoc(ref *DocumentRef, opts ListenOptions, fn func(*DocumentSnapshot, error)) (func(), error) {
	if err := c.checkRef(ref); err != nil {
		return nil, err
	}
	copts, err := opts.core()
	if err != nil {
		return nil, err
	}
	return c.listen(query.NewDocumentQuery(ref.key), copts,
		func(vs *core.ViewSnapshot) {
			doc := vs.Docs.Get(ref.key)
			fn(c.docSnapshot(ref.key, doc, vs.FromCache, vs.MutatedKeys.Has(ref.key)), nil)
		},
		func(err error) { fn(nil, err) })
}
