// Package client is the public API of docsync: document and query
// references, writes and write batches, one-shot reads, snapshot
// listeners and transactions over a local-first cache that stays in sync
// with the backend.
//
// A Client owns one async queue. Every component below it (local store,
// remote store, sync engine, event manager) only runs on that queue, and
// the public methods hand work to it and wait for the result.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/local"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// ErrClosed is returned by every operation on a closed client.
var ErrClosed = status.New(status.FailedPrecondition, "the client has already been closed")

// Option customizes New.
type Option func(*options)

type options struct {
	credentials auth.TokenProvider
	appCheck    auth.TokenProvider
	persistence persistence.Persistence
	connection  remote.Connection
	logger      *log.Logger
}

// WithCredentials authenticates requests with p instead of the config's
// static token.
func WithCredentials(p auth.TokenProvider) Option {
	return func(o *options) { o.credentials = p }
}

// WithAppCheck attaches app-check tokens from p to every request.
func WithAppCheck(p auth.TokenProvider) Option {
	return func(o *options) { o.appCheck = p }
}

// WithPersistence uses p as the local cache instead of the configured
// backend. p is started if it is not already.
func WithPersistence(p persistence.Persistence) Option {
	return func(o *options) { o.persistence = p }
}

// WithConnection replaces the websocket transport.
func WithConnection(c remote.Connection) Option {
	return func(o *options) { o.connection = c }
}

// WithLogger sets the client's logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Client is a connection to one database with a local cache.
type Client struct {
	cfg    *config.Config
	db     model.DatabaseID
	logger *log.Logger

	// ctx is cancelled by Close and bounds work done on the queue.
	ctx    context.Context
	cancel context.CancelFunc

	queue       *asyncqueue.Queue
	persistence persistence.Persistence
	sqlitePath  string
	credentials auth.TokenProvider
	appCheck    auth.TokenProvider
	connection  remote.Connection

	// Owned by the queue.
	user        auth.User
	localStore  *local.LocalStore
	datastore   *remote.Datastore
	remoteStore *remote.RemoteStore
	engine      *core.SyncEngine
	events      *core.EventManager
	lru         *local.LruScheduler

	mu        sync.Mutex
	closed    bool
	observers map[*core.AsyncObserver[*core.ViewSnapshot]]bool
}

// New starts a client for cfg. A nil cfg uses config.DefaultConfig. When
// the SQLite cache cannot be opened the client falls back to an in-memory
// cache and logs a warning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, status.Wrap(status.InvalidArgument, err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New("client")
	}
	if o.credentials == nil {
		o.credentials = auth.EmptyCredentialsProvider{}
		if cfg.AuthToken != "" {
			p, err := auth.NewStaticCredentialsProvider(cfg.AuthToken)
			if err != nil {
				return nil, err
			}
			o.credentials = p
		}
	}
	if o.appCheck == nil {
		o.appCheck = auth.EmptyCredentialsProvider{}
	}

	c := &Client{
		cfg:         cfg,
		db:          model.NewDatabaseID(cfg.Project, cfg.Database),
		logger:      o.logger,
		queue:       asyncqueue.New(logging.New("queue")),
		credentials: o.credentials,
		appCheck:    o.appCheck,
		connection:  o.connection,
		observers:   make(map[*core.AsyncObserver[*core.ViewSnapshot]]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.openPersistence(ctx, o.persistence); err != nil {
		c.queue.Shutdown(nil)
		c.cancel()
		return nil, err
	}

	ready := make(chan struct{})
	var readyOnce sync.Once
	c.credentials.Start(c.queue, func(user auth.User) {
		if c.remoteStore == nil {
			c.user = user
			readyOnce.Do(func() { close(ready) })
			return
		}
		if err := c.remoteStore.HandleCredentialChange(user); err != nil {
			c.logger.Printf("Warning: failed to switch to user %s: %v", user, err)
		}
	})
	c.appCheck.Start(c.queue, func(auth.User) {})

	select {
	case <-ready:
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
	if err := c.queue.EnqueueAndWait(ctx, c.initialize); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	logging.Debugf(c.logger, "Client started for %s at %s", c.db.Name(), cfg.Host)
	return c, nil
}

func (c *Client) openPersistence(ctx context.Context, injected persistence.Persistence) error {
	if injected != nil {
		c.persistence = injected
		if injected.Started() {
			return nil
		}
		if err := injected.Start(ctx); err != nil {
			return fmt.Errorf("failed to start persistence: %w", err)
		}
		return nil
	}

	pc := c.cfg.Persistence
	lru := persistence.LruParams{
		CacheSizeCollectionThreshold:    pc.CacheSizeBytes,
		PercentileToCollect:             pc.GCPercentile,
		MaximumSequenceNumbersToCollect: pc.GCMaxSequenceNumbers,
	}
	if pc.Backend == config.BackendSQLite {
		p := persistence.NewSQLitePersistence(persistence.SQLiteConfig{
			Path:                 pc.Path,
			Lru:                  lru,
			LeaseRefreshInterval: pc.LeaseRefresh,
			LeaseTimeout:         pc.LeaseTimeout,
			WatchLease:           pc.WatchLease,
			Logger:               logging.New("persistence"),
		})
		err := p.Start(ctx)
		if err == nil {
			c.persistence = p
			c.sqlitePath = pc.Path
			return nil
		}
		c.logger.Printf("Warning: failed to open cache at %s, falling back to memory: %v", pc.Path, err)
	}

	mcfg := persistence.MemoryConfig{GC: persistence.GCEager, Lru: lru, Logger: logging.New("persistence")}
	if pc.MemoryGC == "lru" {
		mcfg.GC = persistence.GCLru
	}
	p := persistence.NewMemoryPersistence(mcfg)
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory cache: %w", err)
	}
	c.persistence = p
	return nil
}

func (c *Client) backoffConfig() asyncqueue.BackoffConfig {
	n := c.cfg.Network
	return asyncqueue.BackoffConfig{InitialDelay: n.BackoffInitial, Factor: n.BackoffFactor, MaxDelay: n.BackoffMax}
}

// initialize wires the components. Runs on the queue.
func (c *Client) initialize() error {
	cfg := c.cfg
	c.localStore = local.NewLocalStore(c.persistence, c.user, local.LocalStoreConfig{
		QueryEngine: local.QueryEngineConfig{
			IndexAutoCreation:                  cfg.Indexing.AutoCreate,
			RelativeIndexReadCost:              cfg.Indexing.RelativeReadCost,
			IndexAutoCreationMinCollectionSize: cfg.Indexing.MinCollectionSize,
			Logger:                             logging.New("query"),
		},
		Logger: logging.New("local"),
	})

	conn := c.connection
	if conn == nil {
		ccfg := remote.DefaultConnectionConfig()
		ccfg.Host = cfg.Host
		ccfg.SSL = cfg.SSL
		ccfg.Logger = logging.New("conn")
		conn = remote.NewWebsocketConnection(ccfg)
	}
	scfg := remote.DefaultStreamConfig()
	scfg.Backoff = c.backoffConfig()
	scfg.IdleTimeout = cfg.Network.IdleTimeout
	scfg.HealthCheckDelay = cfg.Network.HealthCheckDelay
	scfg.ConnectTimeout = cfg.Network.ConnectTimeout
	scfg.Logger = logging.New("stream")
	c.datastore = remote.NewDatastore(c.queue, conn, remote.NewSerializer(c.db), c.credentials, c.appCheck, scfg)

	c.remoteStore = remote.NewRemoteStore(c.queue, c.localStore, c.datastore, remote.RemoteStoreConfig{
		OnlineStateTimeout: cfg.Network.OnlineStateTimeout,
		Logger:             logging.New("remote"),
	}, func(state remote.OnlineState) { c.engine.ApplyOnlineStateChange(state) })

	// The engine starts out primary; the persistence reports the real
	// state right below.
	c.engine = core.NewSyncEngine(c.localStore, c.remoteStore, c.user, true, core.SyncEngineConfig{
		MaxConcurrentLimboResolutions: cfg.MaxConcurrentLimboResolutions,
		Logger:                        logging.New("sync"),
	})
	c.events = core.NewEventManager(c.engine)
	c.engine.SetListener(c.events)
	c.remoteStore.SetSyncer(c.engine)

	if gc := c.persistence.GarbageCollector(); gc != nil {
		c.lru = local.NewLruScheduler(gc, c.queue, c.localStore, logging.New("gc"))
	}
	c.persistence.SetPrimaryStateListener(func(isPrimary bool) {
		c.queue.Enqueue(func() {
			if err := c.engine.ApplyPrimaryState(c.ctx, isPrimary); err != nil {
				c.logger.Printf("Warning: failed to apply primary state %v: %v", isPrimary, err)
			}
			if c.lru != nil {
				c.lru.OnPrimaryStateChanged(isPrimary)
			}
		})
	})
	return c.remoteStore.Start()
}

// run executes fn on the queue.
func (c *Client) run(ctx context.Context, fn func() error) error {
	if c.isClosed() {
		return ErrClosed
	}
	err := c.queue.EnqueueAndWait(ctx, fn)
	if errors.Is(err, asyncqueue.ErrShutdown) {
		return ErrClosed
	}
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DatabaseID returns the database the client talks to.
func (c *Client) DatabaseID() model.DatabaseID { return c.db }

// EnableNetwork reconnects after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.run(ctx, func() error {
		c.persistence.SetNetworkEnabled(true)
		return c.remoteStore.EnableNetwork()
	})
}

// DisableNetwork stops talking to the backend. Reads come from the cache
// and writes stay queued until EnableNetwork.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.run(ctx, func() error {
		c.persistence.SetNetworkEnabled(false)
		c.remoteStore.DisableNetwork()
		return nil
	})
}

// WaitForPendingWrites blocks until every write made so far was accepted
// or rejected by the backend. Writes made while waiting are not waited
// for. A user change cancels the wait.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done := make(chan error, 1)
	err := c.run(ctx, func() error {
		return c.engine.RegisterPendingWritesCallback(c.ctx, func(err error) { done <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CacheStatus describes the client's local cache.
type CacheStatus struct {
	Backend     string
	Path        string
	Primary     bool
	OnlineState string
	Stats       persistence.Stats
	// PendingWrites reports whether writes wait for the backend.
	PendingWrites bool
}

// CacheStatus reports on the local cache.
func (c *Client) CacheStatus(ctx context.Context) (*CacheStatus, error) {
	out := &CacheStatus{Backend: config.BackendMemory}
	if c.sqlitePath != "" {
		out.Backend, out.Path = config.BackendSQLite, c.sqlitePath
	}
	err := c.run(ctx, func() error {
		out.Primary = c.engine.IsPrimary()
		out.OnlineState = c.remoteStore.OnlineState().String()
		highest, err := c.localStore.HighestUnacknowledgedBatchID(c.ctx)
		if err != nil {
			return err
		}
		out.PendingWrites = highest != model.UnknownBatchID
		out.Stats, err = persistence.ReadStats(c.ctx, c.persistence)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CollectGarbage runs an LRU collection now. It fails when the cache
// collects eagerly.
func (c *Client) CollectGarbage(ctx context.Context) (persistence.LruResults, error) {
	var results persistence.LruResults
	err := c.run(ctx, func() error {
		gc := c.persistence.GarbageCollector()
		if gc == nil {
			return status.New(status.FailedPrecondition, "the cache collects garbage eagerly")
		}
		var err error
		results, err = c.localStore.CollectGarbage(c.ctx, gc)
		return err
	})
	return results, err
}

// Close stops listeners, shuts the streams down and closes the cache.
// Pending writes stay in a durable cache for the next client. Close is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	observers := c.observers
	c.observers = nil
	c.mu.Unlock()

	for o := range observers {
		o.Mute()
	}
	c.queue.Shutdown(func() {
		if c.lru != nil {
			c.lru.Stop()
		}
		if c.remoteStore != nil {
			c.remoteStore.Shutdown()
		}
		c.credentials.Shutdown()
		c.appCheck.Shutdown()
	})
	c.cancel()

	var err error
	if c.persistence != nil {
		if serr := c.persistence.Shutdown(); serr != nil {
			err = fmt.Errorf("failed to close cache: %w", serr)
		}
	}
	logging.Debugf(c.logger, "Client closed")
	return err
}

// ClearPersistence deletes the client's durable cache, including writes
// that never reached the backend. The client must be closed.
func (c *Client) ClearPersistence(ctx context.Context) error {
	if !c.isClosed() {
		return status.New(status.FailedPrecondition,
			"persistence can only be cleared after the client is closed")
	}
	if c.sqlitePath == "" {
		return nil
	}
	return persistence.ClearSQLite(ctx, c.sqlitePath, c.cfg.Persistence.LeaseTimeout)
}

// ClearPersistence deletes the durable cache cfg points at. It fails with
// FailedPrecondition while a client is using it.
func ClearPersistence(ctx context.Context, cfg *config.Config) error {
	if cfg.Persistence.Backend != config.BackendSQLite {
		return nil
	}
	return persistence.ClearSQLite(ctx, cfg.Persistence.Path, cfg.Persistence.LeaseTimeout)
}

func (c *Client) track(o *core.AsyncObserver[*core.ViewSnapshot]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.observers[o] = true
	return true
}

func (c *Client) untrack(o *core.AsyncObserver[*core.ViewSnapshot]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, o)
}
