package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/model"
)

// SQLiteConfig configures a SQLitePersistence.
type SQLiteConfig struct {
	// Path is the database file. Its directory is created if missing.
	Path string

	Lru LruParams

	// LeaseRefreshInterval is how often the primary lease and the client
	// heartbeat are renewed.
	LeaseRefreshInterval time.Duration

	// LeaseTimeout is how long an unrenewed lease stays valid.
	LeaseTimeout time.Duration

	// WatchLease reacts to lease changes by other processes as soon as the
	// database files change, instead of waiting for the next refresh.
	WatchLease bool

	// MaxAttempts bounds retries of transactions that hit a busy database.
	MaxAttempts int

	// BusyTimeout is how long one attempt waits for another process's
	// lock before it fails as busy.
	BusyTimeout time.Duration

	// Logger defaults to stderr with a "[persistence] " prefix.
	Logger *log.Logger

	// Now is the clock used for lease timestamps. Defaults to time.Now.
	Now func() time.Time
}

// DefaultSQLiteConfig returns the configuration for a cache at path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:                 path,
		Lru:                  DefaultLruParams(),
		LeaseRefreshInterval: 4 * time.Second,
		LeaseTimeout:         5 * time.Second,
		WatchLease:           true,
		MaxAttempts:          3,
		BusyTimeout:          5 * time.Second,
	}
}

// clientMetadataMaxAge is how long a silent client's heartbeat row is kept.
const clientMetadataMaxAge = 30 * time.Minute

// SQLitePersistence stores the cache in a SQLite database that several
// processes may open at once. One of them holds the primary lease.
type SQLitePersistence struct {
	cfg      SQLiteConfig
	logger   *log.Logger
	clientID string

	db *sql.DB

	mu              sync.Mutex
	started         bool
	isPrimary       bool
	networkEnabled  bool
	primaryListener func(bool)
	lastSeq         model.ListenSequenceNumber

	remoteDocs   *sqliteRemoteDocumentCache
	targetCache  *sqliteTargetCache
	indexManager *sqliteIndexManager
	delegate     *sqliteLruDelegate
	gc           *LruGarbageCollector
	watcher      *LeaseWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSQLitePersistence returns an unstarted SQLite backend.
func NewSQLitePersistence(cfg SQLiteConfig) *SQLitePersistence {
	defaults := DefaultSQLiteConfig(cfg.Path)
	if cfg.LeaseRefreshInterval <= 0 {
		cfg.LeaseRefreshInterval = defaults.LeaseRefreshInterval
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaults.LeaseTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaults.BusyTimeout
	}
	if cfg.Lru == (LruParams{}) {
		cfg.Lru = defaults.Lru
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[persistence] ", log.LstdFlags)
	}
	p := &SQLitePersistence{
		cfg:            cfg,
		logger:         cfg.Logger,
		clientID:       ulid.Make().String(),
		networkEnabled: true,
	}
	p.indexManager = &sqliteIndexManager{}
	p.remoteDocs = &sqliteRemoteDocumentCache{indexManager: p.indexManager}
	p.targetCache = &sqliteTargetCache{p: p}
	p.delegate = &sqliteLruDelegate{p: p}
	p.gc = NewLruGarbageCollector(p.delegate, cfg.Lru, cfg.Logger)
	return p
}

// Start opens the database, creates the schema, registers the client and
// tries to take the primary lease.
func (p *SQLitePersistence) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("persistence already started")
	}
	p.mu.Unlock()

	dir := filepath.Dir(p.cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate",
		p.cfg.Path, p.cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	p.mu.Lock()
	p.db = db
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	if err := p.refreshLease(ctx); err != nil {
		_ = p.Shutdown()
		return fmt.Errorf("failed to acquire lease: %w", err)
	}

	if p.cfg.WatchLease {
		w, err := NewLeaseWatcher(p.cfg.Path, p.onDatabaseChanged, p.logger)
		if err != nil {
			p.logger.Printf("Warning: lease watcher unavailable, relying on periodic refresh: %v", err)
		} else if err := w.Start(); err != nil {
			p.logger.Printf("Warning: lease watcher failed to start: %v", err)
		} else {
			p.watcher = w
		}
	}

	p.wg.Add(1)
	go p.refreshLoop()
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func (p *SQLitePersistence) refreshLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.LeaseRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.refreshLease(p.ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Printf("Lease refresh failed: %v", err)
			}
		}
	}
}

// refreshLease renews this client's heartbeat and takes the primary lease
// if it is free, stale or already ours.
func (p *SQLitePersistence) refreshLease(ctx context.Context) error {
	var primary bool
	var highest model.ListenSequenceNumber
	err := p.withTx(ctx, false, func(tx *sql.Tx) error {
		now := p.cfg.Now().UnixMilli()
		p.mu.Lock()
		network := p.networkEnabled
		p.mu.Unlock()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO client_metadata (client_id, update_time_ms, network_enabled) VALUES (?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET
				update_time_ms = excluded.update_time_ms,
				network_enabled = excluded.network_enabled`,
			p.clientID, now, boolToInt(network)); err != nil {
			return fmt.Errorf("failed to update client metadata: %w", err)
		}
		ok, err := p.canActAsPrimary(ctx, tx, now)
		if err != nil {
			return err
		}
		if ok {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO owner (id, owner_id, lease_timestamp_ms) VALUES (0, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					owner_id = excluded.owner_id,
					lease_timestamp_ms = excluded.lease_timestamp_ms`,
				p.clientID, now); err != nil {
				return fmt.Errorf("failed to take primary lease: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM client_metadata WHERE update_time_ms < ?",
				now-clientMetadataMaxAge.Milliseconds()); err != nil {
				return fmt.Errorf("failed to prune client metadata: %w", err)
			}
			if err := tx.QueryRowContext(ctx, "SELECT highest_sequence_number FROM target_globals WHERE id = 0").Scan(&highest); err != nil {
				return fmt.Errorf("failed to read sequence number: %w", err)
			}
		}
		primary = ok
		return nil
	})
	if err != nil {
		return err
	}
	p.setPrimary(primary, highest)
	return nil
}

// onDatabaseChanged re-runs lease election when the lease row no longer
// matches what this client believes. The check is read-only so it does not
// trigger the watcher again.
func (p *SQLitePersistence) onDatabaseChanged() {
	ctx := p.ctx
	var stale bool
	err := p.withTx(ctx, true, func(tx *sql.Tx) error {
		ok, err := p.canActAsPrimary(ctx, tx, p.cfg.Now().UnixMilli())
		if err != nil {
			return err
		}
		stale = ok != p.IsPrimary()
		return nil
	})
	if err == nil && stale {
		err = p.refreshLease(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Printf("Lease check after file change failed: %v", err)
	}
}

// canActAsPrimary reports whether the lease is free, stale or ours.
func (p *SQLitePersistence) canActAsPrimary(ctx context.Context, tx *sql.Tx, nowMs int64) (bool, error) {
	var owner string
	var leaseMs int64
	err := tx.QueryRowContext(ctx, "SELECT owner_id, lease_timestamp_ms FROM owner WHERE id = 0").Scan(&owner, &leaseMs)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read primary lease: %w", err)
	}
	if owner == p.clientID {
		return true, nil
	}
	return nowMs-leaseMs > p.cfg.LeaseTimeout.Milliseconds(), nil
}

func (p *SQLitePersistence) setPrimary(primary bool, highestSeq model.ListenSequenceNumber) {
	p.mu.Lock()
	changed := p.isPrimary != primary
	p.isPrimary = primary
	if primary && highestSeq > p.lastSeq {
		p.lastSeq = highestSeq
	}
	listener := p.primaryListener
	p.mu.Unlock()
	if changed {
		p.logger.Printf("Client %s primary state: %v", p.clientID, primary)
		if listener != nil {
			listener(primary)
		}
	}
}

// IsPrimary reports whether this client holds the lease.
func (p *SQLitePersistence) IsPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPrimary
}

// Shutdown releases the lease and closes the database.
func (p *SQLitePersistence) Shutdown() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	if p.watcher != nil {
		if err := p.watcher.Stop(); err != nil {
			p.logger.Printf("Warning: failed to stop lease watcher: %v", err)
		}
	}
	p.wg.Wait()

	ctx := context.Background()
	err := p.withTx(ctx, false, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM owner WHERE owner_id = ?", p.clientID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM client_metadata WHERE client_id = ?", p.clientID)
		return err
	})
	if err != nil {
		p.logger.Printf("Warning: failed to release primary lease: %v", err)
	}
	p.setPrimary(false, 0)

	if _, err := p.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		p.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (p *SQLitePersistence) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *SQLitePersistence) ClientID() string { return p.clientID }

func (p *SQLitePersistence) SetPrimaryStateListener(fn func(isPrimary bool)) {
	p.mu.Lock()
	p.primaryListener = fn
	primary := p.isPrimary
	p.mu.Unlock()
	fn(primary)
}

func (p *SQLitePersistence) SetNetworkEnabled(enabled bool) {
	p.mu.Lock()
	p.networkEnabled = enabled
	p.mu.Unlock()
}

func (p *SQLitePersistence) MutationQueue(user auth.User, indexManager IndexManager) MutationQueue {
	return &sqliteMutationQueue{p: p, userID: user.Key(), indexManager: indexManager}
}

func (p *SQLitePersistence) DocumentOverlayCache(user auth.User) DocumentOverlayCache {
	return &sqliteDocumentOverlayCache{userID: user.Key()}
}

func (p *SQLitePersistence) IndexManager(user auth.User) IndexManager { return p.indexManager }
func (p *SQLitePersistence) TargetCache() TargetCache                 { return p.targetCache }
func (p *SQLitePersistence) RemoteDocumentCache() RemoteDocumentCache { return p.remoteDocs }
func (p *SQLitePersistence) ReferenceDelegate() ReferenceDelegate     { return p.delegate }
func (p *SQLitePersistence) GarbageCollector() *LruGarbageCollector   { return p.gc }

// withTx runs fn in a database transaction on a connection of its own,
// committing on success. A connection that failed busy is discarded so the
// next attempt starts on a fresh one.
func (p *SQLitePersistence) withTx(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) (err error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() {
		if isBusy(err) {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}()
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isBusy reports whether err is lock contention worth retrying.
func isBusy(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

// RunTransaction runs fn in a database transaction. Transactions that hit a
// busy database are retried up to MaxAttempts times and then fail with a
// retryable TransactionError.
func (p *SQLitePersistence) RunTransaction(ctx context.Context, action string, mode TxnMode, fn func(txn Transaction) error) error {
	if !p.Started() {
		return ErrNotStarted
	}
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var txn *sqliteTransaction
		txn, err = p.runOnce(ctx, mode, fn)
		if err == nil {
			for _, l := range txn.listeners {
				l()
			}
			return nil
		}
		if !isBusy(err) {
			if errors.Is(err, ErrPrimaryLeaseLost) {
				p.setPrimary(false, 0)
			}
			return err
		}
		p.logger.Printf("Transaction %q hit a busy database (attempt %d/%d)", action, attempt, p.cfg.MaxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return &TransactionError{Action: action, Err: err, retryable: true}
}

func (p *SQLitePersistence) runOnce(ctx context.Context, mode TxnMode, fn func(txn Transaction) error) (*sqliteTransaction, error) {
	txn := &sqliteTransaction{ctx: ctx, seq: model.InvalidSequenceNumber}
	err := p.withTx(ctx, mode == ReadOnly, func(tx *sql.Tx) error {
		txn.tx = tx
		if mode == ReadWritePrimary {
			now := p.cfg.Now().UnixMilli()
			var owner string
			var leaseMs int64
			err := tx.QueryRowContext(ctx, "SELECT owner_id, lease_timestamp_ms FROM owner WHERE id = 0").Scan(&owner, &leaseMs)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to read primary lease: %w", err)
			}
			if owner != p.clientID || now-leaseMs > p.cfg.LeaseTimeout.Milliseconds() {
				return ErrPrimaryLeaseLost
			}
			if _, err := tx.ExecContext(ctx, "UPDATE owner SET lease_timestamp_ms = ? WHERE id = 0", now); err != nil {
				return fmt.Errorf("failed to extend primary lease: %w", err)
			}
		}
		if mode != ReadOnly {
			txn.seq = p.nextSequenceNumber()
		}
		return fn(txn)
	})
	return txn, err
}

func (p *SQLitePersistence) nextSequenceNumber() model.ListenSequenceNumber {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeq++
	return p.lastSeq
}

// sqliteTransaction carries the database transaction through store calls.
type sqliteTransaction struct {
	ctx       context.Context
	tx        *sql.Tx
	seq       model.ListenSequenceNumber
	listeners []func()
}

func (t *sqliteTransaction) CurrentSequenceNumber() model.ListenSequenceNumber { return t.seq }

func (t *sqliteTransaction) AddOnCommittedListener(fn func()) {
	t.listeners = append(t.listeners, fn)
}

func (t *sqliteTransaction) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *sqliteTransaction) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *sqliteTransaction) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// sqlTxn unwraps a transaction handed out by SQLitePersistence.
func sqlTxn(txn Transaction) *sqliteTransaction {
	t, ok := txn.(*sqliteTransaction)
	if !ok {
		panic(fmt.Sprintf("persistence: %T is not a SQLite transaction", txn))
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
