package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/steveyegge/docsync/internal/status"
)

// Stats describes the contents of a cache.
type Stats struct {
	ClientID string
	// CacheSizeBytes and SequenceNumbers are -1 when the backend collects
	// eagerly and does not track them.
	CacheSizeBytes  int64
	SequenceNumbers int
	Lru             LruParams
}

// ReadStats reports the size of p's cache.
func ReadStats(ctx context.Context, p Persistence) (Stats, error) {
	stats := Stats{ClientID: p.ClientID(), CacheSizeBytes: -1, SequenceNumbers: -1}
	if gc := p.GarbageCollector(); gc != nil {
		stats.Lru = gc.Params()
	}
	delegate, ok := p.ReferenceDelegate().(LruDelegate)
	if !ok {
		return stats, nil
	}
	err := p.RunTransaction(ctx, "Read cache stats", ReadOnly, func(txn Transaction) error {
		var err error
		if stats.CacheSizeBytes, err = delegate.GetCacheSize(txn); err != nil {
			return err
		}
		stats.SequenceNumbers, err = delegate.GetSequenceNumberCount(txn)
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read cache stats: %w", err)
	}
	return stats, nil
}

// ClearSQLite deletes the SQLite cache at path together with its WAL
// files. It fails with FailedPrecondition while any client renewed its
// heartbeat within leaseTimeout, since that client may still be using the
// files.
func ClearSQLite(ctx context.Context, path string, leaseTimeout time.Duration) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := checkNoLiveClients(ctx, path, leaseTimeout); err != nil {
		return err
	}
	for _, name := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

func checkNoLiveClients(ctx context.Context, path string, leaseTimeout time.Duration) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var live int
	cutoff := time.Now().Add(-leaseTimeout).UnixMilli()
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM client_metadata WHERE update_time_ms > ?", cutoff).Scan(&live)
	if err != nil {
		// A file without the schema was never used by a client.
		if isMissingTable(err) {
			return nil
		}
		return fmt.Errorf("failed to read client metadata: %w", err)
	}
	if live > 0 {
		return status.Errorf(status.FailedPrecondition,
			"persistence cannot be cleared while %d client(s) are using %s", live, path)
	}
	return nil
}

func isMissingTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}
