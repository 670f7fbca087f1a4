package persistence

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/model"
)

// GCMode selects how a MemoryPersistence drops documents nothing
// references anymore.
type GCMode int

const (
	// GCEager removes unreferenced documents when the transaction that
	// released them commits.
	GCEager GCMode = iota
	// GCLru keeps documents until an LRU collection run removes them.
	GCLru
)

// MemoryConfig configures a MemoryPersistence.
type MemoryConfig struct {
	GC  GCMode
	Lru LruParams
	// Logger defaults to stderr with a "[persistence] " prefix.
	Logger *log.Logger
}

// DefaultMemoryConfig collects eagerly.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{GC: GCEager, Lru: DefaultLruParams()}
}

// memoryDelegate is a ReferenceDelegate with transaction hooks.
type memoryDelegate interface {
	ReferenceDelegate
	onTransactionStarted()
	onTransactionCommitted(txn Transaction) error
	nextSequenceNumber() model.ListenSequenceNumber
}

// MemoryPersistence keeps the cache in process memory. Transactions are
// serialized and are not rolled back when they fail.
type MemoryPersistence struct {
	mu       sync.Mutex
	started  bool
	clientID string
	logger   *log.Logger

	storesMu sync.Mutex

	remoteDocs   *memoryRemoteDocumentCache
	targetCache  *memoryTargetCache
	indexManager *memoryIndexManager
	queues       map[string]*memoryMutationQueue
	overlays     map[string]*memoryDocumentOverlayCache
	delegate     memoryDelegate
	gc           *LruGarbageCollector
}

// NewMemoryPersistence returns an unstarted memory backend.
func NewMemoryPersistence(cfg MemoryConfig) *MemoryPersistence {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[persistence] ", log.LstdFlags)
	}
	p := &MemoryPersistence{
		clientID:     ulid.Make().String(),
		logger:       cfg.Logger,
		indexManager: newMemoryIndexManager(),
		queues:       make(map[string]*memoryMutationQueue),
		overlays:     make(map[string]*memoryDocumentOverlayCache),
	}
	p.targetCache = newMemoryTargetCache(p)
	p.remoteDocs = newMemoryRemoteDocumentCache()
	p.remoteDocs.SetIndexManager(p.indexManager)
	switch cfg.GC {
	case GCLru:
		d := newMemoryLruDelegate(p)
		p.delegate = d
		p.gc = NewLruGarbageCollector(d, cfg.Lru, cfg.Logger)
	default:
		p.delegate = newMemoryEagerDelegate(p)
	}
	return p
}

func (p *MemoryPersistence) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *MemoryPersistence) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

func (p *MemoryPersistence) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *MemoryPersistence) ClientID() string { return p.clientID }

// SetPrimaryStateListener reports primary immediately: a memory cache is
// never shared.
func (p *MemoryPersistence) SetPrimaryStateListener(fn func(isPrimary bool)) { fn(true) }

func (p *MemoryPersistence) SetNetworkEnabled(enabled bool) {}

func (p *MemoryPersistence) MutationQueue(user auth.User, indexManager IndexManager) MutationQueue {
	p.storesMu.Lock()
	defer p.storesMu.Unlock()
	q, ok := p.queues[user.Key()]
	if !ok {
		q = newMemoryMutationQueue(p, indexManager)
		p.queues[user.Key()] = q
	}
	return q
}

func (p *MemoryPersistence) DocumentOverlayCache(user auth.User) DocumentOverlayCache {
	p.storesMu.Lock()
	defer p.storesMu.Unlock()
	c, ok := p.overlays[user.Key()]
	if !ok {
		c = newMemoryDocumentOverlayCache()
		p.overlays[user.Key()] = c
	}
	return c
}

// IndexManager returns the shared index manager. Collection parents are
// not user specific.
func (p *MemoryPersistence) IndexManager(user auth.User) IndexManager { return p.indexManager }

func (p *MemoryPersistence) TargetCache() TargetCache                 { return p.targetCache }
func (p *MemoryPersistence) RemoteDocumentCache() RemoteDocumentCache { return p.remoteDocs }
func (p *MemoryPersistence) ReferenceDelegate() ReferenceDelegate     { return p.delegate }
func (p *MemoryPersistence) GarbageCollector() *LruGarbageCollector   { return p.gc }

// RunTransaction runs fn while holding the persistence lock. Committed
// listeners run after the lock is released.
func (p *MemoryPersistence) RunTransaction(ctx context.Context, action string, mode TxnMode, fn func(txn Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	txn := &memoryTransaction{seq: p.delegate.nextSequenceNumber()}
	p.delegate.onTransactionStarted()
	err := fn(txn)
	if err == nil {
		err = p.delegate.onTransactionCommitted(txn)
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	for _, l := range txn.listeners {
		l()
	}
	return nil
}

// mutationQueuesContainKey reports whether any user's pending writes touch
// key.
func (p *MemoryPersistence) mutationQueuesContainKey(key model.DocumentKey) bool {
	p.storesMu.Lock()
	defer p.storesMu.Unlock()
	for _, q := range p.queues {
		if q.refs.ContainsKey(key) {
			return true
		}
	}
	return false
}

type memoryTransaction struct {
	seq       model.ListenSequenceNumber
	listeners []func()
}

func (t *memoryTransaction) CurrentSequenceNumber() model.ListenSequenceNumber { return t.seq }

func (t *memoryTransaction) AddOnCommittedListener(fn func()) {
	t.listeners = append(t.listeners, fn)
}

// memoryEagerDelegate tracks documents released during a transaction and
// deletes the ones nothing references when it commits.
type memoryEagerDelegate struct {
	p        *MemoryPersistence
	pins     ReferencePins
	orphaned map[model.DocumentKey]bool
}

func newMemoryEagerDelegate(p *MemoryPersistence) *memoryEagerDelegate {
	return &memoryEagerDelegate{p: p, orphaned: make(map[model.DocumentKey]bool)}
}

func (d *memoryEagerDelegate) SetInMemoryPins(pins ReferencePins) { d.pins = pins }

func (d *memoryEagerDelegate) AddReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error {
	delete(d.orphaned, key)
	return nil
}

func (d *memoryEagerDelegate) RemoveReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error {
	d.orphaned[key] = true
	return nil
}

func (d *memoryEagerDelegate) MarkPotentiallyOrphaned(txn Transaction, key model.DocumentKey) error {
	d.orphaned[key] = true
	return nil
}

func (d *memoryEagerDelegate) RemoveTarget(txn Transaction, data *TargetData) error {
	for _, key := range d.p.targetCache.refs.ReferencesForID(int32(data.TargetID)).Keys() {
		d.orphaned[key] = true
	}
	return d.p.targetCache.RemoveTargetData(txn, data)
}

func (d *memoryEagerDelegate) UpdateLimboDocument(txn Transaction, key model.DocumentKey) error {
	if d.isReferenced(key) {
		delete(d.orphaned, key)
	} else {
		d.orphaned[key] = true
	}
	return nil
}

func (d *memoryEagerDelegate) isReferenced(key model.DocumentKey) bool {
	if d.p.targetCache.refs.ContainsKey(key) || d.p.mutationQueuesContainKey(key) {
		return true
	}
	return d.pins != nil && d.pins.ContainsKey(key)
}

func (d *memoryEagerDelegate) onTransactionStarted() {
	d.orphaned = make(map[model.DocumentKey]bool)
}

func (d *memoryEagerDelegate) onTransactionCommitted(txn Transaction) error {
	for key := range d.orphaned {
		if d.isReferenced(key) {
			continue
		}
		if err := d.p.remoteDocs.removeEntry(txn, key); err != nil {
			return err
		}
	}
	d.orphaned = make(map[model.DocumentKey]bool)
	return nil
}

func (d *memoryEagerDelegate) nextSequenceNumber() model.ListenSequenceNumber {
	return model.InvalidSequenceNumber
}

// memoryLruDelegate stamps released documents with the sequence number of
// the transaction that released them, so LRU collection can order them
// with targets.
type memoryLruDelegate struct {
	p        *MemoryPersistence
	pins     ReferencePins
	orphaned map[model.DocumentKey]model.ListenSequenceNumber
	lastSeq  model.ListenSequenceNumber
}

func newMemoryLruDelegate(p *MemoryPersistence) *memoryLruDelegate {
	return &memoryLruDelegate{p: p, orphaned: make(map[model.DocumentKey]model.ListenSequenceNumber)}
}

func (d *memoryLruDelegate) SetInMemoryPins(pins ReferencePins) { d.pins = pins }

func (d *memoryLruDelegate) touch(txn Transaction, key model.DocumentKey) error {
	d.orphaned[key] = txn.CurrentSequenceNumber()
	return nil
}

func (d *memoryLruDelegate) AddReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error {
	return d.touch(txn, key)
}

func (d *memoryLruDelegate) RemoveReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error {
	return d.touch(txn, key)
}

func (d *memoryLruDelegate) MarkPotentiallyOrphaned(txn Transaction, key model.DocumentKey) error {
	return d.touch(txn, key)
}

func (d *memoryLruDelegate) UpdateLimboDocument(txn Transaction, key model.DocumentKey) error {
	return d.touch(txn, key)
}

func (d *memoryLruDelegate) RemoveTarget(txn Transaction, data *TargetData) error {
	return d.p.targetCache.UpdateTargetData(txn, data.WithSequenceNumber(txn.CurrentSequenceNumber()))
}

// isPinned reports whether key must survive a collection up to upperBound.
func (d *memoryLruDelegate) isPinned(key model.DocumentKey, upperBound model.ListenSequenceNumber) bool {
	if d.p.mutationQueuesContainKey(key) || d.p.targetCache.refs.ContainsKey(key) {
		return true
	}
	if d.pins != nil && d.pins.ContainsKey(key) {
		return true
	}
	seq, ok := d.orphaned[key]
	return ok && seq > upperBound
}

func (d *memoryLruDelegate) GetSequenceNumberCount(txn Transaction) (int, error) {
	count := len(d.p.targetCache.targets)
	err := d.ForEachOrphanedDocumentSequenceNumber(txn, func(model.ListenSequenceNumber) { count++ })
	return count, err
}

func (d *memoryLruDelegate) ForEachTarget(txn Transaction, fn func(*TargetData)) error {
	return d.p.targetCache.ForEachTarget(txn, fn)
}

func (d *memoryLruDelegate) ForEachOrphanedDocumentSequenceNumber(txn Transaction, fn func(model.ListenSequenceNumber)) error {
	for key, seq := range d.orphaned {
		if !d.isPinned(key, seq) {
			fn(seq)
		}
	}
	return nil
}

func (d *memoryLruDelegate) RemoveTargets(txn Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error) {
	return d.p.targetCache.RemoveTargets(txn, upperBound, activeTargetIDs)
}

func (d *memoryLruDelegate) RemoveOrphanedDocuments(txn Transaction, upperBound model.ListenSequenceNumber) (int, error) {
	var victims []model.DocumentKey
	d.p.remoteDocs.docs.Ascend(func(e remoteEntry) bool {
		if !d.isPinned(e.doc.Key, upperBound) {
			victims = append(victims, e.doc.Key)
		}
		return true
	})
	for _, key := range victims {
		if err := d.p.remoteDocs.removeEntry(txn, key); err != nil {
			return 0, err
		}
		delete(d.orphaned, key)
	}
	return len(victims), nil
}

func (d *memoryLruDelegate) GetCacheSize(txn Transaction) (int64, error) {
	size, err := d.p.remoteDocs.GetSize(txn)
	if err != nil {
		return 0, err
	}
	err = d.p.targetCache.ForEachTarget(txn, func(t *TargetData) {
		size += estimateTargetSize(t)
	})
	return size, err
}

func (d *memoryLruDelegate) onTransactionStarted() {}

func (d *memoryLruDelegate) onTransactionCommitted(txn Transaction) error { return nil }

func (d *memoryLruDelegate) nextSequenceNumber() model.ListenSequenceNumber {
	if highest := d.p.targetCache.highestSequenceNumber; highest > d.lastSeq {
		d.lastSeq = highest
	}
	d.lastSeq++
	return d.lastSeq
}

// estimateTargetSize approximates the stored size of a target row.
func estimateTargetSize(t *TargetData) int64 {
	return int64(len(t.Target.CanonicalID())+len(t.ResumeToken)) + 32
}
