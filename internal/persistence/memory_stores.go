package persistence

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

// memoryMutationQueue holds batches in id order. refs maps each written key
// to the ids of the batches writing it.
type memoryMutationQueue struct {
	p               *MemoryPersistence
	indexManager    IndexManager
	queue           []*mutation.Batch
	nextBatchID     model.BatchID
	lastStreamToken []byte
	refs            *ReferenceSet
}

func newMemoryMutationQueue(p *MemoryPersistence, indexManager IndexManager) *memoryMutationQueue {
	return &memoryMutationQueue{p: p, indexManager: indexManager, nextBatchID: 1, refs: NewReferenceSet()}
}

func (q *memoryMutationQueue) CheckEmpty(txn Transaction) (bool, error) {
	return len(q.queue) == 0, nil
}

func (q *memoryMutationQueue) AddMutationBatch(txn Transaction, localWriteTime model.Timestamp, baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("mutation batch must not be empty")
	}
	id := q.nextBatchID
	q.nextBatchID++
	batch := &mutation.Batch{
		BatchID:        id,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	q.queue = append(q.queue, batch)
	for _, m := range mutations {
		q.refs.AddReference(m.Key, int32(id))
		if err := q.indexManager.AddToCollectionParentIndex(txn, m.Key.CollectionPath()); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func (q *memoryMutationQueue) indexOf(id model.BatchID) int {
	i := sort.Search(len(q.queue), func(i int) bool { return q.queue[i].BatchID >= id })
	if i < len(q.queue) && q.queue[i].BatchID == id {
		return i
	}
	return -1
}

func (q *memoryMutationQueue) AcknowledgeBatch(txn Transaction, batch *mutation.Batch, streamToken []byte) error {
	i := q.indexOf(batch.BatchID)
	if i != 0 {
		return fmt.Errorf("can only acknowledge the first batch in the queue, got batch %d at %d", batch.BatchID, i)
	}
	q.lastStreamToken = streamToken
	return nil
}

func (q *memoryMutationQueue) LookupMutationBatch(txn Transaction, id model.BatchID) (*mutation.Batch, error) {
	if i := q.indexOf(id); i >= 0 {
		return q.queue[i], nil
	}
	return nil, nil
}

func (q *memoryMutationQueue) GetNextMutationBatchAfterBatchID(txn Transaction, id model.BatchID) (*mutation.Batch, error) {
	i := sort.Search(len(q.queue), func(i int) bool { return q.queue[i].BatchID > id })
	if i < len(q.queue) {
		return q.queue[i], nil
	}
	return nil, nil
}

func (q *memoryMutationQueue) GetHighestUnacknowledgedBatchID(txn Transaction) (model.BatchID, error) {
	if len(q.queue) == 0 {
		return model.UnknownBatchID, nil
	}
	return q.queue[len(q.queue)-1].BatchID, nil
}

func (q *memoryMutationQueue) GetAllMutationBatches(txn Transaction) ([]*mutation.Batch, error) {
	return append([]*mutation.Batch(nil), q.queue...), nil
}

func (q *memoryMutationQueue) batchesForIDs(ids map[int32]bool) []*mutation.Batch {
	sorted := make([]int32, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]*mutation.Batch, 0, len(sorted))
	for _, id := range sorted {
		if i := q.indexOf(model.BatchID(id)); i >= 0 {
			out = append(out, q.queue[i])
		}
	}
	return out
}

func (q *memoryMutationQueue) GetAllMutationBatchesAffectingDocumentKey(txn Transaction, key model.DocumentKey) ([]*mutation.Batch, error) {
	ids := make(map[int32]bool)
	for _, id := range q.refs.IDsForKey(key) {
		ids[id] = true
	}
	return q.batchesForIDs(ids), nil
}

func (q *memoryMutationQueue) GetAllMutationBatchesAffectingDocumentKeys(txn Transaction, keys model.DocumentKeySet) ([]*mutation.Batch, error) {
	ids := make(map[int32]bool)
	keys.ForEach(func(k model.DocumentKey) bool {
		for _, id := range q.refs.IDsForKey(k) {
			ids[id] = true
		}
		return true
	})
	return q.batchesForIDs(ids), nil
}

// GetAllMutationBatchesAffectingQuery returns batches writing documents
// directly under the query path. Collection-group queries are resolved per
// collection by the caller.
func (q *memoryMutationQueue) GetAllMutationBatchesAffectingQuery(txn Transaction, qu query.Query) ([]*mutation.Batch, error) {
	if qu.IsCollectionGroupQuery() {
		return nil, fmt.Errorf("collection group query %s must be resolved per collection", qu)
	}
	prefix := qu.Path
	start := model.CollectionStartKey(prefix)
	if qu.IsDocumentQuery() {
		key, err := model.NewDocumentKey(prefix)
		if err != nil {
			return nil, err
		}
		start = key
	}
	depth := prefix.Len() + 1
	ids := make(map[int32]bool)
	q.refs.AscendFrom(start, func(key model.DocumentKey, id int32) bool {
		path := key.Path()
		if !prefix.IsPrefixOf(path) {
			return false
		}
		if path.Len() == depth || path.Equal(prefix) {
			ids[id] = true
		}
		return true
	})
	return q.batchesForIDs(ids), nil
}

func (q *memoryMutationQueue) RemoveMutationBatch(txn Transaction, batch *mutation.Batch) error {
	if i := q.indexOf(batch.BatchID); i != 0 {
		return fmt.Errorf("can only remove the first batch in the queue, got batch %d at %d", batch.BatchID, i)
	}
	q.queue = q.queue[1:]
	for _, m := range batch.Mutations {
		q.refs.RemoveReference(m.Key, int32(batch.BatchID))
		if err := q.p.delegate.MarkPotentiallyOrphaned(txn, m.Key); err != nil {
			return err
		}
	}
	return nil
}

func (q *memoryMutationQueue) ContainsKey(txn Transaction, key model.DocumentKey) (bool, error) {
	return q.refs.ContainsKey(key), nil
}

func (q *memoryMutationQueue) GetLastStreamToken(txn Transaction) ([]byte, error) {
	return q.lastStreamToken, nil
}

func (q *memoryMutationQueue) SetLastStreamToken(txn Transaction, token []byte) error {
	q.lastStreamToken = token
	return nil
}

func (q *memoryMutationQueue) PerformConsistencyCheck(txn Transaction) error {
	if len(q.queue) == 0 && !q.refs.IsEmpty() {
		return fmt.Errorf("document leak: mutation queue is empty but still references documents")
	}
	return nil
}

// remoteEntry is a cached document and its estimated size.
type remoteEntry struct {
	doc  *model.MutableDocument
	size int64
}

// memoryRemoteDocumentCache keeps documents in key order so collection scans
// are range reads.
type memoryRemoteDocumentCache struct {
	docs         *btree.BTreeG[remoteEntry]
	size         int64
	indexManager IndexManager
}

func newMemoryRemoteDocumentCache() *memoryRemoteDocumentCache {
	return &memoryRemoteDocumentCache{
		docs: btree.NewG(16, func(a, b remoteEntry) bool { return a.doc.Key.Compare(b.doc.Key) < 0 }),
	}
}

func probe(key model.DocumentKey) remoteEntry {
	return remoteEntry{doc: model.NewInvalidDocument(key)}
}

func (c *memoryRemoteDocumentCache) SetIndexManager(m IndexManager) { c.indexManager = m }

func (c *memoryRemoteDocumentCache) setEntry(txn Transaction, doc *model.MutableDocument) error {
	entry := remoteEntry{doc: doc.MutableCopy(), size: doc.EstimateByteSize()}
	if prev, ok := c.docs.ReplaceOrInsert(entry); ok {
		c.size -= prev.size
	}
	c.size += entry.size
	if c.indexManager == nil {
		return nil
	}
	if err := c.indexManager.AddToCollectionParentIndex(txn, doc.Key.CollectionPath()); err != nil {
		return err
	}
	return c.indexManager.UpdateIndexEntries(txn, model.DocumentMap{doc.Key: doc})
}

func (c *memoryRemoteDocumentCache) removeEntry(txn Transaction, key model.DocumentKey) error {
	if prev, ok := c.docs.Delete(probe(key)); ok {
		c.size -= prev.size
	}
	return nil
}

func (c *memoryRemoteDocumentCache) GetEntry(txn Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	if e, ok := c.docs.Get(probe(key)); ok {
		return e.doc.MutableCopy(), nil
	}
	return model.NewInvalidDocument(key), nil
}

func (c *memoryRemoteDocumentCache) GetEntries(txn Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, keys.Len())
	keys.ForEach(func(k model.DocumentKey) bool {
		out[k], _ = c.GetEntry(txn, k)
		return true
	})
	return out, nil
}

func (c *memoryRemoteDocumentCache) GetDocumentsMatchingQuery(txn Transaction, q query.Query, offset IndexOffset, mutated model.DocumentKeySet, qc *QueryContext) (model.DocumentMap, error) {
	out := make(model.DocumentMap)
	collection := q.Path
	c.docs.AscendGreaterOrEqual(probe(model.CollectionStartKey(collection)), func(e remoteEntry) bool {
		path := e.doc.Key.Path()
		if !collection.IsPrefixOf(path) {
			return false
		}
		if path.Len() > collection.Len()+1 {
			return true
		}
		if !offset.Before(e.doc.ReadTime, e.doc.Key) {
			return true
		}
		qc.countRead()
		if !mutated.Has(e.doc.Key) && !q.Matches(e.doc) {
			return true
		}
		out[e.doc.Key] = e.doc.MutableCopy()
		return true
	})
	return out, nil
}

func (c *memoryRemoteDocumentCache) GetAllFromCollectionGroup(txn Transaction, collectionGroup string, offset IndexOffset, limit int) (model.DocumentMap, error) {
	var matches []*model.MutableDocument
	c.docs.Ascend(func(e remoteEntry) bool {
		if e.doc.Key.CollectionGroup() == collectionGroup && offset.Before(e.doc.ReadTime, e.doc.Key) {
			matches = append(matches, e.doc)
		}
		return true
	})
	sort.Slice(matches, func(i, j int) bool {
		if d := matches[i].ReadTime.Compare(matches[j].ReadTime); d != 0 {
			return d < 0
		}
		return matches[i].Key.Compare(matches[j].Key) < 0
	})
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make(model.DocumentMap, len(matches))
	for _, d := range matches {
		out[d.Key] = d.MutableCopy()
	}
	return out, nil
}

func (c *memoryRemoteDocumentCache) GetSize(txn Transaction) (int64, error) { return c.size, nil }

func (c *memoryRemoteDocumentCache) NewChangeBuffer() *RemoteDocumentChangeBuffer {
	return newChangeBuffer(c)
}

// memoryDocumentOverlayCache keeps overlays by key, plus an index from
// batch id to the keys whose overlay that batch last wrote.
type memoryDocumentOverlayCache struct {
	overlays map[model.DocumentKey]*mutation.Overlay
	byBatch  map[model.BatchID]map[model.DocumentKey]bool
}

func newMemoryDocumentOverlayCache() *memoryDocumentOverlayCache {
	return &memoryDocumentOverlayCache{
		overlays: make(map[model.DocumentKey]*mutation.Overlay),
		byBatch:  make(map[model.BatchID]map[model.DocumentKey]bool),
	}
}

func (c *memoryDocumentOverlayCache) GetOverlay(txn Transaction, key model.DocumentKey) (*mutation.Overlay, error) {
	return c.overlays[key], nil
}

func (c *memoryDocumentOverlayCache) GetOverlays(txn Transaction, keys []model.DocumentKey) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := make(map[model.DocumentKey]*mutation.Overlay)
	for _, k := range keys {
		if o, ok := c.overlays[k]; ok {
			out[k] = o
		}
	}
	return out, nil
}

func (c *memoryDocumentOverlayCache) saveOverlay(largestBatchID model.BatchID, m mutation.Mutation) {
	if existing, ok := c.overlays[m.Key]; ok {
		keys := c.byBatch[existing.LargestBatchID]
		delete(keys, m.Key)
		if len(keys) == 0 {
			delete(c.byBatch, existing.LargestBatchID)
		}
	}
	c.overlays[m.Key] = &mutation.Overlay{LargestBatchID: largestBatchID, Mutation: m}
	keys, ok := c.byBatch[largestBatchID]
	if !ok {
		keys = make(map[model.DocumentKey]bool)
		c.byBatch[largestBatchID] = keys
	}
	keys[m.Key] = true
}

func (c *memoryDocumentOverlayCache) SaveOverlays(txn Transaction, largestBatchID model.BatchID, overlays map[model.DocumentKey]mutation.Mutation) error {
	for _, m := range overlays {
		c.saveOverlay(largestBatchID, m)
	}
	return nil
}

func (c *memoryDocumentOverlayCache) RemoveOverlaysForBatchID(txn Transaction, keys model.DocumentKeySet, batchID model.BatchID) error {
	batchKeys := c.byBatch[batchID]
	keys.ForEach(func(k model.DocumentKey) bool {
		if batchKeys[k] {
			delete(c.overlays, k)
			delete(batchKeys, k)
		}
		return true
	})
	if len(batchKeys) == 0 {
		delete(c.byBatch, batchID)
	}
	return nil
}

func (c *memoryDocumentOverlayCache) GetOverlaysForCollection(txn Transaction, collection model.ResourcePath, sinceBatchID model.BatchID) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := make(map[model.DocumentKey]*mutation.Overlay)
	for k, o := range c.overlays {
		if o.LargestBatchID > sinceBatchID && k.CollectionPath().Equal(collection) {
			out[k] = o
		}
	}
	return out, nil
}

func (c *memoryDocumentOverlayCache) GetOverlaysForCollectionGroup(txn Transaction, collectionGroup string, sinceBatchID model.BatchID, count int) (map[model.DocumentKey]*mutation.Overlay, error) {
	batches := make(map[model.BatchID][]*mutation.Overlay)
	for k, o := range c.overlays {
		if o.LargestBatchID > sinceBatchID && k.CollectionGroup() == collectionGroup {
			batches[o.LargestBatchID] = append(batches[o.LargestBatchID], o)
		}
	}
	return collectOverlayBatches(batches, count), nil
}

// collectOverlayBatches adds whole batches in ascending id order until at
// least count overlays are collected.
func collectOverlayBatches(batches map[model.BatchID][]*mutation.Overlay, count int) map[model.DocumentKey]*mutation.Overlay {
	ids := make([]model.BatchID, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make(map[model.DocumentKey]*mutation.Overlay)
	for _, id := range ids {
		for _, o := range batches[id] {
			out[o.Key()] = o
		}
		if len(out) >= count {
			break
		}
	}
	return out
}

// memoryTargetCache keeps target metadata by canonical id and matching keys
// in a ReferenceSet keyed by target id.
type memoryTargetCache struct {
	p                         *MemoryPersistence
	targets                   map[string]*TargetData
	refs                      *ReferenceSet
	highestTargetID           model.TargetID
	highestSequenceNumber     model.ListenSequenceNumber
	lastRemoteSnapshotVersion model.SnapshotVersion
	ids                       *TargetIDGenerator
}

func newMemoryTargetCache(p *MemoryPersistence) *memoryTargetCache {
	return &memoryTargetCache{
		p:       p,
		targets: make(map[string]*TargetData),
		refs:    NewReferenceSet(),
		ids:     NewTargetCacheIDGenerator(0),
	}
}

func (c *memoryTargetCache) GetTargetData(txn Transaction, target query.Target) (*TargetData, error) {
	return c.targets[target.CanonicalID()], nil
}

func (c *memoryTargetCache) save(data *TargetData) {
	c.targets[data.Target.CanonicalID()] = data
	if data.TargetID > c.highestTargetID {
		c.ids = NewTargetCacheIDGenerator(data.TargetID)
		c.highestTargetID = data.TargetID
	}
	if data.SequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = data.SequenceNumber
	}
}

func (c *memoryTargetCache) AddTargetData(txn Transaction, data *TargetData) error {
	if _, ok := c.targets[data.Target.CanonicalID()]; ok {
		return fmt.Errorf("target %d is already cached", data.TargetID)
	}
	c.save(data)
	return nil
}

func (c *memoryTargetCache) UpdateTargetData(txn Transaction, data *TargetData) error {
	if _, ok := c.targets[data.Target.CanonicalID()]; !ok {
		return fmt.Errorf("cannot update unknown target %d", data.TargetID)
	}
	c.save(data)
	return nil
}

func (c *memoryTargetCache) RemoveTargetData(txn Transaction, data *TargetData) error {
	delete(c.targets, data.Target.CanonicalID())
	c.refs.RemoveReferencesForID(int32(data.TargetID))
	return nil
}

func (c *memoryTargetCache) RemoveTargets(txn Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error) {
	removed := 0
	for id, data := range c.targets {
		if data.SequenceNumber <= upperBound && !activeTargetIDs[data.TargetID] {
			delete(c.targets, id)
			if err := c.RemoveMatchingKeysForTargetID(txn, data.TargetID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (c *memoryTargetCache) ForEachTarget(txn Transaction, fn func(*TargetData)) error {
	for _, data := range c.targets {
		fn(data)
	}
	return nil
}

func (c *memoryTargetCache) GetTargetCount(txn Transaction) (int, error) { return len(c.targets), nil }

func (c *memoryTargetCache) AllocateTargetID(txn Transaction) (model.TargetID, error) {
	id := c.ids.Next()
	c.highestTargetID = id
	return id, nil
}

func (c *memoryTargetCache) GetLastRemoteSnapshotVersion(txn Transaction) (model.SnapshotVersion, error) {
	return c.lastRemoteSnapshotVersion, nil
}

func (c *memoryTargetCache) GetHighestSequenceNumber(txn Transaction) (model.ListenSequenceNumber, error) {
	return c.highestSequenceNumber, nil
}

func (c *memoryTargetCache) SetTargetsMetadata(txn Transaction, highestSequenceNumber model.ListenSequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error {
	if highestSequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = highestSequenceNumber
	}
	c.lastRemoteSnapshotVersion = lastRemoteSnapshotVersion
	return nil
}

func (c *memoryTargetCache) AddMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	c.refs.AddReferences(keys, int32(targetID))
	var err error
	keys.ForEach(func(k model.DocumentKey) bool {
		err = c.p.delegate.AddReference(txn, targetID, k)
		return err == nil
	})
	return err
}

func (c *memoryTargetCache) RemoveMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	c.refs.RemoveReferences(keys, int32(targetID))
	var err error
	keys.ForEach(func(k model.DocumentKey) bool {
		err = c.p.delegate.RemoveReference(txn, targetID, k)
		return err == nil
	})
	return err
}

func (c *memoryTargetCache) RemoveMatchingKeysForTargetID(txn Transaction, targetID model.TargetID) error {
	c.refs.RemoveReferencesForID(int32(targetID))
	return nil
}

func (c *memoryTargetCache) GetMatchingKeysForTargetID(txn Transaction, targetID model.TargetID) (model.DocumentKeySet, error) {
	return c.refs.ReferencesForID(int32(targetID)), nil
}

func (c *memoryTargetCache) ContainsKey(txn Transaction, key model.DocumentKey) (bool, error) {
	return c.refs.ContainsKey(key), nil
}

// memoryIndexManager tracks collection parents. Field indexes are not
// kept in memory; every target reports IndexNone and queries fall back to
// collection scans.
type memoryIndexManager struct {
	parents map[string]map[string]model.ResourcePath
}

func newMemoryIndexManager() *memoryIndexManager {
	return &memoryIndexManager{parents: make(map[string]map[string]model.ResourcePath)}
}

func (m *memoryIndexManager) AddToCollectionParentIndex(txn Transaction, collectionPath model.ResourcePath) error {
	if collectionPath.Len()%2 != 1 {
		return fmt.Errorf("expected a collection path, got %q", collectionPath)
	}
	id := collectionPath.LastSegment()
	parent := collectionPath.PopLast()
	set, ok := m.parents[id]
	if !ok {
		set = make(map[string]model.ResourcePath)
		m.parents[id] = set
	}
	set[parent.String()] = parent
	return nil
}

func (m *memoryIndexManager) GetCollectionParents(txn Transaction, collectionID string) ([]model.ResourcePath, error) {
	set := m.parents[collectionID]
	out := make([]model.ResourcePath, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

func (m *memoryIndexManager) AddFieldIndex(txn Transaction, index FieldIndex) error    { return nil }
func (m *memoryIndexManager) DeleteFieldIndex(txn Transaction, index FieldIndex) error { return nil }

func (m *memoryIndexManager) GetFieldIndexes(txn Transaction, collectionGroup string) ([]FieldIndex, error) {
	return nil, nil
}

func (m *memoryIndexManager) GetIndexType(txn Transaction, target query.Target) (IndexType, error) {
	return IndexNone, nil
}

func (m *memoryIndexManager) GetDocumentsMatchingTarget(txn Transaction, target query.Target) ([]model.DocumentKey, error) {
	return nil, nil
}

func (m *memoryIndexManager) CreateTargetIndexes(txn Transaction, target query.Target) error {
	return nil
}

func (m *memoryIndexManager) UpdateIndexEntries(txn Transaction, docs model.DocumentMap) error {
	return nil
}
