package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"rsc.io/ordered"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
)

// docKey is the byte-comparable primary key of a remote document. All
// documents of a collection share the encoded collection path as prefix.
func docKey(key model.DocumentKey) []byte {
	return ordered.Encode(key.CollectionPath().String(), key.ID())
}

type sqliteMutationQueue struct {
	p            *SQLitePersistence
	userID       string
	indexManager IndexManager
}

const batchColumns = "batch_id, local_write_time_seconds, local_write_time_nanos, base_mutations, mutations"

func scanBatch(scan func(dest ...any) error) (*mutation.Batch, error) {
	var (
		id         int64
		secs       int64
		nanos      int32
		base, muts []byte
	)
	if err := scan(&id, &secs, &nanos, &base, &muts); err != nil {
		return nil, err
	}
	b := &mutation.Batch{BatchID: model.BatchID(id), LocalWriteTime: model.Timestamp{Seconds: secs, Nanos: nanos}}
	var err error
	if b.BaseMutations, err = decodeMutations(base); err != nil {
		return nil, fmt.Errorf("batch %d: %w", id, err)
	}
	if b.Mutations, err = decodeMutations(muts); err != nil {
		return nil, fmt.Errorf("batch %d: %w", id, err)
	}
	return b, nil
}

func (q *sqliteMutationQueue) queryBatches(txn Transaction, query string, args ...any) ([]*mutation.Batch, error) {
	rows, err := sqlTxn(txn).query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation batches: %w", err)
	}
	defer rows.Close()
	var out []*mutation.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q *sqliteMutationQueue) queryBatch(txn Transaction, query string, args ...any) (*mutation.Batch, error) {
	b, err := scanBatch(sqlTxn(txn).queryRow(query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (q *sqliteMutationQueue) CheckEmpty(txn Transaction) (bool, error) {
	var n int
	err := sqlTxn(txn).queryRow("SELECT COUNT(*) FROM mutations WHERE user_id = ?", q.userID).Scan(&n)
	return n == 0, err
}

func (q *sqliteMutationQueue) AddMutationBatch(txn Transaction, localWriteTime model.Timestamp, baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("mutation batch must not be empty")
	}
	t := sqlTxn(txn)
	base, err := encodeMutations(baseMutations)
	if err != nil {
		return nil, err
	}
	muts, err := encodeMutations(mutations)
	if err != nil {
		return nil, err
	}
	res, err := t.exec(`INSERT INTO mutations (user_id, local_write_time_seconds, local_write_time_nanos, base_mutations, mutations)
		VALUES (?, ?, ?, ?, ?)`, q.userID, localWriteTime.Seconds, localWriteTime.Nanos, base, muts)
	if err != nil {
		return nil, fmt.Errorf("failed to insert mutation batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read batch id: %w", err)
	}
	for _, m := range mutations {
		if _, err := t.exec(`INSERT OR IGNORE INTO document_mutations (user_id, path, collection_path, batch_id) VALUES (?, ?, ?, ?)`,
			q.userID, m.Key.String(), m.Key.CollectionPath().String(), id); err != nil {
			return nil, fmt.Errorf("failed to index mutation of %s: %w", m.Key, err)
		}
		if err := q.indexManager.AddToCollectionParentIndex(txn, m.Key.CollectionPath()); err != nil {
			return nil, err
		}
	}
	return &mutation.Batch{
		BatchID:        model.BatchID(id),
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}, nil
}

func (q *sqliteMutationQueue) firstBatchID(txn Transaction) (model.BatchID, error) {
	var id sql.NullInt64
	if err := sqlTxn(txn).queryRow("SELECT MIN(batch_id) FROM mutations WHERE user_id = ?", q.userID).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return model.UnknownBatchID, nil
	}
	return model.BatchID(id.Int64), nil
}

func (q *sqliteMutationQueue) AcknowledgeBatch(txn Transaction, batch *mutation.Batch, streamToken []byte) error {
	first, err := q.firstBatchID(txn)
	if err != nil {
		return err
	}
	if first != batch.BatchID {
		return fmt.Errorf("can only acknowledge the first batch in the queue, got batch %d, first is %d", batch.BatchID, first)
	}
	return q.SetLastStreamToken(txn, streamToken)
}

func (q *sqliteMutationQueue) LookupMutationBatch(txn Transaction, id model.BatchID) (*mutation.Batch, error) {
	return q.queryBatch(txn, "SELECT "+batchColumns+" FROM mutations WHERE user_id = ? AND batch_id = ?", q.userID, id)
}

func (q *sqliteMutationQueue) GetNextMutationBatchAfterBatchID(txn Transaction, id model.BatchID) (*mutation.Batch, error) {
	return q.queryBatch(txn, "SELECT "+batchColumns+" FROM mutations WHERE user_id = ? AND batch_id > ? ORDER BY batch_id LIMIT 1", q.userID, id)
}

func (q *sqliteMutationQueue) GetHighestUnacknowledgedBatchID(txn Transaction) (model.BatchID, error) {
	var id sql.NullInt64
	if err := sqlTxn(txn).queryRow("SELECT MAX(batch_id) FROM mutations WHERE user_id = ?", q.userID).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return model.UnknownBatchID, nil
	}
	return model.BatchID(id.Int64), nil
}

func (q *sqliteMutationQueue) GetAllMutationBatches(txn Transaction) ([]*mutation.Batch, error) {
	return q.queryBatches(txn, "SELECT "+batchColumns+" FROM mutations WHERE user_id = ? ORDER BY batch_id", q.userID)
}

func (q *sqliteMutationQueue) GetAllMutationBatchesAffectingDocumentKey(txn Transaction, key model.DocumentKey) ([]*mutation.Batch, error) {
	return q.queryBatches(txn, `SELECT `+batchColumns+` FROM mutations WHERE batch_id IN (
		SELECT batch_id FROM document_mutations WHERE user_id = ? AND path = ?) ORDER BY batch_id`, q.userID, key.String())
}

func (q *sqliteMutationQueue) GetAllMutationBatchesAffectingDocumentKeys(txn Transaction, keys model.DocumentKeySet) ([]*mutation.Batch, error) {
	if keys.IsEmpty() {
		return nil, nil
	}
	args := []any{q.userID}
	for _, k := range keys.Keys() {
		args = append(args, k.String())
	}
	return q.queryBatches(txn, `SELECT `+batchColumns+` FROM mutations WHERE batch_id IN (
		SELECT batch_id FROM document_mutations WHERE user_id = ? AND path IN (`+placeholders(keys.Len())+`)) ORDER BY batch_id`, args...)
}

func (q *sqliteMutationQueue) GetAllMutationBatchesAffectingQuery(txn Transaction, qu query.Query) ([]*mutation.Batch, error) {
	if qu.IsCollectionGroupQuery() {
		return nil, fmt.Errorf("collection group query %s must be resolved per collection", qu)
	}
	column := "collection_path"
	if qu.IsDocumentQuery() {
		column = "path"
	}
	return q.queryBatches(txn, `SELECT `+batchColumns+` FROM mutations WHERE batch_id IN (
		SELECT batch_id FROM document_mutations WHERE user_id = ? AND `+column+` = ?) ORDER BY batch_id`, q.userID, qu.Path.String())
}

func (q *sqliteMutationQueue) RemoveMutationBatch(txn Transaction, batch *mutation.Batch) error {
	first, err := q.firstBatchID(txn)
	if err != nil {
		return err
	}
	if first != batch.BatchID {
		return fmt.Errorf("can only remove the first batch in the queue, got batch %d, first is %d", batch.BatchID, first)
	}
	t := sqlTxn(txn)
	if _, err := t.exec("DELETE FROM document_mutations WHERE batch_id = ?", batch.BatchID); err != nil {
		return fmt.Errorf("failed to remove mutation index of batch %d: %w", batch.BatchID, err)
	}
	if _, err := t.exec("DELETE FROM mutations WHERE batch_id = ?", batch.BatchID); err != nil {
		return fmt.Errorf("failed to remove batch %d: %w", batch.BatchID, err)
	}
	for _, m := range batch.Mutations {
		if err := q.p.delegate.MarkPotentiallyOrphaned(txn, m.Key); err != nil {
			return err
		}
	}
	return nil
}

func (q *sqliteMutationQueue) ContainsKey(txn Transaction, key model.DocumentKey) (bool, error) {
	return exists(txn, "SELECT 1 FROM document_mutations WHERE user_id = ? AND path = ? LIMIT 1", q.userID, key.String())
}

func (q *sqliteMutationQueue) GetLastStreamToken(txn Transaction) ([]byte, error) {
	var token []byte
	err := sqlTxn(txn).queryRow("SELECT last_stream_token FROM mutation_queues WHERE user_id = ?", q.userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return token, err
}

func (q *sqliteMutationQueue) SetLastStreamToken(txn Transaction, token []byte) error {
	_, err := sqlTxn(txn).exec(`INSERT INTO mutation_queues (user_id, last_stream_token) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_stream_token = excluded.last_stream_token`, q.userID, token)
	if err != nil {
		return fmt.Errorf("failed to save stream token: %w", err)
	}
	return nil
}

func (q *sqliteMutationQueue) PerformConsistencyCheck(txn Transaction) error {
	empty, err := q.CheckEmpty(txn)
	if err != nil || !empty {
		return err
	}
	leaked, err := exists(txn, "SELECT 1 FROM document_mutations WHERE user_id = ? LIMIT 1", q.userID)
	if err != nil {
		return err
	}
	if leaked {
		return fmt.Errorf("document leak: mutation queue is empty but still references documents")
	}
	return nil
}

type sqliteRemoteDocumentCache struct {
	indexManager IndexManager
}

func (c *sqliteRemoteDocumentCache) SetIndexManager(m IndexManager) { c.indexManager = m }

func (c *sqliteRemoteDocumentCache) setEntry(txn Transaction, doc *model.MutableDocument) error {
	contents, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = sqlTxn(txn).exec(`
		INSERT INTO remote_documents (doc_key, path, collection_path, collection_group, read_time_seconds, read_time_nanos, size, contents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET
			read_time_seconds = excluded.read_time_seconds,
			read_time_nanos = excluded.read_time_nanos,
			size = excluded.size,
			contents = excluded.contents`,
		docKey(doc.Key), doc.Key.String(), doc.Key.CollectionPath().String(), doc.Key.CollectionGroup(),
		doc.ReadTime.Timestamp.Seconds, doc.ReadTime.Timestamp.Nanos, doc.EstimateByteSize(), contents)
	if err != nil {
		return fmt.Errorf("failed to write document %s: %w", doc.Key, err)
	}
	if err := c.indexManager.AddToCollectionParentIndex(txn, doc.Key.CollectionPath()); err != nil {
		return err
	}
	return c.indexManager.UpdateIndexEntries(txn, model.DocumentMap{doc.Key: doc})
}

func (c *sqliteRemoteDocumentCache) removeEntry(txn Transaction, key model.DocumentKey) error {
	if _, err := sqlTxn(txn).exec("DELETE FROM remote_documents WHERE doc_key = ?", docKey(key)); err != nil {
		return fmt.Errorf("failed to remove document %s: %w", key, err)
	}
	return c.indexManager.UpdateIndexEntries(txn, model.DocumentMap{key: model.NewInvalidDocument(key)})
}

func scanRemoteDocument(scan func(dest ...any) error) (*model.MutableDocument, error) {
	var (
		path     string
		secs     int64
		nanos    int32
		contents []byte
	)
	if err := scan(&path, &secs, &nanos, &contents); err != nil {
		return nil, err
	}
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return nil, fmt.Errorf("stored document has invalid key: %w", err)
	}
	readTime := model.NewSnapshotVersion(model.Timestamp{Seconds: secs, Nanos: nanos})
	return decodeDocument(key, readTime, contents)
}

const remoteColumns = "path, read_time_seconds, read_time_nanos, contents"

func (c *sqliteRemoteDocumentCache) GetEntry(txn Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	doc, err := scanRemoteDocument(sqlTxn(txn).queryRow("SELECT "+remoteColumns+" FROM remote_documents WHERE doc_key = ?", docKey(key)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewInvalidDocument(key), nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *sqliteRemoteDocumentCache) GetEntries(txn Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, keys.Len())
	for _, k := range keys.Keys() {
		doc, err := c.GetEntry(txn, k)
		if err != nil {
			return nil, err
		}
		out[k] = doc
	}
	return out, nil
}

func (c *sqliteRemoteDocumentCache) scan(txn Transaction, query string, args []any, fn func(*model.MutableDocument) bool) error {
	rows, err := sqlTxn(txn).query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to scan remote documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		doc, err := scanRemoteDocument(rows.Scan)
		if err != nil {
			return err
		}
		if !fn(doc) {
			break
		}
	}
	return rows.Err()
}

func (c *sqliteRemoteDocumentCache) GetDocumentsMatchingQuery(txn Transaction, q query.Query, offset IndexOffset, mutated model.DocumentKeySet, qc *QueryContext) (model.DocumentMap, error) {
	out := make(model.DocumentMap)
	rt := offset.ReadTime.Timestamp
	err := c.scan(txn, `SELECT `+remoteColumns+` FROM remote_documents
		WHERE collection_path = ? AND (read_time_seconds, read_time_nanos) >= (?, ?)
		ORDER BY doc_key`, []any{q.Path.String(), rt.Seconds, rt.Nanos},
		func(doc *model.MutableDocument) bool {
			if !offset.Before(doc.ReadTime, doc.Key) {
				return true
			}
			qc.countRead()
			if mutated.Has(doc.Key) || q.Matches(doc) {
				out[doc.Key] = doc
			}
			return true
		})
	return out, err
}

func (c *sqliteRemoteDocumentCache) GetAllFromCollectionGroup(txn Transaction, collectionGroup string, offset IndexOffset, limit int) (model.DocumentMap, error) {
	out := make(model.DocumentMap)
	rt := offset.ReadTime.Timestamp
	err := c.scan(txn, `SELECT `+remoteColumns+` FROM remote_documents
		WHERE collection_group = ? AND (read_time_seconds, read_time_nanos) >= (?, ?)
		ORDER BY read_time_seconds, read_time_nanos, path`, []any{collectionGroup, rt.Seconds, rt.Nanos},
		func(doc *model.MutableDocument) bool {
			if limit >= 0 && len(out) >= limit {
				return false
			}
			if offset.Before(doc.ReadTime, doc.Key) {
				out[doc.Key] = doc
			}
			return true
		})
	return out, err
}

func (c *sqliteRemoteDocumentCache) GetSize(txn Transaction) (int64, error) {
	var size int64
	err := sqlTxn(txn).queryRow("SELECT COALESCE(SUM(size), 0) FROM remote_documents").Scan(&size)
	return size, err
}

func (c *sqliteRemoteDocumentCache) NewChangeBuffer() *RemoteDocumentChangeBuffer {
	return newChangeBuffer(c)
}

type sqliteDocumentOverlayCache struct {
	userID string
}

func (c *sqliteDocumentOverlayCache) queryOverlays(txn Transaction, query string, args ...any) ([]*mutation.Overlay, error) {
	rows, err := sqlTxn(txn).query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overlays: %w", err)
	}
	defer rows.Close()
	var out []*mutation.Overlay
	for rows.Next() {
		var batchID int64
		var data []byte
		if err := rows.Scan(&batchID, &data); err != nil {
			return nil, err
		}
		m, err := decodeMutation(data)
		if err != nil {
			return nil, err
		}
		out = append(out, &mutation.Overlay{LargestBatchID: model.BatchID(batchID), Mutation: m})
	}
	return out, rows.Err()
}

func overlayMap(overlays []*mutation.Overlay) map[model.DocumentKey]*mutation.Overlay {
	out := make(map[model.DocumentKey]*mutation.Overlay, len(overlays))
	for _, o := range overlays {
		out[o.Key()] = o
	}
	return out
}

func (c *sqliteDocumentOverlayCache) GetOverlay(txn Transaction, key model.DocumentKey) (*mutation.Overlay, error) {
	overlays, err := c.queryOverlays(txn, "SELECT largest_batch_id, overlay_mutation FROM document_overlays WHERE user_id = ? AND path = ?",
		c.userID, key.String())
	if err != nil || len(overlays) == 0 {
		return nil, err
	}
	return overlays[0], nil
}

func (c *sqliteDocumentOverlayCache) GetOverlays(txn Transaction, keys []model.DocumentKey) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := make(map[model.DocumentKey]*mutation.Overlay)
	for _, k := range keys {
		o, err := c.GetOverlay(txn, k)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out[k] = o
		}
	}
	return out, nil
}

func (c *sqliteDocumentOverlayCache) SaveOverlays(txn Transaction, largestBatchID model.BatchID, overlays map[model.DocumentKey]mutation.Mutation) error {
	t := sqlTxn(txn)
	for key, m := range overlays {
		data, err := encodeMutation(m)
		if err != nil {
			return err
		}
		_, err = t.exec(`INSERT INTO document_overlays (user_id, path, collection_path, collection_group, largest_batch_id, overlay_mutation)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, path) DO UPDATE SET
				largest_batch_id = excluded.largest_batch_id,
				overlay_mutation = excluded.overlay_mutation`,
			c.userID, key.String(), key.CollectionPath().String(), key.CollectionGroup(), largestBatchID, data)
		if err != nil {
			return fmt.Errorf("failed to save overlay for %s: %w", key, err)
		}
	}
	return nil
}

func (c *sqliteDocumentOverlayCache) RemoveOverlaysForBatchID(txn Transaction, keys model.DocumentKeySet, batchID model.BatchID) error {
	t := sqlTxn(txn)
	var err error
	keys.ForEach(func(k model.DocumentKey) bool {
		_, err = t.exec("DELETE FROM document_overlays WHERE user_id = ? AND path = ? AND largest_batch_id = ?",
			c.userID, k.String(), batchID)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove overlays of batch %d: %w", batchID, err)
	}
	return nil
}

func (c *sqliteDocumentOverlayCache) GetOverlaysForCollection(txn Transaction, collection model.ResourcePath, sinceBatchID model.BatchID) (map[model.DocumentKey]*mutation.Overlay, error) {
	overlays, err := c.queryOverlays(txn, `SELECT largest_batch_id, overlay_mutation FROM document_overlays
		WHERE user_id = ? AND collection_path = ? AND largest_batch_id > ?`, c.userID, collection.String(), sinceBatchID)
	if err != nil {
		return nil, err
	}
	return overlayMap(overlays), nil
}

func (c *sqliteDocumentOverlayCache) GetOverlaysForCollectionGroup(txn Transaction, collectionGroup string, sinceBatchID model.BatchID, count int) (map[model.DocumentKey]*mutation.Overlay, error) {
	overlays, err := c.queryOverlays(txn, `SELECT largest_batch_id, overlay_mutation FROM document_overlays
		WHERE user_id = ? AND collection_group = ? AND largest_batch_id > ? ORDER BY largest_batch_id`,
		c.userID, collectionGroup, sinceBatchID)
	if err != nil {
		return nil, err
	}
	batches := make(map[model.BatchID][]*mutation.Overlay)
	for _, o := range overlays {
		batches[o.LargestBatchID] = append(batches[o.LargestBatchID], o)
	}
	return collectOverlayBatches(batches, count), nil
}

type sqliteTargetCache struct {
	p *SQLitePersistence
}

func (c *sqliteTargetCache) queryTargets(txn Transaction, query string, args ...any) ([]*TargetData, error) {
	rows, err := sqlTxn(txn).query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()
	var out []*TargetData
	for rows.Next() {
		var id, seq int64
		var data []byte
		if err := rows.Scan(&id, &seq, &data); err != nil {
			return nil, err
		}
		t, err := decodeTarget(model.TargetID(id), model.ListenSequenceNumber(seq), data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *sqliteTargetCache) GetTargetData(txn Transaction, target query.Target) (*TargetData, error) {
	canonical := target.CanonicalID()
	targets, err := c.queryTargets(txn, "SELECT target_id, sequence_number, target FROM targets WHERE canonical_id = ?", canonical)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if t.Target.CanonicalID() == canonical {
			return t, nil
		}
	}
	return nil, nil
}

func (c *sqliteTargetCache) save(txn Transaction, data *TargetData, insert bool) error {
	blob, err := encodeTarget(data)
	if err != nil {
		return err
	}
	t := sqlTxn(txn)
	if insert {
		_, err = t.exec("INSERT INTO targets (target_id, canonical_id, sequence_number, target) VALUES (?, ?, ?, ?)",
			data.TargetID, data.Target.CanonicalID(), data.SequenceNumber, blob)
	} else {
		_, err = t.exec("UPDATE targets SET canonical_id = ?, sequence_number = ?, target = ? WHERE target_id = ?",
			data.Target.CanonicalID(), data.SequenceNumber, blob, data.TargetID)
	}
	if err != nil {
		return fmt.Errorf("failed to save target %d: %w", data.TargetID, err)
	}
	_, err = t.exec(`UPDATE target_globals SET
		highest_target_id = MAX(highest_target_id, ?),
		highest_sequence_number = MAX(highest_sequence_number, ?)
		WHERE id = 0`, data.TargetID, data.SequenceNumber)
	if err != nil {
		return fmt.Errorf("failed to update target metadata: %w", err)
	}
	return nil
}

func (c *sqliteTargetCache) AddTargetData(txn Transaction, data *TargetData) error {
	return c.save(txn, data, true)
}

func (c *sqliteTargetCache) UpdateTargetData(txn Transaction, data *TargetData) error {
	return c.save(txn, data, false)
}

func (c *sqliteTargetCache) RemoveTargetData(txn Transaction, data *TargetData) error {
	if err := c.RemoveMatchingKeysForTargetID(txn, data.TargetID); err != nil {
		return err
	}
	if _, err := sqlTxn(txn).exec("DELETE FROM targets WHERE target_id = ?", data.TargetID); err != nil {
		return fmt.Errorf("failed to remove target %d: %w", data.TargetID, err)
	}
	return nil
}

func (c *sqliteTargetCache) RemoveTargets(txn Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error) {
	targets, err := c.queryTargets(txn, "SELECT target_id, sequence_number, target FROM targets WHERE sequence_number <= ?", upperBound)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range targets {
		if activeTargetIDs[t.TargetID] {
			continue
		}
		if err := c.RemoveTargetData(txn, t); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *sqliteTargetCache) ForEachTarget(txn Transaction, fn func(*TargetData)) error {
	targets, err := c.queryTargets(txn, "SELECT target_id, sequence_number, target FROM targets ORDER BY target_id")
	if err != nil {
		return err
	}
	for _, t := range targets {
		fn(t)
	}
	return nil
}

func (c *sqliteTargetCache) GetTargetCount(txn Transaction) (int, error) {
	var n int
	err := sqlTxn(txn).queryRow("SELECT COUNT(*) FROM targets").Scan(&n)
	return n, err
}

func (c *sqliteTargetCache) AllocateTargetID(txn Transaction) (model.TargetID, error) {
	t := sqlTxn(txn)
	var highest int64
	if err := t.queryRow("SELECT highest_target_id FROM target_globals WHERE id = 0").Scan(&highest); err != nil {
		return 0, fmt.Errorf("failed to read highest target id: %w", err)
	}
	id := NewTargetCacheIDGenerator(model.TargetID(highest)).Next()
	if _, err := t.exec("UPDATE target_globals SET highest_target_id = ? WHERE id = 0", id); err != nil {
		return 0, fmt.Errorf("failed to allocate target id: %w", err)
	}
	return id, nil
}

func (c *sqliteTargetCache) GetLastRemoteSnapshotVersion(txn Transaction) (model.SnapshotVersion, error) {
	var secs int64
	var nanos int32
	err := sqlTxn(txn).queryRow("SELECT last_remote_snapshot_seconds, last_remote_snapshot_nanos FROM target_globals WHERE id = 0").Scan(&secs, &nanos)
	return model.NewSnapshotVersion(model.Timestamp{Seconds: secs, Nanos: nanos}), err
}

func (c *sqliteTargetCache) GetHighestSequenceNumber(txn Transaction) (model.ListenSequenceNumber, error) {
	var seq int64
	err := sqlTxn(txn).queryRow("SELECT highest_sequence_number FROM target_globals WHERE id = 0").Scan(&seq)
	return model.ListenSequenceNumber(seq), err
}

func (c *sqliteTargetCache) SetTargetsMetadata(txn Transaction, highestSequenceNumber model.ListenSequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error {
	ts := lastRemoteSnapshotVersion.Timestamp
	_, err := sqlTxn(txn).exec(`UPDATE target_globals SET
		highest_sequence_number = MAX(highest_sequence_number, ?),
		last_remote_snapshot_seconds = ?,
		last_remote_snapshot_nanos = ?
		WHERE id = 0`, highestSequenceNumber, ts.Seconds, ts.Nanos)
	if err != nil {
		return fmt.Errorf("failed to update target metadata: %w", err)
	}
	return nil
}

func (c *sqliteTargetCache) AddMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	t := sqlTxn(txn)
	for _, k := range keys.Keys() {
		if _, err := t.exec("INSERT OR IGNORE INTO target_documents (target_id, path) VALUES (?, ?)", targetID, k.String()); err != nil {
			return fmt.Errorf("failed to add %s to target %d: %w", k, targetID, err)
		}
		if err := c.p.delegate.AddReference(txn, targetID, k); err != nil {
			return err
		}
	}
	return nil
}

func (c *sqliteTargetCache) RemoveMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID model.TargetID) error {
	t := sqlTxn(txn)
	for _, k := range keys.Keys() {
		if _, err := t.exec("DELETE FROM target_documents WHERE target_id = ? AND path = ?", targetID, k.String()); err != nil {
			return fmt.Errorf("failed to remove %s from target %d: %w", k, targetID, err)
		}
		if err := c.p.delegate.RemoveReference(txn, targetID, k); err != nil {
			return err
		}
	}
	return nil
}

func (c *sqliteTargetCache) RemoveMatchingKeysForTargetID(txn Transaction, targetID model.TargetID) error {
	if _, err := sqlTxn(txn).exec("DELETE FROM target_documents WHERE target_id = ?", targetID); err != nil {
		return fmt.Errorf("failed to clear target %d: %w", targetID, err)
	}
	return nil
}

func (c *sqliteTargetCache) GetMatchingKeysForTargetID(txn Transaction, targetID model.TargetID) (model.DocumentKeySet, error) {
	keys, err := queryKeys(txn, "SELECT path FROM target_documents WHERE target_id = ?", targetID)
	if err != nil {
		return model.DocumentKeySet{}, err
	}
	return model.NewDocumentKeySet(keys...), nil
}

func (c *sqliteTargetCache) ContainsKey(txn Transaction, key model.DocumentKey) (bool, error) {
	return exists(txn, "SELECT 1 FROM target_documents WHERE path = ? AND target_id != 0 LIMIT 1", key.String())
}

// sqliteLruDelegate records the sequence number at which each document was
// last referenced in a sentinel row (target id 0) of target_documents.
type sqliteLruDelegate struct {
	p    *SQLitePersistence
	pins ReferencePins
}

func (d *sqliteLruDelegate) SetInMemoryPins(pins ReferencePins) { d.pins = pins }

func (d *sqliteLruDelegate) writeSentinel(txn Transaction, key model.DocumentKey) error {
	_, err := sqlTxn(txn).exec(`INSERT INTO target_documents (target_id, path, sequence_number) VALUES (0, ?, ?)
		ON CONFLICT(target_id, path) DO UPDATE SET sequence_number = excluded.sequence_number`,
		key.String(), txn.CurrentSequenceNumber())
	if err != nil {
		return fmt.Errorf("failed to update sentinel for %s: %w", key, err)
	}
	return nil
}

func (d *sqliteLruDelegate) AddReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *sqliteLruDelegate) RemoveReference(txn Transaction, targetID model.TargetID, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *sqliteLruDelegate) MarkPotentiallyOrphaned(txn Transaction, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *sqliteLruDelegate) UpdateLimboDocument(txn Transaction, key model.DocumentKey) error {
	return d.writeSentinel(txn, key)
}

func (d *sqliteLruDelegate) RemoveTarget(txn Transaction, data *TargetData) error {
	return d.p.targetCache.UpdateTargetData(txn, data.WithSequenceNumber(txn.CurrentSequenceNumber()))
}

const orphanedQuery = `SELECT s.path, s.sequence_number FROM target_documents s
	WHERE s.target_id = 0 AND NOT EXISTS (
		SELECT 1 FROM target_documents o WHERE o.path = s.path AND o.target_id != 0)`

type orphan struct {
	key model.DocumentKey
	seq model.ListenSequenceNumber
}

func (d *sqliteLruDelegate) orphans(txn Transaction, extra string, args ...any) ([]orphan, error) {
	rows, err := sqlTxn(txn).query(orphanedQuery+extra, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned documents: %w", err)
	}
	defer rows.Close()
	var out []orphan
	for rows.Next() {
		var path string
		var seq sql.NullInt64
		if err := rows.Scan(&path, &seq); err != nil {
			return nil, err
		}
		key, err := model.ParseDocumentKey(path)
		if err != nil {
			return nil, err
		}
		out = append(out, orphan{key: key, seq: model.ListenSequenceNumber(seq.Int64)})
	}
	return out, rows.Err()
}

func (d *sqliteLruDelegate) GetSequenceNumberCount(txn Transaction) (int, error) {
	targets, err := d.p.targetCache.GetTargetCount(txn)
	if err != nil {
		return 0, err
	}
	orphans, err := d.orphans(txn, "")
	return targets + len(orphans), err
}

func (d *sqliteLruDelegate) ForEachTarget(txn Transaction, fn func(*TargetData)) error {
	return d.p.targetCache.ForEachTarget(txn, fn)
}

func (d *sqliteLruDelegate) ForEachOrphanedDocumentSequenceNumber(txn Transaction, fn func(model.ListenSequenceNumber)) error {
	orphans, err := d.orphans(txn, "")
	if err != nil {
		return err
	}
	for _, o := range orphans {
		fn(o.seq)
	}
	return nil
}

func (d *sqliteLruDelegate) RemoveTargets(txn Transaction, upperBound model.ListenSequenceNumber, activeTargetIDs map[model.TargetID]bool) (int, error) {
	return d.p.targetCache.RemoveTargets(txn, upperBound, activeTargetIDs)
}

func (d *sqliteLruDelegate) RemoveOrphanedDocuments(txn Transaction, upperBound model.ListenSequenceNumber) (int, error) {
	orphans, err := d.orphans(txn, " AND s.sequence_number <= ?", upperBound)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, o := range orphans {
		if d.pins != nil && d.pins.ContainsKey(o.key) {
			continue
		}
		mutated, err := exists(txn, "SELECT 1 FROM document_mutations WHERE path = ? LIMIT 1", o.key.String())
		if err != nil {
			return removed, err
		}
		if mutated {
			continue
		}
		if err := d.p.remoteDocs.removeEntry(txn, o.key); err != nil {
			return removed, err
		}
		if _, err := sqlTxn(txn).exec("DELETE FROM target_documents WHERE target_id = 0 AND path = ?", o.key.String()); err != nil {
			return removed, fmt.Errorf("failed to remove sentinel for %s: %w", o.key, err)
		}
		removed++
	}
	return removed, nil
}

func (d *sqliteLruDelegate) GetCacheSize(txn Transaction) (int64, error) {
	var size int64
	err := sqlTxn(txn).queryRow(`SELECT
		(SELECT COALESCE(SUM(size), 0) FROM remote_documents) +
		(SELECT COALESCE(SUM(LENGTH(target)), 0) FROM targets)`).Scan(&size)
	return size, err
}

func exists(txn Transaction, query string, args ...any) (bool, error) {
	var one int
	err := sqlTxn(txn).queryRow(query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func queryKeys(txn Transaction, query string, args ...any) ([]model.DocumentKey, error) {
	rows, err := sqlTxn(txn).query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []model.DocumentKey
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		key, err := model.ParseDocumentKey(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	model.SortKeys(keys)
	return keys, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
