package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"rsc.io/ordered"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// sqliteIndexManager keeps the collection-parent index and single-field
// equality indexes. Index values are byte-comparable encodings of
// (type order, canonical value). Numbers are encoded by their float value,
// so integer and double operands hit the same entries; lookups therefore
// return a superset of the matching documents.
type sqliteIndexManager struct{}

// indexValue encodes v for an index entry.
func indexValue(v model.Value) []byte {
	canonical := model.CanonicalID(v)
	if v.IsNumber() {
		canonical = strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	}
	return ordered.Encode(int64(model.TypeOrder(v)), canonical)
}

func (m *sqliteIndexManager) AddToCollectionParentIndex(txn Transaction, collectionPath model.ResourcePath) error {
	if collectionPath.Len()%2 != 1 {
		return fmt.Errorf("expected a collection path, got %q", collectionPath)
	}
	_, err := sqlTxn(txn).exec("INSERT OR IGNORE INTO collection_parents (collection_id, parent) VALUES (?, ?)",
		collectionPath.LastSegment(), collectionPath.PopLast().String())
	if err != nil {
		return fmt.Errorf("failed to index collection %s: %w", collectionPath, err)
	}
	return nil
}

func (m *sqliteIndexManager) GetCollectionParents(txn Transaction, collectionID string) ([]model.ResourcePath, error) {
	rows, err := sqlTxn(txn).query("SELECT parent FROM collection_parents WHERE collection_id = ?", collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection parents: %w", err)
	}
	defer rows.Close()
	var out []model.ResourcePath
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, err
		}
		p, err := model.ParseResourcePath(parent)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// AddFieldIndex registers index and backfills it from cached documents.
func (m *sqliteIndexManager) AddFieldIndex(txn Transaction, index FieldIndex) error {
	t := sqlTxn(txn)
	res, err := t.exec("INSERT OR IGNORE INTO index_configuration (collection_group, field_path, kind) VALUES (?, ?, ?)",
		index.CollectionGroup, index.Field.CanonicalString(), string(index.Kind))
	if err != nil {
		return fmt.Errorf("failed to add index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	index.IndexID = id
	return m.backfill(txn, index)
}

func (m *sqliteIndexManager) backfill(txn Transaction, index FieldIndex) error {
	rows, err := sqlTxn(txn).query("SELECT "+remoteColumns+" FROM remote_documents WHERE collection_group = ?", index.CollectionGroup)
	if err != nil {
		return fmt.Errorf("failed to scan documents for backfill: %w", err)
	}
	var docs []*model.MutableDocument
	for rows.Next() {
		doc, err := scanRemoteDocument(rows.Scan)
		if err != nil {
			rows.Close()
			return err
		}
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, doc := range docs {
		if err := m.writeEntries(txn, index, doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *sqliteIndexManager) DeleteFieldIndex(txn Transaction, index FieldIndex) error {
	t := sqlTxn(txn)
	id := index.IndexID
	if id == 0 {
		err := t.queryRow("SELECT index_id FROM index_configuration WHERE collection_group = ? AND field_path = ? AND kind = ?",
			index.CollectionGroup, index.Field.CanonicalString(), string(index.Kind)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	if _, err := t.exec("DELETE FROM index_entries WHERE index_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete index entries: %w", err)
	}
	if _, err := t.exec("DELETE FROM index_configuration WHERE index_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	return nil
}

func (m *sqliteIndexManager) GetFieldIndexes(txn Transaction, collectionGroup string) ([]FieldIndex, error) {
	stmt := "SELECT index_id, collection_group, field_path, kind FROM index_configuration"
	var args []any
	if collectionGroup != "" {
		stmt += " WHERE collection_group = ?"
		args = append(args, collectionGroup)
	}
	rows, err := sqlTxn(txn).query(stmt+" ORDER BY index_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read index configuration: %w", err)
	}
	defer rows.Close()
	var out []FieldIndex
	for rows.Next() {
		var idx FieldIndex
		var field, kind string
		if err := rows.Scan(&idx.IndexID, &idx.CollectionGroup, &field, &kind); err != nil {
			return nil, err
		}
		if idx.Field, err = model.ParseFieldPath(field); err != nil {
			return nil, err
		}
		idx.Kind = IndexKind(kind)
		out = append(out, idx)
	}
	return out, rows.Err()
}

// indexKindFor returns the index kind that serves op.
func indexKindFor(op query.Operator) (IndexKind, bool) {
	switch op {
	case query.Equal, query.In, query.IsNull, query.IsNaN:
		return IndexAscending, true
	case query.ArrayContains:
		return IndexContains, true
	}
	return "", false
}

func targetCollectionGroup(target query.Target) string {
	if target.CollectionGroup != "" {
		return target.CollectionGroup
	}
	return target.Path.LastSegment()
}

// servingIndex returns the first equality filter of target with an index,
// and that index.
func (m *sqliteIndexManager) servingIndex(txn Transaction, target query.Target) (*query.FieldFilter, *FieldIndex, error) {
	if target.IsDocumentTarget() {
		return nil, nil, nil
	}
	filters := target.EqualityFilters()
	if len(filters) == 0 {
		return nil, nil, nil
	}
	indexes, err := m.GetFieldIndexes(txn, targetCollectionGroup(target))
	if err != nil {
		return nil, nil, err
	}
	for _, f := range filters {
		kind, ok := indexKindFor(f.Op)
		if !ok {
			continue
		}
		for i := range indexes {
			if indexes[i].Kind == kind && indexes[i].Field.Equal(f.Field) {
				return f, &indexes[i], nil
			}
		}
	}
	return nil, nil, nil
}

// GetIndexType reports IndexPartial when an index narrows the target. The
// index never answers a target fully because number lookups are lossy.
func (m *sqliteIndexManager) GetIndexType(txn Transaction, target query.Target) (IndexType, error) {
	f, _, err := m.servingIndex(txn, target)
	if err != nil || f == nil {
		return IndexNone, err
	}
	return IndexPartial, nil
}

func (m *sqliteIndexManager) GetDocumentsMatchingTarget(txn Transaction, target query.Target) ([]model.DocumentKey, error) {
	f, index, err := m.servingIndex(txn, target)
	if err != nil || f == nil {
		return nil, err
	}
	var values [][]byte
	switch f.Op {
	case query.In:
		for _, v := range f.Value.ArrayValues() {
			values = append(values, indexValue(v))
		}
	case query.IsNull:
		values = append(values, indexValue(model.NullValue))
	case query.IsNaN:
		values = append(values, indexValue(model.DoubleValue(math.NaN())))
	default:
		values = append(values, indexValue(f.Value))
	}
	if len(values) == 0 {
		return nil, nil
	}
	args := []any{index.IndexID}
	for _, v := range values {
		args = append(args, v)
	}
	keys, err := queryKeys(txn, "SELECT DISTINCT path FROM index_entries WHERE index_id = ? AND index_value IN ("+placeholders(len(values))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read index %d: %w", index.IndexID, err)
	}
	out := keys[:0]
	for _, k := range keys {
		if target.CollectionGroup != "" || k.CollectionPath().Equal(target.Path) {
			out = append(out, k)
		}
	}
	return out, nil
}

// CreateTargetIndexes adds an index for the first equality filter of target
// that has none.
func (m *sqliteIndexManager) CreateTargetIndexes(txn Transaction, target query.Target) error {
	if target.IsDocumentTarget() {
		return nil
	}
	if f, _, err := m.servingIndex(txn, target); err != nil || f != nil {
		return err
	}
	for _, f := range target.EqualityFilters() {
		kind, ok := indexKindFor(f.Op)
		if !ok {
			continue
		}
		return m.AddFieldIndex(txn, FieldIndex{
			CollectionGroup: targetCollectionGroup(target),
			Field:           f.Field,
			Kind:            kind,
		})
	}
	return nil
}

// UpdateIndexEntries replaces the entries of each document in docs. Missing
// or deleted documents lose their entries.
func (m *sqliteIndexManager) UpdateIndexEntries(txn Transaction, docs model.DocumentMap) error {
	cache := make(map[string][]FieldIndex)
	for _, key := range docs.SortedKeys() {
		doc := docs[key]
		group := key.CollectionGroup()
		indexes, ok := cache[group]
		if !ok {
			var err error
			if indexes, err = m.GetFieldIndexes(txn, group); err != nil {
				return err
			}
			cache[group] = indexes
		}
		for _, index := range indexes {
			if _, err := sqlTxn(txn).exec("DELETE FROM index_entries WHERE index_id = ? AND path = ?", index.IndexID, key.String()); err != nil {
				return fmt.Errorf("failed to clear index entries of %s: %w", key, err)
			}
			if err := m.writeEntries(txn, index, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *sqliteIndexManager) writeEntries(txn Transaction, index FieldIndex, doc *model.MutableDocument) error {
	if !doc.IsFoundDocument() {
		return nil
	}
	v, ok := doc.Field(index.Field)
	if !ok {
		return nil
	}
	var values []model.Value
	switch index.Kind {
	case IndexContains:
		if !v.IsArray() {
			return nil
		}
		values = v.ArrayValues()
	default:
		values = []model.Value{v}
	}
	for _, val := range values {
		_, err := sqlTxn(txn).exec("INSERT OR IGNORE INTO index_entries (index_id, index_value, path) VALUES (?, ?, ?)",
			index.IndexID, indexValue(val), doc.Key.String())
		if err != nil {
			return fmt.Errorf("failed to write index entry for %s: %w", doc.Key, err)
		}
	}
	return nil
}
