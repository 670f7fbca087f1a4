// Package local is the client's local store: the local view of documents
// (remote state with pending writes layered on top), the query engine that
// answers queries from the cache, and the LocalStore that every sync engine
// operation goes through.
package local

import (
	"fmt"
	"math"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
)

// LocalDocumentsView computes the local view of documents: the cached
// remote version with the document's overlay applied.
type LocalDocumentsView struct {
	remoteDocs    persistence.RemoteDocumentCache
	mutationQueue persistence.MutationQueue
	overlays      persistence.DocumentOverlayCache
	indexManager  persistence.IndexManager
}

// NewLocalDocumentsView returns a view over the given stores.
func NewLocalDocumentsView(remoteDocs persistence.RemoteDocumentCache, mutationQueue persistence.MutationQueue,
	overlays persistence.DocumentOverlayCache, indexManager persistence.IndexManager) *LocalDocumentsView {
	return &LocalDocumentsView{
		remoteDocs:    remoteDocs,
		mutationQueue: mutationQueue,
		overlays:      overlays,
		indexManager:  indexManager,
	}
}

func emptyMask() *model.FieldMask {
	m := model.NewFieldMask()
	return &m
}

// GetDocument returns the local view of key. Keys with neither a cached
// document nor an overlay come back as invalid documents.
func (v *LocalDocumentsView) GetDocument(txn persistence.Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	overlay, err := v.overlays.GetOverlay(txn, key)
	if err != nil {
		return nil, err
	}
	doc, err := v.baseDocument(txn, key, overlay)
	if err != nil {
		return nil, err
	}
	if overlay != nil {
		overlay.Mutation.ApplyToLocalView(doc, emptyMask(), model.Now())
	}
	return doc, nil
}

// baseDocument skips the remote read when the overlay replaces the whole
// document anyway.
func (v *LocalDocumentsView) baseDocument(txn persistence.Transaction, key model.DocumentKey, overlay *mutation.Overlay) (*model.MutableDocument, error) {
	if overlay == nil || overlay.Mutation.Kind == mutation.Patch {
		return v.remoteDocs.GetEntry(txn, key)
	}
	return model.NewInvalidDocument(key), nil
}

// GetDocuments returns the local view of every key in keys.
func (v *LocalDocumentsView) GetDocuments(txn persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := v.remoteDocs.GetEntries(txn, keys)
	if err != nil {
		return nil, err
	}
	return v.GetLocalViewOfDocuments(txn, docs, model.NewDocumentKeySet())
}

// GetLocalViewOfDocuments applies overlays to docs, which are modified in
// place. Keys in existenceStateChanged had their remote existence flip, so
// patch overlays on them are recalculated before being applied.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(txn persistence.Transaction, docs model.DocumentMap, existenceStateChanged model.DocumentKeySet) (model.DocumentMap, error) {
	overlayed, err := v.computeViews(txn, docs, existenceStateChanged)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap, len(overlayed))
	for key, od := range overlayed {
		out[key] = od.Document
	}
	return out, nil
}

// GetOverlayedDocuments is GetLocalViewOfDocuments, also reporting the
// fields each document's overlay changed.
func (v *LocalDocumentsView) GetOverlayedDocuments(txn persistence.Transaction, docs model.DocumentMap) (map[model.DocumentKey]*mutation.OverlayedDocument, error) {
	return v.computeViews(txn, docs, model.NewDocumentKeySet())
}

func (v *LocalDocumentsView) computeViews(txn persistence.Transaction, docs model.DocumentMap, existenceStateChanged model.DocumentKeySet) (map[model.DocumentKey]*mutation.OverlayedDocument, error) {
	overlays, err := v.overlays.GetOverlays(txn, docs.SortedKeys())
	if err != nil {
		return nil, err
	}
	masks := make(map[model.DocumentKey]*model.FieldMask, len(docs))
	recalculate := make(model.DocumentMap)
	for key, doc := range docs {
		overlay := overlays[key]
		switch {
		case existenceStateChanged.Has(key) && (overlay == nil || overlay.Mutation.Kind == mutation.Patch):
			recalculate[key] = doc
		case overlay != nil:
			mask := overlay.Mutation.FieldMask()
			masks[key] = mask
			overlay.Mutation.ApplyToLocalView(doc, mask, model.Now())
		default:
			masks[key] = emptyMask()
		}
	}
	recalculated, err := v.RecalculateAndSaveOverlays(txn, recalculate)
	if err != nil {
		return nil, err
	}
	for key, mask := range recalculated {
		masks[key] = mask
	}
	out := make(map[model.DocumentKey]*mutation.OverlayedDocument, len(docs))
	for key, doc := range docs {
		mask, ok := masks[key]
		if !ok {
			mask = emptyMask()
		}
		out[key] = &mutation.OverlayedDocument{Document: doc, MutatedFields: mask}
	}
	return out, nil
}

// RecalculateAndSaveOverlays replays every pending batch touching docs over
// them, in batch order, and stores the resulting overlay of each document
// under the largest batch that changed it. docs are modified in place. It
// returns the fields the batches changed per document.
func (v *LocalDocumentsView) RecalculateAndSaveOverlays(txn persistence.Transaction, docs model.DocumentMap) (map[model.DocumentKey]*model.FieldMask, error) {
	masks := make(map[model.DocumentKey]*model.FieldMask)
	if len(docs) == 0 {
		return masks, nil
	}
	batches, err := v.mutationQueue.GetAllMutationBatchesAffectingDocumentKeys(txn, docs.KeySet())
	if err != nil {
		return nil, err
	}
	keysByBatch := make(map[model.BatchID][]model.DocumentKey)
	var batchIDs []model.BatchID
	for _, batch := range batches {
		for _, key := range batch.Keys().Keys() {
			doc, ok := docs[key]
			if !ok {
				continue
			}
			mask, seen := masks[key]
			if !seen {
				mask = emptyMask()
			}
			masks[key] = batch.ApplyToLocalView(doc, mask)
			if _, ok := keysByBatch[batch.BatchID]; !ok {
				batchIDs = append(batchIDs, batch.BatchID)
			}
			keysByBatch[batch.BatchID] = append(keysByBatch[batch.BatchID], key)
		}
	}

	// Batches come back in ascending order; the newest batch touching a key
	// owns its overlay.
	processed := make(map[model.DocumentKey]bool)
	for i := len(batchIDs) - 1; i >= 0; i-- {
		batchID := batchIDs[i]
		overlays := make(map[model.DocumentKey]mutation.Mutation)
		stale := model.NewDocumentKeySet()
		for _, key := range keysByBatch[batchID] {
			if processed[key] {
				continue
			}
			processed[key] = true
			if overlay := mutation.CalculateOverlayMutation(docs[key], masks[key]); overlay != nil {
				overlays[key] = *overlay
			} else {
				stale = stale.Add(key)
			}
		}
		// The batch no longer changes these documents.
		if err := v.overlays.RemoveOverlaysForBatchID(txn, stale, batchID); err != nil {
			return nil, err
		}
		if err := v.overlays.SaveOverlays(txn, batchID, overlays); err != nil {
			return nil, fmt.Errorf("failed to save overlays for batch %d: %w", batchID, err)
		}
	}
	return masks, nil
}

// RecalculateAndSaveOverlaysForDocumentKeys loads the remote state of keys
// and recalculates their overlays.
func (v *LocalDocumentsView) RecalculateAndSaveOverlaysForDocumentKeys(txn persistence.Transaction, keys model.DocumentKeySet) error {
	docs, err := v.remoteDocs.GetEntries(txn, keys)
	if err != nil {
		return err
	}
	_, err = v.RecalculateAndSaveOverlays(txn, docs)
	return err
}

// GetDocumentsMatchingQuery returns the local view of every document that
// matches q and was read after offset or has an overlay newer than
// offset.LargestBatchID. qc may be nil.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(txn persistence.Transaction, q query.Query, offset persistence.IndexOffset, qc *persistence.QueryContext) (model.DocumentMap, error) {
	switch {
	case q.IsDocumentQuery():
		return v.documentsMatchingDocumentQuery(txn, q.Path)
	case q.IsCollectionGroupQuery():
		return v.documentsMatchingCollectionGroupQuery(txn, q, offset, qc)
	default:
		return v.documentsMatchingCollectionQuery(txn, q, offset, qc)
	}
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(txn persistence.Transaction, path model.ResourcePath) (model.DocumentMap, error) {
	key, err := model.NewDocumentKey(path)
	if err != nil {
		return nil, err
	}
	doc, err := v.GetDocument(txn, key)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap)
	if doc.IsFoundDocument() {
		out[key] = doc
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionGroupQuery(txn persistence.Transaction, q query.Query, offset persistence.IndexOffset, qc *persistence.QueryContext) (model.DocumentMap, error) {
	parents, err := v.indexManager.GetCollectionParents(txn, q.CollectionGroup)
	if err != nil {
		return nil, err
	}
	out := make(model.DocumentMap)
	for _, parent := range parents {
		if !q.Path.IsPrefixOf(parent) {
			continue
		}
		collectionQuery := q.AsCollectionQueryAtPath(parent.Child(q.CollectionGroup))
		docs, err := v.documentsMatchingCollectionQuery(txn, collectionQuery, offset, qc)
		if err != nil {
			return nil, err
		}
		for key, doc := range docs {
			out[key] = doc
		}
	}
	return out, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(txn persistence.Transaction, q query.Query, offset persistence.IndexOffset, qc *persistence.QueryContext) (model.DocumentMap, error) {
	overlays, err := v.overlays.GetOverlaysForCollection(txn, q.Path, offset.LargestBatchID)
	if err != nil {
		return nil, err
	}
	mutated := make([]model.DocumentKey, 0, len(overlays))
	for key := range overlays {
		mutated = append(mutated, key)
	}
	remote, err := v.remoteDocs.GetDocumentsMatchingQuery(txn, q, offset, model.NewDocumentKeySet(mutated...), qc)
	if err != nil {
		return nil, err
	}
	// Documents that only exist locally have no remote entry yet.
	for key := range overlays {
		if _, ok := remote[key]; !ok {
			remote[key] = model.NewInvalidDocument(key)
		}
	}
	out := make(model.DocumentMap)
	for key, doc := range remote {
		if overlay := overlays[key]; overlay != nil {
			overlay.Mutation.ApplyToLocalView(doc, emptyMask(), model.Now())
		}
		if q.Matches(doc) {
			out[key] = doc
		}
	}
	return out, nil
}

// overlayKeys returns the keys with pending local changes that could
// affect q.
func (v *LocalDocumentsView) overlayKeys(txn persistence.Transaction, q query.Query) (model.DocumentKeySet, error) {
	var overlays map[model.DocumentKey]*mutation.Overlay
	var err error
	if q.IsCollectionGroupQuery() {
		overlays, err = v.overlays.GetOverlaysForCollectionGroup(txn, q.CollectionGroup, model.UnknownBatchID, math.MaxInt)
	} else {
		overlays, err = v.overlays.GetOverlaysForCollection(txn, q.Path, model.UnknownBatchID)
	}
	if err != nil {
		return model.DocumentKeySet{}, err
	}
	keys := make([]model.DocumentKey, 0, len(overlays))
	for key := range overlays {
		keys = append(keys, key)
	}
	return model.NewDocumentKeySet(keys...), nil
}
