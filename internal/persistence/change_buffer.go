package persistence

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
)

// RemoteDocumentChangeBuffer stages remote document writes in memory and
// writes them to the cache in one step with Apply, inside the caller's
// transaction.
type RemoteDocumentChangeBuffer struct {
	cache   RemoteDocumentCache
	changes map[model.DocumentKey]*model.MutableDocument
	applied bool
}

func newChangeBuffer(cache RemoteDocumentCache) *RemoteDocumentChangeBuffer {
	return &RemoteDocumentChangeBuffer{
		cache:   cache,
		changes: make(map[model.DocumentKey]*model.MutableDocument),
	}
}

func (b *RemoteDocumentChangeBuffer) assertNotApplied() {
	if b.applied {
		panic("persistence: change buffer used after Apply")
	}
}

// AddEntry stages doc. Its read time must be set.
func (b *RemoteDocumentChangeBuffer) AddEntry(doc *model.MutableDocument) {
	b.assertNotApplied()
	b.changes[doc.Key] = doc
}

// RemoveEntry stages the removal of key from the cache.
func (b *RemoteDocumentChangeBuffer) RemoveEntry(key model.DocumentKey, readTime model.SnapshotVersion) {
	b.assertNotApplied()
	b.changes[key] = model.NewInvalidDocument(key).SetReadTime(readTime)
}

// GetEntry returns the staged document for key, falling back to the cache.
func (b *RemoteDocumentChangeBuffer) GetEntry(txn Transaction, key model.DocumentKey) (*model.MutableDocument, error) {
	b.assertNotApplied()
	if doc, ok := b.changes[key]; ok {
		return doc, nil
	}
	return b.cache.GetEntry(txn, key)
}

// GetEntries is GetEntry for many keys.
func (b *RemoteDocumentChangeBuffer) GetEntries(txn Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	b.assertNotApplied()
	out := make(model.DocumentMap, keys.Len())
	var missing []model.DocumentKey
	keys.ForEach(func(k model.DocumentKey) bool {
		if doc, ok := b.changes[k]; ok {
			out[k] = doc
		} else {
			missing = append(missing, k)
		}
		return true
	})
	if len(missing) == 0 {
		return out, nil
	}
	cached, err := b.cache.GetEntries(txn, model.NewDocumentKeySet(missing...))
	if err != nil {
		return nil, err
	}
	for k, doc := range cached {
		out[k] = doc
	}
	return out, nil
}

// Apply writes every staged change to the cache.
func (b *RemoteDocumentChangeBuffer) Apply(txn Transaction) error {
	b.assertNotApplied()
	b.applied = true
	for _, key := range model.DocumentMap(b.changes).SortedKeys() {
		doc := b.changes[key]
		var err error
		if doc.IsValidDocument() {
			err = b.cache.setEntry(txn, doc)
		} else {
			err = b.cache.removeEntry(txn, key)
		}
		if err != nil {
			return fmt.Errorf("failed to apply change to %s: %w", key, err)
		}
	}
	return nil
}
