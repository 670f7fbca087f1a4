package mutation

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
)

// Batch is a group of mutations written atomically by the user.
type Batch struct {
	BatchID        model.BatchID
	LocalWriteTime model.Timestamp
	// BaseMutations capture transform starting values at write time. They
	// are applied locally before Mutations and never sent to the server.
	BaseMutations []Mutation
	Mutations     []Mutation
}

// OverlayedDocument is a document with the fields its pending batches
// changed (nil means the whole document).
type OverlayedDocument struct {
	Document      *model.MutableDocument
	MutatedFields *model.FieldMask
}

// ApplyToRemoteDocument applies the acknowledged results of every mutation
// in the batch that targets doc.
func (b *Batch) ApplyToRemoteDocument(doc *model.MutableDocument, result *BatchResult) {
	for i, m := range b.Mutations {
		if m.Key == doc.Key {
			m.ApplyToRemoteDocument(doc, result.MutationResults[i])
		}
	}
}

// ApplyToLocalView applies the batch to doc and returns the union of the
// changed fields, following the conventions of Mutation.ApplyToLocalView.
func (b *Batch) ApplyToLocalView(doc *model.MutableDocument, mask *model.FieldMask) *model.FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	for _, m := range b.Mutations {
		if m.Key == doc.Key {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}
	return mask
}

// ApplyToLocalDocumentSet applies the batch to every affected document in
// docs and returns the overlay each document now needs. Documents in
// withoutRemoteVersion get full overlays because their remote state is not
// known. Documents still invalid afterwards become deletes at the minimum
// version.
func (b *Batch) ApplyToLocalDocumentSet(docs map[model.DocumentKey]*OverlayedDocument, withoutRemoteVersion model.DocumentKeySet) map[model.DocumentKey]Mutation {
	overlays := make(map[model.DocumentKey]Mutation)
	applied := make(map[model.DocumentKey]bool)
	for _, m := range b.Mutations {
		od, ok := docs[m.Key]
		if !ok || applied[m.Key] {
			continue
		}
		applied[m.Key] = true
		mask := b.ApplyToLocalView(od.Document, od.MutatedFields)
		if withoutRemoteVersion.Has(m.Key) {
			mask = nil
		}
		od.MutatedFields = mask
		if overlay := CalculateOverlayMutation(od.Document, mask); overlay != nil {
			overlays[m.Key] = *overlay
		}
		if !od.Document.IsValidDocument() {
			od.Document.ConvertToNoDocument(model.MinVersion)
		}
	}
	return overlays
}

// Keys returns the keys written by the batch.
func (b *Batch) Keys() model.DocumentKeySet {
	keys := make([]model.DocumentKey, len(b.Mutations))
	for i, m := range b.Mutations {
		keys[i] = m.Key
	}
	return model.NewDocumentKeySet(keys...)
}

func (b *Batch) Equal(other *Batch) bool {
	if b.BatchID != other.BatchID || b.LocalWriteTime != other.LocalWriteTime ||
		len(b.Mutations) != len(other.Mutations) || len(b.BaseMutations) != len(other.BaseMutations) {
		return false
	}
	for i := range b.Mutations {
		if !b.Mutations[i].Equal(other.Mutations[i]) {
			return false
		}
	}
	for i := range b.BaseMutations {
		if !b.BaseMutations[i].Equal(other.BaseMutations[i]) {
			return false
		}
	}
	return true
}

// BatchResult is the server acknowledgment of a batch.
type BatchResult struct {
	Batch           *Batch
	CommitVersion   model.SnapshotVersion
	MutationResults []Result
	StreamToken     []byte
	// DocVersions maps each written key to its acknowledged version.
	DocVersions map[model.DocumentKey]model.SnapshotVersion
}

// NewBatchResult pairs a batch with the server's per-mutation results.
func NewBatchResult(batch *Batch, commitVersion model.SnapshotVersion, results []Result, streamToken []byte) (*BatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return nil, fmt.Errorf("batch %d has %d mutations but the server returned %d results",
			batch.BatchID, len(batch.Mutations), len(results))
	}
	versions := make(map[model.DocumentKey]model.SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}
	return &BatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// Overlay is the collapsed local change for one document, tagged with the
// largest batch id that contributed to it.
type Overlay struct {
	LargestBatchID model.BatchID
	Mutation       Mutation
}

// Key returns the document the overlay applies to.
func (o *Overlay) Key() model.DocumentKey { return o.Mutation.Key }
