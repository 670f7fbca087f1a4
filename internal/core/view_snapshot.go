package core

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
)

// SyncState says whether a view reflects the server.
type SyncState int

const (
	SyncStateNone SyncState = iota
	// SyncStateLocal means the view is built from the cache only.
	SyncStateLocal
	// SyncStateSynced means the server confirmed the view's contents.
	SyncStateSynced
)

// ViewSnapshot is the state of a query at one point in time, together
// with the changes since the previous snapshot of the same view.
type ViewSnapshot struct {
	Query      query.Query
	Docs       model.DocumentSet
	OldDocs    model.DocumentSet
	DocChanges []DocumentViewChange

	// MutatedKeys are the documents in Docs with local writes.
	MutatedKeys model.DocumentKeySet

	FromCache        bool
	SyncStateChanged bool

	// ExcludesMetadataChanges is set when DocChanges leaves out changes
	// that only touched pending-write state.
	ExcludesMetadataChanges bool
	HasCachedResults        bool
}

// FromInitialDocuments returns a snapshot in which every document of docs
// was just added.
func FromInitialDocuments(q query.Query, docs model.DocumentSet, mutatedKeys model.DocumentKeySet,
	fromCache, excludesMetadataChanges, hasCachedResults bool) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	docs.ForEach(func(doc *model.MutableDocument) bool {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: doc})
		return true
	})
	return &ViewSnapshot{
		Query:                   q,
		Docs:                    docs,
		OldDocs:                 model.NewDocumentSet(q.Comparator()),
		DocChanges:              changes,
		MutatedKeys:             mutatedKeys,
		FromCache:               fromCache,
		SyncStateChanged:        true,
		ExcludesMetadataChanges: excludesMetadataChanges,
		HasCachedResults:        hasCachedResults,
	}
}

// HasPendingWrites reports whether any document in the snapshot carries a
// local write.
func (s *ViewSnapshot) HasPendingWrites() bool { return !s.MutatedKeys.IsEmpty() }

// Equal compares two snapshots of the same query.
func (s *ViewSnapshot) Equal(other *ViewSnapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.FromCache != other.FromCache ||
		s.HasCachedResults != other.HasCachedResults ||
		s.SyncStateChanged != other.SyncStateChanged ||
		s.ExcludesMetadataChanges != other.ExcludesMetadataChanges ||
		s.Query.CanonicalID() != other.Query.CanonicalID() ||
		!s.MutatedKeys.Equal(other.MutatedKeys) ||
		!s.Docs.Equal(other.Docs) ||
		!s.OldDocs.Equal(other.OldDocs) ||
		len(s.DocChanges) != len(other.DocChanges) {
		return false
	}
	for i, c := range s.DocChanges {
		o := other.DocChanges[i]
		if c.Type != o.Type || !c.Doc.Equal(o.Doc) {
			return false
		}
	}
	return true
}
