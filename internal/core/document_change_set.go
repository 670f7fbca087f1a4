package core

import (
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
)

// ChangeType classifies how a document changed within a view.
type ChangeType int

const (
	ChangeRemoved ChangeType = iota
	ChangeAdded
	ChangeModified
	// ChangeMetadata means only the pending-writes state of the document
	// changed.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeRemoved:
		return "removed"
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	}
	return fmt.Sprintf("change(%d)", int(t))
}

// DocumentViewChange is one document's change in a view snapshot.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.MutableDocument
}

// DocumentChangeSet collapses successive changes to the same document into
// the single change a listener should see.
type DocumentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

// NewDocumentChangeSet returns an empty change set.
func NewDocumentChangeSet() *DocumentChangeSet {
	return &DocumentChangeSet{changes: make(map[model.DocumentKey]DocumentViewChange)}
}

// Track merges change into the set. It panics on a combination that a
// correct view never produces, such as adding a document twice.
func (s *DocumentChangeSet) Track(change DocumentViewChange) {
	key := change.Doc.Key
	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change
		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		panic(fmt.Sprintf("unsupported view change combination: %s after %s for %s", change.Type, old.Type, key))
	}
}

// Len is the number of tracked documents.
func (s *DocumentChangeSet) Len() int { return len(s.changes) }

// Changes returns the tracked changes ordered by document key.
func (s *DocumentChangeSet) Changes() []DocumentViewChange {
	keys := make([]model.DocumentKey, 0, len(s.changes))
	for k := range s.changes {
		keys = append(keys, k)
	}
	model.SortKeys(keys)
	out := make([]DocumentViewChange, len(keys))
	for i, k := range keys {
		out[i] = s.changes[k]
	}
	return out
}
