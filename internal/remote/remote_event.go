package remote

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
)

// TargetChange is what one snapshot changed about one target.
type TargetChange struct {
	// ResumeToken is the newest non-empty token seen for the target, or
	// empty if none arrived with this snapshot.
	ResumeToken []byte
	// Current is set once the server confirmed the target is in sync.
	Current bool

	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

// NewTargetChange returns an empty change.
func NewTargetChange() *TargetChange {
	return &TargetChange{
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// ChangeCount is the number of documents the change touches.
func (c *TargetChange) ChangeCount() int {
	return c.AddedDocuments.Len() + c.ModifiedDocuments.Len() + c.RemovedDocuments.Len()
}

// RemoteEvent is the consolidated result of watch traffic up to one
// consistent snapshot.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion
	TargetChanges   map[model.TargetID]*TargetChange

	// TargetMismatches are targets whose cached results can no longer be
	// trusted. They must be listened to again without a resume token, with
	// the purpose recorded here.
	TargetMismatches map[model.TargetID]persistence.TargetPurpose

	// DocumentUpdates holds the new state of every changed document. A
	// deleted document synthesized for a resolved limbo target has the
	// minimum version.
	DocumentUpdates model.DocumentMap

	// ResolvedLimboDocuments are updated documents that only limbo
	// resolution targets refer to.
	ResolvedLimboDocuments model.DocumentKeySet
}

// NewSyntheticCurrentEvent returns an event that marks targetID current
// without any document changes. It is used to raise a consistent snapshot
// for targets that can be answered from cache.
func NewSyntheticCurrentEvent(targetID model.TargetID, current bool, resumeToken []byte) *RemoteEvent {
	change := NewTargetChange()
	change.Current = current
	change.ResumeToken = resumeToken
	return &RemoteEvent{
		SnapshotVersion:        model.MinVersion,
		TargetChanges:          map[model.TargetID]*TargetChange{targetID: change},
		TargetMismatches:       map[model.TargetID]persistence.TargetPurpose{},
		DocumentUpdates:        model.DocumentMap{},
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}
