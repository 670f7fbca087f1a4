package client

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/core"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

// Metadata says how current a snapshot is.
type Metadata struct {
	// FromCache is set when the server has not confirmed the snapshot yet,
	// for example while offline.
	FromCache bool
	// HasPendingWrites is set when the snapshot includes local writes the
	// backend has not acknowledged.
	HasPendingWrites bool
}

// DocumentSnapshot is the contents of a document at one point in time.
type DocumentSnapshot struct {
	Ref      *DocumentRef
	Metadata Metadata

	// CreateTime, UpdateTime and ReadTime are zero for documents that do
	// not exist or have not been written to the server.
	CreateTime time.Time
	UpdateTime time.Time
	ReadTime   time.Time

	doc *model.MutableDocument
}

func (c *Client) docSnapshot(key model.DocumentKey, doc *model.MutableDocument, fromCache, pending bool) *DocumentSnapshot {
	s := &DocumentSnapshot{
		Ref:      c.docRef(key),
		Metadata: Metadata{FromCache: fromCache, HasPendingWrites: pending},
	}
	if doc == nil || !doc.IsFoundDocument() {
		return s
	}
	s.doc = doc
	s.CreateTime = versionTime(doc.CreateTime)
	s.UpdateTime = versionTime(doc.Version)
	s.ReadTime = versionTime(doc.ReadTime)
	return s
}

func versionTime(v model.SnapshotVersion) time.Time {
	if v.IsMin() {
		return time.Time{}
	}
	return v.Timestamp.Time()
}

// Exists reports whether the document exists.
func (s *DocumentSnapshot) Exists() bool { return s.doc != nil }

// ID is the document's ID.
func (s *DocumentSnapshot) ID() string { return s.Ref.ID() }

// Data returns the document's fields, or nil if it does not exist.
// behavior picks how pending server timestamps read; the default is nil.
func (s *DocumentSnapshot) Data(behavior ...ServerTimestampBehavior) map[string]any {
	if s.doc == nil {
		return nil
	}
	return s.reader(behavior).fields(s.doc.Data())
}

// DataAt returns one field by dotted path.
func (s *DocumentSnapshot) DataAt(path string, behavior ...ServerTimestampBehavior) (any, error) {
	if s.doc == nil {
		return nil, status.Errorf(status.NotFound, "document %s does not exist", s.Ref.Path())
	}
	fp, err := model.ParseFieldPath(path)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, err)
	}
	v, ok := s.doc.Field(fp)
	if !ok {
		return nil, status.Errorf(status.NotFound, "document %s has no field %s", s.Ref.Path(), path)
	}
	return s.reader(behavior).value(v), nil
}

// DataTo decodes the document's fields into p through their JSON form.
func (s *DocumentSnapshot) DataTo(p any, behavior ...ServerTimestampBehavior) error {
	if s.doc == nil {
		return status.Errorf(status.NotFound, "document %s does not exist", s.Ref.Path())
	}
	data, err := json.Marshal(s.Data(behavior...))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, p)
}

func (s *DocumentSnapshot) reader(behavior []ServerTimestampBehavior) valueReader {
	r := valueReader{client: s.Ref.client}
	if len(behavior) > 0 {
		r.behavior = behavior[0]
	}
	return r
}

// MarshalJSON encodes a reference as its path.
func (r *DocumentRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Path())
}

// ChangeKind says how a document changed between two query snapshots.
type ChangeKind int

const (
	DocumentAdded ChangeKind = iota
	DocumentModified
	DocumentRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case DocumentAdded:
		return "added"
	case DocumentModified:
		return "modified"
	case DocumentRemoved:
		return "removed"
	}
	return "unknown"
}

// DocumentChange is one entry of QuerySnapshot.Changes. OldIndex is -1
// for added documents and NewIndex is -1 for removed ones. Applying the
// changes in order to the previous snapshot's documents yields the new
// documents.
type DocumentChange struct {
	Kind     ChangeKind
	Doc      *DocumentSnapshot
	OldIndex int
	NewIndex int
}

// QuerySnapshot is the result of a query at one point in time.
type QuerySnapshot struct {
	Query    *Query
	Docs     []*DocumentSnapshot
	Changes  []DocumentChange
	Metadata Metadata
}

// Size is the number of documents.
func (s *QuerySnapshot) Size() int { return len(s.Docs) }

// Empty reports whether there are no documents.
func (s *QuerySnapshot) Empty() bool { return len(s.Docs) == 0 }

func (c *Client) querySnapshot(q *Query, vs *core.ViewSnapshot, includeMetadata bool) *QuerySnapshot {
	snap := &QuerySnapshot{
		Query:    q,
		Metadata: Metadata{FromCache: vs.FromCache, HasPendingWrites: vs.HasPendingWrites()},
	}
	toSnapshot := func(doc *model.MutableDocument) *DocumentSnapshot {
		return c.docSnapshot(doc.Key, doc, vs.FromCache, vs.MutatedKeys.Has(doc.Key))
	}
	vs.Docs.ForEach(func(doc *model.MutableDocument) bool {
		snap.Docs = append(snap.Docs, toSnapshot(doc))
		return true
	})

	if vs.OldDocs.IsEmpty() {
		for i, ch := range vs.DocChanges {
			snap.Changes = append(snap.Changes, DocumentChange{
				Kind: DocumentAdded, Doc: toSnapshot(ch.Doc), OldIndex: -1, NewIndex: i,
			})
		}
		return snap
	}

	tracker := vs.OldDocs
	for _, ch := range vs.DocChanges {
		if !includeMetadata && ch.Type == core.ChangeMetadata {
			continue
		}
		change := DocumentChange{Doc: toSnapshot(ch.Doc), OldIndex: -1, NewIndex: -1}
		if ch.Type != core.ChangeAdded {
			change.OldIndex = tracker.IndexOf(ch.Doc.Key)
			tracker = tracker.Delete(ch.Doc.Key)
		}
		if ch.Type != core.ChangeRemoved {
			tracker = tracker.Add(ch.Doc)
			change.NewIndex = tracker.IndexOf(ch.Doc.Key)
		}
		switch ch.Type {
		case core.ChangeAdded:
			change.Kind = DocumentAdded
		case core.ChangeRemoved:
			change.Kind = DocumentRemoved
		default:
			change.Kind = DocumentModified
		}
		snap.Changes = append(snap.Changes, change)
	}
	return snap
}
