package remote

import (
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/status"
)

// WatchChange is one decoded listen stream event: a *DocumentWatchChange,
// *WatchTargetChange or *ExistenceFilterChange.
type WatchChange interface {
	isWatchChange()
}

// DocumentWatchChange is a new document state for some targets. NewDoc is
// nil when the document only stopped matching RemovedTargetIDs.
type DocumentWatchChange struct {
	UpdatedTargetIDs []model.TargetID
	RemovedTargetIDs []model.TargetID
	Key              model.DocumentKey
	NewDoc           *model.MutableDocument
}

// WatchTargetChangeState is the kind of a target change.
type WatchTargetChangeState int

const (
	WatchTargetNoChange WatchTargetChangeState = iota
	WatchTargetAdded
	WatchTargetRemoved
	WatchTargetCurrent
	WatchTargetReset
)

// WatchTargetChange updates the state of TargetIDs, or of every active
// target when TargetIDs is empty.
type WatchTargetChange struct {
	State       WatchTargetChangeState
	TargetIDs   []model.TargetID
	ResumeToken []byte
	// Cause is set when the server removed the targets because of an error.
	Cause error
}

// ExistenceFilter is the server's document count for a target, with an
// optional bloom filter of the names that still match.
type ExistenceFilter struct {
	Count          int
	UnchangedNames *BloomFilterFrame
}

// ExistenceFilterChange carries an ExistenceFilter for one target.
type ExistenceFilterChange struct {
	TargetID model.TargetID
	Filter   ExistenceFilter
}

func (*DocumentWatchChange) isWatchChange()   {}
func (*WatchTargetChange) isWatchChange()     {}
func (*ExistenceFilterChange) isWatchChange() {}

// Serializer converts between local types and wire frames for one
// database.
type Serializer struct {
	db model.DatabaseID
}

// NewSerializer returns a serializer for db.
func NewSerializer(db model.DatabaseID) *Serializer {
	return &Serializer{db: db}
}

// DatabaseID returns the database the serializer encodes names for.
func (s *Serializer) DatabaseID() model.DatabaseID { return s.db }

// EncodeName returns the full resource name of key.
func (s *Serializer) EncodeName(key model.DocumentKey) string { return key.Name(s.db) }

// DecodeName parses a full resource name, which must belong to the
// serializer's database.
func (s *Serializer) DecodeName(name string) (model.DocumentKey, error) {
	key, err := model.DocumentKeyFromName(name)
	if err != nil {
		return model.DocumentKey{}, err
	}
	if key.Name(s.db) != name {
		return model.DocumentKey{}, status.Errorf(status.InvalidArgument, "document %q belongs to another database than %s", name, s.db.Name())
	}
	return key, nil
}

// EncodeVersion renders v for the wire. The minimum version is empty.
func (s *Serializer) EncodeVersion(v model.SnapshotVersion) string {
	if v.IsMin() {
		return ""
	}
	return v.Timestamp.RFC3339()
}

// DecodeVersion parses a wire timestamp. Empty means the minimum version.
func (s *Serializer) DecodeVersion(ts string) (model.SnapshotVersion, error) {
	if ts == "" {
		return model.MinVersion, nil
	}
	t, err := model.ParseTimestamp(ts)
	if err != nil {
		return model.MinVersion, status.Wrap(status.DataLoss, err)
	}
	return model.NewSnapshotVersion(t), nil
}

// EncodeTarget builds the add-target frame for td. The expected count is
// only sent when the target resumes.
func (s *Serializer) EncodeTarget(td *persistence.TargetData) *TargetFrame {
	f := &TargetFrame{TargetID: int32(td.TargetID)}
	if td.Target.IsDocumentTarget() {
		f.Documents = []string{s.EncodeName(td.Target.DocumentKey())}
	} else {
		target := td.Target
		f.Query = &target
	}
	switch {
	case len(td.ResumeToken) > 0:
		f.ResumeToken = td.ResumeToken
	case !td.SnapshotVersion.IsMin():
		f.ReadTime = s.EncodeVersion(td.SnapshotVersion)
	default:
		return f
	}
	f.ExpectedCount = td.ExpectedCount
	return f
}

// EncodeListenLabels tags non-listen targets with their purpose so the
// server can account for them separately.
func (s *Serializer) EncodeListenLabels(td *persistence.TargetData) map[string]string {
	if td.Purpose == persistence.PurposeListen {
		return nil
	}
	return map[string]string{"purpose": td.Purpose.String()}
}

// EncodeDocument converts a found document into its wire form.
func (s *Serializer) EncodeDocument(doc *model.MutableDocument) DocumentFrame {
	return DocumentFrame{
		Name:       s.EncodeName(doc.Key),
		Fields:     doc.Data().Fields(),
		CreateTime: s.EncodeVersion(doc.CreateTime),
		UpdateTime: s.EncodeVersion(doc.Version),
	}
}

// DecodeDocument converts a wire document into a found document.
func (s *Serializer) DecodeDocument(f *DocumentFrame) (*model.MutableDocument, error) {
	key, err := s.DecodeName(f.Name)
	if err != nil {
		return nil, err
	}
	version, err := s.DecodeVersion(f.UpdateTime)
	if err != nil {
		return nil, err
	}
	if version.IsMin() {
		return nil, status.Errorf(status.DataLoss, "document %s has no update time", key)
	}
	createTime, err := s.DecodeVersion(f.CreateTime)
	if err != nil {
		return nil, err
	}
	fields := f.Fields
	if fields == nil {
		fields = map[string]model.Value{}
	}
	doc := model.NewFoundDocument(key, version, model.ObjectValueFromMap(fields))
	doc.CreateTime = createTime
	return doc, nil
}

func decodeTargetIDs(ids []int32) []model.TargetID {
	out := make([]model.TargetID, len(ids))
	for i, id := range ids {
		out[i] = model.TargetID(id)
	}
	return out
}

// DecodeWatchChange converts a listen response into a WatchChange.
func (s *Serializer) DecodeWatchChange(resp *ListenResponse) (WatchChange, error) {
	switch {
	case resp.TargetChange != nil:
		tc := resp.TargetChange
		change := &WatchTargetChange{
			TargetIDs:   decodeTargetIDs(tc.TargetIDs),
			ResumeToken: tc.ResumeToken,
		}
		switch tc.TargetChangeType {
		case TargetNoChange, "":
			change.State = WatchTargetNoChange
		case TargetAdd:
			change.State = WatchTargetAdded
		case TargetRemove:
			change.State = WatchTargetRemoved
			if tc.Cause != nil {
				change.Cause = status.New(status.Code(tc.Cause.Code), tc.Cause.Message)
			}
		case TargetCurrent:
			change.State = WatchTargetCurrent
		case TargetReset:
			change.State = WatchTargetReset
		default:
			return nil, status.Errorf(status.DataLoss, "unknown target change type %q", tc.TargetChangeType)
		}
		return change, nil

	case resp.DocumentChange != nil:
		dc := resp.DocumentChange
		doc, err := s.DecodeDocument(&dc.Document)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			UpdatedTargetIDs: decodeTargetIDs(dc.TargetIDs),
			RemovedTargetIDs: decodeTargetIDs(dc.RemovedTargetIDs),
			Key:              doc.Key,
			NewDoc:           doc,
		}, nil

	case resp.DocumentDelete != nil:
		dd := resp.DocumentDelete
		key, err := s.DecodeName(dd.Document)
		if err != nil {
			return nil, err
		}
		readTime, err := s.DecodeVersion(dd.ReadTime)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			RemovedTargetIDs: decodeTargetIDs(dd.RemovedTargetIDs),
			Key:              key,
			NewDoc:           model.NewNoDocument(key, readTime),
		}, nil

	case resp.DocumentRemove != nil:
		dr := resp.DocumentRemove
		key, err := s.DecodeName(dr.Document)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			RemovedTargetIDs: decodeTargetIDs(dr.RemovedTargetIDs),
			Key:              key,
		}, nil

	case resp.Filter != nil:
		return &ExistenceFilterChange{
			TargetID: model.TargetID(resp.Filter.TargetID),
			Filter: ExistenceFilter{
				Count:          int(resp.Filter.Count),
				UnchangedNames: resp.Filter.UnchangedNames,
			},
		}, nil
	}
	return nil, status.New(status.DataLoss, "listen response has no event")
}

// SnapshotVersionOf returns the version at which every target is
// consistent, which only global NO_CHANGE target changes carry. Other
// responses return the minimum version.
func (s *Serializer) SnapshotVersionOf(resp *ListenResponse) (model.SnapshotVersion, error) {
	tc := resp.TargetChange
	if tc == nil || len(tc.TargetIDs) > 0 {
		return model.MinVersion, nil
	}
	if tc.TargetChangeType != TargetNoChange && tc.TargetChangeType != "" {
		return model.MinVersion, nil
	}
	return s.DecodeVersion(tc.ReadTime)
}

// EncodeMutation converts m into a write naming documents in full.
func (s *Serializer) EncodeMutation(m mutation.Mutation) mutation.Write {
	return mutation.EncodeWrite(m, s.EncodeName)
}

// EncodeMutations converts a batch's mutations.
func (s *Serializer) EncodeMutations(muts []mutation.Mutation) []mutation.Write {
	out := make([]mutation.Write, len(muts))
	for i, m := range muts {
		out[i] = s.EncodeMutation(m)
	}
	return out
}

// DecodeMutation converts a write back into a mutation.
func (s *Serializer) DecodeMutation(w mutation.Write) (mutation.Mutation, error) {
	return mutation.DecodeWrite(w, s.DecodeName)
}

// DecodeWriteResults converts per-write results. A write without an update
// time, such as a delete of a missing document, is versioned at the commit
// time.
func (s *Serializer) DecodeWriteResults(frames []WriteResultFrame, commitTime string) ([]mutation.Result, error) {
	commitVersion, err := s.DecodeVersion(commitTime)
	if err != nil {
		return nil, err
	}
	out := make([]mutation.Result, len(frames))
	for i, f := range frames {
		version, err := s.DecodeVersion(f.UpdateTime)
		if err != nil {
			return nil, err
		}
		if version.IsMin() {
			version = commitVersion
		}
		out[i] = mutation.Result{Version: version, TransformResults: f.TransformResults}
	}
	return out, nil
}

// DecodeBatchGetResult converts one lookup result into a found or deleted
// document.
func (s *Serializer) DecodeBatchGetResult(r *BatchGetResult) (*model.MutableDocument, error) {
	if r.Found != nil {
		return s.DecodeDocument(r.Found)
	}
	if r.Missing == "" {
		return nil, status.New(status.DataLoss, "lookup result is neither found nor missing")
	}
	key, err := s.DecodeName(r.Missing)
	if err != nil {
		return nil, err
	}
	readTime, err := s.DecodeVersion(r.ReadTime)
	if err != nil {
		return nil, err
	}
	if readTime.IsMin() {
		return nil, status.Errorf(status.DataLoss, "missing document %s has no read time", key)
	}
	return model.NewNoDocument(key, readTime), nil
}

// EncodeStatus converts err into its wire form.
func EncodeStatus(err error) *StatusFrame {
	se := status.FromError(err)
	if se == nil {
		return nil
	}
	return &StatusFrame{Code: int(se.Code), Message: se.Message}
}
