package emulator

import (
	"slices"
	"sync"
	"time"

	"github.com/google/btree"
	"rsc.io/ordered"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/status"
)

// Store is the emulator's versioned document store. Deleted documents are
// kept as tombstones so resumed listens can tell what changed.
type Store struct {
	mu      sync.RWMutex
	docs    *btree.BTreeG[*model.MutableDocument]
	version model.SnapshotVersion
	now     func() time.Time

	failNext error

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		docs: btree.NewG(16, func(a, b *model.MutableDocument) bool { return a.Key.Compare(b.Key) < 0 }),
		now:  time.Now,
		subs: make(map[int]func()),
	}
}

// Version returns the version of the last commit.
func (s *Store) Version() model.SnapshotVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// nextVersion returns a commit version strictly after the previous one.
// Callers hold mu.
func (s *Store) nextVersion() model.SnapshotVersion {
	ts := model.TimestampFromTime(s.now())
	ts.Nanos -= ts.Nanos % 1000
	if !ts.After(s.version.Timestamp) {
		ts = s.version.Timestamp
		ts.Nanos += 1000
		if ts.Nanos >= 1e9 {
			ts.Seconds++
			ts.Nanos -= 1e9
		}
	}
	return model.NewSnapshotVersion(ts)
}

func (s *Store) lookup(key model.DocumentKey) *model.MutableDocument {
	if doc, ok := s.docs.Get(model.NewInvalidDocument(key)); ok {
		return doc
	}
	return nil
}

// Get returns a copy of the stored document, which is a tombstone or an
// invalid document when key does not exist.
func (s *Store) Get(key model.DocumentKey) *model.MutableDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if doc := s.lookup(key); doc != nil {
		return doc.MutableCopy()
	}
	return model.NewInvalidDocument(key)
}

// FailNextCommit makes the next commit fail with err without applying it.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Commit applies muts atomically. A failed precondition rejects the whole
// commit with FailedPrecondition.
func (s *Store) Commit(muts []mutation.Mutation) ([]mutation.Result, model.SnapshotVersion, error) {
	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return nil, model.MinVersion, err
	}
	commitVersion := s.nextVersion()
	working := make(map[model.DocumentKey]*model.MutableDocument)
	results := make([]mutation.Result, len(muts))
	for i, m := range muts {
		doc, ok := working[m.Key]
		if !ok {
			if stored := s.lookup(m.Key); stored != nil {
				doc = stored.MutableCopy()
			} else {
				doc = model.NewInvalidDocument(m.Key)
			}
			working[m.Key] = doc
		}
		if !m.Precondition.IsValidFor(doc) {
			s.mu.Unlock()
			return nil, model.MinVersion, preconditionError(m, doc)
		}
		switch m.Kind {
		case mutation.Verify:
			continue
		case mutation.Delete:
			if !doc.IsFoundDocument() {
				// Nothing to delete; the client versions the result at the
				// commit time.
				continue
			}
		}
		transformResults := serverTransformResults(m, doc, commitVersion)
		m.ApplyToRemoteDocument(doc, mutation.Result{Version: commitVersion, TransformResults: transformResults})
		doc.SetState(model.Synced)
		if doc.IsNoDocument() {
			doc.CreateTime = model.MinVersion
		}
		results[i] = mutation.Result{Version: commitVersion, TransformResults: transformResults}
	}
	for _, doc := range working {
		if doc.IsValidDocument() {
			s.docs.ReplaceOrInsert(doc)
		}
	}
	s.version = commitVersion
	s.mu.Unlock()

	s.notify()
	return results, commitVersion, nil
}

// preconditionError reports a failed exists precondition the way a
// backend does: NotFound for updates, AlreadyExists for creates.
func preconditionError(m mutation.Mutation, doc *model.MutableDocument) error {
	if exists, ok := m.Precondition.ExistsValue(); ok {
		if exists {
			return status.Errorf(status.NotFound, "no document to update: %s", m.Key)
		}
		if doc.IsFoundDocument() {
			return status.Errorf(status.AlreadyExists, "document already exists: %s", m.Key)
		}
	}
	return status.Errorf(status.FailedPrecondition, "precondition %s failed for %s", m.Precondition, m.Key)
}

// serverTransformResults computes the value of each transform against the
// document as the mutation leaves it before its transforms run.
func serverTransformResults(m mutation.Mutation, doc *model.MutableDocument, commitVersion model.SnapshotVersion) []model.Value {
	if len(m.Transforms) == 0 {
		return nil
	}
	base := doc.MutableCopy()
	plain := m
	plain.Transforms = nil
	plain.ApplyToRemoteDocument(base, mutation.Result{Version: commitVersion})

	out := make([]model.Value, len(m.Transforms))
	for i, ft := range m.Transforms {
		if ft.Transform.Kind == mutation.ServerTimestamp {
			out[i] = model.TimestampValue(commitVersion.Timestamp)
			continue
		}
		var previous *model.Value
		if v, ok := base.Field(ft.Field); ok {
			previous = &v
		}
		out[i] = ft.Transform.ApplyToLocalView(previous, commitVersion.Timestamp)
	}
	return out
}

// RunQuery returns the found documents matching target in query order,
// with the target's limit applied, and the version they were read at.
func (s *Store) RunQuery(target query.Target) ([]*model.MutableDocument, model.SnapshotVersion) {
	q := target.Query()
	s.mu.RLock()
	var out []*model.MutableDocument
	s.docs.Ascend(func(doc *model.MutableDocument) bool {
		if doc.IsFoundDocument() && q.Matches(doc) {
			out = append(out, doc.MutableCopy())
		}
		return true
	})
	version := s.version
	s.mu.RUnlock()

	slices.SortFunc(out, q.Comparator())
	if target.HasLimit() && len(out) > target.Limit {
		out = out[:target.Limit]
	}
	return out, version
}

// Lookup returns the found documents among keys and the read version.
func (s *Store) Lookup(keys []model.DocumentKey) ([]*model.MutableDocument, model.SnapshotVersion) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MutableDocument
	for _, key := range keys {
		if doc := s.lookup(key); doc != nil && doc.IsFoundDocument() {
			out = append(out, doc.MutableCopy())
		}
	}
	return out, s.version
}

// Count returns the number of live documents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	s.docs.Ascend(func(doc *model.MutableDocument) bool {
		if doc.IsFoundDocument() {
			n++
		}
		return true
	})
	return n
}

// Subscribe registers fn to run after every commit. The returned function
// unregisters it.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// EncodeResumeToken encodes a snapshot version as an opaque resume token.
func EncodeResumeToken(v model.SnapshotVersion) []byte {
	return ordered.Encode(v.Timestamp.Seconds, int64(v.Timestamp.Nanos))
}

// DecodeResumeToken recovers the version from a token made by
// EncodeResumeToken.
func DecodeResumeToken(token []byte) (model.SnapshotVersion, error) {
	var secs, nanos int64
	if err := ordered.Decode(token, &secs, &nanos); err != nil {
		return model.MinVersion, status.Errorf(status.InvalidArgument, "invalid resume token: %v", err)
	}
	return model.NewSnapshotVersion(model.Timestamp{Seconds: secs, Nanos: int32(nanos)}), nil
}
