package emulator

import (
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// watchTarget is one target on a listen stream and the documents the
// client was last told match it.
type watchTarget struct {
	id     int32
	target *query.Target
	keys   []model.DocumentKey // document targets
	sent   map[model.DocumentKey]model.SnapshotVersion
}

// listenStream is the server side of one listen stream. Every commit
// recomputes each target and sends the difference.
type listenStream struct {
	srv  *Server
	conn *websocket.Conn

	mu      sync.Mutex
	targets map[int32]*watchTarget
	failed  error
}

// handleListen serves one listen stream.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	ls := &listenStream{srv: s, conn: conn, targets: make(map[int32]*watchTarget)}
	s.streamsMu.Lock()
	s.listens[ls] = true
	s.streamsMu.Unlock()
	unsubscribe := s.store.Subscribe(ls.onCommit)

	err := ls.serve()

	unsubscribe()
	s.streamsMu.Lock()
	delete(s.listens, ls)
	s.streamsMu.Unlock()
	s.removeStream(conn, streamError(err))
}

func (ls *listenStream) serve() error {
	for {
		var req remote.ListenRequest
		if err := ls.srv.readFrame(ls.conn, &req); err != nil {
			return err
		}
		ls.mu.Lock()
		var err error
		switch {
		case req.AddTarget != nil:
			err = ls.addTarget(req.AddTarget)
		case req.RemoveTarget != 0:
			err = ls.removeTarget(req.RemoveTarget)
		default:
			err = status.New(status.InvalidArgument, "listen request has no target")
		}
		if err == nil {
			err = ls.failed
		}
		ls.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func (ls *listenStream) send(resp *remote.ListenResponse) error {
	return ls.srv.sendFrame(ls.conn, resp)
}

// results returns the documents currently matching t.
func (ls *listenStream) results(t *watchTarget) ([]*model.MutableDocument, model.SnapshotVersion) {
	if t.target != nil {
		return ls.srv.store.RunQuery(*t.target)
	}
	return ls.srv.store.Lookup(t.keys)
}

func (ls *listenStream) addTarget(f *remote.TargetFrame) error {
	t := &watchTarget{id: f.TargetID, target: f.Query, sent: make(map[model.DocumentKey]model.SnapshotVersion)}
	for _, name := range f.Documents {
		key, err := ls.srv.serializer.DecodeName(name)
		if err != nil {
			return ls.rejectTarget(f.TargetID, err)
		}
		t.keys = append(t.keys, key)
	}
	if t.target == nil && len(t.keys) == 0 {
		return ls.rejectTarget(f.TargetID, status.New(status.InvalidArgument, "target has neither a query nor documents"))
	}
	if _, exists := ls.targets[f.TargetID]; exists {
		return ls.rejectTarget(f.TargetID, status.Errorf(status.AlreadyExists, "target %d is already active", f.TargetID))
	}

	resumeFrom := model.MinVersion
	var err error
	switch {
	case len(f.ResumeToken) > 0:
		resumeFrom, err = DecodeResumeToken(f.ResumeToken)
	case f.ReadTime != "":
		resumeFrom, err = ls.srv.serializer.DecodeVersion(f.ReadTime)
	}
	if err != nil {
		return ls.rejectTarget(f.TargetID, err)
	}
	resuming := !resumeFrom.IsMin()

	ls.targets[t.id] = t
	if err := ls.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeFrame{
		TargetChangeType: remote.TargetAdd,
		TargetIDs:        []int32{t.id},
	}}); err != nil {
		return err
	}

	docs, version := ls.results(t)
	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		names = append(names, ls.srv.serializer.EncodeName(doc.Key))
		t.sent[doc.Key] = doc.Version
		if resuming && !doc.Version.After(resumeFrom) {
			continue
		}
		if err := ls.sendDocument(t.id, doc); err != nil {
			return err
		}
	}
	if resuming {
		// The client may still hold documents that were deleted or stopped
		// matching while it was away.
		if err := ls.send(&remote.ListenResponse{Filter: &remote.ExistenceFilterFrame{
			TargetID:       t.id,
			Count:          int32(len(docs)),
			UnchangedNames: remote.NewBloomFilterForNames(names, remote.DefaultBloomFilterFalsePositiveRate).Frame(),
		}}); err != nil {
			return err
		}
	}
	if err := ls.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeFrame{
		TargetChangeType: remote.TargetCurrent,
		TargetIDs:        []int32{t.id},
		ResumeToken:      EncodeResumeToken(version),
	}}); err != nil {
		return err
	}
	logging.Debugf(ls.srv.logger, "Listen target %d added with %d documents (resume from %s)", t.id, len(docs), resumeFrom)
	return ls.sendGlobalSnapshot(version)
}

func (ls *listenStream) removeTarget(id int32) error {
	if _, ok := ls.targets[id]; !ok {
		return nil
	}
	delete(ls.targets, id)
	return ls.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeFrame{
		TargetChangeType: remote.TargetRemove,
		TargetIDs:        []int32{id},
	}})
}

// rejectTarget answers an add that could not be served with a removal
// carrying the cause. The stream stays open.
func (ls *listenStream) rejectTarget(id int32, err error) error {
	return ls.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeFrame{
		TargetChangeType: remote.TargetRemove,
		TargetIDs:        []int32{id},
		Cause:            remote.EncodeStatus(err),
	}})
}

func (ls *listenStream) sendDocument(id int32, doc *model.MutableDocument) error {
	return ls.send(&remote.ListenResponse{DocumentChange: &remote.DocumentChangeFrame{
		Document:  ls.srv.serializer.EncodeDocument(doc),
		TargetIDs: []int32{id},
	}})
}

// sendGlobalSnapshot tells the client every target is consistent at
// version.
func (ls *listenStream) sendGlobalSnapshot(version model.SnapshotVersion) error {
	if version.IsMin() {
		// Nothing was committed yet; any version after the epoch works.
		version = model.NewSnapshotVersion(model.Timestamp{Seconds: 1})
	}
	return ls.send(&remote.ListenResponse{TargetChange: &remote.TargetChangeFrame{
		TargetChangeType: remote.TargetNoChange,
		ResumeToken:      EncodeResumeToken(version),
		ReadTime:         ls.srv.serializer.EncodeVersion(version),
	}})
}

// onCommit sends what changed for every target, followed by a global
// snapshot at the current version.
func (ls *listenStream) onCommit() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.failed != nil || len(ls.targets) == 0 {
		return
	}
	var latest model.SnapshotVersion
	for _, t := range ls.targets {
		version, err := ls.syncTarget(t)
		if err != nil {
			ls.fail(err)
			return
		}
		if version.After(latest) {
			latest = version
		}
	}
	if err := ls.sendGlobalSnapshot(latest); err != nil {
		ls.fail(err)
	}
}

func (ls *listenStream) injectFilter(count int32) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.failed != nil || len(ls.targets) == 0 {
		return
	}
	for id := range ls.targets {
		if err := ls.send(&remote.ListenResponse{Filter: &remote.ExistenceFilterFrame{TargetID: id, Count: count}}); err != nil {
			ls.fail(err)
			return
		}
	}
	if err := ls.sendGlobalSnapshot(ls.srv.store.Version()); err != nil {
		ls.fail(err)
	}
}

func (ls *listenStream) fail(err error) {
	ls.failed = err
	ls.srv.logger.Printf("Listen stream failed: %v", err)
	ls.srv.removeStream(ls.conn, status.Wrap(status.Unavailable, err))
}

func (ls *listenStream) syncTarget(t *watchTarget) (model.SnapshotVersion, error) {
	docs, version := ls.results(t)
	current := make(map[model.DocumentKey]bool, len(docs))
	for _, doc := range docs {
		current[doc.Key] = true
		if sent, ok := t.sent[doc.Key]; ok && sent.Equal(doc.Version) {
			continue
		}
		t.sent[doc.Key] = doc.Version
		if err := ls.sendDocument(t.id, doc); err != nil {
			return version, err
		}
	}
	for key := range t.sent {
		if current[key] {
			continue
		}
		delete(t.sent, key)
		frame := &remote.DocumentDeleteFrame{
			Document:         ls.srv.serializer.EncodeName(key),
			RemovedTargetIDs: []int32{t.id},
			ReadTime:         ls.srv.serializer.EncodeVersion(version),
		}
		resp := &remote.ListenResponse{DocumentRemove: frame}
		if !ls.srv.store.Get(key).IsFoundDocument() {
			resp = &remote.ListenResponse{DocumentDelete: frame}
		}
		if err := ls.send(resp); err != nil {
			return version, err
		}
	}
	return version, nil
}
