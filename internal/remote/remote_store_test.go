package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/assert/v2"
	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/query"
	"github.com/steveyegge/docsync/internal/status"
)

const testTimeout = 5 * time.Second

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

// fakeStream is one end of a stream; the test plays the server.
type fakeStream struct {
	headers http.Header
	sent    chan []byte
	recv    chan []byte
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeStream(headers http.Header) *fakeStream {
	return &fakeStream{
		headers: headers,
		sent:    make(chan []byte, 64),
		recv:    make(chan []byte, 64),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return status.New(status.Unavailable, "stream closed")
	default:
	}
	s.sent <- data
	return nil
}

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.recv:
		return data, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, status.New(status.Unavailable, "stream closed")
	case <-ctx.Done():
		return nil, status.Wrap(status.Cancelled, ctx.Err())
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// nextSent decodes the next message the client sent into v.
func (s *fakeStream) nextSent(t *testing.T, v any) {
	t.Helper()
	data := receive(t, s.sent)
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to decode %s: %v", data, err)
	}
}

// push delivers a server message.
func (s *fakeStream) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	s.recv <- data
}

// fail breaks the stream with err.
func (s *fakeStream) fail(err error) { s.errs <- err }

type fakeConnection struct {
	mu     sync.Mutex
	opened map[string]chan *fakeStream
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{opened: map[string]chan *fakeStream{
		ListenPath: make(chan *fakeStream, 8),
		WritePath:  make(chan *fakeStream, 8),
	}}
}

func (c *fakeConnection) OpenStream(ctx context.Context, path string, headers http.Header) (Stream, error) {
	s := newFakeStream(headers)
	c.mu.Lock()
	ch := c.opened[path]
	c.mu.Unlock()
	ch <- s
	return s, nil
}

func (c *fakeConnection) Invoke(ctx context.Context, rpc string, req, resp any, headers http.Header) error {
	return status.New(status.Unimplemented, rpc)
}

func (c *fakeConnection) Close() error { return nil }

func (c *fakeConnection) waitStream(t *testing.T, path string) *fakeStream {
	t.Helper()
	return receive(t, c.opened[path])
}

type fakeLocalStore struct {
	mu      sync.Mutex
	batches []*mutation.Batch
	token   []byte
	version model.SnapshotVersion
}

func (l *fakeLocalStore) addBatch(id model.BatchID, keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := &mutation.Batch{BatchID: id}
	for _, k := range keys {
		b.Mutations = append(b.Mutations, mutation.NewSet(model.MustDocumentKey(k),
			model.ObjectValueFromMap(map[string]model.Value{"n": model.IntegerValue(int64(id))})))
	}
	l.batches = append(l.batches, b)
}

func (l *fakeLocalStore) removeBatch(id model.BatchID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, b := range l.batches {
		if b.BatchID == id {
			l.batches = append(l.batches[:i], l.batches[i+1:]...)
			return
		}
	}
}

func (l *fakeLocalStore) streamToken() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

func (l *fakeLocalStore) NextMutationBatch(_ context.Context, after model.BatchID) (*mutation.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.batches {
		if b.BatchID > after {
			return b, nil
		}
	}
	return nil, nil
}

func (l *fakeLocalStore) LastStreamToken(context.Context) ([]byte, error) {
	return l.streamToken(), nil
}

func (l *fakeLocalStore) SetLastStreamToken(_ context.Context, token []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = token
	return nil
}

func (l *fakeLocalStore) LastRemoteSnapshotVersion(context.Context) (model.SnapshotVersion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version, nil
}

type rejection struct {
	batchID  model.BatchID
	targetID model.TargetID
	err      error
}

type fakeSyncer struct {
	local      *fakeLocalStore
	events     chan *RemoteEvent
	acks       chan *mutation.BatchResult
	rejections chan rejection
}

func newFakeSyncer(local *fakeLocalStore) *fakeSyncer {
	return &fakeSyncer{
		local:      local,
		events:     make(chan *RemoteEvent, 16),
		acks:       make(chan *mutation.BatchResult, 16),
		rejections: make(chan rejection, 16),
	}
}

func (s *fakeSyncer) ApplyRemoteEvent(_ context.Context, event *RemoteEvent) error {
	s.events <- event
	return nil
}

func (s *fakeSyncer) RejectListen(_ context.Context, id model.TargetID, err error) error {
	s.rejections <- rejection{targetID: id, err: err}
	return nil
}

func (s *fakeSyncer) ApplySuccessfulWrite(_ context.Context, result *mutation.BatchResult) error {
	s.local.removeBatch(result.Batch.BatchID)
	s.acks <- result
	return nil
}

func (s *fakeSyncer) RejectFailedWrite(_ context.Context, id model.BatchID, err error) error {
	s.local.removeBatch(id)
	s.rejections <- rejection{batchID: id, err: err}
	return nil
}

func (s *fakeSyncer) HandleCredentialChange(context.Context, auth.User) error { return nil }

func (s *fakeSyncer) RemoteKeysForTarget(model.TargetID) model.DocumentKeySet {
	return model.NewDocumentKeySet()
}

type remoteStoreFixture struct {
	queue  *asyncqueue.Queue
	conn   *fakeConnection
	local  *fakeLocalStore
	syncer *fakeSyncer
	store  *RemoteStore
	states chan OnlineState
}

func newRemoteStoreFixture(t *testing.T) *remoteStoreFixture {
	t.Helper()
	f := &remoteStoreFixture{
		queue:  newTestQueue(t),
		conn:   newFakeConnection(),
		local:  &fakeLocalStore{},
		states: make(chan OnlineState, 16),
	}
	f.syncer = newFakeSyncer(f.local)

	cfg := DefaultStreamConfig()
	cfg.Backoff = asyncqueue.BackoffConfig{InitialDelay: time.Millisecond, Factor: 1.5, MaxDelay: 5 * time.Millisecond}
	cfg.Logger = quietLogger
	ds := NewDatastore(f.queue, f.conn, NewSerializer(testDB), nil, auth.StaticAppCheckProvider{Value: "ac"}, cfg)
	f.store = NewRemoteStore(f.queue, f.local, ds, RemoteStoreConfig{Logger: quietLogger}, func(s OnlineState) {
		select {
		case f.states <- s:
		default:
		}
	})
	f.store.SetSyncer(f.syncer)
	t.Cleanup(func() {
		f.queue.Enqueue(f.store.Shutdown)
	})
	return f
}

func (f *remoteStoreFixture) start(t *testing.T) {
	t.Helper()
	onQueue(t, f.queue, func() {
		if err := f.store.Start(); err != nil {
			t.Errorf("Start() failed: %v", err)
		}
	})
}

// handshake answers the write stream handshake and returns the first
// stream token.
func (f *remoteStoreFixture) handshake(t *testing.T, stream *fakeStream) {
	t.Helper()
	var req WriteRequest
	stream.nextSent(t, &req)
	assert.Equal(t, req.Database, testDB.Name())
	assert.Equal(t, len(req.Writes), 0)
	stream.push(t, &WriteResponse{StreamID: "s1", StreamToken: []byte("t1")})
}

func TestRemoteStoreWritesAndAcknowledges(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.local.token = []byte("persisted")
	f.local.addBatch(1, "rooms/a")
	f.start(t)

	stream := f.conn.waitStream(t, WritePath)
	assert.Equal(t, stream.headers.Get(HeaderAppCheck), "ac")
	assert.Equal(t, stream.headers.Get(HeaderDatabase), testDB.Name())

	var handshake WriteRequest
	stream.nextSent(t, &handshake)
	assert.Equal(t, string(handshake.StreamToken), "persisted")
	stream.push(t, &WriteResponse{StreamID: "s1", StreamToken: []byte("t1")})

	var write WriteRequest
	stream.nextSent(t, &write)
	assert.Equal(t, string(write.StreamToken), "t1")
	assert.Equal(t, len(write.Writes), 1)
	assert.Equal(t, write.Writes[0].Update.Name, testDB.Name()+"/documents/rooms/a")

	stream.push(t, &WriteResponse{
		StreamToken:  []byte("t2"),
		WriteResults: []WriteResultFrame{{UpdateTime: "2024-01-02T03:04:05Z"}},
		CommitTime:   "2024-01-02T03:04:05Z",
	})
	result := receive(t, f.syncer.acks)
	assert.Equal(t, result.Batch.BatchID, model.BatchID(1))
	assert.Equal(t, string(result.StreamToken), "t2")
	assert.Equal(t, string(f.local.streamToken()), "t1")

	onQueue(t, f.queue, func() { assert.Equal(t, f.store.PendingWrites(), 0) })
}

func TestRemoteStoreLimitsPipeline(t *testing.T) {
	f := newRemoteStoreFixture(t)
	for i := 1; i <= MaxPendingWrites+2; i++ {
		f.local.addBatch(model.BatchID(i), "rooms/a")
	}
	f.start(t)

	stream := f.conn.waitStream(t, WritePath)
	f.handshake(t, stream)
	for i := 0; i < MaxPendingWrites; i++ {
		var req WriteRequest
		stream.nextSent(t, &req)
	}
	onQueue(t, f.queue, func() { assert.Equal(t, f.store.PendingWrites(), MaxPendingWrites) })

	// An acknowledgment frees a slot for the next batch.
	stream.push(t, &WriteResponse{
		StreamToken:  []byte("t2"),
		WriteResults: []WriteResultFrame{{}},
		CommitTime:   "2024-01-02T03:04:05Z",
	})
	receive(t, f.syncer.acks)
	var next WriteRequest
	stream.nextSent(t, &next)
	onQueue(t, f.queue, func() { assert.Equal(t, f.store.PendingWrites(), MaxPendingWrites) })
}

func TestRemoteStoreRejectsPermanentWriteError(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.local.addBatch(1, "rooms/a")
	f.local.addBatch(2, "rooms/b")
	f.start(t)

	stream := f.conn.waitStream(t, WritePath)
	f.handshake(t, stream)
	var req WriteRequest
	stream.nextSent(t, &req)
	stream.nextSent(t, &req)

	stream.fail(status.New(status.InvalidArgument, "bad field"))
	rej := receive(t, f.syncer.rejections)
	assert.Equal(t, rej.batchID, model.BatchID(1))
	assert.Equal(t, status.CodeOf(rej.err), status.InvalidArgument)

	// The stream comes back for the remaining batch.
	stream = f.conn.waitStream(t, WritePath)
	var handshake WriteRequest
	stream.nextSent(t, &handshake)
	assert.Equal(t, string(handshake.StreamToken), "t1")
	stream.push(t, &WriteResponse{StreamToken: []byte("t3")})
	var write WriteRequest
	stream.nextSent(t, &write)
	assert.Equal(t, write.Writes[0].Update.Name, testDB.Name()+"/documents/rooms/b")
}

func TestRemoteStoreRetriesTransientWriteError(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.local.addBatch(1, "rooms/a")
	f.start(t)

	stream := f.conn.waitStream(t, WritePath)
	f.handshake(t, stream)
	var req WriteRequest
	stream.nextSent(t, &req)

	stream.fail(status.New(status.Unavailable, "connection reset"))

	stream = f.conn.waitStream(t, WritePath)
	f.handshake(t, stream)
	stream.nextSent(t, &req)
	assert.Equal(t, len(req.Writes), 1)
	select {
	case r := <-f.syncer.rejections:
		t.Fatalf("transient error rejected batch %d", r.batchID)
	default:
	}
}

func TestRemoteStoreRejectsMalformedAcknowledgment(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.local.addBatch(1, "rooms/a")
	f.local.addBatch(2, "rooms/b")
	f.start(t)

	stream := f.conn.waitStream(t, WritePath)
	f.handshake(t, stream)
	var req WriteRequest
	stream.nextSent(t, &req)
	stream.nextSent(t, &req)

	// Two results for a batch holding one mutation.
	stream.push(t, &WriteResponse{
		StreamToken:  []byte("t2"),
		WriteResults: []WriteResultFrame{{}, {}},
		CommitTime:   "2024-01-02T03:04:05Z",
	})
	rej := receive(t, f.syncer.rejections)
	assert.Equal(t, rej.batchID, model.BatchID(1))
	assert.Equal(t, status.CodeOf(rej.err), status.DataLoss)

	// The queue keeps running and the remaining batch goes out again on a
	// new stream.
	stream = f.conn.waitStream(t, WritePath)
	f.handshake(t, stream)
	var write WriteRequest
	stream.nextSent(t, &write)
	assert.Equal(t, write.Writes[0].Update.Name, testDB.Name()+"/documents/rooms/b")
	onQueue(t, f.queue, func() { assert.Equal(t, f.store.PendingWrites(), 1) })
	select {
	case r := <-f.syncer.rejections:
		t.Fatalf("batch %d rejected after the malformed acknowledgment", r.batchID)
	default:
	}
}

func TestRemoteStoreHandshakeErrorResetsToken(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.local.token = []byte("stale")
	f.local.addBatch(1, "rooms/a")
	f.start(t)

	stream := f.conn.waitStream(t, WritePath)
	var req WriteRequest
	stream.nextSent(t, &req)
	assert.Equal(t, string(req.StreamToken), "stale")
	stream.fail(status.New(status.FailedPrecondition, "unknown stream token"))

	stream = f.conn.waitStream(t, WritePath)
	stream.nextSent(t, &req)
	assert.Equal(t, len(req.StreamToken), 0)
	assert.Equal(t, len(f.local.streamToken()), 0)
}

func listenTarget(id model.TargetID) *persistence.TargetData {
	target := query.NewQuery(model.MustParseResourcePath("rooms")).ToTarget()
	return persistence.NewTargetData(target, id, persistence.PurposeListen, 1)
}

func TestRemoteStoreListenRaisesSnapshot(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.start(t)
	onQueue(t, f.queue, func() { f.store.Listen(listenTarget(2)) })

	stream := f.conn.waitStream(t, ListenPath)
	var req ListenRequest
	stream.nextSent(t, &req)
	if req.AddTarget == nil {
		t.Fatalf("first listen request has no target: %+v", req)
	}
	assert.Equal(t, req.AddTarget.TargetID, int32(2))

	stream.push(t, &ListenResponse{TargetChange: &TargetChangeFrame{TargetChangeType: TargetAdd, TargetIDs: []int32{2}}})
	stream.push(t, &ListenResponse{DocumentChange: &DocumentChangeFrame{
		Document: DocumentFrame{
			Name:       testDB.Name() + "/documents/rooms/a",
			Fields:     map[string]model.Value{"n": model.IntegerValue(1)},
			UpdateTime: "2024-01-02T03:04:05Z",
		},
		TargetIDs: []int32{2},
	}})
	stream.push(t, &ListenResponse{TargetChange: &TargetChangeFrame{TargetChangeType: TargetCurrent, TargetIDs: []int32{2}, ResumeToken: []byte("r1")}})
	stream.push(t, &ListenResponse{TargetChange: &TargetChangeFrame{TargetChangeType: TargetNoChange, ReadTime: "2024-01-02T03:04:06Z"}})

	event := receive(t, f.syncer.events)
	change := event.TargetChanges[2]
	if change == nil {
		t.Fatal("snapshot has no change for target 2")
	}
	assert.Equal(t, change.Current, true)
	assert.Equal(t, change.AddedDocuments.Has(model.MustDocumentKey("rooms/a")), true)
	assert.Equal(t, len(event.DocumentUpdates), 1)

	onQueue(t, f.queue, func() {
		assert.Equal(t, f.store.OnlineState(), OnlineStateOnline)
		assert.Equal(t, string(f.store.TargetDataForActiveTarget(2).ResumeToken), "r1")
	})
}

func TestRemoteStoreRejectsListen(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.start(t)
	onQueue(t, f.queue, func() { f.store.Listen(listenTarget(2)) })

	stream := f.conn.waitStream(t, ListenPath)
	var req ListenRequest
	stream.nextSent(t, &req)
	stream.push(t, &ListenResponse{TargetChange: &TargetChangeFrame{
		TargetChangeType: TargetRemove,
		TargetIDs:        []int32{2},
		Cause:            &StatusFrame{Code: int(status.PermissionDenied), Message: "missing permissions"},
	}})

	rej := receive(t, f.syncer.rejections)
	assert.Equal(t, rej.targetID, model.TargetID(2))
	assert.Equal(t, status.CodeOf(rej.err), status.PermissionDenied)
	onQueue(t, f.queue, func() {
		if f.store.TargetDataForActiveTarget(2) != nil {
			t.Error("rejected target is still active")
		}
	})
}

func TestRemoteStoreDisableNetwork(t *testing.T) {
	f := newRemoteStoreFixture(t)
	f.start(t)
	onQueue(t, f.queue, func() { f.store.Listen(listenTarget(2)) })
	stream := f.conn.waitStream(t, ListenPath)

	onQueue(t, f.queue, f.store.DisableNetwork)
	receive(t, stream.closed)
	onQueue(t, f.queue, func() {
		assert.Equal(t, f.store.OnlineState(), OnlineStateOffline)
		// Writes queue up locally while offline.
		f.local.addBatch(1, "rooms/a")
		if err := f.store.FillWritePipeline(); err != nil {
			t.Error(err)
		}
		assert.Equal(t, f.store.PendingWrites(), 0)
	})

	onQueue(t, f.queue, func() {
		if err := f.store.EnableNetwork(); err != nil {
			t.Error(err)
		}
	})
	// Both streams reconnect.
	f.conn.waitStream(t, ListenPath)
	f.conn.waitStream(t, WritePath)
}

func TestStreamCloseStatus(t *testing.T) {
	err := status.New(status.ResourceExhausted, "quota")
	got := StreamCloseError(websocket.CloseError{Code: CloseStatusFor(err), Reason: "quota"})
	assert.Equal(t, status.CodeOf(got), status.ResourceExhausted)
	assert.Equal(t, status.CodeOf(StreamCloseError(websocket.CloseError{Code: websocket.StatusGoingAway})), status.Unavailable)
	assert.Equal(t, status.CodeOf(StreamCloseError(context.Canceled)), status.Cancelled)
	assert.Equal(t, status.CodeOf(StreamCloseError(errors.New("eof"))), status.Unavailable)
}
