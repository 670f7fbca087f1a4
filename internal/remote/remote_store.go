package remote

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/status"
)

// MaxPendingWrites is the number of batches the write pipeline keeps in
// flight.
const MaxPendingWrites = 10

// LocalStore is the part of the local store the remote store reads.
type LocalStore interface {
	NextMutationBatch(ctx context.Context, afterBatchID model.BatchID) (*mutation.Batch, error)
	LastStreamToken(ctx context.Context) ([]byte, error)
	SetLastStreamToken(ctx context.Context, token []byte) error
	LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error)
}

// RemoteSyncer receives the results of remote traffic. It is implemented
// by the sync engine and called on the async queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, event *RemoteEvent) error
	RejectListen(ctx context.Context, targetID model.TargetID, err error) error
	ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error
	RejectFailedWrite(ctx context.Context, batchID model.BatchID, err error) error
	HandleCredentialChange(ctx context.Context, user auth.User) error
	// RemoteKeysForTarget returns the keys the target matched in the last
	// snapshot, including limbo targets the local store does not know.
	RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet
}

type offlineCause int

const (
	causeUserDisabled offlineCause = iota
	causeStorageFailed
	causeCredentialChange
	causeShutdown
	causeNotPrimary
)

// RemoteStoreConfig configures a RemoteStore.
type RemoteStoreConfig struct {
	OnlineStateTimeout time.Duration
	Logger             *log.Logger
}

// RemoteStore keeps the watch stream subscribed to every active target and
// drains the mutation queue through the write stream. All methods must be
// called from the async queue.
type RemoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	queue      *asyncqueue.Queue
	localStore LocalStore
	datastore  *Datastore
	syncer     RemoteSyncer
	logger     *log.Logger

	watchStream *WatchStream
	writeStream *WriteStream
	aggregator  *WatchChangeAggregator
	online      *OnlineStateTracker

	// listenTargets are the targets the client wants to listen to, with
	// their newest resume tokens.
	listenTargets map[model.TargetID]*persistence.TargetData
	// writePipeline holds batches sent or about to be sent, in order.
	writePipeline []*mutation.Batch
	offlineCauses map[offlineCause]bool
}

// NewRemoteStore returns a remote store with the network enabled but not
// started. onlineStateChange is called on every OnlineState transition.
func NewRemoteStore(queue *asyncqueue.Queue, localStore LocalStore, datastore *Datastore,
	cfg RemoteStoreConfig, onlineStateChange func(OnlineState)) *RemoteStore {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := &RemoteStore{
		ctx:           ctx,
		cancel:        cancel,
		queue:         queue,
		localStore:    localStore,
		datastore:     datastore,
		logger:        cfg.Logger,
		listenTargets: make(map[model.TargetID]*persistence.TargetData),
		offlineCauses: make(map[offlineCause]bool),
	}
	rs.online = NewOnlineStateTracker(queue, cfg.OnlineStateTimeout, cfg.Logger, onlineStateChange)
	rs.watchStream = datastore.NewWatchStream(rs)
	rs.writeStream = datastore.NewWriteStream(rs)
	return rs
}

// SetSyncer wires the component that receives remote results. It must be
// called before Start.
func (rs *RemoteStore) SetSyncer(syncer RemoteSyncer) { rs.syncer = syncer }

// Start loads the persisted stream token and connects.
func (rs *RemoteStore) Start() error {
	token, err := rs.localStore.LastStreamToken(rs.ctx)
	if err != nil {
		return err
	}
	rs.writeStream.SetLastStreamToken(token)
	return rs.EnableNetwork()
}

// OnlineState returns the current connectivity belief.
func (rs *RemoteStore) OnlineState() OnlineState { return rs.online.State() }

// EnableNetwork reconnects after DisableNetwork.
func (rs *RemoteStore) EnableNetwork() error {
	delete(rs.offlineCauses, causeUserDisabled)
	return rs.enableNetworkInternal()
}

func (rs *RemoteStore) enableNetworkInternal() error {
	if !rs.canUseNetwork() {
		return nil
	}
	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else {
		rs.online.Set(OnlineStateUnknown)
	}
	return rs.FillWritePipeline()
}

// DisableNetwork closes both streams and reports the client offline until
// EnableNetwork is called. Pending writes stay queued locally.
func (rs *RemoteStore) DisableNetwork() {
	rs.offlineCauses[causeUserDisabled] = true
	rs.disableNetworkInternal()
	rs.online.Set(OnlineStateOffline)
}

func (rs *RemoteStore) disableNetworkInternal() {
	rs.writeStream.Stop()
	rs.watchStream.Stop()
	if len(rs.writePipeline) > 0 {
		logging.Debugf(rs.logger, "Stopping write stream with %d pending writes", len(rs.writePipeline))
		rs.writePipeline = nil
	}
	rs.aggregator = nil
}

// Shutdown closes the streams for good.
func (rs *RemoteStore) Shutdown() {
	logging.Debugf(rs.logger, "Shutting down remote store")
	rs.offlineCauses[causeShutdown] = true
	rs.disableNetworkInternal()
	rs.online.Set(OnlineStateUnknown)
	rs.cancel()
	if err := rs.datastore.conn.Close(); err != nil {
		rs.logger.Printf("Warning: failed to close connection: %v", err)
	}
}

// ApplyPrimaryState enables the network only while this client holds the
// primary lease.
func (rs *RemoteStore) ApplyPrimaryState(isPrimary bool) error {
	if isPrimary {
		delete(rs.offlineCauses, causeNotPrimary)
		return rs.enableNetworkInternal()
	}
	rs.offlineCauses[causeNotPrimary] = true
	rs.disableNetworkInternal()
	rs.online.Set(OnlineStateUnknown)
	return nil
}

// HandleCredentialChange restarts both streams for a new user, letting the
// syncer switch the local state in between.
func (rs *RemoteStore) HandleCredentialChange(user auth.User) error {
	logging.Debugf(rs.logger, "Restarting streams for new credentials")
	rs.offlineCauses[causeCredentialChange] = true
	rs.disableNetworkInternal()
	rs.online.Set(OnlineStateUnknown)
	if err := rs.syncer.HandleCredentialChange(rs.ctx, user); err != nil {
		delete(rs.offlineCauses, causeCredentialChange)
		return err
	}
	delete(rs.offlineCauses, causeCredentialChange)
	return rs.enableNetworkInternal()
}

func (rs *RemoteStore) canUseNetwork() bool { return len(rs.offlineCauses) == 0 }

// Listen starts listening to td's target. Listening to the same target id
// twice is a no-op.
func (rs *RemoteStore) Listen(td *persistence.TargetData) {
	if _, ok := rs.listenTargets[td.TargetID]; ok {
		return
	}
	rs.listenTargets[td.TargetID] = td
	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else if rs.watchStream.IsOpen() {
		rs.sendWatchRequest(td)
	}
}

// Unlisten stops listening to a target.
func (rs *RemoteStore) Unlisten(targetID model.TargetID) {
	delete(rs.listenTargets, targetID)
	if rs.watchStream.IsOpen() {
		rs.sendUnwatchRequest(targetID)
	}
	if len(rs.listenTargets) == 0 {
		if rs.watchStream.IsOpen() {
			rs.watchStream.MarkIdle()
		} else if rs.canUseNetwork() {
			// Nothing to listen to, so there is no way to tell whether
			// the backend is reachable.
			rs.online.Set(OnlineStateUnknown)
		}
	}
}

// TargetDataForActiveTarget implements TargetMetadataProvider.
func (rs *RemoteStore) TargetDataForActiveTarget(targetID model.TargetID) *persistence.TargetData {
	return rs.listenTargets[targetID]
}

// RemoteKeysForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) RemoteKeysForTarget(targetID model.TargetID) model.DocumentKeySet {
	return rs.syncer.RemoteKeysForTarget(targetID)
}

func (rs *RemoteStore) sendWatchRequest(td *persistence.TargetData) {
	rs.aggregator.RecordPendingTargetRequest(td.TargetID)
	if len(td.ResumeToken) > 0 || td.SnapshotVersion.After(model.MinVersion) {
		count := rs.RemoteKeysForTarget(td.TargetID).Len()
		td = td.WithExpectedCount(int32(count))
	}
	rs.watchStream.Watch(td)
}

func (rs *RemoteStore) sendUnwatchRequest(targetID model.TargetID) {
	rs.aggregator.RecordPendingTargetRequest(targetID)
	rs.watchStream.Unwatch(targetID)
}

func (rs *RemoteStore) shouldStartWatchStream() bool {
	return rs.canUseNetwork() && !rs.watchStream.IsStarted() && len(rs.listenTargets) > 0
}

func (rs *RemoteStore) startWatchStream() {
	rs.aggregator = NewWatchChangeAggregator(rs, rs.datastore.serializer, rs.logger)
	rs.watchStream.Start()
	rs.online.HandleWatchStreamStart()
}

// OnWatchStreamOpen re-sends every target on a new stream.
func (rs *RemoteStore) OnWatchStreamOpen() {
	for _, td := range rs.listenTargets {
		rs.sendWatchRequest(td)
	}
}

// OnWatchStreamClose restarts the stream while there are targets.
func (rs *RemoteStore) OnWatchStreamClose(err error) {
	rs.aggregator = nil
	if rs.shouldStartWatchStream() {
		rs.online.HandleWatchStreamFailure(err)
		rs.startWatchStream()
		return
	}
	// No targets, or the network is disabled.
	rs.online.Set(OnlineStateUnknown)
}

// OnWatchStreamChange feeds one change into the aggregator and raises a
// snapshot when the server reports a consistent version.
func (rs *RemoteStore) OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion) {
	rs.online.Set(OnlineStateOnline)

	if tc, ok := change.(*WatchTargetChange); ok && tc.State == WatchTargetRemoved && tc.Cause != nil {
		if err := rs.handleTargetError(tc); err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
		}
		return
	}
	switch c := change.(type) {
	case *DocumentWatchChange:
		rs.aggregator.HandleDocumentChange(c)
	case *ExistenceFilterChange:
		rs.aggregator.HandleExistenceFilter(c)
	case *WatchTargetChange:
		rs.aggregator.HandleTargetChange(c)
	}

	if snapshotVersion.IsMin() {
		return
	}
	lastRemote, err := rs.localStore.LastRemoteSnapshotVersion(rs.ctx)
	if err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return
	}
	// Versions may repeat when a stream resumes; older ones are ignored.
	if snapshotVersion.Compare(lastRemote) >= 0 {
		if err := rs.raiseWatchSnapshot(snapshotVersion); err != nil {
			rs.disableNetworkUntilRecovery(err, func() error { return rs.raiseWatchSnapshot(snapshotVersion) })
		}
	}
}

// raiseWatchSnapshot sends the aggregated event to the syncer, updating
// resume tokens and re-listening to targets whose results went out of sync.
func (rs *RemoteStore) raiseWatchSnapshot(snapshotVersion model.SnapshotVersion) error {
	event := rs.aggregator.CreateRemoteEvent(snapshotVersion)

	for id, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := rs.listenTargets[id]; ok {
			rs.listenTargets[id] = td.WithResumeToken(change.ResumeToken, snapshotVersion)
		}
	}

	for id, purpose := range event.TargetMismatches {
		td, ok := rs.listenTargets[id]
		if !ok {
			// The target was removed in the meantime.
			continue
		}
		// Clear the token so the next listen starts from scratch.
		rs.listenTargets[id] = td.WithResumeToken(nil, td.SnapshotVersion)
		rs.sendUnwatchRequest(id)
		rs.sendWatchRequest(persistence.NewTargetData(td.Target, id, purpose, td.SequenceNumber))
	}
	return rs.syncer.ApplyRemoteEvent(rs.ctx, event)
}

func (rs *RemoteStore) handleTargetError(tc *WatchTargetChange) error {
	for _, id := range tc.TargetIDs {
		if _, ok := rs.listenTargets[id]; !ok {
			continue
		}
		delete(rs.listenTargets, id)
		rs.aggregator.RemoveTarget(id)
		if err := rs.syncer.RejectListen(rs.ctx, id, tc.Cause); err != nil {
			return err
		}
	}
	return nil
}

// disableNetworkUntilRecovery takes the client offline after a storage
// failure. Retryable failures are retried with backoff, running op (or a
// plain storage probe) until it succeeds and the network can come back.
func (rs *RemoteStore) disableNetworkUntilRecovery(err error, op func() error) {
	if !asyncqueue.IsRetryable(err) {
		rs.logger.Printf("ERROR: unrecoverable storage failure in remote store: %v", err)
		panic(err)
	}
	rs.logger.Printf("Warning: disabling network after storage failure: %v", err)
	rs.offlineCauses[causeStorageFailed] = true
	rs.disableNetworkInternal()
	rs.online.Set(OnlineStateOffline)
	if op == nil {
		op = func() error {
			_, err := rs.localStore.LastRemoteSnapshotVersion(rs.ctx)
			return err
		}
	}
	rs.queue.EnqueueRetryable(func() error {
		if err := op(); err != nil {
			return err
		}
		delete(rs.offlineCauses, causeStorageFailed)
		return rs.enableNetworkInternal()
	})
}

// FillWritePipeline moves pending batches from the local queue into the
// write pipeline until it holds MaxPendingWrites, and starts the write
// stream if needed.
func (rs *RemoteStore) FillWritePipeline() error {
	lastBatchID := model.UnknownBatchID
	if n := len(rs.writePipeline); n > 0 {
		lastBatchID = rs.writePipeline[n-1].BatchID
	}
	for rs.canAddToWritePipeline() {
		batch, err := rs.localStore.NextMutationBatch(rs.ctx, lastBatchID)
		if err != nil {
			rs.disableNetworkUntilRecovery(err, nil)
			return nil
		}
		if batch == nil {
			if len(rs.writePipeline) == 0 {
				rs.writeStream.MarkIdle()
			}
			break
		}
		rs.addToWritePipeline(batch)
		lastBatchID = batch.BatchID
	}
	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}
	return nil
}

func (rs *RemoteStore) canAddToWritePipeline() bool {
	return rs.canUseNetwork() && len(rs.writePipeline) < MaxPendingWrites
}

// PendingWrites is the number of batches in the write pipeline.
func (rs *RemoteStore) PendingWrites() int { return len(rs.writePipeline) }

func (rs *RemoteStore) addToWritePipeline(batch *mutation.Batch) {
	rs.writePipeline = append(rs.writePipeline, batch)
	if rs.writeStream.IsOpen() && rs.writeStream.HandshakeComplete() {
		rs.writeStream.WriteMutations(batch.Mutations)
	}
}

func (rs *RemoteStore) shouldStartWriteStream() bool {
	return rs.canUseNetwork() && !rs.writeStream.IsStarted() && len(rs.writePipeline) > 0
}

// OnWriteStreamOpen sends the handshake.
func (rs *RemoteStore) OnWriteStreamOpen() {
	rs.writeStream.WriteHandshake()
}

// OnWriteHandshakeComplete persists the new stream token and sends every
// batch in the pipeline.
func (rs *RemoteStore) OnWriteHandshakeComplete() {
	if err := rs.localStore.SetLastStreamToken(rs.ctx, rs.writeStream.LastStreamToken()); err != nil {
		rs.logger.Printf("Warning: failed to persist stream token: %v", err)
	}
	for _, batch := range rs.writePipeline {
		rs.writeStream.WriteMutations(batch.Mutations)
	}
}

// OnMutationResult acknowledges the oldest batch in the pipeline. An
// acknowledgment that does not fit the batch rejects that batch with
// DataLoss and reconnects, so later batches are resent on a fresh stream.
func (rs *RemoteStore) OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) error {
	if len(rs.writePipeline) == 0 {
		rs.logger.Printf("Warning: write acknowledged with an empty pipeline")
		return nil
	}
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	result, err := mutation.NewBatchResult(batch, commitVersion, results, rs.writeStream.LastStreamToken())
	if err != nil {
		rs.logger.Printf("Warning: rejecting batch %d after a malformed acknowledgment: %v", batch.BatchID, err)
		if rerr := rs.syncer.RejectFailedWrite(rs.ctx, batch.BatchID, status.Wrap(status.DataLoss, err)); rerr != nil {
			rs.disableNetworkUntilRecovery(rerr, nil)
			return nil
		}
		if ferr := rs.FillWritePipeline(); ferr != nil {
			rs.logger.Printf("Warning: failed to fill write pipeline: %v", ferr)
		}
		return status.Errorf(status.Unavailable, "write stream out of sync: %w", err)
	}
	if err := rs.syncer.ApplySuccessfulWrite(rs.ctx, result); err != nil {
		rs.disableNetworkUntilRecovery(err, nil)
		return nil
	}
	// The pipeline has room again.
	if err := rs.FillWritePipeline(); err != nil {
		rs.logger.Printf("Warning: failed to fill write pipeline: %v", err)
	}
	return nil
}

// OnWriteStreamClose handles write errors and restarts the stream while
// batches are pending.
func (rs *RemoteStore) OnWriteStreamClose(err error) {
	if err != nil && len(rs.writePipeline) > 0 {
		var herr error
		if rs.writeStream.HandshakeComplete() {
			herr = rs.handleWriteError(err)
		} else {
			herr = rs.handleHandshakeError(err)
		}
		if herr != nil {
			rs.disableNetworkUntilRecovery(herr, nil)
			return
		}
	}
	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}
}

// handleHandshakeError drops the stream token when the server rejected it.
func (rs *RemoteStore) handleHandshakeError(err error) error {
	if status.IsPermanentError(status.CodeOf(err)) {
		logging.Debugf(rs.logger, "Write handshake failed permanently, resetting stream token: %v", err)
		rs.writeStream.SetLastStreamToken(nil)
		return rs.localStore.SetLastStreamToken(rs.ctx, nil)
	}
	return nil
}

// handleWriteError rejects the first batch when the error is permanent.
// Transient errors leave the pipeline intact for the restarted stream.
func (rs *RemoteStore) handleWriteError(err error) error {
	if !status.IsPermanentWriteError(status.CodeOf(err)) {
		return nil
	}
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	// The stream failed because of the batch, not the network.
	rs.writeStream.InhibitBackoff()
	if err := rs.syncer.RejectFailedWrite(rs.ctx, batch.BatchID, err); err != nil {
		return err
	}
	return rs.FillWritePipeline()
}
