package remote

import (
	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/status"
)

// WriteStreamListener receives write stream events on the async queue.
type WriteStreamListener interface {
	OnWriteStreamOpen()
	// OnWriteHandshakeComplete is called once the server answered the
	// handshake; writes may be sent from then on.
	OnWriteHandshakeComplete()
	// OnMutationResult acknowledges the oldest unacknowledged write. An
	// error closes the stream.
	OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) error
	OnWriteStreamClose(err error)
}

// WriteStream sends mutation batches and receives their acknowledgments in
// order. Every request after the handshake echoes the last stream token
// the server issued.
type WriteStream struct {
	*persistentStream
	serializer *Serializer
	listener   WriteStreamListener

	handshakeComplete bool
	lastStreamToken   []byte
}

// NewWriteStream returns a stopped write stream.
func NewWriteStream(queue *asyncqueue.Queue, conn Connection, serializer *Serializer,
	credentials, appCheck auth.TokenProvider, cfg StreamConfig, listener WriteStreamListener) *WriteStream {
	ws := &WriteStream{serializer: serializer, listener: listener}
	ws.persistentStream = newPersistentStream("write", WritePath, queue, conn, serializer.DatabaseID(),
		credentials, appCheck, asyncqueue.TimerWriteStreamConnectionBackoff, asyncqueue.TimerWriteStreamIdle, cfg)
	ws.handler = ws
	return ws
}

// Start opens the stream; a new handshake is required.
func (ws *WriteStream) Start() {
	ws.handshakeComplete = false
	ws.persistentStream.Start()
}

// HandshakeComplete reports whether writes may be sent.
func (ws *WriteStream) HandshakeComplete() bool { return ws.handshakeComplete }

// LastStreamToken returns the token to echo on the next request.
func (ws *WriteStream) LastStreamToken() []byte { return ws.lastStreamToken }

// SetLastStreamToken replaces the token, for example with the one persisted
// by a previous session or with nil after a permanent handshake error.
func (ws *WriteStream) SetLastStreamToken(token []byte) { ws.lastStreamToken = token }

func (ws *WriteStream) onOpen() error {
	ws.listener.OnWriteStreamOpen()
	return nil
}

func (ws *WriteStream) onMessage(data []byte) error {
	logging.Debugf(ws.logger, "write recv: %s", data)
	var resp WriteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return status.Errorf(status.DataLoss, "failed to decode write response: %w", err)
	}
	if len(resp.StreamToken) == 0 {
		return status.New(status.DataLoss, "write response has no stream token")
	}
	ws.lastStreamToken = resp.StreamToken

	if !ws.handshakeComplete {
		if len(resp.WriteResults) > 0 {
			return status.New(status.DataLoss, "write handshake response has results")
		}
		ws.handshakeComplete = true
		ws.listener.OnWriteHandshakeComplete()
		return nil
	}

	// A write result proves the stream works.
	ws.backoff.Reset()
	results, err := ws.serializer.DecodeWriteResults(resp.WriteResults, resp.CommitTime)
	if err != nil {
		return err
	}
	commitVersion, err := ws.serializer.DecodeVersion(resp.CommitTime)
	if err != nil {
		return err
	}
	return ws.listener.OnMutationResult(commitVersion, results)
}

func (ws *WriteStream) onClose(err error) { ws.listener.OnWriteStreamClose(err) }

// tearDown sends an empty write so the server releases the stream's
// resources.
func (ws *WriteStream) tearDown() {
	if ws.handshakeComplete {
		ws.WriteMutations(nil)
	}
}

// WriteHandshake sends the first request on a freshly opened stream. It
// carries no writes and re-establishes the stream token.
func (ws *WriteStream) WriteHandshake() {
	if ws.handshakeComplete {
		panic("remote: write handshake already completed")
	}
	ws.send(&WriteRequest{Database: ws.db.Name(), StreamToken: ws.lastStreamToken})
}

// WriteMutations sends one batch. The handshake must be complete.
func (ws *WriteStream) WriteMutations(muts []mutation.Mutation) {
	if !ws.handshakeComplete {
		panic("remote: write sent before handshake completed")
	}
	ws.send(&WriteRequest{
		StreamToken: ws.lastStreamToken,
		Writes:      ws.serializer.EncodeMutations(muts),
	})
}
