package remote

import (
	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/persistence"
	"github.com/steveyegge/docsync/internal/status"
)

// WatchStreamListener receives watch stream events on the async queue.
type WatchStreamListener interface {
	OnWatchStreamOpen()
	// OnWatchStreamChange delivers one change. snapshotVersion is non-zero
	// only when every target is consistent at that version.
	OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion)
	// OnWatchStreamClose reports a close; err is nil for a clean close.
	OnWatchStreamClose(err error)
}

// WatchStream is the listen stream: targets are added and removed over it
// and the server pushes document and target changes.
type WatchStream struct {
	*persistentStream
	serializer *Serializer
	listener   WatchStreamListener
}

// NewWatchStream returns a stopped watch stream.
func NewWatchStream(queue *asyncqueue.Queue, conn Connection, serializer *Serializer,
	credentials, appCheck auth.TokenProvider, cfg StreamConfig, listener WatchStreamListener) *WatchStream {
	ws := &WatchStream{serializer: serializer, listener: listener}
	ws.persistentStream = newPersistentStream("watch", ListenPath, queue, conn, serializer.DatabaseID(),
		credentials, appCheck, asyncqueue.TimerListenStreamConnectionBackoff, asyncqueue.TimerListenStreamIdle, cfg)
	ws.handler = ws
	return ws
}

func (ws *WatchStream) onOpen() error {
	ws.listener.OnWatchStreamOpen()
	return nil
}

func (ws *WatchStream) onMessage(data []byte) error {
	logging.Debugf(ws.logger, "watch recv: %s", data)
	var resp ListenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return status.Errorf(status.DataLoss, "failed to decode listen response: %w", err)
	}
	// Any message proves the stream works.
	ws.backoff.Reset()
	change, err := ws.serializer.DecodeWatchChange(&resp)
	if err != nil {
		return err
	}
	version, err := ws.serializer.SnapshotVersionOf(&resp)
	if err != nil {
		return err
	}
	ws.listener.OnWatchStreamChange(change, version)
	return nil
}

func (ws *WatchStream) onClose(err error) { ws.listener.OnWatchStreamClose(err) }

func (ws *WatchStream) tearDown() {}

// Watch adds a target. The stream must be open.
func (ws *WatchStream) Watch(td *persistence.TargetData) {
	ws.send(&ListenRequest{
		Database:  ws.db.Name(),
		AddTarget: ws.serializer.EncodeTarget(td),
		Labels:    ws.serializer.EncodeListenLabels(td),
	})
}

// Unwatch removes a target. The stream must be open.
func (ws *WatchStream) Unwatch(targetID model.TargetID) {
	ws.send(&ListenRequest{
		Database:     ws.db.Name(),
		RemoveTarget: int32(targetID),
	})
}
