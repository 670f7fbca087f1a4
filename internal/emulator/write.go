package emulator

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// handleWrite serves one write stream. The first request is the handshake;
// every later request with writes is committed atomically and answered
// with a fresh stream token.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.accept(w, r)
	if !ok {
		return
	}
	streamID := ulid.Make().String()
	err := s.serveWrites(conn, streamID)
	s.removeStream(conn, streamError(err))
}

func (s *Server) serveWrites(conn *websocket.Conn, streamID string) error {
	var handshake remote.WriteRequest
	if err := s.readFrame(conn, &handshake); err != nil {
		return err
	}
	if len(handshake.Writes) > 0 {
		return status.New(status.InvalidArgument, "first write request must be a handshake")
	}
	logging.Debugf(s.logger, "Write stream %s opened (resuming: %t)", streamID, len(handshake.StreamToken) > 0)
	if err := s.sendFrame(conn, &remote.WriteResponse{StreamID: streamID, StreamToken: newStreamToken()}); err != nil {
		return err
	}

	for {
		var req remote.WriteRequest
		if err := s.readFrame(conn, &req); err != nil {
			return err
		}
		if len(req.Writes) == 0 {
			// The client is tearing the stream down.
			continue
		}
		resp, err := s.commit(req.Writes)
		if err != nil {
			logging.Debugf(s.logger, "Write stream %s rejected %d writes: %v", streamID, len(req.Writes), err)
			return err
		}
		resp.StreamID = streamID
		resp.StreamToken = newStreamToken()
		if err := s.sendFrame(conn, resp); err != nil {
			return err
		}
	}
}

func newStreamToken() []byte {
	id := ulid.Make()
	return id[:]
}
