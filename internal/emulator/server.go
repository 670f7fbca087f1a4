package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/mutation"
	"github.com/steveyegge/docsync/internal/remote"
	"github.com/steveyegge/docsync/internal/status"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on. Zero picks a free port.
	Port int

	// Database is the only database the server accepts requests for.
	Database model.DatabaseID

	// AuthSecret, when set, requires every request to carry an HS256 bearer
	// token signed with it.
	AuthSecret []byte

	// Logger for server activity (default: "[emulator]" logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:     8080,
		Database: model.NewDatabaseID("demo", "(default)"),
	}
}

// Server serves the listen and write streams and the unary RPCs over one
// in-memory Store.
type Server struct {
	cfg        *Config
	addr       string
	listener   net.Listener
	server     *http.Server
	store      *Store
	serializer *remote.Serializer

	// Stream management
	streams   map[*websocket.Conn]bool
	listens   map[*listenStream]bool
	streamsMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server with an empty store.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logging.New("emulator")
	}
	if config.Database.ProjectID == "" {
		config.Database = DefaultConfig().Database
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:        config,
		addr:       fmt.Sprintf(":%d", config.Port),
		store:      NewStore(),
		serializer: remote.NewSerializer(config.Database),
		streams:    make(map[*websocket.Conn]bool),
		listens:    make(map[*listenStream]bool),
		ctx:        ctx,
		cancel:     cancel,
		logger:     config.Logger,
	}
}

// Store returns the server's document store.
func (s *Server) Store() *Store { return s.store }

// Serializer returns the serializer for the served database.
func (s *Server) Serializer() *remote.Serializer { return s.serializer }

// Handler returns the HTTP routes, for mounting the server in tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(remote.ListenPath, s.handleListen).Methods(http.MethodGet)
	r.HandleFunc(remote.WritePath, s.handleWrite).Methods(http.MethodGet)
	r.HandleFunc(remote.RPCPath("{rpc}"), s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Emulator listening on %s for %s", ln.Addr(), s.cfg.Database.Name())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every stream and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping emulator")

	s.cancel()
	s.DropStreams(status.New(status.Unavailable, "server shutting down"))

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Emulator stopped")
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// StreamCount returns the number of open listen and write streams.
func (s *Server) StreamCount() int {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	return len(s.streams)
}

// FailNextWrite makes the next commit, over the write stream or the commit
// RPC, fail with err.
func (s *Server) FailNextWrite(err error) { s.store.FailNextCommit(err) }

// InjectExistenceFilter sends an existence filter claiming count matches
// for every active target, followed by a global snapshot. Clients whose
// count differs must reset and re-listen.
func (s *Server) InjectExistenceFilter(count int) {
	s.streamsMu.RLock()
	listens := make([]*listenStream, 0, len(s.listens))
	for ls := range s.listens {
		listens = append(listens, ls)
	}
	s.streamsMu.RUnlock()
	for _, ls := range listens {
		ls.injectFilter(int32(count))
	}
}

// DropStreams closes every open stream with err's status, forcing clients
// to reconnect.
func (s *Server) DropStreams(err error) {
	s.streamsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.streams))
	for conn := range s.streams {
		conns = append(conns, conn)
		delete(s.streams, conn)
	}
	s.streamsMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(remote.CloseStatusFor(err), closeReason(err))
	}
}

// closeReason fits err's message into a close frame. The code travels in
// the close status, so only the message goes here.
func closeReason(err error) string {
	msg := status.FromError(err).Message
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}

func (s *Server) addStream(conn *websocket.Conn) {
	s.streamsMu.Lock()
	s.streams[conn] = true
	n := len(s.streams)
	s.streamsMu.Unlock()
	logging.Debugf(s.logger, "Stream opened (total: %d)", n)
}

// removeStream closes conn with err's status unless it was already removed.
func (s *Server) removeStream(conn *websocket.Conn, err error) {
	s.streamsMu.Lock()
	_, exists := s.streams[conn]
	delete(s.streams, conn)
	n := len(s.streams)
	s.streamsMu.Unlock()
	if !exists {
		return
	}
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	} else {
		_ = conn.Close(remote.CloseStatusFor(err), closeReason(err))
	}
	logging.Debugf(s.logger, "Stream closed (total: %d)", n)
}

// authorize checks the database header and, when configured, the bearer
// token.
func (s *Server) authorize(r *http.Request) error {
	if db := r.Header.Get(remote.HeaderDatabase); db != "" && db != s.cfg.Database.Name() {
		return status.Errorf(status.NotFound, "database %s does not exist", db)
	}
	if len(s.cfg.AuthSecret) == 0 {
		return nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get(remote.HeaderAuthorization), "Bearer ")
	if !ok || raw == "" {
		return status.New(status.Unauthenticated, "missing bearer token")
	}
	_, err := gojwt.Parse(raw, func(*gojwt.Token) (any, error) { return s.cfg.AuthSecret, nil },
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return status.Errorf(status.Unauthenticated, "invalid token: %v", err)
	}
	return nil
}

func httpCode(code status.Code) int {
	switch code {
	case status.InvalidArgument, status.FailedPrecondition:
		return http.StatusBadRequest
	case status.Unauthenticated:
		return http.StatusUnauthorized
	case status.PermissionDenied:
		return http.StatusForbidden
	case status.NotFound:
		return http.StatusNotFound
	case status.Aborted, status.AlreadyExists:
		return http.StatusConflict
	case status.ResourceExhausted:
		return http.StatusTooManyRequests
	case status.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	frame := remote.EncodeStatus(err)
	if frame == nil {
		frame = &remote.StatusFrame{Code: int(status.Unknown), Message: err.Error()}
	}
	writeJSON(w, httpCode(status.Code(frame.Code)), remote.ErrorResponse{Error: *frame})
}

// handleRPC serves commit and batchGet.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, status.Wrap(status.Unavailable, err))
		return
	}
	switch rpc := mux.Vars(r)["rpc"]; rpc {
	case remote.RPCCommit:
		var req remote.CommitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, status.Errorf(status.InvalidArgument, "malformed commit request: %v", err))
			return
		}
		resp, err := s.commit(req.Writes)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, remote.CommitResponse{WriteResults: resp.WriteResults, CommitTime: resp.CommitTime})
	case remote.RPCBatchGet:
		var req remote.BatchGetRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, status.Errorf(status.InvalidArgument, "malformed batchGet request: %v", err))
			return
		}
		resp, err := s.batchGet(req.Documents)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, status.Errorf(status.Unimplemented, "unknown rpc %q", rpc))
	}
}

// commit decodes and applies writes.
func (s *Server) commit(writes []mutation.Write) (*remote.WriteResponse, error) {
	muts := make([]mutation.Mutation, len(writes))
	for i, w := range writes {
		m, err := s.serializer.DecodeMutation(w)
		if err != nil {
			return nil, status.Wrap(status.InvalidArgument, err)
		}
		muts[i] = m
	}
	results, commitVersion, err := s.store.Commit(muts)
	if err != nil {
		return nil, err
	}
	resp := &remote.WriteResponse{
		WriteResults: make([]remote.WriteResultFrame, len(results)),
		CommitTime:   s.serializer.EncodeVersion(commitVersion),
	}
	for i, res := range results {
		resp.WriteResults[i] = remote.WriteResultFrame{
			UpdateTime:       s.serializer.EncodeVersion(res.Version),
			TransformResults: res.TransformResults,
		}
	}
	return resp, nil
}

func (s *Server) batchGet(names []string) (*remote.BatchGetResponse, error) {
	keys := make([]model.DocumentKey, len(names))
	for i, name := range names {
		key, err := s.serializer.DecodeName(name)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	found, version := s.store.Lookup(keys)
	byKey := make(map[model.DocumentKey]*model.MutableDocument, len(found))
	for _, doc := range found {
		byKey[doc.Key] = doc
	}
	readTime := s.serializer.EncodeVersion(version)
	if readTime == "" {
		// Nothing was ever committed; report missing documents as of now.
		readTime = model.Now().RFC3339()
	}
	resp := &remote.BatchGetResponse{Results: make([]remote.BatchGetResult, len(keys))}
	for i, key := range keys {
		res := remote.BatchGetResult{ReadTime: readTime}
		if doc, ok := byKey[key]; ok {
			frame := s.serializer.EncodeDocument(doc)
			res.Found = &frame
		} else {
			res.Missing = names[i]
		}
		resp.Results[i] = res
	}
	return resp, nil
}

// accept upgrades a stream request after checking credentials.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if err := s.authorize(r); err != nil {
		writeError(w, err)
		return nil, false
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return nil, false
	}
	s.addStream(conn)
	return conn, true
}

// readFrame reads and decodes one client frame.
func (s *Server) readFrame(conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(s.ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(status.InvalidArgument, "malformed frame: %v", err)
	}
	return nil
}

// sendFrame encodes and writes one server frame.
func (s *Server) sendFrame(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// streamError is the status a stream closes with after err, or nil when
// the client went away.
func streamError(err error) error {
	var se *status.Error
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// handleHealth reports server health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  s.cfg.Database.Name(),
		"streams":   s.StreamCount(),
		"documents": s.store.Count(),
		"version":   s.serializer.EncodeVersion(s.store.Version()),
	})
}
