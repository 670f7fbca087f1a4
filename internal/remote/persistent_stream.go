package remote

import (
	"context"
	"log"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/asyncqueue"
	"github.com/steveyegge/docsync/internal/auth"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

// StreamState is the lifecycle state of a persistent stream.
type StreamState int

const (
	// StateInitial is a stream that was never started or was stopped
	// cleanly. Start opens it immediately.
	StateInitial StreamState = iota
	// StateStarting is fetching tokens and opening the transport.
	StateStarting
	// StateOpen has a transport that has not yet proven healthy.
	StateOpen
	// StateHealthy has been open for the health check delay.
	StateHealthy
	// StateError closed with an error. Start backs off before reopening.
	StateError
	// StateBackoff is waiting to reopen.
	StateBackoff
)

func (s StreamState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateOpen:
		return "open"
	case StateHealthy:
		return "healthy"
	case StateError:
		return "error"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

// StreamConfig tunes persistent streams.
type StreamConfig struct {
	Backoff asyncqueue.BackoffConfig
	// IdleTimeout closes a stream marked idle that saw no traffic.
	IdleTimeout time.Duration
	// HealthCheckDelay is how long a stream must stay open to be healthy.
	HealthCheckDelay time.Duration
	// ConnectTimeout bounds token fetches and the transport handshake.
	ConnectTimeout time.Duration
	// SendTimeout bounds a single message write.
	SendTimeout time.Duration
	Logger      *log.Logger
}

// DefaultStreamConfig returns the standard timings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Backoff:          asyncqueue.DefaultBackoffConfig(),
		IdleTimeout:      60 * time.Second,
		HealthCheckDelay: 10 * time.Second,
		ConnectTimeout:   30 * time.Second,
		SendTimeout:      10 * time.Second,
	}
}

// streamHandler is implemented by the concrete streams.
type streamHandler interface {
	onOpen() error
	onMessage(data []byte) error
	onClose(err error)
	// tearDown runs before a clean close while the transport is still up.
	tearDown()
}

// persistentStream is the state machine shared by the watch and write
// streams. All methods must be called from the async queue. The transport
// is opened and read on separate goroutines whose results are posted back
// to the queue; results from an incarnation that was since closed are
// dropped.
type persistentStream struct {
	name        string
	path        string
	queue       *asyncqueue.Queue
	conn        Connection
	db          model.DatabaseID
	credentials auth.TokenProvider
	appCheck    auth.TokenProvider
	cfg         StreamConfig
	logger      *log.Logger
	handler     streamHandler

	idleTimerID   asyncqueue.TimerID
	healthTimerID asyncqueue.TimerID
	backoff       *asyncqueue.ExponentialBackoff

	state StreamState
	// closeCount identifies the current incarnation.
	closeCount  int
	transport   Stream
	cancelRead  context.CancelFunc
	idleTimer   *asyncqueue.DelayedOperation
	healthTimer *asyncqueue.DelayedOperation
}

func newPersistentStream(name, path string, queue *asyncqueue.Queue, conn Connection, db model.DatabaseID,
	credentials, appCheck auth.TokenProvider, backoffTimer, idleTimer asyncqueue.TimerID, cfg StreamConfig) *persistentStream {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "["+name+"] ", log.LstdFlags)
	}
	def := DefaultStreamConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthCheckDelay <= 0 {
		cfg.HealthCheckDelay = def.HealthCheckDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if credentials == nil {
		credentials = auth.EmptyCredentialsProvider{}
	}
	if appCheck == nil {
		appCheck = auth.EmptyCredentialsProvider{}
	}
	return &persistentStream{
		name:          name,
		path:          path,
		queue:         queue,
		conn:          conn,
		db:            db,
		credentials:   credentials,
		appCheck:      appCheck,
		cfg:           cfg,
		logger:        cfg.Logger,
		idleTimerID:   idleTimer,
		healthTimerID: asyncqueue.TimerHealthCheckTimeout,
		backoff:       asyncqueue.NewExponentialBackoff(queue, backoffTimer, cfg.Backoff),
	}
}

// State returns the current state.
func (s *persistentStream) State() StreamState { return s.state }

// IsStarted reports whether Start was called and the stream has not closed
// since, including while it backs off.
func (s *persistentStream) IsStarted() bool {
	return s.state == StateStarting || s.state == StateBackoff || s.IsOpen()
}

// IsOpen reports whether the transport is up.
func (s *persistentStream) IsOpen() bool {
	return s.state == StateOpen || s.state == StateHealthy
}

// Start opens the stream. After an error it first waits for the backoff.
func (s *persistentStream) Start() {
	if s.state == StateError {
		s.performBackoff()
		return
	}
	if s.state != StateInitial {
		panic("remote: " + s.name + " stream started in state " + s.state.String())
	}
	s.open()
}

// Stop closes the stream cleanly. It may be restarted without backoff.
func (s *persistentStream) Stop() {
	if s.IsStarted() {
		s.close(StateInitial, nil)
	}
}

// InhibitBackoff makes the next Start skip the backoff after an error.
func (s *persistentStream) InhibitBackoff() {
	if s.IsStarted() {
		panic("remote: can only inhibit backoff of a stopped stream")
	}
	s.state = StateInitial
	s.backoff.Reset()
}

// MarkIdle schedules the stream to close if nothing is sent before the idle
// timeout.
func (s *persistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.idleTimerID, s.cfg.IdleTimeout, func() {
			s.idleTimer = nil
			if s.IsOpen() {
				logging.Debugf(s.logger, "Closing idle %s stream", s.name)
				s.close(StateInitial, nil)
			}
		})
	}
}

func (s *persistentStream) cancelIdleCheck() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}

func (s *persistentStream) cancelHealthCheck() {
	if s.healthTimer != nil {
		s.healthTimer.Cancel()
		s.healthTimer = nil
	}
}

// open fetches both tokens in parallel and then dials the transport, off
// the queue.
func (s *persistentStream) open() {
	s.state = StateStarting
	gen := s.closeCount
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		headers, err := requestHeaders(ctx, s.db, s.credentials, s.appCheck)
		var transport Stream
		if err == nil {
			transport, err = s.conn.OpenStream(ctx, s.path, headers)
		}
		s.queue.Enqueue(func() {
			if gen != s.closeCount {
				// Closed while connecting.
				if transport != nil {
					go transport.Close()
				}
				return
			}
			if err != nil {
				s.handleStreamClose(err)
				return
			}
			s.onTransportOpen(transport)
		})
	}()
}

func (s *persistentStream) onTransportOpen(transport Stream) {
	s.transport = transport
	s.state = StateOpen
	s.backoff.Reset()
	s.healthTimer = s.queue.EnqueueAfterDelay(s.healthTimerID, s.cfg.HealthCheckDelay, func() {
		s.healthTimer = nil
		if s.IsOpen() {
			s.state = StateHealthy
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRead = cancel
	go s.readLoop(ctx, transport, s.closeCount)

	if err := s.handler.onOpen(); err != nil {
		s.close(StateError, err)
	}
}

func (s *persistentStream) readLoop(ctx context.Context, transport Stream, gen int) {
	for {
		data, err := transport.Recv(ctx)
		if err != nil {
			s.queue.Enqueue(func() {
				if gen == s.closeCount {
					s.handleStreamClose(err)
				}
			})
			return
		}
		s.queue.Enqueue(func() {
			if gen != s.closeCount {
				return
			}
			if err := s.handler.onMessage(data); err != nil {
				s.close(StateError, err)
			}
		})
	}
}

func (s *persistentStream) handleStreamClose(err error) {
	logging.Debugf(s.logger, "%s stream closed: %v", s.name, err)
	s.close(StateError, err)
}

// close tears the stream down and moves it to finalState. A nil err means a
// clean close.
func (s *persistentStream) close(finalState StreamState, err error) {
	s.cancelIdleCheck()
	s.cancelHealthCheck()
	s.backoff.Cancel()
	s.closeCount++

	code := status.CodeOf(err)
	switch {
	case finalState != StateError:
		s.backoff.Reset()
	case code == status.ResourceExhausted:
		s.logger.Printf("Warning: %s stream exhausted backend resources, backing off to the maximum delay: %v", s.name, err)
		s.backoff.ResetToMax()
	case code == status.Unauthenticated && s.state != StateHealthy:
		// The token was probably revoked or expired.
		s.credentials.InvalidateToken()
		s.appCheck.InvalidateToken()
	}

	if finalState != StateError {
		s.handler.tearDown()
	}
	if s.transport != nil {
		transport := s.transport
		s.transport = nil
		s.cancelRead()
		s.cancelRead = nil
		go transport.Close()
	}
	s.state = finalState
	s.handler.onClose(err)
}

func (s *persistentStream) performBackoff() {
	s.state = StateBackoff
	s.backoff.BackoffAndRun(func() {
		s.state = StateInitial
		s.Start()
	})
}

// send encodes msg and writes it to the open transport. Write failures
// surface through the read loop, which sees the broken connection.
func (s *persistentStream) send(msg any) {
	if !s.IsOpen() {
		panic("remote: " + s.name + " stream is not open")
	}
	s.cancelIdleCheck()
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Warning: failed to encode %s request: %v", s.name, err)
		return
	}
	logging.Debugf(s.logger, "%s send: %s", s.name, data)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, data); err != nil {
		logging.Debugf(s.logger, "%s send failed: %v", s.name, err)
	}
}
