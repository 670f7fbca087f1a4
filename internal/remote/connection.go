package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/steveyegge/docsync/internal/status"
)

// Stream is a bidirectional message stream to the backend.
type Stream interface {
	// Send writes one message.
	Send(ctx context.Context, data []byte) error
	// Recv blocks for the next message. Errors carry a status code.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Connection opens streams and performs unary RPCs against the backend.
type Connection interface {
	OpenStream(ctx context.Context, path string, headers http.Header) (Stream, error)
	Invoke(ctx context.Context, rpc string, req, resp any, headers http.Header) error
	Close() error
}

// ConnectionConfig configures a WebsocketConnection.
type ConnectionConfig struct {
	// Host is the backend's host:port.
	Host string
	// SSL selects wss and https.
	SSL bool
	// MaxMessageSize bounds incoming stream messages.
	MaxMessageSize int64
	HTTPClient     *http.Client
	Logger         *log.Logger
}

// DefaultConnectionConfig returns the configuration for a local backend.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Host:           "localhost:8080",
		MaxMessageSize: 32 << 20,
	}
}

// WebsocketConnection carries streams over websockets and unary RPCs as
// JSON over HTTP.
type WebsocketConnection struct {
	cfg    ConnectionConfig
	client *http.Client
	logger *log.Logger
}

// NewWebsocketConnection returns a connection to cfg.Host.
func NewWebsocketConnection(cfg ConnectionConfig) *WebsocketConnection {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[conn] ", log.LstdFlags)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConnectionConfig().MaxMessageSize
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &WebsocketConnection{cfg: cfg, client: client, logger: cfg.Logger}
}

func (c *WebsocketConnection) url(scheme, path string) string {
	if c.cfg.SSL {
		scheme += "s"
	}
	return scheme + "://" + c.cfg.Host + path
}

// OpenStream dials a websocket at path.
func (c *WebsocketConnection) OpenStream(ctx context.Context, path string, headers http.Header) (Stream, error) {
	conn, resp, err := websocket.Dial(ctx, c.url("ws", path), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil {
			return nil, httpStatusError(resp.StatusCode, fmt.Sprintf("failed to open stream %s: %v", path, err))
		}
		return nil, status.Errorf(status.Unavailable, "failed to open stream %s: %w", path, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	return &websocketStream{conn: conn}, nil
}

// Invoke posts req as JSON to the RPC's path and decodes the reply into
// resp. Failures are decoded from an ErrorResponse body.
func (c *WebsocketConnection) Invoke(ctx context.Context, rpc string, req, resp any, headers http.Header) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", rpc, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("http", RPCPath(rpc)), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", rpc, err)
	}
	for k, v := range headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return status.Wrap(status.CodeOf(ctx.Err()), err)
		}
		return status.Errorf(status.Unavailable, "%s failed: %w", rpc, err)
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return status.Errorf(status.Unavailable, "failed to read %s response: %w", rpc, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error.Code != 0 {
			return status.New(status.Code(er.Error.Code), er.Error.Message)
		}
		return httpStatusError(httpResp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return status.Errorf(status.DataLoss, "failed to decode %s response: %w", rpc, err)
	}
	return nil
}

// Close releases idle HTTP connections.
func (c *WebsocketConnection) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func httpStatusError(code int, msg string) error {
	switch code {
	case http.StatusUnauthorized:
		return status.New(status.Unauthenticated, msg)
	case http.StatusForbidden:
		return status.New(status.PermissionDenied, msg)
	case http.StatusNotFound:
		return status.New(status.NotFound, msg)
	case http.StatusTooManyRequests:
		return status.New(status.ResourceExhausted, msg)
	case http.StatusBadRequest:
		return status.New(status.InvalidArgument, msg)
	}
	return status.New(status.Unavailable, msg)
}

type websocketStream struct {
	conn *websocket.Conn
}

func (s *websocketStream) Send(ctx context.Context, data []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return StreamCloseError(err)
	}
	return nil
}

func (s *websocketStream) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, StreamCloseError(err)
	}
	return data, nil
}

func (s *websocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// closeCodeBase offsets status codes into the application range of
// websocket close codes.
const closeCodeBase = 4000

// CloseStatusFor returns the websocket close code that carries err's status
// code.
func CloseStatusFor(err error) websocket.StatusCode {
	return websocket.StatusCode(closeCodeBase + int(status.CodeOf(err)))
}

// StreamCloseError converts a websocket read or write failure into a status
// error. Servers report stream errors by closing with CloseStatusFor.
func StreamCloseError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code >= closeCodeBase && ce.Code < closeCodeBase+100 {
			return status.New(status.Code(int(ce.Code)-closeCodeBase), ce.Reason)
		}
		return status.Errorf(status.Unavailable, "stream closed by server (%d %s)", int(ce.Code), ce.Reason)
	}
	var se *status.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.Canceled) {
		return status.Wrap(status.Cancelled, err)
	}
	return status.Wrap(status.Unavailable, err)
}
