// Package transport dials the agent's realtime websocket with gorilla/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain/repositories"
)

const (
	// Time allowed to write a message to the agent.
	writeWait = 10 * time.Second

	// Maximum inbound message size. Agent audio frames are base64 PCM.
	maxMessageSize = 4 << 20

	defaultHandshakeTimeout = 10 * time.Second
)

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("transport: socket closed")

// Config holds dialer settings
type Config struct {
	// Origin is sent as the Origin header. The agent checks it against its allowlist.
	Origin           string
	HandshakeTimeout time.Duration
}

// Dialer opens agent sockets
type Dialer struct {
	origin string
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ repositories.SocketDialer = (*Dialer)(nil)

// NewDialer creates a Dialer
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Dialer{
		origin: cfg.Origin,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		logger: logger,
	}
}

// Dial connects to url and starts delivering events. It returns once the
// socket is open.
func (d *Dialer) Dial(ctx context.Context, url string, events repositories.SocketEvents) (repositories.Socket, error) {
	header := http.Header{}
	if d.origin != "" {
		header.Set("Origin", d.origin)
	}

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial agent websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	s := &Socket{
		conn:   conn,
		events: events,
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go s.readPump()
	return s, nil
}

// Socket is one open agent connection
type Socket struct {
	conn   *websocket.Conn
	events repositories.SocketEvents
	logger *zap.Logger

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ repositories.Socket = (*Socket)(nil)

// Send writes one text frame
func (s *Socket) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a normal close frame and closes the connection. Safe to call
// more than once.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
		s.writeMu.Unlock()
	})
	return err
}

// Done is closed once the read pump has delivered OnClose
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) isClosed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}

// readPump delivers inbound frames, then exactly one OnClose. A connection
// lost without a close frame reports OnError first, then 1006.
func (s *Socket) readPump() {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.deliverClose(err)
			return
		}
		s.events.OnMessage(data)
	}
}

func (s *Socket) deliverClose(err error) {
	var closeErr *websocket.CloseError
	switch {
	case s.isClosed():
		s.events.OnClose(websocket.CloseNormalClosure, "")
	case errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure:
		s.logger.Debug("Agent socket closed by peer",
			zap.Int("code", closeErr.Code),
			zap.String("reason", closeErr.Text))
		s.events.OnClose(closeErr.Code, closeErr.Text)
	default:
		s.logger.Warn("Agent socket read failed", zap.Error(err))
		s.events.OnError(err)
		s.events.OnClose(websocket.CloseAbnormalClosure, "")
	}
	_ = s.conn.Close()
}
