package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
	"github.com/satriahrh/voicebridge/internal/metrics"
	"github.com/satriahrh/voicebridge/internal/voice"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	sendBufferSize = 256
)

// HubConfig configures device connections
type HubConfig struct {
	// Session is applied to every device's voice session.
	Session voice.Config
	// MicTimeout bounds how long a device may take to answer a microphone request.
	MicTimeout time.Duration
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*" allows all.
	AllowedOrigins []string
}

// Hub maintains the set of connected devices. Each device owns one voice session.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	cfg       HubConfig
	fetcher   repositories.SignedURLFetcher
	dialer    repositories.SocketDialer
	upgrader  websocket.Upgrader
	validator *MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(
	cfg HubConfig,
	fetcher repositories.SignedURLFetcher,
	dialer repositories.SocketDialer,
	logger *zap.Logger,
) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		cfg:        cfg,
		fetcher:    fetcher,
		dialer:     dialer,
		validator:  NewMessageValidator(),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	h.logger.Warn("Rejected device origin", zap.String("origin", origin))
	return false
}

// Run starts the hub's main loop. When ctx is done every device connection
// is closed, which in turn closes its voice session.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			metrics.ConnectedDevices.Inc()
			h.logger.Info("Client registered", zap.String("clientID", client.id))

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			for _, client := range h.Clients() {
				h.remove(client)
				client.conn.Close()
			}
			return nil
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.id]
	delete(h.clients, client.id)
	h.mu.Unlock()
	if ok {
		metrics.ConnectedDevices.Dec()
		h.logger.Info("Client unregistered", zap.String("clientID", client.id))
	}
}

// Clients returns the connected clients
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and its voice session.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Client ID, also used in logs
	id string

	logger *zap.Logger

	// Buffered channel of outbound messages. Guarded by sendMu once closed.
	send    chan WriteData
	sendMu  sync.Mutex
	closed  bool
	dropped int

	session     *voice.Session
	capture     *DeviceCapture
	output      *DeviceOutput
	unsubscribe func()

	// starts tracks in-flight Start calls
	starts sync.WaitGroup
}

// HandleWebSocket handles websocket requests from the device.
func HandleWebSocket(hub *Hub, c echo.Context, logger *zap.Logger) error {
	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := hub.newClient(conn, logger)

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

func (h *Hub) newClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.NewString()
	c := &Client{
		hub:    h,
		conn:   conn,
		id:     id,
		logger: logger.With(zap.String("clientID", id)),
		send:   make(chan WriteData, sendBufferSize),
	}
	c.capture = NewDeviceCapture(c, h.cfg.MicTimeout, c.logger)
	c.output = NewDeviceOutput(c)
	c.session = voice.NewSession(h.cfg.Session, voice.Dependencies{
		Fetcher: h.fetcher,
		Dialer:  h.dialer,
		Capture: c.capture,
		Output:  c.output,
	}, c.logger)
	c.unsubscribe = c.session.Subscribe(func(snap entities.Snapshot) {
		c.sendJSON(CreateStatusMessage(snap))
	})
	c.sendJSON(CreateStatusMessage(c.session.Snapshot()))
	return c
}

// ID returns the client identifier
func (c *Client) ID() string {
	return c.id
}

// Session returns the device's voice session
func (c *Client) Session() *voice.Session {
	return c.session
}

// readPump pumps messages from the websocket connection to the session.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.capture.deliver(audio.UnpackFloat32(message))
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the send buffer to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown is the unmount path: the session is closed and waited for before
// the send buffer is released.
func (c *Client) shutdown() {
	c.capture.disconnect()
	c.session.Close()
	c.starts.Wait()
	c.unsubscribe()
	c.closeSend()
	c.logger.Info("Device session closed")
}

// processMessage processes control messages from the device
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid control message", zap.Error(err))
		c.sendJSON(CreateErrorMessage(ErrorCodeInvalidMessage, "invalid control message", err.Error()))
		return
	}

	switch m := msg.(type) {
	case *StartMessage:
		c.starts.Add(1)
		go func() {
			defer c.starts.Done()
			c.startSession(m.StartOptions)
		}()

	case *StopMessage:
		c.session.Stop()

	case *MuteMessage:
		if err := c.session.SetMuted(m.Muted); err != nil {
			c.sendJSON(CreateErrorMessage(ErrorCodeNotLive, "mute is only available while live", err.Error()))
		}

	case *MicrophoneResponseMessage:
		var answer error
		if m.Type == MessageTypeMicrophoneDenied {
			answer = fmt.Errorf("%w: %s", ErrMicrophoneDenied, m.Reason)
		}
		if !c.capture.resolve(m.RequestID, answer) {
			c.logger.Debug("Ignoring stale microphone answer", zap.String("requestID", m.RequestID))
		}

	case *PingMessage:
		c.sendJSON(CreatePongMessage(m.Data))
	}
}

func (c *Client) startSession(opts entities.StartOptions) {
	err := c.session.Start(context.Background(), opts)
	switch {
	case err == nil:
	case errors.Is(err, voice.ErrStartAborted), errors.Is(err, voice.ErrSessionClosed):
		c.logger.Debug("Voice session start superseded", zap.Error(err))
	default:
		// The error is already reflected in the status frame.
		c.logger.Info("Voice session failed to start", zap.Error(err))
	}
}

func (c *Client) sendJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal control message", zap.Error(err))
		return false
	}
	return c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

func (c *Client) sendBinary(payload []byte) bool {
	return c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: payload})
}

// enqueue never blocks: a device that cannot keep up loses frames.
func (c *Client) enqueue(data WriteData) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.dropped++
		metrics.FramesDroppedTotal.WithLabelValues("device_backpressure").Inc()
		if c.dropped%100 == 1 {
			c.logger.Warn("Device send buffer full, dropping frames", zap.Int("dropped", c.dropped))
		}
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
