package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
)

type stubFetcher struct{}

func (stubFetcher) FetchSignedURL(ctx context.Context, agentID string) (string, error) {
	return "wss://agent.example/convai?agent_id=" + agentID, nil
}

type agentSocket struct {
	mu     sync.Mutex
	events repositories.SocketEvents
	sent   [][]byte
	closed bool
}

func (s *agentSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return nil
}

func (s *agentSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *agentSocket) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *agentSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type agentDialer struct {
	mu      sync.Mutex
	sockets []*agentSocket
}

func (d *agentDialer) Dial(ctx context.Context, url string, events repositories.SocketEvents) (repositories.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &agentSocket{events: events}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *agentDialer) last() *agentSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

type testBridge struct {
	hub    *Hub
	dialer *agentDialer
	url    string
}

func setupTestBridge(t *testing.T, cfg HubConfig) *testBridge {
	t.Helper()
	logger := zap.NewNop()
	if cfg.MicTimeout == 0 {
		cfg.MicTimeout = 2 * time.Second
	}
	dialer := &agentDialer{}
	hub := NewHub(cfg, stubFetcher{}, dialer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(runDone)
	}()

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return HandleWebSocket(hub, c, logger)
	})
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		cancel()
		<-runDone
		server.Close()
	})

	return &testBridge{
		hub:    hub,
		dialer: dialer,
		url:    "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (b *testBridge) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type deviceFrame struct {
	binary  bool
	payload []byte
	fields  map[string]interface{}
}

func readFrame(t *testing.T, conn *websocket.Conn) deviceFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	if messageType == websocket.BinaryMessage {
		return deviceFrame{binary: true, payload: data}
	}
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	return deviceFrame{payload: data, fields: fields}
}

// readUntil reads frames until match returns true and returns that frame.
func readUntil(t *testing.T, conn *websocket.Conn, match func(deviceFrame) bool) deviceFrame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if match(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return deviceFrame{}
}

func isType(msgType MessageType) func(deviceFrame) bool {
	return func(f deviceFrame) bool {
		return !f.binary && f.fields["type"] == string(msgType)
	}
}

func isStatus(status string) func(deviceFrame) bool {
	return func(f deviceFrame) bool {
		if !isType(MessageTypeStatus)(f) {
			return false
		}
		return f.fields["session"].(map[string]interface{})["status"] == status
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// goLive drives a connected device through start and microphone grant.
func goLive(t *testing.T, b *testBridge, conn *websocket.Conn) *agentSocket {
	t.Helper()
	readUntil(t, conn, isStatus("idle"))

	sendJSON(t, conn, map[string]interface{}{"type": "start", "language": "es"})
	req := readUntil(t, conn, isType(MessageTypeMicrophoneRequest))
	requestID := req.fields["request_id"].(string)
	config := req.fields["config"].(map[string]interface{})
	assert.Equal(t, float64(16000), config["sample_rate"])
	assert.Equal(t, float64(4096), config["chunk_size"])

	sendJSON(t, conn, map[string]interface{}{
		"type":        "microphone_granted",
		"request_id":  requestID,
		"sample_rate": 16000,
		"channels":    1,
	})
	readUntil(t, conn, isStatus("live"))

	sock := b.dialer.last()
	require.NotNil(t, sock)
	return sock
}

func TestHub_DeviceSessionLifecycle(t *testing.T) {
	b := setupTestBridge(t, HubConfig{})
	conn := b.connect(t)

	sock := goLive(t, b, conn)
	require.Eventually(t, func() bool { return b.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	frames := sock.frames()
	require.NotEmpty(t, frames)
	assert.Contains(t, string(frames[0]), `"language":"es"`)

	// One and a half chunks of microphone audio produce exactly one agent frame.
	samples := make([]float32, audio.ChunkSize+audio.ChunkSize/2)
	for i := range samples {
		samples[i] = 0.25
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, audio.PackFloat32(samples)))
	require.Eventually(t, func() bool { return len(sock.frames()) == 2 }, 2*time.Second, 10*time.Millisecond)

	var chunk map[string]string
	require.NoError(t, json.Unmarshal(sock.frames()[1], &chunk))
	raw, err := base64.StdEncoding.DecodeString(chunk["user_audio_chunk"])
	require.NoError(t, err)
	assert.Len(t, raw, audio.ChunkSize*2)

	// Agent audio reaches the device as float32 frames.
	pcm := base64.StdEncoding.EncodeToString(audio.EncodePCM16([]float32{1, -1, 0}))
	sock.events.OnMessage([]byte(`{"type":"audio","audio_event":{"audio_base_64":"` + pcm + `"}}`))
	played := readUntil(t, conn, func(f deviceFrame) bool { return f.binary })
	assert.Equal(t, []float32{1, -1, 0}, audio.UnpackFloat32(played.payload))

	sock.events.OnMessage([]byte(`{"type":"interruption","interruption_event":{"event_id":3}}`))
	readUntil(t, conn, isType(MessageTypePlaybackFlush))

	sock.events.OnMessage([]byte(`{"type":"agent_response","agent_response_event":{"agent_response":"Buenos dias"}}`))
	status := readUntil(t, conn, func(f deviceFrame) bool {
		return isType(MessageTypeStatus)(f) && f.fields["session"].(map[string]interface{})["response"] != nil
	})
	assert.Equal(t, "Buenos dias", status.fields["session"].(map[string]interface{})["response"])

	sendJSON(t, conn, map[string]interface{}{"type": "stop"})
	readUntil(t, conn, isStatus("stopped"))
	readUntil(t, conn, isType(MessageTypeMicrophoneRelease))
	require.Eventually(t, sock.isClosed, time.Second, 10*time.Millisecond)
}

func TestHub_MicrophoneDenied(t *testing.T) {
	b := setupTestBridge(t, HubConfig{})
	conn := b.connect(t)
	readUntil(t, conn, isStatus("idle"))

	sendJSON(t, conn, map[string]interface{}{"type": "start"})
	req := readUntil(t, conn, isType(MessageTypeMicrophoneRequest))
	sendJSON(t, conn, map[string]interface{}{
		"type":       "microphone_denied",
		"request_id": req.fields["request_id"],
		"reason":     "NotAllowedError",
	})

	status := readUntil(t, conn, isStatus("error"))
	session := status.fields["session"].(map[string]interface{})
	assert.Equal(t, "microphone_access_denied", session["error_kind"])
	assert.Contains(t, session["error"], "microphone permissions")
	require.Eventually(t, b.dialer.last().isClosed, time.Second, 10*time.Millisecond)
}

func TestHub_DeviceDisconnectClosesSession(t *testing.T) {
	b := setupTestBridge(t, HubConfig{})
	conn := b.connect(t)
	sock := goLive(t, b, conn)

	require.NoError(t, conn.Close())

	require.Eventually(t, sock.isClosed, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_IdleSessionReaper(t *testing.T) {
	b := setupTestBridge(t, HubConfig{})
	conn := b.connect(t)
	goLive(t, b, conn)
	require.Eventually(t, func() bool { return b.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	reaper := NewIdleSessionReaper(b.hub, time.Minute, zap.NewNop())
	assert.Equal(t, 0, reaper.runCleanup())

	reaper.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, reaper.runCleanup())

	readUntil(t, conn, isStatus("stopped"))
	errFrame := readUntil(t, conn, isType(MessageTypeError))
	assert.Equal(t, ErrorCodeIdleTimeout, errFrame.fields["error_code"])

	// Stopped sessions are not reaped twice.
	assert.Equal(t, 0, reaper.runCleanup())
}

func TestHub_CheckOrigin(t *testing.T) {
	b := setupTestBridge(t, HubConfig{AllowedOrigins: []string{"https://dash.example.com"}})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(b.url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	header.Set("Origin", "https://dash.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(b.url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestClientMessageProcessing(t *testing.T) {
	hub := NewHub(HubConfig{}, stubFetcher{}, &agentDialer{}, zap.NewNop())
	client := hub.newClient(nil, zap.NewNop())
	defer client.session.Close()

	next := func() map[string]interface{} {
		t.Helper()
		select {
		case data := <-client.send:
			var msg map[string]interface{}
			require.NoError(t, json.Unmarshal(data.Payload, &msg))
			return msg
		case <-time.After(time.Second):
			t.Fatal("no message sent")
			return nil
		}
	}

	// Initial status on connect.
	assert.Equal(t, "status", next()["type"])

	client.processMessage([]byte(`{"type": "ping", "data": "test-ping"}`))
	pong := next()
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "test-ping", pong["data"])

	client.processMessage([]byte(`{invalid json}`))
	assert.Equal(t, ErrorCodeInvalidMessage, next()["error_code"])

	client.processMessage([]byte(`{"type": "mute", "muted": true}`))
	assert.Equal(t, ErrorCodeNotLive, next()["error_code"])

	// Answers for unknown requests are ignored.
	client.processMessage([]byte(`{"type": "microphone_granted", "request_id": "nope"}`))
	select {
	case data := <-client.send:
		t.Errorf("unexpected message: %s", data.Payload)
	default:
	}
}

func TestClient_EnqueueAfterClose(t *testing.T) {
	hub := NewHub(HubConfig{}, stubFetcher{}, &agentDialer{}, zap.NewNop())
	client := hub.newClient(nil, zap.NewNop())
	defer client.session.Close()

	client.closeSend()
	client.closeSend()
	assert.False(t, client.sendBinary([]byte{1, 2, 3, 4}))
}
