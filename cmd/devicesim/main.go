// Command devicesim plays the role of a browser against the bridge server: it
// starts a session over /ws, answers the microphone request, streams a raw
// sample file as microphone audio and records the agent audio it receives.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/adapters/audiofile"
	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
	bridge "github.com/satriahrh/voicebridge/internal/websocket"
	"github.com/satriahrh/voicebridge/pkg/logger"
)

type simulator struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	capture *audiofile.Capture
	sink    *audiofile.Sink
	deny    bool
	frame   int

	mu     sync.Mutex
	stream repositories.CaptureStream

	inputDone chan struct{}
	ended     chan entities.Snapshot
	logger    *zap.Logger
}

func main() {
	var (
		addr     = flag.String("addr", "localhost:8080", "bridge server address")
		origin   = flag.String("origin", "http://localhost:3000", "Origin header presented to the bridge")
		input    = flag.String("in", "", "raw 16 kHz mono file streamed as microphone audio (required)")
		output   = flag.String("out", "device.raw", "file receiving the agent audio")
		format   = flag.String("format", "f32le", "sample format of both files: s16le or f32le")
		agentID  = flag.String("agent", "", "agent ID")
		language = flag.String("language", "", "conversation language")
		deny     = flag.Bool("deny", false, "deny the microphone request")
		frame    = flag.Int("frame", 1600, "samples per binary microphone frame")
		tail     = flag.Duration("tail", 5*time.Second, "how long to keep listening after the input ends")
	)
	flag.Parse()

	log, err := logger.New(os.Getenv("ENV"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync(log)

	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	sampleFormat, err := audiofile.ParseFormat(*format)
	if err != nil {
		log.Fatal("Invalid format", zap.Error(err))
	}
	sink, err := audiofile.CreateFileSink(*output, sampleFormat)
	if err != nil {
		log.Fatal("Failed to create output file", zap.Error(err))
	}
	defer sink.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Connect to the bridge
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	log.Info("Connecting", zap.String("url", u.String()))

	headers := http.Header{}
	headers.Set("Origin", *origin)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), headers)
	if err != nil {
		log.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	sim := &simulator{
		conn:      conn,
		sink:      sink,
		deny:      *deny,
		frame:     *frame,
		inputDone: make(chan struct{}),
		ended:     make(chan entities.Snapshot, 1),
		logger:    log,
	}
	var eofOnce sync.Once
	sim.capture = audiofile.NewFileCapture(*input, audiofile.CaptureOptions{
		Format:   sampleFormat,
		Realtime: true,
		OnEOF:    func() { eofOnce.Do(func() { close(sim.inputDone) }) },
	}, log)

	done := make(chan struct{})
	go sim.handleIncomingMessages(done)

	if err := sim.sendJSON(bridge.StartMessage{
		BaseMessage:  bridge.BaseMessage{Type: bridge.MessageTypeStart, Timestamp: time.Now().Format(time.RFC3339)},
		StartOptions: entities.StartOptions{AgentID: *agentID, Language: *language},
	}); err != nil {
		log.Fatal("Failed to send start", zap.Error(err))
	}

	select {
	case <-sim.inputDone:
		log.Info("Input finished, waiting for the agent", zap.Duration("tail", *tail))
		select {
		case <-time.After(*tail):
		case <-done:
			return
		case <-interrupt:
		}
	case snap := <-sim.ended:
		log.Info("Session ended", zap.String("status", string(snap.Status)), zap.String("error", snap.Error))
	case <-done:
		return
	case <-interrupt:
		log.Info("interrupt")
	}

	_ = sim.sendJSON(bridge.StopMessage{
		BaseMessage: bridge.BaseMessage{Type: bridge.MessageTypeStop, Timestamp: time.Now().Format(time.RFC3339)},
	})
	time.Sleep(500 * time.Millisecond)

	// Cleanly close the connection by sending a close message and then
	// waiting (with timeout) for the server to close the connection.
	sim.writeMu.Lock()
	err = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	sim.writeMu.Unlock()
	if err != nil {
		log.Warn("write close", zap.Error(err))
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	log.Info("Simulation finished",
		zap.Int("agentSamples", sink.Samples()),
		zap.Int("interruptions", sink.Interruptions()))
}

func (s *simulator) handleIncomingMessages(done chan struct{}) {
	defer close(done)
	defer s.releaseMicrophone()

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Warn("read", zap.Error(err))
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			if err := s.sink.Play(audio.UnpackFloat32(message), audio.SampleRate, audio.Channels); err != nil {
				s.logger.Warn("Failed to record agent audio", zap.Error(err))
			}
			continue
		}

		var base bridge.BaseMessage
		if err := json.Unmarshal(message, &base); err != nil {
			s.logger.Warn("Unparseable control message", zap.Error(err))
			continue
		}

		switch base.Type {
		case bridge.MessageTypeStatus:
			var status bridge.StatusMessage
			if err := json.Unmarshal(message, &status); err != nil {
				continue
			}
			s.onStatus(status.Session)
		case bridge.MessageTypeMicrophoneRequest:
			var req bridge.MicrophoneRequestMessage
			if err := json.Unmarshal(message, &req); err != nil {
				continue
			}
			s.answerMicrophone(req)
		case bridge.MessageTypeMicrophoneRelease:
			s.logger.Info("Microphone released by the bridge")
			s.releaseMicrophone()
		case bridge.MessageTypePlaybackFlush:
			_ = s.sink.Flush()
			s.logger.Info("Agent interrupted, playback flushed")
		case bridge.MessageTypeError:
			var msg bridge.ErrorMessage
			_ = json.Unmarshal(message, &msg)
			s.logger.Warn("Bridge error", zap.String("code", msg.Code), zap.String("message", msg.Message))
		default:
			s.logger.Debug("Control message", zap.String("type", string(base.Type)))
		}
	}
}

func (s *simulator) onStatus(snap entities.Snapshot) {
	s.logger.Info("Status",
		zap.String("status", string(snap.Status)),
		zap.Bool("muted", snap.Muted),
		zap.String("transcript", snap.Transcript),
		zap.String("response", snap.Response),
		zap.String("error", snap.Error))

	if snap.Status == entities.SessionStatusStopped || snap.Status == entities.SessionStatusError {
		select {
		case s.ended <- snap:
		default:
		}
	}
}

func (s *simulator) answerMicrophone(req bridge.MicrophoneRequestMessage) {
	answer := bridge.MicrophoneResponseMessage{
		BaseMessage: bridge.BaseMessage{Timestamp: time.Now().Format(time.RFC3339)},
		RequestID:   req.RequestID,
	}

	if s.deny {
		answer.Type = bridge.MessageTypeMicrophoneDenied
		answer.Reason = "NotAllowedError"
		_ = s.sendJSON(answer)
		return
	}

	stream, err := s.capture.Open(context.Background(), req.Config)
	if err != nil {
		answer.Type = bridge.MessageTypeMicrophoneDenied
		answer.Reason = err.Error()
		_ = s.sendJSON(answer)
		return
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	answer.Type = bridge.MessageTypeMicrophoneGranted
	answer.SampleRate = audio.SampleRate
	answer.Channels = audio.Channels
	if err := s.sendJSON(answer); err != nil {
		s.releaseMicrophone()
		return
	}

	// Frames sent before the grant would be dropped by the bridge
	if _, err := stream.Tap(s.frame, s.sendSamples); err != nil {
		s.logger.Warn("Failed to start streaming", zap.Error(err))
	}
}

func (s *simulator) releaseMicrophone() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		stream.DisconnectSource()
		stream.StopTracks()
		_ = stream.Close()
	}
}

func (s *simulator) sendSamples(samples []float32) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio.PackFloat32(samples)); err != nil {
		s.logger.Warn("Failed to send microphone frame", zap.Error(err))
	}
}

func (s *simulator) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
