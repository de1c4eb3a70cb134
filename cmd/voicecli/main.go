// Command voicecli runs one voice session in-process, streaming a raw sample
// file to the agent and recording the agent's replies to another file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/adapters/audiofile"
	"github.com/satriahrh/voicebridge/adapters/transport"
	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/internal/config"
	"github.com/satriahrh/voicebridge/internal/fetcher"
	"github.com/satriahrh/voicebridge/internal/voice"
	"github.com/satriahrh/voicebridge/pkg/logger"
)

func main() {
	var (
		input        = flag.String("in", "", "raw 16 kHz mono input file (required)")
		output       = flag.String("out", "agent.raw", "file receiving the agent audio")
		format       = flag.String("format", "s16le", "sample format of both files: s16le or f32le")
		agentID      = flag.String("agent", "", "agent ID (defaults to ELEVEN_LABS_AGENT_ID)")
		language     = flag.String("language", "", "conversation language")
		firstMessage = flag.String("first-message", "", "agent's first message")
		realtime     = flag.Bool("realtime", true, "pace the input at its sample rate")
		tail         = flag.Duration("tail", 5*time.Second, "how long to keep listening after the input ends")
	)
	flag.Parse()

	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*input, *output, *format, *realtime, *tail, entities.StartOptions{
		AgentID:      *agentID,
		Language:     *language,
		FirstMessage: *firstMessage,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "voicecli:", err)
		os.Exit(1)
	}
}

func run(input, output, formatName string, realtime bool, tail time.Duration, opts entities.StartOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync(log)

	format, err := audiofile.ParseFormat(formatName)
	if err != nil {
		return err
	}

	signedURLs, err := fetcher.New(cfg, log)
	if err != nil {
		return err
	}

	sink, err := audiofile.CreateFileSink(output, format)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer sink.Close()

	inputDone := make(chan struct{})
	capture := audiofile.NewFileCapture(input, audiofile.CaptureOptions{
		Format:   format,
		Realtime: realtime,
		OnEOF:    func() { close(inputDone) },
	}, log)

	session := voice.NewSession(voice.Config{
		Origin:  cfg.Origin,
		Capture: voice.DefaultCaptureConfig(),
		Defaults: entities.StartOptions{
			AgentID:      cfg.AgentID,
			Language:     cfg.Language,
			FirstMessage: cfg.FirstMessage,
		},
	}, voice.Dependencies{
		Fetcher: signedURLs,
		Dialer:  transport.NewDialer(transport.Config{Origin: cfg.Origin}, log),
		Capture: capture,
		Output:  sink,
	}, log)
	defer session.Close()

	ended := make(chan struct{}, 1)
	cancel := session.Subscribe(func(snap entities.Snapshot) {
		switch snap.Status {
		case entities.SessionStatusLive:
			log.Info("Session live", zap.String("conversationID", snap.ConversationID))
		case entities.SessionStatusStopped, entities.SessionStatusError:
			select {
			case ended <- struct{}{}:
			default:
			}
		}
		if snap.Transcript != "" || snap.Response != "" {
			log.Debug("Conversation update",
				zap.String("transcript", snap.Transcript),
				zap.String("response", snap.Response))
		}
	})
	defer cancel()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx, opts); err != nil {
		if errors.Is(err, voice.ErrStartAborted) {
			return nil
		}
		return err
	}

	select {
	case <-inputDone:
		log.Info("Input finished, waiting for the agent", zap.Duration("tail", tail))
		select {
		case <-time.After(tail):
		case <-ctx.Done():
		case <-ended:
			return session.Err()
		}
	case <-ctx.Done():
	case <-ended:
		return session.Err()
	}

	session.Stop()
	waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	if err := session.WaitContext(waitCtx); err != nil {
		log.Warn("Session teardown did not finish", zap.Error(err))
	}

	snap := session.Snapshot()
	log.Info("Session finished",
		zap.Int("agentSamples", sink.Samples()),
		zap.Int("interruptions", sink.Interruptions()),
		zap.String("transcript", snap.Transcript),
		zap.String("response", snap.Response))
	return nil
}
