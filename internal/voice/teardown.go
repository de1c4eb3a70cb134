package voice

import (
	"context"

	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/metrics"
)

// resources are the handles acquired by one attempt. Each field is released
// at most once because the struct is detached from the session before release.
type resources struct {
	tap    repositories.CaptureTap
	stream repositories.CaptureStream
	socket repositories.Socket
}

// release runs the fixed teardown order: tap, source, tracks, audio context, socket.
func (r *resources) release(logger *zap.Logger) {
	if r.tap != nil {
		r.tap.Detach()
	}
	if r.stream != nil {
		r.stream.DisconnectSource()
		r.stream.StopTracks()
		if err := r.stream.Close(); err != nil {
			logger.Warn("Failed to close audio context", zap.Error(err))
		}
	}
	if r.socket != nil {
		if err := r.socket.Close(); err != nil {
			logger.Debug("Failed to close agent socket", zap.Error(err))
		}
	}
	metrics.TeardownsTotal.Inc()
}

type pendingTeardown struct {
	done chan struct{}
}

// takeResourcesLocked detaches the current resources and cancels the attempt context.
func (s *Session) takeResourcesLocked() *resources {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	res := s.res
	s.res = nil
	return res
}

// teardownLocked releases res in the background and tracks it for Wait.
func (s *Session) teardownLocked(res *resources) {
	if res == nil {
		return
	}
	p := &pendingTeardown{done: make(chan struct{})}
	s.pending[p] = struct{}{}

	go func() {
		res.release(s.logger)
		close(p.done)

		s.mu.Lock()
		delete(s.pending, p)
		s.mu.Unlock()
	}()
}

// Wait blocks until every teardown started so far has finished.
func (s *Session) Wait() {
	s.mu.Lock()
	waits := make([]chan struct{}, 0, len(s.pending))
	for p := range s.pending {
		waits = append(waits, p.done)
	}
	s.mu.Unlock()

	for _, done := range waits {
		<-done
	}
}

// WaitContext is Wait bounded by ctx.
func (s *Session) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
