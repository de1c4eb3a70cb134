package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/internal/metrics"
)

const (
	defaultIdleTimeout = 5 * time.Minute
	minReapInterval    = time.Second
)

// IdleSessionReaper stops live device sessions that have not heard from the
// agent for longer than the idle timeout.
type IdleSessionReaper struct {
	hub         *Hub
	idleTimeout time.Duration
	interval    time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewIdleSessionReaper creates a new reaper. A zero timeout uses the default.
func NewIdleSessionReaper(hub *Hub, idleTimeout time.Duration, logger *zap.Logger) *IdleSessionReaper {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	interval := idleTimeout / 4
	if interval < minReapInterval {
		interval = minReapInterval
	}
	return &IdleSessionReaper{
		hub:         hub,
		idleTimeout: idleTimeout,
		interval:    interval,
		now:         time.Now,
		logger:      logger,
	}
}

// Run checks sessions periodically until ctx is done
func (r *IdleSessionReaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Idle session reaper started", zap.Duration("idleTimeout", r.idleTimeout))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Idle session reaper stopped")
			return nil
		case <-ticker.C:
			r.runCleanup()
		}
	}
}

// runCleanup stops every idle live session and returns how many it stopped
func (r *IdleSessionReaper) runCleanup() int {
	now := r.now()
	reaped := 0

	for _, client := range r.hub.Clients() {
		session := client.Session()
		if session.Status() != entities.SessionStatusLive {
			continue
		}
		idle := now.Sub(session.LastActivity())
		if idle <= r.idleTimeout {
			continue
		}

		session.Stop()
		client.sendJSON(CreateErrorMessage(ErrorCodeIdleTimeout,
			"the voice session was stopped after a period of inactivity", idle.Truncate(time.Second).String()))
		metrics.IdleSessionsReapedTotal.Inc()
		reaped++

		r.logger.Info("Stopped idle voice session",
			zap.String("clientID", client.ID()),
			zap.String("sessionID", session.ID()),
			zap.Duration("idle", idle))
	}

	if reaped > 0 {
		r.logger.Info("Idle session cleanup completed", zap.Int("reaped", reaped))
	}
	return reaped
}
