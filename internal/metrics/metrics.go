package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_active_sessions",
		Help: "Number of voice sessions currently connecting or live",
	})
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_connected_devices",
		Help: "Number of devices connected to the bridge websocket",
	})
)

// Counters
var (
	SessionStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_session_starts_total",
		Help: "Session start attempts by outcome",
	}, []string{"outcome"})
	SessionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_session_errors_total",
		Help: "Session errors by kind",
	}, []string{"kind"})
	FramesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_audio_frames_sent_total",
		Help: "Outbound user audio frames sent to the agent",
	})
	FramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_audio_frames_dropped_total",
		Help: "Captured chunks dropped before sending, by reason",
	}, []string{"reason"})
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_agent_frames_received_total",
		Help: "Inbound agent frames by event type",
	}, []string{"type"})
	FrameDecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_frame_decode_errors_total",
		Help: "Inbound frames dropped because they could not be decoded or played",
	})
	TeardownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_teardowns_total",
		Help: "Completed resource teardowns",
	})
	SignedURLRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_signed_url_requests_total",
		Help: "Signed URL requests served by the credential endpoint, by outcome",
	}, []string{"outcome"})
	IdleSessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_idle_sessions_reaped_total",
		Help: "Live sessions stopped for inactivity",
	})
)

// Histograms
var (
	SessionStartLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicebridge_session_start_duration_ms",
		Help:    "Time from start() to live in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
	})
)
