// Package metrics exposes Prometheus instrumentation for live voice sessions.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicelink"

type Metrics struct {
	SessionsStarted  prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	ConnectAttempts  *prometheus.CounterVec
	Reconnects       prometheus.Counter
	ReconnectGiveUps prometheus.Counter

	ChunksSent    prometheus.Counter
	ChunksDropped *prometheus.CounterVec
	BytesSent     prometheus.Counter

	MessagesReceived *prometheus.CounterVec
	SegmentsPlayed   prometheus.Counter
	PlaybackSeconds  prometheus.Counter
	QueueDepth       prometheus.Gauge

	TranscriptEntries *prometheus.CounterVec
	Errors            *prometheus.CounterVec

	VendorRequests *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Voice sessions started by the user",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Voice sessions currently open",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time of completed voice sessions",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Vendor channel dial attempts by result",
		}, []string{"result"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after an unexpected close",
		}),
		ReconnectGiveUps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_give_ups_total",
			Help:      "Sessions that exhausted their reconnect budget",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Microphone chunks queued to the vendor channel",
		}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Microphone chunks dropped before send",
		}, []string{"reason"}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Microphone bytes queued to the vendor channel",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound vendor messages by type",
		}, []string{"type"}),
		SegmentsPlayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_segments_total",
			Help:      "Audio segments played",
		}),
		PlaybackSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_seconds_total",
			Help:      "Seconds of vendor audio played",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Audio segments waiting to play",
		}),
		TranscriptEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Transcript entries appended by speaker",
		}, []string{"speaker"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Session errors by kind",
		}, []string{"kind"}),
		VendorRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vendor_request_duration_seconds",
			Help:      "Vendor REST request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) GiveUp() {
	if m == nil {
		return
	}
	m.ReconnectGiveUps.Inc()
}

func (m *Metrics) ChunkSent(bytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) ChunkDropped(reason string) {
	if m == nil {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageReceived(typ string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) SegmentPlayed(d time.Duration) {
	if m == nil {
		return
	}
	m.SegmentsPlayed.Inc()
	m.PlaybackSeconds.Add(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) TranscriptEntry(speaker string) {
	if m == nil {
		return
	}
	m.TranscriptEntries.WithLabelValues(speaker).Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveVendorRequest(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.VendorRequests.WithLabelValues(op, status).Observe(d.Seconds())
}
