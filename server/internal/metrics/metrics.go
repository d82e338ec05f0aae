package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homework_live"

// Metrics 汇总进程内的 Prometheus 指标。
// 使用私有 Registry，测试里可以反复 New 而不会重复注册。
// 所有 Record* 方法对 nil 接收者安全，组件可以不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	// 传输层
	FramesSent       prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	BuffersScheduled prometheus.Counter
	PlaybackSeconds  prometheus.Counter
	Interruptions    prometheus.Counter
	InboundErrors    *prometheus.CounterVec
	ConnectDuration  prometheus.Histogram
	ConnectFailures  *prometheus.CounterVec

	// 会话层
	InboundEvents  *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	SessionErrors  *prometheus.CounterVec

	// Live token
	TokensIssued *prometheus.CounterVec

	// HTTP API
	HTTPRequests *prometheus.CounterVec
}

// New 创建并注册全部指标
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Captured audio frames handed to the backend channel",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Outbound frames dropped before reaching the channel",
		}, []string{"reason"}),
		BuffersScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_buffers_scheduled_total",
			Help:      "Playback buffers scheduled on the output clock",
		}),
		PlaybackSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_audio_seconds_total",
			Help:      "Seconds of agent audio scheduled for playback",
		}),
		Interruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_interruptions_total",
			Help:      "Playback interruptions",
		}),
		InboundErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_errors_total",
			Help:      "Inbound messages dropped by kind (protocol, decode)",
		}, []string{"kind"}),
		ConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time to open the backend channel",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts by reason",
		}, []string{"reason"}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound backend events handled by the session controller",
		}, []string{"type"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held by the registry",
		}),
		SessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Sessions moved to the error phase, by error kind",
		}, []string{"kind"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_tokens_total",
			Help:      "Ephemeral live-API token requests",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests",
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesSent,
		m.FramesDropped,
		m.BuffersScheduled,
		m.PlaybackSeconds,
		m.Interruptions,
		m.InboundErrors,
		m.ConnectDuration,
		m.ConnectFailures,
		m.InboundEvents,
		m.ActiveSessions,
		m.SessionErrors,
		m.TokensIssued,
		m.HTTPRequests,
	)
	return m
}

// Registry 返回私有 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordFrameDropped reason: not_connected / outbox_full
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBufferScheduled(seconds float64) {
	if m == nil {
		return
	}
	m.BuffersScheduled.Inc()
	m.PlaybackSeconds.Add(seconds)
}

func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

// RecordInboundError kind: protocol / decode
func (m *Metrics) RecordInboundError(kind string) {
	if m == nil {
		return
	}
	m.InboundErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordConnect(seconds float64) {
	if m == nil {
		return
	}
	m.ConnectDuration.Observe(seconds)
}

func (m *Metrics) RecordConnectFailure(reason string) {
	if m == nil {
		return
	}
	m.ConnectFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordInboundEvent(eventType string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionError(kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordToken(status string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}
