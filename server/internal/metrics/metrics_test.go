package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTwiceDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		New()
		New()
	})
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordFrameSent()
		m.RecordFrameDropped("outbox_full")
		m.RecordBufferScheduled(0.1)
		m.RecordInterruption()
		m.RecordInboundError("protocol")
		m.SetActiveSessions(3)
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.RecordFrameSent()
	m.RecordFrameSent()
	m.RecordFrameDropped("not_connected")
	m.RecordInboundError("decode")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "homework_live_audio_frames_sent_total 2"))
	require.True(t, strings.Contains(string(body), `homework_live_inbound_errors_total{kind="decode"} 1`))
	require.True(t, strings.Contains(string(body), `homework_live_audio_frames_dropped_total{reason="not_connected"} 1`))
}
