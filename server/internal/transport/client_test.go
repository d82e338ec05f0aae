package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"homework-live/server/internal/audiocodec"
	"homework-live/server/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestClient(devices Devices, cfg Config) *Client {
	cfg.PingInterval = -1
	return NewClient(devices, cfg, WithLogger(quietLogger()))
}

// recorder 线程安全地收集订阅回调
type recorder struct {
	mu     sync.Mutex
	events []protocol.InboundEvent
	levels []float64
	conns  []bool
	errs   []error
}

func (r *recorder) attach(c *Client) {
	c.OnMessage(func(e protocol.InboundEvent) { r.mu.Lock(); r.events = append(r.events, e); r.mu.Unlock() })
	c.OnAudioLevel(func(v float64) { r.mu.Lock(); r.levels = append(r.levels, v); r.mu.Unlock() })
	c.OnConnectionChange(func(v bool) { r.mu.Lock(); r.conns = append(r.conns, v); r.mu.Unlock() })
	c.OnError(func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() })
}

func (r *recorder) eventTypes() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) connections() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.conns...)
}

func (r *recorder) lastLevel() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.levels) == 0 {
		return 0, false
	}
	return r.levels[len(r.levels)-1], true
}

func connectClient(t *testing.T, backend *mockBackend, devices *fakeDevices, cfg Config) (*Client, *recorder) {
	t.Helper()
	c := newTestClient(devices, cfg)
	rec := &recorder{}
	rec.attach(c)
	require.NoError(t, c.Connect(context.Background(), "sess-1", backend.endpoint()))
	t.Cleanup(c.Disconnect)
	require.Eventually(t, func() bool { return backend.connectionCount() == 1 }, waitFor, tick)
	return c, rec
}

func TestSessionURL(t *testing.T) {
	require.Equal(t, "ws://host:8000/ws/abc", SessionURL("ws://host:8000/", "abc"))
	require.Equal(t, "ws://host/ws/a%2Fb", SessionURL("ws://host", "a/b"))
}

func TestConnectOpensSessionPath(t *testing.T) {
	backend := newMockBackend(t)
	devices := &fakeDevices{}
	c, rec := connectClient(t, backend, devices, Config{})

	require.True(t, c.IsConnected())
	require.Equal(t, []string{"/ws/sess-1"}, backend.requestPaths())
	require.Equal(t, []bool{true}, rec.connections())
	require.NotNil(t, devices.lastPlayback())
}

// TestConnectIsIdempotent 已连接时再次 Connect 不会建立第二条通道
func TestConnectIsIdempotent(t *testing.T) {
	backend := newMockBackend(t)
	c, _ := connectClient(t, backend, &fakeDevices{}, Config{})

	require.NoError(t, c.Connect(context.Background(), "sess-1", backend.endpoint()))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, backend.connectionCount())
}

func TestConnectHandshakeConflictIsRejected(t *testing.T) {
	backend := newMockBackend(t)
	backend.rejectStatus = http.StatusConflict
	c := newTestClient(&fakeDevices{}, Config{})

	err := c.Connect(context.Background(), "sess-1", backend.endpoint())
	require.True(t, errors.Is(err, ErrConnectionRejected), "got %v", err)
	require.False(t, c.IsConnected())
}

// TestConnectTimeout 握手挂起超过超时时间时返回 ErrConnection
func TestConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// 接受连接但不回应握手
			defer conn.Close()
		}
	}()

	c := newTestClient(&fakeDevices{}, Config{ConnectTimeout: 100 * time.Millisecond})
	err = c.Connect(context.Background(), "sess-1", "ws://"+ln.Addr().String())
	require.True(t, errors.Is(err, ErrConnection), "got %v", err)
	require.False(t, c.IsConnected())

	// 失败后可以重试
	err = c.Connect(context.Background(), "sess-1", "ws://"+ln.Addr().String())
	require.True(t, errors.Is(err, ErrConnection))
}

// TestPolicyCloseSurfacesRejection 1008 关闭被报告为 ErrConnectionRejected
func TestPolicyCloseSurfacesRejection(t *testing.T) {
	backend := newMockBackend(t)
	devices := &fakeDevices{}
	c, rec := connectClient(t, backend, devices, Config{})

	backend.closeWith(websocket.ClosePolicyViolation, "Session already active")

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, waitFor, tick)
	require.True(t, errors.Is(rec.errors()[0], ErrConnectionRejected))
	require.Eventually(t, func() bool { return !c.IsConnected() }, waitFor, tick)
	require.Equal(t, []bool{true, false}, rec.connections())
	require.True(t, devices.lastPlayback().isClosed())
}

func TestEventsAreForwardedInOrder(t *testing.T) {
	backend := newMockBackend(t)
	_, rec := connectClient(t, backend, &fakeDevices{}, Config{})

	backend.send(t, map[string]any{"type": "agent_ready", "data": map[string]any{"message": "hi"}})
	backend.send(t, "{not json")
	backend.send(t, map[string]any{"type": "tool_call", "data": map[string]any{"tool": "get_hint"}})
	backend.send(t, map[string]any{"type": "turn_complete"})

	require.Eventually(t, func() bool { return len(rec.eventTypes()) == 3 }, waitFor, tick)
	require.Equal(t, []protocol.EventType{
		protocol.EventTypeAgentReady, protocol.EventTypeToolCall, protocol.EventTypeTurnComplete,
	}, rec.eventTypes())
	require.Empty(t, rec.errors(), "protocol errors are logged only")
}

// TestAudioFramesAreScheduledNotForwarded 音频帧进入播放调度，不分发给订阅者；坏帧跳过
func TestAudioFramesAreScheduledNotForwarded(t *testing.T) {
	backend := newMockBackend(t)
	devices := &fakeDevices{}
	c, rec := connectClient(t, backend, devices, Config{})

	frame := audiocodec.EncodeForWire(make([]float32, 2400))
	backend.send(t, map[string]any{"type": "audio", "data": frame})
	backend.send(t, map[string]any{"type": "audio", "data": "%%%bad%%%"})
	backend.send(t, map[string]any{"type": "audio", "data": frame})
	backend.send(t, map[string]any{"type": "pong"})

	require.Eventually(t, func() bool { return len(rec.eventTypes()) == 1 }, waitFor, tick)
	require.Equal(t, []protocol.EventType{protocol.EventTypePong}, rec.eventTypes())

	srcs := devices.lastPlayback().all()
	require.Len(t, srcs, 2)
	require.Equal(t, time.Duration(0), srcs[0].at)
	require.Equal(t, 100*time.Millisecond, srcs[1].at)
	require.Equal(t, 200*time.Millisecond, c.Scheduler().NextPlayTime())
}

// TestInterruptedStopsPlaybackBeforeForwarding interrupted 先停播放，再分发事件
func TestInterruptedStopsPlaybackBeforeForwarding(t *testing.T) {
	backend := newMockBackend(t)
	devices := &fakeDevices{}
	c, _ := connectClient(t, backend, devices, Config{})

	frame := audiocodec.EncodeForWire(make([]float32, 4800))
	backend.send(t, map[string]any{"type": "audio", "data": frame})
	require.Eventually(t, func() bool { return c.Scheduler().ActiveCount() == 1 }, waitFor, tick)

	activeAtDelivery := make(chan int, 1)
	c.OnMessage(func(e protocol.InboundEvent) {
		if e.Type == protocol.EventTypeInterrupted {
			activeAtDelivery <- c.Scheduler().ActiveCount()
		}
	})
	backend.send(t, map[string]any{"type": "interrupted"})

	select {
	case n := <-activeAtDelivery:
		require.Equal(t, 0, n)
	case <-time.After(waitFor):
		t.Fatal("interrupted event not delivered")
	}
	require.True(t, devices.lastPlayback().all()[0].isStopped())
}

func TestInterruptAudioWithoutConnectionIsNoop(t *testing.T) {
	c := newTestClient(&fakeDevices{}, Config{})
	require.NotPanics(t, func() {
		c.InterruptAudio()
		c.InterruptAudio()
	})
}

func TestStartRecordingRequiresConnection(t *testing.T) {
	c := newTestClient(&fakeDevices{}, Config{})
	err := c.StartRecording(context.Background())
	require.True(t, errors.Is(err, ErrInvalidState))
}

// TestStartRecordingPermissionDenied connect -> startRecording（拒绝授权）：
// ErrPermission 经 OnError 上报，录音状态保持 false，不持有设备
func TestStartRecordingPermissionDenied(t *testing.T) {
	backend := newMockBackend(t)
	devices := &fakeDevices{captureErr: fmt.Errorf("%w: user dismissed prompt", ErrPermission)}
	c, rec := connectClient(t, backend, devices, Config{})

	err := c.StartRecording(context.Background())
	require.True(t, errors.Is(err, ErrPermission))
	require.Len(t, rec.errors(), 1)
	require.True(t, errors.Is(rec.errors()[0], ErrPermission))
	require.False(t, c.IsRecording())
	require.Nil(t, devices.lastCapture())

	time.Sleep(50 * time.Millisecond)
	require.False(t, backend.hasReceived("start_recording"))
}

func TestRecordingStreamsFrames(t *testing.T) {
	backend := newMockBackend(t)
	devices := &fakeDevices{}
	dumpDir := t.TempDir()
	c, rec := connectClient(t, backend, devices, Config{DumpDir: dumpDir})

	require.NoError(t, c.StartRecording(context.Background()))
	require.True(t, c.IsRecording())

	err := c.StartRecording(context.Background())
	require.True(t, errors.Is(err, ErrInvalidState), "second start must fail")

	block := make([]float32, 4096)
	for i := range block {
		block[i] = 0.1
	}
	capture := devices.lastCapture()
	capture.feed(block)
	capture.feed(block)

	level, ok := rec.lastLevel()
	require.True(t, ok)
	require.InDelta(t, 50.0, level, 1e-3)

	c.StopRecording()
	c.StopRecording()
	require.False(t, c.IsRecording())
	require.True(t, capture.isStopped())
	level, _ = rec.lastLevel()
	require.Equal(t, 0.0, level)

	require.Eventually(t, func() bool { return backend.hasReceived("stop_recording") }, waitFor, tick)
	require.Equal(t, []string{"start_recording", "audio", "audio", "stop_recording"}, backend.receivedTypes())

	files, err := filepath.Glob(filepath.Join(dumpDir, "sess-1-*.wav"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	samples, rate, err := audiocodec.DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, audiocodec.CaptureSampleRate, rate)
	require.Len(t, samples, 8192)
}

func TestDisconnectReleasesEverythingAndIsRepeatable(t *testing.T) {
	backend := newMockBackend(t)
	devices := &fakeDevices{}
	c, rec := connectClient(t, backend, devices, Config{})
	require.NoError(t, c.StartRecording(context.Background()))

	c.Disconnect()
	c.Disconnect()

	require.False(t, c.IsConnected())
	require.False(t, c.IsRecording())
	require.True(t, devices.lastCapture().isStopped())
	require.True(t, devices.lastPlayback().isClosed())
	require.Nil(t, c.Scheduler())
	require.Equal(t, []bool{true, false}, rec.connections())
	require.Empty(t, rec.errors())

	// 断开后可重新连接
	require.NoError(t, c.Connect(context.Background(), "sess-1", backend.endpoint()))
	require.True(t, c.IsConnected())
}
