package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeSource 假的播放片段
type fakeSource struct {
	mu      sync.Mutex
	at      time.Duration
	samples int
	stopped bool
	onEnded func()
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// end 模拟自然播放结束
func (s *fakeSource) end() { s.onEnded() }

// fakePlayback 手动推进时钟的播放上下文
type fakePlayback struct {
	mu      sync.Mutex
	now     time.Duration
	sources []*fakeSource
	closed  bool
}

func (p *fakePlayback) CurrentTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

func (p *fakePlayback) Play(samples []float32, at time.Duration, onEnded func()) (Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := &fakeSource{at: at, samples: len(samples), onEnded: onEnded}
	p.sources = append(p.sources, src)
	return src, nil
}

func (p *fakePlayback) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePlayback) setNow(d time.Duration) {
	p.mu.Lock()
	p.now = d
	p.mu.Unlock()
}

func (p *fakePlayback) all() []*fakeSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeSource(nil), p.sources...)
}

func (p *fakePlayback) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeCapture 由测试手动喂数据块的录音设备
type fakeCapture struct {
	mu      sync.Mutex
	rate    int
	onBlock func([]float32)
	stopped bool
}

func (c *fakeCapture) Start(onBlock func([]float32)) error {
	c.mu.Lock()
	c.onBlock = onBlock
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.onBlock = nil
	c.mu.Unlock()
	return nil
}

func (c *fakeCapture) SampleRate() int { return c.rate }

func (c *fakeCapture) feed(samples []float32) {
	c.mu.Lock()
	fn := c.onBlock
	c.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (c *fakeCapture) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// fakeDevices 记录打开过的设备；captureErr 非空时模拟授权/设备错误
type fakeDevices struct {
	mu         sync.Mutex
	captureErr error
	captures   []*fakeCapture
	playbacks  []*fakePlayback
}

func (d *fakeDevices) OpenCapture(ctx context.Context, sampleRate, blockSize int) (CaptureDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	c := &fakeCapture{rate: sampleRate}
	d.captures = append(d.captures, c)
	return c, nil
}

func (d *fakeDevices) OpenPlayback(sampleRate int) (PlaybackContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &fakePlayback{}
	d.playbacks = append(d.playbacks, p)
	return p, nil
}

func (d *fakeDevices) lastCapture() *fakeCapture {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.captures) == 0 {
		return nil
	}
	return d.captures[len(d.captures)-1]
}

func (d *fakeDevices) lastPlayback() *fakePlayback {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.playbacks) == 0 {
		return nil
	}
	return d.playbacks[len(d.playbacks)-1]
}

// mockBackend 模拟会话后端（/ws/<id>）
type mockBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// rejectStatus 非 0 时握手直接返回该状态码
	rejectStatus int

	mu          sync.Mutex
	conn        *websocket.Conn
	paths       []string
	connections int
	received    []map[string]any
}

func newMockBackend(t *testing.T) *mockBackend {
	m := &mockBackend{}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

// endpoint ws://127.0.0.1:xxxx
func (m *mockBackend) endpoint() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockBackend) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.paths = append(m.paths, r.URL.Path)
	reject := m.rejectStatus
	m.mu.Unlock()

	if reject != 0 {
		http.Error(w, "session already active", reject)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conn = conn
	m.connections++
	m.mu.Unlock()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			m.mu.Lock()
			m.received = append(m.received, msg)
			m.mu.Unlock()
		}
	}()
}

func (m *mockBackend) send(t *testing.T, v any) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		t.Fatalf("no backend connection")
	}
	var err error
	if raw, ok := v.(string); ok {
		err = m.conn.WriteMessage(websocket.TextMessage, []byte(raw))
	} else {
		err = m.conn.WriteJSON(v)
	}
	if err != nil {
		t.Fatalf("backend write: %v", err)
	}
}

func (m *mockBackend) closeWith(code int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	m.conn.Close()
}

func (m *mockBackend) receivedTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.received))
	for _, msg := range m.received {
		if typ, ok := msg["type"].(string); ok {
			out = append(out, typ)
		}
	}
	return out
}

func (m *mockBackend) requestPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paths...)
}

func (m *mockBackend) connectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections
}

func (m *mockBackend) hasReceived(typ string) bool {
	for _, got := range m.receivedTypes() {
		if got == typ {
			return true
		}
	}
	return false
}
