package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"homework-live/server/internal/audiocodec"
	"homework-live/server/internal/metrics"
	"homework-live/server/internal/protocol"
)

// Config 传输客户端配置
type Config struct {
	ConnectTimeout     time.Duration // 默认 10s
	PingInterval       time.Duration // 应用层 ping，默认 30s；<0 关闭
	WriteTimeout       time.Duration // 默认 5s
	OutboxSize         int           // 默认 256，满了丢帧
	CaptureSampleRate  int           // 默认 16000
	PlaybackSampleRate int           // 默认 24000
	BlockSize          int           // 默认 4096
	LevelGain          float64       // 默认 audiocodec.DefaultLevelGain
	DumpDir            string        // 非空时 StopRecording 把本次录音写成 WAV
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.CaptureSampleRate <= 0 {
		c.CaptureSampleRate = audiocodec.CaptureSampleRate
	}
	if c.PlaybackSampleRate <= 0 {
		c.PlaybackSampleRate = audiocodec.PlaybackSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
	if c.LevelGain <= 0 {
		c.LevelGain = audiocodec.DefaultLevelGain
	}
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Client 一个会话的全双工音频通道。
// 职责：
// 1. 维护到后端的会话 WebSocket（/ws/<sessionID>）
// 2. 采集 -> 编码 -> 发送
// 3. 接收 -> 解码 -> 排队播放，支持打断
// 4. 把下行事件分发给订阅者
type Client struct {
	devices Devices
	config  Config
	metrics *metrics.Metrics
	logger  *log.Logger

	mu         sync.Mutex
	state      connState
	sessionID  string
	conn       *websocket.Conn
	outbox     chan []byte
	closeChan  chan struct{}
	dialCancel context.CancelFunc
	playback   PlaybackContext
	scheduler  *Scheduler

	// 录音状态
	recording bool
	starting  bool
	capture   CaptureDevice
	captured  []float32

	messages    Emitter[protocol.InboundEvent]
	levels      Emitter[float64]
	connections Emitter[bool]
	errs        Emitter[error]
}

// Option 可选参数
type Option func(*Client)

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient 创建客户端，此时不建立任何连接
func NewClient(devices Devices, config Config, opts ...Option) *Client {
	config.applyDefaults()
	c := &Client{
		devices: devices,
		config:  config,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMessage 订阅下行事件（audio 帧不分发）
func (c *Client) OnMessage(fn func(protocol.InboundEvent)) func() { return c.messages.Subscribe(fn) }

// OnAudioLevel 订阅输入电平（0-100）
func (c *Client) OnAudioLevel(fn func(float64)) func() { return c.levels.Subscribe(fn) }

// OnConnectionChange 订阅连接状态变化
func (c *Client) OnConnectionChange(fn func(bool)) func() { return c.connections.Subscribe(fn) }

// OnError 订阅异步错误（断线、拒绝、设备错误）
func (c *Client) OnError(fn func(error)) func() { return c.errs.Subscribe(fn) }

// SessionURL 拼出会话通道地址 <endpoint>/ws/<sessionID>
func SessionURL(endpoint, sessionID string) string {
	return strings.TrimRight(endpoint, "/") + "/ws/" + url.PathEscape(sessionID)
}

// Connect 建立会话通道并打开播放设备，通道打开即返回。
// 已在连接或已连接时直接返回 nil，保证一个会话只有一条通道。
func (c *Client) Connect(ctx context.Context, sessionID, endpoint string) error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		c.logger.Printf("[Transport] connect ignored: session %s already connecting/connected", c.sessionID)
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	c.state = stateConnecting
	c.sessionID = sessionID
	c.dialCancel = cancel
	c.mu.Unlock()
	defer cancel()

	started := time.Now()
	target := SessionURL(endpoint, sessionID)
	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}

	conn, resp, err := dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		err = c.classifyDialError(dialCtx, resp, err)
		c.resetConnecting()
		return err
	}

	playback, err := c.devices.OpenPlayback(c.config.PlaybackSampleRate)
	if err != nil {
		conn.Close()
		c.resetConnecting()
		c.metrics.RecordConnectFailure("playback_device")
		return fmt.Errorf("open playback device: %w", err)
	}

	c.mu.Lock()
	if c.state != stateConnecting || dialCtx.Err() != nil {
		// 连接期间被 Disconnect
		c.mu.Unlock()
		conn.Close()
		playback.Close()
		c.resetConnecting()
		return fmt.Errorf("%w: connect aborted", ErrConnection)
	}
	c.state = stateConnected
	c.dialCancel = nil
	c.conn = conn
	c.outbox = make(chan []byte, c.config.OutboxSize)
	c.closeChan = make(chan struct{})
	c.playback = playback
	c.scheduler = NewScheduler(playback, c.config.PlaybackSampleRate)
	outbox, closeChan := c.outbox, c.closeChan
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn, outbox, closeChan)
	if c.config.PingInterval > 0 {
		go c.pingLoop(closeChan)
	}

	c.metrics.RecordConnect(time.Since(started).Seconds())
	c.logger.Printf("[Transport] connected: %s", target)
	c.connections.Emit(true)
	return nil
}

func (c *Client) classifyDialError(ctx context.Context, resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusForbidden) {
		c.metrics.RecordConnectFailure("rejected")
		return fmt.Errorf("%w: handshake status %d", ErrConnectionRejected, resp.StatusCode)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.metrics.RecordConnectFailure("timeout")
		return fmt.Errorf("%w: timed out after %s", ErrConnection, c.config.ConnectTimeout)
	}
	c.metrics.RecordConnectFailure("dial")
	if resp != nil {
		return fmt.Errorf("%w: dial status=%d: %v", ErrConnection, resp.StatusCode, err)
	}
	return fmt.Errorf("%w: dial: %v", ErrConnection, err)
}

func (c *Client) resetConnecting() {
	c.mu.Lock()
	if c.state == stateConnecting {
		c.state = stateDisconnected
	}
	c.dialCancel = nil
	c.mu.Unlock()
}

// IsConnected 通道是否打开
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// IsRecording 是否在录音
func (c *Client) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Scheduler 当前连接的播放调度器；未连接时为 nil
func (c *Client) Scheduler() *Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler
}

// StartRecording 打开录音设备并通知后端。
// 未连接或已在录音返回 ErrInvalidState；设备错误同时通过 OnError 分发。
func (c *Client) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state != stateConnected:
		c.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrInvalidState)
	case c.recording || c.starting:
		c.mu.Unlock()
		return fmt.Errorf("%w: already recording", ErrInvalidState)
	}
	c.starting = true
	c.mu.Unlock()

	dev, err := c.devices.OpenCapture(ctx, c.config.CaptureSampleRate, c.config.BlockSize)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Printf("[Transport] open capture device failed: %v", err)
		c.errs.Emit(err)
		return err
	}
	if c.state != stateConnected {
		c.mu.Unlock()
		dev.Stop()
		return fmt.Errorf("%w: disconnected while opening microphone", ErrInvalidState)
	}
	c.capture = dev
	c.recording = true
	c.captured = nil
	c.mu.Unlock()

	if err := dev.Start(c.handleCaptureBlock); err != nil {
		c.mu.Lock()
		c.capture = nil
		c.recording = false
		c.mu.Unlock()
		dev.Stop()
		err = fmt.Errorf("start capture: %w", err)
		c.errs.Emit(err)
		return err
	}

	c.send(protocol.OutboundMessage{Type: protocol.EventTypeStartRecording})
	c.logger.Printf("[Transport] recording started (session=%s)", c.sessionID)
	return nil
}

// StopRecording 幂等；释放录音设备，电平归零，通知后端
func (c *Client) StopRecording() {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return
	}
	dev := c.capture
	captured := c.captured
	sessionID := c.sessionID
	c.capture = nil
	c.captured = nil
	c.recording = false
	c.mu.Unlock()

	if dev != nil {
		if err := dev.Stop(); err != nil {
			c.logger.Printf("[Transport] stop capture device: %v", err)
		}
	}
	c.levels.Emit(0)
	c.send(protocol.OutboundMessage{Type: protocol.EventTypeStopRecording})
	c.logger.Printf("[Transport] recording stopped (session=%s)", sessionID)

	if c.config.DumpDir != "" && len(captured) > 0 {
		c.writeDump(sessionID, captured)
	}
}

func (c *Client) writeDump(sessionID string, samples []float32) {
	data, err := audiocodec.EncodeWAV(samples, c.config.CaptureSampleRate)
	if err != nil {
		c.logger.Printf("[Transport] encode dump: %v", err)
		return
	}
	if err := os.MkdirAll(c.config.DumpDir, 0o755); err != nil {
		c.logger.Printf("[Transport] create dump dir: %v", err)
		return
	}
	name := fmt.Sprintf("%s-%s.wav", sessionID, time.Now().Format("20060102-150405.000"))
	path := filepath.Join(c.config.DumpDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Printf("[Transport] write dump: %v", err)
		return
	}
	c.logger.Printf("[Transport] recording dumped to %s (%.1fs)", path,
		audiocodec.Duration(len(samples), c.config.CaptureSampleRate))
}

// handleCaptureBlock 采集回调：电平 -> 编码 -> 发送。不阻塞、不 panic。
func (c *Client) handleCaptureBlock(samples []float32) {
	c.mu.Lock()
	dev := c.capture
	recording := c.recording
	c.mu.Unlock()
	if !recording || dev == nil {
		return
	}

	if rate := dev.SampleRate(); rate > 0 && rate != c.config.CaptureSampleRate {
		samples = audiocodec.Resample(samples, rate, c.config.CaptureSampleRate)
	}

	c.levels.Emit(audiocodec.LevelPercent(audiocodec.RMS(samples), c.config.LevelGain))

	if c.config.DumpDir != "" {
		c.mu.Lock()
		c.captured = append(c.captured, samples...)
		c.mu.Unlock()
	}

	if c.send(protocol.OutboundMessage{Type: protocol.EventTypeAudio, Data: audiocodec.EncodeForWire(samples)}) {
		c.metrics.RecordFrameSent()
	}
}

// send 非阻塞入队；未连接或队列满时丢弃并记录
func (c *Client) send(msg protocol.OutboundMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Printf("[Transport] marshal outbound %s: %v", msg.Type, err)
		return false
	}

	c.mu.Lock()
	outbox := c.outbox
	connected := c.state == stateConnected
	c.mu.Unlock()

	if !connected || outbox == nil {
		c.logger.Printf("[Transport] ⚠️ channel not open, dropping %s frame", msg.Type)
		c.metrics.RecordFrameDropped("not_connected")
		return false
	}

	select {
	case outbox <- data:
		return true
	default:
		c.logger.Printf("[Transport] ⚠️ outbox full, dropping %s frame", msg.Type)
		c.metrics.RecordFrameDropped("outbox_full")
		return false
	}
}

// writeLoop 唯一的数据写者
func (c *Client) writeLoop(conn *websocket.Conn, outbox <-chan []byte, closeChan <-chan struct{}) {
	for {
		select {
		case <-closeChan:
			return
		case data := <-outbox:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Printf("[Transport] write error: %v", err)
				return
			}
		}
	}
}

// pingLoop 应用层心跳
func (c *Client) pingLoop(closeChan <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeChan:
			return
		case <-ticker.C:
			c.send(protocol.OutboundMessage{Type: protocol.EventTypePing})
		}
	}
}

// readLoop 读取下行消息，连接结束时负责拆除
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if !current {
		// 本地 Disconnect 已拆除
		return
	}

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation:
		c.logger.Printf("[Transport] ❌ session rejected by backend (1008): %s", closeErr.Text)
		c.teardown(conn)
		c.errs.Emit(fmt.Errorf("%w: %s", ErrConnectionRejected, closeErr.Text))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Printf("[Transport] channel closed by backend")
		c.teardown(conn)
	default:
		c.logger.Printf("[Transport] read error: %v", err)
		c.teardown(conn)
		c.errs.Emit(fmt.Errorf("%w: %v", ErrConnection, err))
	}
}

// handleMessage 解析并分发一条下行消息
func (c *Client) handleMessage(data []byte) {
	evt, err := protocol.Decode(data)
	if err != nil {
		c.logger.Printf("[Transport] %v: %v", ErrProtocol, err)
		c.metrics.RecordInboundError("protocol")
		return
	}

	switch evt.Type {
	case protocol.EventTypeAudio:
		c.handleAudio(evt)
		return
	case protocol.EventTypeInterrupted:
		c.InterruptAudio()
	}
	c.messages.Emit(evt)
}

// handleAudio 解码 -> 排队播放；坏帧跳过
func (c *Client) handleAudio(evt protocol.InboundEvent) {
	payload, err := evt.Audio()
	if err != nil {
		c.logger.Printf("[Transport] %v: %v", ErrTransientDecode, err)
		c.metrics.RecordInboundError("decode")
		return
	}
	channels, err := audiocodec.DecodeFromWire(payload, 1)
	if err != nil {
		c.logger.Printf("[Transport] %v: %v", ErrTransientDecode, err)
		c.metrics.RecordInboundError("decode")
		return
	}

	scheduler := c.Scheduler()
	if scheduler == nil {
		return
	}
	_, duration, err := scheduler.Enqueue(channels[0])
	if err != nil {
		c.logger.Printf("[Transport] schedule playback: %v", err)
		return
	}
	c.metrics.RecordBufferScheduled(duration.Seconds())
}

// InterruptAudio 立即停止全部播放并把游标拉回当前时间。任何时候都可调用。
func (c *Client) InterruptAudio() {
	scheduler := c.Scheduler()
	if scheduler == nil {
		return
	}
	if n := scheduler.Interrupt(); n > 0 {
		c.logger.Printf("[Transport] 🛑 playback interrupted (%d sources stopped)", n)
	}
	c.metrics.RecordInterruption()
}

// Disconnect 停止录音、关闭通道、释放设备。可重复调用。
func (c *Client) Disconnect() {
	c.StopRecording()

	c.mu.Lock()
	if c.state == stateConnecting && c.dialCancel != nil {
		c.dialCancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.teardown(conn)
	}
}

// teardown 拆除指定连接；只有第一次调用生效
func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn || c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	c.state = stateDisconnected
	c.conn = nil
	close(c.closeChan)
	playback := c.playback
	scheduler := c.scheduler
	c.playback = nil
	c.scheduler = nil
	c.outbox = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	c.StopRecording()
	if scheduler != nil {
		scheduler.Interrupt()
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	conn.Close()

	if playback != nil {
		if err := playback.Close(); err != nil {
			c.logger.Printf("[Transport] close playback device: %v", err)
		}
	}

	c.logger.Printf("[Transport] disconnected (session=%s)", sessionID)
	c.connections.Emit(false)
}
