package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homework-live/server/internal/metrics"
	"homework-live/server/internal/model"
	"homework-live/server/internal/protocol"
	"homework-live/server/internal/session"
	"homework-live/server/internal/timeline"
	"homework-live/server/internal/transport"
)

// Transport 会话依赖的音频通道，*transport.Client 实现了它
type Transport interface {
	Connect(ctx context.Context, sessionID, endpoint string) error
	StartRecording(ctx context.Context) error
	StopRecording()
	InterruptAudio()
	Disconnect()

	OnMessage(fn func(protocol.InboundEvent)) func()
	OnAudioLevel(fn func(float64)) func()
	OnConnectionChange(fn func(bool)) func()
	OnError(fn func(error)) func()
}

// Typesetter 公式排版服务（浏览器里的 MathJax 之类）
type Typesetter interface {
	Typeset(ctx context.Context, content string) error
}

// ChartRenderer 图表渲染服务，config 原样透传
type ChartRenderer interface {
	Render(ctx context.Context, config json.RawMessage) error
}

// InterruptionPolicy 被打断时如何处理正在展示的内容
type InterruptionPolicy string

const (
	// PolicyRetain 保留上一轮内容，直到新内容到达
	PolicyRetain InterruptionPolicy = "retain"
	// PolicyClear 打断时立即清空公式、图表与图片
	PolicyClear InterruptionPolicy = "clear"
)

// ParseInterruptionPolicy 空字符串视为 retain
func ParseInterruptionPolicy(s string) (InterruptionPolicy, error) {
	switch InterruptionPolicy(s) {
	case "", PolicyRetain:
		return PolicyRetain, nil
	case PolicyClear:
		return PolicyClear, nil
	default:
		return "", fmt.Errorf("unknown interruption policy %q", s)
	}
}

// ErrControllerClosed 会话已关闭
var ErrControllerClosed = errors.New("session controller closed")

const (
	defaultInterruptGrace   = 300 * time.Millisecond
	defaultStatusClearDelay = 3 * time.Second
	renderTimeout           = 10 * time.Second
	// 队列满时传输层读协程最多等待这么久
	inboundEnqueueWait = 10 * time.Second
	// StopRecording 等待已收到的转写事件处理完
	flushTimeout = 2 * time.Second
)

// ControllerConfig 会话配置
type ControllerConfig struct {
	SessionID          string
	Endpoint           string // 后端 ws 地址，例如 ws://localhost:8000
	ImageBaseURL       string // session:<id> 图片改写的 http 地址
	InterruptionPolicy InterruptionPolicy
	InterruptGrace     time.Duration // 开始新一轮录音后，多久清掉旧内容
	StatusClearDelay   time.Duration // ClearProcessingStatus 的延迟
	QueueSize          int
}

func (c *ControllerConfig) applyDefaults() {
	if c.ImageBaseURL == "" {
		c.ImageBaseURL = DefaultImageBaseURL
	}
	if c.InterruptionPolicy == "" {
		c.InterruptionPolicy = PolicyRetain
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = defaultInterruptGrace
	}
	if c.StatusClearDelay <= 0 {
		c.StatusClearDelay = defaultStatusClearDelay
	}
}

// AfterFunc 延迟执行 f，返回取消函数
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ControllerOption 可选依赖
type ControllerOption func(*Controller)

func WithTypesetter(t Typesetter) ControllerOption {
	return func(c *Controller) { c.typesetter = t }
}

func WithChartRenderer(r ChartRenderer) ControllerOption {
	return func(c *Controller) { c.charts = r }
}

// WithHistory 对话历史存储；缺省使用内存存储
func WithHistory(s timeline.Store) ControllerOption {
	return func(c *Controller) {
		if s != nil {
			c.history = s
		}
	}
}

// WithSnapshots 每次状态变化后保存快照
func WithSnapshots(s session.Store) ControllerOption {
	return func(c *Controller) { c.snapshots = s }
}

func WithControllerMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

func WithControllerLogger(l *log.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock 测试用：替换时钟与定时器
func WithClock(now func() time.Time, after AfterFunc) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
		if after != nil {
			c.afterFunc = after
		}
	}
}

// Controller 把音频通道和事件归约粘合成一个会话的生命周期。
//
// 职责与契约：
// - UIState 只在这里修改；每次修改后向订阅者推送一份完整快照。
// - 下行事件经 EventQueue 串行处理，与本地操作共享同一把锁。
// - 历史先写 timeline 再进入 UIState（append-first）。
type Controller struct {
	config     ControllerConfig
	transport  Transport
	reducer    Reducer
	history    timeline.Store
	snapshots  session.Store
	typesetter Typesetter
	charts     ChartRenderer
	metrics    *metrics.Metrics
	logger     *log.Logger
	now        func() time.Time
	afterFunc  AfterFunc
	queue      *EventQueue

	// publishMu 保证快照按修改顺序推送
	publishMu sync.Mutex

	mu             sync.Mutex
	state          model.UIState
	starting       bool
	startingRecord bool
	closed         bool
	contentGen     uint64
	statusGen      uint64
	// 历史条目的 EventID 由轮次派生，重放的同一轮只写一次
	recordTurn     uint64
	assistantTurn  uint64
	lastAdkEventID string
	timers         map[uint64]func() bool
	nextTimer      uint64
	unsubscribe    []func()
	changes        transport.Emitter[model.UIState]
	renderWG       sync.WaitGroup
	renderCtx      context.Context
	renderCancel   context.CancelFunc
}

// NewController 创建会话并订阅传输层事件，此时不连接
func NewController(t Transport, config ControllerConfig, opts ...ControllerOption) *Controller {
	config.applyDefaults()
	c := &Controller{
		config:    config,
		transport: t,
		reducer:   Reducer{ImageBaseURL: config.ImageBaseURL},
		history:   timeline.NewInMemoryStore(),
		logger:    log.Default(),
		now:       time.Now,
		afterFunc: realAfterFunc,
		timers:    make(map[uint64]func() bool),
		state: model.UIState{
			SessionID:  config.SessionID,
			Phase:      model.PhaseInitializing,
			Connection: model.ConnectionDisconnected,
			History:    []model.HistoryEntry{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.renderCtx, c.renderCancel = context.WithCancel(context.Background())
	c.queue = NewEventQueue(config.SessionID, config.QueueSize, c.HandleEvent, c.logger)

	c.unsubscribe = []func(){
		t.OnMessage(c.onMessage),
		t.OnAudioLevel(c.onAudioLevel),
		t.OnConnectionChange(c.onConnectionChange),
		t.OnError(c.HandleError),
	}
	return c
}

// SessionID 会话 id
func (c *Controller) SessionID() string { return c.config.SessionID }

// Snapshot 返回当前状态的副本
func (c *Controller) Snapshot() model.UIState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Subscribe 订阅状态变化
func (c *Controller) Subscribe(fn func(model.UIState)) func() {
	return c.changes.Subscribe(fn)
}

// History 从存储读取完整历史
func (c *Controller) History(ctx context.Context) ([]model.HistoryEntry, error) {
	return c.history.List(ctx, c.config.SessionID)
}

// QueueStats 事件队列统计
func (c *Controller) QueueStats() QueueStats { return c.queue.Stats() }

// mutate 在锁内修改状态；fn 返回 true 时推送快照
func (c *Controller) mutate(fn func(s *model.UIState) bool) bool {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	changed := fn(&c.state)
	snap := c.state.Clone()
	c.mu.Unlock()

	if changed {
		c.publish(snap)
	}
	return changed
}

func (c *Controller) publish(snap model.UIState) {
	if c.snapshots != nil {
		if err := c.snapshots.Save(context.Background(), &snap); err != nil {
			c.logger.Printf("[Controller] save snapshot failed: session=%s err=%v", snap.SessionID, err)
		}
	}
	c.changes.Emit(snap)
}

// setStatusLocked 修改状态文案；任何修改都会让已排期的延迟清除失效
func (c *Controller) setStatusLocked(s *model.UIState, status string) {
	s.ProcessingStatus = status
	c.statusGen++
}

// schedule 注册定时任务，Close 时统一取消
func (c *Controller) schedule(d time.Duration, f func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.nextTimer++
	id := c.nextTimer
	c.mu.Unlock()

	stop := c.afterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, id)
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			f()
		}
	})

	c.mu.Lock()
	c.timers[id] = stop
	c.mu.Unlock()
}

// Start 连接后端。重入安全：正在连接或已连接时直接返回。
func (c *Controller) Start(ctx context.Context) error {
	var proceed bool
	var closed bool
	c.mutate(func(s *model.UIState) bool {
		if c.closed {
			closed = true
			return false
		}
		if c.starting || s.Phase.Connected() {
			return false
		}
		c.starting = true
		proceed = true
		s.Phase = model.PhaseConnecting
		s.Connection = model.ConnectionConnecting
		s.ErrorKind = model.ErrorKindNone
		s.LastError = ""
		c.setStatusLocked(s, StatusConnecting)
		return true
	})
	if closed {
		return ErrControllerClosed
	}
	if !proceed {
		return nil
	}

	c.logger.Printf("[Controller] 🔌 Connecting session %s to %s", c.config.SessionID, c.config.Endpoint)
	err := c.transport.Connect(ctx, c.config.SessionID, c.config.Endpoint)

	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Printf("[Controller] ❌ Connect failed: session=%s err=%v", c.config.SessionID, err)
		c.fail(err)
		return err
	}

	c.mutate(func(s *model.UIState) bool {
		if s.Phase != model.PhaseConnecting {
			return false
		}
		s.Phase = model.PhaseIdle
		s.Connection = model.ConnectionConnected
		c.setStatusLocked(s, "")
		return true
	})
	c.logger.Printf("[Controller] ✅ Session %s connected", c.config.SessionID)
	return nil
}

// Retry 从 Error/Disconnected 重新连接
func (c *Controller) Retry(ctx context.Context) error {
	snap := c.Snapshot()
	if snap.Phase != model.PhaseError && snap.Phase != model.PhaseDisconnected && snap.Phase != model.PhaseInitializing {
		return fmt.Errorf("%w: cannot retry from %s", transport.ErrInvalidState, snap.Phase)
	}
	c.logger.Printf("[Controller] 🔁 Retry session %s (last error: %s)", c.config.SessionID, snap.LastError)
	return c.Start(ctx)
}

// StartRecording 进入 Recording。
// 上一轮内容仍在展示或播放时先打断一次音频，宽限期后清掉旧内容（期间有新内容则保留）。
func (c *Controller) StartRecording(ctx context.Context) error {
	var (
		interrupt bool
		gen       uint64
		stateErr  error
	)
	c.mu.Lock()
	switch {
	case c.closed:
		stateErr = ErrControllerClosed
	case c.startingRecord:
		stateErr = fmt.Errorf("%w: recording is starting", transport.ErrInvalidState)
	case c.state.Phase != model.PhaseIdle && c.state.Phase != model.PhaseProcessing:
		stateErr = fmt.Errorf("%w: cannot record in phase %s", transport.ErrInvalidState, c.state.Phase)
	default:
		c.startingRecord = true
		interrupt = c.state.HasDisplayedContent() || c.state.Phase == model.PhaseProcessing
		gen = c.contentGen
	}
	c.mu.Unlock()
	if stateErr != nil {
		return stateErr
	}
	defer func() {
		c.mu.Lock()
		c.startingRecord = false
		c.mu.Unlock()
	}()

	if interrupt {
		c.transport.InterruptAudio()
	}

	if err := c.transport.StartRecording(ctx); err != nil {
		// 设备错误也会经 OnError 到达，fail 是幂等的
		c.fail(err)
		return err
	}

	// 打开麦克风期间可能到达错误事件或 Close，此时不能再进入 Recording
	var abortErr error
	c.mutate(func(s *model.UIState) bool {
		switch {
		case c.closed:
			abortErr = ErrControllerClosed
			return false
		case s.Phase != model.PhaseIdle && s.Phase != model.PhaseProcessing:
			abortErr = fmt.Errorf("%w: phase changed to %s while opening microphone", transport.ErrInvalidState, s.Phase)
			return false
		}
		s.Phase = model.PhaseRecording
		s.Recording = true
		s.LiveTranscript = ""
		s.PendingAssistant = ""
		c.recordTurn++
		c.setStatusLocked(s, StatusRecording)
		return true
	})
	if abortErr != nil {
		c.transport.StopRecording()
		c.logger.Printf("[Controller] recording aborted: session=%s err=%v", c.config.SessionID, abortErr)
		return abortErr
	}

	if interrupt {
		c.schedule(c.config.InterruptGrace, func() { c.clearStaleContent(gen) })
	}
	return nil
}

// clearStaleContent 宽限期后清掉旧内容；期间到达了新内容则跳过
func (c *Controller) clearStaleContent(gen uint64) {
	c.mutate(func(s *model.UIState) bool {
		if c.contentGen != gen {
			return false
		}
		clearContent(s)
		return true
	})
}

func clearContent(s *model.UIState) {
	s.MathJaxContent = ""
	s.ShowVisualization = false
	s.VisualizationConfig = nil
	s.ImageURL = ""
	s.AnalysisComplete = false
}

// StopRecording 结束录音，实时转写写入历史，进入 Processing
func (c *Controller) StopRecording(ctx context.Context) {
	if c.Snapshot().Phase != model.PhaseRecording {
		return
	}
	// 先处理完已收到的转写事件，再取转写文本
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	err := c.queue.Flush(flushCtx)
	cancel()
	if err != nil {
		c.logger.Printf("[Controller] flush before stop failed: session=%s err=%v", c.config.SessionID, err)
	}

	var transcript, eventID string
	changed := c.mutate(func(s *model.UIState) bool {
		if s.Phase != model.PhaseRecording {
			return false
		}
		transcript = s.LiveTranscript
		eventID = fmt.Sprintf("%s/user/%d", c.config.SessionID, c.recordTurn)
		s.LiveTranscript = ""
		s.Phase = model.PhaseProcessing
		s.Recording = false
		s.AudioLevel = 0
		c.setStatusLocked(s, StatusProcessingQuestion)
		return true
	})
	if !changed {
		return
	}

	c.transport.StopRecording()
	if transcript != "" {
		c.appendHistory(ctx, eventID, model.RoleUser, transcript)
	}
}

// Interrupt 用户主动打断播放
func (c *Controller) Interrupt() {
	c.transport.InterruptAudio()
}

// appendHistory 先写存储，再进入 UIState。同一 EventID 只进入一次。
func (c *Controller) appendHistory(ctx context.Context, eventID, role, content string) {
	entry := model.HistoryEntry{
		SessionID: c.config.SessionID,
		EventID:   eventID,
		Role:      role,
		Content:   content,
		Timestamp: c.now(),
	}
	seq, err := c.history.Append(ctx, c.config.SessionID, &entry)
	if err != nil {
		c.logger.Printf("[Controller] append history failed: session=%s role=%s err=%v", c.config.SessionID, role, err)
		return
	}
	entry.Seq = seq
	c.mutate(func(s *model.UIState) bool {
		for _, existing := range s.History {
			if existing.EventID == eventID {
				c.logger.Printf("[Controller] duplicate history entry ignored: session=%s event=%s", c.config.SessionID, eventID)
				return false
			}
		}
		s.History = append(s.History, entry)
		return true
	})
}

func (c *Controller) onMessage(evt protocol.InboundEvent) {
	c.metrics.RecordInboundEvent(string(evt.Type))
	ctx, cancel := context.WithTimeout(context.Background(), inboundEnqueueWait)
	defer cancel()
	if err := c.queue.Enqueue(ctx, evt); err != nil {
		c.metrics.RecordInboundError("queue")
		c.logger.Printf("[Controller] drop event %s: %v", evt.Type, err)
	}
}

func (c *Controller) onAudioLevel(level float64) {
	c.mutate(func(s *model.UIState) bool {
		if s.AudioLevel == level {
			return false
		}
		s.AudioLevel = level
		return true
	})
}

func (c *Controller) onConnectionChange(connected bool) {
	c.mutate(func(s *model.UIState) bool {
		if c.closed {
			return false
		}
		if connected {
			if s.Connection == model.ConnectionConnected {
				return false
			}
			s.Connection = model.ConnectionConnected
			if s.Phase == model.PhaseConnecting {
				s.Phase = model.PhaseIdle
				c.setStatusLocked(s, "")
			}
			return true
		}
		switch s.Phase {
		case model.PhaseError:
			s.Recording = false
			s.AudioLevel = 0
			return true
		case model.PhaseDisconnected:
			return false
		}
		c.logger.Printf("[Controller] Session %s disconnected", c.config.SessionID)
		s.Phase = model.PhaseDisconnected
		s.Connection = model.ConnectionDisconnected
		s.Recording = false
		s.AudioLevel = 0
		return true
	})
}

// HandleError 传输层/设备错误 -> Error 阶段。同一类错误重复到达只生效一次。
func (c *Controller) HandleError(err error) {
	c.fail(err)
}

func (c *Controller) fail(err error) {
	kind, text := classifyError(err)
	changed := c.mutate(func(s *model.UIState) bool {
		if c.closed {
			return false
		}
		if s.Phase == model.PhaseError && s.ErrorKind == kind {
			return false
		}
		s.Phase = model.PhaseError
		s.ErrorKind = kind
		s.LastError = err.Error()
		s.Recording = false
		s.AudioLevel = 0
		if kind == model.ErrorKindConnection || kind == model.ErrorKindRejected {
			s.Connection = model.ConnectionError
		}
		c.setStatusLocked(s, text)
		return true
	})
	if changed {
		c.metrics.RecordSessionError(string(kind))
		c.logger.Printf("[Controller] ⚠️  Session %s error (%s): %v", c.config.SessionID, kind, err)
	}
}

// classifyError 错误 -> 展示类别与引导文案
func classifyError(err error) (model.ErrorKind, string) {
	switch {
	case errors.Is(err, transport.ErrConnectionRejected):
		return model.ErrorKindRejected, StatusSessionElsewhere
	case errors.Is(err, transport.ErrPermission):
		return model.ErrorKindPermission, StatusMicPermission
	case errors.Is(err, transport.ErrDeviceNotFound):
		return model.ErrorKindDevice, StatusNoMicrophone
	default:
		return model.ErrorKindConnection, StatusConnectionLost
	}
}

// HandleEvent 处理一条下行事件（EventQueue 的处理函数）
func (c *Controller) HandleEvent(ctx context.Context, evt protocol.InboundEvent) error {
	switch evt.Type {
	case protocol.EventTypeAdkEvent:
		adk, err := evt.Adk()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrProtocol, err)
		}
		if adk.EventID != "" {
			c.mu.Lock()
			c.lastAdkEventID = adk.EventID
			c.mu.Unlock()
		}
		c.applyPatch(c.reducer.Reduce(adk))

	case protocol.EventTypeText:
		data, err := evt.Text()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrProtocol, err)
		}
		c.mutate(func(s *model.UIState) bool {
			if data.Content == "" {
				return false
			}
			if data.Role == model.RoleUser {
				s.LiveTranscript += data.Content
			} else {
				s.PendingAssistant += data.Content
			}
			return true
		})

	case protocol.EventTypeTurnComplete:
		c.completeTurn(ctx)

	case protocol.EventTypeInterrupted:
		c.mutate(func(s *model.UIState) bool {
			s.PendingAssistant = ""
			c.lastAdkEventID = ""
			if s.Phase == model.PhaseProcessing {
				s.Phase = model.PhaseIdle
			}
			if c.config.InterruptionPolicy == PolicyClear {
				clearContent(s)
				c.contentGen++
			}
			c.setStatusLocked(s, StatusListening)
			return true
		})

	case protocol.EventTypeError:
		data, err := evt.ErrorInfo()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrProtocol, err)
		}
		c.transport.StopRecording()
		c.mutate(func(s *model.UIState) bool {
			s.Phase = model.PhaseError
			s.ErrorKind = model.ErrorKindAgent
			s.LastError = data.Message
			s.Recording = false
			s.AudioLevel = 0
			s.PendingAssistant = ""
			c.setStatusLocked(s, StatusAgentError)
			return true
		})
		c.metrics.RecordSessionError(string(model.ErrorKindAgent))
		c.logger.Printf("[Controller] ⚠️  Agent error: session=%s message=%s", c.config.SessionID, data.Message)

	case protocol.EventTypeToolCall:
		data, err := evt.ToolCall()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrProtocol, err)
		}
		text := data.Message
		if text == "" {
			text = lookupStatus(callStatus, data.Tool, StatusWorking)
		}
		c.applyPatch(model.UIStatePatch{ProcessingStatus: status(text)})

	case protocol.EventTypeImageReceived:
		c.applyPatch(model.UIStatePatch{ProcessingStatus: status(StatusAnalyzing)})

	case protocol.EventTypeImageAnalyzed:
		data, err := evt.Image()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrProtocol, err)
		}
		patch := model.UIStatePatch{ProcessingStatus: status(StatusProblemIdentified)}
		if data.Analysis != nil && data.Analysis.MathJaxContent != "" {
			patch.MathJaxContent = NormalizeMath(data.Analysis.MathJaxContent)
			patch.ShouldUpdateMathJax = true
		}
		c.applyPatch(patch)

	case protocol.EventTypeAgentReady:
		data, err := evt.AgentReady()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrProtocol, err)
		}
		text := data.Message
		if text == "" {
			text = StatusReady
		}
		c.mutate(func(s *model.UIState) bool {
			if s.Phase == model.PhaseConnecting {
				s.Phase = model.PhaseIdle
			}
			c.setStatusLocked(s, text)
			return true
		})
		c.logger.Printf("[Controller] 🤖 Agent ready: session=%s", c.config.SessionID)

	case protocol.EventTypeRecordingStarted, protocol.EventTypeRecordingStopped, protocol.EventTypePong:
		// 后端回执，无需处理

	default:
		c.logger.Printf("[Controller] unknown event type %q ignored", evt.Type)
	}
	return nil
}

// completeTurn 把在途的助手回复写入历史，回到 Idle
func (c *Controller) completeTurn(ctx context.Context) {
	var pending, eventID string
	c.mutate(func(s *model.UIState) bool {
		pending = s.PendingAssistant
		s.PendingAssistant = ""
		if pending != "" {
			// 优先用本轮最后一条 ADK 事件的 id；没有时按助手轮次编号
			if c.lastAdkEventID != "" {
				eventID = "adk/" + c.lastAdkEventID
			} else {
				c.assistantTurn++
				eventID = fmt.Sprintf("%s/assistant/%d", c.config.SessionID, c.assistantTurn)
			}
		}
		c.lastAdkEventID = ""
		if s.Phase == model.PhaseProcessing {
			s.Phase = model.PhaseIdle
		}
		return true
	})
	if pending != "" {
		c.appendHistory(ctx, eventID, model.RoleAssistant, pending)
	}
}

// applyPatch 把补丁合并进 UIState，并触发排版、图表与延迟清除
func (c *Controller) applyPatch(patch model.UIStatePatch) {
	if patch.IsEmpty() {
		return
	}
	var (
		typeset   string
		chart     json.RawMessage
		clearGen  uint64
		clearLate bool
	)
	c.mutate(func(s *model.UIState) bool {
		if patch.ProcessingStatus != nil {
			c.setStatusLocked(s, *patch.ProcessingStatus)
		}
		if patch.ShouldUpdateMathJax {
			s.MathJaxContent = patch.MathJaxContent
			typeset = patch.MathJaxContent
			c.contentGen++
		}
		if patch.ShouldShowVisualization {
			s.ShowVisualization = true
			s.VisualizationConfig = append(json.RawMessage(nil), patch.VisualizationConfig...)
			chart = s.VisualizationConfig
			c.contentGen++
		}
		if patch.ShouldUpdateImage {
			s.ImageURL = patch.ImageURL
			c.contentGen++
		}
		if patch.AnalysisComplete {
			s.AnalysisComplete = true
		}
		if patch.ClearProcessingStatus {
			clearLate = true
			clearGen = c.statusGen
		}
		return true
	})

	if typeset != "" && c.typesetter != nil {
		c.render("typeset", func(ctx context.Context) error { return c.typesetter.Typeset(ctx, typeset) })
	}
	if chart != nil && c.charts != nil {
		c.render("chart", func(ctx context.Context) error { return c.charts.Render(ctx, chart) })
	}
	if clearLate {
		c.schedule(c.config.StatusClearDelay, func() { c.clearStatus(clearGen) })
	}
}

// clearStatus 延迟清除状态文案；期间文案被改过则跳过
func (c *Controller) clearStatus(gen uint64) {
	c.mutate(func(s *model.UIState) bool {
		if c.statusGen != gen || s.ProcessingStatus == "" {
			return false
		}
		c.setStatusLocked(s, "")
		return true
	})
}

// render 异步调用外部渲染服务，只记录结果
func (c *Controller) render(kind string, fn func(ctx context.Context) error) {
	c.renderWG.Add(1)
	go func() {
		defer c.renderWG.Done()
		ctx, cancel := context.WithTimeout(c.renderCtx, renderTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Printf("[Controller] %s failed: session=%s err=%v", kind, c.config.SessionID, err)
		}
	}()
}

// Close 断开传输、停止队列与定时器。可重复调用。
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	timers := c.timers
	c.timers = make(map[uint64]func() bool)
	c.mu.Unlock()

	for _, stop := range timers {
		stop()
	}
	for _, fn := range unsubscribe {
		fn()
	}
	// 先关队列，放开可能阻塞在入队上的读协程
	c.queue.Close()
	c.transport.Disconnect()
	c.renderCancel()
	c.renderWG.Wait()

	c.mutate(func(s *model.UIState) bool {
		s.Phase = model.PhaseDisconnected
		s.Connection = model.ConnectionDisconnected
		s.Recording = false
		s.AudioLevel = 0
		return true
	})
	c.logger.Printf("[Controller] Session %s closed", c.config.SessionID)
	return nil
}
