package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"homework-live/server/internal/protocol"
)

// EventHandler 处理一条下行事件；返回 error 只记录，不中断队列
type EventHandler func(ctx context.Context, evt protocol.InboundEvent) error

// ErrQueueClosed / ErrQueueFull 入队失败
var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// EventQueue 为单个会话提供串行事件处理（Actor Model）
// 解决问题：
// 1. 传输层的读协程与本地操作并发时，UIState 不被交错修改
// 2. 保证事件按通道顺序处理，多 author 交错也不乱序
type EventQueue struct {
	sessionID    string
	eventHandler EventHandler
	eventChan    chan *queuedEvent
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
	logger       *log.Logger

	// 统计信息
	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	droppedEvents   int64
}

type queuedEvent struct {
	evt       protocol.InboundEvent
	timestamp time.Time
	barrier   bool       // Flush 屏障，不交给处理函数
	resultCh  chan error // 屏障完成通知
}

const (
	// 队列容量：满了之后 Enqueue 阻塞（背压控制）
	defaultQueueCapacity = 100
	// 单个事件处理超时
	defaultEventTimeout = 10 * time.Second
	// 超过该耗时记录慢事件
	slowEventThreshold = time.Second
)

// QueueStats 队列统计
type QueueStats struct {
	SessionID       string `json:"session_id"`
	TotalEvents     int64  `json:"total_events"`
	ProcessedEvents int64  `json:"processed_events"`
	DroppedEvents   int64  `json:"dropped_events"`
	PendingEvents   int    `json:"pending_events"`
	QueueCapacity   int    `json:"queue_capacity"`
}

// NewEventQueue 创建事件队列；capacity<=0 使用默认容量
func NewEventQueue(sessionID string, capacity int, handler EventHandler, logger *log.Logger) *EventQueue {
	if logger == nil {
		logger = log.Default()
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	eq := &EventQueue{
		sessionID:    sessionID,
		eventHandler: handler,
		eventChan:    make(chan *queuedEvent, capacity),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}

	// 启动单线程事件处理器
	eq.wg.Add(1)
	go eq.processLoop()

	return eq
}

// Enqueue 将事件加入队列。
// 队列满时阻塞调用方（传输层读协程），直到有空位、ctx 结束或队列关闭；
// 只有 ctx 结束才丢弃事件并返回 ErrQueueFull。
func (eq *EventQueue) Enqueue(ctx context.Context, evt protocol.InboundEvent) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	event := &queuedEvent{evt: evt, timestamp: time.Now()}

	select {
	case eq.eventChan <- event:
		eq.countEnqueued()
		return nil
	default:
	}

	// 队列已满，反压到读协程
	eq.logger.Printf("[EventQueue] ⚠️  Queue full, waiting: session=%s type=%s", eq.sessionID, evt.Type)
	select {
	case eq.eventChan <- event:
		eq.countEnqueued()
		return nil
	case <-eq.ctx.Done():
		return ErrQueueClosed
	case <-ctx.Done():
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Printf("[EventQueue] ❌ Dropping event after waiting: session=%s type=%s err=%v", eq.sessionID, evt.Type, ctx.Err())
		return fmt.Errorf("%w: %v", ErrQueueFull, ctx.Err())
	}
}

func (eq *EventQueue) countEnqueued() {
	eq.mu.Lock()
	eq.totalEvents++
	eq.mu.Unlock()
}

// Flush 等待此前入队的事件全部处理完。不能在事件处理函数内调用。
func (eq *EventQueue) Flush(ctx context.Context) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	barrier := &queuedEvent{timestamp: time.Now(), barrier: true, resultCh: make(chan error, 1)}

	select {
	case eq.eventChan <- barrier:
	case <-ctx.Done():
		return ctx.Err()
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}

	select {
	case <-barrier.resultCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}
}

// processLoop 串行处理事件（单线程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			return
		case event := <-eq.eventChan:
			eq.processEvent(event)
		}
	}
}

// processEvent 处理单个事件
func (eq *EventQueue) processEvent(event *queuedEvent) {
	if event.barrier {
		event.resultCh <- nil
		return
	}
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(eq.ctx, defaultEventTimeout)
	defer cancel()

	err := eq.eventHandler(ctx, event.evt)
	processingTime := time.Since(startTime)

	if err != nil {
		eq.logger.Printf("[EventQueue] ❌ Event processing failed: type=%s error=%v queue_latency=%v",
			event.evt.Type, err, startTime.Sub(event.timestamp))
	}

	eq.mu.Lock()
	eq.processedEvents++
	eq.mu.Unlock()

	if processingTime > slowEventThreshold {
		eq.logger.Printf("[EventQueue] ⚠️  Slow event processing: type=%s processing_time=%v",
			event.evt.Type, processingTime)
	}
}

// Close 关闭事件队列，未处理的事件被丢弃。可重复调用。
func (eq *EventQueue) Close() error {
	eq.closeOnce.Do(func() {
		eq.cancel()
		eq.wg.Wait()

		stats := eq.Stats()
		eq.logger.Printf("[EventQueue] Closed for session %s: total=%d processed=%d dropped=%d pending=%d",
			eq.sessionID, stats.TotalEvents, stats.ProcessedEvents, stats.DroppedEvents, stats.PendingEvents)
	})
	return nil
}

// Stats 获取队列统计信息
func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return QueueStats{
		SessionID:       eq.sessionID,
		TotalEvents:     eq.totalEvents,
		ProcessedEvents: eq.processedEvents,
		DroppedEvents:   eq.droppedEvents,
		PendingEvents:   len(eq.eventChan),
		QueueCapacity:   cap(eq.eventChan),
	}
}
