package transport

import (
	"sync"
	"time"
)

// Scheduler 把收到的音频缓冲首尾相接地排到播放时钟上。
//
// nextPlayTime 只在这里读写：每个缓冲从 max(nextPlayTime, now) 开始，
// 之后 nextPlayTime 前进该缓冲的时长，因此到达抖动不会造成空隙或重叠。
// active 记录尚未结束的 Source，供 Interrupt 一次性停止。
type Scheduler struct {
	mu           sync.Mutex
	ctx          PlaybackContext
	sampleRate   int
	nextPlayTime time.Duration
	nextID       uint64
	active       map[uint64]Source
}

// NewScheduler 创建调度器，游标从时钟当前位置开始
func NewScheduler(ctx PlaybackContext, sampleRate int) *Scheduler {
	return &Scheduler{
		ctx:          ctx,
		sampleRate:   sampleRate,
		nextPlayTime: ctx.CurrentTime(),
		active:       make(map[uint64]Source),
	}
}

// BufferDuration 按采样率计算 n 个采样的播放时长
func BufferDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// Enqueue 安排一段缓冲，返回它的开始时间和时长
func (s *Scheduler) Enqueue(samples []float32) (start, duration time.Duration, err error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start = s.nextPlayTime
	if now := s.ctx.CurrentTime(); now > start {
		start = now
	}
	duration = BufferDuration(len(samples), s.sampleRate)

	s.nextID++
	id := s.nextID
	src, err := s.ctx.Play(samples, start, func() { s.remove(id) })
	if err != nil {
		return 0, 0, err
	}
	s.active[id] = src
	s.nextPlayTime = start + duration
	return start, duration, nil
}

// remove 自然结束时移除；已被 Interrupt 清掉时重复删除无副作用
func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Interrupt 立即停止所有在播/待播的 Source，清空集合，游标回到当前时钟。
// 幂等；没有活跃 Source 时只重置游标。返回被停止的数量。
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.active)
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.nextPlayTime = s.ctx.CurrentTime()
	return n
}

// NextPlayTime 当前游标位置
func (s *Scheduler) NextPlayTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

// ActiveCount 尚未结束的 Source 数量
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
