package mixer

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"homework-live/server/internal/transport"
)

// Mixer 以采样为单位的播放时钟，实现 transport.PlaybackContext。
// 输出端（oto Player）不断 Read，时钟随读出的帧数前进；没有 voice 时输出静音。
// 已安排的 voice 在起始帧到达后被混入，读完后在锁外回调 onEnded。
type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	position   int64 // 已读出的帧数
	voices     []*voice
	closed     bool
}

type voice struct {
	mixer   *Mixer
	start   int64
	samples []float32
	onEnded func()
	done    bool
}

// Stop 立即移除；不触发 onEnded
func (v *voice) Stop() {
	m := v.mixer
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.done {
		return
	}
	v.done = true
	m.removeLocked(v)
}

// NewMixer 创建单声道 float32 混音器
func NewMixer(sampleRate int) *Mixer {
	return &Mixer{sampleRate: sampleRate}
}

// CurrentTime 时钟位置
func (m *Mixer) CurrentTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameToTime(m.position)
}

func (m *Mixer) frameToTime(frame int64) time.Duration {
	return time.Duration(frame * int64(time.Second) / int64(m.sampleRate))
}

func (m *Mixer) timeToFrame(d time.Duration) int64 {
	return int64(d) * int64(m.sampleRate) / int64(time.Second)
}

// Play 安排 samples 从 at 开始播放；at 已过去时从当前位置开始
func (m *Mixer) Play(samples []float32, at time.Duration, onEnded func()) (transport.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, io.ErrClosedPipe
	}
	start := m.timeToFrame(at)
	if start < m.position {
		start = m.position
	}
	v := &voice{mixer: m, start: start, samples: samples, onEnded: onEnded}
	m.voices = append(m.voices, v)
	return v, nil
}

func (m *Mixer) removeLocked(v *voice) {
	for i, cur := range m.voices {
		if cur == v {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			return
		}
	}
}

// Active 未结束的 voice 数量
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Read 输出 float32 little-endian 单声道 PCM
func (m *Mixer) Read(p []byte) (int, error) {
	frames := len(p) / 4
	if frames == 0 {
		return 0, nil
	}
	buf := m.mix(frames)
	for i, s := range buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	return frames * 4, nil
}

// mix 混合 [position, position+frames) 区间并推进时钟
func (m *Mixer) mix(frames int) []float32 {
	out := make([]float32, frames)

	m.mu.Lock()
	from := m.position
	to := from + int64(frames)
	var ended []func()
	kept := m.voices[:0]
	for _, v := range m.voices {
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			out[f-from] += v.samples[f-v.start]
		}
		if end <= to {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.position = to
	m.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	return out
}

// Close 停止全部 voice，之后的 Play 返回错误；Read 继续输出静音直到播放器关闭
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, v := range m.voices {
		v.done = true
	}
	m.voices = nil
	return nil
}
