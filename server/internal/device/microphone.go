package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"homework-live/server/internal/transport"
)

// Microphone malgo 录音设备，按固定块大小回调 float32 单声道采样
type Microphone struct {
	device     *malgo.Device
	sampleRate int
	blockSize  int

	mu      sync.Mutex
	pending []float32
	onBlock func([]float32)
}

func newMicrophone(ctx malgo.Context, sampleRate, blockSize int) (*Microphone, error) {
	m := &Microphone{sampleRate: sampleRate, blockSize: blockSize}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx, cfg, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		return nil, mapDeviceError(err)
	}
	m.device = device
	if rate := int(device.SampleRate()); rate > 0 {
		m.sampleRate = rate
	}
	return m, nil
}

// mapDeviceError 把 miniaudio 结果码映射为传输层错误分类
func mapDeviceError(err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %v", transport.ErrPermission, err)
	case errors.Is(err, malgo.ErrNoDevice), errors.Is(err, malgo.ErrDoesNotExist):
		return fmt.Errorf("%w: %v", transport.ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("init capture device: %w", err)
	}
}

// onData 运行在音频线程：只做拷贝和分块
func (m *Microphone) onData(_, input []byte, _ uint32) {
	n := len(input) / 4
	if n == 0 {
		return
	}

	m.mu.Lock()
	for i := 0; i < n; i++ {
		m.pending = append(m.pending, math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:])))
	}
	var blocks [][]float32
	for len(m.pending) >= m.blockSize {
		block := make([]float32, m.blockSize)
		copy(block, m.pending)
		m.pending = m.pending[m.blockSize:]
		blocks = append(blocks, block)
	}
	fn := m.onBlock
	m.mu.Unlock()

	if fn == nil {
		return
	}
	for _, b := range blocks {
		fn(b)
	}
}

func (m *Microphone) Start(onBlock func([]float32)) error {
	m.mu.Lock()
	m.onBlock = onBlock
	m.pending = m.pending[:0]
	m.mu.Unlock()
	if err := m.device.Start(); err != nil {
		return mapDeviceError(err)
	}
	return nil
}

// Stop 停止并释放设备，之后不可再 Start
func (m *Microphone) Stop() error {
	m.mu.Lock()
	m.onBlock = nil
	m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil
	return err
}

func (m *Microphone) SampleRate() int { return m.sampleRate }
