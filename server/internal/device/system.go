package device

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"homework-live/server/internal/transport"
)

// System 本机音频设备：malgo 录音 + oto 播放。实现 transport.Devices。
type System struct {
	mu           sync.Mutex
	malgoCtx     *malgo.AllocatedContext
	outputBuffer time.Duration
	logger       *log.Logger
}

// NewSystem outputBuffer 为 oto 输出缓冲时长（决定播放延迟）
func NewSystem(outputBuffer time.Duration, logger *log.Logger) *System {
	if logger == nil {
		logger = log.Default()
	}
	if outputBuffer <= 0 {
		outputBuffer = 100 * time.Millisecond
	}
	return &System{outputBuffer: outputBuffer, logger: logger}
}

func (s *System) context() (*malgo.AllocatedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.malgoCtx != nil {
		return s.malgoCtx, nil
	}
	cfg := malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}
	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		s.logger.Printf("[Device] %s", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", transport.ErrDeviceNotFound, err)
	}
	s.malgoCtx = ctx
	return ctx, nil
}

// CaptureDevices 列出输入设备名
func (s *System) CaptureDevices() ([]string, error) {
	ctx, err := s.context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	names := make([]string, 0, len(infos))
	for i := range infos {
		names = append(names, infos[i].Name())
	}
	return names, nil
}

// OpenCapture 打开默认输入设备
func (s *System) OpenCapture(ctx context.Context, sampleRate, blockSize int) (transport.CaptureDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := s.CaptureDevices()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no input device", transport.ErrDeviceNotFound)
	}

	mctx, err := s.context()
	if err != nil {
		return nil, err
	}
	mic, err := newMicrophone(mctx.Context, sampleRate, blockSize)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[Device] microphone opened (%d Hz, block=%d)", mic.SampleRate(), blockSize)
	return mic, nil
}

// OpenPlayback 打开默认输出设备
func (s *System) OpenPlayback(sampleRate int) (transport.PlaybackContext, error) {
	sp, err := OpenSpeaker(sampleRate, s.outputBuffer)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[Device] speaker opened (%d Hz)", sampleRate)
	return sp, nil
}

// Close 释放 malgo 上下文
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.malgoCtx == nil {
		return nil
	}
	err := s.malgoCtx.Uninit()
	s.malgoCtx.Free()
	s.malgoCtx = nil
	return err
}
