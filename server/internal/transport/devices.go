package transport

import (
	"context"
	"time"
)

// Devices 打开音频设备。实现在 internal/device（malgo / oto），测试用假实现。
type Devices interface {
	// OpenCapture 打开输入设备。可能阻塞等待用户授权；
	// 拒绝授权返回包装 ErrPermission 的错误，无输入设备返回包装 ErrDeviceNotFound 的错误。
	OpenCapture(ctx context.Context, sampleRate, blockSize int) (CaptureDevice, error)
	// OpenPlayback 打开输出设备上下文
	OpenPlayback(sampleRate int) (PlaybackContext, error)
}

// CaptureDevice 录音设备
type CaptureDevice interface {
	// Start 开始采集，每凑满一个块回调一次。回调不能阻塞。
	Start(onBlock func(samples []float32)) error
	Stop() error
	// SampleRate 设备实际输出的采样率
	SampleRate() int
}

// PlaybackContext 输出设备上的播放时钟
type PlaybackContext interface {
	// CurrentTime 播放时钟的当前位置
	CurrentTime() time.Duration
	// Play 安排 samples 在时钟到达 at 时开始播放。
	// onEnded 在自然播放完毕后调用，不能在 Play 或 Source.Stop 内同步调用。
	Play(samples []float32, at time.Duration, onEnded func()) (Source, error)
	Close() error
}

// Source 一段已安排的播放
type Source interface {
	// Stop 立即停止；对已结束的 Source 调用是 no-op
	Stop()
}
