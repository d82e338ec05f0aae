package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"homework-live/server/internal/mixer"
	"homework-live/server/internal/transport"
)

// 一个进程只能有一个 oto.Context，采样率由第一次打开决定
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedOtoContext(sampleRate int, bufferSize time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if err != nil {
			otoErr = fmt.Errorf("%w: init output: %v", transport.ErrDeviceNotFound, err)
			return
		}
		<-ready
		otoCtx = ctx
		otoRate = sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("output already opened at %d Hz, requested %d Hz", otoRate, sampleRate)
	}
	return otoCtx, nil
}

// Speaker oto 播放器 + Mixer 时钟，实现 transport.PlaybackContext
type Speaker struct {
	*mixer.Mixer
	player    *oto.Player
	closeOnce sync.Once
}

// OpenSpeaker 打开默认输出设备并开始输出（无 voice 时为静音）
func OpenSpeaker(sampleRate int, bufferSize time.Duration) (*Speaker, error) {
	ctx, err := sharedOtoContext(sampleRate, bufferSize)
	if err != nil {
		return nil, err
	}
	mx := mixer.NewMixer(sampleRate)
	player := ctx.NewPlayer(mx)
	player.Play()
	return &Speaker{Mixer: mx, player: player}, nil
}

// Close 停止输出并释放播放器。oto.Context 由进程共享，不释放。
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Mixer.Close()
		s.player.Pause()
		err = s.player.Close()
	})
	return err
}
