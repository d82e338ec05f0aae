package audiocodec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// CaptureSampleRate 上行（麦克风）采样率，后端期望 16kHz mono PCM16
	CaptureSampleRate = 16000
	// PlaybackSampleRate 下行（Agent 语音）采样率
	PlaybackSampleRate = 24000

	// DefaultClipThreshold 削波判定阈值
	DefaultClipThreshold = 0.98
	// DefaultLevelGain 电平表增益：语音 RMS 通常远小于 1，放大后更适合 0-100 的显示
	DefaultLevelGain = 5.0
)

// ErrInvalidPayload 音频载荷无法解码（非法 base64 等）
var ErrInvalidPayload = errors.New("invalid audio payload")

// FloatToPCM16 将 [-1,1] 浮点采样量化为 16bit PCM。
// round(x*32768) 后截断到 [-32768, 32767]，不做抖动。
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// PCM16ToFloat 是 FloatToPCM16 的逆变换：x / 32768
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) / 32768.0)
	}
	return out
}

// PCM16Bytes 将 int16 采样按小端序写成字节流
func PCM16Bytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToPCM16 解析小端序 PCM16 字节流，奇数长度时丢弃最后一个字节
func BytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// EncodeForWire 浮点采样 -> PCM16 -> base64，用于上行 audio 帧
func EncodeForWire(samples []float32) string {
	return base64.StdEncoding.EncodeToString(PCM16Bytes(FloatToPCM16(samples)))
}

// DecodeFromWire 解码下行 audio 帧为按声道拆分的浮点采样。
// 多声道按下标取模拆分（O(n·channels)），实际只会收到单声道。
func DecodeFromWire(payload string, channels int) ([][]float32, error) {
	if channels <= 0 {
		channels = 1
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	interleaved := PCM16ToFloat(BytesToPCM16(raw))
	if channels == 1 {
		return [][]float32{interleaved}, nil
	}

	out := make([][]float32, channels)
	for ch := 0; ch < channels; ch++ {
		var data []float32
		for i, s := range interleaved {
			if i%channels == ch {
				data = append(data, s)
			}
		}
		out[ch] = data
	}
	return out, nil
}

// Resample 线性插值重采样。
// 输出长度 = floor(len / (from/to))；插值的右邻点越界时取最后一个有效采样。
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx > last {
			idx = last
		}
		next := idx + 1
		if next > last {
			next = last
		}
		frac := pos - float64(idx)
		out[i] = float32(float64(samples[idx])*(1-frac) + float64(samples[next])*frac)
	}
	return out
}

// Duration 采样数对应的播放时长（秒）
func Duration(numSamples, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(numSamples) / float64(sampleRate)
}
