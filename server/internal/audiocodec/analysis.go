package audiocodec

import "math"

// RMS 均方根电平 sqrt(mean(x²))
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak 最大绝对值
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// DetectClipping 任一采样 |x| >= threshold 即视为削波；threshold<=0 时使用默认值
func DetectClipping(samples []float32, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultClipThreshold
	}
	for _, s := range samples {
		if math.Abs(float64(s)) >= threshold {
			return true
		}
	}
	return false
}

// SNR 信噪比（dB）。噪声能量为 0 时返回 +Inf，信号为 0 时返回 -Inf。
func SNR(signal, noise []float32) float64 {
	s := RMS(signal)
	n := RMS(noise)
	if n == 0 {
		if s == 0 {
			return 0
		}
		return math.Inf(1)
	}
	if s == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(s/n)
}

// LevelPercent 把 RMS 映射到 0-100 的电平表刻度
func LevelPercent(rms, gain float64) float64 {
	if gain <= 0 {
		gain = DefaultLevelGain
	}
	level := rms * gain * 100
	if level > 100 {
		return 100
	}
	if level < 0 {
		return 0
	}
	return level
}

// Report 一段音频的质量概览（analyze 命令与录音调试用）
type Report struct {
	Samples    int     `json:"samples"`
	SampleRate int     `json:"sample_rate"`
	Seconds    float64 `json:"seconds"`
	RMS        float64 `json:"rms"`
	Peak       float64 `json:"peak"`
	Clipping   bool    `json:"clipping"`
	SNRdB      float64 `json:"snr_db"`
}

// analysisWindowSec 按 100ms 分窗估计噪声底
const analysisWindowSec = 0.1

// Analyze 计算电平/削波/SNR。clipThreshold<=0 时使用默认阈值。
// 没有单独的噪声样本时，取能量最低的 100ms 窗口作为噪声底，整段作为信号。
func Analyze(samples []float32, sampleRate int, clipThreshold float64) Report {
	r := Report{
		Samples:    len(samples),
		SampleRate: sampleRate,
		Seconds:    Duration(len(samples), sampleRate),
		RMS:        RMS(samples),
		Peak:       Peak(samples),
		Clipping:   DetectClipping(samples, clipThreshold),
	}

	window := int(float64(sampleRate) * analysisWindowSec)
	if window <= 0 || len(samples) < window*2 {
		return r
	}

	quietest := samples[:window]
	quietestRMS := RMS(quietest)
	for start := window; start+window <= len(samples); start += window {
		w := samples[start : start+window]
		if v := RMS(w); v < quietestRMS {
			quietest, quietestRMS = w, v
		}
	}
	snr := SNR(samples, quietest)
	if math.IsInf(snr, 0) {
		// JSON 无法编码 Inf
		snr = 0
	}
	r.SNRdB = snr
	return r
}
