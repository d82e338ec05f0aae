package audiocodec

import (
	"encoding/base64"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFloatPCMRoundTripWithinOneStep 验证量化往返误差不超过一个量化步长。
func TestFloatPCMRoundTripWithinOneStep(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	samples := make([]float32, 2048)
	for i := range samples {
		samples[i] = float32(rng.Float64()*2 - 1)
	}
	samples = append(samples, -1, 1, 0, 0.5, -0.5)

	back := PCM16ToFloat(FloatToPCM16(samples))
	require.Len(t, back, len(samples))

	step := 1.0 / 32768.0
	for i := range samples {
		require.LessOrEqualf(t, math.Abs(float64(back[i]-samples[i])), step+1e-9, "index %d", i)
	}
}

func TestFloatToPCM16Clamps(t *testing.T) {
	got := FloatToPCM16([]float32{1, -1, 1.5, -2, 0})
	require.Equal(t, []int16{32767, -32768, 32767, -32768, 0}, got)
}

func TestEncodeForWireLittleEndian(t *testing.T) {
	// 0.5 -> 16384 -> 0x4000 -> bytes 00 40
	encoded := EncodeForWire([]float32{0.5})
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x40}, raw)
}

func TestDecodeFromWireMono(t *testing.T) {
	encoded := EncodeForWire([]float32{0.25, -0.25, 0})
	channels, err := DecodeFromWire(encoded, 1)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.InDeltaSlice(t, []float32{0.25, -0.25, 0}, channels[0], 1e-4)
}

func TestDecodeFromWireDeinterleaves(t *testing.T) {
	encoded := EncodeForWire([]float32{0.1, -0.1, 0.2, -0.2, 0.3, -0.3})
	channels, err := DecodeFromWire(encoded, 2)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	require.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, channels[0], 1e-4)
	require.InDeltaSlice(t, []float32{-0.1, -0.2, -0.3}, channels[1], 1e-4)
}

func TestDecodeFromWireInvalidBase64(t *testing.T) {
	_, err := DecodeFromWire("!!not-base64!!", 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidPayload))
}

func TestResampleLength(t *testing.T) {
	in := make([]float32, 4800)
	out := Resample(in, 48000, 16000)
	require.Len(t, out, 1600)

	up := Resample(make([]float32, 100), 16000, 24000)
	require.Len(t, up, 150)
}

func TestResampleInterpolatesAndClampsEdge(t *testing.T) {
	// 2x 上采样：中间点为线性插值，最后一个点的右邻居越界取自身
	out := Resample([]float32{0, 1}, 1, 2)
	require.Len(t, out, 4)
	require.InDeltaSlice(t, []float32{0, 0.5, 1, 1}, out, 1e-6)
}

func TestResampleSameRateCopies(t *testing.T) {
	in := []float32{0.1, 0.2}
	out := Resample(in, 16000, 16000)
	require.Equal(t, in, out)
	out[0] = 9
	require.Equal(t, float32(0.1), in[0])
}

func TestRMSAndClipping(t *testing.T) {
	require.Equal(t, 0.0, RMS(nil))
	require.InDelta(t, 0.5, RMS([]float32{0.5, -0.5, 0.5, -0.5}), 1e-9)

	require.False(t, DetectClipping([]float32{0.5, -0.97}, 0))
	require.True(t, DetectClipping([]float32{0.1, -0.98}, 0))
	require.True(t, DetectClipping([]float32{0.6}, 0.5))
}

func TestSNR(t *testing.T) {
	signal := []float32{0.5, -0.5}
	noise := []float32{0.05, -0.05}
	require.InDelta(t, 20.0, SNR(signal, noise), 1e-6)
	require.True(t, math.IsInf(SNR(signal, []float32{0}), 1))
}

func TestLevelPercentClamps(t *testing.T) {
	require.Equal(t, 0.0, LevelPercent(0, 0))
	require.InDelta(t, 50.0, LevelPercent(0.1, 5), 1e-9)
	require.Equal(t, 100.0, LevelPercent(0.9, 5))
}

func TestAnalyzeFindsNoiseFloor(t *testing.T) {
	rate := 1000
	samples := make([]float32, rate)
	for i := range samples {
		if i < 100 {
			samples[i] = 0.001
			continue
		}
		samples[i] = float32(0.5 * math.Sin(float64(i)))
	}
	report := Analyze(samples, rate, 0)
	require.Equal(t, 1.0, report.Seconds)
	require.False(t, report.Clipping)
	require.Greater(t, report.SNRdB, 40.0)
}

func TestAnalyzeUsesClipThreshold(t *testing.T) {
	samples := []float32{0.1, -0.6, 0.3}
	require.False(t, Analyze(samples, 16000, 0).Clipping)
	require.True(t, Analyze(samples, 16000, 0.5).Clipping)
}

func TestWAVRoundTrip(t *testing.T) {
	samples := []float32{0, 0.25, -0.25, 0.5}
	data, err := EncodeWAV(samples, CaptureSampleRate)
	require.NoError(t, err)
	require.Len(t, data, wavHeaderSize+len(samples)*2)

	decoded, rate, err := DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, CaptureSampleRate, rate)
	require.InDeltaSlice(t, samples, decoded, 1e-4)

	_, _, err = DecodeWAV(data[:10])
	require.Error(t, err)
}
