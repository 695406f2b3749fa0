package mastering

import (
	"encoding/binary"
	"math"
)

// Loudness measurement after ITU-R BS.1770: K-weighting (a shelving
// pre-filter followed by an RLB high-pass), 400 ms blocks with 75% overlap,
// an absolute gate at -70 LUFS and a relative gate 10 LU below the ungated
// mean. Coefficients are the reference ones for 48 kHz, which is the only
// rate this package measures at — callers resample first.

// biquad is a direct-form-I second-order IIR filter section.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// kWeighting returns the two BS.1770 pre-filter stages for 48 kHz.
func kWeighting() (shelf, highpass *biquad) {
	shelf = &biquad{
		b0: 1.53512485958697, b1: -2.69169618940638, b2: 1.19839281085285,
		a1: -1.69065929318241, a2: 0.73248077421585,
	}
	highpass = &biquad{
		b0: 1.0, b1: -2.0, b2: 1.0,
		a1: -1.99004745483398, a2: 0.99007225036621,
	}
	return shelf, highpass
}

const (
	measureRate = 48000

	blockSize = measureRate * 2 / 5 // 400 ms
	blockHop  = blockSize / 4       // 75% overlap

	absoluteGateLUFS = -70.0
	relativeGateLU   = 10.0
)

// silenceLUFS is the floor reported for silent or near-silent audio.
const silenceLUFS = -100.0

// MeasureLoudnessLUFS computes the gated integrated loudness of mono 16-bit
// PCM at 48 kHz.
func MeasureLoudnessLUFS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return silenceLUFS
	}

	shelf, highpass := kWeighting()
	weighted := make([]float64, samples)
	for i := 0; i < samples; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		weighted[i] = highpass.process(shelf.process(s))
	}

	// Mean-square energy per overlapping 400 ms block.
	var blocks []float64
	for start := 0; start+blockSize <= samples; start += blockHop {
		var sum float64
		for _, v := range weighted[start : start+blockSize] {
			sum += v * v
		}
		blocks = append(blocks, sum/float64(blockSize))
	}
	if len(blocks) == 0 {
		// Shorter than one block: measure what is there.
		var sum float64
		for _, v := range weighted {
			sum += v * v
		}
		blocks = []float64{sum / float64(samples)}
	}

	loudness := func(ms float64) float64 {
		if ms <= 0 {
			return silenceLUFS
		}
		return -0.691 + 10*math.Log10(ms)
	}

	// Absolute gate.
	var passAbs []float64
	for _, ms := range blocks {
		if loudness(ms) > absoluteGateLUFS {
			passAbs = append(passAbs, ms)
		}
	}
	if len(passAbs) == 0 {
		return silenceLUFS
	}

	// Relative gate at 10 LU below the mean of the absolute-gated blocks.
	var sum float64
	for _, ms := range passAbs {
		sum += ms
	}
	threshold := loudness(sum/float64(len(passAbs))) - relativeGateLU

	var gatedSum float64
	var gatedN int
	for _, ms := range passAbs {
		if loudness(ms) > threshold {
			gatedSum += ms
			gatedN++
		}
	}
	if gatedN == 0 {
		return silenceLUFS
	}
	return loudness(gatedSum / float64(gatedN))
}

// PeakDBFS returns the sample peak of 16-bit PCM in dBFS (0 = full scale).
func PeakDBFS(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0)
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return silenceLUFS
	}
	return 20 * math.Log10(peak)
}

// ApplyGainDB scales 16-bit PCM by the given decibel amount in place,
// clamping at full scale.
func ApplyGainDB(pcm []byte, db float64) {
	gain := math.Pow(10, db/20)
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}

// LimitPeaks clamps 16-bit PCM samples to the given dBFS ceiling in place.
// Running it after the loudness gain lets quiet material with isolated hot
// transients still reach the target: the transient is flattened instead of
// dragging the whole track down. A hard sample clamp, not a lookahead
// limiter; synthesized speech leaves at most a handful of samples above the
// ceiling, and the loudness gate catches the cases where clamping dents the
// measurement.
func LimitPeaks(pcm []byte, ceilingDBFS float64) {
	limit := math.Pow(10, ceilingDBFS/20) * 32768
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v > limit {
			v = limit
		} else if v < -limit {
			v = -limit
		}
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(v)))
	}
}
