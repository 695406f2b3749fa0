package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// MonoToStereo duplicates each mono sample into both channels.
func MonoToStereo(mono []byte) []byte {
	sampleCount := len(mono) / 2
	stereo := make([]byte, sampleCount*4)
	for i := 0; i < sampleCount; i++ {
		sample := mono[i*2 : i*2+2]
		copy(stereo[i*4:], sample)
		copy(stereo[i*4+2:], sample)
	}
	return stereo
}

// StereoToMono averages the two channels of interleaved stereo PCM.
func StereoToMono(stereo []byte) []byte {
	frameCount := len(stereo) / 4
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		left := int32(int16(binary.LittleEndian.Uint16(stereo[i*4:])))
		right := int32(int16(binary.LittleEndian.Uint16(stereo[i*4+2:])))
		avg := (left + right) / 2
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(avg)))
	}
	return mono
}

// ResampleMono16 converts mono 16-bit PCM between sample rates using linear
// interpolation. Good enough for speech; music goes through offline tooling
// before it ever reaches the library bucket.
func ResampleMono16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(float64(srcSamples) * float64(toRate) / float64(fromRate))
	out := make([]byte, dstSamples*2)

	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < dstSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}
		sample := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// ToMono returns the clip as mono at the requested sample rate, converting
// channels and resampling as needed.
func ToMono(c Clip, rate int) (Clip, error) {
	pcm := c.PCM
	switch c.Channels {
	case 1:
	case 2:
		pcm = StereoToMono(pcm)
	default:
		return Clip{}, fmt.Errorf("audio: unsupported channel count %d", c.Channels)
	}
	if c.SampleRate != rate {
		pcm = ResampleMono16(pcm, c.SampleRate, rate)
	}
	return Clip{PCM: pcm, SampleRate: rate, Channels: 1}, nil
}

// Silence returns a mono clip of zero samples at the given rate.
func Silence(rate int, d time.Duration) Clip {
	samples := int(float64(rate) * d.Seconds())
	return Clip{PCM: make([]byte, samples*2), SampleRate: rate, Channels: 1}
}

// Concat joins clips into one mono clip at the given rate, inserting gap
// silence between consecutive clips. Inputs of any rate or channel layout are
// normalized first.
func Concat(clips []Clip, rate int, gap time.Duration) (Clip, error) {
	var total int
	normalized := make([]Clip, 0, len(clips))
	for i, c := range clips {
		m, err := ToMono(c, rate)
		if err != nil {
			return Clip{}, fmt.Errorf("audio: concat clip %d: %w", i, err)
		}
		normalized = append(normalized, m)
		total += len(m.PCM)
	}

	gapPCM := Silence(rate, gap).PCM
	if len(normalized) > 1 {
		total += len(gapPCM) * (len(normalized) - 1)
	}

	out := make([]byte, 0, total)
	for i, c := range normalized {
		if i > 0 {
			out = append(out, gapPCM...)
		}
		out = append(out, c.PCM...)
	}
	return Clip{PCM: out, SampleRate: rate, Channels: 1}, nil
}
