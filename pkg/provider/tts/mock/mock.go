// Package mock provides a configurable in-memory tts.Provider for tests.
package mock

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/chronocast/chronocast/pkg/provider/tts"
)

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// Provider is a mock tts.Provider. By default Synthesize returns a short
// silent WAV whose duration scales with the text length (~1 s per 15 words).
// Configure SynthesizeFunc to override. All requests are recorded.
type Provider struct {
	SynthesizeFunc func(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error)
	Models         []tts.VoiceModel
	HealthErr      error

	mu       sync.Mutex
	requests []tts.SynthesisRequest
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.SynthesizeFunc != nil {
		return p.SynthesizeFunc(ctx, req)
	}

	words := 1 + len(req.Text)/30
	dur := time.Duration(words) * time.Second / 2
	wav := SilentWAV(22050, dur)
	return &tts.SynthesisResult{WAV: wav, Duration: dur, SampleRate: 22050}, nil
}

// ListModels implements tts.Provider.
func (p *Provider) ListModels(ctx context.Context) ([]tts.VoiceModel, error) {
	return p.Models, nil
}

// Health implements tts.Provider.
func (p *Provider) Health(ctx context.Context) error { return p.HealthErr }

// Requests returns a copy of all synthesis requests seen so far.
func (p *Provider) Requests() []tts.SynthesisRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.SynthesisRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// SilentWAV builds a valid 16-bit mono RIFF/WAVE payload of silence at the
// given sample rate and duration. Useful for exercising audio plumbing in
// tests without a real synthesis server.
func SilentWAV(sampleRate int, d time.Duration) []byte {
	samples := int(float64(sampleRate) * d.Seconds())
	dataSize := samples * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	return buf
}
