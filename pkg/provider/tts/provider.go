// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a synthesis server (e.g., a local Piper instance) and
// exposes batch synthesis: one request per utterance, returning a complete WAV
// payload with its measured duration. The segment generator calls it once per
// monologue script or once per dialogue turn.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"time"
)

// SynthesisRequest describes a single utterance to synthesize.
type SynthesisRequest struct {
	// Text is the script text to speak. Must not be empty.
	Text string

	// VoiceModel selects the provider-specific voice model
	// (e.g., "en_US-lessac-medium"). Empty selects the provider default.
	VoiceModel string

	// Speed adjusts speaking rate in [0.5, 2.0]. Zero means default (1.0).
	Speed float64
}

// SynthesisResult carries the synthesized audio and its measured properties.
type SynthesisResult struct {
	// WAV is the complete RIFF/WAVE payload, header included.
	WAV []byte

	// Duration is the audio play length derived from the WAV format chunk.
	Duration time.Duration

	// SampleRate is the sample rate of the returned audio in Hz.
	SampleRate int
}

// VoiceModel describes one voice available on the synthesis server.
type VoiceModel struct {
	// Name is the model identifier used in SynthesisRequest.VoiceModel.
	Name string

	// Language is the BCP-47 language tag (e.g., "en_US").
	Language string

	// Quality is the provider's quality tier label (e.g., "low", "medium", "high").
	Quality string
}

// Provider is the abstraction over any text-to-speech backend.
type Provider interface {
	// Synthesize performs a single synthesis request and returns the complete
	// audio. Returns an error if the request fails, the response is not valid
	// WAV, or ctx is cancelled.
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)

	// ListModels retrieves the available voice models from the server.
	ListModels(ctx context.Context) ([]VoiceModel, error)

	// Health probes the synthesis server. Returns nil when the server is
	// reachable and ready.
	Health(ctx context.Context) error
}
