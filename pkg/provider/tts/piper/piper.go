// Package piper provides a TTS provider backed by a local Piper synthesis
// server via its REST API. It implements the tts.Provider interface.
//
// The server exposes three endpoints:
//
//   - POST /synthesize with a JSON body {text, voice_model, speed} returning a
//     complete WAV payload.
//   - GET /models returning the installed voice model catalogue.
//   - GET /health returning 200 when the server is ready.
//
// Piper operates in batch mode — one HTTP call per utterance — so multi-voice
// segments issue one Synthesize call per dialogue turn.
//
// Typical usage:
//
//	p, err := piper.New("http://localhost:5000",
//	    piper.WithDefaultModel("en_US-lessac-medium"),
//	    piper.WithTimeout(60*time.Second),
//	)
//	res, err := p.Synthesize(ctx, tts.SynthesisRequest{Text: script, Speed: 1.1})
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chronocast/chronocast/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout     = 120 * time.Second
	synthesizeEndpoint = "/synthesize"
	modelsEndpoint     = "/models"
	healthEndpoint     = "/health"

	// maxResponseBytes caps the WAV payload read from the server. A ten-minute
	// segment at 48 kHz mono 16-bit is under 60 MB.
	maxResponseBytes = 128 << 20
)

// Option is a functional option for configuring a Piper Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout for calls to the synthesis
// server. Defaults to 120 s — long segments take a while on CPU.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithDefaultModel sets the voice model used when a request leaves
// VoiceModel empty.
func WithDefaultModel(model string) Option {
	return func(p *Provider) {
		p.defaultModel = model
	}
}

// Provider implements tts.Provider backed by a locally-running Piper server.
// It is safe for concurrent use; multiple Synthesize calls may run in parallel.
type Provider struct {
	serverURL    string
	defaultModel string
	httpClient   *http.Client
}

// New creates a new Piper Provider that targets the synthesis server at
// serverURL (e.g., "http://localhost:5000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesizeRequest is the JSON body sent to POST /synthesize.
type synthesizeRequest struct {
	Text       string  `json:"text"`
	VoiceModel string  `json:"voice_model,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
}

// modelEntry is one element of the JSON array returned by GET /models.
type modelEntry struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Quality  string `json:"quality"`
}

// Synthesize implements tts.Provider. It issues a single POST /synthesize call
// and parses the WAV response to derive duration and sample rate.
func (p *Provider) Synthesize(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
	if req.Text == "" {
		return nil, errors.New("piper: text must not be empty")
	}
	if req.Speed != 0 && (req.Speed < 0.5 || req.Speed > 2.0) {
		return nil, fmt.Errorf("piper: speed %.2f is out of range [0.5, 2.0]", req.Speed)
	}

	model := req.VoiceModel
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(synthesizeRequest{
		Text:       req.Text,
		VoiceModel: model,
		Speed:      req.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("piper: marshal synthesize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+synthesizeEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("piper: create synthesize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("piper: POST %s: %w", synthesizeEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: POST %s returned status %d", synthesizeEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("piper: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	return &tts.SynthesisResult{
		WAV:        wav,
		Duration:   info.duration(len(wav)),
		SampleRate: info.SampleRate,
	}, nil
}

// ListModels implements tts.Provider by calling GET /models.
func (p *Provider) ListModels(ctx context.Context) ([]tts.VoiceModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+modelsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("piper: create list-models request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: GET %s: %w", modelsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: GET %s returned status %d", modelsEndpoint, resp.StatusCode)
	}

	var entries []modelEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("piper: decode models response: %w", err)
	}

	models := make([]tts.VoiceModel, 0, len(entries))
	for _, e := range entries {
		models = append(models, tts.VoiceModel{
			Name:     e.Name,
			Language: e.Language,
			Quality:  e.Quality,
		})
	}
	return models, nil
}

// Health implements tts.Provider by calling GET /health.
func (p *Provider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("piper: create health request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("piper: GET %s: %w", healthEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("piper: GET %s returned status %d", healthEndpoint, resp.StatusCode)
	}
	return nil
}
