// Package mastering normalizes rendered segment audio for delivery: mono at
// the delivery sample rate, integrated loudness at the station target, sample
// peaks under the ceiling. It consumes audio_finalize jobs and moves segments
//
//	rendering → normalizing → ready
//
// Audio that fails the quality gates marks the segment failed instead and
// enqueues a fresh segment_make job to regenerate it from the script stage.
package mastering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chronocast/chronocast/internal/objstore"
	"github.com/chronocast/chronocast/internal/observe"
	"github.com/chronocast/chronocast/internal/queue"
	"github.com/chronocast/chronocast/internal/store"
	"github.com/chronocast/chronocast/pkg/audio"
)

// Default mastering targets.
const (
	DefaultTargetLUFS  = -16.0
	DefaultCeilingDBFS = -1.0
	DefaultSampleRate  = 48000
)

// errQualityGate tags mastering failures where the audio itself is out of
// spec. Gate rejections send the segment back through generation instead of
// retrying the finalize job; re-mastering the same raw audio would fail the
// same way.
var errQualityGate = errors.New("mastering: quality gate failed")

// Quality gates on the mastered output.
const (
	// loudnessToleranceLU is how far integrated loudness may land from
	// target and still pass. Peak-limited quiet material can fall short.
	loudnessToleranceLU = 2.0

	minDuration = 5 * time.Second
	maxDuration = 600 * time.Second

	// minBytes rejects suspiciously small payloads (truncated synthesis).
	minBytes = 10 * 1024
)

// Jobs is the queue surface the masterer needs to send gate-rejected
// segments back to generation.
type Jobs interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
}

// Store is the subset of the state store the mastering worker uses.
type Store interface {
	GetSegment(ctx context.Context, id string) (*store.Segment, error)
	GetAsset(ctx context.Context, id string) (*store.Asset, error)
	Transition(ctx context.Context, id string, to store.SegmentState) error
	MarkFailed(ctx context.Context, id string, cause string) error
	SetMasteringResult(ctx context.Context, id, finalPath string,
		durationSec, loudnessLUFS, peakDBFS float64, status store.ValidationStatus) error
}

var _ Store = (*store.Store)(nil)

// Config wires a Masterer.
type Config struct {
	Store   Store
	Objects objstore.Store
	Jobs    Jobs
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// TargetLUFS is the integrated loudness target. Zero means -16.
	TargetLUFS float64

	// CeilingDBFS is the sample-peak ceiling. Zero means -1.
	CeilingDBFS float64

	// SampleRate is the delivery rate. Zero means 48000.
	SampleRate int
}

// Masterer is the audio_finalize job handler.
type Masterer struct {
	store   Store
	objects objstore.Store
	jobs    Jobs
	metrics *observe.Metrics
	logger  *slog.Logger
	target  float64
	ceiling float64
	rate    int
}

// New creates a Masterer from cfg.
func New(cfg Config) *Masterer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	target := cfg.TargetLUFS
	if target == 0 {
		target = DefaultTargetLUFS
	}
	ceiling := cfg.CeilingDBFS
	if ceiling == 0 {
		ceiling = DefaultCeilingDBFS
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = DefaultSampleRate
	}
	return &Masterer{
		store:   cfg.Store,
		objects: cfg.Objects,
		jobs:    cfg.Jobs,
		metrics: metrics,
		logger:  logger,
		target:  target,
		ceiling: ceiling,
		rate:    rate,
	}
}

// finalizePayload is the audio_finalize job payload.
type finalizePayload struct {
	SegmentID string `json:"segment_id"`
	AssetID   string `json:"asset_id"`
}

// HandleAudioFinalize processes one audio_finalize job.
func (m *Masterer) HandleAudioFinalize(ctx context.Context, payload json.RawMessage) error {
	var p finalizePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("mastering: decode audio_finalize payload: %w", err)
	}
	if p.SegmentID == "" {
		return errors.New("mastering: audio_finalize payload has no segment_id")
	}

	seg, err := m.store.GetSegment(ctx, p.SegmentID)
	if err != nil {
		return err
	}
	if seg == nil {
		return fmt.Errorf("mastering: segment %q does not exist", p.SegmentID)
	}

	switch seg.State {
	case store.StateRendering:
		if err := m.store.Transition(ctx, seg.ID, store.StateNormalizing); err != nil {
			return err
		}
	case store.StateNormalizing:
		// A previous attempt died mid-mastering; redo the work.
	default:
		m.logger.Info("segment not awaiting mastering, skipping",
			"segment", seg.ID, "state", seg.State)
		return nil
	}

	assetID := p.AssetID
	if assetID == "" && seg.AssetID != nil {
		assetID = *seg.AssetID
	}
	asset, err := m.store.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if asset == nil {
		return m.fail(ctx, seg.ID, fmt.Errorf("mastering: asset %q does not exist", assetID))
	}

	start := time.Now()
	if err := m.master(ctx, seg, asset); err != nil {
		if errors.Is(err, errQualityGate) {
			return m.regenerate(ctx, seg, err)
		}
		return m.fail(ctx, seg.ID, err)
	}
	m.observeDone(ctx, seg.SlotType, time.Since(start).Seconds())

	if err := m.store.Transition(ctx, seg.ID, store.StateReady); err != nil {
		return err
	}
	m.logger.Info("segment mastered", "segment", seg.ID, "asset", asset.ID)
	return nil
}

// master downloads, normalizes, gates and re-uploads one asset.
func (m *Masterer) master(ctx context.Context, seg *store.Segment, asset *store.Asset) error {
	raw, err := m.objects.Download(ctx, asset.StoragePath)
	if err != nil {
		return fmt.Errorf("mastering: download raw audio: %w", err)
	}
	clip, err := audio.DecodeWAV(raw)
	if err != nil {
		return fmt.Errorf("mastering: decode raw audio: %w", err)
	}

	// Measurement happens at 48 kHz mono; the K-weighting coefficients are
	// rate-specific.
	mono, err := audio.ToMono(clip, measureRate)
	if err != nil {
		return fmt.Errorf("mastering: downmix: %w", err)
	}

	loudness := MeasureLoudnessLUFS(mono.PCM)
	gain := m.target - loudness
	ApplyGainDB(mono.PCM, gain)
	LimitPeaks(mono.PCM, m.ceiling)

	finalLoudness := MeasureLoudnessLUFS(mono.PCM)
	finalPeak := PeakDBFS(mono.PCM)

	out := mono
	if m.rate != measureRate {
		out = audio.Clip{
			PCM:        audio.ResampleMono16(mono.PCM, measureRate, m.rate),
			SampleRate: m.rate,
			Channels:   1,
		}
	}
	wav := audio.EncodeWAV(out)
	duration := out.Duration()

	status := store.ValidationPassed
	var gateErr error
	switch {
	case duration < minDuration || duration > maxDuration:
		status = store.ValidationFailed
		gateErr = fmt.Errorf("%w: duration %.1fs is outside [%.0fs, %.0fs]",
			errQualityGate, duration.Seconds(), minDuration.Seconds(), maxDuration.Seconds())
	case len(wav) < minBytes:
		status = store.ValidationFailed
		gateErr = fmt.Errorf("%w: output is only %d bytes", errQualityGate, len(wav))
	case finalPeak > m.ceiling:
		status = store.ValidationFailed
		gateErr = fmt.Errorf("%w: peak %.2f dBFS is above the %.1f dBFS ceiling",
			errQualityGate, finalPeak, m.ceiling)
	case math.Abs(finalLoudness-m.target) > loudnessToleranceLU:
		status = store.ValidationFailed
		gateErr = fmt.Errorf("%w: loudness %.1f LUFS missed target %.1f by more than %.0f LU",
			errQualityGate, finalLoudness, m.target, loudnessToleranceLU)
	}

	finalPath := objstore.FinalPath(asset.ID)
	if status == store.ValidationPassed {
		if err := m.objects.Upload(ctx, finalPath, "audio/wav", wav); err != nil {
			return fmt.Errorf("mastering: upload final audio: %w", err)
		}
	} else {
		finalPath = ""
	}

	if err := m.store.SetMasteringResult(ctx, asset.ID, finalPath,
		duration.Seconds(), finalLoudness, finalPeak, status); err != nil {
		return err
	}
	if gateErr != nil {
		return gateErr
	}

	m.logger.Debug("mastered audio",
		"segment", seg.ID,
		"gain_db", gain,
		"loudness_lufs", finalLoudness,
		"peak_dbfs", finalPeak,
		"duration_sec", duration.Seconds())
	return nil
}

// fail marks the segment failed and returns the original error for the queue.
func (m *Masterer) fail(ctx context.Context, segID string, cause error) error {
	if err := m.store.MarkFailed(ctx, segID, cause.Error()); err != nil {
		m.logger.Error("marking segment failed also failed", "segment", segID, "error", err)
	}
	return cause
}

// regenerate handles a quality-gate rejection: the segment fails with the
// gate verdict and a fresh segment_make job sends it back through script
// generation and synthesis. The finalize job itself completes — replaying it
// against the same raw audio would only fail the same gate again.
func (m *Masterer) regenerate(ctx context.Context, seg *store.Segment, cause error) error {
	if m.metrics.ValidationFailures != nil {
		m.metrics.ValidationFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("check", "mastering")))
	}
	if err := m.store.MarkFailed(ctx, seg.ID, cause.Error()); err != nil {
		m.logger.Error("marking segment failed also failed", "segment", seg.ID, "error", err)
		return err
	}
	if _, err := m.jobs.Enqueue(ctx, queue.EnqueueRequest{
		Type:     queue.TypeSegmentMake,
		Payload:  map[string]string{"segment_id": seg.ID},
		Priority: queue.DefaultPriority,
	}); err != nil {
		return fmt.Errorf("mastering: enqueue regeneration for %q: %w", seg.ID, err)
	}
	m.logger.Warn("segment rejected by quality gate, regenerating",
		"segment", seg.ID, "reason", cause.Error())
	return nil
}

func (m *Masterer) observeDone(ctx context.Context, slotType string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("slot_type", slotType))
	if m.metrics.MasteringDuration != nil {
		m.metrics.MasteringDuration.Record(ctx, seconds, attrs)
	}
	if m.metrics.SegmentsProduced != nil {
		m.metrics.SegmentsProduced.Add(ctx, 1, attrs)
	}
}
