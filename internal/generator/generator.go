// Package generator turns queued broadcast segments into rendered audio.
//
// One segment_make job drives a segment through retrieval, script generation,
// validation and synthesis:
//
//	queued → retrieving → generating → rendering
//
// Every date the language model sees is the segment's scheduled broadcast
// instant, never the wall clock. The audio_finalize job the generator
// enqueues at the end hands the rendered raw audio to mastering.
package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chronocast/chronocast/internal/objstore"
	"github.com/chronocast/chronocast/internal/observe"
	"github.com/chronocast/chronocast/internal/queue"
	"github.com/chronocast/chronocast/internal/store"
	"github.com/chronocast/chronocast/pkg/audio"
	"github.com/chronocast/chronocast/pkg/provider/llm"
	"github.com/chronocast/chronocast/pkg/provider/tts"
)

// scriptTemperature is the sampling temperature for script generation.
const scriptTemperature = 0.8

// errCanonContradiction tags scripts that state something the canonical fact
// table rules out. Terminal for the segment: regeneration cannot fix a
// knowledge base the script keeps contradicting, a human has to.
var errCanonContradiction = errors.New("generator: script contradicts established canon")

// Store is the subset of the state store the generator uses.
type Store interface {
	GetSegment(ctx context.Context, id string) (*store.Segment, error)
	Transition(ctx context.Context, id string, to store.SegmentState) error
	MarkFailed(ctx context.Context, id string, cause string) error
	SetGenerationResult(ctx context.Context, id string, title, script string,
		citations []store.Citation, tone *store.ToneBreakdown, toneScore float64,
		model string, promptTokens, completionTokens int) error
	AttachAsset(ctx context.Context, id, assetID string, durationSec float64) error
	CreateAsset(ctx context.Context, a *store.Asset) error
	GetAssetByHash(ctx context.Context, hash string) (*store.Asset, error)
	ListCanonicalFacts(ctx context.Context) ([]*store.CanonicalFact, error)

	GetProgram(ctx context.Context, id string) (*store.Program, error)
	GetDJ(ctx context.Context, id string) (*store.DJ, error)
	GetVoice(ctx context.Context, id string) (*store.Voice, error)

	EnsureParticipants(ctx context.Context, segmentID string) ([]*store.Participant, error)
	DeleteTurns(ctx context.Context, segmentID string) error
	AddTurn(ctx context.Context, t *store.Turn) error
}

var _ Store = (*store.Store)(nil)

// Jobs is the queue surface the generator needs to hand segments onward.
type Jobs interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
}

// Config wires a Generator.
type Config struct {
	Store       Store
	Retriever   *Retriever
	LLM         llm.Provider
	TTS         tts.Provider
	Objects     objstore.Store
	Jobs        Jobs
	Metrics     *observe.Metrics
	Logger      *slog.Logger
	StationName string

	// Now overrides the wall clock in tests. Nil means time.Now. It is only
	// used to detect wall-clock leaks; broadcast time always comes from the
	// segment.
	Now func() time.Time
}

// Generator is the segment_make job handler.
type Generator struct {
	store     Store
	retriever *Retriever
	llm       llm.Provider
	tts       tts.Provider
	objects   objstore.Store
	jobs      Jobs
	metrics   *observe.Metrics
	logger    *slog.Logger
	station   string
	now       func() time.Time
}

// New creates a Generator from cfg. Logger and Metrics may be nil; Now
// defaults to time.Now.
func New(cfg Config) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		store:     cfg.Store,
		retriever: cfg.Retriever,
		llm:       cfg.LLM,
		tts:       cfg.TTS,
		objects:   cfg.Objects,
		jobs:      cfg.Jobs,
		metrics:   metrics,
		logger:    logger,
		station:   cfg.StationName,
		now:       now,
	}
}

// segmentMakePayload is the segment_make job payload.
type segmentMakePayload struct {
	SegmentID string `json:"segment_id"`
}

// audioFinalizePayload is the audio_finalize job payload the generator emits.
type audioFinalizePayload struct {
	SegmentID string `json:"segment_id"`
	AssetID   string `json:"asset_id"`
}

// HandleSegmentMake processes one segment_make job. Errors mark the segment
// failed and propagate to the queue, which retries with backoff until the job
// dead-letters; a segment already past rendering is treated as done.
func (g *Generator) HandleSegmentMake(ctx context.Context, payload json.RawMessage) error {
	var p segmentMakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("generator: decode segment_make payload: %w", err)
	}
	if p.SegmentID == "" {
		return errors.New("generator: segment_make payload has no segment_id")
	}

	seg, err := g.store.GetSegment(ctx, p.SegmentID)
	if err != nil {
		return err
	}
	if seg == nil {
		return fmt.Errorf("generator: segment %q does not exist", p.SegmentID)
	}

	log := g.logger.With("segment", seg.ID, "slot_type", seg.SlotType,
		"broadcast", seg.ScheduledStartTS.Format(time.RFC3339))

	switch seg.State {
	case store.StateQueued:
		// Normal path.
	case store.StateFailed:
		// Queue retry of a previously failed attempt. Transition enforces
		// the retry budget; an exhausted segment stays failed and the job
		// dead-letters.
		if err := g.store.Transition(ctx, seg.ID, store.StateQueued); err != nil {
			return err
		}
		log.Info("retrying failed segment", "retry", seg.RetryCount+1, "max_retries", seg.MaxRetries)
	case store.StateRetrieving, store.StateGenerating, store.StateRendering, store.StateNormalizing:
		// A previous attempt died mid-flight (crash, lease expiry). Park it
		// failed and let the queue's next retry take the failed path above.
		if err := g.store.MarkFailed(ctx, seg.ID, "previous attempt interrupted"); err != nil {
			return err
		}
		return fmt.Errorf("generator: segment %q was stuck in %q, reset for retry", seg.ID, seg.State)
	default:
		// ready or later: a duplicate delivery after success.
		log.Info("segment already produced, skipping", "state", seg.State)
		return nil
	}

	if err := g.store.Transition(ctx, seg.ID, store.StateRetrieving); err != nil {
		return err
	}
	if err := g.produce(ctx, seg, log); err != nil {
		if ferr := g.store.MarkFailed(ctx, seg.ID, err.Error()); ferr != nil {
			log.Error("marking segment failed also failed", "error", ferr)
		}
		if errors.Is(err, errCanonContradiction) {
			// Terminal: the job completes so the queue never retries.
			// The segment stays failed until someone fixes the knowledge
			// base and retries it by hand.
			log.Error("segment halted on canon contradiction", "error", err)
			return nil
		}
		return err
	}
	return nil
}

// produce runs the pipeline for a segment already in retrieving state.
func (g *Generator) produce(ctx context.Context, seg *store.Segment, log *slog.Logger) error {
	program, err := g.store.GetProgram(ctx, seg.ProgramID)
	if err != nil {
		return err
	}
	if program == nil {
		return fmt.Errorf("generator: program %q does not exist", seg.ProgramID)
	}

	participants, err := g.store.EnsureParticipants(ctx, seg.ID)
	if err != nil {
		return err
	}
	speakers, voices, err := g.resolveVoices(ctx, participants)
	if err != nil {
		return err
	}

	// Retrieval, anchored to the broadcast instant.
	start := g.now()
	chunks, err := g.retriever.Retrieve(ctx, seg, program.Name)
	if err != nil {
		return err
	}
	g.observeStage(ctx, g.metrics.RetrievalDuration, start, seg.SlotType)
	log.Debug("retrieved context", "chunks", len(chunks))

	if err := g.store.Transition(ctx, seg.ID, store.StateGenerating); err != nil {
		return err
	}

	script, title, usage, err := g.generateScript(ctx, seg, program, speakers, chunks)
	if err != nil {
		return err
	}

	// Hard gates first: each rejection fails the segment and the retry
	// regenerates from scratch.
	if year, leaked := leaksWallClock(script, forbiddenYears(seg.ScheduledStartTS, g.now())); leaked {
		g.countValidationFailure(ctx, "wall_clock")
		return fmt.Errorf("generator: script leaks wall-clock year %s into broadcast year %d",
			year, seg.ScheduledStartTS.Year())
	}
	if words, target := wordCount(script), targetWords(seg.TargetDurationSec); !lengthInBounds(words, target) {
		g.countValidationFailure(ctx, "length")
		return fmt.Errorf("generator: script length %d words is outside bounds for target %d", words, target)
	}

	// Tone is advisory: a low score is annotated on the segment and the
	// script airs anyway.
	tone := AnalyzeTone(script)
	if !tone.Acceptable {
		g.countValidationFailure(ctx, "tone")
		log.Warn("tone score below threshold, airing anyway",
			"score", tone.Score, "issues", tone.Breakdown.Issues)
	}

	facts, err := g.store.ListCanonicalFacts(ctx)
	if err != nil {
		return err
	}
	findings, loreOK := CheckLore(script, facts, seg.ScheduledStartTS)
	for _, f := range findings {
		log.Warn("lore finding", "severity", f.Severity, "statement", f.Statement, "conflict", f.Conflict)
	}

	if err := g.store.SetGenerationResult(ctx, seg.ID, title, script,
		Citations(chunks), tone.Breakdown, tone.Score, g.llm.ModelID(),
		usage.PromptTokens, usage.CompletionTokens); err != nil {
		return err
	}

	if !loreOK {
		g.countValidationFailure(ctx, "lore")
		for _, f := range findings {
			if f.Severity == LoreMajor {
				return fmt.Errorf("%w: %s", errCanonContradiction, f.Conflict)
			}
		}
		return errCanonContradiction
	}
	if err := g.store.Transition(ctx, seg.ID, store.StateRendering); err != nil {
		return err
	}

	clip, err := g.render(ctx, seg, script, speakers, voices)
	if err != nil {
		return err
	}

	// Hash first: recurring audio (station IDs, jingles) dedups against the
	// existing asset before any bytes move.
	wav := audio.EncodeWAV(clip)
	sum := sha256.Sum256(wav)
	hash := hex.EncodeToString(sum[:])

	asset, err := g.store.GetAssetByHash(ctx, hash)
	if err != nil {
		return err
	}
	if asset != nil {
		log.Debug("raw audio deduplicated against existing asset", "asset", asset.ID)
	} else {
		rawPath := objstore.RawPath(seg.ID)
		if err := g.objects.Upload(ctx, rawPath, "audio/wav", wav); err != nil {
			return fmt.Errorf("generator: upload raw audio: %w", err)
		}
		asset = &store.Asset{
			StoragePath: rawPath,
			ContentType: "audio/wav",
			ContentHash: hash,
			DurationSec: clip.Duration().Seconds(),
		}
		if err := g.store.CreateAsset(ctx, asset); err != nil {
			return err
		}
	}
	if err := g.store.AttachAsset(ctx, seg.ID, asset.ID, asset.DurationSec); err != nil {
		return err
	}

	if _, err := g.jobs.Enqueue(ctx, queue.EnqueueRequest{
		Type:     queue.TypeAudioFinalize,
		Payload:  audioFinalizePayload{SegmentID: seg.ID, AssetID: asset.ID},
		Priority: queue.DefaultPriority,
	}); err != nil {
		return fmt.Errorf("generator: enqueue audio_finalize: %w", err)
	}

	log.Info("segment rendered",
		"title", title,
		"tone_score", tone.Score,
		"duration_sec", asset.DurationSec,
		"asset", asset.ID)
	return nil
}

// generateScript calls the language model and returns the script, a title and
// token usage.
func (g *Generator) generateScript(ctx context.Context, seg *store.Segment,
	program *store.Program, speakers []speakerInfo, chunks []RetrievedChunk) (string, string, llm.Usage, error) {

	in := promptInput{
		StationName:  g.station,
		Segment:      seg,
		Program:      program,
		Participants: speakers,
		Context:      chunks,
		DurationSec:  seg.TargetDurationSec,
	}

	start := g.now()
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(in),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildUserPrompt(seg)},
		},
		Temperature: scriptTemperature,
	})
	if err != nil {
		return "", "", llm.Usage{}, fmt.Errorf("generator: script generation: %w", err)
	}
	g.observeStage(ctx, g.metrics.GenerationDuration, start, seg.SlotType)

	title := seg.Title
	if title == "" {
		title = fmt.Sprintf("%s %s", seg.SlotType, seg.ScheduledStartTS.Format("Jan 2 15:04"))
	}
	return resp.Content, title, resp.Usage, nil
}

// render synthesizes the script: a monologue in one pass, a dialogue turn by
// turn with each turn recorded on the segment.
func (g *Generator) render(ctx context.Context, seg *store.Segment, script string,
	speakers []speakerInfo, voices map[string]speakerVoice) (clip audio.Clip, err error) {

	start := g.now()
	defer func() {
		if err == nil {
			g.observeStage(ctx, g.metrics.SynthesisDuration, start, seg.SlotType)
		}
	}()

	if len(speakers) <= 1 {
		v := voices[speakers[0].Name]
		return renderMonologue(ctx, g.tts, script, v)
	}

	names := make([]string, len(speakers))
	for i, s := range speakers {
		names[i] = s.Name
	}
	lines, err := ParseDialogue(script, names)
	if err != nil {
		g.countValidationFailure(ctx, "dialogue")
		return audio.Clip{}, err
	}

	c, turns, err := renderDialogue(ctx, g.tts, lines, voices)
	if err != nil {
		return audio.Clip{}, err
	}

	// Retries re-render the whole conversation, so clear any turns a dead
	// attempt left behind before writing the new set. Turn uploads reuse
	// the same paths, overwriting stale audio.
	if err := g.store.DeleteTurns(ctx, seg.ID); err != nil {
		return audio.Clip{}, err
	}
	for i, t := range turns {
		turnPath := objstore.TurnPath(seg.ID, i+1)
		if err := g.objects.Upload(ctx, turnPath, "audio/wav", t.WAV); err != nil {
			return audio.Clip{}, fmt.Errorf("generator: upload turn %d audio: %w", i+1, err)
		}
		if err := g.store.AddTurn(ctx, &store.Turn{
			SegmentID:     seg.ID,
			ParticipantID: t.ParticipantID,
			TurnNumber:    i + 1,
			SpeakerName:   t.SpeakerName,
			Text:          t.Text,
			AudioPath:     turnPath,
			DurationSec:   t.DurationSec,
		}); err != nil {
			return audio.Clip{}, err
		}
	}
	return c, nil
}

// resolveVoices maps each participant to its prompt identity and synthesis
// voice, keyed by on-air name.
func (g *Generator) resolveVoices(ctx context.Context, participants []*store.Participant) ([]speakerInfo, map[string]speakerVoice, error) {
	speakers := make([]speakerInfo, 0, len(participants))
	voices := make(map[string]speakerVoice, len(participants))

	for _, p := range participants {
		dj, err := g.store.GetDJ(ctx, p.DJID)
		if err != nil {
			return nil, nil, err
		}
		if dj == nil {
			return nil, nil, fmt.Errorf("generator: participant %q references missing dj %q", p.ID, p.DJID)
		}
		voice, err := g.store.GetVoice(ctx, dj.VoiceID)
		if err != nil {
			return nil, nil, err
		}
		if voice == nil {
			return nil, nil, fmt.Errorf("generator: dj %q references missing voice %q", dj.ID, dj.VoiceID)
		}

		name := p.CharacterName
		if name == "" {
			name = dj.Name
		}
		speakers = append(speakers, speakerInfo{
			Name:        name,
			Role:        p.Role,
			Personality: dj.Personality,
			Background:  p.Background,
		})
		voices[name] = speakerVoice{
			ParticipantID: p.ID,
			Name:          name,
			Model:         voice.ModelID,
			Speed:         dj.SpeechSpeed,
		}
	}
	return speakers, voices, nil
}

func (g *Generator) observeStage(ctx context.Context, h metric.Float64Histogram, start time.Time, slotType string) {
	if h == nil {
		return
	}
	h.Record(ctx, g.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("slot_type", slotType)))
}

func (g *Generator) countValidationFailure(ctx context.Context, check string) {
	if g.metrics.ValidationFailures == nil {
		return
	}
	g.metrics.ValidationFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("check", check)))
}
