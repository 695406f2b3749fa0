package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/chronocast/chronocast/internal/objstore"
	"github.com/chronocast/chronocast/internal/queue"
	"github.com/chronocast/chronocast/internal/store"
	embmock "github.com/chronocast/chronocast/pkg/provider/embeddings/mock"
	"github.com/chronocast/chronocast/pkg/provider/llm"
	llmmock "github.com/chronocast/chronocast/pkg/provider/llm/mock"
	"github.com/chronocast/chronocast/pkg/provider/tts"
	ttsmock "github.com/chronocast/chronocast/pkg/provider/tts/mock"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	seg          *store.Segment
	program      *store.Program
	djs          map[string]*store.DJ
	voices       map[string]*store.Voice
	participants []*store.Participant

	facts       []*store.CanonicalFact
	assetByHash *store.Asset

	transitions  []store.SegmentState
	failedCause  string
	genScript    string
	genTitle     string
	genToneScore float64
	genTone      *store.ToneBreakdown
	genCitations []store.Citation
	asset        *store.Asset
	attachedID   string
	attachedDur  float64
	turns        []*store.Turn
	turnsCleared bool
}

func (f *fakeStore) GetSegment(ctx context.Context, id string) (*store.Segment, error) {
	if f.seg == nil || f.seg.ID != id {
		return nil, nil
	}
	cp := *f.seg
	return &cp, nil
}

func (f *fakeStore) Transition(ctx context.Context, id string, to store.SegmentState) error {
	if !store.CanTransition(f.seg.State, to) {
		return fmt.Errorf("%w: %s to %s", store.ErrInvalidTransition, f.seg.State, to)
	}
	f.seg.State = to
	f.transitions = append(f.transitions, to)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id string, cause string) error {
	f.seg.State = store.StateFailed
	f.failedCause = cause
	return nil
}

func (f *fakeStore) SetGenerationResult(ctx context.Context, id string, title, script string,
	citations []store.Citation, tone *store.ToneBreakdown, toneScore float64,
	model string, promptTokens, completionTokens int) error {
	f.genTitle, f.genScript = title, script
	f.genCitations = citations
	f.genToneScore = toneScore
	f.genTone = tone
	f.seg.Script = script
	return nil
}

func (f *fakeStore) GetAssetByHash(ctx context.Context, hash string) (*store.Asset, error) {
	if f.assetByHash != nil && f.assetByHash.ContentHash == hash {
		cp := *f.assetByHash
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) ListCanonicalFacts(ctx context.Context) ([]*store.CanonicalFact, error) {
	return f.facts, nil
}

func (f *fakeStore) AttachAsset(ctx context.Context, id, assetID string, durationSec float64) error {
	f.attachedID, f.attachedDur = assetID, durationSec
	return nil
}

func (f *fakeStore) CreateAsset(ctx context.Context, a *store.Asset) error {
	if a.ID == "" {
		a.ID = "asset-1"
	}
	cp := *a
	f.asset = &cp
	return nil
}

func (f *fakeStore) GetProgram(ctx context.Context, id string) (*store.Program, error) {
	return f.program, nil
}

func (f *fakeStore) GetDJ(ctx context.Context, id string) (*store.DJ, error) {
	return f.djs[id], nil
}

func (f *fakeStore) GetVoice(ctx context.Context, id string) (*store.Voice, error) {
	return f.voices[id], nil
}

func (f *fakeStore) EnsureParticipants(ctx context.Context, segmentID string) ([]*store.Participant, error) {
	return f.participants, nil
}

func (f *fakeStore) DeleteTurns(ctx context.Context, segmentID string) error {
	f.turnsCleared = true
	f.turns = nil
	return nil
}

func (f *fakeStore) AddTurn(ctx context.Context, t *store.Turn) error {
	f.turns = append(f.turns, t)
	return nil
}

type fakeJobs struct {
	enqueued []queue.EnqueueRequest
}

func (f *fakeJobs) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error) {
	f.enqueued = append(f.enqueued, req)
	return &queue.Job{ID: "job-1", Type: req.Type}, nil
}

type fakeKnowledge struct {
	hits []store.ChunkResult
	got  store.ChunkSearch
}

func (f *fakeKnowledge) SearchChunks(ctx context.Context, q store.ChunkSearch) ([]store.ChunkResult, error) {
	f.got = q
	return f.hits, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

var (
	wallNow   = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	broadcast = time.Date(2525, 3, 15, 6, 0, 0, 0, time.UTC)
)

// fixture builds a generator wired to fakes around a single queued segment.
func fixture(t *testing.T, participantCount int) (*Generator, *fakeStore, *fakeJobs, *llmmock.Provider, *ttsmock.Provider, *objstore.MemoryStore, *fakeKnowledge) {
	t.Helper()

	seg := &store.Segment{
		ID:                "seg-1",
		ProgramID:         "prog-1",
		SlotType:          "news",
		State:             store.StateQueued,
		ScheduledStartTS:  broadcast,
		TargetDurationSec: 60,
		ParticipantCount:  participantCount,
		MaxRetries:        3,
	}
	program := &store.Program{ID: "prog-1", Name: "Morning Light", FormatClockID: "clock-1"}
	if participantCount > 1 {
		program.ConversationFormat = "co-hosted"
		seg.ConversationFormat = "co-hosted"
	}

	fs := &fakeStore{
		seg:     seg,
		program: program,
		djs: map[string]*store.DJ{
			"dj-1": {ID: "dj-1", Name: "Nova Chen", Personality: "warm and curious",
				VoiceID: "v-1", SpeechSpeed: 1.1, Active: true},
			"dj-2": {ID: "dj-2", Name: "Emeka Okafor", Personality: "dry wit",
				VoiceID: "v-2", SpeechSpeed: 0.9, Active: true},
		},
		voices: map[string]*store.Voice{
			"v-1": {ID: "v-1", ModelID: "en_US-lessac-medium"},
			"v-2": {ID: "v-2", ModelID: "en_US-ryan-high"},
		},
	}
	fs.participants = []*store.Participant{
		{ID: "part-1", SegmentID: "seg-1", DJID: "dj-1", Role: store.RoleHost, SpeakingOrder: 1},
	}
	if participantCount > 1 {
		fs.participants = append(fs.participants,
			&store.Participant{ID: "part-2", SegmentID: "seg-1", DJID: "dj-2",
				Role: store.RoleCoHost, SpeakingOrder: 2})
	}

	knowledge := &fakeKnowledge{hits: []store.ChunkResult{
		{Chunk: store.KnowledgeChunk{ID: "chunk-1", Content: "The orbital gardens opened last spring."}, Distance: 0.2},
	}}
	llmMock := &llmmock.Provider{Model: "test-model"}
	ttsMock := &ttsmock.Provider{}
	objects := objstore.NewMemory()
	jobs := &fakeJobs{}

	gen := New(Config{
		Store:       fs,
		Retriever:   NewRetriever(knowledge, &embmock.Provider{Dim: 8}),
		LLM:         llmMock,
		TTS:         ttsMock,
		Objects:     objects,
		Jobs:        jobs,
		Logger:      slog.New(slog.DiscardHandler),
		StationName: "Chronocast",
		Now:         func() time.Time { return wallNow },
	})
	return gen, fs, jobs, llmMock, ttsMock, objects, knowledge
}

// scriptOfWords builds a script with exactly n words. Every word is an
// optimism marker, so the tone mix lands at 100/0/0 and the score below the
// acceptability threshold.
func scriptOfWords(n int) string {
	return strings.TrimSpace(strings.Repeat("hopeful ", n))
}

// balancedScript builds an n-word script whose tonal markers repeat in the
// station's target 60/30/10 mix, scoring 100.
func balancedScript(n int) string {
	markers := []string{
		"hopeful", "hopeful", "hopeful", "hopeful", "hopeful", "hopeful",
		"challenging", "challenging", "challenging", "wonder",
	}
	words := make([]string, n)
	for i := range words {
		words[i] = markers[i%len(markers)]
	}
	return strings.Join(words, " ")
}

// wireScript makes the mock LLM answer the script-generation call.
func wireScript(p *llmmock.Provider, script string) {
	p.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content: script,
			Usage:   llm.Usage{PromptTokens: 120, CompletionTokens: 480},
		}, nil
	}
}

func payload(t *testing.T) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(segmentMakePayload{SegmentID: "seg-1"})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHandleSegmentMake_Monologue(t *testing.T) {
	gen, fs, jobs, llmMock, _, objects, knowledge := fixture(t, 1)
	wireScript(llmMock, balancedScript(150))

	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}

	wantTransitions := []store.SegmentState{
		store.StateRetrieving, store.StateGenerating, store.StateRendering,
	}
	if len(fs.transitions) != len(wantTransitions) {
		t.Fatalf("transitions = %v, want %v", fs.transitions, wantTransitions)
	}
	for i, w := range wantTransitions {
		if fs.transitions[i] != w {
			t.Errorf("transition %d = %s, want %s", i, fs.transitions[i], w)
		}
	}

	// Retrieval is anchored to the broadcast instant, not the wall clock.
	if !knowledge.got.EventsNotAfter.Equal(broadcast) {
		t.Errorf("EventsNotAfter = %v, want %v", knowledge.got.EventsNotAfter, broadcast)
	}

	// Script generation is the only model call; validation is deterministic.
	reqs := llmMock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("LLM calls = %d, want 1 (script only)", len(reqs))
	}
	if !strings.Contains(reqs[0].SystemPrompt, "The year is 2525") {
		t.Error("script prompt does not fix the broadcast year 2525")
	}
	if strings.Contains(reqs[0].SystemPrompt, "2025") {
		t.Error("script prompt leaks the wall-clock year")
	}

	if fs.genScript == "" || fs.genToneScore != 100 {
		t.Errorf("generation result not stored: script %d bytes, tone %.0f",
			len(fs.genScript), fs.genToneScore)
	}
	if fs.genTone == nil || fs.genTone.OptimismPct != 60 || fs.genTone.RealismPct != 30 || fs.genTone.WonderPct != 10 {
		t.Errorf("tone breakdown = %+v, want 60/30/10", fs.genTone)
	}
	if len(fs.genCitations) != 1 || fs.genCitations[0].ChunkID != "chunk-1" {
		t.Errorf("citations = %+v, want chunk-1", fs.genCitations)
	}

	if fs.asset == nil {
		t.Fatal("no asset created")
	}
	if fs.asset.StoragePath != "raw/seg-1.wav" {
		t.Errorf("asset path = %q, want raw/seg-1.wav", fs.asset.StoragePath)
	}
	if len(fs.asset.ContentHash) != 64 {
		t.Errorf("content hash length = %d, want 64 hex chars", len(fs.asset.ContentHash))
	}
	if fs.attachedID != fs.asset.ID || fs.attachedDur <= 0 {
		t.Errorf("attached asset %q dur %.2f, want %q with positive duration",
			fs.attachedID, fs.attachedDur, fs.asset.ID)
	}
	if _, err := objects.Download(context.Background(), "raw/seg-1.wav"); err != nil {
		t.Errorf("raw audio not uploaded: %v", err)
	}

	if len(jobs.enqueued) != 1 || jobs.enqueued[0].Type != queue.TypeAudioFinalize {
		t.Fatalf("enqueued = %+v, want one audio_finalize job", jobs.enqueued)
	}
	if jobs.enqueued[0].Priority != queue.DefaultPriority {
		t.Errorf("finalize priority = %d, want %d", jobs.enqueued[0].Priority, queue.DefaultPriority)
	}
	fin := jobs.enqueued[0].Payload.(audioFinalizePayload)
	if fin.SegmentID != "seg-1" || fin.AssetID != fs.asset.ID {
		t.Errorf("finalize payload = %+v", fin)
	}
}

func TestHandleSegmentMake_Dialogue(t *testing.T) {
	gen, fs, _, llmMock, ttsMock, objects, _ := fixture(t, 2)

	var lines []string
	for i := 0; i < 15; i++ {
		lines = append(lines,
			"**[Nova Chen]:** "+scriptOfWords(3),
			"**[Emeka Okafor]:** "+scriptOfWords(3))
	}
	wireScript(llmMock, strings.Join(lines, "\n"))

	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}

	if !fs.turnsCleared {
		t.Error("stale turns were not cleared before re-render")
	}
	if len(fs.turns) != 30 {
		t.Fatalf("recorded %d turns, want 30", len(fs.turns))
	}
	if fs.turns[0].TurnNumber != 1 || fs.turns[0].SpeakerName != "Nova Chen" {
		t.Errorf("first turn = %+v", fs.turns[0])
	}
	if fs.turns[1].ParticipantID != "part-2" {
		t.Errorf("second turn participant = %q, want part-2", fs.turns[1].ParticipantID)
	}

	// Each turn's own audio lands next to the concatenated raw file.
	for i, turn := range fs.turns {
		want := objstore.TurnPath("seg-1", i+1)
		if turn.AudioPath != want {
			t.Fatalf("turn %d audio path = %q, want %q", i+1, turn.AudioPath, want)
		}
	}
	if _, err := objects.Download(context.Background(), objstore.TurnPath("seg-1", 1)); err != nil {
		t.Errorf("turn audio not uploaded: %v", err)
	}
	if _, err := objects.Download(context.Background(), objstore.TurnPath("seg-1", 30)); err != nil {
		t.Errorf("last turn audio not uploaded: %v", err)
	}

	// Each speaker synthesizes with their own voice model and speed.
	synths := ttsMock.Requests()
	if len(synths) != 30 {
		t.Fatalf("synthesis calls = %d, want 30", len(synths))
	}
	if synths[0].VoiceModel != "en_US-lessac-medium" || synths[0].Speed != 1.1 {
		t.Errorf("turn 1 voice = %q speed %.1f", synths[0].VoiceModel, synths[0].Speed)
	}
	if synths[1].VoiceModel != "en_US-ryan-high" || synths[1].Speed != 0.9 {
		t.Errorf("turn 2 voice = %q speed %.1f", synths[1].VoiceModel, synths[1].Speed)
	}
}

func TestHandleSegmentMake_WallClockLeak(t *testing.T) {
	gen, fs, jobs, llmMock, _, _, _ := fixture(t, 1)
	leaky := balancedScript(140) + " here in 2025 we dream big"
	wireScript(llmMock, leaky)

	err := gen.HandleSegmentMake(context.Background(), payload(t))
	if err == nil {
		t.Fatal("HandleSegmentMake() error = nil, want wall-clock leak rejection")
	}
	if !strings.Contains(err.Error(), "wall-clock") {
		t.Errorf("error = %v, want wall-clock leak", err)
	}
	if fs.seg.State != store.StateFailed {
		t.Errorf("segment state = %s, want failed", fs.seg.State)
	}
	if fs.failedCause == "" {
		t.Error("failure cause not recorded")
	}
	if len(jobs.enqueued) != 0 {
		t.Error("rejected segment must not reach mastering")
	}
}

func TestHandleSegmentMake_LowToneAiredWithWarning(t *testing.T) {
	gen, fs, jobs, llmMock, _, _, _ := fixture(t, 1)
	// All-optimism script: the mix drifts 80 points off target and scores 60,
	// under the acceptability threshold.
	wireScript(llmMock, scriptOfWords(150))

	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}
	if fs.seg.State == store.StateFailed {
		t.Fatal("low tone score must not fail the segment")
	}
	if fs.genToneScore >= toneThreshold {
		t.Fatalf("tone score = %.0f, expected an under-threshold fixture", fs.genToneScore)
	}
	if fs.genTone == nil || len(fs.genTone.Issues) == 0 {
		t.Error("low tone must be annotated on the segment")
	}
	if len(jobs.enqueued) != 1 || jobs.enqueued[0].Type != queue.TypeAudioFinalize {
		t.Errorf("enqueued = %+v, want one audio_finalize job despite low tone", jobs.enqueued)
	}
}

func TestHandleSegmentMake_CanonContradictionHalts(t *testing.T) {
	gen, fs, jobs, llmMock, _, _, _ := fixture(t, 1)
	fs.facts = []*store.CanonicalFact{{
		Category: "habitats",
		Key:      "meridian dome population",
		Value:    "84000",
		FactType: store.FactNumber,
	}}
	wireScript(llmMock, balancedScript(140)+". The Meridian Dome population reached 500 this week.")

	// The job completes: a script that contradicts canon is not fixed by
	// regenerating against the same knowledge base.
	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v, want nil (terminal, no retry)", err)
	}
	if fs.seg.State != store.StateFailed {
		t.Errorf("segment state = %s, want failed", fs.seg.State)
	}
	if !strings.Contains(fs.failedCause, "canon") {
		t.Errorf("failure cause = %q, want canon contradiction", fs.failedCause)
	}
	if fs.genScript == "" {
		t.Error("script must be persisted for the operator to inspect")
	}
	if len(jobs.enqueued) != 0 {
		t.Error("halted segment must not reach mastering")
	}
}

func TestHandleSegmentMake_ModerateLoreFindingAirs(t *testing.T) {
	gen, fs, jobs, llmMock, _, _, _ := fixture(t, 1)
	fs.facts = []*store.CanonicalFact{{
		Category: "people",
		Key:      "station founder",
		Value:    "Amara Voss",
		FactType: store.FactString,
	}}
	wireScript(llmMock, balancedScript(141)+". The station founder would be proud of this harvest.")

	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}
	if fs.seg.State == store.StateFailed {
		t.Error("moderate finding must not block the segment")
	}
	if len(jobs.enqueued) != 1 {
		t.Error("moderate finding must not block the segment")
	}
}

func TestHandleSegmentMake_DedupSkipsUpload(t *testing.T) {
	// First run establishes the content hash the deterministic synthesis
	// mock produces for this script.
	gen, fs, _, llmMock, _, _, _ := fixture(t, 1)
	wireScript(llmMock, balancedScript(150))
	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}
	if fs.asset == nil {
		t.Fatal("first run created no asset")
	}

	gen2, fs2, jobs2, llmMock2, _, objects2, _ := fixture(t, 1)
	wireScript(llmMock2, balancedScript(150))
	fs2.assetByHash = &store.Asset{
		ID:          "asset-old",
		StoragePath: "raw/other-seg.wav",
		ContentHash: fs.asset.ContentHash,
		DurationSec: 42,
	}

	if err := gen2.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}
	if fs2.asset != nil {
		t.Errorf("duplicate audio created a new asset: %+v", fs2.asset)
	}
	if _, err := objects2.Download(context.Background(), "raw/seg-1.wav"); err == nil {
		t.Error("duplicate audio was uploaded before the hash check")
	}
	if fs2.attachedID != "asset-old" || fs2.attachedDur != 42 {
		t.Errorf("attached %q dur %.0f, want the existing asset", fs2.attachedID, fs2.attachedDur)
	}
	if len(jobs2.enqueued) != 1 {
		t.Error("deduplicated segment still proceeds to mastering")
	}
}

func TestHandleSegmentMake_LengthRejection(t *testing.T) {
	gen, _, _, llmMock, _, _, _ := fixture(t, 1)
	// 60 s at 150 wpm targets 150 words; 20 is far below the 40% band.
	wireScript(llmMock, scriptOfWords(20))

	err := gen.HandleSegmentMake(context.Background(), payload(t))
	if err == nil || !strings.Contains(err.Error(), "length") {
		t.Fatalf("error = %v, want length rejection", err)
	}
}

func TestHandleSegmentMake_AlreadyProduced(t *testing.T) {
	gen, fs, jobs, _, _, _, _ := fixture(t, 1)
	fs.seg.State = store.StateReady

	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}
	if len(fs.transitions) != 0 || len(jobs.enqueued) != 0 {
		t.Error("duplicate delivery must be a no-op")
	}
}

func TestHandleSegmentMake_RetriesFailedSegment(t *testing.T) {
	gen, fs, jobs, llmMock, _, _, _ := fixture(t, 1)
	fs.seg.State = store.StateFailed
	fs.seg.RetryCount = 1
	wireScript(llmMock, balancedScript(150))

	if err := gen.HandleSegmentMake(context.Background(), payload(t)); err != nil {
		t.Fatalf("HandleSegmentMake() error = %v", err)
	}
	if fs.transitions[0] != store.StateQueued {
		t.Errorf("first transition = %s, want queued (retry)", fs.transitions[0])
	}
	if len(jobs.enqueued) != 1 {
		t.Error("retried segment should complete the pipeline")
	}
}

func TestHandleSegmentMake_InterruptedAttemptReset(t *testing.T) {
	gen, fs, _, _, _, _, _ := fixture(t, 1)
	fs.seg.State = store.StateGenerating

	err := gen.HandleSegmentMake(context.Background(), payload(t))
	if err == nil {
		t.Fatal("HandleSegmentMake() error = nil, want reset error")
	}
	if fs.seg.State != store.StateFailed {
		t.Errorf("segment state = %s, want failed", fs.seg.State)
	}
}

func TestHandleSegmentMake_MissingSegment(t *testing.T) {
	gen, _, _, _, _, _, _ := fixture(t, 1)

	b, _ := json.Marshal(segmentMakePayload{SegmentID: "nope"})
	if err := gen.HandleSegmentMake(context.Background(), b); err == nil {
		t.Fatal("HandleSegmentMake() error = nil, want missing-segment error")
	}
}

func TestHandleSegmentMake_BadPayload(t *testing.T) {
	gen, _, _, _, _, _, _ := fixture(t, 1)

	for _, raw := range []string{`{`, `{}`} {
		if err := gen.HandleSegmentMake(context.Background(), json.RawMessage(raw)); err == nil {
			t.Errorf("payload %q: error = nil, want error", raw)
		}
	}
}

var errBoom = errors.New("boom")

func TestHandleSegmentMake_SynthesisFailureMarksFailed(t *testing.T) {
	gen, fs, _, llmMock, ttsMock, _, _ := fixture(t, 1)
	wireScript(llmMock, balancedScript(150))
	ttsMock.SynthesizeFunc = func(ctx context.Context, req tts.SynthesisRequest) (*tts.SynthesisResult, error) {
		return nil, errBoom
	}

	err := gen.HandleSegmentMake(context.Background(), payload(t))
	if !errors.Is(err, errBoom) {
		t.Fatalf("error = %v, want wrapped synthesis failure", err)
	}
	if fs.seg.State != store.StateFailed {
		t.Errorf("segment state = %s, want failed", fs.seg.State)
	}
}
