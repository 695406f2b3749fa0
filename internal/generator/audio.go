package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/chronocast/chronocast/pkg/audio"
	"github.com/chronocast/chronocast/pkg/provider/tts"
)

// turnGap is the silence inserted between consecutive dialogue turns so
// speaker changes breathe instead of colliding.
const turnGap = 350 * time.Millisecond

// speakerVoice is the resolved synthesis identity of one participant.
type speakerVoice struct {
	ParticipantID string
	Name          string  // on-air name the script addresses them by
	Model         string  // TTS voice model identifier
	Speed         float64 // speaking-rate multiplier
}

// renderedTurn is one synthesized utterance ready to be recorded as a
// conversation turn. WAV holds the turn's own audio so each turn can be
// stored individually alongside the concatenated segment.
type renderedTurn struct {
	ParticipantID string
	SpeakerName   string
	Text          string
	WAV           []byte
	DurationSec   float64
}

// renderMonologue synthesizes a single-voice script into one clip.
func renderMonologue(ctx context.Context, provider tts.Provider, script string, v speakerVoice) (audio.Clip, error) {
	res, err := provider.Synthesize(ctx, tts.SynthesisRequest{
		Text:       script,
		VoiceModel: v.Model,
		Speed:      v.Speed,
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("generator: synthesize monologue: %w", err)
	}
	clip, err := audio.DecodeWAV(res.WAV)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("generator: decode synthesis output: %w", err)
	}
	return clip, nil
}

// renderDialogue synthesizes each dialogue line with its speaker's voice and
// joins the clips with [turnGap] silence between turns. The output is mono at
// the first clip's native rate; clips from voices with differing rates are
// resampled to match. Mastering owns the final delivery rate.
func renderDialogue(ctx context.Context, provider tts.Provider, lines []DialogueLine,
	voices map[string]speakerVoice) (audio.Clip, []renderedTurn, error) {

	clips := make([]audio.Clip, 0, len(lines))
	turns := make([]renderedTurn, 0, len(lines))

	for i, line := range lines {
		v, ok := voices[line.Speaker]
		if !ok {
			return audio.Clip{}, nil, fmt.Errorf("generator: no voice resolved for speaker %q", line.Speaker)
		}

		res, err := provider.Synthesize(ctx, tts.SynthesisRequest{
			Text:       line.Text,
			VoiceModel: v.Model,
			Speed:      v.Speed,
		})
		if err != nil {
			return audio.Clip{}, nil, fmt.Errorf("generator: synthesize turn %d (%s): %w", i+1, line.Speaker, err)
		}
		clip, err := audio.DecodeWAV(res.WAV)
		if err != nil {
			return audio.Clip{}, nil, fmt.Errorf("generator: decode turn %d: %w", i+1, err)
		}

		clips = append(clips, clip)
		turns = append(turns, renderedTurn{
			ParticipantID: v.ParticipantID,
			SpeakerName:   v.Name,
			Text:          line.Text,
			WAV:           res.WAV,
			DurationSec:   clip.Duration().Seconds(),
		})
	}

	rate := clips[0].SampleRate
	joined, err := audio.Concat(clips, rate, turnGap)
	if err != nil {
		return audio.Clip{}, nil, fmt.Errorf("generator: join dialogue turns: %w", err)
	}
	return joined, turns, nil
}
