package generator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// speakerLinePattern matches one dialogue line in the generated script:
//
//	**[Nova Chen]:** Good morning, and welcome back.
//
// The bracket form is what the prompt demands; a tolerant variant without
// brackets (**Nova Chen:**) is accepted too, since models drift.
var speakerLinePattern = regexp.MustCompile(`^\*\*\[?([^\]*]+?)\]?:?\*\*:?\s*(.*)$`)

// speakerMatchThreshold is the minimum Jaro-Winkler similarity for mapping a
// slightly-misspelled speaker label onto a known participant.
const speakerMatchThreshold = 0.85

// DialogueLine is one parsed utterance attributed to a known speaker.
type DialogueLine struct {
	Speaker string // canonical participant name
	Text    string
}

// ParseDialogue splits a multi-speaker script into attributed lines. Speaker
// labels must resolve to one of the known names: exact match first
// (case-insensitive), then Jaro-Winkler fuzzy match above
// [speakerMatchThreshold] to absorb model misspellings. A label that resolves
// to no known speaker fails the whole parse — inventing extra voices on air
// is worse than regenerating the script.
//
// Non-empty lines outside any speaker block continue the previous speaker's
// utterance; leading narration with no speaker at all is an error.
func ParseDialogue(script string, speakers []string) ([]DialogueLine, error) {
	if len(speakers) == 0 {
		return nil, fmt.Errorf("generator: parse dialogue: no speakers provided")
	}

	var lines []DialogueLine
	for _, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		m := speakerLinePattern.FindStringSubmatch(line)
		if m == nil {
			if len(lines) == 0 {
				return nil, fmt.Errorf("generator: parse dialogue: text before first speaker label: %q", truncate(line, 60))
			}
			// Continuation of the previous utterance.
			prev := &lines[len(lines)-1]
			if prev.Text == "" {
				prev.Text = line
			} else {
				prev.Text += " " + line
			}
			continue
		}

		label := strings.TrimSpace(m[1])
		text := strings.TrimSpace(m[2])

		speaker, ok := matchSpeaker(label, speakers)
		if !ok {
			return nil, fmt.Errorf("generator: parse dialogue: unknown speaker %q (known: %s)",
				label, strings.Join(speakers, ", "))
		}

		if text == "" {
			// Label on its own line; the utterance follows.
			lines = append(lines, DialogueLine{Speaker: speaker})
			continue
		}
		lines = append(lines, DialogueLine{Speaker: speaker, Text: text})
	}

	// Drop empty utterances left by label-only lines with no continuation.
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l.Text) != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("generator: parse dialogue: no dialogue lines found")
	}
	return out, nil
}

// matchSpeaker resolves a script label to a canonical speaker name.
func matchSpeaker(label string, speakers []string) (string, bool) {
	labelLower := strings.ToLower(label)
	for _, s := range speakers {
		if strings.ToLower(s) == labelLower {
			return s, true
		}
	}

	// First-name shorthand: "Nova" for "Nova Chen" is unambiguous when only
	// one participant carries that first token.
	var firstNameHit string
	for _, s := range speakers {
		tokens := strings.Fields(strings.ToLower(s))
		if len(tokens) > 0 && tokens[0] == labelLower {
			if firstNameHit != "" {
				firstNameHit = ""
				break
			}
			firstNameHit = s
		}
	}
	if firstNameHit != "" {
		return firstNameHit, true
	}

	// Fuzzy fallback for misspellings.
	best := ""
	bestScore := 0.0
	for _, s := range speakers {
		score := matchr.JaroWinkler(labelLower, strings.ToLower(s), false)
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	if bestScore >= speakerMatchThreshold {
		return best, true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
