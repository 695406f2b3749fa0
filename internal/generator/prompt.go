package generator

import (
	"fmt"
	"strings"
	"time"

	"github.com/chronocast/chronocast/internal/store"
)

// wordsPerMinute is the speaking-rate assumption used to derive script
// length targets from slot durations.
const wordsPerMinute = 150

// lengthTolerance is how far a script's word count may stray from target in
// either direction.
const lengthTolerance = 0.4

// targetWords converts a slot duration to a script word target.
func targetWords(durationSec float64) int {
	return int(durationSec / 60.0 * wordsPerMinute)
}

// wordCount counts whitespace-separated tokens.
func wordCount(s string) int {
	return len(strings.Fields(s))
}

// lengthInBounds reports whether a script's word count is within
// [lengthTolerance] of target.
func lengthInBounds(words, target int) bool {
	if target <= 0 {
		return words > 0
	}
	lo := float64(target) * (1 - lengthTolerance)
	hi := float64(target) * (1 + lengthTolerance)
	w := float64(words)
	return w >= lo && w <= hi
}

// promptInput bundles everything the prompt builder needs.
type promptInput struct {
	StationName string
	Segment     *store.Segment
	Program     *store.Program
	Participants []speakerInfo
	Context     []RetrievedChunk
	DurationSec float64
}

// speakerInfo is the prompt-facing view of one participant.
type speakerInfo struct {
	Name        string // character name if set, else DJ name
	Role        store.ConversationRole
	Personality string
	Background  string
}

// buildSystemPrompt assembles the system prompt for script generation. The
// broadcast instant is fixed here and nowhere else: every date reference the
// model sees comes from the segment's scheduled start, so scripts stay inside
// the station's calendar no matter when the worker actually runs.
func buildSystemPrompt(in promptInput) string {
	broadcast := in.Segment.ScheduledStartTS
	var b strings.Builder

	fmt.Fprintf(&b, "You are the script writer for %s, a radio station broadcasting live.\n", in.StationName)
	fmt.Fprintf(&b, "The current date and time is %s.\n", broadcast.Format("Monday, January 2, 2006 at 15:04"))
	fmt.Fprintf(&b, "The year is %d. Treat it as the present day: never describe it as the future, ", broadcast.Year())
	b.WriteString("never reference the listener's century, and never mention any other year as \"now\".\n\n")

	fmt.Fprintf(&b, "Program: %s. Segment type: %s.\n", in.Program.Name, in.Segment.SlotType)
	fmt.Fprintf(&b, "Target length: about %d words (%.0f seconds of airtime at a natural pace).\n\n",
		targetWords(in.DurationSec), in.DurationSec)

	b.WriteString("Editorial stance: grounded optimism. Aim for roughly 60% optimism, ")
	b.WriteString("30% realism and 10% wonder. Problems exist and get named, but the ")
	b.WriteString("through-line is that people are solving them.\n\n")

	if len(in.Participants) <= 1 {
		p := in.Participants[0]
		fmt.Fprintf(&b, "Write a monologue for %s (%s).\n", p.Name, p.Role)
		if p.Personality != "" {
			fmt.Fprintf(&b, "Their on-air persona: %s\n", p.Personality)
		}
		b.WriteString("Output plain spoken text only: no headings, no stage directions, no speaker labels.\n")
	} else {
		fmt.Fprintf(&b, "Write a %s between the following speakers:\n", conversationLabel(in.Segment.ConversationFormat))
		for _, p := range in.Participants {
			fmt.Fprintf(&b, "- %s (%s)", p.Name, p.Role)
			if p.Personality != "" {
				fmt.Fprintf(&b, ": %s", p.Personality)
			}
			if p.Background != "" {
				fmt.Fprintf(&b, " — %s", p.Background)
			}
			b.WriteString("\n")
		}
		b.WriteString("\nFormat every line of dialogue exactly as:\n")
		b.WriteString("**[Speaker Name]:** what they say\n")
		b.WriteString("Use only the speakers listed above, with their names spelled exactly as given. ")
		b.WriteString("No narration between lines.\n")
	}

	b.WriteString("\nBackground material (cite nothing, just use it):\n")
	b.WriteString(contextBlock(in.Context))

	return b.String()
}

// conversationLabel maps a stored conversation format to prompt wording.
func conversationLabel(format string) string {
	switch format {
	case "interview":
		return "host-and-guest interview"
	case "panel":
		return "panel discussion"
	case "co-hosted":
		return "co-hosted conversation"
	default:
		return "conversation"
	}
}

// buildUserPrompt is the short instruction accompanying the system prompt.
func buildUserPrompt(seg *store.Segment) string {
	if seg.Title != "" {
		return fmt.Sprintf("Write the %s segment titled %q airing at %s.",
			seg.SlotType, seg.Title, seg.ScheduledStartTS.Format("15:04"))
	}
	return fmt.Sprintf("Write the %s segment airing at %s. Invent a natural on-air angle from the background material.",
		seg.SlotType, seg.ScheduledStartTS.Format("15:04"))
}

// forbiddenYears returns wall-clock year strings that must never appear in a
// script. Only the real current year is checked: decades-old wall years can
// legitimately show up as in-universe history.
func forbiddenYears(broadcast time.Time, wallNow time.Time) []string {
	if wallNow.Year() == broadcast.Year() {
		return nil
	}
	return []string{fmt.Sprintf("%d", wallNow.Year())}
}

// leaksWallClock reports whether the script mentions any forbidden wall-clock
// year.
func leaksWallClock(script string, forbidden []string) (string, bool) {
	for _, y := range forbidden {
		if strings.Contains(script, y) {
			return y, true
		}
	}
	return "", false
}
