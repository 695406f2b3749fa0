package generator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/chronocast/chronocast/internal/store"
)

// toneThreshold is the minimum tone score for a script to be acceptable.
// Scores are 0-100. Scripts below threshold air anyway; the verdict is
// recorded as a warning on the segment.
const toneThreshold = 70

// Editorial stance: the target mix of tonal registers.
const (
	targetOptimismPct = 60
	targetRealismPct  = 30
	targetWonderPct   = 10
)

// Keyword classes. Entries are lowercase stems matched as word prefixes, so
// "thriv" covers thrive, thriving, thrived.
var (
	optimismStems = []string{
		"hope", "thriv", "flourish", "restor", "renew", "recover", "rebuild",
		"breakthrough", "progress", "achiev", "celebrat", "improv", "success",
		"growth", "harmon", "heal", "bloom", "better", "brighter", "together",
	}
	realismStems = []string{
		"challeng", "cost", "risk", "delay", "debat", "concern", "shortag",
		"repair", "maintenance", "budget", "negotiat", "disput", "setback",
		"tradeoff", "trade-off", "difficult", "shortfall", "ration", "strain",
	}
	wonderStems = []string{
		"wonder", "marvel", "awe", "stargaz", "myster", "imagin", "dream",
		"curious", "vast", "luminous", "astonish", "breathtak", "infinit",
		"celestial", "shimmer",
	}
)

// Deduction lexicons. Dystopian framing contradicts the station's stance;
// fantasy vocabulary and present-day brand names break the fiction.
var (
	dystopianStems = []string{
		"dystopi", "apocalyp", "wasteland", "collaps", "extinct", "doom",
		"hopeless", "despair", "annihilat", "ruin", "catastroph",
	}
	anachronismStems = []string{
		"dragon", "wizard", "sorcer", "spell", "elf", "elves", "goblin",
		"unicorn", "enchant",
	}
	brandNames = []string{
		"google", "facebook", "amazon", "netflix", "tiktok", "iphone",
		"microsoft", "twitter", "youtube", "spotify", "instagram", "tesla",
	}
)

// Per-hit deductions, applied on top of the mix-distance score.
const (
	dystopianPenalty   = 8
	anachronismPenalty = 6
	brandPenalty       = 10
)

// ToneVerdict is the outcome of tone analysis.
type ToneVerdict struct {
	Score      float64
	Breakdown  *store.ToneBreakdown
	Acceptable bool
}

// AnalyzeTone scores a script against the station's editorial stance of
// grounded optimism (60/30/10 optimism/realism/wonder). It is a pure
// function over the script text: keyword-class counts are normalized into
// the three percentages, the score starts from how close that mix lands to
// the target, and dystopian lexicon, fantasy anachronisms, and present-day
// brand names each deduct further.
func AnalyzeTone(script string) ToneVerdict {
	words := toneWords(script)

	optimism := countStemHits(words, optimismStems)
	realism := countStemHits(words, realismStems)
	wonder := countStemHits(words, wonderStems)

	var issues, suggestions []string

	optPct, realPct, wonPct := normalizeMix(optimism, realism, wonder)
	total := optimism + realism + wonder

	score := 100.0
	if total == 0 {
		issues = append(issues, "script carries no recognizable tonal markers")
		suggestions = append(suggestions, "ground the script in concrete stories of progress, honest obstacles, and moments of wonder")
		score = 50
	} else {
		// Each percentage point of drift from the target mix costs half a
		// point; a fully inverted mix bottoms out near zero.
		drift := abs(optPct-targetOptimismPct) + abs(realPct-targetRealismPct) + abs(wonPct-targetWonderPct)
		score -= float64(drift) / 2

		switch {
		case optPct < targetOptimismPct-20:
			issues = append(issues, fmt.Sprintf("optimism at %d%% is well under the %d%% target", optPct, targetOptimismPct))
			suggestions = append(suggestions, "lean harder into recovery and progress stories")
		case optPct > targetOptimismPct+25:
			issues = append(issues, fmt.Sprintf("optimism at %d%% reads as breathless utopianism", optPct))
			suggestions = append(suggestions, "balance the cheer with honest costs and open questions")
		}
		if realPct > targetRealismPct+25 {
			issues = append(issues, fmt.Sprintf("realism at %d%% drags the script toward gloom", realPct))
			suggestions = append(suggestions, "pair each difficulty with the people working through it")
		}
	}

	for _, stem := range matchedStems(words, dystopianStems) {
		score -= dystopianPenalty
		issues = append(issues, fmt.Sprintf("dystopian framing: %q", stem))
	}
	if hasStemHit(words, dystopianStems) {
		suggestions = append(suggestions, "reframe collapse language as challenges being met")
	}
	for _, stem := range matchedStems(words, anachronismStems) {
		score -= anachronismPenalty
		issues = append(issues, fmt.Sprintf("fantasy anachronism: %q", stem))
	}
	for _, brand := range matchedStems(words, brandNames) {
		score -= brandPenalty
		issues = append(issues, fmt.Sprintf("present-day brand name: %q", brand))
	}
	if hasStemHit(words, brandNames) {
		suggestions = append(suggestions, "replace present-day brands with era-appropriate institutions")
	}

	if score < 0 {
		score = 0
	}

	return ToneVerdict{
		Score: score,
		Breakdown: &store.ToneBreakdown{
			OptimismPct: optPct,
			RealismPct:  realPct,
			WonderPct:   wonPct,
			Issues:      issues,
			Suggestions: suggestions,
		},
		Acceptable: score >= toneThreshold,
	}
}

// normalizeMix converts raw class counts into percentages summing to exactly
// 100 via largest remainders. All-zero counts yield all-zero percentages.
func normalizeMix(optimism, realism, wonder int) (int, int, int) {
	total := optimism + realism + wonder
	if total == 0 {
		return 0, 0, 0
	}

	counts := [3]int{optimism, realism, wonder}
	pcts := [3]int{}
	rems := [3]float64{}
	sum := 0
	for i, c := range counts {
		exact := float64(c) * 100 / float64(total)
		pcts[i] = int(exact)
		rems[i] = exact - float64(pcts[i])
		sum += pcts[i]
	}
	for sum < 100 {
		best := 0
		for i := 1; i < 3; i++ {
			if rems[i] > rems[best] {
				best = i
			}
		}
		pcts[best]++
		rems[best] = 0
		sum++
	}
	return pcts[0], pcts[1], pcts[2]
}

// toneWords lowercases the script and splits it into alphabetic tokens.
// Hyphens stay inside tokens so "trade-off" survives as one word.
func toneWords(script string) []string {
	return strings.FieldsFunc(strings.ToLower(script), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
}

func countStemHits(words []string, stems []string) int {
	n := 0
	for _, w := range words {
		for _, s := range stems {
			if strings.HasPrefix(w, s) {
				n++
				break
			}
		}
	}
	return n
}

func hasStemHit(words []string, stems []string) bool {
	return countStemHits(words, stems) > 0
}

// matchedStems returns each stem once per occurrence in the script, in
// script order, so repeated offenses deduct repeatedly.
func matchedStems(words []string, stems []string) []string {
	var out []string
	for _, w := range words {
		for _, s := range stems {
			if strings.HasPrefix(w, s) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
