package generator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chronocast/chronocast/internal/store"
)

// LoreSeverity grades a detected inconsistency between a script and the
// canonical fact table.
type LoreSeverity string

const (
	// LoreMinor is cosmetic drift; the script airs as-is.
	LoreMinor LoreSeverity = "minor"

	// LoreModerate is logged and aired; the finding feeds the next
	// regeneration if one happens.
	LoreModerate LoreSeverity = "moderate"

	// LoreMajor contradicts established canon; the segment halts.
	LoreMajor LoreSeverity = "major"
)

// LoreFinding is one detected inconsistency.
type LoreFinding struct {
	Severity  LoreSeverity
	Statement string
	Conflict  string
}

// numberTolerance is the relative slack allowed before a stated number
// counts as contradicting an exact canonical value. Scripts round; canon
// doesn't.
const numberTolerance = 0.01

var (
	numberPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	yearPattern   = regexp.MustCompile(`\b([12]\d{3})\b`)
)

// CheckLore validates a script against the canonical fact table and the
// broadcast timeline. Deterministic, sentence-scoped:
//
//   - number facts: a sentence mentioning the fact's key with a number that
//     differs from the canonical value is a major contradiction;
//   - range facts: a number outside [min, max] in a key sentence is major;
//   - string and enum facts: a key sentence that names neither the canonical
//     value nor an allowed one is flagged moderate — likely drift, not a
//     provable contradiction;
//   - timeline: a year after the broadcast year is major; the station does
//     not report events that have not happened yet.
//
// Returns the findings and whether the script may air: any major finding
// blocks it.
func CheckLore(script string, facts []*store.CanonicalFact, broadcastTS time.Time) ([]LoreFinding, bool) {
	var findings []LoreFinding

	sentences := splitSentences(script)
	for _, fact := range facts {
		findings = append(findings, checkFact(sentences, fact)...)
	}
	findings = append(findings, checkTimeline(sentences, broadcastTS.Year())...)

	ok := true
	for _, f := range findings {
		if f.Severity == LoreMajor {
			ok = false
			break
		}
	}
	return findings, ok
}

func checkFact(sentences []string, fact *store.CanonicalFact) []LoreFinding {
	var findings []LoreFinding
	key := strings.ToLower(fact.Key)

	for _, sentence := range sentences {
		lower := strings.ToLower(sentence)
		if !strings.Contains(lower, key) {
			continue
		}

		// Numeric checks require that no number in the sentence matches
		// canon before flagging: sentences carry unrelated figures (ages,
		// times, counts), and a major verdict halts the segment.
		switch fact.FactType {
		case store.FactNumber:
			want, err := strconv.ParseFloat(fact.Value, 64)
			if err != nil {
				continue
			}
			nums := sentenceNumbers(sentence)
			if len(nums) > 0 && !anyNumberAgrees(nums, want) {
				findings = append(findings, LoreFinding{
					Severity:  LoreMajor,
					Statement: strings.TrimSpace(sentence),
					Conflict: fmt.Sprintf("canon: %s/%s = %s, script states %s",
						fact.Category, fact.Key, fact.Value, formatNumber(nums[0])),
				})
			}

		case store.FactRange:
			nums := sentenceNumbers(sentence)
			if len(nums) > 0 && !anyNumberInRange(nums, fact.MinValue, fact.MaxValue) {
				findings = append(findings, LoreFinding{
					Severity:  LoreMajor,
					Statement: strings.TrimSpace(sentence),
					Conflict: fmt.Sprintf("canon: %s/%s must lie in [%s, %s], script states %s",
						fact.Category, fact.Key, formatBound(fact.MinValue), formatBound(fact.MaxValue),
						formatNumber(nums[0])),
				})
			}

		case store.FactEnum:
			if !containsAnyFold(lower, fact.AllowedValues) {
				findings = append(findings, LoreFinding{
					Severity:  LoreModerate,
					Statement: strings.TrimSpace(sentence),
					Conflict: fmt.Sprintf("canon: %s/%s allows %s; none named",
						fact.Category, fact.Key, strings.Join(fact.AllowedValues, ", ")),
				})
			}

		default: // FactString
			if fact.Value != "" && !strings.Contains(lower, strings.ToLower(fact.Value)) {
				findings = append(findings, LoreFinding{
					Severity:  LoreModerate,
					Statement: strings.TrimSpace(sentence),
					Conflict: fmt.Sprintf("canon: %s/%s = %q; not named",
						fact.Category, fact.Key, fact.Value),
				})
			}
		}
	}
	return findings
}

// checkTimeline flags years beyond the broadcast year. Past years are the
// wall-clock leak check's concern; this guards the other direction.
func checkTimeline(sentences []string, broadcastYear int) []LoreFinding {
	var findings []LoreFinding
	for _, sentence := range sentences {
		for _, m := range yearPattern.FindAllString(sentence, -1) {
			year, err := strconv.Atoi(m)
			if err != nil {
				continue
			}
			if year > broadcastYear {
				findings = append(findings, LoreFinding{
					Severity:  LoreMajor,
					Statement: strings.TrimSpace(sentence),
					Conflict:  fmt.Sprintf("year %d is after the broadcast year %d", year, broadcastYear),
				})
			}
		}
	}
	return findings
}

// splitSentences breaks a script into rough sentences on terminal
// punctuation and line breaks. Dialogue speaker tags stay attached to their
// first sentence, which is fine: the checks are containment-based.
func splitSentences(script string) []string {
	parts := strings.FieldsFunc(script, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// sentenceNumbers extracts the numbers stated in a sentence, ignoring
// thousands separators. Four-digit years are included; number facts about
// years are legitimate canon.
func sentenceNumbers(sentence string) []float64 {
	var out []float64
	for _, m := range numberPattern.FindAllString(sentence, -1) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func anyNumberAgrees(nums []float64, want float64) bool {
	for _, n := range nums {
		if numbersAgree(n, want) {
			return true
		}
	}
	return false
}

func anyNumberInRange(nums []float64, min, max *float64) bool {
	for _, n := range nums {
		if (min == nil || n >= *min) && (max == nil || n <= *max) {
			return true
		}
	}
	return false
}

func numbersAgree(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if want == 0 {
		return diff == 0
	}
	rel := diff / abs64(want)
	return rel <= numberTolerance
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBound(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatNumber(*v)
}

func containsAnyFold(lower string, values []string) bool {
	for _, v := range values {
		if strings.Contains(lower, strings.ToLower(v)) {
			return true
		}
	}
	return false
}
