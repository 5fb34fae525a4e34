// Package scoring implements the Confidence Scorer: a stateless pipeline
// that turns a raw model response into validated, ranked Suggestions.
package scoring

import (
	"sort"
	"strings"

	"github.com/arannis/tidysort/core"
)

// illegalChars are characters forbidden in a filename on the platforms the
// assistant targets.
const illegalChars = `/\:*?"<>|`

const maxValueLength = 100

// confidencePenalties are the fixed per-flag deductions applied to a
// model's reported confidence.
var confidencePenalties = map[core.ValidationFlag]int{
	core.FlagEmptyValue:        100,
	core.FlagIllegalChars:      20,
	core.FlagTooLong:           10,
	core.FlagExtensionMismatch: 15,
}

// RawCandidate is one unvalidated suggestion as parsed out of a model's
// response, before scoring.
type RawCandidate struct {
	Value              string
	OriginalConfidence int
	Reasoning          string
}

// ParseFunc extracts RawCandidates from a raw model response string. The
// Confidence Scorer does not know the wire format of any one model; the
// Analysis Service supplies the parser appropriate to the task.
type ParseFunc func(response string) ([]RawCandidate, error)

// Score runs parse -> validate -> adjust -> quality -> rank -> recommend for
// one (file, kind) pair's raw model response. A parse
// failure yields a single unranked suggestion flagged FlagParseError.
func Score(parse ParseFunc, response string, fileID string, kind core.AnalysisKind, model string, durationMs int64, originalExtension string) []core.Suggestion {
	candidates, err := parse(response)
	if err != nil || len(candidates) == 0 {
		return []core.Suggestion{{
			ID:                 core.NewSuggestionID(),
			FileID:             fileID,
			Kind:               kind,
			Model:              model,
			DurationMs:         durationMs,
			OriginalConfidence: 0,
			AdjustedConfidence: 0,
			QualityScore:       0,
			RankPosition:       0,
			Recommended:        false,
			Flags:              []core.ValidationFlag{core.FlagParseError},
		}}
	}

	suggestions := make([]core.Suggestion, 0, len(candidates))
	for _, c := range candidates {
		flags := validate(c.Value, kind, originalExtension)
		adjusted := adjustConfidence(c.OriginalConfidence, flags)
		quality := qualityScore(adjusted, c.Reasoning, flags)

		suggestions = append(suggestions, core.Suggestion{
			ID:                 core.NewSuggestionID(),
			FileID:             fileID,
			Kind:               kind,
			Value:              c.Value,
			OriginalConfidence: c.OriginalConfidence,
			AdjustedConfidence: adjusted,
			QualityScore:       quality,
			Reasoning:          c.Reasoning,
			Model:              model,
			DurationMs:         durationMs,
			Flags:              flags,
		})
	}

	rank(suggestions)
	return suggestions
}

// validate inspects one candidate value and returns every flag that
// applies.
func validate(value string, kind core.AnalysisKind, originalExtension string) []core.ValidationFlag {
	var flags []core.ValidationFlag

	if strings.TrimSpace(value) == "" {
		flags = append(flags, core.FlagEmptyValue)
		return flags // nothing else to check against an empty value
	}
	if strings.ContainsAny(value, illegalChars) {
		flags = append(flags, core.FlagIllegalChars)
	}
	if len(value) > maxValueLength {
		flags = append(flags, core.FlagTooLong)
	}
	if kind == core.KindRenameSuggestions && originalExtension != "" {
		if ext := extensionOf(value); ext != "" && !strings.EqualFold(ext, originalExtension) {
			flags = append(flags, core.FlagExtensionMismatch)
		}
	}
	return flags
}

func extensionOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx:]
}

// adjustConfidence subtracts the fixed penalty for every flag present,
// clamped to [0, 100].
func adjustConfidence(original int, flags []core.ValidationFlag) int {
	adjusted := original
	for _, f := range flags {
		adjusted -= confidencePenalties[f]
	}
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 100 {
		adjusted = 100
	}
	return adjusted
}

// qualityScore combines adjusted confidence with a diminishing-returns
// reward for reasoning depth and a penalty per outstanding flag.
// Reasoning length contributes less than 10 points (about 8.3 at the
// 500-character cap), each extra character adding less than the one before,
// so an essay doesn't outweigh correctness.
func qualityScore(adjustedConfidence int, reasoning string, flags []core.ValidationFlag) float64 {
	reasoningBonus := diminishingReturns(len(reasoning))
	flagPenalty := float64(len(flags)) * 2
	score := float64(adjustedConfidence) + reasoningBonus - flagPenalty
	if score < 0 {
		score = 0
	}
	return score
}

func diminishingReturns(length int) float64 {
	if length <= 0 {
		return 0
	}
	capped := length
	if capped > 500 {
		capped = 500
	}
	// saturating curve 10·n/(n+100): fast early gains, flattening out, never reaching 10.
	bonus := 10 * (1 - 1/(1+float64(capped)/100))
	return bonus
}

// rank orders suggestions within each (FileID, Kind) group by adjusted
// confidence descending, then quality score descending, then original
// order, writing each group back into the slice positions it occupied in
// that rank order, assigning RankPosition and marking the top unflagged
// candidate recommended.
func rank(suggestions []core.Suggestion) {
	type indexed struct {
		idx int
		s   core.Suggestion
	}
	groups := make(map[string][]indexed)
	var order []string
	for i, s := range suggestions {
		key := s.FileID + "|" + string(s.Kind)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], indexed{idx: i, s: s})
	}

	for _, key := range order {
		group := groups[key]
		positions := make([]int, len(group))
		for i, item := range group {
			positions[i] = item.idx
		}
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].s.AdjustedConfidence != group[j].s.AdjustedConfidence {
				return group[i].s.AdjustedConfidence > group[j].s.AdjustedConfidence
			}
			return group[i].s.QualityScore > group[j].s.QualityScore
		})

		recommended := false
		for pos, item := range group {
			s := item.s
			s.RankPosition = pos + 1
			if !recommended && len(s.Flags) == 0 {
				s.Recommended = true
				recommended = true
			}
			suggestions[positions[pos]] = s
		}
	}
}
