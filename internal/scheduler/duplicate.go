package scheduler

import (
	"strings"
	"unicode"

	"forgekeeper/internal/types"
)

// nearIdenticalThreshold is the token-set Jaccard similarity above which
// two proposed actions count as the same proposal in different words.
const nearIdenticalThreshold = 0.85

// differentApproachDirective is prepended to a repetitive proposal before
// planning, so the planner sees a changed action instead of the same one
// a third time.
const differentApproachDirective = "try a fundamentally different approach: "

// repetitiveProposal reports whether the new proposal repeats the last
// two without success: all three next-actions near-identical and neither
// prior iteration succeeded.
func repetitiveProposal(action string, history []types.ActionHistoryEntry) bool {
	if len(history) < 2 {
		return false
	}
	prev := history[len(history)-1]
	prev2 := history[len(history)-2]
	if prev.Succeeded || prev2.Succeeded {
		return false
	}
	return nearIdentical(action, prev.NextAction) &&
		nearIdentical(action, prev2.NextAction) &&
		nearIdentical(prev.NextAction, prev2.NextAction)
}

// nearIdentical compares two actions by Jaccard similarity of their
// normalized token sets.
func nearIdentical(a, b string) bool {
	return tokenJaccard(tokenSet(a), tokenSet(b)) >= nearIdenticalThreshold
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func tokenJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
