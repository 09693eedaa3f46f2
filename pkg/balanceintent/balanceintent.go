// Package balanceintent implements a fuzzy balance-intent classifier: a
// case-insensitive fuzzy word match over a small target vocabulary, gated
// by context words and a one-word regex fallback, with explicit exclusion
// terms that force fall-through to the AI path.
package balanceintent

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// targets are the words whose fuzzy presence signals a balance intent.
var targets = []string{"balance", "credit", "wallet", "sats"}

// contextWords gate a fuzzy target match: without one of these nearby, a
// loose Levenshtein hit is too likely to be noise.
var contextWords = []string{"my", "check", "show", "what", "how much", "how many", "?"}

// exclusionTerms force fall-through to the AI path even when a target word
// fuzzy-matches, since these indicate an identity/profile question instead.
var exclusionTerms = []string{
	"identity", "nip05", "profile", "name", "who am i", "about me",
	"information about me",
}

// oneWordPattern catches bare one-word balance queries ("balance?", "sats").
var oneWordPattern = regexp.MustCompile(`(?i)^\s*(balance|sats|credits?)\s*\??\s*$`)

// IsBalanceIntent reports whether text expresses a balance-query intent.
func IsBalanceIntent(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	for _, ex := range exclusionTerms {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	if oneWordPattern.MatchString(lower) {
		return true
	}

	words := strings.Fields(lower)
	hasTarget := false
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:")
		for _, target := range targets {
			if fuzzyMatch(w, target) {
				hasTarget = true
				break
			}
		}
		if hasTarget {
			break
		}
	}
	if !hasTarget {
		return false
	}

	for _, cw := range contextWords {
		if strings.Contains(lower, cw) {
			return true
		}
	}
	return false
}

// fuzzyMatch reports whether word is within 30% Levenshtein distance of
// target's length.
func fuzzyMatch(word, target string) bool {
	if word == target {
		return true
	}
	maxDist := int(0.3 * float64(len(target)))
	if maxDist < 1 {
		maxDist = 1
	}
	return levenshtein.ComputeDistance(word, target) <= maxDist
}
