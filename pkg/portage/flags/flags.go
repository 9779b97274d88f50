// Package flags compares USE-flag style token sets.
//
// A token may carry a leading "+" (explicitly enabled, same meaning as no
// sign) or "-" (disabled). Tokens ending in "_*" are patterns such as
// "python_targets_*" and are never reported as unsupported.
package flags

import (
	"sort"
	"strings"
)

const (
	positiveMarker = "+"
	negativeMarker = "-"
	wildcardSuffix = "_*"
)

// Tokenize splits a whitespace separated flag string into a sorted set.
func Tokenize(s string) []string {
	return TokenizeList(strings.Fields(s))
}

// TokenizeList normalizes a list of tokens into a sorted set. Empty tokens
// and duplicates are dropped. A nil list yields an empty, non-nil set.
func TokenizeList(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// StripPositive removes the "+" default-enabled marker used by IUSE so the
// result can be used as the universe of valid flag names.
func StripPositive(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = strings.TrimPrefix(tok, positiveMarker)
	}
	return out
}

// Neutral returns the tokens carrying no sign.
func Neutral(tokens []string) []string {
	var out []string
	for _, tok := range tokens {
		if !strings.HasPrefix(tok, positiveMarker) && !strings.HasPrefix(tok, negativeMarker) {
			out = append(out, tok)
		}
	}
	return out
}

// Negative returns the "-" tokens with the sign removed.
func Negative(tokens []string) []string {
	return signed(tokens, negativeMarker)
}

// PositiveExplicit returns the "+" tokens with the sign removed.
func PositiveExplicit(tokens []string) []string {
	return signed(tokens, positiveMarker)
}

func signed(tokens []string, marker string) []string {
	var out []string
	for _, tok := range tokens {
		if strings.HasPrefix(tok, marker) {
			out = append(out, tok[len(marker):])
		}
	}
	return out
}

// IsWildcard reports whether tok is a pattern rather than a flag name.
func IsWildcard(tok string) bool {
	return strings.HasSuffix(tok, wildcardSuffix)
}

// Result is the outcome of a sync check. Every slice is sorted.
type Result struct {
	// InSync is the decision. It is true when Conflicts is non-empty.
	InSync bool

	// Conflicts lists flags requested both enabled and disabled.
	Conflicts []string

	// Unsupported lists requested flags the package does not declare.
	Unsupported []string

	// Missing lists wanted flags that are not enabled.
	Missing []string

	// Unwanted lists disabled flags that are enabled.
	Unwanted []string
}

// IsInSync decides whether the active flags satisfy the desired tokens.
//
// Desired flags outside valid are ignored. A flag requested both on and off
// makes the check report in sync with Conflicts set, so a contradictory
// definition does not trigger a rebuild on every run; callers must surface
// Conflicts as a warning.
func IsInSync(valid, desired, actualPositive []string) Result {
	universe := toSet(valid)
	actual := toSet(actualPositive)

	var res Result
	wantOn := make(map[string]struct{})
	wantOff := make(map[string]struct{})

	classify := func(tokens []string, into map[string]struct{}) {
		for _, tok := range tokens {
			if _, ok := universe[tok]; ok {
				into[tok] = struct{}{}
				continue
			}
			if !IsWildcard(tok) {
				res.Unsupported = append(res.Unsupported, tok)
			}
		}
	}
	classify(Neutral(desired), wantOn)
	classify(PositiveExplicit(desired), wantOn)
	classify(Negative(desired), wantOff)

	for flag := range wantOn {
		if _, ok := wantOff[flag]; ok {
			res.Conflicts = append(res.Conflicts, flag)
		}
	}

	for flag := range wantOn {
		if _, ok := actual[flag]; !ok {
			res.Missing = append(res.Missing, flag)
		}
	}
	for flag := range wantOff {
		if _, ok := actual[flag]; ok {
			res.Unwanted = append(res.Unwanted, flag)
		}
	}

	res.Conflicts = TokenizeList(res.Conflicts)
	res.Unsupported = TokenizeList(res.Unsupported)
	res.Missing = TokenizeList(res.Missing)
	res.Unwanted = TokenizeList(res.Unwanted)

	if len(res.Conflicts) > 0 {
		res.InSync = true
		return res
	}
	res.InSync = len(res.Missing) == 0 && len(res.Unwanted) == 0
	return res
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}
