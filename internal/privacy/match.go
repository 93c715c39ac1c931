package privacy

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/raaihank/phi-sentinel/internal/rules"
)

// minFuzzyLen is the shortest candidate (in runes) eligible for fuzzy matching.
const minFuzzyLen = 4

type token struct {
	start, end int
	text       string
}

// tokenize splits s into word tokens. Apostrophes and hyphens are kept when
// they join two word characters, so "O'Brien" and "Smith-Jones" stay whole.
func tokenize(s string) []token {
	var out []token
	start := -1
	for i, r := range s {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		if !word && (r == '\'' || r == '’' || r == '-') && start >= 0 {
			next, _ := utf8.DecodeRuneInString(s[i+utf8.RuneLen(r):])
			if unicode.IsLetter(next) || unicode.IsDigit(next) {
				continue
			}
		}
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			out = append(out, token{start: start, end: i, text: s[start:i]})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, token{start: start, end: len(s), text: s[start:]})
	}
	return out
}

func isCapitalized(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

// levenshtein computes the rune edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func newEntity(r *rules.Rule, field, text string, start, end int, conf float64) PHIEntity {
	return PHIEntity{
		EntityType:  r.EntityType,
		Start:       start,
		End:         end,
		SourceField: field,
		RawValue:    text[start:end],
		Confidence:  conf,
		RuleID:      r.ID,
		priority:    r.Priority,
		order:       r.Order,
	}
}

// matchRegex emits every non-overlapping match. A pattern with a capture group
// reports the first group's span instead of the whole match.
func matchRegex(r *rules.Rule, field, text string) []PHIEntity {
	re := r.Regexp()
	conf := 1 - r.Ambiguity
	var out []PHIEntity
	if re.NumSubexp() == 0 {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, newEntity(r, field, text, loc[0], loc[1], conf))
		}
		return out
	}
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		if loc[2] < 0 || loc[2] == loc[3] {
			continue
		}
		out = append(out, newEntity(r, field, text, loc[2], loc[3], conf))
	}
	return out
}

// matchDictionary looks up token n-grams against the rule's entries. Exact
// matches score 1-ambiguity; fuzzy matches are scaled by edit distance.
func matchDictionary(r *rules.Rule, field, text string) []PHIEntity {
	entries := r.Entries()
	exact := make(map[string]struct{}, len(entries))
	maxWords := 1
	for _, e := range entries {
		exact[e] = struct{}{}
		if n := strings.Count(e, " ") + 1; n > maxWords {
			maxWords = n
		}
	}

	toks := tokenize(text)
	base := 1 - r.Ambiguity
	var out []PHIEntity
	for i := range toks {
		var words []string
		for n := 1; n <= maxWords && i+n <= len(toks); n++ {
			words = append(words, strings.ToLower(toks[i+n-1].text))
			cand := strings.Join(words, " ")
			start, end := toks[i].start, toks[i+n-1].end

			if _, ok := exact[cand]; ok {
				out = append(out, newEntity(r, field, text, start, end, base))
				continue
			}
			if r.MaxDistance == 0 || utf8.RuneCountInString(cand) < minFuzzyLen {
				continue
			}
			best := -1
			bestLen := 0
			for _, e := range entries {
				el := utf8.RuneCountInString(e)
				diff := el - utf8.RuneCountInString(cand)
				if diff > r.MaxDistance || -diff > r.MaxDistance {
					continue
				}
				if d := levenshtein(cand, e); d <= r.MaxDistance && (best < 0 || d < best) {
					best, bestLen = d, el
				}
			}
			if best > 0 {
				conf := (1 - float64(best)/float64(bestLen)) * base
				out = append(out, newEntity(r, field, text, start, end, conf))
			}
		}
	}
	return out
}

var (
	agePrefixRe = regexp.MustCompile(`(?i)\b(?:age|aged)\s*[:=]?\s*(\d{2,3})\b`)
	ageSuffixRe = regexp.MustCompile(`(?i)\b(\d{2,3})\s*-?\s*(?:years?|yrs?|y/o|yo)\b`)
)

// matchContextual evaluates a contextual heuristic on marker-blanked text.
// markers are the blanked spans; field_value never fires on a field that
// carries one.
func matchContextual(r *rules.Rule, field, text string, markers [][]int) []PHIEntity {
	ctx := r.Context
	switch r.Heuristic() {
	case rules.HeuristicFieldValue:
		if len(markers) > 0 || !containsField(ctx.Fields, field) {
			return nil
		}
		start := len(text) - len(strings.TrimLeftFunc(text, unicode.IsSpace))
		end := len(strings.TrimRightFunc(text, unicode.IsSpace))
		if start >= end {
			return nil
		}
		if r.EntityType == rules.EntityAgeOver89 && !isAgeOver89(text[start:end]) {
			return nil
		}
		return []PHIEntity{newEntity(r, field, text, start, end, ctx.BaseConfidence+ctx.Boost)}

	case rules.HeuristicCueWindow:
		return matchCueWindow(r, field, text, markers)

	case rules.HeuristicAgePhrase:
		var out []PHIEntity
		for _, re := range []*regexp.Regexp{agePrefixRe, ageSuffixRe} {
			for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
				if !isAgeOver89(text[loc[2]:loc[3]]) {
					continue
				}
				out = append(out, newEntity(r, field, text, loc[2], loc[3], ctx.BaseConfidence+ctx.Boost))
			}
		}
		return out
	}
	return nil
}

// matchCueWindow finds a run of capitalized tokens starting within Window
// tokens after a cue. A run directly after the cue gets the boost. A marker
// counts as a token and ends the window, so masked output never moves the
// window onto later words.
func matchCueWindow(r *rules.Rule, field, text string, markers [][]int) []PHIEntity {
	ctx := r.Context
	toks := tokenize(text)
	var out []PHIEntity
	for _, cue := range r.Cues() {
		for _, loc := range cue.FindAllStringIndex(text, -1) {
			first := -1
			for i, t := range toks {
				if t.start >= loc[1] {
					first = i
					break
				}
			}
			if first < 0 {
				continue
			}
			for k := first; k < len(toks) && k < first+ctx.Window; k++ {
				if markerBetween(markers, loc[1], toks[k].start) {
					break
				}
				if !isCapitalized(toks[k].text) {
					continue
				}
				end := k
				for end+1 < len(toks) && isCapitalized(toks[end+1].text) &&
					strings.TrimSpace(text[toks[end].end:toks[end+1].start]) == "" &&
					!markerBetween(markers, toks[end].end, toks[end+1].start) {
					end++
				}
				conf := ctx.BaseConfidence
				if k == first {
					conf += ctx.Boost
				}
				out = append(out, newEntity(r, field, text, toks[k].start, toks[end].end, conf))
				break
			}
		}
	}
	return out
}

func markerBetween(markers [][]int, from, to int) bool {
	for _, m := range markers {
		if m[0] >= from && m[1] <= to {
			return true
		}
	}
	return false
}

func isAgeOver89(s string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil && n > 89 && n <= 130
}

func containsField(fields []string, f string) bool {
	for _, v := range fields {
		if v == f {
			return true
		}
	}
	return false
}

// FindLiteral returns the byte spans of every case-insensitive, word-bounded
// occurrence of needle in haystack.
func FindLiteral(haystack, needle string) [][2]int {
	if needle == "" {
		return nil
	}
	var out [][2]int
	for i := 0; i < len(haystack); {
		if n, ok := hasPrefixFold(haystack[i:], needle); ok && !wordBefore(haystack, i) && !wordAfter(haystack, i+n) {
			out = append(out, [2]int{i, i + n})
			i += n
			continue
		}
		_, size := utf8.DecodeRuneInString(haystack[i:])
		i += size
	}
	return out
}

// hasPrefixFold reports whether s starts with prefix under simple case
// folding, and the byte length of the matched part of s.
func hasPrefixFold(s, prefix string) (int, bool) {
	n := 0
	for _, pr := range prefix {
		if n >= len(s) {
			return 0, false
		}
		sr, size := utf8.DecodeRuneInString(s[n:])
		if !foldEqual(sr, pr) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func foldEqual(a, b rune) bool {
	if a == b {
		return true
	}
	for f := unicode.SimpleFold(a); f != a; f = unicode.SimpleFold(f) {
		if f == b {
			return true
		}
	}
	return false
}

func wordBefore(s string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func wordAfter(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
