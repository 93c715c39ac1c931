package privacy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/raaihank/phi-sentinel/internal/rules"
)

// Marker separators.
const (
	SepDetail = ':'
	SepHash   = '#'
	SepShift  = '~'
)

// markerRe matches only the masking markers the engine writes, so bracketed
// source text such as [DATE:1970-05-02] or [ZIP:02139] is still scanned:
//
//	[NAME]  [NAME:<hex>]  [MRN#<hex>]  [ZIP:021**]  [AGE_OVER_89:90-94]  [DATE:1970]  [DATE~1970-03-14]
var markerRe = func() *regexp.Regexp {
	types := make([]string, len(rules.EntityTypes))
	for i, t := range rules.EntityTypes {
		types[i] = string(t)
	}
	alt := strings.Join(types, "|")
	return regexp.MustCompile(`\[(?:` +
		`(?:` + alt + `)(?::[0-9a-f]{16,64}|#[0-9a-f]{` + strconv.Itoa(rules.MinHashLength) + `,64})?` +
		`|ZIP:(?:\*{5}|[0-9]\*{4}|[0-9]{2}\*{3}|[0-9]{3}\*{2}|[0-9]{4}\*)` +
		`|AGE_OVER_89:[0-9]+(?:-[0-9]+|\+)` +
		`|DATE:[0-9]{4}` +
		`|DATE~[0-9A-Za-z :+,./-]*[0-9][0-9A-Za-z :+,./-]*` +
		`)\]`)
}()

// Marker renders a masking marker. An empty detail renders the bare form.
func Marker(t rules.EntityType, sep byte, detail string) string {
	if detail == "" {
		return "[" + string(t) + "]"
	}
	return "[" + string(t) + string(sep) + detail + "]"
}

// MarkerSpans returns the byte spans of every marker in s.
func MarkerSpans(s string) [][]int {
	return markerRe.FindAllStringIndex(s, -1)
}

// IsMarker reports whether s is exactly one marker.
func IsMarker(s string) bool {
	loc := markerRe.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// blankMarkers replaces marker bytes with spaces, keeping offsets stable, so
// already-masked output is never matched again. It returns the marker spans.
func blankMarkers(s string) (string, [][]int) {
	spans := MarkerSpans(s)
	if len(spans) == 0 {
		return s, nil
	}
	b := []byte(s)
	for _, sp := range spans {
		for i := sp[0]; i < sp[1]; i++ {
			b[i] = ' '
		}
	}
	return string(b), spans
}
