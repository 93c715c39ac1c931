package deid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/surrogate"
)

// maskFunc renders the replacement for one entity.
type maskFunc func(ctx context.Context, m *masker, ent privacy.PHIEntity, s rules.Strategy) (string, error)

// strategies is the closed dispatch table. The rule loader rejects any strategy
// kind missing here, so lookups never fail at runtime.
var strategies = map[rules.StrategyKind]maskFunc{
	rules.StrategyRedact:       maskRedact,
	rules.StrategyGeneralize:   maskGeneralize,
	rules.StrategyPseudonymize: maskPseudonymize,
	rules.StrategyDateShift:    maskDateShift,
	rules.StrategyHashTruncate: maskHashTruncate,
}

// masker carries per-record state through strategy calls.
type masker struct {
	engine  *Engine
	scope   string
	subject string
}

func maskRedact(_ context.Context, _ *masker, ent privacy.PHIEntity, _ rules.Strategy) (string, error) {
	return privacy.Marker(ent.EntityType, 0, ""), nil
}

func maskPseudonymize(_ context.Context, m *masker, ent privacy.PHIEntity, _ rules.Strategy) (string, error) {
	tok, err := m.engine.mapper.SurrogateFor(m.scope, ent.EntityType, ent.RawValue)
	if err != nil {
		return "", err
	}
	return privacy.Marker(ent.EntityType, privacy.SepDetail, tok), nil
}

func maskHashTruncate(_ context.Context, m *masker, ent privacy.PHIEntity, s rules.Strategy) (string, error) {
	h := sha256.New()
	h.Write(m.engine.salt)
	h.Write([]byte(ent.EntityType))
	h.Write([]byte{0})
	h.Write([]byte(surrogate.Canonicalize(ent.RawValue)))
	sum := hex.EncodeToString(h.Sum(nil))

	n := s.Length
	if n < rules.MinHashLength || n > len(sum) {
		n = rules.DefaultHashLength
	}
	return privacy.Marker(ent.EntityType, privacy.SepHash, sum[:n]), nil
}

func maskDateShift(ctx context.Context, m *masker, ent privacy.PHIEntity, s rules.Strategy) (string, error) {
	d, layout, ok := parseDate(ent.RawValue)
	if !ok {
		return privacy.Marker(ent.EntityType, 0, ""), nil
	}
	maxDays := s.MaxShiftDays
	if maxDays <= 0 {
		maxDays = rules.DefaultMaxShiftDays
	}
	off, err := m.engine.mapper.OffsetFor(ctx, m.scope, m.subject, maxDays)
	if err != nil {
		return "", err
	}
	return privacy.Marker(ent.EntityType, privacy.SepShift, d.AddDate(0, 0, off).Format(layout)), nil
}

func maskGeneralize(_ context.Context, _ *masker, ent privacy.PHIEntity, s rules.Strategy) (string, error) {
	var detail string
	switch ent.EntityType {
	case rules.EntityZIP:
		detail = generalizeZIP(ent.RawValue, s.ZIPDigits)
	case rules.EntityAgeOver89:
		detail = generalizeAge(ent.RawValue, s.BucketWidth, s.TopCode)
	case rules.EntityDate:
		if d, _, ok := parseDate(ent.RawValue); ok {
			detail = strconv.Itoa(d.Year())
		}
	}
	return privacy.Marker(ent.EntityType, privacy.SepDetail, detail), nil
}

// restrictedZIP3 are three-digit ZIP prefixes covering fewer than 20,000
// people; their prefix is replaced with 000.
var restrictedZIP3 = map[string]bool{
	"036": true, "059": true, "063": true, "102": true, "203": true, "556": true,
	"692": true, "790": true, "821": true, "823": true, "830": true, "831": true,
	"878": true, "879": true, "884": true, "890": true, "893": true,
}

// generalizeZIP keeps the leading digits of a ZIP and stars the rest of the
// five-digit code: 02139-4307 with 3 digits becomes 021**.
func generalizeZIP(raw string, keep int) string {
	var digits []byte
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			digits = append(digits, raw[i])
		}
	}
	if len(digits) < 5 || keep < 0 || keep > rules.MaxZIPDigits {
		return ""
	}
	prefix := string(digits[:keep])
	if keep == 3 && restrictedZIP3[prefix] {
		prefix = "000"
	}
	return prefix + strings.Repeat("*", 5-keep)
}

// generalizeAge buckets an age into width-year bands; ages at or above topCode
// collapse into "<topCode>+".
func generalizeAge(raw string, width, topCode int) string {
	age, err := strconv.Atoi(strings.TrimFunc(raw, func(r rune) bool { return !unicode.IsDigit(r) }))
	if err != nil || age < 0 {
		return ""
	}
	if topCode > 0 && age >= topCode {
		return strconv.Itoa(topCode) + "+"
	}
	if width <= 0 {
		width = rules.DefaultBucketWidth
	}
	low := age - age%width
	return strconv.Itoa(low) + "-" + strconv.Itoa(low+width-1)
}

// dateLayouts are tried in order; zero-padded forms come first so the shifted
// date is rendered the way the source wrote it.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"01/02/06",
	"1/2/06",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"20060102",
}

func parseDate(raw string) (time.Time, string, bool) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, layout, true
		}
	}
	return time.Time{}, "", false
}
