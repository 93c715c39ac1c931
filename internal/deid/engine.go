// Package deid rewrites records by applying the configured masking strategy to
// every detected PHI entity.
package deid

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/surrogate"
)

// FailOpenRuleID is reported for fields masked because detection failed.
const FailOpenRuleID = "fail-open"

// Engine applies masking strategies. It is safe for concurrent use; all shared
// state lives in the surrogate mapper.
type Engine struct {
	mapper *surrogate.Mapper
	salt   []byte
	logger *zap.Logger
}

// New creates an engine. salt keys HASH_TRUNCATE digests.
func New(mapper *surrogate.Mapper, salt []byte, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{mapper: mapper, salt: salt, logger: logger}
}

// Output is a masked record and the transformation summary. The summary
// carries no raw values.
type Output struct {
	Record             privacy.Record
	EntityTypesTouched []rules.EntityType
	RuleIDs            []string
	Masked             int
	LowConfidence      int
	FailOpenFields     int
}

// Deidentify masks every entity in det and sweeps remaining occurrences of the
// masked values from the scanned fields. The input record is not modified.
func (e *Engine) Deidentify(ctx context.Context, rec privacy.Record, det privacy.Result, rs *rules.RuleSet, scope string) (Output, error) {
	out := Output{
		Record: privacy.Record{
			ID:        rec.ID,
			SubjectID: rec.SubjectID,
			Fields:    make(map[string]any, len(rec.Fields)),
			FreeText:  append([]string(nil), rec.FreeText...),
		},
	}
	for k, v := range rec.Fields {
		out.Record.Fields[k] = v
	}

	m := &masker{engine: e, scope: scope, subject: subjectOf(rec, det, rs)}
	touched := make(map[rules.EntityType]struct{})
	ruleIDs := make(map[string]struct{})

	// replacement per masked raw value, reused by the sweep
	var sweep []sweepValue
	seen := make(map[string]bool)

	byField := det.ByField()
	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	masked := make(map[string]string, len(fields))
	for _, field := range fields {
		text := det.Values[field]
		ents := byField[field]
		var b []byte
		last := 0
		for _, ent := range ents {
			repl, err := e.mask(ctx, m, ent, rs)
			if err != nil {
				return Output{}, fmt.Errorf("mask %s in field %q (rule %s): %w", ent.EntityType, field, ent.RuleID, err)
			}
			b = append(b, text[last:ent.Start]...)
			b = append(b, repl...)
			last = ent.End

			touched[ent.EntityType] = struct{}{}
			ruleIDs[ent.RuleID] = struct{}{}
			out.Masked++
			if ent.LowConfidence {
				out.LowConfidence++
			}
			if !seen[ent.RawValue] && utf8.RuneCountInString(ent.RawValue) >= 2 {
				seen[ent.RawValue] = true
				sweep = append(sweep, sweepValue{raw: ent.RawValue, repl: repl})
			}
		}
		b = append(b, text[last:]...)
		masked[field] = string(b)
	}

	// Every scanned field is swept, including fields with no entities of their own.
	for field, text := range det.Values {
		if cur, ok := masked[field]; ok {
			text = cur
		}
		swept, n := sweepText(text, sweep)
		if n > 0 {
			e.logger.Debug("Leak sweep replaced residual values",
				zap.String("record_id", rec.ID),
				zap.String("field", field),
				zap.Int("replacements", n),
			)
			masked[field] = swept
			out.Masked += n
		}
	}
	for field, text := range masked {
		out.Record.Fields[field] = text
	}

	for _, derr := range det.Errors {
		out.Record.Fields[derr.Field] = privacy.Marker(rules.EntityFreeTextPHI, 0, "")
		touched[rules.EntityFreeTextPHI] = struct{}{}
		ruleIDs[FailOpenRuleID] = struct{}{}
		out.FailOpenFields++
	}

	for t := range touched {
		out.EntityTypesTouched = append(out.EntityTypesTouched, t)
	}
	sort.Slice(out.EntityTypesTouched, func(i, j int) bool { return out.EntityTypesTouched[i] < out.EntityTypesTouched[j] })
	for id := range ruleIDs {
		out.RuleIDs = append(out.RuleIDs, id)
	}
	sort.Strings(out.RuleIDs)

	return out, nil
}

func (e *Engine) mask(ctx context.Context, m *masker, ent privacy.PHIEntity, rs *rules.RuleSet) (string, error) {
	s, ok := rs.StrategyFor(ent.EntityType)
	if !ok {
		// The loader guarantees a strategy for every emitted type; redact if a
		// hand-built rule set slips through.
		s = rules.Strategy{Kind: rules.StrategyRedact}
	}
	fn, ok := strategies[s.Kind]
	if !ok {
		fn = maskRedact
	}
	return fn(ctx, m, ent, s)
}

// subjectOf picks the DATE_SHIFT subject: the record's subject id, then the
// configured subject field, then the record id.
func subjectOf(rec privacy.Record, det privacy.Result, rs *rules.RuleSet) string {
	if rec.SubjectID != "" {
		return rec.SubjectID
	}
	if f := rs.Scan().SubjectField; f != "" {
		if v, ok := det.Values[f]; ok && v != "" {
			return v
		}
		if v, ok := rec.Fields[f].(string); ok && v != "" {
			return v
		}
	}
	return rec.ID
}

type sweepValue struct {
	raw  string
	repl string
}

// sweepText replaces word-bounded occurrences of masked raw values that remain
// outside markers. Longer values win where occurrences overlap.
func sweepText(text string, values []sweepValue) (string, int) {
	if len(values) == 0 {
		return text, 0
	}
	markers := privacy.MarkerSpans(text)
	inMarker := func(start, end int) bool {
		for _, sp := range markers {
			if start < sp[1] && sp[0] < end {
				return true
			}
		}
		return false
	}

	type hit struct {
		start, end int
		repl       string
	}
	var hits []hit
	for _, v := range values {
		for _, loc := range privacy.FindLiteral(text, v.raw) {
			if !inMarker(loc[0], loc[1]) {
				hits = append(hits, hit{loc[0], loc[1], v.repl})
			}
		}
	}
	if len(hits) == 0 {
		return text, 0
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].end-hits[i].start > hits[j].end-hits[j].start
	})
	var kept []hit
	for _, h := range hits {
		clash := false
		for _, k := range kept {
			if h.start < k.end && k.start < h.end {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, h)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })

	var b []byte
	last := 0
	for _, h := range kept {
		b = append(b, text[last:h.start]...)
		b = append(b, h.repl...)
		last = h.end
	}
	b = append(b, text[last:]...)
	return string(b), len(kept)
}
