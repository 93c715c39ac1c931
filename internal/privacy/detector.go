package privacy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/rules"
)

// Detector finds PHI spans in records. It holds no per-record state and is
// safe for concurrent use.
type Detector struct {
	logger *zap.Logger
}

// New creates a new PHI detector instance
func New(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{logger: logger}
}

// Detect evaluates every applicable rule of rs against the scanned fields of rec.
// Structured fields are resolved first so their values can be propagated into
// free text.
func (d *Detector) Detect(rec Record, rs *rules.RuleSet) Result {
	res := Result{Values: make(map[string]string)}

	freeText := make(map[string]bool)
	for _, f := range rec.FreeText {
		freeText[f] = true
	}

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		if rs.ShouldScan(name) || freeText[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var structured, unstructured []string
	for _, name := range names {
		text, ok, err := render(rec.Fields[name])
		if err != nil {
			derr := &DetectionError{Field: name, Kind: ErrKindType, Err: err}
			if errors.Is(err, errInvalidUTF8) {
				derr.Kind = ErrKindEncoding
			}
			res.Errors = append(res.Errors, derr)
			d.logger.Warn("Field detection failed, masking whole field",
				zap.String("record_id", rec.ID),
				zap.String("field", name),
				zap.String("kind", string(derr.Kind)),
			)
			continue
		}
		if !ok {
			continue
		}
		res.Values[name] = text
		if freeText[name] || rs.IsFreeText(name) {
			unstructured = append(unstructured, name)
		} else {
			structured = append(structured, name)
		}
	}

	floor := rs.ConfidenceFloor()
	for _, name := range structured {
		res.Entities = append(res.Entities, d.detectField(name, res.Values[name], rs, nil)...)
	}

	var seeds []PHIEntity
	if rs.Scan().Propagate {
		for _, e := range res.Entities {
			if e.Confidence >= floor && utf8.RuneCountInString(e.RawValue) >= 2 {
				seeds = append(seeds, e)
			}
		}
	}
	for _, name := range unstructured {
		res.Entities = append(res.Entities, d.detectField(name, res.Values[name], rs, seeds)...)
	}

	for i := range res.Entities {
		res.Entities[i].LowConfidence = res.Entities[i].Confidence < floor
	}

	d.logger.Debug("Detection completed",
		zap.String("record_id", rec.ID),
		zap.Int("fields", len(res.Values)),
		zap.Int("entities", len(res.Entities)),
		zap.Int("failed_fields", len(res.Errors)),
	)
	return res
}

// detectField gathers candidates from every rule and resolves overlaps.
// Seeds are structured-field entities searched literally in this field.
func (d *Detector) detectField(field, text string, rs *rules.RuleSet, seeds []PHIEntity) []PHIEntity {
	scan, markers := blankMarkers(text)

	var cands []PHIEntity
	for _, r := range rs.Rules() {
		switch r.Kind {
		case rules.KindRegex:
			cands = append(cands, matchRegex(r, field, scan)...)
		case rules.KindDictionary:
			cands = append(cands, matchDictionary(r, field, scan)...)
		case rules.KindContextual:
			cands = append(cands, matchContextual(r, field, scan, markers)...)
		}
	}

	for _, s := range seeds {
		for _, loc := range FindLiteral(scan, s.RawValue) {
			e := s
			e.SourceField = field
			e.Start, e.End = loc[0], loc[1]
			cands = append(cands, e)
		}
	}

	// Matchers ran on the blanked text; report raw values from the original.
	for i := range cands {
		cands[i].RawValue = text[cands[i].Start:cands[i].End]
	}
	return resolveOverlaps(cands)
}

// resolveOverlaps keeps, among overlapping candidates, the one with the higher
// rule priority, then higher confidence, then longer span, then earlier
// declaration. Losers are dropped, never merged.
func resolveOverlaps(cands []PHIEntity) []PHIEntity {
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.Start < b.Start
	})

	kept := make([]PHIEntity, 0, len(cands))
	for _, c := range cands {
		if c.Len() <= 0 {
			continue
		}
		clash := false
		for _, k := range kept {
			if c.overlaps(k) {
				clash = true
				break
			}
		}
		if !clash {
			kept = append(kept, c)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

var errInvalidUTF8 = errors.New("invalid UTF-8")

// render converts a field value to the text that is scanned and masked.
// ok is false for values that carry no text (nil, bool).
func render(v any) (text string, ok bool, err error) {
	switch x := v.(type) {
	case nil, bool:
		return "", false, nil
	case string:
		if !utf8.ValidString(x) {
			return "", false, errInvalidUTF8
		}
		return x, true, nil
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02"), true, nil
		}
		return x.Format(time.RFC3339), true, nil
	case json.Number:
		return x.String(), true, nil
	case int:
		return strconv.Itoa(x), true, nil
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", x), true, nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), true, nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true, nil
	default:
		return "", false, fmt.Errorf("unsupported value type %T", v)
	}
}
