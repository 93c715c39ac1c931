package rules

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfidenceFloor applies when the rule file does not set confidence_floor.
const DefaultConfidenceFloor = 0.5

// ConfigError identifies a malformed rule or rule-file entry. It is fatal:
// the process must not start with a partial rule set.
type ConfigError struct {
	Source string
	Index  int // rule index, -1 for file-level entries
	RuleID string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("rules")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, ": rule[%d]", e.Index)
		if e.RuleID != "" {
			fmt.Fprintf(&b, " (%s)", e.RuleID)
		}
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

type fileSchema struct {
	Version         int                 `yaml:"version"`
	ConfidenceFloor *float64            `yaml:"confidence_floor"`
	Scan            scanSchema          `yaml:"scan"`
	Strategies      map[string]Strategy `yaml:"strategies"`
	Rules           []ruleSchema        `yaml:"rules"`
}

type scanSchema struct {
	Fields       []string `yaml:"fields"`
	FreeText     []string `yaml:"free_text"`
	SubjectField string   `yaml:"subject_field"`
	Propagate    *bool    `yaml:"propagate"`
}

type ruleSchema struct {
	ID          string    `yaml:"id"`
	EntityType  string    `yaml:"entity_type"`
	PatternKind string    `yaml:"pattern_kind"`
	Pattern     string    `yaml:"pattern"`
	Entries     []string  `yaml:"entries"`
	Strategy    *Strategy `yaml:"strategy"`
	Priority    int       `yaml:"priority"`
	Ambiguity   float64   `yaml:"ambiguity"`
	MaxDistance int       `yaml:"max_distance"`
	Context     Context   `yaml:"context"`
}

// Load reads and validates a rule file. Dictionary file references are
// resolved relative to the rule file's directory.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Index: -1, Reason: err.Error()}
	}
	return parse(data, path, filepath.Dir(path))
}

// Parse validates a rule file held in memory. Dictionary file references are
// resolved relative to baseDir.
func Parse(data []byte, baseDir string) (*RuleSet, error) {
	return parse(data, "<inline>", baseDir)
}

func parse(data []byte, source, baseDir string) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f fileSchema
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Source: source, Index: -1, Reason: "empty rule file"}
		}
		return nil, &ConfigError{Source: source, Index: -1, Reason: err.Error()}
	}

	var errs []error
	fileErr := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Source: source, Index: -1, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if f.Version != 1 {
		fileErr("version", "unsupported version %d", f.Version)
	}

	floor := DefaultConfidenceFloor
	if f.ConfidenceFloor != nil {
		floor = *f.ConfidenceFloor
		if floor < 0 || floor > 1 {
			fileErr("confidence_floor", "must be within [0,1], got %v", floor)
		}
	}

	rs := &RuleSet{
		strategies:      make(map[EntityType]Strategy),
		byKind:          make(map[PatternKind][]*Rule),
		confidenceFloor: floor,
		source:          source,
		scan: Scan{
			Fields:       f.Scan.Fields,
			FreeText:     f.Scan.FreeText,
			SubjectField: f.Scan.SubjectField,
			Propagate:    f.Scan.Propagate == nil || *f.Scan.Propagate,
		},
	}

	names := make([]string, 0, len(f.Strategies))
	for name := range f.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := f.Strategies[name]
		t := EntityType(strings.ToUpper(name))
		if !t.Valid() {
			fileErr("strategies."+name, "unknown entity type")
			continue
		}
		if err := checkStrategy(t, s); err != nil {
			fileErr("strategies."+name, "%s", err)
			continue
		}
		rs.strategies[t] = s.withDefaults()
	}

	if len(f.Rules) == 0 {
		fileErr("rules", "at least one rule is required")
	}

	seen := make(map[string]int)
	for i, raw := range f.Rules {
		ruleErr := func(field, format string, args ...any) {
			errs = append(errs, &ConfigError{
				Source: source, Index: i, RuleID: raw.ID, Field: field,
				Reason: fmt.Sprintf(format, args...),
			})
		}

		if raw.ID == "" {
			ruleErr("id", "required")
		} else if prev, dup := seen[raw.ID]; dup {
			ruleErr("id", "duplicate of rule[%d]", prev)
		} else {
			seen[raw.ID] = i
		}

		t := EntityType(strings.ToUpper(raw.EntityType))
		if !t.Valid() {
			ruleErr("entity_type", "unknown entity type %q", raw.EntityType)
			continue
		}
		if raw.Ambiguity < 0 || raw.Ambiguity >= 1 {
			ruleErr("ambiguity", "must be within [0,1), got %v", raw.Ambiguity)
		}
		if raw.MaxDistance < 0 {
			ruleErr("max_distance", "must not be negative")
		}

		r := &Rule{
			ID:          raw.ID,
			EntityType:  t,
			Kind:        PatternKind(strings.ToLower(raw.PatternKind)),
			Pattern:     raw.Pattern,
			Priority:    raw.Priority,
			Ambiguity:   raw.Ambiguity,
			MaxDistance: raw.MaxDistance,
			Context:     raw.Context,
			Order:       i,
		}

		if err := compile(r, raw.Entries, baseDir); err != nil {
			ruleErr("pattern", "%s", err)
			continue
		}

		if raw.Strategy != nil {
			if err := checkStrategy(t, *raw.Strategy); err != nil {
				ruleErr("strategy", "%s", err)
				continue
			}
			s := raw.Strategy.withDefaults()
			if existing, ok := rs.strategies[t]; ok && existing != s {
				ruleErr("strategy", "%s conflicts with %s already configured for %s", s.Kind, existing.Kind, t)
				continue
			}
			rs.strategies[t] = s
		}

		rs.rules = append(rs.rules, r)
		rs.byKind[r.Kind] = append(rs.byKind[r.Kind], r)
	}

	// Every entity type a rule can emit must resolve to a strategy.
	for _, r := range rs.rules {
		if _, ok := rs.StrategyFor(r.EntityType); !ok {
			errs = append(errs, &ConfigError{
				Source: source, Index: r.Order, RuleID: r.ID, Field: "strategy",
				Reason: fmt.Sprintf("no strategy configured for entity type %s", r.EntityType),
			})
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sum := sha256.Sum256(data)
	rs.fingerprint = hex.EncodeToString(sum[:])
	return rs, nil
}

func checkStrategy(t EntityType, s Strategy) error {
	if _, ok := compatible[s.Kind]; !ok {
		return fmt.Errorf("unknown strategy %q", s.Kind)
	}
	if !s.Kind.Supports(t) {
		return fmt.Errorf("strategy %s is not defined for entity type %s", s.Kind, t)
	}
	if s.BucketWidth < 0 || s.TopCode < 0 || s.MaxShiftDays < 0 || s.Length < 0 {
		return fmt.Errorf("strategy parameters must not be negative")
	}
	if s.ZIPDigits < 0 || s.ZIPDigits > MaxZIPDigits {
		return fmt.Errorf("zip_digits must be within [0,%d]", MaxZIPDigits)
	}
	if s.Length != 0 && (s.Length < MinHashLength || s.Length > 64) {
		return fmt.Errorf("length must be within [%d,64]", MinHashLength)
	}
	return nil
}

func compile(r *Rule, inline []string, baseDir string) error {
	switch r.Kind {
	case KindRegex:
		if r.Pattern == "" {
			return errors.New("regex pattern is empty")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return err
		}
		if re.MatchString("") {
			return errors.New("regex pattern matches the empty string")
		}
		r.regex = re
	case KindDictionary:
		entries := inline
		if strings.HasPrefix(r.Pattern, "file:") {
			p := strings.TrimPrefix(r.Pattern, "file:")
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			fromFile, err := readDictionary(p)
			if err != nil {
				return err
			}
			entries = append(append([]string(nil), entries...), fromFile...)
		} else if r.Pattern != "" {
			return fmt.Errorf("dictionary pattern must be a file: reference, got %q", r.Pattern)
		}
		r.entries = normalizeEntries(entries)
		if len(r.entries) == 0 {
			return errors.New("dictionary has no entries")
		}
	case KindContextual:
		switch r.Pattern {
		case HeuristicFieldValue:
			if len(r.Context.Fields) == 0 {
				return errors.New("field_value requires context.fields")
			}
		case HeuristicCueWindow:
			if len(r.Context.Cues) == 0 {
				return errors.New("cue_window requires context.cues")
			}
			if r.Context.Window <= 0 {
				r.Context.Window = 3
			}
			for _, cue := range r.Context.Cues {
				re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(cue) + `\b\s*[:#-]?`)
				if err != nil {
					return err
				}
				r.cues = append(r.cues, re)
			}
		case HeuristicAgePhrase:
		default:
			return fmt.Errorf("unknown contextual rule %q", r.Pattern)
		}
		if r.Context.BaseConfidence == 0 {
			r.Context.BaseConfidence = 0.6
		}
		if r.Context.BaseConfidence < 0 || r.Context.BaseConfidence+r.Context.Boost > 1 {
			return errors.New("context confidence must stay within [0,1]")
		}
	default:
		return fmt.Errorf("unknown pattern_kind %q", r.Kind)
	}
	return nil
}

func readDictionary(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// normalizeEntries lowercases, collapses whitespace and deduplicates entries.
func normalizeEntries(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.Join(strings.Fields(e), " "))
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
