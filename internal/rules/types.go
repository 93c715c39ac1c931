// Package rules loads and validates the declarative de-identification rule set.
//
// A RuleSet is immutable once loaded and is passed by pointer into every
// detector and engine call, so it can be shared across workers without locking.
package rules

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntityType is the closed enumeration of PHI categories.
type EntityType string

const (
	EntityName        EntityType = "NAME"
	EntityDate        EntityType = "DATE"
	EntityMRN         EntityType = "MRN"
	EntityAddress     EntityType = "ADDRESS"
	EntityPhone       EntityType = "PHONE"
	EntitySSN         EntityType = "SSN"
	EntityEmail       EntityType = "EMAIL"
	EntityAgeOver89   EntityType = "AGE_OVER_89"
	EntityZIP         EntityType = "ZIP"
	EntityFreeTextPHI EntityType = "FREE_TEXT_PHI"
	EntityOther       EntityType = "OTHER"
)

// EntityTypes lists every valid entity type in declaration order.
var EntityTypes = []EntityType{
	EntityName, EntityDate, EntityMRN, EntityAddress, EntityPhone, EntitySSN,
	EntityEmail, EntityAgeOver89, EntityZIP, EntityFreeTextPHI, EntityOther,
}

// Valid reports whether t belongs to the closed enumeration.
func (t EntityType) Valid() bool {
	for _, e := range EntityTypes {
		if e == t {
			return true
		}
	}
	return false
}

// PatternKind selects how a rule's pattern is evaluated.
type PatternKind string

const (
	KindRegex      PatternKind = "regex"
	KindDictionary PatternKind = "dictionary"
	KindContextual PatternKind = "contextual"
)

// StrategyKind is the closed enumeration of masking strategies.
type StrategyKind string

const (
	StrategyRedact       StrategyKind = "REDACT"
	StrategyGeneralize   StrategyKind = "GENERALIZE"
	StrategyPseudonymize StrategyKind = "PSEUDONYMIZE"
	StrategyDateShift    StrategyKind = "DATE_SHIFT"
	StrategyHashTruncate StrategyKind = "HASH_TRUNCATE"
)

// compatible maps each strategy to the entity types it can be applied to.
// A nil slice means every entity type.
var compatible = map[StrategyKind][]EntityType{
	StrategyRedact:       nil,
	StrategyPseudonymize: nil,
	StrategyHashTruncate: nil,
	StrategyGeneralize:   {EntityAgeOver89, EntityZIP, EntityDate},
	StrategyDateShift:    {EntityDate},
}

// Supports reports whether strategy k is defined for entity type t.
func (k StrategyKind) Supports(t EntityType) bool {
	types, ok := compatible[k]
	if !ok {
		return false
	}
	if types == nil {
		return true
	}
	for _, e := range types {
		if e == t {
			return true
		}
	}
	return false
}

// Strategy is a masking strategy together with its parameters.
type Strategy struct {
	Kind StrategyKind `yaml:"kind"`

	// GENERALIZE
	BucketWidth int `yaml:"bucket_width,omitempty"`
	TopCode     int `yaml:"top_code,omitempty"`
	ZIPDigits   int `yaml:"zip_digits,omitempty"`

	// DATE_SHIFT
	MaxShiftDays int `yaml:"max_shift_days,omitempty"`

	// HASH_TRUNCATE
	Length int `yaml:"length,omitempty"`
}

// Strategy defaults applied when a parameter is omitted.
const (
	DefaultBucketWidth  = 5
	DefaultZIPDigits    = 3
	DefaultMaxShiftDays = 365
	DefaultHashLength   = 16

	// MinHashLength keeps hash markers distinguishable from short bracketed
	// codes in source text.
	MinHashLength = 8

	// MaxZIPDigits leaves at least one digit of a ZIP generalized.
	MaxZIPDigits = 4
)

func (s Strategy) withDefaults() Strategy {
	switch s.Kind {
	case StrategyGeneralize:
		if s.BucketWidth == 0 {
			s.BucketWidth = DefaultBucketWidth
		}
		if s.ZIPDigits == 0 {
			s.ZIPDigits = DefaultZIPDigits
		}
	case StrategyDateShift:
		if s.MaxShiftDays == 0 {
			s.MaxShiftDays = DefaultMaxShiftDays
		}
	case StrategyHashTruncate:
		if s.Length == 0 {
			s.Length = DefaultHashLength
		}
	}
	return s
}

// UnmarshalYAML accepts either a bare strategy name or a mapping with parameters.
func (s *Strategy) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.Kind = StrategyKind(strings.ToUpper(strings.TrimSpace(value.Value)))
		return nil
	}
	type plain Strategy
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Strategy(p)
	s.Kind = StrategyKind(strings.ToUpper(strings.TrimSpace(string(s.Kind))))
	return nil
}

// Contextual heuristic identifiers.
const (
	HeuristicFieldValue = "field_value"
	HeuristicCueWindow  = "cue_window"
	HeuristicAgePhrase  = "age_phrase"
)

// Context holds the parameters of a contextual heuristic.
type Context struct {
	Fields         []string `yaml:"fields,omitempty"`
	Cues           []string `yaml:"cues,omitempty"`
	Window         int      `yaml:"window,omitempty"`
	BaseConfidence float64  `yaml:"base_confidence,omitempty"`
	Boost          float64  `yaml:"boost,omitempty"`
}

// Rule is a single validated, compiled detection rule. Rules are immutable.
type Rule struct {
	ID          string
	EntityType  EntityType
	Kind        PatternKind
	Pattern     string
	Priority    int
	Ambiguity   float64
	MaxDistance int
	Context     Context

	// Order is the declaration index; earlier rules win priority ties.
	Order int

	regex   *regexp.Regexp
	entries []string
	cues    []*regexp.Regexp
}

// Regexp returns the compiled pattern of a regex rule.
func (r *Rule) Regexp() *regexp.Regexp { return r.regex }

// Entries returns the canonical dictionary entries of a dictionary rule.
func (r *Rule) Entries() []string { return r.entries }

// Cues returns the compiled cue matchers of a cue_window rule.
func (r *Rule) Cues() []*regexp.Regexp { return r.cues }

// Heuristic returns the contextual heuristic id of a contextual rule.
func (r *Rule) Heuristic() string {
	if r.Kind != KindContextual {
		return ""
	}
	return r.Pattern
}

// Scan describes which record fields are inspected.
type Scan struct {
	Fields       []string
	FreeText     []string
	SubjectField string
	Propagate    bool
}

// RuleSet is the immutable, validated rule collection for a process.
type RuleSet struct {
	rules           []*Rule
	strategies      map[EntityType]Strategy
	byKind          map[PatternKind][]*Rule
	scan            Scan
	confidenceFloor float64
	fingerprint     string
	source          string
}

// Rules returns the rules in declaration order.
func (rs *RuleSet) Rules() []*Rule { return rs.rules }

// RulesOfKind returns the rules with the given pattern kind, in declaration order.
func (rs *RuleSet) RulesOfKind(k PatternKind) []*Rule { return rs.byKind[k] }

// Rule looks a rule up by id.
func (rs *RuleSet) Rule(id string) (*Rule, bool) {
	for _, r := range rs.rules {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// StrategyFor returns the masking strategy configured for an entity type.
// FREE_TEXT_PHI always resolves, defaulting to REDACT for fail-open masking.
func (rs *RuleSet) StrategyFor(t EntityType) (Strategy, bool) {
	s, ok := rs.strategies[t]
	if !ok && t == EntityFreeTextPHI {
		return Strategy{Kind: StrategyRedact}, true
	}
	return s, ok
}

// Scan returns the field scanning configuration.
func (rs *RuleSet) Scan() Scan { return rs.scan }

// ConfidenceFloor is the confidence below which entities are flagged low_confidence.
func (rs *RuleSet) ConfidenceFloor() float64 { return rs.confidenceFloor }

// Fingerprint is the SHA-256 of the rule file the set was loaded from.
func (rs *RuleSet) Fingerprint() string { return rs.fingerprint }

// Source is the path or label the rule set was loaded from.
func (rs *RuleSet) Source() string { return rs.source }

// ShouldScan reports whether a field is configured for inspection.
func (rs *RuleSet) ShouldScan(field string) bool {
	if len(rs.scan.Fields) == 0 {
		return true
	}
	return contains(rs.scan.Fields, field) || contains(rs.scan.FreeText, field)
}

// IsFreeText reports whether a field is configured as free text.
func (rs *RuleSet) IsFreeText(field string) bool {
	return contains(rs.scan.FreeText, field)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
