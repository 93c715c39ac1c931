package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validRules = `
version: 1
confidence_floor: 0.6
scan:
  fields: [name, dob, mrn, note]
  free_text: [note]
  subject_field: mrn
strategies:
  NAME: PSEUDONYMIZE
  DATE: {kind: DATE_SHIFT, max_shift_days: 30}
  MRN: {kind: HASH_TRUNCATE, length: 12}
rules:
  - id: mrn
    entity_type: MRN
    pattern_kind: regex
    pattern: '\bMRN\d{3,10}\b'
    priority: 90
  - id: iso-date
    entity_type: DATE
    pattern_kind: regex
    pattern: '\b\d{4}-\d{2}-\d{2}\b'
    priority: 80
  - id: given-names
    entity_type: NAME
    pattern_kind: dictionary
    entries: [Jane, "John  Smith"]
    max_distance: 1
    priority: 40
  - id: name-field
    entity_type: NAME
    pattern_kind: contextual
    pattern: field_value
    context: {fields: [name], base_confidence: 0.9}
    priority: 60
  - id: zip
    entity_type: ZIP
    pattern_kind: regex
    pattern: '\b\d{5}\b'
    ambiguity: 0.3
    strategy: {kind: GENERALIZE, zip_digits: 3}
    priority: 20
`

func TestParseValid(t *testing.T) {
	rs, err := Parse([]byte(validRules), t.TempDir())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := len(rs.Rules()); got != 5 {
		t.Fatalf("expected 5 rules, got %d", got)
	}
	if rs.ConfidenceFloor() != 0.6 {
		t.Errorf("expected floor 0.6, got %v", rs.ConfidenceFloor())
	}
	if !rs.Scan().Propagate {
		t.Error("propagate should default to true")
	}
	if len(rs.Fingerprint()) != 64 {
		t.Errorf("expected sha256 hex fingerprint, got %q", rs.Fingerprint())
	}

	for i, r := range rs.Rules() {
		if r.Order != i {
			t.Errorf("rule %s: expected order %d, got %d", r.ID, i, r.Order)
		}
	}

	s, ok := rs.StrategyFor(EntityMRN)
	if !ok || s.Kind != StrategyHashTruncate || s.Length != 12 {
		t.Errorf("unexpected MRN strategy %+v", s)
	}
	s, ok = rs.StrategyFor(EntityZIP)
	if !ok || s.Kind != StrategyGeneralize || s.ZIPDigits != 3 || s.BucketWidth != DefaultBucketWidth {
		t.Errorf("unexpected ZIP strategy %+v", s)
	}
	if s, ok := rs.StrategyFor(EntityFreeTextPHI); !ok || s.Kind != StrategyRedact {
		t.Errorf("FREE_TEXT_PHI should default to REDACT, got %+v", s)
	}

	dict, _ := rs.Rule("given-names")
	if got := dict.Entries(); len(got) != 2 || got[1] != "john smith" {
		t.Errorf("unexpected dictionary entries %q", got)
	}
	if len(rs.RulesOfKind(KindRegex)) != 3 {
		t.Errorf("expected 3 regex rules")
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		rules string
		field string
	}{
		{
			name: "bad regex",
			rules: `version: 1
strategies: {MRN: REDACT}
rules:
  - {id: a, entity_type: MRN, pattern_kind: regex, pattern: '([0-9'}`,
			field: "pattern",
		},
		{
			name: "unknown entity type",
			rules: `version: 1
rules:
  - {id: a, entity_type: PET, pattern_kind: regex, pattern: 'x'}`,
			field: "entity_type",
		},
		{
			name: "strategy not defined for type",
			rules: `version: 1
rules:
  - {id: a, entity_type: NAME, pattern_kind: regex, pattern: 'x', strategy: DATE_SHIFT}`,
			field: "strategy",
		},
		{
			name: "missing strategy",
			rules: `version: 1
rules:
  - {id: a, entity_type: PHONE, pattern_kind: regex, pattern: '\d{3}-\d{4}'}`,
			field: "strategy",
		},
		{
			name: "conflicting strategies",
			rules: `version: 1
strategies: {NAME: REDACT}
rules:
  - {id: a, entity_type: NAME, pattern_kind: regex, pattern: 'x', strategy: PSEUDONYMIZE}`,
			field: "strategy",
		},
		{
			name: "duplicate id",
			rules: `version: 1
strategies: {NAME: REDACT}
rules:
  - {id: a, entity_type: NAME, pattern_kind: regex, pattern: 'x'}
  - {id: a, entity_type: NAME, pattern_kind: regex, pattern: 'y'}`,
			field: "id",
		},
		{
			name: "empty-matching regex",
			rules: `version: 1
strategies: {NAME: REDACT}
rules:
  - {id: a, entity_type: NAME, pattern_kind: regex, pattern: 'x*'}`,
			field: "pattern",
		},
		{
			name: "unknown heuristic",
			rules: `version: 1
strategies: {NAME: REDACT}
rules:
  - {id: a, entity_type: NAME, pattern_kind: contextual, pattern: vibes}`,
			field: "pattern",
		},
		{
			name: "zip generalization keeps every digit",
			rules: `version: 1
strategies: {ZIP: {kind: GENERALIZE, zip_digits: 5}}
rules:
  - {id: a, entity_type: ZIP, pattern_kind: regex, pattern: '\d{5}'}`,
			field: "zip_digits",
		},
		{
			name: "hash shorter than a marker allows",
			rules: `version: 1
strategies: {MRN: {kind: HASH_TRUNCATE, length: 4}}
rules:
  - {id: a, entity_type: MRN, pattern_kind: regex, pattern: 'MRN\d+'}`,
			field: "length",
		},
		{
			name: "floor out of range",
			rules: `version: 1
confidence_floor: 1.5
strategies: {NAME: REDACT}
rules:
  - {id: a, entity_type: NAME, pattern_kind: regex, pattern: 'x'}`,
			field: "confidence_floor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := Parse([]byte(tt.rules), t.TempDir())
			if err == nil {
				t.Fatalf("expected ConfigError, got rule set with %d rules", len(rs.Rules()))
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err, tt.field)
			}
		})
	}
}

func TestParseUnknownKey(t *testing.T) {
	_, err := Parse([]byte("version: 1\nrulez: []\n"), t.TempDir())
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError for unknown key, got %v", err)
	}
}

func TestParseReportsEveryBadRule(t *testing.T) {
	src := `version: 1
strategies: {NAME: REDACT}
rules:
  - {id: a, entity_type: NAME, pattern_kind: regex, pattern: '('}
  - {id: b, entity_type: NAME, pattern_kind: regex, pattern: 'ok'}
  - {id: c, entity_type: NAME, pattern_kind: regex, pattern: '['}`

	_, err := Parse([]byte(src), t.TempDir())
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "(a)") || !strings.Contains(msg, "(c)") {
		t.Errorf("expected both bad rules in diagnostic, got %q", msg)
	}
	if strings.Contains(msg, "(b)") {
		t.Errorf("valid rule should not appear in diagnostic: %q", msg)
	}
}

func TestLoadDictionaryFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "dict"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dict", "surnames.txt"), []byte("# surnames\nDoe\n\nO'Brien\ndoe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rulesPath := filepath.Join(dir, "rules.yaml")
	src := `version: 1
strategies: {NAME: REDACT}
rules:
  - {id: surnames, entity_type: NAME, pattern_kind: dictionary, pattern: 'file:dict/surnames.txt'}`
	if err := os.WriteFile(rulesPath, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	rs, err := Load(rulesPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	r, ok := rs.Rule("surnames")
	if !ok {
		t.Fatal("rule not found")
	}
	if got := r.Entries(); len(got) != 2 || got[0] != "doe" || got[1] != "o'brien" {
		t.Errorf("unexpected entries %q", got)
	}
	if rs.Source() != rulesPath {
		t.Errorf("expected source %q, got %q", rulesPath, rs.Source())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
}

func TestStrategySupports(t *testing.T) {
	tests := []struct {
		kind StrategyKind
		typ  EntityType
		want bool
	}{
		{StrategyRedact, EntityOther, true},
		{StrategyPseudonymize, EntityEmail, true},
		{StrategyHashTruncate, EntityMRN, true},
		{StrategyGeneralize, EntityZIP, true},
		{StrategyGeneralize, EntityAgeOver89, true},
		{StrategyGeneralize, EntityName, false},
		{StrategyDateShift, EntityDate, true},
		{StrategyDateShift, EntityZIP, false},
		{StrategyKind("SCRAMBLE"), EntityName, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Supports(tt.typ); got != tt.want {
			t.Errorf("%s.Supports(%s) = %v, want %v", tt.kind, tt.typ, got, tt.want)
		}
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a, err := Parse([]byte(validRules), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse([]byte(strings.Replace(validRules, "0.6", "0.7", 1)), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint should change when the floor changes")
	}
}

func TestLoadShippedRuleFile(t *testing.T) {
	rs, err := Load(filepath.Join("..", "..", "configs", "rules.yaml"))
	if err != nil {
		t.Fatalf("shipped rule file does not load: %v", err)
	}
	for _, id := range []string{"mrn-prefixed", "surnames", "name-after-cue", "age-over-89", "zip5"} {
		if _, ok := rs.Rule(id); !ok {
			t.Errorf("rule %s missing", id)
		}
	}
	r, _ := rs.Rule("surnames")
	if len(r.Entries()) == 0 {
		t.Error("surname dictionary is empty")
	}
}
