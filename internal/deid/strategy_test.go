package deid

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/surrogate"
)

func TestGeneralizeZIP(t *testing.T) {
	tests := []struct {
		raw  string
		keep int
		want string
	}{
		{"02139", 3, "021**"},
		{"02139-4307", 3, "021**"},
		{"03601", 3, "000**"},
		{"02139", 2, "02***"},
		{"02139", 0, "*****"},
		{"02139", 4, "0213*"},
		{"02139", 5, ""},
		{"021", 3, ""},
	}
	for _, tt := range tests {
		if got := generalizeZIP(tt.raw, tt.keep); got != tt.want {
			t.Errorf("generalizeZIP(%q, %d) = %q, want %q", tt.raw, tt.keep, got, tt.want)
		}
	}
}

func TestGeneralizeAge(t *testing.T) {
	tests := []struct {
		raw     string
		width   int
		topCode int
		want    string
	}{
		{"93", 5, 0, "90-94"},
		{"90", 10, 0, "90-99"},
		{"104", 5, 0, "100-104"},
		{"97", 5, 90, "90+"},
		{"95", 5, 0, "95-99"},
		{"90", 5, 90, "90+"},
		{"93yo", 5, 0, "90-94"},
		{"abc", 5, 0, ""},
	}
	for _, tt := range tests {
		if got := generalizeAge(tt.raw, tt.width, tt.topCode); got != tt.want {
			t.Errorf("generalizeAge(%q, %d, %d) = %q, want %q", tt.raw, tt.width, tt.topCode, got, tt.want)
		}
	}
}

func TestParseDateKeepsLayout(t *testing.T) {
	tests := []struct {
		raw    string
		layout string
	}{
		{"1970-05-02", "2006-01-02"},
		{"05/02/1970", "01/02/2006"},
		{"5/2/1970", "1/2/2006"},
		{"Mar 2, 1970", "Jan 2, 2006"},
		{"March 14, 1970", "January 2, 2006"},
		{"19700502", "20060102"},
	}
	for _, tt := range tests {
		d, layout, ok := parseDate(tt.raw)
		if !ok {
			t.Errorf("parseDate(%q) failed", tt.raw)
			continue
		}
		if layout != tt.layout {
			t.Errorf("parseDate(%q) layout = %q, want %q", tt.raw, layout, tt.layout)
		}
		if d.Format(layout) != tt.raw {
			t.Errorf("round trip of %q gave %q", tt.raw, d.Format(layout))
		}
	}
	if _, _, ok := parseDate("not a date"); ok {
		t.Error("expected parse failure")
	}
}

func TestStrategyDispatch(t *testing.T) {
	mapper, err := surrogate.NewMapper(surrogate.Config{MasterKey: []byte("k")}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	m := &masker{engine: New(mapper, []byte("salt"), nil), scope: "s", subject: "p1"}
	ctx := context.Background()

	ent := func(typ rules.EntityType, raw string) privacy.PHIEntity {
		return privacy.PHIEntity{EntityType: typ, RawValue: raw}
	}

	tests := []struct {
		name     string
		entity   privacy.PHIEntity
		strategy rules.Strategy
		check    func(string) bool
	}{
		{"redact", ent(rules.EntityPhone, "555-1234"), rules.Strategy{Kind: rules.StrategyRedact},
			func(s string) bool { return s == "[PHONE]" }},
		{"generalize zip", ent(rules.EntityZIP, "02139"), rules.Strategy{Kind: rules.StrategyGeneralize, ZIPDigits: 3},
			func(s string) bool { return s == "[ZIP:021**]" }},
		{"generalize zip never keeps every digit", ent(rules.EntityZIP, "02139"), rules.Strategy{Kind: rules.StrategyGeneralize, ZIPDigits: 5},
			func(s string) bool { return s == "[ZIP]" }},
		{"generalize date", ent(rules.EntityDate, "1970-05-02"), rules.Strategy{Kind: rules.StrategyGeneralize},
			func(s string) bool { return s == "[DATE:1970]" }},
		{"generalize unparsable", ent(rules.EntityAgeOver89, "ninety"), rules.Strategy{Kind: rules.StrategyGeneralize},
			func(s string) bool { return s == "[AGE_OVER_89]" }},
		{"date shift unparsable", ent(rules.EntityDate, "last spring"), rules.Strategy{Kind: rules.StrategyDateShift},
			func(s string) bool { return s == "[DATE]" }},
		{"hash truncate", ent(rules.EntityMRN, "MRN123"), rules.Strategy{Kind: rules.StrategyHashTruncate, Length: 12},
			func(s string) bool { return len(s) == len("[MRN#]")+12 && privacy.IsMarker(s) }},
		{"pseudonymize", ent(rules.EntityEmail, "a@b.org"), rules.Strategy{Kind: rules.StrategyPseudonymize},
			func(s string) bool { return len(s) == len("[EMAIL:]")+surrogate.DefaultTokenLength && privacy.IsMarker(s) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := strategies[tt.strategy.Kind](ctx, m, tt.entity, tt.strategy)
			if err != nil {
				t.Fatal(err)
			}
			if !tt.check(got) {
				t.Errorf("unexpected output %q", got)
			}
		})
	}
}

func TestHashTruncateCanonical(t *testing.T) {
	m := &masker{engine: New(nil, []byte("salt"), nil)}
	s := rules.Strategy{Kind: rules.StrategyHashTruncate, Length: 16}
	a, _ := maskHashTruncate(context.Background(), m, privacy.PHIEntity{EntityType: rules.EntityMRN, RawValue: "MRN-123"}, s)
	b, _ := maskHashTruncate(context.Background(), m, privacy.PHIEntity{EntityType: rules.EntityMRN, RawValue: "mrn123"}, s)
	if a != b {
		t.Errorf("canonically equal values should hash equally: %q vs %q", a, b)
	}
	other := &masker{engine: New(nil, []byte("pepper"), nil)}
	c, _ := maskHashTruncate(context.Background(), other, privacy.PHIEntity{EntityType: rules.EntityMRN, RawValue: "MRN-123"}, s)
	if a == c {
		t.Error("salt must change the digest")
	}
}

func TestDateShiftPreservesIntervals(t *testing.T) {
	mapper, _ := surrogate.NewMapper(surrogate.Config{MasterKey: []byte("k")}, zap.NewNop())
	m := &masker{engine: New(mapper, nil, nil), scope: "s", subject: "p1"}
	s := rules.Strategy{Kind: rules.StrategyDateShift, MaxShiftDays: 100}

	a, _ := maskDateShift(context.Background(), m, privacy.PHIEntity{EntityType: rules.EntityDate, RawValue: "2020-01-01"}, s)
	b, _ := maskDateShift(context.Background(), m, privacy.PHIEntity{EntityType: rules.EntityDate, RawValue: "2020-03-01"}, s)
	da, _ := time.Parse("2006-01-02", a[len("[DATE~"):len(a)-1])
	db, _ := time.Parse("2006-01-02", b[len("[DATE~"):len(b)-1])
	if got := db.Sub(da).Hours() / 24; got != 60 {
		t.Errorf("interval should stay 60 days, got %v", got)
	}
}
