package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/audit"
	"github.com/raaihank/phi-sentinel/internal/rules"
)

const sampleRules = `
version: 1
strategies:
  MRN: {kind: HASH_TRUNCATE, length: 12}
rules:
  - id: mrn
    entity_type: MRN
    pattern_kind: regex
    pattern: '\bMRN\d{3,10}\b'
    priority: 90
  - id: zip
    entity_type: ZIP
    pattern_kind: regex
    pattern: '\b\d{5}\b'
    strategy: {kind: GENERALIZE}
`

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	auditFile, auditFormat, auditTailCount, auditActor = "", "text", 20, ""
	rulesFormat, configPath = "text", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeAuditLog(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := audit.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	l, err := audit.NewLogger(context.Background(), sink, audit.Config{Actor: "etl"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), audit.Entry{RecordID: "rec", EntityTypes: []string{"MRN"}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRulesCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "rules", "check", path, "--format", "json")
	if err != nil {
		t.Fatalf("rules check error = %v", err)
	}
	var report RuleSetReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("bad json %q: %v", out, err)
	}
	if len(report.Rules) != 2 || report.Strategies["ZIP"] != "GENERALIZE" || report.Rules[0].Strategy != "HASH_TRUNCATE" {
		t.Errorf("unexpected report %+v", report)
	}

	out, err = execute(t, "rules", "check", path)
	if err != nil || !strings.Contains(out, "Fingerprint:") || !strings.Contains(out, "mrn") {
		t.Errorf("unexpected text output %q (%v)", out, err)
	}
}

func TestRulesCheckReportsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	bad := strings.Replace(sampleRules, "entity_type: ZIP", "entity_type: POSTCODE", 1)
	if err := os.WriteFile(path, []byte(bad), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "rules", "check", path)
	var cerr *rules.ConfigError
	if !errors.As(err, &cerr) || cerr.RuleID != "zip" {
		t.Errorf("expected ConfigError naming rule zip, got %v", err)
	}
}

func TestAuditVerify(t *testing.T) {
	path := writeAuditLog(t, 3)

	out, err := execute(t, "audit", "verify", "--file", path)
	if err != nil || !strings.Contains(out, "OK: 3 records verified") {
		t.Fatalf("unexpected output %q (%v)", out, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"low_confidence":0`, `"low_confidence":4`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "audit", "verify", "--file", path, "--format", "json")
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	var result audit.VerifyResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result.FirstBrokenSequence != 1 {
		t.Errorf("expected sequence 1 to be reported, got %+v", result)
	}
}

func TestAuditTailAndCompensate(t *testing.T) {
	path := writeAuditLog(t, 5)

	out, err := execute(t, "audit", "compensate", "2", "rec", "--file", path, "--actor", "privacy-officer")
	if err != nil || !strings.Contains(out, "compensation #6 superseding #2") {
		t.Fatalf("unexpected output %q (%v)", out, err)
	}
	if _, err := execute(t, "audit", "compensate", "99", "rec", "--file", path); err == nil {
		t.Error("compensating an unknown sequence must fail")
	}

	out, err = execute(t, "audit", "tail", "--file", path, "-n", "2")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if !strings.HasPrefix(lines[0], "SEQ") || !strings.HasPrefix(lines[1], "5 ") || !strings.HasPrefix(lines[2], "6 ") {
		t.Errorf("unexpected tail %q", out)
	}
	if !strings.Contains(out, "6 records") || !strings.Contains(out, "superseded sequences: [2]") {
		t.Errorf("missing summary in %q", out)
	}

	if _, err := execute(t, "audit", "verify", "--file", path); err != nil {
		t.Errorf("chain must stay valid after compensation: %v", err)
	}
}

func TestOffsetsUnreachableRedis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("redis:\n  url: redis://127.0.0.1:1/0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "offsets", "stats", "--config", path); err == nil || !strings.Contains(err.Error(), "Redis") {
		t.Errorf("expected a Redis connection error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil || info["name"] != "phi-sentinel" {
		t.Errorf("unexpected version output %q", out)
	}
}
