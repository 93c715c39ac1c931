package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/raaihank/phi-sentinel/internal/rules"
)

var rulesFormat string

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
	rulesCheckCmd.Flags().StringVarP(&rulesFormat, "format", "f", "text", "Output format (text|json)")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect de-identification rule files",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [rules.yaml]",
	Short: "Validate a rule file and print its summary",
	Long: "Loads and validates a rule file. Every offending rule is reported at once. " +
		"Without an argument the rule file named in the configuration is checked.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesCheck,
}

// RuleSetReport summarizes a validated rule set.
type RuleSetReport struct {
	Source          string            `json:"source"`
	Fingerprint     string            `json:"fingerprint"`
	ConfidenceFloor float64           `json:"confidence_floor"`
	Rules           []RuleReport      `json:"rules"`
	Strategies      map[string]string `json:"strategies"`
}

// RuleReport describes one rule.
type RuleReport struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	Kind       string `json:"pattern_kind"`
	Strategy   string `json:"strategy"`
	Priority   int    `json:"priority"`
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Rules.Path
	}

	rs, err := rules.Load(path)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}

	report := reportRuleSet(rs)
	if rulesFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return writeRuleSetText(cmd.OutOrStdout(), report)
}

func reportRuleSet(rs *rules.RuleSet) RuleSetReport {
	report := RuleSetReport{
		Source:          rs.Source(),
		Fingerprint:     rs.Fingerprint(),
		ConfidenceFloor: rs.ConfidenceFloor(),
		Strategies:      make(map[string]string),
	}
	for _, r := range rs.Rules() {
		s, _ := rs.StrategyFor(r.EntityType)
		report.Rules = append(report.Rules, RuleReport{
			ID:         r.ID,
			EntityType: string(r.EntityType),
			Kind:       string(r.Kind),
			Strategy:   string(s.Kind),
			Priority:   r.Priority,
		})
	}
	for _, t := range rules.EntityTypes {
		if s, ok := rs.StrategyFor(t); ok {
			report.Strategies[string(t)] = string(s.Kind)
		}
	}
	return report
}

func writeRuleSetText(w io.Writer, report RuleSetReport) error {
	fmt.Fprintf(w, "Rule file:        %s\n", report.Source)
	fmt.Fprintf(w, "Fingerprint:      %s\n", report.Fingerprint)
	fmt.Fprintf(w, "Confidence floor: %.2f\n", report.ConfidenceFloor)
	fmt.Fprintf(w, "Rules:            %d\n\n", len(report.Rules))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tKIND\tSTRATEGY\tPRIORITY")
	for _, r := range report.Rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", r.ID, r.EntityType, r.Kind, r.Strategy, r.Priority)
	}
	return tw.Flush()
}
