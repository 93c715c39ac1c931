package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/app"
	"github.com/raaihank/phi-sentinel/internal/audit"
	"github.com/raaihank/phi-sentinel/internal/rules"
)

// ErrChainBroken is returned by audit verify when the chain does not verify.
var ErrChainBroken = errors.New("audit chain verification failed")

var (
	auditFile      string
	auditFormat    string
	auditTailCount int
	auditActor     string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditCompensateCmd)

	auditCmd.PersistentFlags().StringVar(&auditFile, "file", "", "Read a JSONL audit log instead of the configured sink")
	auditVerifyCmd.Flags().StringVarP(&auditFormat, "format", "f", "text", "Output format (text|json)")
	auditTailCmd.Flags().IntVarP(&auditTailCount, "lines", "n", 20, "Number of records to show")
	auditTailCmd.Flags().StringVarP(&auditFormat, "format", "f", "text", "Output format (text|json)")
	auditCompensateCmd.Flags().StringVar(&auditActor, "actor", "", "Actor recorded on the compensating entry")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the hash chain and report the first broken entry",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit records and a summary of the log",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

var auditCompensateCmd = &cobra.Command{
	Use:   "compensate <sequence> <record-id>",
	Short: "Append a compensating entry that supersedes an earlier record",
	Long: "Audit records are never modified. A record that must be withdrawn is superseded " +
		"by a compensating entry naming its sequence number.",
	Args: cobra.ExactArgs(2),
	RunE: runAuditCompensate,
}

// readAudit returns every record from --file or from the configured sink.
func readAudit(ctx context.Context) ([]audit.Record, error) {
	if auditFile != "" {
		return audit.ReadFile(ctx, auditFile)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sink, err := app.OpenSink(ctx, cfg.Audit, zap.NewNop())
	if err != nil {
		return nil, err
	}
	defer sink.Close()
	return sink.ReadAll(ctx)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	records, err := readAudit(cmd.Context())
	if err != nil {
		return err
	}
	result := audit.Verify(records)

	out := cmd.OutOrStdout()
	if auditFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(out, "OK: %d records verified\n", result.Checked)
	} else {
		fmt.Fprintf(out, "BROKEN at sequence %d after %d valid records: %s\n",
			result.FirstBrokenSequence, result.Checked, result.Error)
	}

	if !result.Valid {
		return ErrChainBroken
	}
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	records, err := readAudit(cmd.Context())
	if err != nil {
		return err
	}
	tail := records
	if auditTailCount >= 0 && len(tail) > auditTailCount {
		tail = tail[len(tail)-auditTailCount:]
	}

	out := cmd.OutOrStdout()
	if auditFormat == "json" {
		enc := json.NewEncoder(out)
		for _, rec := range tail {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return enc.Encode(audit.Summarize(records))
	}
	if err := writeRecordsText(out, tail); err != nil {
		return err
	}
	writeSummaryText(out, audit.Summarize(records))
	return nil
}

func writeRecordsText(w io.Writer, records []audit.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tRECORD\tACTION\tENTITIES\tLOW\tFAIL-OPEN")
	for _, r := range records {
		action := r.Action
		if r.Supersedes > 0 {
			action += " #" + strconv.FormatInt(r.Supersedes, 10)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\t%d\t%d\n",
			r.SequenceNo, r.Timestamp, r.RecordID, action, r.EntityTypesTouched, r.LowConfidence, r.FailOpenFields)
	}
	return tw.Flush()
}

func writeSummaryText(w io.Writer, s audit.Summary) {
	fmt.Fprintf(w, "\n%d records", s.Total)
	if s.Total > 0 {
		fmt.Fprintf(w, " from %s to %s", s.First, s.Last)
	}
	fmt.Fprintln(w)
	for _, t := range rules.EntityTypes {
		if n := s.ByEntityType[string(t)]; n > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", t, n)
		}
	}
	if s.LowConfidence > 0 || s.FailOpenFields > 0 {
		fmt.Fprintf(w, "  low-confidence entities: %d, fail-open fields: %d\n", s.LowConfidence, s.FailOpenFields)
	}
	if len(s.Compensations) > 0 {
		fmt.Fprintf(w, "  superseded sequences: %v\n", s.Compensations)
	}
}

func runAuditCompensate(cmd *cobra.Command, args []string) error {
	seq, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence %q: %w", args[0], err)
	}
	ctx := cmd.Context()

	var sink audit.Sink
	ruleset := ""
	actor := auditActor
	if auditFile != "" {
		fs, err := audit.OpenFile(auditFile)
		if err != nil {
			return err
		}
		sink = fs
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if rs, err := rules.Load(cfg.Rules.Path); err == nil {
			ruleset = rs.Fingerprint()
		}
		if actor == "" {
			actor = cfg.Audit.Actor
		}
		sink, err = app.OpenSink(ctx, cfg.Audit, zap.NewNop())
		if err != nil {
			return err
		}
	}

	l, err := audit.NewLogger(ctx, sink, audit.Config{Actor: actor, RuleSet: ruleset}, zap.NewNop())
	if err != nil {
		sink.Close()
		return err
	}
	defer l.Close()

	rec, err := l.Compensate(ctx, seq, args[1], actor)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Appended compensation #%d superseding #%d\n", rec.SequenceNo, seq)
	return nil
}
