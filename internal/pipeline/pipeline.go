// Package pipeline binds detection, masking and audit into the single call the
// ETL makes per record.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/audit"
	"github.com/raaihank/phi-sentinel/internal/deid"
	"github.com/raaihank/phi-sentinel/internal/metrics"
	"github.com/raaihank/phi-sentinel/internal/privacy"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/surrogate"
)

// Summary is the transformation summary of one processed record.
type Summary struct {
	EntityTypesTouched []string `json:"entity_types_touched"`
	RuleIDsApplied     []string `json:"rule_ids_applied"`
	Masked             int      `json:"masked"`
	LowConfidence      int      `json:"low_confidence"`
	FailOpenFields     int      `json:"fail_open_fields"`
}

// ProcessedRecord is a masked record released after its audit entry committed.
type ProcessedRecord struct {
	RecordID  string         `json:"record_id"`
	Scope     string         `json:"scope"`
	Fields    map[string]any `json:"fields"`
	Summary   Summary        `json:"summary"`
	AuditSeq  int64          `json:"audit_sequence_no"`
	AuditHash string         `json:"audit_record_hash"`
}

// Appender is the audit dependency of a Pipeline.
type Appender interface {
	Append(ctx context.Context, e audit.Entry) (audit.Record, error)
}

// Pipeline processes records. It is safe for concurrent use.
type Pipeline struct {
	rules    *rules.RuleSet
	detector *privacy.Detector
	engine   *deid.Engine
	mapper   *surrogate.Mapper
	audit    Appender
	actor    string
	logger   *zap.Logger
}

// Options configures a Pipeline.
type Options struct {
	Rules    *rules.RuleSet
	Detector *privacy.Detector
	Engine   *deid.Engine
	Mapper   *surrogate.Mapper
	Audit    Appender
	// Actor is recorded on every audit entry; empty defers to the audit logger.
	Actor string
}

// New creates a pipeline.
func New(opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		rules:    opts.Rules,
		detector: opts.Detector,
		engine:   opts.Engine,
		mapper:   opts.Mapper,
		audit:    opts.Audit,
		actor:    opts.Actor,
		logger:   logger,
	}
}

// Rules returns the active rule set.
func (p *Pipeline) Rules() *rules.RuleSet { return p.rules }

// EndScope releases the surrogate mappings and date offsets held for scope.
// Tokens stay reproducible afterwards; in-process date offsets do not.
func (p *Pipeline) EndScope(scope string) {
	if p.mapper == nil {
		return
	}
	p.mapper.Discard(scope)
	metrics.SetSurrogateEntries(int(p.mapper.Len()))
}

// Process detects, masks and audits one record, in that order. The masked
// record is returned only once its audit entry is durable; on any error it is
// discarded.
func (p *Pipeline) Process(ctx context.Context, rec privacy.Record, scope string) (*ProcessedRecord, error) {
	if scope == "" {
		return nil, p.fail(rec.ID, StageDeidentify, false, surrogate.ErrEmptyScope)
	}
	if err := ctx.Err(); err != nil {
		return nil, p.fail(rec.ID, StageCanceled, true, err)
	}

	det := p.detector.Detect(rec, p.rules)

	out, err := p.engine.Deidentify(ctx, rec, det, p.rules, scope)
	if err != nil {
		return nil, p.fail(rec.ID, StageDeidentify, isTransient(err), err)
	}

	// nothing has been shared yet; abandoning here leaves no trace
	if err := ctx.Err(); err != nil {
		return nil, p.fail(rec.ID, StageCanceled, true, err)
	}

	summary := Summary{
		EntityTypesTouched: entityStrings(out.EntityTypesTouched),
		RuleIDsApplied:     out.RuleIDs,
		Masked:             out.Masked,
		LowConfidence:      out.LowConfidence,
		FailOpenFields:     out.FailOpenFields,
	}

	start := time.Now()
	entry, err := p.audit.Append(ctx, audit.Entry{
		RecordID:       rec.ID,
		Actor:          p.actor,
		Action:         audit.ActionDeidentify,
		EntityTypes:    summary.EntityTypesTouched,
		RuleIDs:        summary.RuleIDsApplied,
		LowConfidence:  summary.LowConfidence,
		FailOpenFields: summary.FailOpenFields,
	})
	metrics.RecordAuditAppend(err == nil, time.Since(start))
	if err != nil {
		retryable := true
		var werr *audit.AuditWriteError
		if errors.As(err, &werr) {
			retryable = werr.Retryable
		}
		return nil, p.fail(rec.ID, StageAudit, retryable, err)
	}

	metrics.RecordProcessed("ok")
	metrics.RecordMasking(countByType(det), summary.LowConfidence, summary.FailOpenFields)
	if p.mapper != nil {
		metrics.SetSurrogateEntries(int(p.mapper.Len()))
	}

	p.logger.Debug("Record de-identified",
		zap.String("record_id", rec.ID),
		zap.Strings("entity_types", summary.EntityTypesTouched),
		zap.Int("masked", summary.Masked),
		zap.Int64("audit_sequence_no", entry.SequenceNo))

	return &ProcessedRecord{
		RecordID:  rec.ID,
		Scope:     scope,
		Fields:    out.Record.Fields,
		Summary:   summary,
		AuditSeq:  entry.SequenceNo,
		AuditHash: entry.RecordHash,
	}, nil
}

func (p *Pipeline) fail(recordID string, stage Stage, retryable bool, err error) error {
	status := "failed"
	switch {
	case stage == StageCanceled:
		status = "canceled"
	case retryable:
		status = "retryable"
	}
	metrics.RecordProcessed(status)

	fields := []zap.Field{
		zap.String("record_id", recordID),
		zap.String("stage", string(stage)),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	}
	if stage == StageAudit {
		p.logger.Error("Audit append failed; record withheld", fields...)
	} else {
		p.logger.Warn("Record processing failed", fields...)
	}
	return &ProcessingError{RecordID: recordID, Stage: stage, Retryable: retryable, Err: err}
}

// isTransient reports errors worth retrying, such as a shared offset store
// that is briefly unreachable.
func isTransient(err error) bool {
	if errors.Is(err, surrogate.ErrEmptyScope) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func entityStrings(types []rules.EntityType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func countByType(det privacy.Result) map[string]int {
	counts := make(map[string]int)
	for _, e := range det.Entities {
		counts[string(e.EntityType)]++
	}
	if n := len(det.Errors); n > 0 {
		counts[string(rules.EntityFreeTextPHI)] += n
	}
	return counts
}
