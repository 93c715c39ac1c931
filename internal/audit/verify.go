package audit

import (
	"context"
	"fmt"
	"sort"
)

// VerifyResult reports the outcome of a chain verification.
// FirstBrokenSequence is the first tampered or missing sequence number and is
// zero when the chain is valid.
type VerifyResult struct {
	Valid               bool   `json:"valid"`
	Checked             int    `json:"checked"`
	FirstBrokenSequence int64  `json:"first_broken_sequence,omitempty"`
	Error               string `json:"error,omitempty"`
}

// Verify recomputes the chain end to end. Sequence numbers must run 1..N
// without gaps, each prev_hash must equal the preceding record_hash, and each
// record_hash must match the record's contents.
func Verify(records []Record) VerifyResult {
	prev := GenesisHash
	for i, rec := range records {
		want := int64(i + 1)
		switch {
		case rec.SequenceNo != want:
			return broken(i, want, fmt.Sprintf("expected sequence %d, found %d", want, rec.SequenceNo))
		case rec.PrevHash != prev:
			return broken(i, want, "prev_hash does not link to the preceding record")
		case rec.ComputeHash() != rec.RecordHash:
			return broken(i, want, "record_hash does not match contents")
		}
		prev = rec.RecordHash
	}
	return VerifyResult{Valid: true, Checked: len(records)}
}

func broken(checked int, seq int64, msg string) VerifyResult {
	return VerifyResult{Checked: checked, FirstBrokenSequence: seq, Error: msg}
}

// VerifySink reads every record from sink and verifies the chain.
func VerifySink(ctx context.Context, sink Sink) (VerifyResult, error) {
	records, err := sink.ReadAll(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return Verify(records), nil
}

// VerifyFile verifies a JSONL audit log on disk.
func VerifyFile(ctx context.Context, path string) (VerifyResult, error) {
	records, err := ReadFile(ctx, path)
	if err != nil {
		return VerifyResult{}, err
	}
	return Verify(records), nil
}

// Summary aggregates a log for reporting.
type Summary struct {
	Total          int            `json:"total"`
	ByAction       map[string]int `json:"by_action"`
	ByEntityType   map[string]int `json:"by_entity_type"`
	LowConfidence  int            `json:"low_confidence"`
	FailOpenFields int            `json:"fail_open_fields"`
	Compensations  []int64        `json:"compensations,omitempty"`
	First          string         `json:"first,omitempty"`
	Last           string         `json:"last,omitempty"`
}

// Summarize groups records by action and entity type.
func Summarize(records []Record) Summary {
	s := Summary{
		Total:        len(records),
		ByAction:     make(map[string]int),
		ByEntityType: make(map[string]int),
	}
	for _, rec := range records {
		s.ByAction[rec.Action]++
		for _, t := range rec.EntityTypesTouched {
			s.ByEntityType[t]++
		}
		s.LowConfidence += rec.LowConfidence
		s.FailOpenFields += rec.FailOpenFields
		if rec.Action == ActionCompensate {
			s.Compensations = append(s.Compensations, rec.Supersedes)
		}
	}
	if len(records) > 0 {
		s.First = records[0].Timestamp
		s.Last = records[len(records)-1].Timestamp
	}
	sort.Slice(s.Compensations, func(i, j int) bool { return s.Compensations[i] < s.Compensations[j] })
	return s
}
