// Package audit keeps the append-only, hash-chained record of every
// de-identification. Records carry metadata only: entity types, rule ids and
// counts, never field values.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// GenesisHash is the prev_hash of the first record in a log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actions recorded in the log.
const (
	ActionDeidentify = "deidentify"
	ActionCompensate = "compensate"
)

// Record is one audit log entry. Once appended it is never mutated.
type Record struct {
	SequenceNo         int64    `json:"sequence_no"`
	Timestamp          string   `json:"timestamp"`
	RecordID           string   `json:"record_id"`
	Actor              string   `json:"actor"`
	Action             string   `json:"action"`
	EntityTypesTouched []string `json:"entity_types_touched"`
	RuleIDsApplied     []string `json:"rule_ids_applied"`
	LowConfidence      int      `json:"low_confidence"`
	FailOpenFields     int      `json:"fail_open_fields"`
	RuleSet            string   `json:"ruleset"`
	Supersedes         int64    `json:"supersedes,omitempty"`
	PrevHash           string   `json:"prev_hash"`
	RecordHash         string   `json:"record_hash"`
}

// ComputeHash returns the SHA-256 over the record's stored fields in fixed
// order, each written as "<len>:<bytes>". Sets are sorted and comma-joined.
// RecordHash itself is excluded.
func (r Record) ComputeHash() string {
	h := sha256.New()
	field := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	field(strconv.FormatInt(r.SequenceNo, 10))
	field(r.Timestamp)
	field(r.RecordID)
	field(r.Actor)
	field(r.Action)
	field(joinSorted(r.EntityTypesTouched))
	field(joinSorted(r.RuleIDsApplied))
	field(strconv.Itoa(r.LowConfidence))
	field(strconv.Itoa(r.FailOpenFields))
	field(r.RuleSet)
	field(strconv.FormatInt(r.Supersedes, 10))
	field(r.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func joinSorted(set []string) string {
	s := append([]string(nil), set...)
	sort.Strings(s)
	return strings.Join(s, ",")
}

// sortedUnique returns a sorted copy of set without duplicates.
func sortedUnique(set []string) []string {
	out := make([]string, 0, len(set))
	seen := make(map[string]bool, len(set))
	for _, s := range set {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
