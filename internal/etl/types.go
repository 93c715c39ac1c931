package etl

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned for input files that are not CSV, JSONL or Parquet.
var ErrUnsupportedFormat = errors.New("etl: unsupported file format")

// Result represents the result of processing a dataset
type Result struct {
	Total           int64         `json:"total"`
	OK              int64         `json:"ok"`
	Failed          int64         `json:"failed"`
	Retried         int64         `json:"retried"`
	DetectionErrors int64         `json:"detection_errors"`
	Duration        time.Duration `json:"duration"`
	Errors          []string      `json:"errors,omitempty"`
}

// maxReportedErrors caps Result.Errors; later failures are only counted.
const maxReportedErrors = 100

func (r *Result) addError(msg string) {
	r.Failed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

// Config contains batch runner configuration
type Config struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`           // 1000
	WorkerCount    int           `yaml:"worker_count" mapstructure:"worker_count"`       // 4
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`         // 3
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`         // 1s
	RateLimit      float64       `yaml:"rate_limit" mapstructure:"rate_limit"`           // records/s, 0 = unlimited
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"` // 1000
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
	FormatUnknown FileFormat = ""
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	default:
		return FormatUnknown
	}
}
