// Package etl de-identifies whole files: it reads CSV, JSONL or Parquet
// records, runs them through the pipeline on a worker pool and writes the
// released records as JSONL.
package etl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raaihank/phi-sentinel/internal/pipeline"
	"github.com/raaihank/phi-sentinel/internal/privacy"
)

// Processor is the per-record call surface the runner drives.
type Processor interface {
	Process(ctx context.Context, rec privacy.Record, scope string) (*pipeline.ProcessedRecord, error)
}

type scopeEnder interface {
	EndScope(scope string)
}

// Runner handles batch de-identification of dataset files
type Runner struct {
	proc    Processor
	config  *Config
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a new batch runner
func NewRunner(proc Processor, config *Config, logger *zap.Logger) *Runner {
	cfg := *config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.ProgressReport <= 0 {
		cfg.ProgressReport = 1000
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Runner{
		proc:    proc,
		config:  &cfg,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// EndScope tells the processor that no more records of scope will arrive.
func (r *Runner) EndScope(scope string) {
	if e, ok := r.proc.(scopeEnder); ok {
		e.EndScope(scope)
	}
}

// RunFile de-identifies inPath into outPath. The output is written to a
// temporary file and renamed into place once the run completes, so a
// partially processed file is never visible under outPath.
func (r *Runner) RunFile(ctx context.Context, inPath, outPath, scope string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".phi-*.jsonl.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	result, runErr := r.Run(ctx, inPath, tmp, scope)
	if err := tmp.Sync(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to sync output: %w", err)
	}
	if err := tmp.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close output: %w", err)
	}
	if runErr != nil {
		return result, runErr
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return result, fmt.Errorf("failed to set output permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		return result, fmt.Errorf("failed to publish output: %w", err)
	}
	return result, nil
}

// Run reads every record of inPath, processes it under scope and writes the
// released records to out as JSONL, in input order. Records that fail are
// counted in the result and left out of the output.
func (r *Runner) Run(ctx context.Context, inPath string, out io.Writer, scope string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	reader, err := openReader(inPath)
	if err != nil {
		return result, err
	}
	defer reader.Close()

	r.logger.Info("Starting de-identification run",
		zap.String("file", inPath),
		zap.String("format", string(DetectFileFormat(inPath))),
		zap.String("scope", scope),
		zap.Int("batch_size", r.config.BatchSize),
		zap.Int("workers", r.config.WorkerCount))

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	lastReport := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		batch, eof, err := r.readBatch(reader, result)
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("failed to read batch: %w", err)
		}

		if len(batch) > 0 {
			processed := r.processBatch(ctx, batch, scope, result)
			for _, rec := range processed {
				if rec == nil {
					continue
				}
				if err := enc.Encode(rec); err != nil {
					result.Duration = time.Since(start)
					return result, fmt.Errorf("failed to write output: %w", err)
				}
			}
			if err := w.Flush(); err != nil {
				result.Duration = time.Since(start)
				return result, fmt.Errorf("failed to write output: %w", err)
			}
		}

		if result.Total-lastReport >= int64(r.config.ProgressReport) {
			lastReport = result.Total
			r.reportProgress(result, start)
		}

		if eof {
			break
		}
	}

	result.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	r.logger.Info("De-identification run completed",
		zap.Int64("total_records", result.Total),
		zap.Int64("processed_ok", result.OK),
		zap.Int64("processed_failed", result.Failed),
		zap.Int64("retried", result.Retried),
		zap.Int64("detection_errors", result.DetectionErrors),
		zap.Duration("total_duration", result.Duration))

	return result, nil
}

// readBatch reads up to BatchSize records. Undecodable rows are counted as
// failures and skipped.
func (r *Runner) readBatch(reader recordReader, result *Result) ([]privacy.Record, bool, error) {
	var batch []privacy.Record
	for len(batch) < r.config.BatchSize {
		rec, err := reader.Next()
		if err == io.EOF {
			return batch, true, nil
		}
		var rowErr *rowError
		if errors.As(err, &rowErr) {
			result.Total++
			result.addError(rowErr.Error())
			r.logger.Warn("Skipping unreadable row", zap.Int64("row", rowErr.row), zap.Error(rowErr.err))
			continue
		}
		if err != nil {
			return batch, false, err
		}
		batch = append(batch, rec)
	}
	return batch, false, nil
}

type outcome struct {
	rec     *pipeline.ProcessedRecord
	err     error
	retries int
}

// processBatch fans the batch out to the worker pool and returns the released
// records in input order; failed slots are nil.
func (r *Runner) processBatch(ctx context.Context, batch []privacy.Record, scope string, result *Result) []*pipeline.ProcessedRecord {
	outcomes := make([]outcome, len(batch))
	jobs := make(chan int)

	var wg sync.WaitGroup
	workers := r.config.WorkerCount
	if workers > len(batch) {
		workers = len(batch)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				outcomes[idx] = r.processWithRetry(ctx, batch[idx], scope)
			}
		}()
	}

feed:
	for i := range batch {
		select {
		case jobs <- i:
		case <-ctx.Done():
			for j := i; j < len(batch); j++ {
				outcomes[j] = outcome{err: &pipeline.ProcessingError{
					RecordID: batch[j].ID, Stage: pipeline.StageCanceled, Retryable: true, Err: ctx.Err(),
				}}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	released := make([]*pipeline.ProcessedRecord, len(batch))
	for i, o := range outcomes {
		result.Total++
		result.Retried += int64(o.retries)
		if o.err != nil {
			result.addError(o.err.Error())
			continue
		}
		result.OK++
		result.DetectionErrors += int64(o.rec.Summary.FailOpenFields)
		released[i] = o.rec
	}
	return released
}

// processWithRetry retries retryable failures up to MaxRetries times.
func (r *Runner) processWithRetry(ctx context.Context, rec privacy.Record, scope string) outcome {
	var o outcome
	for attempt := 0; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			o.err = &pipeline.ProcessingError{RecordID: rec.ID, Stage: pipeline.StageCanceled, Retryable: true, Err: err}
			return o
		}

		o.rec, o.err = r.proc.Process(ctx, rec, scope)
		if o.err == nil {
			return o
		}

		var perr *pipeline.ProcessingError
		if !errors.As(o.err, &perr) || !perr.Retryable || perr.Stage == pipeline.StageCanceled || attempt >= r.config.MaxRetries {
			return o
		}

		o.retries++
		r.logger.Warn("Retrying record",
			zap.String("record_id", rec.ID),
			zap.String("stage", string(perr.Stage)),
			zap.Int("attempt", attempt+1))
		if err := r.sleep(ctx, r.config.RetryDelay); err != nil {
			return o
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reportProgress reports current processing progress
func (r *Runner) reportProgress(result *Result, start time.Time) {
	elapsed := time.Since(start)
	ratePerSec := float64(result.Total) / elapsed.Seconds()

	r.logger.Info("Processing progress",
		zap.Int64("records_processed", result.Total),
		zap.Int64("records_ok", result.OK),
		zap.Int64("records_failed", result.Failed),
		zap.Float64("rate_per_sec", ratePerSec),
		zap.Duration("elapsed", elapsed))
}
