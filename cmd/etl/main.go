package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/app"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/etl"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/rules"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		inputFile  = flag.String("input", "", "Input dataset file (CSV, JSONL or Parquet)")
		outputFile = flag.String("output", "", "Output JSONL file (default <input>.deid.jsonl)")
		scope      = flag.String("scope", "", "Consistency scope; reuse it to keep surrogates stable across runs (default random)")
		batchSize  = flag.Int("batch-size", 0, "Records per batch (overrides pipeline.batch_size)")
		workers    = flag.Int("workers", 0, "Number of worker goroutines (overrides pipeline.worker_count)")
	)
	flag.Parse()

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -input notes.csv -scope study-42\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -input encounters.parquet -workers 8 -output masked.jsonl\n", os.Args[0])
		os.Exit(1)
	}
	if *outputFile == "" {
		*outputFile = strings.TrimSuffix(*inputFile, "."+string(etl.DetectFileFormat(*inputFile))) + ".deid.jsonl"
	}
	if *scope == "" {
		*scope = uuid.NewString()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *batchSize > 0 {
		cfg.Pipeline.BatchSize = *batchSize
	}
	if *workers > 0 {
		cfg.Pipeline.WorkerCount = *workers
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Starting phi-sentinel batch run",
		zap.String("version", app.Version),
		zap.String("input", *inputFile),
		zap.String("output", *outputFile),
		zap.String("scope", *scope))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, log, *inputFile, *outputFile, *scope)
	stop()
	_ = log.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, input, output, scope string) int {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Startup failed", zap.Error(err))
		var cerr *rules.ConfigError
		if errors.As(err, &cerr) {
			return 78
		}
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Failed to close audit log", zap.Error(err))
		}
	}()

	result, err := a.Runner.RunFile(ctx, input, output, scope)
	if err != nil {
		log.Error("Batch run failed", zap.Error(err))
		return 1
	}

	log.Info("Batch run completed",
		zap.Int64("total", result.Total),
		zap.Int64("ok", result.OK),
		zap.Int64("failed", result.Failed),
		zap.Int64("retried", result.Retried),
		zap.Int64("detection_errors", result.DetectionErrors),
		zap.Duration("duration", result.Duration))

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if result.Failed > 0 {
		return 2
	}
	return 0
}
