// Package inbox turns a drop folder into a de-identification queue: every
// dataset file placed in the inbox is run through the batch runner and the
// released JSONL lands in the outbox.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/etl"
)

const (
	debounceDefault = 500 * time.Millisecond
	pollDefault     = 30 * time.Second

	// maxConcurrentJobs bounds how many files are de-identified at once.
	maxConcurrentJobs = 2
	maxQueueSize      = 200

	processedDir = "processed"
	failedDir    = "failed"
)

// FileRunner de-identifies one file. Each file is its own scope, ended once
// the file is done.
type FileRunner interface {
	RunFile(ctx context.Context, inPath, outPath, scope string) (*etl.Result, error)
	EndScope(scope string)
}

// Config contains drop-folder settings.
type Config struct {
	Dir          string
	Outbox       string
	PollInterval time.Duration
	Debounce     time.Duration
	// ForcePoll skips fsnotify, for filesystems that do not deliver events.
	ForcePoll bool
}

// Watcher feeds inbox files to a FileRunner.
type Watcher struct {
	config Config
	runner FileRunner
	logger *zap.Logger

	mu     sync.Mutex
	queued map[string]bool
}

// NewWatcher creates a watcher for cfg.Dir.
func NewWatcher(cfg Config, runner FileRunner, logger *zap.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = debounceDefault
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = pollDefault
	}
	return &Watcher{
		config: cfg,
		runner: runner,
		logger: logger.With(zap.String("component", "inbox")),
		queued: make(map[string]bool),
	}
}

// Run processes files already in the inbox, then watches for new ones until
// ctx is canceled. It falls back to polling when fsnotify is unavailable.
func (w *Watcher) Run(ctx context.Context) error {
	for _, dir := range []string{w.config.Dir, w.config.Outbox,
		filepath.Join(w.config.Dir, processedDir), filepath.Join(w.config.Dir, failedDir)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	queue := make(chan string, maxQueueSize)
	var wg sync.WaitGroup
	for i := 0; i < maxConcurrentJobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				w.process(ctx, path)
			}
		}()
	}
	defer func() {
		close(queue)
		wg.Wait()
	}()

	w.scan(ctx, queue)

	if !w.config.ForcePoll {
		err := w.watch(ctx, queue)
		if err == nil {
			return nil
		}
		w.logger.Warn("fsnotify unavailable, polling inbox",
			zap.Duration("interval", w.config.PollInterval),
			zap.Error(err))
	}
	return w.poll(ctx, queue)
}

func (w *Watcher) watch(ctx context.Context, queue chan<- string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.config.Dir); err != nil {
		return err
	}

	w.logger.Info("Watching inbox",
		zap.String("dir", w.config.Dir),
		zap.String("outbox", w.config.Outbox))

	// A single debounce timer collects paths until writes settle.
	ready := make(map[string]bool)
	timer := time.NewTimer(w.config.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			for path := range ready {
				w.enqueue(ctx, queue, path)
			}
			ready = make(map[string]bool)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isInputFile(event.Name) {
				continue
			}
			ready[event.Name] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.config.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Inbox watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) poll(ctx context.Context, queue chan<- string) error {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan(ctx, queue)
		}
	}
}

// scan queues every input file currently in the inbox.
func (w *Watcher) scan(ctx context.Context, queue chan<- string) {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		w.logger.Warn("Failed to read inbox", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.config.Dir, e.Name())
		if isInputFile(path) {
			w.enqueue(ctx, queue, path)
		}
	}
}

func (w *Watcher) enqueue(ctx context.Context, queue chan<- string, path string) {
	w.mu.Lock()
	if w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.mu.Unlock()

	select {
	case queue <- path:
	case <-ctx.Done():
	}
}

// process de-identifies one file and moves it to processed/ or failed/.
func (w *Watcher) process(ctx context.Context, path string) {
	defer func() {
		w.mu.Lock()
		delete(w.queued, path)
		w.mu.Unlock()
	}()
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	scope := ScopeFor(path)
	out := filepath.Join(w.config.Outbox, scope+".jsonl")
	log := w.logger.With(zap.String("file", filepath.Base(path)), zap.String("scope", scope))
	defer w.runner.EndScope(scope)

	result, err := w.runner.RunFile(ctx, path, out, scope)
	if err != nil {
		if ctx.Err() != nil {
			// left in place for the next start
			log.Info("Inbox file interrupted", zap.Error(err))
			return
		}
		log.Error("Inbox file failed", zap.Error(err))
		w.move(path, failedDir)
		return
	}

	log.Info("Inbox file de-identified",
		zap.String("output", out),
		zap.Int64("ok", result.OK),
		zap.Int64("failed", result.Failed))
	w.move(path, processedDir)
}

func (w *Watcher) move(path, sub string) {
	dest := filepath.Join(w.config.Dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("Failed to move inbox file", zap.String("to", sub), zap.Error(err))
	}
}

// ScopeFor derives the scope identifier for an inbox file: its base name
// without extension.
func ScopeFor(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// isInputFile reports whether path is a supported dataset, skipping hidden
// and partial files.
func isInputFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return etl.DetectFileFormat(name) != etl.FormatUnknown
}
