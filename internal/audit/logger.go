package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultAppendTimeout bounds a single durable append.
const DefaultAppendTimeout = 5 * time.Second

// Config configures a Logger.
type Config struct {
	// Actor is recorded when an Entry leaves it empty.
	Actor string
	// RuleSet is the fingerprint of the active rule set.
	RuleSet       string
	AppendTimeout time.Duration
}

// Entry is the transformation summary handed to Append. It never carries
// field values.
type Entry struct {
	RecordID       string
	Actor          string
	Action         string
	EntityTypes    []string
	RuleIDs        []string
	LowConfidence  int
	FailOpenFields int
	Supersedes     int64
}

// Logger appends hash-chained records to a Sink. Appends are serialized: one
// write is in flight at a time and callers queue for it.
//
// A write abandoned by its caller (timeout or cancellation) keeps running and
// may still commit. The chain stays valid either way because the next append
// waits for it and links to whatever was stored.
type Logger struct {
	sink    Sink
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	writing chan struct{}

	mu       sync.Mutex
	nextSeq  int64
	prevHash string
	dirty    bool
	closed   bool
	hooks    []func(Record)
}

// NewLogger opens a chain on sink, continuing after its last stored record.
func NewLogger(ctx context.Context, sink Sink, cfg Config, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	l := &Logger{
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		writing: make(chan struct{}, 1),
	}
	if err := l.reload(ctx); err != nil {
		return nil, err
	}
	logger.Info("Audit chain opened",
		zap.Int64("next_sequence", l.nextSeq),
		zap.String("ruleset", cfg.RuleSet))
	return l, nil
}

func (l *Logger) reload(ctx context.Context) error {
	tail, err := l.sink.Tail(ctx)
	if err != nil {
		return fmt.Errorf("audit: read tail: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tail == nil {
		l.nextSeq, l.prevHash = 1, GenesisHash
	} else {
		l.nextSeq, l.prevHash = tail.SequenceNo+1, tail.RecordHash
	}
	l.dirty = false
	return nil
}

// OnAppend registers fn to run after every committed append. Hooks run on the
// writer goroutine and must not block.
func (l *Logger) OnAppend(fn func(Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Head returns the next sequence number and the hash it will link to.
func (l *Logger) Head() (int64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq, l.prevHash
}

// Append durably stores one record and returns it. Any failure, including a
// timeout, is an *AuditWriteError; the caller must not release the record it
// describes.
func (l *Logger) Append(ctx context.Context, e Entry) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.AppendTimeout)
	defer cancel()

	select {
	case l.writing <- struct{}{}:
	case <-ctx.Done():
		return Record{}, &AuditWriteError{Retryable: true, Err: fmt.Errorf("waiting for writer: %w", ctx.Err())}
	}
	// from here the slot is released by the write goroutine

	l.mu.Lock()
	closed, dirty := l.closed, l.dirty
	l.mu.Unlock()
	if closed {
		<-l.writing
		return Record{}, &AuditWriteError{Err: ErrClosed}
	}
	if dirty {
		if err := l.reload(ctx); err != nil {
			<-l.writing
			return Record{}, &AuditWriteError{Retryable: true, Err: err}
		}
	}

	rec := l.build(e)
	done := make(chan error, 1)
	go l.write(ctx, rec, done)

	select {
	case err := <-done:
		if err != nil {
			return Record{}, &AuditWriteError{Sequence: rec.SequenceNo, Retryable: true, Err: err}
		}
		return rec, nil
	case <-ctx.Done():
		l.logger.Error("Audit append abandoned",
			zap.Int64("sequence_no", rec.SequenceNo),
			zap.Error(ctx.Err()))
		return Record{}, &AuditWriteError{Sequence: rec.SequenceNo, Retryable: true, Err: ctx.Err()}
	}
}

func (l *Logger) build(e Entry) Record {
	l.mu.Lock()
	seq, prev := l.nextSeq, l.prevHash
	l.mu.Unlock()

	actor := e.Actor
	if actor == "" {
		actor = l.cfg.Actor
	}
	action := e.Action
	if action == "" {
		action = ActionDeidentify
	}
	rec := Record{
		SequenceNo:         seq,
		Timestamp:          l.now().UTC().Format(time.RFC3339Nano),
		RecordID:           e.RecordID,
		Actor:              actor,
		Action:             action,
		EntityTypesTouched: sortedUnique(e.EntityTypes),
		RuleIDsApplied:     sortedUnique(e.RuleIDs),
		LowConfidence:      e.LowConfidence,
		FailOpenFields:     e.FailOpenFields,
		RuleSet:            l.cfg.RuleSet,
		Supersedes:         e.Supersedes,
		PrevHash:           prev,
	}
	rec.RecordHash = rec.ComputeHash()
	return rec
}

func (l *Logger) write(ctx context.Context, rec Record, done chan<- error) {
	defer func() { <-l.writing }()

	start := time.Now()
	err := l.sink.Append(ctx, rec)

	l.mu.Lock()
	if err != nil {
		// the sink may or may not hold the record; re-read before the next append
		l.dirty = true
		l.mu.Unlock()
		l.logger.Error("Audit append failed",
			zap.Int64("sequence_no", rec.SequenceNo),
			zap.Error(err))
		done <- err
		return
	}
	l.nextSeq, l.prevHash = rec.SequenceNo+1, rec.RecordHash
	hooks := append([]func(Record){}, l.hooks...)
	l.mu.Unlock()

	l.logger.Debug("Audit record appended",
		zap.Int64("sequence_no", rec.SequenceNo),
		zap.String("action", rec.Action),
		zap.Duration("duration", time.Since(start)))
	for _, fn := range hooks {
		fn(rec)
	}
	done <- nil
}

// Compensate appends an entry correcting the committed record at seq.
// History is never rewritten.
func (l *Logger) Compensate(ctx context.Context, seq int64, recordID, actor string) (Record, error) {
	next, _ := l.Head()
	if seq < 1 || seq >= next {
		return Record{}, fmt.Errorf("audit: cannot compensate unknown sequence %d", seq)
	}
	return l.Append(ctx, Entry{
		RecordID:   recordID,
		Actor:      actor,
		Action:     ActionCompensate,
		Supersedes: seq,
	})
}

// Close waits for the in-flight write, then closes the sink.
func (l *Logger) Close() error {
	l.writing <- struct{}{}
	defer func() { <-l.writing }()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.sink.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("audit: close sink: %w", err)
	}
	return nil
}
