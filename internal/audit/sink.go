package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink durably stores audit records in sequence order.
type Sink interface {
	// Append stores rec. It returns only after the record is durable.
	Append(ctx context.Context, rec Record) error
	// Tail returns the last stored record, or nil for an empty log.
	Tail(ctx context.Context) (*Record, error)
	// ReadAll returns every record in sequence order.
	ReadAll(ctx context.Context) ([]Record, error)
	Close() error
}

// FileSink is a JSONL file sink. Every append is fsynced; a failed write is
// truncated away so the file never ends in a partial line.
type FileSink struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenFile opens (or creates) a JSONL audit log for appending.
func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &FileSink{path: path, file: file}, nil
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Append(_ context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		_ = s.file.Truncate(info.Size())
		return fmt.Errorf("audit: write record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Truncate(info.Size())
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

func (s *FileSink) Tail(ctx context.Context) (*Record, error) {
	var last *Record
	err := s.scan(ctx, func(rec Record) {
		r := rec
		last = &r
	})
	return last, err
}

func (s *FileSink) ReadAll(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.scan(ctx, func(rec Record) { out = append(out, rec) })
	return out, err
}

func (s *FileSink) scan(ctx context.Context, fn func(Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("audit: read log: %w", err)
	}
	defer f.Close()
	return decodeLines(ctx, f, fn)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadFile decodes a JSONL audit log without opening it for appending.
func ReadFile(ctx context.Context, path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	defer f.Close()

	var out []Record
	err = decodeLines(ctx, f, func(rec Record) { out = append(out, rec) })
	return out, err
}

func decodeLines(ctx context.Context, r io.Reader, fn func(Record)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("audit: line %d: %w", line, err)
		}
		fn(rec)
	}
	return scanner.Err()
}

// MemorySink keeps records in memory. It backs tests and ephemeral runs.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if n := len(m.records); n > 0 && m.records[n-1].SequenceNo >= rec.SequenceNo {
		return fmt.Errorf("audit: sequence %d already stored", rec.SequenceNo)
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemorySink) Tail(_ context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return nil, nil
	}
	r := m.records[len(m.records)-1]
	return &r, nil
}

func (m *MemorySink) ReadAll(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
