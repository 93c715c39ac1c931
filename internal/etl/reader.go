package etl

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/phi-sentinel/internal/privacy"
)

// Column names with special meaning in flat inputs. Both stay in the record's
// fields and are scanned like any other field.
const (
	idColumn      = "id"
	subjectColumn = "subject_id"
)

// rowError reports an input row that could not be decoded. The runner counts
// it and moves on.
type rowError struct {
	row int64
	err error
}

func (e *rowError) Error() string { return fmt.Sprintf("row %d: %v", e.row, e.err) }

func (e *rowError) Unwrap() error { return e.err }

// recordReader yields records until io.EOF.
type recordReader interface {
	Next() (privacy.Record, error)
	Close() error
}

func openReader(path string) (recordReader, error) {
	switch DetectFileFormat(path) {
	case FormatCSV:
		return openCSV(path)
	case FormatJSONL:
		return openJSONL(path)
	case FormatParquet:
		return openParquet(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// recordFromFlat builds a record from a flat field map.
func recordFromFlat(row int64, fields map[string]any) privacy.Record {
	rec := privacy.Record{ID: fmt.Sprintf("row-%d", row), Fields: fields}
	if id, ok := fields[idColumn]; ok {
		if s := fmt.Sprint(id); s != "" {
			rec.ID = s
		}
	}
	if sid, ok := fields[subjectColumn].(string); ok {
		rec.SubjectID = sid
	}
	return rec
}

type csvReader struct {
	file   *os.File
	reader *csv.Reader
	header []string
	row    int64
}

func openCSV(path string) (*csvReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 0 // every row must match the header

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return &csvReader{file: file, reader: reader, header: header}, nil
}

func (r *csvReader) Next() (privacy.Record, error) {
	values, err := r.reader.Read()
	if err == io.EOF {
		return privacy.Record{}, io.EOF
	}
	r.row++
	if err != nil {
		return privacy.Record{}, &rowError{row: r.row, err: err}
	}
	fields := make(map[string]any, len(r.header))
	for i, name := range r.header {
		fields[name] = values[i]
	}
	return recordFromFlat(r.row, fields), nil
}

func (r *csvReader) Close() error { return r.file.Close() }

// jsonlReader reads one JSON object per line. A line is either a record
// envelope ({"id", "subject_id", "fields", "free_text"}) or a flat object.
type jsonlReader struct {
	file    *os.File
	scanner *bufio.Scanner
	row     int64
}

func openJSONL(path string) (*jsonlReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &jsonlReader{file: file, scanner: scanner}, nil
}

func (r *jsonlReader) Next() (privacy.Record, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		r.row++
		rec, err := decodeJSONRecord(r.row, line)
		if err != nil {
			return privacy.Record{}, &rowError{row: r.row, err: err}
		}
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return privacy.Record{}, err
	}
	return privacy.Record{}, io.EOF
}

func (r *jsonlReader) Close() error { return r.file.Close() }

func decodeJSONRecord(row int64, line []byte) (privacy.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return privacy.Record{}, err
	}

	fields, ok := obj["fields"].(map[string]any)
	if !ok {
		return recordFromFlat(row, obj), nil
	}
	rec := privacy.Record{ID: fmt.Sprintf("row-%d", row), Fields: fields}
	if id, ok := obj["id"].(string); ok && id != "" {
		rec.ID = id
	}
	if sid, ok := obj["subject_id"].(string); ok {
		rec.SubjectID = sid
	}
	if ft, ok := obj["free_text"].([]any); ok {
		for _, f := range ft {
			if s, ok := f.(string); ok {
				rec.FreeText = append(rec.FreeText, s)
			}
		}
	}
	return rec, nil
}

// parquetReader reads flat Parquet files; nested columns are keyed by their
// dotted path.
type parquetReader struct {
	file    *os.File
	reader  *parquet.Reader
	columns []string
	buf     []parquet.Row
	row     int64
}

func openParquet(path string) (*parquetReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	reader := parquet.NewReader(file)
	var columns []string
	for _, col := range reader.Schema().Columns() {
		columns = append(columns, strings.Join(col, "."))
	}
	return &parquetReader{
		file:    file,
		reader:  reader,
		columns: columns,
		buf:     make([]parquet.Row, 1),
	}, nil
}

func (r *parquetReader) Next() (privacy.Record, error) {
	n, err := r.reader.ReadRows(r.buf)
	if n == 0 {
		if err == nil || err == io.EOF {
			return privacy.Record{}, io.EOF
		}
		return privacy.Record{}, fmt.Errorf("failed to read Parquet row: %w", err)
	}
	r.row++

	fields := make(map[string]any, len(r.columns))
	for _, v := range r.buf[0] {
		col := v.Column()
		if col < 0 || col >= len(r.columns) {
			continue
		}
		fields[r.columns[col]] = parquetValue(v)
	}
	return recordFromFlat(r.row, fields), nil
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

func (r *parquetReader) Close() error {
	err := r.reader.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
