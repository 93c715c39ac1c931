package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig contains database configuration for the audit table.
type PostgresConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	Table           string        `yaml:"table" mapstructure:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// PostgresSink stores the chain in a PostgreSQL table. sequence_no is the
// primary key, so a second writer racing for the same position fails instead
// of forking the chain.
type PostgresSink struct {
	db     *sqlx.DB
	table  string
	logger *zap.Logger
}

type pgRecord struct {
	SequenceNo     int64          `db:"sequence_no"`
	Timestamp      string         `db:"ts"`
	RecordID       string         `db:"record_id"`
	Actor          string         `db:"actor"`
	Action         string         `db:"action"`
	EntityTypes    pq.StringArray `db:"entity_types"`
	RuleIDs        pq.StringArray `db:"rule_ids"`
	LowConfidence  int            `db:"low_confidence"`
	FailOpenFields int            `db:"fail_open_fields"`
	RuleSet        string         `db:"ruleset"`
	Supersedes     int64          `db:"supersedes"`
	PrevHash       string         `db:"prev_hash"`
	RecordHash     string         `db:"record_hash"`
}

func toPG(r Record) pgRecord {
	return pgRecord{
		SequenceNo:     r.SequenceNo,
		Timestamp:      r.Timestamp,
		RecordID:       r.RecordID,
		Actor:          r.Actor,
		Action:         r.Action,
		EntityTypes:    pq.StringArray(nonNil(r.EntityTypesTouched)),
		RuleIDs:        pq.StringArray(nonNil(r.RuleIDsApplied)),
		LowConfidence:  r.LowConfidence,
		FailOpenFields: r.FailOpenFields,
		RuleSet:        r.RuleSet,
		Supersedes:     r.Supersedes,
		PrevHash:       r.PrevHash,
		RecordHash:     r.RecordHash,
	}
}

func (p pgRecord) record() Record {
	return Record{
		SequenceNo:         p.SequenceNo,
		Timestamp:          p.Timestamp,
		RecordID:           p.RecordID,
		Actor:              p.Actor,
		Action:             p.Action,
		EntityTypesTouched: []string(p.EntityTypes),
		RuleIDsApplied:     []string(p.RuleIDs),
		LowConfidence:      p.LowConfidence,
		FailOpenFields:     p.FailOpenFields,
		RuleSet:            p.RuleSet,
		Supersedes:         p.Supersedes,
		PrevHash:           p.PrevHash,
		RecordHash:         p.RecordHash,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// NewPostgresSink connects to the database and ensures the audit table exists.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresSink, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	table := cfg.Table
	if table == "" {
		table = "phi_audit_log"
	}
	s := &PostgresSink{db: db, table: pq.QuoteIdentifier(table), logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.String("table", table),
	)
	return s, nil
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL(s.table)); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func createTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		sequence_no      BIGINT PRIMARY KEY,
		ts               TEXT NOT NULL,
		record_id        TEXT NOT NULL,
		actor            TEXT NOT NULL,
		action           TEXT NOT NULL,
		entity_types     TEXT[] NOT NULL,
		rule_ids         TEXT[] NOT NULL,
		low_confidence   INTEGER NOT NULL,
		fail_open_fields INTEGER NOT NULL,
		ruleset          TEXT NOT NULL,
		supersedes       BIGINT NOT NULL DEFAULT 0,
		prev_hash        TEXT NOT NULL,
		record_hash      TEXT NOT NULL
	)`
}

const pgColumns = `sequence_no, ts, record_id, actor, action, entity_types, rule_ids,
	low_confidence, fail_open_fields, ruleset, supersedes, prev_hash, record_hash`

func insertSQL(table string) string {
	return `INSERT INTO ` + table + ` (` + pgColumns + `) VALUES (
		:sequence_no, :ts, :record_id, :actor, :action, :entity_types, :rule_ids,
		:low_confidence, :fail_open_fields, :ruleset, :supersedes, :prev_hash, :record_hash)`
}

func (s *PostgresSink) Append(ctx context.Context, rec Record) error {
	if _, err := s.db.NamedExecContext(ctx, insertSQL(s.table), toPG(rec)); err != nil {
		s.logger.Error("Failed to insert audit record",
			zap.Error(err),
			zap.Int64("sequence_no", rec.SequenceNo))
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (s *PostgresSink) Tail(ctx context.Context) (*Record, error) {
	var row pgRecord
	q := `SELECT ` + pgColumns + ` FROM ` + s.table + ` ORDER BY sequence_no DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &row, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit tail: %w", err)
	}
	rec := row.record()
	return &rec, nil
}

func (s *PostgresSink) ReadAll(ctx context.Context) ([]Record, error) {
	var rows []pgRecord
	q := `SELECT ` + pgColumns + ` FROM ` + s.table + ` ORDER BY sequence_no ASC`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	scheme, rest := "", url
	if i := strings.Index(url, "://"); i >= 0 {
		scheme, rest = url[:i+3], url[i+3:]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	colon := strings.Index(rest[:at], ":")
	if colon < 0 {
		return url
	}
	return scheme + rest[:colon+1] + "***" + rest[at:]
}
