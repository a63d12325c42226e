package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Dialect holds the SQL that differs between the supported databases.
type Dialect struct {
	Name   string
	Schema string
	// Insert takes event_id, occurred_at, event, analysis_id, filename,
	// status, exit_code, duration_ms, error in that order.
	Insert string
}

const insertColumns = `analysis_history(event_id, occurred_at, event, analysis_id, filename, status, exit_code, duration_ms, error)`

var (
	SQLiteDialect = Dialect{
		Name: "sqlite",
		Schema: `CREATE TABLE IF NOT EXISTS analysis_history(
			event_id TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			analysis_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT NULL
		);`,
		Insert: `INSERT INTO ` + insertColumns + ` VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
	}
	PostgresDialect = Dialect{
		Name: "postgres",
		Schema: `CREATE TABLE IF NOT EXISTS analysis_history(
			event_id TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			event TEXT NOT NULL,
			analysis_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			error TEXT NULL
		);`,
		Insert: `INSERT INTO ` + insertColumns + ` VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9);`,
	}
	MySQLDialect = Dialect{
		Name: "mysql",
		Schema: `CREATE TABLE IF NOT EXISTS analysis_history(
			event_id VARCHAR(36) NOT NULL,
			occurred_at DATETIME(6) NOT NULL,
			event VARCHAR(32) NOT NULL,
			analysis_id VARCHAR(255) NOT NULL,
			filename VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			exit_code INT NOT NULL,
			duration_ms BIGINT NOT NULL,
			error TEXT NULL
		)`,
		Insert: `INSERT INTO ` + insertColumns + ` VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	}
)

// SQLSink appends events to the analysis_history table of a relational
// database. The schema is created if missing. Driver registration is left
// to the backend packages (sqlite, postgres, mysql).
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLSink(ctx context.Context, db *sql.DB, d Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("nil database for SQL history sink")
	}
	s := &SQLSink{db: db, dialect: d}
	if _, err := db.ExecContext(ctx, d.Schema); err != nil {
		return nil, fmt.Errorf("create %s history schema: %w", d.Name, err)
	}
	return s, nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var errText any
	if strings.TrimSpace(e.Error) != "" {
		errText = e.Error
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Insert,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.AnalysisID, e.Filename,
		e.Status, e.ExitCode, e.DurationMS, errText)
	return err
}

// DB exposes the underlying handle, mainly for inspection in tests.
func (s *SQLSink) DB() *sql.DB { return s.db }

func (s *SQLSink) Close() error { return s.db.Close() }
