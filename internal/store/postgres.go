package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/logging"
)

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultDatabaseConfig returns connection defaults. Database name and
// credentials must be configured explicitly.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
	}
}

// PostgresStore writes entries to the scan_history table.
type PostgresStore struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewPostgresStore wraps an existing connection. Used directly by tests.
func NewPostgresStore(db *sqlx.DB, logger *logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logging.OrDefault(logger).WithComponent("store")}
}

// Connect opens a PostgreSQL connection, applies pending migrations and
// returns the store. Errors never include the DSN.
func Connect(ctx context.Context, cfg DatabaseConfig, logger *logging.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode,
	)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, scanerrors.WrapStorageError("connect", "failed to connect to database", sanitizeError(err))
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := NewPostgresStore(db, logger)
	if err := NewMigrator(db, s.logger).Up(ctx); err != nil {
		_ = db.Close()
		return nil, scanerrors.WrapStorageError("migrate", "migration failed", sanitizeError(err))
	}
	return s, nil
}

const insertEntryQuery = `
	INSERT INTO scan_history (
		job_id, session_id, target, tool, args, status, ok, exit_code,
		stdout, stderr, error, analysis, risk_level, created_at
	) VALUES (
		:job_id, :session_id, :target, :tool, :args, :status, :ok, :exit_code,
		:stdout, :stderr, :error, :analysis, :risk_level, :created_at
	)
	ON CONFLICT (job_id) DO NOTHING`

type entryRow struct {
	JobID     string         `db:"job_id"`
	SessionID sql.NullString `db:"session_id"`
	Target    string         `db:"target"`
	Tool      string         `db:"tool"`
	Args      []byte         `db:"args"`
	Status    string         `db:"status"`
	OK        bool           `db:"ok"`
	ExitCode  int            `db:"exit_code"`
	Stdout    string         `db:"stdout"`
	Stderr    string         `db:"stderr"`
	Error     sql.NullString `db:"error"`
	Analysis  []byte         `db:"analysis"`
	Risk      string         `db:"risk_level"`
	CreatedAt time.Time      `db:"created_at"`
}

// Write inserts e. Re-writing the same job id is a no-op.
func (s *PostgresStore) Write(ctx context.Context, e Entry) error {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return scanerrors.WrapStorageError("write", "failed to encode args", err)
	}
	analysis, err := marshalAnalysis(e.Analysis)
	if err != nil {
		return scanerrors.WrapStorageError("write", "failed to encode analysis", err)
	}

	row := entryRow{
		JobID:     e.JobID,
		SessionID: sql.NullString{String: e.SessionID, Valid: e.SessionID != ""},
		Target:    e.Target,
		Tool:      e.Tool,
		Args:      args,
		Status:    e.Status,
		OK:        e.OK,
		ExitCode:  e.ExitCode,
		Stdout:    e.Stdout,
		Stderr:    e.Stderr,
		Error:     sql.NullString{String: e.Error, Valid: e.Error != ""},
		Analysis:  analysis,
		Risk:      e.Risk,
		CreatedAt: e.CreatedAt,
	}

	if _, err := s.db.NamedExecContext(ctx, insertEntryQuery, row); err != nil {
		s.logger.Error("failed to write scan history", "job_id", e.JobID, "error", sanitizeError(err))
		return scanerrors.WrapStorageError("write", "failed to write scan history", sanitizeError(err))
	}
	return nil
}

const historyQuery = `
	SELECT tool, status, risk_level, created_at
	FROM scan_history
	WHERE session_id = $1
	ORDER BY created_at DESC
	LIMIT $2`

// History implements HistoryReader.
func (s *PostgresStore) History(ctx context.Context, sessionID string, n int) ([]JobSummary, error) {
	var out []JobSummary
	if err := s.db.SelectContext(ctx, &out, historyQuery, sessionID, n); err != nil {
		return nil, scanerrors.WrapStorageError("history", "failed to read scan history", sanitizeError(err))
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// sanitizeError maps driver errors to messages that are safe to log.
func sanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("no rows")
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return errors.New("record already exists")
		case "23502", "23514":
			return errors.New("record failed validation")
		case "57014":
			return errors.New("query canceled")
		case "08000", "08003", "08006", "57P01":
			return errors.New("database connection lost")
		default:
			return fmt.Errorf("database error %s", pqErr.Code)
		}
	}
	return err
}
