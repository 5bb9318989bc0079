// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/product-discovery/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "execution_log"

// AuditStoreConfig controls the Postgres connection pool used for audit rows.
type AuditStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// AuditStore writes execution log rows into Postgres.
type AuditStore struct {
	pool  pool
	table string
}

// NewAuditStore creates a Postgres-backed AuditStore using the provided config.
func NewAuditStore(ctx context.Context, cfg AuditStoreConfig) (*AuditStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewAuditStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewAuditStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewAuditStoreWithPool(p pool, table string) (*AuditStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &AuditStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *AuditStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the execution log table when it does not exist.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            BIGSERIAL PRIMARY KEY,
	execution_type TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	log_level     TEXT NOT NULL,
	executed_at   TIMESTAMPTZ NOT NULL,
	log_message   TEXT NOT NULL,
	status        TEXT NOT NULL,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	error_message TEXT,
	trace_id      TEXT,
	span_id       TEXT,
	payload       JSONB
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// InsertRecords writes all records in one transaction.
func (s *AuditStore) InsertRecords(ctx context.Context, records []audit.Record) (err error) {
	if s == nil || s.pool == nil {
		return errors.New("audit store is not configured")
	}
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	execution_type,
	run_id,
	log_level,
	executed_at,
	log_message,
	status,
	duration_ms,
	error_message,
	trace_id,
	span_id,
	payload
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11
)`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, rec := range records {
		args, aerr := rowArgs(rec)
		if aerr != nil {
			return aerr
		}
		if _, err = tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit tx: %w", err)
	}
	return nil
}

func rowArgs(rec audit.Record) ([]any, error) {
	var payload []byte
	if len(rec.Payload) > 0 {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = b
	}
	level := "INFO"
	if rec.Status == audit.StatusError {
		level = "ERROR"
	}
	return []any{
		string(rec.Stage),
		rec.RunID,
		level,
		rec.TS.UTC(),
		fmt.Sprintf("%s %s", rec.Stage, rec.Status),
		string(rec.Status),
		rec.Duration.Milliseconds(),
		rec.Error,
		rec.TraceID,
		rec.SpanID,
		payload,
	}, nil
}
