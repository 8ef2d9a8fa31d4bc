// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/logpipe/internal/models"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "processed_logs"

// PostgresStore keeps processed records in a table whose primary key is
// (tenant_id, log_id). The tenant column leads the key, so every lookup is
// a partition-prefixed index scan.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string // sanitized identifier
}

// NewPostgresStore creates a store backed by the given pool and ensures the
// table exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if table == "" {
		table = DefaultTable
	}
	s := &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure processed log schema: %w", err)
	}
	slog.Info("processed log store initialised", "table", table)
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tenant_id      TEXT NOT NULL,
			log_id         TEXT NOT NULL,
			source         TEXT NOT NULL,
			original_text  TEXT NOT NULL,
			modified_data  TEXT NOT NULL,
			received_at    TIMESTAMPTZ NOT NULL,
			request_id     TEXT NOT NULL DEFAULT '',
			processed_at   TIMESTAMPTZ NOT NULL,
			worker_id      TEXT NOT NULL DEFAULT '',
			attempt        INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, log_id)
		)
	`, s.table))
	return err
}

// Put implements Store. ON CONFLICT replaces every column, so a redelivered
// message leaves exactly one row holding the latest attempt.
func (s *PostgresStore) Put(ctx context.Context, r models.ProcessedRecord) error {
	if err := validKey(r.TenantID, r.LogID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(tenant_id, log_id, source, original_text, modified_data,
			 received_at, request_id, processed_at, worker_id, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, log_id) DO UPDATE SET
			source        = EXCLUDED.source,
			original_text = EXCLUDED.original_text,
			modified_data = EXCLUDED.modified_data,
			received_at   = EXCLUDED.received_at,
			request_id    = EXCLUDED.request_id,
			processed_at  = EXCLUDED.processed_at,
			worker_id     = EXCLUDED.worker_id,
			attempt       = EXCLUDED.attempt
	`, s.table),
		r.TenantID, r.LogID, string(r.Source), r.OriginalText, r.ModifiedData,
		r.ReceivedAt, r.RequestID, r.ProcessedAt, r.WorkerID, r.Attempt,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", r.Key(), err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, logID string) (*models.ProcessedRecord, error) {
	if err := validKey(tenantID, logID); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT tenant_id, log_id, source, original_text, modified_data,
		       received_at, request_id, processed_at, worker_id, attempt
		FROM %s
		WHERE tenant_id = $1 AND log_id = $2
	`, s.table), tenantID, logID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, tenantID string) ([]models.ProcessedRecord, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT tenant_id, log_id, source, original_text, modified_data,
		       received_at, request_id, processed_at, worker_id, attempt
		FROM %s
		WHERE tenant_id = $1
		ORDER BY log_id
	`, s.table), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.ProcessedRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Ping checks the Postgres connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (*models.ProcessedRecord, error) {
	var (
		r      models.ProcessedRecord
		source string
	)
	if err := row.Scan(
		&r.TenantID, &r.LogID, &source, &r.OriginalText, &r.ModifiedData,
		&r.ReceivedAt, &r.RequestID, &r.ProcessedAt, &r.WorkerID, &r.Attempt,
	); err != nil {
		return nil, err
	}
	r.Source = models.Source(source)
	r.ReceivedAt = r.ReceivedAt.UTC()
	r.ProcessedAt = r.ProcessedAt.UTC()
	return &r, nil
}

var _ Store = (*PostgresStore)(nil)
