package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-validator/internal/source"
)

const defaultSourcesTable = "sources"

// SourceStore implements store.SourceRepository on Postgres.
type SourceStore struct {
	pool  querier
	table string
}

// NewSourceStore builds a SourceStore on an existing pool.
func NewSourceStore(pool querier, table string) (*SourceStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table, defaultSourcesTable)
	if err != nil {
		return nil, err
	}
	return &SourceStore{pool: pool, table: name}, nil
}

// Close releases the underlying pool resources.
func (s *SourceStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LoadAll returns every source ordered by serial number then URL.
func (s *SourceStore) LoadAll(ctx context.Context) ([]*source.Record, error) {
	query := fmt.Sprintf(`
SELECT url, name, check_url, source_group, serial_number, enabled, headers
FROM %s
ORDER BY serial_number, url`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	return collectSources(rows)
}

// ListByGroup returns the sources carrying group.
func (s *SourceStore) ListByGroup(ctx context.Context, group string) ([]*source.Record, error) {
	query := fmt.Sprintf(`
SELECT url, name, check_url, source_group, serial_number, enabled, headers
FROM %s
WHERE source_group = $1
ORDER BY serial_number, url`, s.table)
	rows, err := s.pool.Query(ctx, query, group)
	if err != nil {
		return nil, fmt.Errorf("list sources by group: %w", err)
	}
	return collectSources(rows)
}

// Upsert inserts the source or replaces the row with the same URL.
func (s *SourceStore) Upsert(ctx context.Context, rec *source.Record) error {
	if rec == nil || rec.URL == "" {
		return errors.New("source url is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(rec.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, name, check_url, source_group, serial_number, enabled, headers, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (url) DO UPDATE SET
	name = EXCLUDED.name,
	check_url = EXCLUDED.check_url,
	source_group = EXCLUDED.source_group,
	serial_number = EXCLUDED.serial_number,
	enabled = EXCLUDED.enabled,
	headers = EXCLUDED.headers,
	updated_at = EXCLUDED.updated_at`, s.table)
	_, err = s.pool.Exec(ctx, query,
		rec.URL,
		rec.Name,
		rec.CheckURL,
		rec.Group,
		rec.SerialNumber,
		rec.Enabled,
		headersJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

func collectSources(rows pgx.Rows) ([]*source.Record, error) {
	defer rows.Close()
	var out []*source.Record
	for rows.Next() {
		var (
			rec         source.Record
			headersJSON []byte
		)
		if err := rows.Scan(
			&rec.URL,
			&rec.Name,
			&rec.CheckURL,
			&rec.Group,
			&rec.SerialNumber,
			&rec.Enabled,
			&headersJSON,
		); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		if len(headersJSON) > 0 {
			var headers map[string][]string
			if err := json.Unmarshal(headersJSON, &headers); err != nil {
				return nil, fmt.Errorf("decode headers for %s: %w", rec.URL, err)
			}
			if len(headers) > 0 {
				rec.Headers = http.Header(headers)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return out, nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
