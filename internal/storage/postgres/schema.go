package postgres

import (
	"context"
	"fmt"
)

const sourcesDDL = `
CREATE TABLE IF NOT EXISTS %s (
	url           TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	check_url     TEXT NOT NULL DEFAULT '',
	source_group  TEXT NOT NULL DEFAULT '',
	serial_number INTEGER NOT NULL DEFAULT 0,
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	headers       JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const runsDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id          UUID PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	total       INTEGER NOT NULL DEFAULT 0,
	completed   INTEGER NOT NULL DEFAULT 0,
	invalid     INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the sources and runs tables when missing.
func EnsureSchema(ctx context.Context, pool querier, sourcesTable, runsTable string) error {
	sources, err := tableName(sourcesTable, defaultSourcesTable)
	if err != nil {
		return err
	}
	runs, err := tableName(runsTable, defaultRunsTable)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(sourcesDDL, sources)); err != nil {
		return fmt.Errorf("create %s: %w", sources, err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(runsDDL, runs)); err != nil {
		return fmt.Errorf("create %s: %w", runs, err)
	}
	return nil
}
