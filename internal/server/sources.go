package server

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/config"
	"github.com/JakeFAU/source-validator/internal/source"
	memorystorage "github.com/JakeFAU/source-validator/internal/storage/memory"
	pgstore "github.com/JakeFAU/source-validator/internal/storage/postgres"
	"github.com/JakeFAU/source-validator/internal/store"
)

// OpenSources opens the configured source repository. The returned pool is
// nil for the memory backend; callers own closing it.
func OpenSources(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
) (store.SourceRepository, *pgxpool.Pool, error) {
	if cfg.Sources.Backend != "postgres" {
		logger.Info("using in-memory source store")
		return memorystorage.NewSourceStore(), nil, nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:             cfg.Database.DSN,
		SourcesTable:    cfg.Database.SourcesTable,
		RunsTable:       cfg.Database.RunsTable,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	if cfg.Database.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, pool, cfg.Database.SourcesTable, cfg.Database.RunsTable); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	sources, err := pgstore.NewSourceStore(pool, cfg.Database.SourcesTable)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("source store init failed: %w", err)
	}
	logger.Info("using postgres source store", zap.String("table", cfg.Database.SourcesTable))
	return sources, pool, nil
}

func newRunStore(pool *pgxpool.Pool, table string) (store.RunRepository, error) {
	runs, err := pgstore.NewRunStore(pool, table)
	if err != nil {
		return nil, fmt.Errorf("new run store: %w", err)
	}
	return runs, nil
}

// Import decodes a JSON array of sources from r and upserts each one.
func Import(ctx context.Context, repo store.SourceRepository, r io.Reader) (int, error) {
	records, err := source.DecodeJSON(r)
	if err != nil {
		return 0, fmt.Errorf("decode sources: %w", err)
	}
	for i, rec := range records {
		if err := repo.Upsert(ctx, rec); err != nil {
			return i, fmt.Errorf("upsert source %q: %w", rec.URL, err)
		}
	}
	return len(records), nil
}

// ImportFile is Import over the file at path.
func ImportFile(ctx context.Context, repo store.SourceRepository, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()
	return Import(ctx, repo, f)
}
