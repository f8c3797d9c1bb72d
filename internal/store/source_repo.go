package store

import (
	"context"

	"github.com/JakeFAU/source-validator/internal/source"
)

// SourceRepository stores content sources keyed by URL.
type SourceRepository interface {
	// LoadAll returns every source ordered by serial number then URL.
	LoadAll(ctx context.Context) ([]*source.Record, error)
	// Upsert inserts or replaces the source with the same URL.
	Upsert(ctx context.Context, rec *source.Record) error
	// ListByGroup returns the sources carrying group, ordered like LoadAll.
	ListByGroup(ctx context.Context, group string) ([]*source.Record, error)
}
