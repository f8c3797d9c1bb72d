package scheduler

import (
	"context"
	"time"

	"github.com/JakeFAU/source-validator/internal/source"
)

// SourceLoader returns the snapshot of records validated by one run.
type SourceLoader interface {
	LoadAll(ctx context.Context) ([]*source.Record, error)
}

// ResultSink persists a record's verdict. Upsert is keyed by the record URL,
// last write wins, and must be safe for concurrent use.
type ResultSink interface {
	Upsert(ctx context.Context, rec *source.Record) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
