package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/source-validator/internal/source"
)

// SourceStore keeps sources keyed by URL. Records are cloned on the way in
// and out so callers never share memory with the store.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]*source.Record
}

// NewSourceStore constructs a SourceStore seeded with records.
func NewSourceStore(records ...*source.Record) *SourceStore {
	s := &SourceStore{sources: make(map[string]*source.Record, len(records))}
	for _, rec := range records {
		if rec != nil && rec.URL != "" {
			s.sources[rec.URL] = rec.Clone()
		}
	}
	return s
}

// LoadAll returns a snapshot of every source ordered by serial number then URL.
func (s *SourceStore) LoadAll(_ context.Context) ([]*source.Record, error) {
	return s.list(func(*source.Record) bool { return true }), nil
}

// ListByGroup returns the sources whose group equals group.
func (s *SourceStore) ListByGroup(_ context.Context, group string) ([]*source.Record, error) {
	return s.list(func(rec *source.Record) bool { return rec.Group == group }), nil
}

// Upsert inserts or replaces the source with the same URL.
func (s *SourceStore) Upsert(_ context.Context, rec *source.Record) error {
	if rec == nil || strings.TrimSpace(rec.URL) == "" {
		return errors.New("source url is required")
	}
	s.mu.Lock()
	s.sources[rec.URL] = rec.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the source with url.
func (s *SourceStore) Get(url string) (*source.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sources[url]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *SourceStore) list(keep func(*source.Record) bool) []*source.Record {
	s.mu.RLock()
	out := make([]*source.Record, 0, len(s.sources))
	for _, rec := range s.sources {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out
}

func sortRecords(records []*source.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].SerialNumber != records[j].SerialNumber {
			return records[i].SerialNumber < records[j].SerialNumber
		}
		return records[i].URL < records[j].URL
	})
}
