// Package source defines the content-source record validated by the scheduler.
package source

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// InvalidGroup is the status label applied to a source whose probe failed or timed out.
const InvalidGroup = "invalid"

// DefaultInvalidSerialBase pushes invalid sources toward the end of any listing
// ordered by serial number.
const DefaultInvalidSerialBase = 10000

// Record identifies one checkable content source.
type Record struct {
	// URL is the stable identifier and primary endpoint.
	URL string `json:"url"`
	// Name is a human label.
	Name string `json:"name"`
	// CheckURL is an optional secondary endpoint probed in preference to URL.
	CheckURL string `json:"check_url,omitempty"`
	// Group is the mutable status label. InvalidGroup marks a broken source.
	Group string `json:"group,omitempty"`
	// SerialNumber orders sources in listings.
	SerialNumber int `json:"serial_number"`
	// Enabled mirrors the user's toggle; disabled sources are still checked.
	Enabled bool `json:"enabled"`
	// Headers are extra request headers sent when probing this source.
	Headers http.Header `json:"headers,omitempty"`
}

// Invalid reports whether the record currently carries the invalid marker.
func (r *Record) Invalid() bool {
	return r.Group == InvalidGroup
}

// HasCheckURL reports whether the secondary endpoint should be probed.
func (r *Record) HasCheckURL() bool {
	return strings.TrimSpace(r.CheckURL) != ""
}

// Clone returns a deep copy so stores never share memory with callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Headers != nil {
		out.Headers = r.Headers.Clone()
	}
	return &out
}

// DecodeJSON reads a JSON array of records. Entries without a URL are rejected.
func DecodeJSON(r io.Reader) ([]*Record, error) {
	var records []*Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	for i, rec := range records {
		if rec == nil || strings.TrimSpace(rec.URL) == "" {
			return nil, fmt.Errorf("source %d: url is required", i)
		}
	}
	return records, nil
}
