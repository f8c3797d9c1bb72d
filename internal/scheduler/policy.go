package scheduler

import (
	"github.com/JakeFAU/source-validator/internal/probe"
	"github.com/JakeFAU/source-validator/internal/source"
)

// selectTarget picks the endpoint and probe mode for rec. A non-empty check URL
// wins over the primary URL.
func selectTarget(rec *source.Record) probe.Request {
	if rec.HasCheckURL() {
		return probe.Request{URL: rec.CheckURL, Mode: probe.ModeMetadata, Headers: rec.Headers}
	}
	return probe.Request{URL: rec.URL, Mode: probe.ModeGeneric, Headers: rec.Headers}
}

// applyOutcome mutates rec according to the probe verdict and reports whether
// the record must be written back.
func applyOutcome(rec *source.Record, index int, out probe.Outcome, serialBase int) bool {
	if out.Kind == probe.Success {
		if !rec.Invalid() {
			return false
		}
		rec.Group = ""
		return true
	}
	rec.Group = source.InvalidGroup
	rec.SerialNumber = serialBase + index
	return true
}
