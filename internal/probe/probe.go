// Package probe performs the single network check that decides whether a
// content source is reachable.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode selects how a source is checked.
type Mode int

const (
	// ModeGeneric issues a plain GET; any status below 400 counts as reachable.
	ModeGeneric Mode = iota
	// ModeMetadata fetches the source's metadata page and requires a 2xx
	// response carrying a non-empty HTML document.
	ModeMetadata
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeGeneric:
		return "generic"
	case ModeMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Kind classifies a probe result.
type Kind int

const (
	// Success means the endpoint answered acceptably.
	Success Kind = iota
	// Failure covers malformed endpoints, network errors and rejected responses.
	Failure
	// Timeout means the per-probe deadline elapsed first.
	Timeout
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrMalformedEndpoint is returned when the target URL cannot be parsed
	// into an absolute http(s) URL. No network call is made.
	ErrMalformedEndpoint = errors.New("malformed endpoint")
	// ErrNetwork wraps transport level failures.
	ErrNetwork = errors.New("network error")
	// ErrDeadlineExceeded marks a probe that ran past its deadline.
	ErrDeadlineExceeded = errors.New("probe deadline exceeded")
	// ErrUnexpectedStatus marks a response whose status code is not accepted.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrEmptyMetadata marks a metadata response with no usable document.
	ErrEmptyMetadata = errors.New("empty metadata document")
)

// Request describes one probe.
type Request struct {
	URL     string
	Mode    Mode
	Headers http.Header
}

// Outcome is the classified result of one probe.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Reason returns a short human readable explanation.
func (o Outcome) Reason() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.StatusCode != 0 {
		return fmt.Sprintf("status %d", o.StatusCode)
	}
	return o.Kind.String()
}

// Succeeded reports whether the outcome is a Success.
func (o Outcome) Succeeded() bool {
	return o.Kind == Success
}

// Prober executes a single probe. Implementations must return promptly once
// ctx is done; the per-probe deadline is carried by ctx.
type Prober interface {
	Probe(ctx context.Context, req Request) Outcome
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, req Request) Outcome

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}

// ValidateEndpoint checks that raw is an absolute http(s) URL with a host.
func ValidateEndpoint(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty url", ErrMalformedEndpoint)
	}
	u, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEndpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformedEndpoint)
	}
	return u, nil
}

// Malformed builds the Failure outcome for a target that failed validation.
func Malformed(err error) Outcome {
	if !errors.Is(err, ErrMalformedEndpoint) {
		err = fmt.Errorf("%w: %w", ErrMalformedEndpoint, err)
	}
	return Outcome{Kind: Failure, Err: err}
}

// FromContext classifies a finished context. It returns false while ctx is live.
func FromContext(ctx context.Context, elapsed time.Duration) (Outcome, bool) {
	err := ctx.Err()
	if err == nil {
		return Outcome{}, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: Timeout, Duration: elapsed, Err: ErrDeadlineExceeded}, true
	}
	return Outcome{Kind: Failure, Duration: elapsed, Err: fmt.Errorf("probe canceled: %w", err)}, true
}
