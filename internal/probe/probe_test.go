package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "https", raw: "https://example.com/books"},
		{name: "http with port", raw: "http://127.0.0.1:8080"},
		{name: "surrounding whitespace", raw: "  https://example.com  "},
		{name: "empty", raw: "", wantErr: true},
		{name: "relative", raw: "/just/a/path", wantErr: true},
		{name: "no scheme", raw: "example.com", wantErr: true},
		{name: "ftp", raw: "ftp://example.com/file", wantErr: true},
		{name: "missing host", raw: "http:///path", wantErr: true},
		{name: "garbage", raw: "ht!tp://%%%", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ValidateEndpoint(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedEndpoint)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMalformedAlwaysWrapsSentinel(t *testing.T) {
	t.Parallel()

	out := Malformed(errors.New("bad"))
	require.Equal(t, Failure, out.Kind)
	require.ErrorIs(t, out.Err, ErrMalformedEndpoint)
	require.Contains(t, out.Reason(), "bad")
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	_, done := FromContext(context.Background(), 0)
	require.False(t, done)

	deadlineCtx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	out, done := FromContext(deadlineCtx, time.Second)
	require.True(t, done)
	require.Equal(t, Timeout, out.Kind)
	require.ErrorIs(t, out.Err, ErrDeadlineExceeded)

	canceledCtx, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	out, done = FromContext(canceledCtx, 0)
	require.True(t, done)
	require.Equal(t, Failure, out.Kind)
	require.ErrorIs(t, out.Err, context.Canceled)
}

func TestKindAndModeStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "success", Success.String())
	require.Equal(t, "failure", Failure.String())
	require.Equal(t, "timeout", Timeout.String())
	require.Equal(t, "kind(9)", Kind(9).String())
	require.Equal(t, "generic", ModeGeneric.String())
	require.Equal(t, "metadata", ModeMetadata.String())
}

func TestOutcomeReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, "status 200", Outcome{Kind: Success, StatusCode: 200}.Reason())
	require.Equal(t, "timeout", Outcome{Kind: Timeout}.Reason())
}
