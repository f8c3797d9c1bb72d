package source

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordCloneIsDeep(t *testing.T) {
	t.Parallel()

	rec := &Record{
		URL:     "https://example.com",
		Group:   InvalidGroup,
		Headers: http.Header{"User-Agent": {"a"}},
	}
	cp := rec.Clone()
	cp.Group = ""
	cp.Headers.Set("User-Agent", "b")

	require.True(t, rec.Invalid())
	require.False(t, cp.Invalid())
	require.Equal(t, "a", rec.Headers.Get("User-Agent"))
	require.Nil(t, (*Record)(nil).Clone())
}

func TestHasCheckURLIgnoresWhitespace(t *testing.T) {
	t.Parallel()

	require.False(t, (&Record{CheckURL: "   "}).HasCheckURL())
	require.True(t, (&Record{CheckURL: "https://example.com/book/1"}).HasCheckURL())
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	records, err := DecodeJSON(strings.NewReader(`[
		{"url": "https://a.example", "name": "A", "serial_number": 1, "enabled": true},
		{"url": "https://b.example", "check_url": "https://b.example/book/9", "group": "invalid"}
	]`))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "A", records[0].Name)
	require.True(t, records[1].HasCheckURL())
	require.True(t, records[1].Invalid())
}

func TestDecodeJSONRejectsMissingURL(t *testing.T) {
	t.Parallel()

	_, err := DecodeJSON(strings.NewReader(`[{"name": "nameless"}]`))
	require.ErrorContains(t, err, "url is required")

	_, err = DecodeJSON(strings.NewReader(`{not json`))
	require.ErrorContains(t, err, "decode sources")
}
