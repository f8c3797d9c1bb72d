package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "reports/run.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/run.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("reports/run.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, []string{"reports/run.json"}, store.Paths())

	_, ok = store.Object("missing")
	require.False(t, ok)
}
