package backend

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMergeMetadataAddsReservedFieldsWithoutMutatingInput(t *testing.T) {
	id := uuid.New()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	data := map[string]any{"name": "bolt"}

	merged := MergeMetadata(data, id, created, updated)

	require.Equal(t, "bolt", merged["name"])
	require.Equal(t, id.String(), merged["$id"])
	require.Equal(t, created.Format(time.RFC3339Nano), merged["$created_at"])
	require.Equal(t, updated.Format(time.RFC3339Nano), merged["$updated_at"])

	_, present := data["$id"]
	require.False(t, present, "MergeMetadata must not mutate its input map")
}
