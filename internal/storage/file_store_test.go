package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStorePutGetDelete(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	body := []byte("hello world")

	require.NoError(t, fs.Put(ctx, "a/b/c.txt", bytes.NewReader(body), int64(len(body))))

	r, err := fs.Get(ctx, "a/b/c.txt")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, body, got)

	require.NoError(t, fs.Delete(ctx, "a/b/c.txt"))

	_, err = fs.Get(ctx, "a/b/c.txt")
	require.Error(t, err)
}

func TestFileStoreDeleteMissingIsNotError(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Delete(context.Background(), "does/not/exist.txt"))
}

func TestFileStoreListFiltersByPrefixAndSorts(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"backup_b.sql", "backup_a.sql", "other.sql"} {
		require.NoError(t, fs.Put(ctx, key, bytes.NewReader([]byte("x")), 1))
	}

	objs, err := fs.List(ctx, "backup_")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "backup_a.sql", objs[0].Key)
	require.Equal(t, "backup_b.sql", objs[1].Key)
}
