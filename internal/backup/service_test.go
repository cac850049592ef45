package backup

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/storage"
)

func newTestBackend() *fakeBackend {
	project := backend.DefaultProjectID

	return &fakeBackend{docs: []*backend.Document{
		{
			ID:         uuid.New(),
			ProjectID:  project,
			Collection: "widgets",
			Data:       map[string]any{"name": "bolt"},
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		},
		{
			ID:         uuid.New(),
			ProjectID:  project,
			Collection: "widgets",
			Data:       map[string]any{"name": "o'ring"},
			CreatedAt:  time.Now(),
			UpdatedAt:  time.Now(),
		},
	}}
}

func TestDumpProducesDeterministicInsertStatements(t *testing.T) {
	svc := NewService(Config{}, newTestBackend(), nil, nil, logger.Nop{})

	first, err := svc.dump(context.Background())
	require.NoError(t, err)

	second, err := svc.dump(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, strings.Count(string(first), "INSERT INTO documents"))

	normalize := func(b []byte) string {
		lines := strings.Split(string(b), "\n")
		return strings.Join(lines[1:], "\n") // drop the generated-at header line
	}
	require.Equal(t, normalize(first), normalize(second))
}

func TestDumpEscapesQuotes(t *testing.T) {
	svc := NewService(Config{}, newTestBackend(), nil, nil, logger.Nop{})

	dump, err := svc.dump(context.Background())
	require.NoError(t, err)

	require.Contains(t, string(dump), `o''ring`)
}

func TestRunOnceWritesLocalAndPrunesRetention(t *testing.T) {
	dir := t.TempDir()

	svc := NewService(Config{
		LocalPath: dir,
		Retention: 1,
	}, newTestBackend(), nil, nil, logger.Nop{})

	require.NoError(t, svc.runOnce(context.Background()))
	time.Sleep(1100 * time.Millisecond) // filename timestamp resolution is 1s
	require.NoError(t, svc.runOnce(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "retention of 1 should leave exactly one dump on disk")
}

func TestRunOnceFallsThroughUnlockedWithNoRedsync(t *testing.T) {
	dir := t.TempDir()

	svc := NewService(Config{LocalPath: dir}, newTestBackend(), nil, nil, logger.Nop{})
	require.NoError(t, svc.runOnce(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFilenameMatchesConvention(t *testing.T) {
	name := filename()

	require.True(t, strings.HasPrefix(name, "squirreldb_backup_"))
	require.True(t, strings.HasSuffix(name, ".sql"))
}

func TestPruneDeletesOldestFirst(t *testing.T) {
	svc := &Service{cfg: Config{Retention: 2}, log: logger.Nop{}}

	objs := []storage.ObjectInfo{
		{Key: "squirreldb_backup_20260101_000000_aaaa.sql"},
		{Key: "squirreldb_backup_20260102_000000_bbbb.sql"},
		{Key: "squirreldb_backup_20260103_000000_cccc.sql"},
	}

	var deleted []string

	err := svc.prune(objs, func(key string) error {
		deleted = append(deleted, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"squirreldb_backup_20260101_000000_aaaa.sql"}, deleted)
}

func TestPruneNoopWhenWithinRetention(t *testing.T) {
	svc := &Service{cfg: Config{Retention: 5}, log: logger.Nop{}}

	objs := []storage.ObjectInfo{{Key: "a"}, {Key: "b"}}

	called := false
	err := svc.prune(objs, func(key string) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
}
