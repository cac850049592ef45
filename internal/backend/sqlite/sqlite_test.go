package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/squirreldb/squirreldb/internal/backend"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	b, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, b.InitSchema(context.Background()))

	t.Cleanup(func() { b.Close() })

	return b
}

func TestInsertGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	project := uuid.New()

	doc, err := b.Insert(ctx, project, "widgets", map[string]any{"name": "bolt"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, doc.ID)

	got, err := b.Get(ctx, project, "widgets", doc.ID)
	require.NoError(t, err)
	require.Equal(t, "bolt", got.Data["name"])
}

func TestGetMissingDocumentReturnsNilNotError(t *testing.T) {
	b := newTestBackend(t)

	got, err := b.Get(context.Background(), uuid.New(), "widgets", uuid.New())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestInsertRejectsInvalidCollectionName(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Insert(context.Background(), uuid.New(), "bad name!", map[string]any{})
	require.Error(t, err)
}

func TestUpdateAppliesAndReportsDelta(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	project := uuid.New()

	doc, err := b.Insert(ctx, project, "widgets", map[string]any{"name": "bolt", "qty": float64(1)})
	require.NoError(t, err)

	changes, unsub := b.SubscribeChanges()
	defer unsub()

	updated, err := b.Update(ctx, project, "widgets", doc.ID, map[string]any{"name": "bolt", "qty": float64(2)})
	require.NoError(t, err)
	require.Equal(t, float64(2), updated.Data["qty"])

	change := <-changes
	require.Equal(t, backend.OpUpdate, change.Operation)
	require.Equal(t, float64(2), change.Delta["qty"])
	_, nameChanged := change.Delta["name"]
	require.False(t, nameChanged, "unchanged fields should not appear in the delta")
}

func TestUpdateMissingDocumentReturnsNilNotError(t *testing.T) {
	b := newTestBackend(t)

	got, err := b.Update(context.Background(), uuid.New(), "widgets", uuid.New(), map[string]any{})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeleteRemovesDocumentAndPublishesChange(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	project := uuid.New()

	doc, err := b.Insert(ctx, project, "widgets", map[string]any{"name": "bolt"})
	require.NoError(t, err)

	changes, unsub := b.SubscribeChanges()
	defer unsub()

	deleted, err := b.Delete(ctx, project, "widgets", doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.ID, deleted.ID)

	got, err := b.Get(ctx, project, "widgets", doc.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	change := <-changes
	require.Equal(t, backend.OpDelete, change.Operation)
}

func TestListOrdersByCreatedAtByDefault(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	project := uuid.New()

	first, err := b.Insert(ctx, project, "widgets", map[string]any{"n": float64(1)})
	require.NoError(t, err)
	second, err := b.Insert(ctx, project, "widgets", map[string]any{"n": float64(2)})
	require.NoError(t, err)

	docs, err := b.List(ctx, project, "widgets", nil, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, first.ID, docs[0].ID)
	require.Equal(t, second.ID, docs[1].ID)
}

func TestListRespectsLimitAndOffset(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	project := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := b.Insert(ctx, project, "widgets", map[string]any{"n": float64(i)})
		require.NoError(t, err)
	}

	limit, offset := int64(1), int64(1)
	docs, err := b.List(ctx, project, "widgets", nil, nil, &limit, &offset)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestListCollectionsAndProjects(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	project := uuid.New()

	_, err := b.Insert(ctx, project, "widgets", map[string]any{})
	require.NoError(t, err)
	_, err = b.Insert(ctx, project, "orders", map[string]any{})
	require.NoError(t, err)

	collections, err := b.ListCollections(ctx, project)
	require.NoError(t, err)
	require.Equal(t, []string{"orders", "widgets"}, collections)

	projects, err := b.ListProjects(ctx)
	require.NoError(t, err)
	require.Contains(t, projects, project)
}

func TestSubscriptionFilterLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	clientID := uuid.New()

	require.NoError(t, b.AddSubscriptionFilter(ctx, backend.SubscriptionFilter{
		ClientID: clientID, SubscriptionID: "sub1", Collection: "widgets",
	}))

	require.NoError(t, b.RemoveSubscriptionFilter(ctx, clientID, "sub1"))
	require.NoError(t, b.RemoveClientFilters(ctx, clientID))
}

func TestRateLimitAndConnectionPrimitivesAreUnsupported(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.RateLimitCheck(ctx, "1.2.3.4", 1, 1)
	require.ErrorIs(t, err, backend.ErrNotSupported)

	_, err = b.ConnectionAcquire(ctx, "1.2.3.4", 1)
	require.ErrorIs(t, err, backend.ErrNotSupported)

	require.ErrorIs(t, b.ConnectionRelease(ctx, "1.2.3.4"), backend.ErrNotSupported)
}

func TestValidateTokenUnknownHash(t *testing.T) {
	b := newTestBackend(t)

	ok, id, err := b.ValidateToken(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, id)
}
