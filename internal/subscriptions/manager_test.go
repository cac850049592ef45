package subscriptions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/jsrun"
	"github.com/squirreldb/squirreldb/internal/logger"
	"github.com/squirreldb/squirreldb/internal/query"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	return NewManager(nil, jsrun.NewPool(2), logger.Nop{})
}

func structuredQuerySpec(t *testing.T, raw string) *backend.QuerySpec {
	t.Helper()

	var sq query.StructuredQuery
	require.NoError(t, json.Unmarshal([]byte(raw), &sq))

	spec, err := sq.ToQuerySpec(query.Postgres)
	require.NoError(t, err)

	return spec
}

// TestStructuredSubscriptionOnlyDeliversMatchingChanges pins the behavior a
// structured-query subscription must have: the server-side filter mirror
// registered in AddSubscription is advisory only, so a change that doesn't
// satisfy the predicate must not be delivered to the client.
func TestStructuredSubscriptionOnlyDeliversMatchingChanges(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	clientID := uuid.New()

	spec := structuredQuerySpec(t, `{"table":"users","filter":{"age":{"gt":30}}}`)
	require.NoError(t, m.AddSubscription(ctx, clientID, "sub1", spec))

	out := m.RegisterClient(clientID)

	m.HandleChange(backend.Change{
		Collection: "users",
		Operation:  backend.OpInsert,
		NewData:    map[string]any{"age": float64(20)},
	})
	m.HandleChange(backend.Change{
		Collection: "users",
		Operation:  backend.OpInsert,
		NewData:    map[string]any{"age": float64(40)},
	})

	select {
	case evt := <-out:
		require.Equal(t, float64(40), evt.Change.New["age"], "only the matching change should be delivered")
	default:
		t.Fatal("expected one delivered event for the matching change")
	}

	select {
	case evt := <-out:
		t.Fatalf("unexpected second delivery: %+v", evt)
	default:
	}
}

func TestEvaluateFilterSeesMetadataFields(t *testing.T) {
	m := newTestManager(t)

	docID := uuid.New()
	f := &backend.FilterSpec{JSCode: `(d) => (d.$id === "` + docID.String() + `")`}

	require.True(t, m.evaluateFilter(f, backend.Change{DocumentID: docID}, map[string]any{}))
	require.False(t, m.evaluateFilter(f, backend.Change{DocumentID: uuid.New()}, map[string]any{}))
}
