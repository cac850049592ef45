package backup

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/squirreldb/squirreldb/internal/backend"
)

// fakeBackend is a minimal in-memory backend.Backend used to exercise the
// dump/prune logic without a real database.
type fakeBackend struct {
	docs []*backend.Document
}

func (f *fakeBackend) InitSchema(ctx context.Context) error { return nil }

func (f *fakeBackend) Insert(ctx context.Context, project uuid.UUID, collection string, data map[string]any) (*backend.Document, error) {
	return nil, nil
}

func (f *fakeBackend) Get(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*backend.Document, error) {
	return nil, nil
}

func (f *fakeBackend) Update(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID, data map[string]any) (*backend.Document, error) {
	return nil, nil
}

func (f *fakeBackend) Delete(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*backend.Document, error) {
	return nil, nil
}

func (f *fakeBackend) List(ctx context.Context, project uuid.UUID, collection string, filter *backend.CompiledSQL, order *backend.OrderBy, limit, offset *int64) ([]*backend.Document, error) {
	var out []*backend.Document

	for _, d := range f.docs {
		if d.ProjectID == project && d.Collection == collection {
			out = append(out, d)
		}
	}

	return out, nil
}

func (f *fakeBackend) ListCollections(ctx context.Context, project uuid.UUID) ([]string, error) {
	seen := map[string]bool{}
	var out []string

	for _, d := range f.docs {
		if d.ProjectID == project && !seen[d.Collection] {
			seen[d.Collection] = true
			out = append(out, d.Collection)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (f *fakeBackend) ListProjects(ctx context.Context) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID

	for _, d := range f.docs {
		if !seen[d.ProjectID] {
			seen[d.ProjectID] = true
			out = append(out, d.ProjectID)
		}
	}

	return out, nil
}

func (f *fakeBackend) SubscribeChanges() (<-chan backend.Change, func()) {
	ch := make(chan backend.Change)
	return ch, func() {}
}

func (f *fakeBackend) StartChangeListener(ctx context.Context) error { return nil }

func (f *fakeBackend) ValidateToken(ctx context.Context, tokenHash string) (bool, *uuid.UUID, error) {
	return false, nil, nil
}

func (f *fakeBackend) AddSubscriptionFilter(ctx context.Context, filter backend.SubscriptionFilter) error {
	return nil
}

func (f *fakeBackend) RemoveSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID string) error {
	return nil
}

func (f *fakeBackend) RemoveClientFilters(ctx context.Context, clientID uuid.UUID) error { return nil }

func (f *fakeBackend) RateLimitCheck(ctx context.Context, ip string, rate float64, capacity int) (bool, error) {
	return true, nil
}

func (f *fakeBackend) ConnectionAcquire(ctx context.Context, ip string, max int) (bool, error) {
	return true, nil
}

func (f *fakeBackend) ConnectionRelease(ctx context.Context, ip string) error { return nil }

func (f *fakeBackend) Close() error { return nil }
