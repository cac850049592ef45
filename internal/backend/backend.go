package backend

import (
	"context"

	"github.com/google/uuid"
)

// Backend is the capability set the rest of the system consumes (spec
// §4.1). Concrete implementations are state structures, not a class
// hierarchy — a Postgres-backed and a SQLite-backed Backend satisfy the
// exact same contract.
type Backend interface {
	InitSchema(ctx context.Context) error

	Insert(ctx context.Context, project uuid.UUID, collection string, data map[string]any) (*Document, error)
	Get(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*Document, error)
	Update(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID, data map[string]any) (*Document, error)
	Delete(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*Document, error)
	List(ctx context.Context, project uuid.UUID, collection string, filter *CompiledSQL, order *OrderBy, limit, offset *int64) ([]*Document, error)
	ListCollections(ctx context.Context, project uuid.UUID) ([]string, error)
	ListProjects(ctx context.Context) ([]uuid.UUID, error)

	// SubscribeChanges returns a channel of Change values. Delivery is
	// best-effort: a change that finds a consumer's buffer full is dropped
	// for that consumer, which stays subscribed, rather than allowed to
	// block the backend (spec §4.1).
	SubscribeChanges() (<-chan Change, func())
	StartChangeListener(ctx context.Context) error

	ValidateToken(ctx context.Context, tokenHash string) (bool, *uuid.UUID, error)

	AddSubscriptionFilter(ctx context.Context, f SubscriptionFilter) error
	RemoveSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID string) error
	RemoveClientFilters(ctx context.Context, clientID uuid.UUID) error

	// RateLimitCheck and the Connection* methods are optional distributed
	// primitives; implementations that don't support multi-process
	// coordination may return ErrNotSupported so callers fall back to the
	// in-process limiter.
	RateLimitCheck(ctx context.Context, ip string, rate float64, capacity int) (bool, error)
	ConnectionAcquire(ctx context.Context, ip string, max int) (bool, error)
	ConnectionRelease(ctx context.Context, ip string) error

	Close() error
}

// ErrNotSupported is returned by the optional distributed primitives when a
// backend implementation has no multi-process support.
var ErrNotSupported = &notSupportedError{}

type notSupportedError struct{}

func (*notSupportedError) Error() string { return "backend: operation not supported" }
