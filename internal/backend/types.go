// Package backend defines the polymorphic store contract (spec §4.1) and
// the data model (spec §3) shared by the Postgres and SQLite
// implementations and by every layer above them.
package backend

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// DefaultProjectID is the built-in tenant used when a client never selects
// one.
var DefaultProjectID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// identifierPattern validates collection and field names before they are
// interpolated into SQL. Never relax this without an accompanying review of
// every call site: it is the sole barrier between compiler-generated SQL
// and injection from a user-chosen field name.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to embed in SQL as a
// collection or field name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// Document is the unit of storage: {id, project, collection, data,
// created_at, updated_at} per spec §3.
type Document struct {
	ID         uuid.UUID      `json:"id"`
	ProjectID  uuid.UUID      `json:"project_id"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Operation is the kind of mutation that produced a Change.
type Operation string

const (
	OpInsert Operation = "Insert"
	OpUpdate Operation = "Update"
	OpDelete Operation = "Delete"
)

// Change is a single, monotonically-id'd mutation event (spec §3). Delta
// holds only the top-level keys that differ between OldData and NewData for
// Update operations; it is nil otherwise.
type Change struct {
	ID         int64          `json:"id"`
	ProjectID  uuid.UUID      `json:"project_id"`
	Collection string         `json:"collection"`
	DocumentID uuid.UUID      `json:"document_id"`
	Operation  Operation      `json:"operation"`
	OldData    map[string]any `json:"old_data,omitempty"`
	NewData    map[string]any `json:"new_data,omitempty"`
	Delta      map[string]any `json:"delta,omitempty"`
	ChangedAt  time.Time      `json:"changed_at"`
}

// SortDirection for QuerySpec.OrderBy.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// OrderBy specifies the sort applied after filtering.
type OrderBy struct {
	Field     string
	Direction SortDirection
}

// FilterSpec pairs the JS source of a predicate with its compiled SQL
// equivalent, when the compiler was able to produce one (spec §3
// invariant). CompiledSQL is nil when the predicate must fall back to the
// JS evaluator.
type FilterSpec struct {
	JSCode      string
	CompiledSQL *CompiledSQL
}

// CompiledSQL is a parameterized WHERE fragment, never raw user input.
type CompiledSQL struct {
	Where string
	Args  []any
}

// ChangesOptions configures a `.changes()` subscription clause.
type ChangesOptions struct {
	IncludeInitial bool
}

// QuerySpec is the normalized, language-neutral representation of a query
// (spec §3), the single output shape of both the structured and script
// input paths.
type QuerySpec struct {
	Table   string
	Filter  *FilterSpec
	Map     string // JS source of a `param => expr` mapping function, or ""
	OrderBy *OrderBy
	Limit   *int64
	Offset  *int64
	Changes *ChangesOptions
}

// MergeMetadata returns data shallow-merged with the $id/$created_at/
// $updated_at fields the JS evaluator must see (spec §3, §4.2: these keys
// are only observable to the JS fallback, never compiled to SQL). data
// itself is left untouched.
func MergeMetadata(data map[string]any, id uuid.UUID, createdAt, updatedAt time.Time) map[string]any {
	merged := make(map[string]any, len(data)+3)
	for k, v := range data {
		merged[k] = v
	}

	merged["$id"] = id.String()
	merged["$created_at"] = createdAt.Format(time.RFC3339Nano)
	merged["$updated_at"] = updatedAt.Format(time.RFC3339Nano)

	return merged
}

// SubscriptionFilter optionally mirrors a subscription predicate inside the
// backend so a future server-side optimization can filter before
// broadcasting (spec §3, §9 — currently only registered, never consumed by
// the write trigger).
type SubscriptionFilter struct {
	ClientID       uuid.UUID
	SubscriptionID string
	Collection     string
	CompiledSQL    string
}

// ApiToken is an issued API credential; only TokenHash is ever persisted.
type ApiToken struct {
	ID        uuid.UUID
	Name      string
	TokenHash string // hex-encoded SHA-256
	CreatedAt time.Time
}
