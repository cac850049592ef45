package query

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/jsrun"
)

// scriptBuilder is the Go-side mirror of the `db.table(...).filter(...)...`
// chain (spec §4.2). goja exposes its exported methods to script as
// camelCase (via goja.UncapFieldNameMapper); each method mutates and
// returns the same pointer so the script's method chain works exactly like
// the fluent builder it's imitating.
type scriptBuilder struct {
	table   string
	filter  string
	mapFn   string
	orderBy *backend.OrderBy
	limit   *int64
	skip    *int64
	changes *backend.ChangesOptions
}

func (b *scriptBuilder) Filter(fn goja.Value) *scriptBuilder {
	b.filter = functionSource(fn)
	return b
}

func (b *scriptBuilder) Map(fn goja.Value) *scriptBuilder {
	b.mapFn = functionSource(fn)
	return b
}

func (b *scriptBuilder) OrderBy(field, dir string) *scriptBuilder {
	d := backend.Asc
	if dir == "desc" {
		d = backend.Desc
	}

	b.orderBy = &backend.OrderBy{Field: field, Direction: d}

	return b
}

func (b *scriptBuilder) Limit(n int64) *scriptBuilder {
	b.limit = &n
	return b
}

func (b *scriptBuilder) Skip(n int64) *scriptBuilder {
	b.skip = &n
	return b
}

func (b *scriptBuilder) Changes(opts map[string]any) *scriptBuilder {
	includeInitial, _ := opts["includeInitial"].(bool)
	b.changes = &backend.ChangesOptions{IncludeInitial: includeInitial}

	return b
}

// Run is a terminal no-op: the host never actually executes the query
// inside the JS runtime, it only parses the builder chain that led here.
func (b *scriptBuilder) Run() *scriptBuilder { return b }

func functionSource(fn goja.Value) string {
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return ""
	}

	return fn.ToString().String()
}

// dbRoot is the `db` global; Table is the sole entry point.
type dbRoot struct {
	captured **scriptBuilder
}

func (d *dbRoot) Table(name string) *scriptBuilder {
	b := &scriptBuilder{table: name}
	*d.captured = b

	return b
}

// ParseScript parses a `db.table(...).filter(...)...run()` expression using
// a fresh goja runtime (pool is not used) and lowers the resulting builder
// chain into a QuerySpec. The predicate compiler then attempts to lift the
// filter to SQL; on any construct it can't represent, the JS source is
// retained for the fallback evaluator. The map function is always kept as
// JS source.
func ParseScript(pool *jsrun.Pool, script string, dialect Dialect) (*backend.QuerySpec, error) {
	var captured *scriptBuilder

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	vm.SetMaxCallStackSize(512)

	if err := vm.Set("db", &dbRoot{captured: &captured}); err != nil {
		return nil, fmt.Errorf("query: installing db root: %w", err)
	}

	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("query: parsing script: %w", err)
	}

	if captured == nil || captured.table == "" {
		return nil, fmt.Errorf("query: script did not call db.table(...)")
	}

	spec := &backend.QuerySpec{
		Table:   captured.table,
		OrderBy: captured.orderBy,
		Limit:   captured.limit,
		Offset:  captured.skip,
		Changes: captured.changes,
	}

	if captured.filter != "" {
		spec.Filter = compileArrowPredicate(captured.filter, dialect)
	}

	spec.Map = captured.mapFn

	return spec, nil
}
