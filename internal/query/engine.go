package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/squirreldb/squirreldb/internal/backend"
	"github.com/squirreldb/squirreldb/internal/jsrun"
)

// Engine ties parsing, caching, backend execution and JS-fallback
// evaluation together into the single pipeline every protocol handler
// drives a query through (spec §4.2).
type Engine struct {
	backend backend.Backend
	dialect Dialect
	jsPool  *jsrun.Pool
	parsed  *ParseCache
	results *ResultCache
}

// NewEngine wires a backend, its dialect, the shared JS runtime pool and the
// two caches into one pipeline.
func NewEngine(b backend.Backend, dialect Dialect, pool *jsrun.Pool, parsed *ParseCache, results *ResultCache) *Engine {
	return &Engine{backend: b, dialect: dialect, jsPool: pool, parsed: parsed, results: results}
}

// ParseInput decides whether raw query text is a structured JSON filter or a
// `db.table(...)` script, and normalizes either into a QuerySpec. Every
// protocol — REST, WebSocket and the framed TCP wire — calls this same
// function, resolving the ambiguity the same way regardless of transport.
func (e *Engine) ParseInput(raw string) (*backend.QuerySpec, error) {
	if spec, ok := e.parsed.Get(raw); ok {
		return spec, nil
	}

	spec, err := e.parseInput(raw)
	if err != nil {
		return nil, err
	}

	e.parsed.Put(raw, spec)

	return spec, nil
}

func (e *Engine) parseInput(raw string) (*backend.QuerySpec, error) {
	trimmed := firstNonSpace(raw)
	if trimmed == '{' {
		var sq StructuredQuery
		if err := json.Unmarshal([]byte(raw), &sq); err != nil {
			return nil, fmt.Errorf("query: invalid structured query: %w", err)
		}

		return sq.ToQuerySpec(e.dialect)
	}

	return ParseScript(e.jsPool, raw, e.dialect)
}

func firstNonSpace(s string) byte {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return s[i]
		}
	}

	return 0
}

// Execute runs the pipeline described in spec §4.2: parse (cache-preferred),
// probe the result cache, list from the backend with whatever filter the
// compiler could lower to SQL, fall back to the JS evaluator for anything it
// couldn't, apply an optional `.map()`, and cache the result when eligible.
func (e *Engine) Execute(ctx context.Context, project uuid.UUID, raw string) ([]*backend.Document, error) {
	spec, err := e.ParseInput(raw)
	if err != nil {
		return nil, err
	}

	cacheable := spec.Changes == nil
	cacheKey := project.String() + "\x00" + raw

	if cacheable {
		if cached, ok := e.results.Get(cacheKey); ok {
			if docs, ok := cached.([]*backend.Document); ok {
				return docs, nil
			}
		}
	}

	var compiled *backend.CompiledSQL
	if spec.Filter != nil {
		compiled = spec.Filter.CompiledSQL
	}

	docs, err := e.backend.List(ctx, project, spec.Table, compiled, spec.OrderBy, spec.Limit, spec.Offset)
	if err != nil {
		return nil, err
	}

	if spec.Filter != nil && spec.Filter.CompiledSQL == nil && spec.Filter.JSCode != "" {
		docs, err = e.filterInJS(docs, spec.Filter.JSCode)
		if err != nil {
			return nil, err
		}
	}

	if spec.Map != "" {
		docs, err = e.mapInJS(docs, spec.Map)
		if err != nil {
			return nil, err
		}
	}

	if cacheable {
		e.results.Put(cacheKey, docs)
	}

	return docs, nil
}

// filterInJS evaluates fnSrc (a `param => bool` arrow function source)
// against every document's data shallow-merged with its $id/$created_at/
// $updated_at metadata (spec §3, §4.2 — the JS fallback is the only path
// that ever sees those fields), keeping only those for which it returns
// true. Used only when the compiler could not lower the predicate to SQL.
func (e *Engine) filterInJS(docs []*backend.Document, fnSrc string) ([]*backend.Document, error) {
	kept := make([]*backend.Document, 0, len(docs))

	for _, d := range docs {
		expr := fmt.Sprintf("(%s)(__row)", fnSrc)
		row := backend.MergeMetadata(d.Data, d.ID, d.CreatedAt, d.UpdatedAt)

		ok, err := e.jsPool.EvalBool(expr, map[string]any{"__row": row})
		if err != nil {
			return nil, fmt.Errorf("query: evaluating filter: %w", err)
		}

		if ok {
			kept = append(kept, d)
		}
	}

	return kept, nil
}

// mapInJS evaluates fnSrc against each document's data (likewise merged
// with $id/$created_at/$updated_at) and replaces Data with whatever the
// function returned, matching RethinkDB-style `.map()` semantics: the
// mapped value becomes the row, not a patch to it.
func (e *Engine) mapInJS(docs []*backend.Document, fnSrc string) ([]*backend.Document, error) {
	out := make([]*backend.Document, len(docs))

	for i, d := range docs {
		expr := fmt.Sprintf("(%s)(__row)", fnSrc)
		row := backend.MergeMetadata(d.Data, d.ID, d.CreatedAt, d.UpdatedAt)

		v, err := e.jsPool.Eval(expr, map[string]any{"__row": row})
		if err != nil {
			return nil, fmt.Errorf("query: evaluating map: %w", err)
		}

		mapped, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("query: map function must return an object")
		}

		clone := *d
		clone.Data = mapped
		out[i] = &clone
	}

	return out, nil
}
