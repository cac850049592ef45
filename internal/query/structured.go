// Package query implements the pipeline described in spec §4.2: parsing a
// structured or script query into a QuerySpec, compiling predicates to SQL
// where safe, and falling back to the JS evaluator otherwise.
package query

import (
	"encoding/json"
	"fmt"

	"github.com/squirreldb/squirreldb/internal/backend"
)

// Op is a comparison/membership operator usable in a tagged condition.
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpNin        Op = "nin"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpExists     Op = "exists"
)

// Condition is either a bare JSON value (equality) or a tagged operator.
type Condition struct {
	Op    Op
	Value any
	Bare  bool // true when the JSON value was not a {op: value} object
}

// LogicalKind tags a StructuredFilter node.
type LogicalKind string

const (
	LogicalAnd   LogicalKind = "And"
	LogicalOr    LogicalKind = "Or"
	LogicalNot   LogicalKind = "Not"
	LogicalLeaf  LogicalKind = "Leaf"
)

// StructuredFilter is a tagged tree: And/Or over children, Not over a
// single child, or a Leaf holding field -> Condition pairs.
type StructuredFilter struct {
	Kind     LogicalKind
	Children []*StructuredFilter
	Fields   map[string]Condition // only set for Leaf
}

// StructuredQuery is the wire shape of a structured (non-script) query
// input (spec §4.2).
type StructuredQuery struct {
	Table   string                    `json:"table"`
	Filter  *StructuredFilter         `json:"filter,omitempty"`
	Sort    *struct {
		Field string `json:"field"`
		Dir   string `json:"dir"`
	} `json:"sort,omitempty"`
	Limit   *int64 `json:"limit,omitempty"`
	Skip    *int64 `json:"skip,omitempty"`
	Changes *struct {
		IncludeInitial bool `json:"includeInitial"`
	} `json:"changes,omitempty"`
}

// UnmarshalJSON decodes the filter tree, recognizing {and:[...]}, {or:[...]},
// {not:{...}} and otherwise treating the object as a Leaf of field ->
// condition pairs.
func (f *StructuredFilter) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	if v, ok := raw["and"]; ok {
		return f.unmarshalLogical(LogicalAnd, v)
	}

	if v, ok := raw["or"]; ok {
		return f.unmarshalLogical(LogicalOr, v)
	}

	if v, ok := raw["not"]; ok {
		var child StructuredFilter
		if err := json.Unmarshal(v, &child); err != nil {
			return err
		}

		f.Kind = LogicalNot
		f.Children = []*StructuredFilter{&child}

		return nil
	}

	f.Kind = LogicalLeaf
	f.Fields = map[string]Condition{}

	for field, raw := range raw {
		cond, err := parseCondition(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}

		f.Fields[field] = cond
	}

	return nil
}

func (f *StructuredFilter) unmarshalLogical(kind LogicalKind, raw json.RawMessage) error {
	var children []*StructuredFilter
	if err := json.Unmarshal(raw, &children); err != nil {
		return err
	}

	f.Kind = kind
	f.Children = children

	return nil
}

func parseCondition(raw json.RawMessage) (Condition, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj) == 1 {
		for k, v := range obj {
			if op := Op(k); isKnownOp(op) {
				var val any
				if err := json.Unmarshal(v, &val); err != nil {
					return Condition{}, err
				}

				return Condition{Op: op, Value: val}, nil
			}
		}
	}

	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return Condition{}, err
	}

	return Condition{Op: OpEq, Value: val, Bare: true}, nil
}

func isKnownOp(op Op) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpContains, OpStartsWith, OpEndsWith, OpExists:
		return true
	default:
		return false
	}
}

// ToQuerySpec lowers a parsed StructuredQuery into the normalized QuerySpec,
// compiling the filter tree to SQL (always total for structured input —
// spec §4.2: "Compilation is total and emits only parameterized SQL
// fragments").
func (q *StructuredQuery) ToQuerySpec(dialect Dialect) (*backend.QuerySpec, error) {
	spec := &backend.QuerySpec{Table: q.Table}

	if q.Filter != nil {
		sql, args, err := compileStructured(q.Filter, dialect)
		if err != nil {
			return nil, err
		}

		// JSCode is populated too, even though compilation to SQL is
		// total here: the subscription manager re-matches live changes
		// in-process (spec §9) and needs something runnable, since the
		// backend's own filter mirror is advisory only.
		jsCode, err := structuredFilterToJS(q.Filter)
		if err != nil {
			return nil, err
		}

		spec.Filter = &backend.FilterSpec{
			JSCode:      jsCode,
			CompiledSQL: &backend.CompiledSQL{Where: sql, Args: args},
		}
	}

	if q.Sort != nil {
		dir := backend.Asc
		if q.Sort.Dir == "desc" {
			dir = backend.Desc
		}

		spec.OrderBy = &backend.OrderBy{Field: q.Sort.Field, Direction: dir}
	}

	spec.Limit = q.Limit
	spec.Offset = q.Skip

	if q.Changes != nil {
		spec.Changes = &backend.ChangesOptions{IncludeInitial: q.Changes.IncludeInitial}
	}

	return spec, nil
}
