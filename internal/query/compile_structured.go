package query

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/squirreldb/squirreldb/internal/backend"
)

// compileStructured lowers a StructuredFilter tree into a parameterized
// WHERE fragment using squirrel's Sqlizer composition. The fragment always
// uses "?" placeholders: it is meant to be composed into a larger
// backend-specific statement, and only that statement's final assembly
// point (the Postgres backend, via squirrel's Dollar formatter; SQLite
// takes "?" as-is) knows the full placeholder sequence to renumber
// against.
func compileStructured(f *StructuredFilter, dialect Dialect) (string, []any, error) {
	sqlizer, err := structuredToSqlizer(f, dialect)
	if err != nil {
		return "", nil, err
	}

	sql, args, err := sqlizer.ToSql()
	if err != nil {
		return "", nil, err
	}

	return sql, args, nil
}

func structuredToSqlizer(f *StructuredFilter, dialect Dialect) (sq.Sqlizer, error) {
	switch f.Kind {
	case LogicalAnd:
		var and sq.And
		for _, c := range f.Children {
			s, err := structuredToSqlizer(c, dialect)
			if err != nil {
				return nil, err
			}
			and = append(and, s)
		}
		return and, nil

	case LogicalOr:
		var or sq.Or
		for _, c := range f.Children {
			s, err := structuredToSqlizer(c, dialect)
			if err != nil {
				return nil, err
			}
			or = append(or, s)
		}
		return or, nil

	case LogicalNot:
		if len(f.Children) != 1 {
			return nil, fmt.Errorf("query: not requires exactly one child")
		}
		s, err := structuredToSqlizer(f.Children[0], dialect)
		if err != nil {
			return nil, err
		}
		sql, args, err := s.ToSql()
		if err != nil {
			return nil, err
		}
		return sq.Expr("NOT ("+sql+")", args...), nil

	case LogicalLeaf:
		var and sq.And
		for field, cond := range f.Fields {
			s, err := conditionToSqlizer(field, cond, dialect)
			if err != nil {
				return nil, err
			}
			and = append(and, s)
		}
		return and, nil

	default:
		return nil, fmt.Errorf("query: unknown filter kind %q", f.Kind)
	}
}

func conditionToSqlizer(field string, cond Condition, dialect Dialect) (sq.Sqlizer, error) {
	path := strings.Split(field, ".")
	for _, p := range path {
		if !backend.ValidIdentifier(p) {
			return nil, fmt.Errorf("query: invalid field name %q", field)
		}
	}

	text := jsonAccessor(dialect, path)
	numeric := jsonAccessorNumeric(dialect, path)

	op := cond.Op
	if cond.Bare {
		op = OpEq
	}

	switch op {
	case OpEq:
		return sq.Expr(text+" = ?", fmt.Sprint(cond.Value)), nil
	case OpNe:
		return sq.Expr(text+" != ?", fmt.Sprint(cond.Value)), nil
	case OpGt:
		return sq.Expr(numeric+" > ?", cond.Value), nil
	case OpGte:
		return sq.Expr(numeric+" >= ?", cond.Value), nil
	case OpLt:
		return sq.Expr(numeric+" < ?", cond.Value), nil
	case OpLte:
		return sq.Expr(numeric+" <= ?", cond.Value), nil
	case OpIn:
		vals, ok := cond.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("query: in requires an array value")
		}
		strs := make([]string, len(vals))
		for i, v := range vals {
			strs[i] = fmt.Sprint(v)
		}
		return sq.Eq{text: strs}, nil
	case OpNin:
		vals, ok := cond.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("query: nin requires an array value")
		}
		strs := make([]string, len(vals))
		for i, v := range vals {
			strs[i] = fmt.Sprint(v)
		}
		return sq.NotEq{text: strs}, nil
	case OpContains:
		return sq.Expr(text+" LIKE ?", "%"+escapeLike(fmt.Sprint(cond.Value))+"%"), nil
	case OpStartsWith:
		return sq.Expr(text+" LIKE ?", escapeLike(fmt.Sprint(cond.Value))+"%"), nil
	case OpEndsWith:
		return sq.Expr(text+" LIKE ?", "%"+escapeLike(fmt.Sprint(cond.Value))), nil
	case OpExists:
		want, _ := cond.Value.(bool)
		if want {
			return sq.Expr(text + " IS NOT NULL"), nil
		}
		return sq.Expr(text + " IS NULL"), nil
	default:
		return nil, fmt.Errorf("query: unsupported operator %q", op)
	}
}

// escapeLike backslash-escapes LIKE wildcards present in raw user values,
// per spec §4.2.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}
