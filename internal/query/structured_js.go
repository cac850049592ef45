package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/squirreldb/squirreldb/internal/backend"
)

// structuredFilterToJS lowers a StructuredFilter tree into an equivalent
// `(d) => bool` arrow function source, mirroring compileStructured's SQL
// lowering one-for-one. Compilation to SQL is total for structured input
// (spec §4.2), but the server-side subscription mirror is advisory only
// (§9): re-matching a live change against a structured filter needs
// something runnable in-process, so every structured FilterSpec carries
// this alongside its CompiledSQL rather than leaving JSCode empty.
func structuredFilterToJS(f *StructuredFilter) (string, error) {
	body, err := structuredFilterExpr(f)
	if err != nil {
		return "", err
	}

	return "(d) => (" + body + ")", nil
}

func structuredFilterExpr(f *StructuredFilter) (string, error) {
	switch f.Kind {
	case LogicalAnd:
		return joinChildren(f.Children, " && ", "true")

	case LogicalOr:
		return joinChildren(f.Children, " || ", "false")

	case LogicalNot:
		if len(f.Children) != 1 {
			return "", fmt.Errorf("query: not requires exactly one child")
		}

		e, err := structuredFilterExpr(f.Children[0])
		if err != nil {
			return "", err
		}

		return "!(" + e + ")", nil

	case LogicalLeaf:
		parts := make([]string, 0, len(f.Fields))

		for field, cond := range f.Fields {
			e, err := conditionToJS(field, cond)
			if err != nil {
				return "", err
			}

			parts = append(parts, "("+e+")")
		}

		if len(parts) == 0 {
			return "true", nil
		}

		return strings.Join(parts, " && "), nil

	default:
		return "", fmt.Errorf("query: unknown filter kind %q", f.Kind)
	}
}

func joinChildren(children []*StructuredFilter, joiner, empty string) (string, error) {
	if len(children) == 0 {
		return empty, nil
	}

	parts := make([]string, len(children))

	for i, c := range children {
		e, err := structuredFilterExpr(c)
		if err != nil {
			return "", err
		}

		parts[i] = "(" + e + ")"
	}

	return strings.Join(parts, joiner), nil
}

func conditionToJS(field string, cond Condition) (string, error) {
	path := strings.Split(field, ".")
	for _, p := range path {
		if !backend.ValidIdentifier(p) {
			return "", fmt.Errorf("query: invalid field name %q", field)
		}
	}

	accessor := jsAccessor(path)

	op := cond.Op
	if cond.Bare {
		op = OpEq
	}

	if op == OpExists {
		want, _ := cond.Value.(bool)
		if want {
			return accessor + " !== undefined && " + accessor + " !== null", nil
		}

		return accessor + " === undefined || " + accessor + " === null", nil
	}

	lit, err := jsLiteral(cond.Value)
	if err != nil {
		return "", err
	}

	switch op {
	case OpEq:
		return accessor + " === " + lit, nil
	case OpNe:
		return accessor + " !== " + lit, nil
	case OpGt:
		return accessor + " > " + lit, nil
	case OpGte:
		return accessor + " >= " + lit, nil
	case OpLt:
		return accessor + " < " + lit, nil
	case OpLte:
		return accessor + " <= " + lit, nil
	case OpIn:
		return lit + ".includes(" + accessor + ")", nil
	case OpNin:
		return "!" + lit + ".includes(" + accessor + ")", nil
	case OpContains:
		return "String(" + accessor + " ?? \"\").includes(" + lit + ")", nil
	case OpStartsWith:
		return "String(" + accessor + " ?? \"\").startsWith(" + lit + ")", nil
	case OpEndsWith:
		return "String(" + accessor + " ?? \"\").endsWith(" + lit + ")", nil
	default:
		return "", fmt.Errorf("query: unsupported operator %q", op)
	}
}

// jsAccessor builds a null-safe chain of property lookups, e.g.
// ["address","city"] becomes `d?.["address"]?.["city"]`.
func jsAccessor(path []string) string {
	var b strings.Builder

	b.WriteString("d")

	for _, p := range path {
		b.WriteString("?.[")
		b.WriteString(jsStringLiteral(p))
		b.WriteString("]")
	}

	return b.String()
}

func jsStringLiteral(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}

	return string(b)
}

// jsLiteral renders a decoded JSON value (string, number, bool, array, or
// nil) as a JS literal; JSON and JS literal syntax coincide for all of
// these, so encoding/json does the escaping.
func jsLiteral(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("query: encoding literal: %w", err)
	}

	return string(b), nil
}
