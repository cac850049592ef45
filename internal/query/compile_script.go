package query

import (
	"fmt"

	"github.com/squirreldb/squirreldb/internal/backend"
)

// compileArrowPredicate attempts to lower `param => expr` predicate source
// into parameterized SQL. On any construct it can't represent — including a
// reference to a metadata field ($id/$created_at/$updated_at), which spec
// §3 says the compiler must refuse — it returns a FilterSpec with
// CompiledSQL left nil so the caller falls back to the JS evaluator. This
// function never errors: an uncompilable predicate is not a failure, it's
// the documented fallback path.
//
// The emitted SQL always uses "?" placeholders, regardless of dialect:
// CompiledSQL.Where is a fragment meant to be composed into a larger
// backend-specific statement, and only the statement's final assembly
// point knows the full placeholder sequence to renumber against (the
// Postgres backend does this with squirrel's Dollar formatter; SQLite
// consumes "?" as-is).
func compileArrowPredicate(src string, dialect Dialect) *backend.FilterSpec {
	spec := &backend.FilterSpec{JSCode: src}

	_, ast, err := parseArrow(src)
	if err != nil {
		return spec
	}

	sql, args, ok := compileNode(ast, dialect, true)
	if !ok {
		return spec
	}

	spec.CompiledSQL = &backend.CompiledSQL{Where: sql, Args: args}

	return spec
}

// compileNode lowers one AST node. boolCtx is true when the node's value is
// itself being used as the WHERE predicate's truthiness (top level, or a
// child of && / || / !), which is what makes `u => u.active` compile to
// `... = true` rather than requiring an explicit comparison.
func compileNode(n *node, dialect Dialect, boolCtx bool) (string, []any, bool) {
	switch n.kind {
	case nodeMetaField:
		return "", nil, false

	case nodeBinary:
		switch n.op {
		case "&&", "||":
			lsql, largs, ok := compileNode(n.left, dialect, true)
			if !ok {
				return "", nil, false
			}

			rsql, rargs, ok := compileNode(n.right, dialect, true)
			if !ok {
				return "", nil, false
			}

			joiner := " AND "
			if n.op == "||" {
				joiner = " OR "
			}

			return "(" + lsql + joiner + rsql + ")", append(largs, rargs...), true
		default:
			return compileComparison(n, dialect)
		}

	case nodeNot:
		sql, args, ok := compileNode(n.operand, dialect, true)
		if !ok {
			return "", nil, false
		}

		return "NOT (" + sql + ")", args, true

	case nodeField:
		if !boolCtx || len(n.path) == 0 {
			return "", nil, false
		}

		for _, p := range n.path {
			if !backend.ValidIdentifier(p) {
				return "", nil, false
			}
		}

		return jsonAccessor(dialect, n.path) + " = ?", []any{"true"}, true

	case nodeMethodCall:
		return compileMethodCall(n, dialect, boolCtx)

	default:
		return "", nil, false
	}
}

func compileComparison(n *node, dialect Dialect) (string, []any, bool) {
	fieldNode, litNode, swapped := n.left, n.right, false
	if fieldNode.kind != nodeField && fieldNode.kind != nodeLength {
		fieldNode, litNode, swapped = n.right, n.left, true
	}

	if (fieldNode.kind != nodeField && fieldNode.kind != nodeLength) || litNode.kind != nodeLiteral {
		return "", nil, false
	}

	for _, p := range fieldNode.path {
		if !backend.ValidIdentifier(p) {
			return "", nil, false
		}
	}

	op := n.op
	if swapped {
		op = flipOp(op)
	}

	isNumeric := fieldNode.kind == nodeLength
	switch litNode.lit.(type) {
	case float64:
		isNumeric = true
	}

	var accessor string
	switch {
	case fieldNode.kind == nodeLength:
		accessor = lengthAccessor(dialect, fieldNode.path)
	case isNumeric:
		accessor = jsonAccessorNumeric(dialect, fieldNode.path)
	default:
		accessor = jsonAccessor(dialect, fieldNode.path)
	}

	sqlOp, ok := compOpToSQL(op)
	if !ok {
		return "", nil, false
	}

	val := litNode.lit
	if b, isBool := val.(bool); isBool {
		val = fmt.Sprintf("%v", b)
	}

	return accessor + " " + sqlOp + " ?", []any{val}, true
}

func flipOp(op string) string {
	switch op {
	case ">":
		return "<"
	case "<":
		return ">"
	case ">=":
		return "<="
	case "<=":
		return ">="
	default:
		return op
	}
}

func compOpToSQL(op string) (string, bool) {
	switch op {
	case "===", "==":
		return "=", true
	case "!==", "!=":
		return "!=", true
	case ">", "<", ">=", "<=":
		return op, true
	default:
		return "", false
	}
}

func compileMethodCall(n *node, dialect Dialect, boolCtx bool) (string, []any, bool) {
	if !boolCtx {
		return "", nil, false
	}

	if n.recv == nil || n.recv.kind != nodeField {
		return "", nil, false
	}

	for _, p := range n.recv.path {
		if !backend.ValidIdentifier(p) {
			return "", nil, false
		}
	}

	accessor := jsonAccessor(dialect, n.recv.path)

	switch n.method {
	case "includes":
		if len(n.args) != 1 || n.args[0].kind != nodeLiteral {
			return "", nil, false
		}

		val := fmt.Sprint(n.args[0].lit)

		return accessor + " LIKE ?", []any{"%" + escapeLike(val) + "%"}, true

	case "startsWith":
		if len(n.args) != 1 || n.args[0].kind != nodeLiteral {
			return "", nil, false
		}

		return accessor + " LIKE ?", []any{escapeLike(fmt.Sprint(n.args[0].lit)) + "%"}, true

	case "endsWith":
		if len(n.args) != 1 || n.args[0].kind != nodeLiteral {
			return "", nil, false
		}

		return accessor + " LIKE ?", []any{"%" + escapeLike(fmt.Sprint(n.args[0].lit))}, true

	case "contains":
		if len(n.args) != 1 || n.args[0].kind != nodeLiteral {
			return "", nil, false
		}

		return accessor + " LIKE ?", []any{"%" + escapeLike(fmt.Sprint(n.args[0].lit)) + "%"}, true

	default:
		return "", nil, false
	}
}
