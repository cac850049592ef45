package query

// Dialect names the target SQL dialect a predicate compiles against.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// jsonAccessor returns the SQL expression that reaches a (possibly nested)
// field inside the `data` JSON column, per spec §4.2:
//   Postgres: data->'a'->>'b'
//   SQLite:   json_extract(data,'$.a.b')
func jsonAccessor(dialect Dialect, path []string) string {
	switch dialect {
	case Postgres:
		expr := "data"
		for i, p := range path {
			if i == len(path)-1 {
				expr += "->>'" + p + "'"
			} else {
				expr += "->'" + p + "'"
			}
		}

		return expr
	default: // SQLite
		return "json_extract(data,'$." + joinDots(path) + "')"
	}
}

// jsonAccessorNumeric returns an accessor for numeric comparison rather
// than the default text extraction.
func jsonAccessorNumeric(dialect Dialect, path []string) string {
	switch dialect {
	case Postgres:
		expr := "data"
		for _, p := range path {
			expr += "->'" + p + "'"
		}

		return "(" + expr + ")::numeric"
	default:
		return "json_extract(data,'$." + joinDots(path) + "')"
	}
}

// lengthAccessor returns a SQL expression yielding the character length of
// a field's text value, backing `.length <op> n` predicates.
func lengthAccessor(dialect Dialect, path []string) string {
	return "length(" + jsonAccessor(dialect, path) + ")"
}

func joinDots(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}

		out += p
	}

	return out
}
