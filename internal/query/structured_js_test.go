package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/squirreldb/squirreldb/internal/jsrun"
)

func parseFilter(t *testing.T, raw string) *StructuredFilter {
	t.Helper()

	var f StructuredFilter
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	return &f
}

func evalJS(t *testing.T, src string, row map[string]any) bool {
	t.Helper()

	pool := jsrun.NewPool(1)
	ok, err := pool.EvalBool("("+src+")(__row)", map[string]any{"__row": row})
	require.NoError(t, err)

	return ok
}

func TestStructuredFilterToJSLeafComparison(t *testing.T) {
	f := parseFilter(t, `{"age":{"gt":30}}`)

	src, err := structuredFilterToJS(f)
	require.NoError(t, err)

	require.True(t, evalJS(t, src, map[string]any{"age": float64(40)}))
	require.False(t, evalJS(t, src, map[string]any{"age": float64(20)}))
}

func TestStructuredFilterToJSBareEquality(t *testing.T) {
	f := parseFilter(t, `{"status":"active"}`)

	src, err := structuredFilterToJS(f)
	require.NoError(t, err)

	require.True(t, evalJS(t, src, map[string]any{"status": "active"}))
	require.False(t, evalJS(t, src, map[string]any{"status": "inactive"}))
}

func TestStructuredFilterToJSAndOr(t *testing.T) {
	f := parseFilter(t, `{"and":[{"age":{"gte":18}},{"or":[{"vip":true},{"age":{"gt":65}}]}]}`)

	src, err := structuredFilterToJS(f)
	require.NoError(t, err)

	require.True(t, evalJS(t, src, map[string]any{"age": float64(20), "vip": true}))
	require.False(t, evalJS(t, src, map[string]any{"age": float64(20), "vip": false}))
	require.True(t, evalJS(t, src, map[string]any{"age": float64(70), "vip": false}))
}

func TestStructuredFilterToJSNot(t *testing.T) {
	f := parseFilter(t, `{"not":{"active":true}}`)

	src, err := structuredFilterToJS(f)
	require.NoError(t, err)

	require.False(t, evalJS(t, src, map[string]any{"active": true}))
	require.True(t, evalJS(t, src, map[string]any{"active": false}))
}

func TestStructuredFilterToJSInNin(t *testing.T) {
	f := parseFilter(t, `{"role":{"in":["admin","editor"]}}`)

	src, err := structuredFilterToJS(f)
	require.NoError(t, err)

	require.True(t, evalJS(t, src, map[string]any{"role": "admin"}))
	require.False(t, evalJS(t, src, map[string]any{"role": "viewer"}))
}

func TestStructuredFilterToJSExists(t *testing.T) {
	f := parseFilter(t, `{"nickname":{"exists":false}}`)

	src, err := structuredFilterToJS(f)
	require.NoError(t, err)

	require.True(t, evalJS(t, src, map[string]any{}))
	require.False(t, evalJS(t, src, map[string]any{"nickname": "bob"}))
}

func TestStructuredFilterToJSStringOps(t *testing.T) {
	f := parseFilter(t, `{"name":{"startsWith":"Sq"}}`)

	src, err := structuredFilterToJS(f)
	require.NoError(t, err)

	require.True(t, evalJS(t, src, map[string]any{"name": "SquirrelDB"}))
	require.False(t, evalJS(t, src, map[string]any{"name": "Postgres"}))
}

func TestStructuredFilterToJSRejectsInvalidField(t *testing.T) {
	f := &StructuredFilter{Kind: LogicalLeaf, Fields: map[string]Condition{
		"bad name!": {Op: OpEq, Value: "x"},
	}}

	_, err := structuredFilterToJS(f)
	require.Error(t, err)
}

func TestToQuerySpecPopulatesBothSQLAndJS(t *testing.T) {
	sq := StructuredQuery{Table: "widgets", Filter: parseFilter(t, `{"age":{"gt":30}}`)}

	spec, err := sq.ToQuerySpec(Postgres)
	require.NoError(t, err)
	require.NotNil(t, spec.Filter.CompiledSQL)
	require.NotEmpty(t, spec.Filter.JSCode, "structured filters must carry runnable JS for in-process subscription re-matching")

	require.True(t, evalJS(t, spec.Filter.JSCode, map[string]any{"age": float64(40)}))
}
