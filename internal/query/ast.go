package query

// ast.go defines the small expression tree the arrow-function compiler
// lowers `param => expr` source into, before attempting SQL compilation.

type nodeKind int

const (
	nodeField nodeKind = iota
	nodeLiteral
	nodeBinary
	nodeNot
	nodeMethodCall
	nodeLength
	nodeMetaField // $id / $created_at / $updated_at — never SQL-compilable
)

type node struct {
	kind   nodeKind
	path   []string // nodeField, nodeLength, nodeMetaField
	lit    any      // nodeLiteral
	op     string   // nodeBinary: "&&" "||" "===" "!==" "==" "!=" ">" "<" ">=" "<="
	left   *node
	right  *node
	operand *node // nodeNot
	method string  // nodeMethodCall
	recv   *node
	args   []*node
}
