package query

import "fmt"

// parser is a small recursive-descent parser for the `param => expr`
// predicate grammar of spec §4.2. It never partially trusts its input: any
// construct it can't represent returns an error, which the caller turns
// into a JS-fallback rather than a hard failure.
type parser struct {
	toks  []token
	pos   int
	param string
}

// parseArrow parses `param => expr` and returns the parameter name plus the
// parsed expression AST.
func parseArrow(src string) (string, *node, error) {
	toks, err := lex(src)
	if err != nil {
		return "", nil, err
	}

	p := &parser{toks: toks}

	if p.cur().kind != tokIdent {
		return "", nil, fmt.Errorf("query: expected parameter name")
	}

	param := p.cur().val
	p.pos++
	p.param = param

	if !p.eatPunct("=>") {
		return "", nil, fmt.Errorf("query: expected '=>'")
	}

	expr, err := p.parseOr()
	if err != nil {
		return "", nil, err
	}

	if p.cur().kind != tokEOF {
		return "", nil, fmt.Errorf("query: unexpected trailing input")
	}

	return param, expr, nil
}

func (p *parser) cur() token { return p.toks[p.pos] }

func (p *parser) eatPunct(v string) bool {
	if p.cur().kind == tokPunct && p.cur().val == v {
		p.pos++
		return true
	}

	return false
}

func (p *parser) parseOr() (*node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.eatPunct("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &node{kind: nodeBinary, op: "||", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (*node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.eatPunct("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = &node{kind: nodeBinary, op: "&&", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseUnary() (*node, error) {
	if p.eatPunct("!") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &node{kind: nodeNot, operand: operand}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (*node, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}

	ops := []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<"}
	for _, op := range ops {
		if p.cur().kind == tokPunct && p.cur().val == op {
			p.pos++

			right, err := p.parsePostfix()
			if err != nil {
				return nil, err
			}

			return &node{kind: nodeBinary, op: op, left: left, right: right}, nil
		}
	}

	return left, nil
}

// parsePostfix parses a primary expression followed by any number of
// `.field` or `.method(args)` suffixes.
func (p *parser) parsePostfix() (*node, error) {
	cur, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for p.eatPunct(".") {
		if p.cur().kind != tokIdent {
			return nil, fmt.Errorf("query: expected identifier after '.'")
		}

		name := p.cur().val
		p.pos++

		if p.eatPunct("(") {
			var args []*node

			for p.cur().kind != tokPunct || p.cur().val != ")" {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}

				args = append(args, arg)

				if !p.eatPunct(",") {
					break
				}
			}

			if !p.eatPunct(")") {
				return nil, fmt.Errorf("query: expected ')'")
			}

			cur = &node{kind: nodeMethodCall, recv: cur, method: name, args: args}

			continue
		}

		if name == "length" {
			cur = &node{kind: nodeLength, path: appendPath(cur)}
			continue
		}

		cur = appendField(cur, name)
	}

	return cur, nil
}

func appendPath(n *node) []string {
	if n.kind == nodeField {
		return n.path
	}

	return nil
}

func appendField(n *node, name string) *node {
	if len(name) > 0 && name[0] == '$' {
		return &node{kind: nodeMetaField, path: []string{name}}
	}

	switch n.kind {
	case nodeField:
		return &node{kind: nodeField, path: append(append([]string{}, n.path...), name)}
	case nodeMetaField:
		return &node{kind: nodeMetaField, path: append(append([]string{}, n.path...), name)}
	default:
		return &node{kind: nodeField, path: []string{name}}
	}
}

func (p *parser) parsePrimary() (*node, error) {
	t := p.cur()

	switch t.kind {
	case tokNumber:
		p.pos++
		return &node{kind: nodeLiteral, lit: t.num}, nil

	case tokString:
		p.pos++
		return &node{kind: nodeLiteral, lit: t.val}, nil

	case tokIdent:
		switch t.val {
		case "true":
			p.pos++
			return &node{kind: nodeLiteral, lit: true}, nil
		case "false":
			p.pos++
			return &node{kind: nodeLiteral, lit: false}, nil
		case "null":
			p.pos++
			return &node{kind: nodeLiteral, lit: nil}, nil
		}

		p.pos++

		if t.val == p.param {
			return &node{kind: nodeField, path: nil}, nil
		}

		// A bare identifier that isn't the bound parameter can't be
		// resolved statically; reject it so the caller falls back to JS
		// rather than misinterpreting scope.
		return nil, fmt.Errorf("query: unresolved identifier %q", t.val)

	case tokPunct:
		if t.val == "(" {
			p.pos++

			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			if !p.eatPunct(")") {
				return nil, fmt.Errorf("query: expected ')'")
			}

			return inner, nil
		}
	}

	return nil, fmt.Errorf("query: unexpected token %q", t.val)
}
