/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package policy

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidExpression marks any condition that falls outside the closed
// rule grammar. The grammar only admits boolean connectives, comparisons,
// membership tests, conditionals, literals, indexing/attribute access, and
// calls to len/any/all/set: there is no other construct to fence off, so the
// parser itself is the validation boundary.
var ErrInvalidExpression = errors.New("invalid policy expression")

var allowedCalls = map[string]struct{}{
	"len": {},
	"any": {},
	"all": {},
	"set": {},
}

// Expr is a parsed rule condition.
type Expr struct {
	root node
}

// ParseCondition parses and statically validates a rule condition. Any
// construct outside the allowed set fails here, before anything executes.
func ParseCondition(condition string) (*Expr, error) {
	tokens, err := lex(condition)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}

	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if !p.atEnd() {
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidExpression, p.peek().text)
	}

	return &Expr{root: root}, nil
}

// Eval evaluates the condition against the environment and coerces the
// outcome to a boolean.
func (e *Expr) Eval(env map[string]any) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, err
	}

	return truthy(v), nil
}

// lexer

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var tokens []token

	i := 0
	for i < len(input) {
		c := input[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			text, next, err := lexString(input, i)
			if err != nil {
				return nil, err
			}

			tokens = append(tokens, token{kind: tokString, text: text})
			i = next
		case c >= '0' && c <= '9':
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}

			tokens = append(tokens, token{kind: tokNumber, text: input[start:i]})
		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentPart(input[i]) {
				i++
			}

			tokens = append(tokens, token{kind: tokIdent, text: input[start:i]})
		default:
			op, next, err := lexOperator(input, i)
			if err != nil {
				return nil, err
			}

			tokens = append(tokens, token{kind: tokOp, text: op})
			i = next
		}
	}

	return append(tokens, token{kind: tokEOF}), nil
}

func lexString(input string, start int) (text string, next int, err error) {
	quote := input[start]

	var sb strings.Builder

	i := start + 1
	for i < len(input) {
		c := input[i]

		switch c {
		case quote:
			return sb.String(), i + 1, nil
		case '\\':
			if i+1 >= len(input) {
				return "", 0, fmt.Errorf("%w: unterminated escape", ErrInvalidExpression)
			}

			i++
			switch input[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(input[i])
			}

			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}

	return "", 0, fmt.Errorf("%w: unterminated string", ErrInvalidExpression)
}

func lexOperator(input string, i int) (op string, next int, err error) {
	two := ""
	if i+1 < len(input) {
		two = input[i : i+2]
	}

	switch two {
	case "==", "!=", "<=", ">=", "&&", "||":
		return two, i + 2, nil
	}

	switch input[i] {
	case '<', '>', '!', '(', ')', '[', ']', '{', '}', ',', ':', '.':
		return string(input[i]), i + 1, nil
	}

	return "", 0, fmt.Errorf("%w: unexpected character %q", ErrInvalidExpression, string(input[i]))
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// parser

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}

	return t
}

func (p *parser) matchOp(text string) bool {
	if p.peek().kind == tokOp && p.peek().text == text {
		p.pos++
		return true
	}

	return false
}

func (p *parser) matchIdent(text string) bool {
	if p.peek().kind == tokIdent && p.peek().text == text {
		p.pos++
		return true
	}

	return false
}

func (p *parser) expectOp(text string) error {
	if !p.matchOp(text) {
		return fmt.Errorf("%w: expected %q, found %q", ErrInvalidExpression, text, p.peek().text)
	}

	return nil
}

// parseExpr handles the conditional form `value if cond else alternative`.
func (p *parser) parseExpr() (node, error) {
	value, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if !p.matchIdent("if") {
		return value, nil
	}

	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if !p.matchIdent("else") {
		return nil, fmt.Errorf("%w: conditional missing else", ErrInvalidExpression)
	}

	alt, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	return &conditionalNode{cond: cond, then: value, alt: alt}, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.matchIdent("or") || p.matchOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &boolNode{op: "or", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.matchIdent("and") || p.matchOp("&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &boolNode{op: "and", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.matchIdent("not") || p.matchOp("!") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return &notNode{operand: operand}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}

	if p.peek().kind == tokOp {
		switch op := p.peek().text; op {
		case "==", "!=", "<", "<=", ">", ">=":
			p.advance()

			right, err := p.parsePostfix()
			if err != nil {
				return nil, err
			}

			return &compareNode{op: op, left: left, right: right}, nil
		}
	}

	if p.matchIdent("in") {
		right, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}

		return &membershipNode{left: left, right: right}, nil
	}

	if p.peek().kind == tokIdent && p.peek().text == "not" &&
		p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == tokIdent && p.tokens[p.pos+1].text == "in" {
		p.pos += 2

		right, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}

		return &notNode{operand: &membershipNode{left: left, right: right}}, nil
	}

	return left, nil
}

func (p *parser) parsePostfix() (node, error) {
	expr, err := p.parseAtom()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.matchOp("["):
			index, err := p.parseExpr()
			if err != nil {
				return nil, err
			}

			if err := p.expectOp("]"); err != nil {
				return nil, err
			}

			expr = &indexNode{target: expr, index: index}
		case p.matchOp("."):
			name := p.advance()
			if name.kind != tokIdent {
				return nil, fmt.Errorf("%w: expected attribute name, found %q", ErrInvalidExpression, name.text)
			}

			expr = &attributeNode{target: expr, name: name.text}
		default:
			return expr, nil
		}
	}
}

func (p *parser) parseAtom() (node, error) {
	t := p.peek()

	switch t.kind {
	case tokNumber:
		p.advance()

		value, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed number %q", ErrInvalidExpression, t.text)
		}

		return &literalNode{value: value}, nil
	case tokString:
		p.advance()
		return &literalNode{value: t.text}, nil
	case tokIdent:
		return p.parseIdentAtom()
	case tokOp:
		switch t.text {
		case "(":
			p.advance()

			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}

			if err := p.expectOp(")"); err != nil {
				return nil, err
			}

			return inner, nil
		case "[":
			return p.parseListLiteral()
		case "{":
			return p.parseMapLiteral()
		}
	case tokEOF:
	}

	return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidExpression, t.text)
}

func (p *parser) parseIdentAtom() (node, error) {
	t := p.advance()

	switch t.text {
	case "true", "True":
		return &literalNode{value: true}, nil
	case "false", "False":
		return &literalNode{value: false}, nil
	case "null", "None":
		return &literalNode{value: nil}, nil
	case "if", "else", "and", "or", "not", "in":
		return nil, fmt.Errorf("%w: unexpected keyword %q", ErrInvalidExpression, t.text)
	}

	if p.peek().kind == tokOp && p.peek().text == "(" {
		if _, ok := allowedCalls[t.text]; !ok {
			return nil, fmt.Errorf("%w: function %q not permitted", ErrInvalidExpression, t.text)
		}

		p.advance()

		var args []node

		if !p.matchOp(")") {
			for {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}

				args = append(args, arg)

				if p.matchOp(")") {
					break
				}

				if err := p.expectOp(","); err != nil {
					return nil, err
				}
			}
		}

		return &callNode{name: t.text, args: args}, nil
	}

	return &variableNode{name: t.text}, nil
}

func (p *parser) parseListLiteral() (node, error) {
	if err := p.expectOp("["); err != nil {
		return nil, err
	}

	var elements []node

	if !p.matchOp("]") {
		for {
			element, err := p.parseExpr()
			if err != nil {
				return nil, err
			}

			elements = append(elements, element)

			if p.matchOp("]") {
				break
			}

			if err := p.expectOp(","); err != nil {
				return nil, err
			}
		}
	}

	return &listNode{elements: elements}, nil
}

func (p *parser) parseMapLiteral() (node, error) {
	if err := p.expectOp("{"); err != nil {
		return nil, err
	}

	var entries []mapEntry

	if !p.matchOp("}") {
		for {
			key, err := p.parseExpr()
			if err != nil {
				return nil, err
			}

			if err := p.expectOp(":"); err != nil {
				return nil, err
			}

			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}

			entries = append(entries, mapEntry{key: key, value: value})

			if p.matchOp("}") {
				break
			}

			if err := p.expectOp(","); err != nil {
				return nil, err
			}
		}
	}

	return &mapNode{entries: entries}, nil
}

// evaluation

type node interface {
	eval(env map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type variableNode struct{ name string }

func (n *variableNode) eval(env map[string]any) (any, error) {
	value, ok := env[n.name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown name %q", ErrInvalidExpression, n.name)
	}

	return value, nil
}

type listNode struct{ elements []node }

func (n *listNode) eval(env map[string]any) (any, error) {
	values := make([]any, 0, len(n.elements))

	for _, element := range n.elements {
		v, err := element.eval(env)
		if err != nil {
			return nil, err
		}

		values = append(values, v)
	}

	return values, nil
}

type mapEntry struct{ key, value node }

type mapNode struct{ entries []mapEntry }

func (n *mapNode) eval(env map[string]any) (any, error) {
	values := make(map[string]any, len(n.entries))

	for _, entry := range n.entries {
		k, err := entry.key.eval(env)
		if err != nil {
			return nil, err
		}

		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map keys must be strings", ErrInvalidExpression)
		}

		v, err := entry.value.eval(env)
		if err != nil {
			return nil, err
		}

		values[key] = v
	}

	return values, nil
}

type boolNode struct {
	op          string
	left, right node
}

func (n *boolNode) eval(env map[string]any) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}

	// Short-circuit like every boolean language does.
	if n.op == "and" && !truthy(left) {
		return left, nil
	}

	if n.op == "or" && truthy(left) {
		return left, nil
	}

	return n.right.eval(env)
}

type notNode struct{ operand node }

func (n *notNode) eval(env map[string]any) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}

	return !truthy(v), nil
}

type conditionalNode struct{ cond, then, alt node }

func (n *conditionalNode) eval(env map[string]any) (any, error) {
	cond, err := n.cond.eval(env)
	if err != nil {
		return nil, err
	}

	if truthy(cond) {
		return n.then.eval(env)
	}

	return n.alt.eval(env)
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(env map[string]any) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}

	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	}

	return orderValues(n.op, left, right)
}

type membershipNode struct{ left, right node }

func (n *membershipNode) eval(env map[string]any) (any, error) {
	needle, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}

	haystack, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	return contains(needle, haystack)
}

type indexNode struct{ target, index node }

func (n *indexNode) eval(env map[string]any) (any, error) {
	target, err := n.target.eval(env)
	if err != nil {
		return nil, err
	}

	index, err := n.index.eval(env)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map index must be a string", ErrInvalidExpression)
		}

		return t[key], nil
	case []any:
		f, ok := toNumber(index)
		if !ok {
			return nil, fmt.Errorf("%w: list index must be a number", ErrInvalidExpression)
		}

		i := int(f)
		if i < 0 || i >= len(t) {
			return nil, fmt.Errorf("%w: list index out of range", ErrInvalidExpression)
		}

		return t[i], nil
	default:
		return nil, fmt.Errorf("%w: value is not indexable", ErrInvalidExpression)
	}
}

type attributeNode struct {
	target node
	name   string
}

// Attribute access is map lookup: `arguments.partition` reads the
// "partition" key. Missing keys yield nil rather than an error so rules can
// probe optional arguments.
func (n *attributeNode) eval(env map[string]any) (any, error) {
	target, err := n.target.eval(env)
	if err != nil {
		return nil, err
	}

	m, ok := target.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: attribute access on non-map value", ErrInvalidExpression)
	}

	return m[n.name], nil
}

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(env map[string]any) (any, error) {
	values := make([]any, 0, len(n.args))

	for _, arg := range n.args {
		v, err := arg.eval(env)
		if err != nil {
			return nil, err
		}

		values = append(values, v)
	}

	if len(values) != 1 {
		return nil, fmt.Errorf("%w: %s takes exactly one argument", ErrInvalidExpression, n.name)
	}

	switch n.name {
	case "len":
		return evalLen(values[0])
	case "any":
		return evalAnyAll(n.name, values[0])
	case "all":
		return evalAnyAll(n.name, values[0])
	case "set":
		return evalSet(values[0])
	}

	return nil, fmt.Errorf("%w: function %q not permitted", ErrInvalidExpression, n.name)
}

// setValue is the closed set type produced by set(...). Keys are normalized
// literals.
type setValue map[any]struct{}

func evalLen(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	case setValue:
		return float64(len(t)), nil
	default:
		return nil, fmt.Errorf("%w: len of unsized value", ErrInvalidExpression)
	}
}

func evalAnyAll(name string, v any) (any, error) {
	items, err := iterate(v)
	if err != nil {
		return nil, err
	}

	if name == "any" {
		for _, item := range items {
			if truthy(item) {
				return true, nil
			}
		}

		return false, nil
	}

	for _, item := range items {
		if !truthy(item) {
			return false, nil
		}
	}

	return true, nil
}

func evalSet(v any) (any, error) {
	items, err := iterate(v)
	if err != nil {
		return nil, err
	}

	s := make(setValue, len(items))

	for _, item := range items {
		key, ok := normalizeKey(item)
		if !ok {
			return nil, fmt.Errorf("%w: unhashable set element", ErrInvalidExpression)
		}

		s[key] = struct{}{}
	}

	return s, nil
}

func iterate(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case setValue:
		items := make([]any, 0, len(t))
		for k := range t {
			items = append(items, k)
		}

		return items, nil
	case map[string]any:
		items := make([]any, 0, len(t))
		for k := range t {
			items = append(items, k)
		}

		return items, nil
	case string:
		items := make([]any, 0, len(t))
		for _, r := range t {
			items = append(items, string(r))
		}

		return items, nil
	default:
		return nil, fmt.Errorf("%w: value is not iterable", ErrInvalidExpression)
	}
}

func contains(needle, haystack any) (bool, error) {
	switch t := haystack.(type) {
	case []any:
		for _, item := range t {
			if equalValues(needle, item) {
				return true, nil
			}
		}

		return false, nil
	case setValue:
		key, ok := normalizeKey(needle)
		if !ok {
			return false, nil
		}

		_, found := t[key]

		return found, nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, nil
		}

		_, found := t[key]

		return found, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("%w: substring test requires a string", ErrInvalidExpression)
		}

		return strings.Contains(t, s), nil
	default:
		return false, fmt.Errorf("%w: value does not support membership tests", ErrInvalidExpression)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case setValue:
		return len(t) > 0
	default:
		if f, ok := toNumber(v); ok {
			return f != 0
		}

		return true
	}
}

func equalValues(a, b any) bool {
	if fa, ok := toNumber(a); ok {
		if fb, ok := toNumber(b); ok {
			return fa == fb
		}

		return false
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}

	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}

	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return reflect.DeepEqual(a, b)
}

func orderValues(op string, a, b any) (bool, error) {
	if fa, ok := toNumber(a); ok {
		fb, ok := toNumber(b)
		if !ok {
			return false, fmt.Errorf("%w: cannot order number against non-number", ErrInvalidExpression)
		}

		return applyOrder(op, compareFloat(fa, fb)), nil
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("%w: cannot order string against non-string", ErrInvalidExpression)
		}

		return applyOrder(op, strings.Compare(sa, sb)), nil
	}

	return false, fmt.Errorf("%w: values are not orderable", ErrInvalidExpression)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

func normalizeKey(v any) (any, bool) {
	if f, ok := toNumber(v); ok {
		return f, true
	}

	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return t, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}
