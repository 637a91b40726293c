// Package condition evaluates branch conditions. The language is
// deliberately small: boolean/arithmetic comparisons over the execution
// context, with &&, || and ! combinators. It is not a general-purpose
// expression language and never evaluates code.
//
// Identifiers are dotted paths (s1.output.count) resolved against the
// execution context; a path that does not exist resolves to nil.
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/Jeffail/gabs/v2"
)

// ErrEmptyCondition is returned when the expression is blank.
var ErrEmptyCondition = errors.New("condition expression is empty")

// Evaluate parses and evaluates expr against data, coercing the result to
// a boolean. Numbers are truthy when non-zero, strings when they parse as
// a true boolean, nil is false. Evaluate never panics: any runtime panic
// while evaluating comes back as an evaluation error.
func Evaluate(expr string, data map[string]any) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = false
			err = fmt.Errorf("condition evaluation failed: %v", r)
		}
	}()

	if strings.TrimSpace(expr) == "" {
		return false, ErrEmptyCondition
	}

	tokens, err := lex(expr)
	if err != nil {
		return false, err
	}

	p := &parser{tokens: tokens, data: data}

	value, err := p.parseOr()
	if err != nil {
		return false, err
	}

	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("unexpected token %q", p.tokens[p.pos].text)
	}

	return toBool(value)
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenString
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var tokens []token

	runes := []rune(input)
	i := 0

	for i < len(runes) {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokenLParen, "("})
			i++
		case r == ')':
			tokens = append(tokens, token{tokenRParen, ")"})
			i++
		case r == '\'' || r == '"':
			quote := r
			j := i + 1

			for j < len(runes) && runes[j] != quote {
				j++
			}

			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string starting at offset %d", i)
			}

			tokens = append(tokens, token{tokenString, string(runes[i+1 : j])})
			i = j + 1
		case strings.ContainsRune("=!<>&|+-*/%", r):
			j := i + 1
			if j < len(runes) && isTwoCharOp(string(runes[i:j+1])) {
				j++
			}

			op := string(runes[i:j])
			if !isOperator(op) {
				return nil, fmt.Errorf("unknown operator %q", op)
			}

			tokens = append(tokens, token{tokenOp, op})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{tokenNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) ||
				runes[j] == '_' || runes[j] == '-' || runes[j] == '.') {
				j++
			}

			tokens = append(tokens, token{tokenIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}

	return tokens, nil
}

func isTwoCharOp(s string) bool {
	switch s {
	case "==", "!=", "<=", ">=", "&&", "||":
		return true
	default:
		return false
	}
}

func isOperator(s string) bool {
	switch s {
	case "==", "!=", "<", "<=", ">", ">=", "&&", "||", "!", "+", "-", "*", "/", "%":
		return true
	default:
		return false
	}
}

// parser is a recursive-descent parser evaluating as it goes. Grammar:
//
//	or      := and ("||" and)*
//	and     := not ("&&" not)*
//	not     := "!"* comparison
//	compare := sum (("=="|"!="|"<"|"<="|">"|">=") sum)?
//	sum     := product (("+"|"-") product)*
//	product := unary (("*"|"/"|"%") unary)*
//	unary   := "-"? primary
//	primary := number | string | true | false | null | path | "(" or ")"
type parser struct {
	tokens []token
	pos    int
	data   map[string]any
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}

	return p.tokens[p.pos], true
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	tok, ok := p.peek()
	if !ok || tok.kind != tokenOp {
		return "", false
	}

	for _, op := range ops {
		if tok.text == op {
			p.pos++

			return op, true
		}
	}

	return "", false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		lb, err := toBool(left)
		if err != nil {
			return nil, err
		}

		rb, err := toBool(right)
		if err != nil {
			return nil, err
		}

		left = lb || rb
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		lb, err := toBool(left)
		if err != nil {
			return nil, err
		}

		rb, err := toBool(right)
		if err != nil {
			return nil, err
		}

		left = lb && rb
	}
}

func (p *parser) parseNot() (any, error) {
	if _, ok := p.acceptOp("!"); ok {
		value, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		b, err := toBool(value)
		if err != nil {
			return nil, err
		}

		return !b, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}

	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}

	right, err := p.parseSum()
	if err != nil {
		return nil, err
	}

	return compare(op, left, right)
}

func (p *parser) parseSum() (any, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}

		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}

		left, err = arithmetic(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseProduct() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left, err = arithmetic(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseUnary() (any, error) {
	if _, ok := p.acceptOp("-"); ok {
		value, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}

		num, ok := toNumber(value)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", value)
		}

		return -num, nil
	}

	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, errors.New("unexpected end of expression")
	}

	switch tok.kind {
	case tokenNumber:
		p.pos++

		num, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", tok.text, err)
		}

		return num, nil
	case tokenString:
		p.pos++

		return tok.text, nil
	case tokenIdent:
		p.pos++

		switch tok.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil":
			return nil, nil
		}

		return p.resolvePath(tok.text), nil
	case tokenLParen:
		p.pos++

		value, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if tok, ok := p.peek(); !ok || tok.kind != tokenRParen {
			return nil, errors.New("missing closing parenthesis")
		}

		p.pos++

		return value, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

func (p *parser) resolvePath(path string) any {
	container := gabs.Wrap(p.data)

	value := container.Path(path)
	if value == nil {
		return nil
	}

	return value.Data()
}

func compare(op string, left, right any) (any, error) {
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)

	if lok && rok {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)

	if lok && rok {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	// Mixed or non-ordered types only support (in)equality.
	switch op {
	case "==":
		eq, err := equal(left, right)
		if err != nil {
			return nil, err
		}

		return eq, nil
	case "!=":
		eq, err := equal(left, right)
		if err != nil {
			return nil, err
		}

		return !eq, nil
	default:
		return nil, fmt.Errorf("operator %q not defined for %T and %T", op, left, right)
	}
}

func arithmetic(op string, left, right any) (any, error) {
	if op == "+" {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)

	if !lok || !rok {
		return nil, fmt.Errorf("operator %q requires numbers, got %T and %T", op, left, right)
	}

	switch op {
	case "+":
		return ln + rn, nil
	case "-":
		return ln - rn, nil
	case "*":
		return ln * rn, nil
	case "/":
		if rn == 0 {
			return nil, errors.New("division by zero")
		}

		return ln / rn, nil
	case "%":
		if rn == 0 {
			return nil, errors.New("division by zero")
		}

		return float64(int64(ln) % int64(rn)), nil
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

// equal compares two resolved values. Maps, slices and other uncomparable
// types produce an evaluation error instead of a runtime panic.
func equal(left, right any) (bool, error) {
	if ln, ok := toNumber(left); ok {
		if rn, ok := toNumber(right); ok {
			return ln == rn, nil
		}
	}

	if !isComparable(left) || !isComparable(right) {
		return false, fmt.Errorf("cannot compare %T and %T for equality", left, right)
	}

	return left == right, nil
}

func isComparable(value any) bool {
	if value == nil {
		return true
	}

	return reflect.TypeOf(value).Comparable()
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		if v == "" {
			return false, nil
		}

		result, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert string %q to boolean: %w", v, err)
		}

		return result, nil
	default:
		if num, ok := toNumber(value); ok {
			return num != 0, nil
		}

		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}
