package filter

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
)

// Parse parses predicate text into a condition tree. An empty or
// blank input is rejected: every predicate must constrain at least one
// column, so unconditional retrieval cannot be expressed.
func Parse(input string) (*Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errors.ErrPredicateRequired
	}

	p := &parser{input: input}
	p.next()

	node, err := p.parseOr()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidPredicate, err.Error())
	}
	if p.tok.kind != tokenEOF {
		return nil, errors.Wrapf(errors.ErrInvalidPredicate,
			"unexpected %q at position %d", p.tok.text, p.tok.pos)
	}
	return node, nil
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenString
	tokenNumber
	tokenOp // = != <> < <= > >=
	tokenLParen
	tokenRParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type parser struct {
	input string
	pos   int
	tok   token
}

// next advances to the next token.
func (p *parser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	start := p.pos

	if p.pos >= len(p.input) {
		p.tok = token{kind: tokenEOF, pos: start}
		return
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokenLParen, text: "(", pos: start}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokenRParen, text: ")", pos: start}
	case c == ',':
		p.pos++
		p.tok = token{kind: tokenComma, text: ",", pos: start}
	case c == '\'':
		p.pos++
		var b strings.Builder
		for {
			if p.pos >= len(p.input) {
				p.tok = token{kind: tokenEOF, text: "unterminated string", pos: start}
				return
			}
			if p.input[p.pos] == '\'' {
				// Doubled quote is an escaped quote.
				if p.pos+1 < len(p.input) && p.input[p.pos+1] == '\'' {
					b.WriteByte('\'')
					p.pos += 2
					continue
				}
				p.pos++
				break
			}
			b.WriteByte(p.input[p.pos])
			p.pos++
		}
		p.tok = token{kind: tokenString, text: b.String(), pos: start}
	case c == '=' || c == '!' || c == '<' || c == '>':
		op := string(c)
		p.pos++
		if p.pos < len(p.input) {
			two := op + string(p.input[p.pos])
			switch two {
			case "!=", "<=", ">=", "<>":
				op = two
				p.pos++
			}
		}
		p.tok = token{kind: tokenOp, text: op, pos: start}
	case c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.':
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' ||
			p.input[p.pos] == '.' || p.input[p.pos] == '-' || p.input[p.pos] == '+') {
			p.pos++
		}
		p.tok = token{kind: tokenNumber, text: p.input[start:p.pos], pos: start}
	case isIdentStart(c):
		for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokenIdent, text: p.input[start:p.pos], pos: start}
	default:
		p.tok = token{kind: tokenEOF, text: fmt.Sprintf("invalid character %q", c), pos: start}
		p.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// keyword reports whether the current token is the given bare word,
// case-insensitively.
func (p *parser) keyword(word string) bool {
	return p.tok.kind == tokenIdent && strings.EqualFold(p.tok.text, word)
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	children := []*Node{left}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}

	if len(children) == 1 {
		return left, nil
	}
	return Or(children...), nil
}

func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	children := []*Node{left}
	for p.keyword("AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}

	if len(children) == 1 {
		return left, nil
	}
	return And(children...), nil
}

func (p *parser) parseUnary() (*Node, error) {
	if p.keyword("NOT") {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Node, error) {
	if p.tok.kind == tokenLParen {
		p.next()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokenRParen {
			return nil, fmt.Errorf("expected ')' at position %d", p.tok.pos)
		}
		p.next()
		return node, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (*Node, error) {
	if p.tok.kind != tokenIdent {
		return nil, fmt.Errorf("expected column name at position %d, got %q", p.tok.pos, p.tok.text)
	}
	// AND/OR/NOT in column position means a malformed expression.
	if p.keyword("AND") || p.keyword("OR") || p.keyword("NOT") || p.keyword("BETWEEN") || p.keyword("IN") {
		return nil, fmt.Errorf("expected column name at position %d, got %q", p.tok.pos, p.tok.text)
	}
	field := strings.ToLower(p.tok.text)
	p.next()

	switch {
	case p.keyword("BETWEEN"):
		p.next()
		lo, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("expected AND in BETWEEN at position %d", p.tok.pos)
		}
		p.next()
		hi, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return Between(field, lo, hi), nil

	case p.keyword("IN"):
		p.next()
		if p.tok.kind != tokenLParen {
			return nil, fmt.Errorf("expected '(' after IN at position %d", p.tok.pos)
		}
		p.next()
		var values []Value
		for {
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.tok.kind == tokenComma {
				p.next()
				continue
			}
			break
		}
		if p.tok.kind != tokenRParen {
			return nil, fmt.Errorf("expected ')' after IN list at position %d", p.tok.pos)
		}
		p.next()
		return In(field, values...), nil

	case p.tok.kind == tokenOp:
		opText := p.tok.text
		if opText == "<>" {
			opText = "!="
		}
		p.next()
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return Compare(field, Operator(opText), value), nil

	default:
		return nil, fmt.Errorf("expected operator after %q at position %d", field, p.tok.pos)
	}
}

func (p *parser) parseLiteral() (Value, error) {
	switch p.tok.kind {
	case tokenString:
		v := Value{Text: p.tok.text, Quoted: true}
		p.next()
		return v, nil
	case tokenNumber:
		v := Value{Text: p.tok.text}
		p.next()
		return v, nil
	default:
		return Value{}, fmt.Errorf("expected literal at position %d, got %q", p.tok.pos, p.tok.text)
	}
}
