package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// SyntaxError reports where a filter expression stopped making sense.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("filter syntax error at %d: %s", e.Pos, e.Msg)
}

const (
	// MaxExpressionLength bounds the filter text Parse accepts, in bytes.
	MaxExpressionLength = 64 << 10
	// MaxDepth bounds how deeply parentheses and "not" may nest.
	MaxDepth = 256
)

// Parse compiles a textual filter expression:
//
//	expr       = term { "or" term }
//	term       = factor { "and" factor }
//	factor     = "not" factor | "(" expr ")" | "*" | "none" | comparison
//	comparison = field ( "=" | "contains" | "startswith" | "matches" ) value
//	value      = quoted string | bare word
//
// An empty expression matches everything. Parse never fails; a malformed
// expression yields an invalid filter whose Err describes the problem.
func Parse(expr string) Filter {
	if strings.TrimSpace(expr) == "" {
		return All()
	}
	if len(expr) > MaxExpressionLength {
		return Invalid(&SyntaxError{Pos: MaxExpressionLength, Msg: "expression too long"})
	}
	toks, err := lex(expr)
	if err != nil {
		return Invalid(err)
	}
	p := &parser{toks: toks}
	f := p.expr()
	if p.err != nil {
		return Invalid(p.err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return Invalid(&SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)})
	}
	return f
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokWord
	tokString
	tokOp
	tokLParen
	tokRParen
	tokStar
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '*':
			toks = append(toks, token{tokStar, "*", i})
			i++
		case c == '=' || c == '~' || c == '^':
			j := i + 1
			if c == '=' && j < len(s) && s[j] == '=' {
				j++
			}
			toks = append(toks, token{tokOp, s[i:j], i})
			i = j
		case c == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return nil, &SyntaxError{Pos: i, Msg: "unterminated string"}
			}
			v, err := strconv.Unquote(s[i : j+1])
			if err != nil {
				return nil, &SyntaxError{Pos: i, Msg: "bad string literal"}
			}
			toks = append(toks, token{tokString, v, i})
			i = j + 1
		default:
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			if j == i {
				return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
			}
			toks = append(toks, token{tokWord, s[i:j], i})
			i = j
		}
	}
	return append(toks, token{tokEOF, "", len(s)}), nil
}

func isWordByte(c byte) bool {
	if c >= 0x80 {
		return true
	}
	r := rune(c)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_-+.@#:/", r)
}

type parser struct {
	toks  []token
	pos   int
	depth int
	err   error
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokWord && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) fail(t token, format string, args ...any) Filter {
	if p.err == nil {
		p.err = &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
	}
	return Invalid(p.err)
}

func (p *parser) expr() Filter {
	terms := []Filter{p.term()}
	for p.err == nil && p.keyword("or") {
		terms = append(terms, p.term())
	}
	return Or(terms...)
}

func (p *parser) term() Filter {
	factors := []Filter{p.factor()}
	for p.err == nil && p.keyword("and") {
		factors = append(factors, p.factor())
	}
	return And(factors...)
}

func (p *parser) factor() Filter {
	if p.err != nil {
		return Invalid(p.err)
	}
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > MaxDepth {
		return p.fail(p.peek(), "expression nested too deeply")
	}
	if p.keyword("not") {
		return Not(p.factor())
	}
	if p.keyword("none") {
		return None()
	}

	t := p.next()
	switch t.kind {
	case tokStar:
		return All()
	case tokLParen:
		f := p.expr()
		if p.err != nil {
			return f
		}
		if closing := p.next(); closing.kind != tokRParen {
			return p.fail(closing, "expected ')'")
		}
		return f
	case tokWord:
		return p.comparison(t)
	case tokEOF:
		return p.fail(t, "unexpected end of expression")
	}
	return p.fail(t, "unexpected %q", t.text)
}

func (p *parser) comparison(fieldTok token) Filter {
	if _, ok := ParseField(fieldTok.text); !ok {
		return p.fail(fieldTok, "unknown field %q", fieldTok.text)
	}
	opTok := p.next()
	if opTok.kind != tokOp && opTok.kind != tokWord {
		return p.fail(opTok, "expected operator after %q", fieldTok.text)
	}
	op, ok := ParseOperator(opTok.text)
	if !ok {
		return p.fail(opTok, "unknown operator %q", opTok.text)
	}
	valTok := p.next()
	if valTok.kind != tokWord && valTok.kind != tokString {
		return p.fail(valTok, "expected value")
	}
	return Compare(fieldTok.text, op, valTok.text)
}

// Spec is the structured form of a filter, as sent by JSON clients.
type Spec = schema.FilterSpec

// FromSpec compiles a structured filter. Like Parse it never fails.
func FromSpec(s Spec) Filter {
	return fromSpec(s, 0)
}

func fromSpec(s Spec, depth int) Filter {
	if depth >= MaxDepth {
		return Invalid(errors.New("filter nested too deeply"))
	}
	switch strings.ToLower(s.Op) {
	case "", "all", "*":
		return All()
	case "none":
		return None()
	case "and", "or":
		children := make([]Filter, len(s.Children))
		for i, c := range s.Children {
			children[i] = fromSpec(c, depth+1)
		}
		if strings.EqualFold(s.Op, "and") {
			return And(children...)
		}
		return Or(children...)
	case "not":
		if len(s.Children) != 1 {
			return Invalid(errors.New("not takes exactly one operand"))
		}
		return Not(fromSpec(s.Children[0], depth+1))
	}
	op, ok := ParseOperator(s.Op)
	if !ok {
		return Invalid(fmt.Errorf("unknown operator %q", s.Op))
	}
	return Compare(s.Field, op, s.Value)
}
