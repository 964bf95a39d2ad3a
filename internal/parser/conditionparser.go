package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// A WHERE condition filters entries by key and raw value:
//
//	key_prefix = CONF- AND NOT (value = 0 OR key LIKE '%tmp%')
//
// key and value compare as numbers when both sides parse as numbers, as
// strings otherwise. key_prefix only supports = and !=.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokNumber
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() token {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: start}
	}

	ch := l.input[l.pos]
	switch {
	case ch == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}
	case ch == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}
	case ch == '\'' || ch == '"':
		end := strings.IndexByte(l.input[start+1:], ch)
		if end < 0 {
			l.pos = len(l.input)
			return token{kind: tokInvalid, text: l.input[start:], pos: start}
		}
		l.pos = start + 1 + end + 1
		return token{kind: tokString, text: l.input[start+1 : start+1+end], pos: start}
	case strings.IndexByte("=!<>", ch) >= 0:
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
		}
		op := l.input[start:l.pos]
		if op == "!" {
			return token{kind: tokInvalid, text: op, pos: start}
		}
		return token{kind: tokOp, text: op, pos: start}
	case unicode.IsDigit(rune(ch)):
		for l.pos < len(l.input) && (unicode.IsDigit(rune(l.input[l.pos])) || l.input[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}
	case unicode.IsLetter(rune(ch)) || ch == '_':
		for l.pos < len(l.input) && isWordByte(l.input[l.pos]) {
			l.pos++
		}
		word := l.input[start:l.pos]
		switch strings.ToUpper(word) {
		case "AND":
			return token{kind: tokAnd, text: word, pos: start}
		case "OR":
			return token{kind: tokOr, text: word, pos: start}
		case "NOT":
			return token{kind: tokNot, text: word, pos: start}
		case "LIKE":
			return token{kind: tokOp, text: "LIKE", pos: start}
		}
		return token{kind: tokWord, text: word, pos: start}
	}
	l.pos++
	return token{kind: tokInvalid, text: string(ch), pos: start}
}

// Words carry key fragments such as item/1 or CONF-.
func isWordByte(b byte) bool {
	r := rune(b)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.IndexByte("_-/.:", b) >= 0
}

type field int

const (
	fieldKey field = iota
	fieldKeyPrefix
	fieldValue
)

func fieldOf(t token) (field, bool) {
	if t.kind != tokWord {
		return 0, false
	}
	switch t.text {
	case "key":
		return fieldKey, true
	case "key_prefix":
		return fieldKeyPrefix, true
	case "value":
		return fieldValue, true
	}
	return 0, false
}

type condition interface {
	match(key string, value []byte) bool
}

type and struct{ left, right condition }

func (c and) match(key string, value []byte) bool {
	return c.left.match(key, value) && c.right.match(key, value)
}

type or struct{ left, right condition }

func (c or) match(key string, value []byte) bool {
	return c.left.match(key, value) || c.right.match(key, value)
}

type not struct{ operand condition }

func (c not) match(key string, value []byte) bool {
	return !c.operand.match(key, value)
}

type comparison struct {
	field field
	op    string
	value string
}

func (c comparison) match(key string, value []byte) bool {
	if c.field == fieldKeyPrefix {
		return strings.HasPrefix(key, c.value) == (c.op != "!=")
	}
	left := key
	if c.field == fieldValue {
		left = string(value)
	}
	if c.op == "LIKE" {
		return like(left, c.value)
	}

	cmp := compareValues(left, c.value)
	switch c.op {
	case "=", "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func compareValues(l, r string) int {
	if ln, err := strconv.ParseFloat(l, 64); err == nil {
		if rn, err := strconv.ParseFloat(r, 64); err == nil {
			switch {
			case ln < rn:
				return -1
			case ln > rn:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(l, r)
}

// like supports a leading and/or trailing % wildcard.
func like(s, pattern string) bool {
	prefix := strings.HasPrefix(pattern, "%")
	suffix := strings.HasSuffix(pattern, "%")
	body := strings.Trim(pattern, "%")
	switch {
	case prefix && suffix:
		return strings.Contains(s, body)
	case suffix:
		return strings.HasPrefix(s, body)
	case prefix:
		return strings.HasSuffix(s, body)
	}
	return s == pattern
}

// mirrored turns "5 < value" into "value > 5".
var mirrored = map[string]string{"<": ">", "<=": ">=", ">": "<", ">=": "<="}

// ConditionParser is a recursive descent parser over
//
//	or   := and { OR and }
//	and  := not { AND not }
//	not  := NOT not | term
//	term := '(' or ')' | operand op operand
type ConditionParser struct {
	lex *lexer
	cur token
}

func NewConditionParser(input string) *ConditionParser {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(strings.ToUpper(input), "WHERE ") {
		input = strings.TrimSpace(input[len("WHERE "):])
	}
	p := &ConditionParser{lex: &lexer{input: input}}
	p.advance()
	return p
}

func (p *ConditionParser) advance() {
	p.cur = p.lex.next()
}

// ParseExpression compiles the whole input into a key/value filter.
func (p *ConditionParser) ParseExpression() (func(string, []byte) bool, error) {
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.cur.text, p.cur.pos)
	}
	return c.match, nil
}

func (p *ConditionParser) parseOr() (condition, error) {
	left, err := p.parseAnd()
	for err == nil && p.cur.kind == tokOr {
		p.advance()
		var right condition
		if right, err = p.parseAnd(); err == nil {
			left = or{left, right}
		}
	}
	return left, err
}

func (p *ConditionParser) parseAnd() (condition, error) {
	left, err := p.parseNot()
	for err == nil && p.cur.kind == tokAnd {
		p.advance()
		var right condition
		if right, err = p.parseNot(); err == nil {
			left = and{left, right}
		}
	}
	return left, err
}

func (p *ConditionParser) parseNot() (condition, error) {
	if p.cur.kind != tokNot {
		return p.parseTerm()
	}
	p.advance()
	operand, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	return not{operand}, nil
}

func (p *ConditionParser) parseTerm() (condition, error) {
	if p.cur.kind == tokLParen {
		p.advance()
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at position %d", p.cur.pos)
		}
		p.advance()
		return c, nil
	}

	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator at position %d", p.cur.pos)
	}
	op := p.cur.text
	p.advance()
	right, err := p.operand()
	if err != nil {
		return nil, err
	}

	f, ok := fieldOf(left)
	value := right.text
	if !ok {
		if f, ok = fieldOf(right); !ok {
			return nil, fmt.Errorf("unknown field %q, expected key, key_prefix or value", left.text)
		}
		value = left.text
		if m, found := mirrored[op]; found {
			op = m
		}
	}
	if f == fieldKeyPrefix && op != "=" && op != "==" && op != "!=" {
		return nil, fmt.Errorf("key_prefix only supports = and !=")
	}
	return comparison{field: f, op: op, value: value}, nil
}

func (p *ConditionParser) operand() (token, error) {
	switch p.cur.kind {
	case tokWord, tokString, tokNumber:
		t := p.cur
		p.advance()
		return t, nil
	}
	return token{}, fmt.Errorf("expected field, string or number at position %d", p.cur.pos)
}
