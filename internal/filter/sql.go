package filter

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/thebtf/vexdb/pkg/verrors"
)

// parseSQL parses the SQL-ish filter syntax:
//
//	field = 'value' AND (priority > 1 OR tags IN ('a', 'b')) AND note IS NOT NULL
//
// Operators: =, !=, <>, <, <=, >, >=, IN, NOT IN, LIKE, IS NULL, IS NOT NULL,
// EXISTS, AND, OR, NOT, parentheses for grouping.
func parseSQL(input string) (Expr, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &sqlParser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, verrors.New(verrors.CodeInvalidFilter, "unexpected token %q", p.peek().text)
	}
	return expr, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOperator // = != <> < <= > >=
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ","})
			i++
		case r == '\'' || r == '"':
			quote := r
			j := i + 1
			var sb strings.Builder
			closed := false
			for j < len(runes) {
				if runes[j] == quote {
					// doubled quote escapes itself
					if j+1 < len(runes) && runes[j+1] == quote {
						sb.WriteRune(quote)
						j += 2
						continue
					}
					closed = true
					break
				}
				sb.WriteRune(runes[j])
				j++
			}
			if !closed {
				return nil, verrors.New(verrors.CodeInvalidFilter, "unterminated string literal")
			}
			tokens = append(tokens, token{tokString, sb.String()})
			i = j + 1
		case r == '=' || r == '<' || r == '>' || r == '!':
			op := string(r)
			if i+1 < len(runes) {
				two := string(runes[i : i+2])
				if two == "!=" || two == "<=" || two == ">=" || two == "<>" {
					op = two
				}
			}
			if op == "!" {
				return nil, verrors.New(verrors.CodeInvalidFilter, "unexpected character %q", r)
			}
			tokens = append(tokens, token{tokOperator, op})
			i += len(op)
		case unicode.IsDigit(r) || r == '-' || r == '+' || r == '.':
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.' || runes[j] == 'e' || runes[j] == 'E' || runes[j] == '-' || runes[j] == '+') {
				j++
			}
			tokens = append(tokens, token{tokNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokIdent, string(runes[i:j])})
			i = j
		default:
			return nil, verrors.New(verrors.CodeInvalidFilter, "unexpected character %q", r)
		}
	}
	return tokens, nil
}

type sqlParser struct {
	tokens []token
	pos    int
}

func (p *sqlParser) eof() bool { return p.pos >= len(p.tokens) }

func (p *sqlParser) peek() token {
	if p.eof() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *sqlParser) next() token {
	t := p.peek()
	p.pos++
	return t
}

// acceptKeyword consumes the next token if it is the given case-insensitive keyword.
func (p *sqlParser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *sqlParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return left, nil
	}
	return Or{Exprs: exprs}, nil
}

func (p *sqlParser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for p.acceptKeyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return left, nil
	}
	return And{Exprs: exprs}, nil
}

func (p *sqlParser) parseUnary() (Expr, error) {
	if p.acceptKeyword("NOT") {
		sub, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Expr: sub}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		sub, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, verrors.New(verrors.CodeInvalidFilter, "missing closing parenthesis")
		}
		p.next()
		return sub, nil
	}
	return p.parsePredicate()
}

func (p *sqlParser) parsePredicate() (Expr, error) {
	t := p.next()
	if t.kind != tokIdent {
		return nil, verrors.New(verrors.CodeInvalidFilter, "expected field name, got %q", t.text)
	}
	field := t.text

	switch {
	case p.acceptKeyword("IS"):
		negate := p.acceptKeyword("NOT")
		if !p.acceptKeyword("NULL") {
			return nil, verrors.New(verrors.CodeInvalidFilter, "expected NULL after IS")
		}
		if negate {
			return Not{Expr: IsNull{Field: field}}, nil
		}
		return IsNull{Field: field}, nil

	case p.acceptKeyword("EXISTS"):
		return Exists{Field: field}, nil

	case p.acceptKeyword("LIKE"):
		value, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return Cmp{Field: field, Op: OpLike, Value: value}, nil

	case p.acceptKeyword("IN"):
		values, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return Cmp{Field: field, Op: OpIn, Value: values}, nil

	case p.acceptKeyword("NOT"):
		if !p.acceptKeyword("IN") {
			return nil, verrors.New(verrors.CodeInvalidFilter, "expected IN after NOT")
		}
		values, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return Cmp{Field: field, Op: OpNin, Value: values}, nil
	}

	op := p.next()
	if op.kind != tokOperator {
		return nil, verrors.New(verrors.CodeInvalidFilter, "expected comparison operator after %q, got %q", field, op.text)
	}
	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	switch op.text {
	case "=":
		return Cmp{Field: field, Op: OpEq, Value: value}, nil
	case "!=", "<>":
		return Cmp{Field: field, Op: OpNe, Value: value}, nil
	case "<":
		return Cmp{Field: field, Op: OpLt, Value: value}, nil
	case "<=":
		return Cmp{Field: field, Op: OpLe, Value: value}, nil
	case ">":
		return Cmp{Field: field, Op: OpGt, Value: value}, nil
	case ">=":
		return Cmp{Field: field, Op: OpGe, Value: value}, nil
	}
	return nil, verrors.New(verrors.CodeInvalidFilter, "unknown operator %q", op.text)
}

func (p *sqlParser) parseValue() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, verrors.New(verrors.CodeInvalidFilter, "invalid number %q", t.text)
		}
		return n, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return nil, verrors.New(verrors.CodeInvalidFilter, "bare identifier %q is not a value; quote string literals", t.text)
	}
	return nil, verrors.New(verrors.CodeInvalidFilter, "expected value, got %q", t.text)
}

func (p *sqlParser) parseValueList() ([]any, error) {
	if p.peek().kind != tokLParen {
		return nil, verrors.New(verrors.CodeInvalidFilter, "expected ( after IN")
	}
	p.next()
	var values []any
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		t := p.next()
		if t.kind == tokRParen {
			return values, nil
		}
		if t.kind != tokComma {
			return nil, verrors.New(verrors.CodeInvalidFilter, "expected , or ) in value list, got %q", t.text)
		}
	}
}
