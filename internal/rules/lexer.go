package rules

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokVar
	tokString
	tokRegex
	tokNull
	tokEq
	tokNotEq
	tokMatch
	tokNotMatch
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokVar:
		return "variable"
	case tokString:
		return "string"
	case tokRegex:
		return "regex"
	case tokNull:
		return "null"
	case tokEq:
		return "=="
	case tokNotEq:
		return "!="
	case tokMatch:
		return "=~"
	case tokNotMatch:
		return "!~"
	case tokAnd:
		return "&&"
	case tokOr:
		return "||"
	case tokLParen:
		return "("
	case tokRParen:
		return ")"
	}
	return "unknown"
}

type token struct {
	kind  tokenKind
	text  string
	flags string // regex flags
	pos   int
}

// SyntaxError reports a malformed rule expression.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid rule expression %q at offset %d: %s", e.Expr, e.Pos, e.Msg)
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for {
		l.skipSpace()
		if l.pos >= len(l.src) {
			l.toks = append(l.toks, token{kind: tokEOF, pos: l.pos})
			return l.toks, nil
		}
		if err := l.next(); err != nil {
			return nil, err
		}
	}
}

func (l *lexer) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Expr: l.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && strings.ContainsRune(" \t\r\n", rune(l.src[l.pos])) {
		l.pos++
	}
}

func (l *lexer) emit(kind tokenKind, text string, start int) {
	l.toks = append(l.toks, token{kind: kind, text: text, pos: start})
}

func (l *lexer) next() error {
	start := l.pos
	c := l.src[l.pos]
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}

	switch {
	case two == "==":
		l.pos += 2
		l.emit(tokEq, two, start)
	case two == "!=":
		l.pos += 2
		l.emit(tokNotEq, two, start)
	case two == "=~":
		l.pos += 2
		l.emit(tokMatch, two, start)
	case two == "!~":
		l.pos += 2
		l.emit(tokNotMatch, two, start)
	case two == "&&":
		l.pos += 2
		l.emit(tokAnd, two, start)
	case two == "||":
		l.pos += 2
		l.emit(tokOr, two, start)
	case c == '(':
		l.pos++
		l.emit(tokLParen, "(", start)
	case c == ')':
		l.pos++
		l.emit(tokRParen, ")", start)
	case c == '$':
		return l.lexVar()
	case c == '"' || c == '\'':
		return l.lexString(c)
	case c == '/':
		return l.lexRegex()
	case strings.HasPrefix(l.src[l.pos:], "null") && !isIdentByte(l.byteAt(l.pos+4)):
		l.pos += 4
		l.emit(tokNull, "null", start)
	default:
		return l.errorf(start, "unexpected character %q", c)
	}
	return nil
}

func (l *lexer) byteAt(i int) byte {
	if i < len(l.src) {
		return l.src[i]
	}
	return 0
}

func (l *lexer) lexVar() error {
	start := l.pos
	l.pos++ // $
	braced := l.byteAt(l.pos) == '{'
	if braced {
		l.pos++
	}
	nameStart := l.pos
	for l.pos < len(l.src) && isIdentByte(l.src[l.pos]) {
		l.pos++
	}
	name := l.src[nameStart:l.pos]
	if name == "" {
		return l.errorf(start, "empty variable name")
	}
	if braced {
		if l.byteAt(l.pos) != '}' {
			return l.errorf(start, "unterminated ${")
		}
		l.pos++
	}
	l.emit(tokVar, name, start)
	return nil
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\' && l.pos+1 < len(l.src):
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2
		case c == quote:
			l.pos++
			l.emit(tokString, b.String(), start)
			return nil
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return l.errorf(start, "unterminated string")
}

func (l *lexer) lexRegex() error {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.byteAt(l.pos+1) == '/' {
			b.WriteByte('/')
			l.pos += 2
			continue
		}
		if c == '\\' && l.pos+1 < len(l.src) {
			b.WriteByte(c)
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		if c == '/' {
			l.pos++
			flagStart := l.pos
			for l.pos < len(l.src) && isIdentByte(l.src[l.pos]) {
				l.pos++
			}
			l.toks = append(l.toks, token{kind: tokRegex, text: b.String(), flags: l.src[flagStart:l.pos], pos: start})
			return nil
		}
		b.WriteByte(c)
		l.pos++
	}
	return l.errorf(start, "unterminated regex")
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
