package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Lookup resolves variable names. trigger.Variables satisfies it.
type Lookup interface {
	Lookup(name string) (string, bool)
}

// Expr is a compiled `rules:if` predicate.
type Expr struct {
	src  string
	root node
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the predicate. A nil Expr is always true.
func (e *Expr) Eval(vars Lookup) bool {
	if e == nil || e.root == nil {
		return true
	}
	return e.root.eval(vars)
}

// Variables returns the variable names the expression references, in order
// of first appearance.
func (e *Expr) Variables() []string {
	if e == nil || e.root == nil {
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	e.root.walk(func(o operand) {
		if o.kind != tokVar {
			return
		}
		if _, ok := seen[o.text]; ok {
			return
		}
		seen[o.text] = struct{}{}
		out = append(out, o.text)
	})
	return out
}

// CompileExpr parses src. An empty src compiles to an always-true Expr.
func CompileExpr(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return &Expr{src: src}, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %s", tok.kind)
	}
	return &Expr{src: src, root: root}, nil
}

// MustCompileExpr is CompileExpr that panics on error. Intended for tests
// and package-level defaults.
func MustCompileExpr(src string) *Expr {
	e, err := CompileExpr(src)
	if err != nil {
		panic(err)
	}
	return e
}

type node interface {
	eval(vars Lookup) bool
	walk(fn func(operand))
}

type orNode struct{ left, right node }

func (n orNode) eval(v Lookup) bool    { return n.left.eval(v) || n.right.eval(v) }
func (n orNode) walk(fn func(operand)) { n.left.walk(fn); n.right.walk(fn) }

type andNode struct{ left, right node }

func (n andNode) eval(v Lookup) bool    { return n.left.eval(v) && n.right.eval(v) }
func (n andNode) walk(fn func(operand)) { n.left.walk(fn); n.right.walk(fn) }

type operand struct {
	kind tokenKind
	text string
	re   *regexp.Regexp
}

// resolve returns the operand's string value, or ok=false for null.
func (o operand) resolve(v Lookup) (string, bool) {
	switch o.kind {
	case tokVar:
		if v == nil {
			return "", false
		}
		return v.Lookup(o.text)
	case tokString:
		return o.text, true
	case tokRegex:
		return o.text, true
	}
	return "", false
}

// truthNode is a bare operand: `$VAR` is true when defined and non-empty.
type truthNode struct{ op operand }

func (n truthNode) eval(v Lookup) bool {
	val, ok := n.op.resolve(v)
	return ok && val != ""
}
func (n truthNode) walk(fn func(operand)) { fn(n.op) }

type cmpNode struct {
	op          tokenKind
	left, right operand
}

func (n cmpNode) walk(fn func(operand)) { fn(n.left); fn(n.right) }

func (n cmpNode) eval(v Lookup) bool {
	switch n.op {
	case tokEq:
		return n.equal(v)
	case tokNotEq:
		return !n.equal(v)
	case tokMatch:
		return n.match(v)
	case tokNotMatch:
		return !n.match(v)
	}
	return false
}

func (n cmpNode) equal(v Lookup) bool {
	l, lok := n.left.resolve(v)
	r, rok := n.right.resolve(v)
	if !lok || !rok {
		return lok == rok
	}
	return l == r
}

func (n cmpNode) match(v Lookup) bool {
	l, ok := n.left.resolve(v)
	if !ok {
		return false
	}
	re := n.right.re
	if re == nil {
		pattern, ok := n.right.resolve(v)
		if !ok {
			return false
		}
		compiled, err := compilePatternValue(pattern)
		if err != nil {
			return false
		}
		re = compiled
	}
	return re.MatchString(l)
}

// compilePatternValue handles regexes stored in variables, which may be
// written either as /re/flags or as a bare pattern.
func compilePatternValue(s string) (*regexp.Regexp, error) {
	if len(s) >= 2 && s[0] == '/' {
		if end := strings.LastIndexByte(s, '/'); end > 0 {
			return compileRegex(s[1:end], s[end+1:])
		}
	}
	return regexp.Compile(s)
}

func compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	prefix := ""
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix += string(f)
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", f)
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokLParen {
		open := p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf(open, "unbalanced parenthesis")
		}
		p.advance()
		return inner, nil
	}

	leftTok := p.peek()
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	opTok := p.peek()
	switch opTok.kind {
	case tokEq, tokNotEq:
		p.advance()
		if left.kind == tokRegex {
			return nil, p.errorf(leftTok, "regex is only allowed on the right of =~ or !~")
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if right.kind == tokRegex {
			return nil, p.errorf(opTok, "use =~ to compare against a regex")
		}
		return cmpNode{op: opTok.kind, left: left, right: right}, nil
	case tokMatch, tokNotMatch:
		p.advance()
		if left.kind == tokRegex || left.kind == tokNull {
			return nil, p.errorf(leftTok, "left side of %s must be a variable or string", opTok.kind)
		}
		rightTok := p.peek()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		switch right.kind {
		case tokRegex:
			re, err := compileRegex(right.text, rightTok.flags)
			if err != nil {
				return nil, p.errorf(rightTok, "%v", err)
			}
			right.re = re
		case tokString:
			re, err := compilePatternValue(right.text)
			if err != nil {
				return nil, p.errorf(rightTok, "%v", err)
			}
			right.re = re
		case tokNull:
			return nil, p.errorf(rightTok, "cannot match against null")
		}
		return cmpNode{op: opTok.kind, left: left, right: right}, nil
	}

	if left.kind == tokRegex {
		return nil, p.errorf(leftTok, "bare regex is not a condition")
	}
	return truthNode{op: left}, nil
}

func (p *parser) parseOperand() (operand, error) {
	tok := p.advance()
	switch tok.kind {
	case tokVar, tokString, tokRegex, tokNull:
		return operand{kind: tok.kind, text: tok.text}, nil
	}
	return operand{}, p.errorf(tok, "expected operand, found %s", tok.kind)
}
