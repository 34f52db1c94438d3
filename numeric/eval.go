package numeric

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by Eval. Callers classify failures with errors.Is.
var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("expression syntax error")
	// ErrName indicates a reference to a variable or function outside the
	// allowed set.
	ErrName = errors.New("unknown name")
	// ErrMath indicates an arithmetic failure such as division by zero. Eval
	// never yields infinity or NaN.
	ErrMath = errors.New("math error")
)

// Eval evaluates an arithmetic expression in decimal. The grammar admits
// numeric literals, the operators + - * / ** %, unary minus, parentheses,
// the functions abs, round, min and max, and references to names in vars.
// There is no attribute access, no statements, and no name resolution beyond
// vars; anything else fails with ErrSyntax or ErrName.
func Eval(expr string, vars map[string]decimal.Decimal) (decimal.Decimal, error) {
	toks, err := lex(expr)
	if err != nil {
		return decimal.Zero, err
	}
	p := &parser{toks: toks, vars: vars}
	d, err := p.parseExpr()
	if err != nil {
		return decimal.Zero, err
	}
	if p.pos != len(p.toks) {
		return decimal.Zero, fmt.Errorf("%w: unexpected %q", ErrSyntax, p.toks[p.pos].text)
	}
	return d, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			dots := 0
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				if src[j] == '.' {
					dots++
				}
				j++
			}
			if dots > 1 {
				return nil, fmt.Errorf("%w: malformed number %q", ErrSyntax, src[i:j])
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		case c == '*':
			if i+1 < len(src) && src[i+1] == '*' {
				toks = append(toks, token{tokOp, "**"})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "*"})
				i++
			}
		case strings.ContainsRune("+-/%", c):
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrSyntax, c)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
	vars map[string]decimal.Decimal
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseExpr() (decimal.Decimal, error) {
	left, err := p.parseTerm()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return decimal.Zero, err
		}
		if t.text == "+" {
			left = left.Add(right)
		} else {
			left = left.Sub(right)
		}
	}
}

func (p *parser) parseTerm() (decimal.Decimal, error) {
	left, err := p.parseUnary()
	if err != nil {
		return decimal.Zero, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return decimal.Zero, err
		}
		switch t.text {
		case "*":
			left = left.Mul(right)
		case "/":
			if right.IsZero() {
				return decimal.Zero, fmt.Errorf("%w: cannot divide by zero", ErrMath)
			}
			left = left.Div(right)
		case "%":
			if right.IsZero() {
				return decimal.Zero, fmt.Errorf("%w: cannot divide by zero", ErrMath)
			}
			left = left.Mod(right)
		}
	}
}

func (p *parser) parseUnary() (decimal.Decimal, error) {
	if t, ok := p.peek(); ok && t.kind == tokOp && t.text == "-" {
		p.pos++
		d, err := p.parseUnary()
		if err != nil {
			return decimal.Zero, err
		}
		return d.Neg(), nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (decimal.Decimal, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return decimal.Zero, err
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp || t.text != "**" {
		return base, nil
	}
	p.pos++
	// Right-associative: the exponent may itself carry a unary minus.
	exp, err := p.parseUnary()
	if err != nil {
		return decimal.Zero, err
	}
	if !exp.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: fractional exponents are not supported", ErrMath)
	}
	if base.IsZero() && exp.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: cannot divide by zero", ErrMath)
	}
	return base.Pow(exp), nil
}

func (p *parser) parsePrimary() (decimal.Decimal, error) {
	t, ok := p.peek()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: malformed number %q", ErrSyntax, t.text)
		}
		return d, nil
	case tokLParen:
		p.pos++
		d, err := p.parseExpr()
		if err != nil {
			return decimal.Zero, err
		}
		if err := p.expect(tokRParen); err != nil {
			return decimal.Zero, err
		}
		return d, nil
	case tokIdent:
		p.pos++
		if next, ok := p.peek(); ok && next.kind == tokLParen {
			return p.parseCall(t.text)
		}
		d, ok := p.vars[t.text]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %q is not defined", ErrName, t.text)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unexpected %q", ErrSyntax, t.text)
	}
}

func (p *parser) parseCall(name string) (decimal.Decimal, error) {
	if err := p.expect(tokLParen); err != nil {
		return decimal.Zero, err
	}
	var args []decimal.Decimal
	if t, ok := p.peek(); ok && t.kind != tokRParen {
		for {
			a, err := p.parseExpr()
			if err != nil {
				return decimal.Zero, err
			}
			args = append(args, a)
			t, ok := p.peek()
			if !ok || t.kind != tokComma {
				break
			}
			p.pos++
		}
	}
	if err := p.expect(tokRParen); err != nil {
		return decimal.Zero, err
	}
	return applyFunc(name, args)
}

func (p *parser) expect(kind tokenKind) error {
	t, ok := p.peek()
	if !ok || t.kind != kind {
		got := "end of expression"
		if ok {
			got = fmt.Sprintf("%q", t.text)
		}
		return fmt.Errorf("%w: unexpected %s", ErrSyntax, got)
	}
	p.pos++
	return nil
}

func applyFunc(name string, args []decimal.Decimal) (decimal.Decimal, error) {
	switch name {
	case "abs":
		if len(args) != 1 {
			return decimal.Zero, fmt.Errorf("%w: abs takes exactly one argument", ErrSyntax)
		}
		return args[0].Abs(), nil
	case "round":
		switch len(args) {
		case 1:
			return args[0].Round(0), nil
		case 2:
			if !args[1].IsInteger() {
				return decimal.Zero, fmt.Errorf("%w: round places must be an integer", ErrMath)
			}
			return args[0].Round(int32(args[1].IntPart())), nil
		default:
			return decimal.Zero, fmt.Errorf("%w: round takes one or two arguments", ErrSyntax)
		}
	case "min", "max":
		if len(args) == 0 {
			return decimal.Zero, fmt.Errorf("%w: %s needs at least one argument", ErrSyntax, name)
		}
		out := args[0]
		for _, a := range args[1:] {
			if name == "min" && a.LessThan(out) || name == "max" && a.GreaterThan(out) {
				out = a
			}
		}
		return out, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: function %q is not allowed", ErrName, name)
	}
}
