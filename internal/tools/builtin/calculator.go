package builtin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/parleybot/parley/internal/tools"
	"github.com/parleybot/parley/pkg/models"
)

// Calculator evaluates arithmetic expressions: + - * / % ^, parentheses,
// and unary minus over floats.
func Calculator() (*models.Tool, tools.Handler) {
	def, err := models.NewTool("calculator", "Evaluates an arithmetic expression and returns the numeric result.",
		models.ToolParameter{Type: models.TypeString, Name: "expression", Description: "The expression to evaluate, e.g. (2+3)*4."},
	)
	if err != nil {
		panic(err)
	}

	handler := func(_ context.Context, args map[string]any) (string, error) {
		expr, _ := args["expression"].(string)
		if strings.TrimSpace(expr) == "" {
			return "", fmt.Errorf("expression must not be empty")
		}
		value, err := evaluate(expr)
		if err != nil {
			return "", err
		}
		if math.IsInf(value, 0) || math.IsNaN(value) {
			return "", fmt.Errorf("expression has no finite result")
		}
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	}

	return def, handler
}

// evaluate parses and computes the expression with recursive descent.
type exprParser struct {
	input []rune
	pos   int
}

func evaluate(input string) (float64, error) {
	p := &exprParser{input: []rune(input)}
	value, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", string(p.input[p.pos]), p.pos)
	}
	return value, nil
}

func (p *exprParser) parseSum() (float64, error) {
	value, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		switch {
		case p.consume('+'):
			rhs, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			value += rhs
		case p.consume('-'):
			rhs, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			value -= rhs
		default:
			return value, nil
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	value, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		switch {
		case p.consume('*'):
			rhs, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			value *= rhs
		case p.consume('/'):
			rhs, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			value /= rhs
		case p.consume('%'):
			rhs, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			value = math.Mod(value, rhs)
		default:
			return value, nil
		}
	}
}

// parsePower handles ^ with right associativity: 2^3^2 is 2^(3^2).
func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.consume('^') {
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpaces()
	if p.consume('-') {
		value, err := p.parseUnary()
		return -value, err
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpaces()
	if p.consume('(') {
		value, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if !p.consume(')') {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		return value, nil
	}

	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected a number at position %d", start)
	}
	value, err := strconv.ParseFloat(string(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", string(p.input[start:p.pos]))
	}
	return value, nil
}

func (p *exprParser) consume(r rune) bool {
	if p.pos < len(p.input) && p.input[p.pos] == r {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}
