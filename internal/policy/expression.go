// Package policy builds, validates and evaluates attribute policy expressions.
//
// The grammar is deliberately flat: an expression is a single attribute, a
// conjunction joined by " AND ", or a disjunction joined by " OR ". Parentheses
// are stripped rather than parsed, so nesting and mixing operators are rejected.
package policy

import (
	"strings"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/types"
)

// Operator is the connective of a flat expression.
type Operator int

const (
	OpSingle Operator = iota
	OpAnd
	OpOr
)

func (o Operator) String() string {
	switch o {
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	default:
		return "SINGLE"
	}
}

const (
	andSep = " AND "
	orSep  = " OR "
)

// Expression is a parsed policy: a connective over normalized attributes.
type Expression struct {
	Op       Operator
	Operands []string
}

// Parse splits expr into its connective and operands.
func Parse(expr string) (Expression, error) {
	cleaned := strings.NewReplacer("(", "", ")", "").Replace(expr)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return Expression{}, abeerr.NewInvalidPolicyError("expression is empty")
	}

	hasAnd := strings.Contains(cleaned, andSep)
	hasOr := strings.Contains(cleaned, orSep)
	if hasAnd && hasOr {
		return Expression{}, abeerr.NewInvalidPolicyError("mixing AND and OR in one expression is not supported")
	}

	out := Expression{Op: OpSingle}
	parts := []string{cleaned}
	switch {
	case hasAnd:
		out.Op = OpAnd
		parts = strings.Split(cleaned, andSep)
	case hasOr:
		out.Op = OpOr
		parts = strings.Split(cleaned, orSep)
	}

	for _, part := range parts {
		attr := types.NormalizeAttribute(part)
		if attr == "" {
			return Expression{}, abeerr.NewInvalidPolicyError("expression has an empty operand")
		}
		if strings.ContainsAny(attr, " ,") {
			return Expression{}, abeerr.NewInvalidPolicyError("operand '" + attr + "' is not a single attribute")
		}
		out.Operands = append(out.Operands, attr)
	}
	return out, nil
}

// Satisfied reports whether attrs satisfies the expression.
func (e Expression) Satisfied(attrs map[string]struct{}) bool {
	if len(e.Operands) == 0 {
		return false
	}
	switch e.Op {
	case OpOr:
		for _, operand := range e.Operands {
			if _, ok := attrs[operand]; ok {
				return true
			}
		}
		return false
	default:
		for _, operand := range e.Operands {
			if _, ok := attrs[operand]; !ok {
				return false
			}
		}
		return true
	}
}

// String renders the expression in canonical form.
func (e Expression) String() string {
	switch e.Op {
	case OpAnd:
		return strings.Join(e.Operands, andSep)
	case OpOr:
		return strings.Join(e.Operands, orSep)
	default:
		return strings.Join(e.Operands, "")
	}
}

// AttributeSet normalizes attrs into a lookup set.
func AttributeSet(attrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		if norm := types.NormalizeAttribute(a); norm != "" {
			set[norm] = struct{}{}
		}
	}
	return set
}

// Evaluate reports whether userAttributes satisfy expr. Unparseable expressions never match.
func Evaluate(expr string, userAttributes []string) bool {
	parsed, err := Parse(expr)
	if err != nil {
		return false
	}
	return parsed.Satisfied(AttributeSet(userAttributes))
}
