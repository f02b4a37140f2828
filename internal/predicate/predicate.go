// Package predicate defines an algebraic filter-tree independent of any
// host-language AST, and translates it into parameterized SQL against a
// mapping.Mapping's column set, kept decoupled as small standalone
// helpers rather than reflecting over caller expressions.
package predicate

import (
	"fmt"
	"strings"

	"github.com/arcstore/tsqlite/internal/mapping"
)

// Op enumerates supported binary comparison/logical operators.
type Op string

const (
	OpEq    Op = "="
	OpNeq   Op = "!="
	OpLt    Op = "<"
	OpLte   Op = "<="
	OpGt    Op = ">"
	OpGte   Op = ">="
	OpAnd   Op = "AND"
	OpOr    Op = "OR"
	OpLike  Op = "LIKE"
)

// Expr is the sealed algebraic expression type. Concrete variants are
// Binary, Member, Const, Call, and Unary.
type Expr interface{ isExpr() }

// Member references a mapped entity property by name.
type Member struct{ Name string }

func (Member) isExpr() {}

// Const is a literal value.
type Const struct{ Value any }

func (Const) isExpr() {}

// Binary combines two subexpressions with a comparison or logical operator.
type Binary struct {
	Op          Op
	Left, Right Expr
}

func (Binary) isExpr() {}

// UnaryOp enumerates supported unary operators.
type UnaryOp string

const (
	UnaryNot     UnaryOp = "NOT"
	UnaryIsNull  UnaryOp = "IS NULL"
	UnaryNotNull UnaryOp = "IS NOT NULL"
)

// Unary applies a unary operator to a subexpression.
type Unary struct {
	Op      UnaryOp
	Operand Expr
}

func (Unary) isExpr() {}

// CallFn enumerates supported function calls usable inside a predicate.
type CallFn string

const (
	CallIn         CallFn = "IN"
	CallContains   CallFn = "CONTAINS"   // substring match via LIKE '%v%'
	CallStartsWith CallFn = "STARTSWITH" // prefix match via LIKE 'v%'
	CallEndsWith   CallFn = "ENDSWITH"   // suffix match via LIKE '%v'
)

// Call represents a function-style expression, e.g. membership tests.
type Call struct {
	Fn   CallFn
	Args []Expr
}

func (Call) isExpr() {}

// UnsupportedExpressionError is returned when a translator cannot lower an
// Expr node to SQL.
type UnsupportedExpressionError struct {
	Expr   Expr
	Reason string
}

func (e *UnsupportedExpressionError) Error() string {
	return fmt.Sprintf("predicate: unsupported expression %T: %s", e.Expr, e.Reason)
}

// Translator lowers an Expr tree into a parameterized SQL WHERE clause,
// validating Member references against a mapping.Mapping.
type Translator struct {
	mapping *mapping.Mapping
}

// NewTranslator binds a translator to the columns of m.
func NewTranslator(m *mapping.Mapping) *Translator {
	return &Translator{mapping: m}
}

// Translate returns the SQL fragment and positional argument list for e.
func (t *Translator) Translate(e Expr) (string, []any, error) {
	var args []any
	sql, err := t.walk(e, &args)
	if err != nil {
		return "", nil, err
	}
	return sql, args, nil
}

func (t *Translator) walk(e Expr, args *[]any) (string, error) {
	switch v := e.(type) {
	case Member:
		p, ok := t.mapping.ByColumn(v.Name)
		if !ok {
			return "", &UnsupportedExpressionError{Expr: e, Reason: fmt.Sprintf("unknown property %q", v.Name)}
		}
		return `"` + p.Column + `"`, nil

	case Const:
		*args = append(*args, v.Value)
		return "?", nil

	case Binary:
		left, err := t.walk(v.Left, args)
		if err != nil {
			return "", err
		}
		right, err := t.walk(v.Right, args)
		if err != nil {
			return "", err
		}
		switch v.Op {
		case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpLike:
			return fmt.Sprintf("(%s %s %s)", left, string(v.Op), right), nil
		case OpAnd, OpOr:
			return fmt.Sprintf("(%s %s %s)", left, string(v.Op), right), nil
		default:
			return "", &UnsupportedExpressionError{Expr: e, Reason: fmt.Sprintf("unknown operator %q", v.Op)}
		}

	case Unary:
		operand, err := t.walk(v.Operand, args)
		if err != nil {
			return "", err
		}
		switch v.Op {
		case UnaryNot:
			return fmt.Sprintf("(NOT %s)", operand), nil
		case UnaryIsNull, UnaryNotNull:
			return fmt.Sprintf("(%s %s)", operand, string(v.Op)), nil
		default:
			return "", &UnsupportedExpressionError{Expr: e, Reason: fmt.Sprintf("unknown unary operator %q", v.Op)}
		}

	case Call:
		switch v.Fn {
		case CallIn:
			if len(v.Args) < 2 {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "IN requires a member and at least one value"}
			}
			member, err := t.walk(v.Args[0], args)
			if err != nil {
				return "", err
			}
			placeholders := make([]string, 0, len(v.Args)-1)
			for _, a := range v.Args[1:] {
				ph, err := t.walk(a, args)
				if err != nil {
					return "", err
				}
				placeholders = append(placeholders, ph)
			}
			return fmt.Sprintf("(%s IN (%s))", member, strings.Join(placeholders, ", ")), nil

		case CallContains:
			if len(v.Args) != 2 {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "CONTAINS requires exactly a member and a value"}
			}
			member, err := t.walk(v.Args[0], args)
			if err != nil {
				return "", err
			}
			c, ok := v.Args[1].(Const)
			if !ok {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "CONTAINS requires a literal value"}
			}
			s, ok := c.Value.(string)
			if !ok {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "CONTAINS requires a string value"}
			}
			*args = append(*args, "%"+escapeLike(s)+"%")
			return fmt.Sprintf("(%s LIKE ? ESCAPE '\\')", member), nil

		case CallStartsWith:
			if len(v.Args) != 2 {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "STARTSWITH requires exactly a member and a value"}
			}
			member, err := t.walk(v.Args[0], args)
			if err != nil {
				return "", err
			}
			c, ok := v.Args[1].(Const)
			if !ok {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "STARTSWITH requires a literal value"}
			}
			s, ok := c.Value.(string)
			if !ok {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "STARTSWITH requires a string value"}
			}
			*args = append(*args, escapeLike(s)+"%")
			return fmt.Sprintf("(%s LIKE ? ESCAPE '\\')", member), nil

		case CallEndsWith:
			if len(v.Args) != 2 {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "ENDSWITH requires exactly a member and a value"}
			}
			member, err := t.walk(v.Args[0], args)
			if err != nil {
				return "", err
			}
			c, ok := v.Args[1].(Const)
			if !ok {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "ENDSWITH requires a literal value"}
			}
			s, ok := c.Value.(string)
			if !ok {
				return "", &UnsupportedExpressionError{Expr: e, Reason: "ENDSWITH requires a string value"}
			}
			*args = append(*args, "%"+escapeLike(s))
			return fmt.Sprintf("(%s LIKE ? ESCAPE '\\')", member), nil

		default:
			return "", &UnsupportedExpressionError{Expr: e, Reason: fmt.Sprintf("unknown function %q", v.Fn)}
		}

	default:
		return "", &UnsupportedExpressionError{Expr: e, Reason: "unrecognized expression node"}
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// And is a convenience constructor chaining two expressions with AND.
func And(l, r Expr) Expr { return Binary{Op: OpAnd, Left: l, Right: r} }

// Or is a convenience constructor chaining two expressions with OR.
func Or(l, r Expr) Expr { return Binary{Op: OpOr, Left: l, Right: r} }

// Eq is a convenience constructor for member = const.
func Eq(name string, value any) Expr {
	return Binary{Op: OpEq, Left: Member{Name: name}, Right: Const{Value: value}}
}

// StartsWith is a convenience constructor for a prefix match on name.
func StartsWith(name string, value string) Expr {
	return Call{Fn: CallStartsWith, Args: []Expr{Member{Name: name}, Const{Value: value}}}
}

// EndsWith is a convenience constructor for a suffix match on name.
func EndsWith(name string, value string) Expr {
	return Call{Fn: CallEndsWith, Args: []Expr{Member{Name: name}, Const{Value: value}}}
}
