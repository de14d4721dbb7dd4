package facts

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/mangle/ast"
)

// factAtom converts a fact into a store atom. Arity follows the argument
// count, which is what the builtin declarations expect.
func factAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, v := range f.Args {
		args[i] = constantOf(v)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

// atomFact converts a stored atom back into a fact for tool payloads.
// Derived atoms carry no timestamp of their own, so the read time stands in.
func atomFact(a ast.Atom) Fact {
	args := make([]interface{}, len(a.Args))
	for i, term := range a.Args {
		args[i] = constantValue(term)
	}
	return Fact{
		Predicate: a.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

// constantOf maps a Go value onto a Mangle constant. Booleans become the
// strings "true"/"false" so rules can match them without numeric coercion.
func constantOf(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		return ast.String(strconv.FormatBool(val))
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

// constantValue maps a Mangle term back to a plain Go value.
func constantValue(term ast.BaseTerm) interface{} {
	if term == nil {
		return nil
	}

	switch t := term.(type) {
	case ast.Constant:
		switch t.Type {
		case ast.StringType:
			s, _ := t.StringValue()
			return s
		case ast.NumberType:
			if n, err := t.NumberValue(); err == nil {
				return n
			}
		case ast.Float64Type:
			if f, err := t.Float64Value(); err == nil {
				return f
			}
		}
		return t.String()
	case ast.Variable:
		return t.Symbol
	default:
		return fmt.Sprintf("%v", term)
	}
}
