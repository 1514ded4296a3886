package querylang

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Parse parses query text into an expression tree.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("parse query: empty input")
	}
	var g queryGrammar
	if err := queryParser.ParseString(input, &g); err != nil {
		return nil, fmt.Errorf("parse query %q: %w", input, err)
	}
	return g.toExpr()
}

func (g *queryGrammar) toExpr() (Expr, error) {
	terms := make([]Expr, 0, len(g.Or))
	for _, t := range g.Or {
		e, err := t.toExpr()
		if err != nil {
			return nil, err
		}
		terms = append(terms, e)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return OrExpr{Terms: terms}, nil
}

func (a *andTerm) toExpr() (Expr, error) {
	terms := make([]Expr, 0, len(a.And))
	for _, u := range a.And {
		e, err := u.toExpr()
		if err != nil {
			return nil, err
		}
		terms = append(terms, e)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return AndExpr{Terms: terms}, nil
}

func (u *unaryTerm) toExpr() (Expr, error) {
	switch {
	case u.Not != nil:
		inner, err := u.Not.toExpr()
		if err != nil {
			return nil, err
		}
		return NotExpr{Term: inner}, nil
	case u.NotBracket != nil:
		inner, err := u.NotBracket.toExpr()
		if err != nil {
			return nil, err
		}
		return NotExpr{Term: inner}, nil
	case u.Group != nil:
		return u.Group.toExpr()
	case u.Compare != nil:
		return u.Compare.toExpr()
	}
	return nil, fmt.Errorf("empty term")
}

func (c *comparison) toExpr() (Expr, error) {
	var (
		op    Op
		value interface{}
		err   error
	)
	if c.In != nil {
		op = OpIn
		value, err = c.In.toValue()
	} else {
		op = Op(c.Op)
		value, err = c.Value.toValue()
	}
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", c.Field, err)
	}
	if isConnectionLabelField(c.Field) {
		return ConnectionLabelExpr{Field: c.Field, Op: op, Value: value}, nil
	}
	return CompareExpr{Field: c.Field, Op: op, Value: value}, nil
}

func (l *literal) toValue() (interface{}, error) {
	switch {
	case l.String != nil:
		return *l.String, nil
	case l.Number != nil:
		return parseNumber(*l.Number)
	case l.Bool != nil:
		return *l.Bool == "true", nil
	case l.Call != nil:
		return l.Call.toValue()
	case l.List != nil:
		return l.List.toValue()
	}
	return nil, fmt.Errorf("empty value")
}

func (l *listValue) toValue() (interface{}, error) {
	out := make(List, 0, len(l.Items))
	for _, item := range l.Items {
		v, err := item.toValue()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseNumber(s string) (interface{}, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return f, nil
}

func (c *call) toValue() (interface{}, error) {
	args := make([]interface{}, 0, len(c.Args))
	for _, a := range c.Args {
		v, err := a.toValue()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	switch c.Name {
	case "date":
		s, ok := singleArg[string](args)
		if !ok {
			return nil, fmt.Errorf("date() takes one string argument")
		}
		return ParseDate(s)
	case "regex":
		if len(args) == 0 || len(args) > 2 {
			return nil, fmt.Errorf("regex() takes a pattern and optional flags")
		}
		pattern, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("regex() pattern must be a string")
		}
		re := primitive.Regex{Pattern: pattern}
		if len(args) == 2 {
			flags, ok := args[1].(string)
			if !ok {
				return nil, fmt.Errorf("regex() flags must be a string")
			}
			re.Options = flags
		}
		return re, nil
	case "exists":
		b, ok := singleArg[bool](args)
		if !ok {
			return nil, fmt.Errorf("exists() takes one boolean argument")
		}
		return Exists(b), nil
	case "size":
		n, ok := singleArg[int64](args)
		if !ok || n < 0 {
			return nil, fmt.Errorf("size() takes one non-negative integer argument")
		}
		return Size(n), nil
	}
	return nil, fmt.Errorf("unknown function %s()", c.Name)
}

func singleArg[T any](args []interface{}) (T, bool) {
	var zero T
	if len(args) != 1 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}

// ParseDate parses a date literal. Values without a zone are taken as UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t.UTC(), nil
}
