package querylang

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrUnexpandedLabel is returned when a connection_label comparison reaches translation.
var ErrUnexpandedLabel = errors.New("connection label comparison was not expanded")

var comparisonOperators = map[Op]string{
	OpNe:  "$ne",
	OpGt:  "$gt",
	OpGte: "$gte",
	OpLt:  "$lt",
	OpLte: "$lte",
	OpIn:  "$in",
}

// ToFilter translates an expression into a raw filter document over view paths.
func ToFilter(e Expr) (bson.D, error) {
	switch n := e.(type) {
	case AndExpr:
		return compound("$and", n.Terms)
	case OrExpr:
		return compound("$or", n.Terms)
	case NotExpr:
		if c, ok := n.Term.(CompareExpr); ok {
			cond, err := operatorForm(c)
			if err != nil {
				return nil, err
			}
			return bson.D{{Key: c.Field, Value: bson.D{{Key: "$not", Value: cond}}}}, nil
		}
		inner, err := ToFilter(n.Term)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$nor", Value: bson.A{inner}}}, nil
	case CompareExpr:
		return compare(n)
	case ConnectionTupleExpr:
		return bson.D{
			{Key: ClientUsedField, Value: n.ClientID},
			{Key: PluginUniqueNameField, Value: n.PluginUniqueName},
		}, nil
	case ConnectionLabelExpr:
		return nil, ErrUnexpandedLabel
	}
	return nil, fmt.Errorf("unsupported expression %T", e)
}

func compound(op string, terms []Expr) (bson.D, error) {
	items := make(bson.A, 0, len(terms))
	for _, t := range terms {
		d, err := ToFilter(t)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return bson.D{{Key: op, Value: items}}, nil
}

func compare(c CompareExpr) (bson.D, error) {
	var cond interface{}
	switch v := c.Value.(type) {
	case Exists:
		exists := bool(v)
		switch c.Op {
		case OpEq:
		case OpNe:
			exists = !exists
		default:
			return nil, fmt.Errorf("field %s: operator %s not supported with exists()", c.Field, c.Op)
		}
		cond = bson.D{{Key: "$exists", Value: exists}}
	case primitive.Regex:
		switch c.Op {
		case OpEq:
			cond = v
		case OpNe:
			cond = bson.D{{Key: "$not", Value: v}}
		default:
			return nil, fmt.Errorf("field %s: operator %s not supported with regex()", c.Field, c.Op)
		}
	case Size:
		switch c.Op {
		case OpEq:
			cond = bson.D{{Key: "$size", Value: int64(v)}}
		case OpNe:
			cond = bson.D{{Key: "$not", Value: bson.D{{Key: "$size", Value: int64(v)}}}}
		case OpIn:
			return nil, fmt.Errorf("field %s: in not supported with size()", c.Field)
		default:
			cond = bson.D{{Key: comparisonOperators[c.Op], Value: bson.D{{Key: "$size", Value: int64(v)}}}}
		}
	default:
		value := literalValue(c.Value)
		switch c.Op {
		case OpEq:
			cond = value
		case OpIn:
			list, ok := value.(bson.A)
			if !ok {
				return nil, fmt.Errorf("field %s: in requires a list", c.Field)
			}
			cond = bson.D{{Key: "$in", Value: list}}
		default:
			op, ok := comparisonOperators[c.Op]
			if !ok {
				return nil, fmt.Errorf("field %s: unknown operator %s", c.Field, c.Op)
			}
			cond = bson.D{{Key: op, Value: value}}
		}
	}
	return bson.D{{Key: c.Field, Value: cond}}, nil
}

// operatorForm renders a comparison as an operator document suitable for $not.
func operatorForm(c CompareExpr) (interface{}, error) {
	d, err := compare(c)
	if err != nil {
		return nil, err
	}
	cond := d[0].Value
	switch v := cond.(type) {
	case primitive.Regex:
		return v, nil
	case bson.D:
		if len(v) > 0 && len(v[0].Key) > 0 && v[0].Key[0] == '$' {
			return v, nil
		}
	}
	return bson.D{{Key: "$eq", Value: cond}}, nil
}

func literalValue(v interface{}) interface{} {
	if list, ok := v.(List); ok {
		out := make(bson.A, 0, len(list))
		for _, item := range list {
			out = append(out, literalValue(item))
		}
		return out
	}
	return v
}
