package memory

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// evalExpr evaluates the subset of aggregation expressions used by compiled filters.
func evalExpr(expr interface{}, root interface{}, vars map[string]interface{}) (interface{}, error) {
	switch x := expr.(type) {
	case string:
		switch {
		case strings.HasPrefix(x, "$$"):
			name, path, _ := strings.Cut(x[2:], ".")
			v, ok := vars[name]
			if !ok {
				return nil, fmt.Errorf("undefined variable $$%s", name)
			}
			return fieldValue(v, path), nil
		case strings.HasPrefix(x, "$"):
			return fieldValue(root, x[1:]), nil
		}
		return x, nil
	}

	if arr, ok := asArray(expr); ok {
		out := make(bson.A, 0, len(arr))
		for _, item := range arr {
			v, err := evalExpr(item, root, vars)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	d, ok := asDoc(expr)
	if !ok {
		return expr, nil
	}
	if len(d) != 1 || !strings.HasPrefix(d[0].Key, "$") {
		out := bson.M{}
		for _, e := range d {
			v, err := evalExpr(e.Value, root, vars)
			if err != nil {
				return nil, err
			}
			out[e.Key] = v
		}
		return out, nil
	}

	op, arg := d[0].Key, d[0].Value
	switch op {
	case "$size":
		v, err := evalExpr(arg, root, vars)
		if err != nil {
			return nil, err
		}
		arr, ok := asArray(v)
		if !ok {
			return nil, fmt.Errorf("$size requires an array, got %T", v)
		}
		return int64(len(arr)), nil
	case "$filter":
		return evalFilter(arg, root, vars)
	case "$ifNull":
		args, err := evalArgs(arg, root, vars, 2)
		if err != nil {
			return nil, err
		}
		if args[0] == nil {
			return args[1], nil
		}
		return args[0], nil
	case "$and", "$or":
		items, ok := asArray(arg)
		if !ok {
			return nil, fmt.Errorf("%s requires an array", op)
		}
		for _, item := range items {
			v, err := evalExpr(item, root, vars)
			if err != nil {
				return nil, err
			}
			t := exprTruthy(v)
			if op == "$and" && !t {
				return false, nil
			}
			if op == "$or" && t {
				return true, nil
			}
		}
		return op == "$and", nil
	case "$not":
		args, err := evalArgs(arg, root, vars, 1)
		if err != nil {
			return nil, err
		}
		return !exprTruthy(args[0]), nil
	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
		args, err := evalArgs(arg, root, vars, 2)
		if err != nil {
			return nil, err
		}
		return evalComparison(op, args[0], args[1]), nil
	case "$in":
		args, err := evalArgs(arg, root, vars, 2)
		if err != nil {
			return nil, err
		}
		list, ok := asArray(args[1])
		if !ok {
			return nil, fmt.Errorf("$in requires an array")
		}
		for _, item := range list {
			if valuesEqual(args[0], item) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("unsupported expression operator %s", op)
}

func evalArgs(arg interface{}, root interface{}, vars map[string]interface{}, n int) ([]interface{}, error) {
	items, ok := asArray(arg)
	if !ok {
		items = []interface{}{arg}
	}
	if len(items) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(items))
	}
	out := make([]interface{}, n)
	for i, item := range items {
		v, err := evalExpr(item, root, vars)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func evalFilter(arg interface{}, root interface{}, vars map[string]interface{}) (interface{}, error) {
	opts, ok := asMap(arg)
	if !ok {
		return nil, fmt.Errorf("$filter requires a document")
	}
	input, err := evalExpr(opts["input"], root, vars)
	if err != nil {
		return nil, err
	}
	arr, ok := asArray(input)
	if !ok {
		return nil, fmt.Errorf("$filter input must be an array")
	}
	name, _ := opts["as"].(string)
	if name == "" {
		name = "this"
	}

	out := bson.A{}
	for _, elem := range arr {
		scope := make(map[string]interface{}, len(vars)+1)
		for k, v := range vars {
			scope[k] = v
		}
		scope[name] = elem
		keep, err := evalExpr(opts["cond"], root, scope)
		if err != nil {
			return nil, err
		}
		if exprTruthy(keep) {
			out = append(out, elem)
		}
	}
	return out, nil
}

func evalComparison(op string, a, b interface{}) bool {
	if op == "$eq" {
		return valuesEqual(a, b)
	}
	if op == "$ne" {
		return !valuesEqual(a, b)
	}
	c, ok := compareValues(a, b)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	}
	return c <= 0
}

func fieldValue(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	head, rest, _ := strings.Cut(path, ".")
	if m, ok := asMap(v); ok {
		child, ok := m[head]
		if !ok {
			return nil
		}
		return fieldValue(child, rest)
	}
	if arr, ok := asArray(v); ok {
		out := bson.A{}
		for _, elem := range arr {
			if sub := fieldValue(elem, path); sub != nil {
				out = append(out, sub)
			}
		}
		return out
	}
	return nil
}

func exprTruthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
