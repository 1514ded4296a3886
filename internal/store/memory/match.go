package memory

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Match reports whether doc satisfies a MongoDB query filter.
func Match(doc interface{}, filter bson.D) (bool, error) {
	for _, e := range filter {
		ok, err := matchEntry(doc, e)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchEntry(doc interface{}, e bson.E) (bool, error) {
	switch e.Key {
	case "$and", "$or", "$nor":
		items, ok := asArray(e.Value)
		if !ok {
			return false, fmt.Errorf("%s requires an array", e.Key)
		}
		return matchLogical(doc, e.Key, items)
	case "$expr":
		v, err := evalExpr(e.Value, doc, nil)
		if err != nil {
			return false, err
		}
		return exprTruthy(v), nil
	}
	if strings.HasPrefix(e.Key, "$") {
		return false, fmt.Errorf("unsupported top-level operator %s", e.Key)
	}
	return matchCondition(lookup(doc, strings.Split(e.Key, ".")), e.Value)
}

func matchLogical(doc interface{}, op string, items []interface{}) (bool, error) {
	for _, item := range items {
		sub, ok := asDoc(item)
		if !ok {
			return false, fmt.Errorf("%s items must be documents", op)
		}
		matched, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !matched:
			return false, nil
		case op == "$or" && matched:
			return true, nil
		case op == "$nor" && matched:
			return false, nil
		}
	}
	return op != "$or", nil
}

// lookup resolves a dotted path, descending into array elements the way MongoDB
// does. Each returned value is one candidate for comparison.
func lookup(v interface{}, parts []string) []interface{} {
	if len(parts) == 0 {
		return []interface{}{v}
	}
	if m, ok := asMap(v); ok {
		child, ok := m[parts[0]]
		if !ok {
			return nil
		}
		return lookup(child, parts[1:])
	}
	if arr, ok := asArray(v); ok {
		if idx, err := strconv.Atoi(parts[0]); err == nil {
			if idx >= 0 && idx < len(arr) {
				return lookup(arr[idx], parts[1:])
			}
			return nil
		}
		var out []interface{}
		for _, elem := range arr {
			if _, ok := asMap(elem); ok {
				out = append(out, lookup(elem, parts)...)
			}
		}
		return out
	}
	return nil
}

// expand adds the elements of array candidates to the candidate list.
func expand(values []interface{}) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr, ok := asArray(v); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func matchCondition(values []interface{}, cond interface{}) (bool, error) {
	if re, ok := cond.(primitive.Regex); ok {
		return matchRegex(values, re.Pattern, re.Options)
	}
	if !isOperatorDoc(cond) {
		return anyEqual(values, cond), nil
	}

	ops, _ := asDoc(cond)
	var regexOptions string
	for _, op := range ops {
		if op.Key == "$options" {
			regexOptions, _ = op.Value.(string)
		}
	}

	for _, op := range ops {
		ok, err := matchOperator(values, op.Key, op.Value, regexOptions)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOperator(values []interface{}, op string, arg interface{}, regexOptions string) (bool, error) {
	switch op {
	case "$eq":
		return anyEqual(values, arg), nil
	case "$ne":
		return !anyEqual(values, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		for _, v := range expand(values) {
			c, ok := compareValues(v, arg)
			if !ok {
				continue
			}
			if (op == "$gt" && c > 0) || (op == "$gte" && c >= 0) || (op == "$lt" && c < 0) || (op == "$lte" && c <= 0) {
				return true, nil
			}
		}
		return false, nil
	case "$in", "$nin":
		list, ok := asArray(arg)
		if !ok {
			return false, fmt.Errorf("%s requires an array", op)
		}
		found, err := matchIn(values, list)
		if err != nil {
			return false, err
		}
		return found == (op == "$in"), nil
	case "$exists":
		want := true
		if b, ok := arg.(bool); ok {
			want = b
		}
		return (len(values) > 0) == want, nil
	case "$regex":
		switch re := arg.(type) {
		case string:
			return matchRegex(values, re, regexOptions)
		case primitive.Regex:
			return matchRegex(values, re.Pattern, re.Options+regexOptions)
		}
		return false, fmt.Errorf("$regex requires a pattern")
	case "$options":
		return true, nil
	case "$size":
		n, ok := toFloat(arg)
		if !ok {
			return false, fmt.Errorf("$size requires a number")
		}
		for _, v := range values {
			if arr, ok := asArray(v); ok && float64(len(arr)) == n {
				return true, nil
			}
		}
		return false, nil
	case "$elemMatch":
		return matchElem(values, arg)
	case "$not":
		ok, err := matchCondition(values, arg)
		return !ok, err
	}
	return false, fmt.Errorf("unsupported operator %s", op)
}

func anyEqual(values []interface{}, target interface{}) bool {
	if target == nil {
		if len(values) == 0 {
			return true
		}
	}
	for _, v := range values {
		if valuesEqual(v, target) {
			return true
		}
		if arr, ok := asArray(v); ok {
			for _, elem := range arr {
				if valuesEqual(elem, target) {
					return true
				}
			}
		}
	}
	return false
}

func matchIn(values, list []interface{}) (bool, error) {
	for _, item := range list {
		if re, ok := item.(primitive.Regex); ok {
			matched, err := matchRegex(values, re.Pattern, re.Options)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
			continue
		}
		if anyEqual(values, item) {
			return true, nil
		}
	}
	return false, nil
}

func matchRegex(values []interface{}, pattern, options string) (bool, error) {
	re, err := compileRegex(pattern, options)
	if err != nil {
		return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	for _, v := range expand(values) {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}

func matchElem(values []interface{}, arg interface{}) (bool, error) {
	sub, ok := asDoc(arg)
	if !ok {
		return false, fmt.Errorf("$elemMatch requires a document")
	}
	operatorForm := isOperatorDoc(sub)
	for _, v := range values {
		arr, ok := asArray(v)
		if !ok {
			continue
		}
		for _, elem := range arr {
			var (
				matched bool
				err     error
			)
			if operatorForm {
				matched, err = matchCondition([]interface{}{elem}, sub)
			} else if _, isDoc := asMap(elem); isDoc {
				matched, err = Match(elem, sub)
			}
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}
