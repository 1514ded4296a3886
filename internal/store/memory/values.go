package memory

import (
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return m, true
	case bson.D:
		return m.Map(), true
	}
	return nil, false
}

func asDoc(v interface{}) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		return sortedDoc(d), true
	case map[string]interface{}:
		return sortedDoc(d), true
	}
	return nil, false
}

func sortedDoc(m map[string]interface{}) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out
}

func asArray(v interface{}) ([]interface{}, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []interface{}:
		return a, true
	case []bson.M:
		out := make([]interface{}, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	case []bson.D:
		out := make([]interface{}, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	case []string:
		out := make([]interface{}, len(a))
		for i := range a {
			out[i] = a[i]
		}
		return out, true
	}
	return nil, false
}

func isOperatorDoc(v interface{}) bool {
	d, ok := asDoc(v)
	return ok && len(d) > 0 && strings.HasPrefix(d[0].Key, "$")
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

// compareValues orders two values of compatible types.
func compareValues(a, b interface{}) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if x, ok := toTime(a); ok {
		y, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	if x, ok := a.(bool); ok {
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	if x, ok := asArray(a); ok {
		y, ok := asArray(b)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	if x, ok := asMap(a); ok {
		y, ok := asMap(b)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if !valuesEqual(v, y[k]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags string
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func clone(v interface{}) interface{} {
	switch x := v.(type) {
	case bson.M:
		out := make(bson.M, len(x))
		for k, val := range x {
			out[k] = clone(val)
		}
		return out
	case map[string]interface{}:
		out := make(bson.M, len(x))
		for k, val := range x {
			out[k] = clone(val)
		}
		return out
	case bson.D:
		out := make(bson.D, len(x))
		for i, e := range x {
			out[i] = bson.E{Key: e.Key, Value: clone(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(x))
		for i, val := range x {
			out[i] = clone(val)
		}
		return out
	case []interface{}:
		out := make(bson.A, len(x))
		for i, val := range x {
			out[i] = clone(val)
		}
		return out
	}
	return v
}
