// Package filter rewrites raw query trees over view paths into filters over the
// stored entity layout.
package filter

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// asDoc returns v as an ordered document. Unordered maps are sorted by key.
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

func asArray(v interface{}) (bson.A, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []interface{}:
		return bson.A(a), true
	case []bson.D:
		out := make(bson.A, 0, len(a))
		for _, d := range a {
			out = append(out, d)
		}
		return out, true
	}
	return nil, false
}

// operatorValue returns the value of key when v is an operator document holding it.
func operatorValue(v interface{}, key string) (interface{}, bool) {
	d, ok := asDoc(v)
	if !ok {
		return nil, false
	}
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// joinClauses conjoins the untouched keys of a document with generated clauses.
func joinClauses(others bson.D, clauses []bson.D) bson.D {
	switch {
	case len(clauses) == 0:
		if others == nil {
			return bson.D{}
		}
		return others
	case len(others) == 0 && len(clauses) == 1:
		return clauses[0]
	}
	items := make(bson.A, 0, len(clauses)+1)
	if len(others) > 0 {
		items = append(items, others)
	}
	for _, c := range clauses {
		items = append(items, c)
	}
	return bson.D{{Key: "$and", Value: items}}
}

// Clone deep-copies a filter tree.
func Clone(v interface{}) interface{} {
	switch x := v.(type) {
	case bson.D:
		return CloneDoc(x)
	case bson.M:
		out := make(bson.M, len(x))
		for k, val := range x {
			out[k] = Clone(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = Clone(val)
		}
		return out
	case bson.A:
		out := make(bson.A, len(x))
		for i, val := range x {
			out[i] = Clone(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = Clone(val)
		}
		return out
	}
	return v
}

// CloneDoc deep-copies a document.
func CloneDoc(d bson.D) bson.D {
	if d == nil {
		return nil
	}
	out := make(bson.D, len(d))
	for i, e := range d {
		out[i] = bson.E{Key: e.Key, Value: Clone(e.Value)}
	}
	return out
}
