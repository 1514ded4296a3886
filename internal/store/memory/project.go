package memory

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// pathTree marks projected paths. A nil child keeps the whole subtree.
type pathTree map[string]pathTree

func (t pathTree) add(path string) {
	node := t
	parts := strings.Split(path, ".")
	for i, p := range parts {
		child, seen := node[p]
		if seen && child == nil {
			return
		}
		if i == len(parts)-1 {
			node[p] = nil
			return
		}
		if child == nil {
			child = pathTree{}
			node[p] = child
		}
		node = child
	}
}

// project applies an inclusion or exclusion projection to doc.
func project(doc bson.M, projection bson.D) bson.M {
	if len(projection) == 0 {
		return clone(doc).(bson.M)
	}

	include := pathTree{}
	var exclude []string
	for _, e := range projection {
		if keep, ok := e.Value.(bool); ok && !keep {
			exclude = append(exclude, e.Key)
			continue
		}
		if n, ok := toFloat(e.Value); ok && n == 0 {
			exclude = append(exclude, e.Key)
			continue
		}
		include.add(e.Key)
	}

	if len(include) == 0 {
		out := clone(doc).(bson.M)
		for _, path := range exclude {
			removePath(out, strings.Split(path, "."))
		}
		return out
	}

	out, _ := prune(doc, include).(bson.M)
	if out == nil {
		out = bson.M{}
	}
	return out
}

func prune(v interface{}, t pathTree) interface{} {
	if m, ok := asMap(v); ok {
		out := bson.M{}
		for k, sub := range t {
			val, ok := m[k]
			if !ok {
				continue
			}
			if sub == nil {
				out[k] = clone(val)
				continue
			}
			if pv := prune(val, sub); pv != nil {
				out[k] = pv
			}
		}
		return out
	}
	if arr, ok := asArray(v); ok {
		out := bson.A{}
		for _, elem := range arr {
			if _, ok := asMap(elem); ok {
				out = append(out, prune(elem, t))
			}
		}
		return out
	}
	return nil
}

func removePath(v interface{}, parts []string) {
	if m, ok := asMap(v); ok {
		if len(parts) == 1 {
			delete(m, parts[0])
			return
		}
		if child, ok := m[parts[0]]; ok {
			removePath(child, parts[1:])
		}
		return
	}
	if arr, ok := asArray(v); ok {
		for _, elem := range arr {
			removePath(elem, parts)
		}
	}
}
