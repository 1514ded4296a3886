package filter

import "go.mongodb.org/mongo-driver/bson"

// TranslateNot removes every field-level $not. A field condition {k: {$not: c}}
// becomes {$nor: [{k: c}]} at the enclosing level; negations found at one level
// share a single $nor list.
func TranslateNot(doc bson.D) bson.D {
	out := make(bson.D, 0, len(doc))
	var nor bson.A

	for _, e := range doc {
		if e.Key == "$nor" {
			if items, ok := asArray(e.Value); ok {
				nor = append(nor, translateNotValue(items).(bson.A)...)
				continue
			}
		}

		cond, ok := asDoc(e.Value)
		if !ok || !hasKey(cond, "$not") {
			out = append(out, bson.E{Key: e.Key, Value: translateNotValue(e.Value)})
			continue
		}

		rest := make(bson.D, 0, len(cond))
		for _, c := range cond {
			if c.Key == "$not" {
				nor = append(nor, TranslateNot(bson.D{{Key: e.Key, Value: c.Value}}))
				continue
			}
			rest = append(rest, bson.E{Key: c.Key, Value: translateNotValue(c.Value)})
		}
		if len(rest) > 0 {
			out = append(out, bson.E{Key: e.Key, Value: rest})
		}
	}

	if len(nor) > 0 {
		out = append(out, bson.E{Key: "$nor", Value: nor})
	}
	return out
}

func translateNotValue(v interface{}) interface{} {
	if d, ok := asDoc(v); ok {
		return TranslateNot(d)
	}
	if a, ok := asArray(v); ok {
		out := make(bson.A, 0, len(a))
		for _, item := range a {
			out = append(out, translateNotValue(item))
		}
		return out
	}
	return v
}

func hasKey(d bson.D, key string) bool {
	for _, e := range d {
		if e.Key == key {
			return true
		}
	}
	return false
}
