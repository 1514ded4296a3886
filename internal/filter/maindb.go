package filter

import (
	"go.mongodb.org/mongo-driver/bson"
)

var sizeOperators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
}

// ConvertToMainDB rewrites the adapters and labels conventions of the view
// namespace into stored-document form. It walks $and, $or and $nor.
func ConvertToMainDB(doc bson.D) bson.D {
	var (
		others  bson.D
		clauses []bson.D
	)
	for _, e := range doc {
		switch e.Key {
		case "$and", "$or", "$nor":
			if items, ok := asArray(e.Value); ok {
				out := make(bson.A, 0, len(items))
				for _, item := range items {
					if d, ok := asDoc(item); ok {
						out = append(out, ConvertToMainDB(d))
					} else {
						out = append(out, item)
					}
				}
				others = append(others, bson.E{Key: e.Key, Value: out})
				continue
			}
		case "adapters":
			if clause, ok := convertAdapters(e.Value); ok {
				clauses = append(clauses, clause)
				continue
			}
		case "labels":
			others = append(others, bson.E{Key: "tags.label_value", Value: e.Value})
			continue
		}
		others = append(others, e)
	}
	return joinClauses(others, clauses)
}

func convertAdapters(v interface{}) (bson.D, bool) {
	if name, ok := v.(string); ok {
		return adapterPresence(name), true
	}
	cond, ok := asDoc(v)
	if !ok || len(cond) != 1 {
		return nil, false
	}
	op, arg := cond[0].Key, cond[0].Value
	if _, sized := operatorValue(arg, "$size"); !sized {
		switch op {
		case "$eq":
			if _, isDoc := asDoc(arg); !isDoc {
				return adapterPresence(arg), true
			}
		case "$ne":
			if _, isDoc := asDoc(arg); !isDoc {
				return noneOf(adapterPresence(arg)), true
			}
		case "$nin":
			if list, ok := asArray(arg); ok {
				return noneOf(adapterPresence(bson.D{{Key: "$in", Value: list}})), true
			}
		}
	}
	switch op {
	case "$in":
		if list, ok := asArray(arg); ok {
			return adapterPresence(bson.D{{Key: "$in", Value: list}}), true
		}
	case "$size":
		return adapterSize("$eq", arg), true
	case "$not":
		if n, ok := operatorValue(arg, "$size"); ok {
			return adapterSize("$ne", n), true
		}
	default:
		if n, ok := operatorValue(arg, "$size"); ok && sizeOperators[op] {
			return adapterSize(op, n), true
		}
	}
	return nil, false
}

// adapterPresence matches entities holding a live record of the given plugin(s).
func adapterPresence(plugin interface{}) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "adapters", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "plugin_name", Value: plugin},
			{Key: "pending_delete", Value: bson.D{{Key: "$ne", Value: true}}},
		}}}}},
		bson.D{{Key: "tags", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "plugin_name", Value: plugin},
			{Key: "type", Value: "adapterdata"},
			{Key: "pending_delete", Value: bson.D{{Key: "$ne", Value: true}}},
		}}}}},
	}}}
}

func noneOf(clause bson.D) bson.D {
	return bson.D{{Key: "$nor", Value: bson.A{clause}}}
}

func adapterSize(op string, n interface{}) bson.D {
	size := bson.D{{Key: "$size", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$adapters", bson.A{}}}}}}
	return bson.D{{Key: "$expr", Value: bson.D{{Key: op, Value: bson.A{size, n}}}}}
}
