package filter

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	specificDataKey    = "specific_data"
	specificDataPrefix = "specific_data."
	adaptersDataPrefix = "adapters_data."
	adapterCountField  = "adapter_count"
)

// PostProcess rewrites specific_data and adapters_data conditions into element
// matches over adapter records and adapterdata tags. Pending-delete records never
// match. Outdated records match only when includeOutdated is set. The input is not
// modified.
func PostProcess(doc bson.D, includeOutdated bool) bson.D {
	var (
		others   bson.D
		specific bson.D
		adapters []string
		perPlug  = map[string]bson.D{}
		counts   []bson.D
	)

	for _, e := range doc {
		switch {
		case e.Key == specificDataKey:
			if inner, ok := operatorValue(e.Value, "$elemMatch"); ok {
				if d, ok := asDoc(inner); ok {
					specific = append(specific, d...)
					continue
				}
			}
			others = append(others, bson.E{Key: e.Key, Value: postProcessValue(e.Value, includeOutdated)})
		case strings.HasPrefix(e.Key, specificDataPrefix):
			specific = append(specific, bson.E{Key: strings.TrimPrefix(e.Key, specificDataPrefix), Value: e.Value})
		case strings.HasPrefix(e.Key, adaptersDataPrefix):
			name, path, _ := strings.Cut(strings.TrimPrefix(e.Key, adaptersDataPrefix), ".")
			switch path {
			case "":
				if clause, ok := adapterExists(name, e.Value); ok {
					counts = append(counts, clause)
					continue
				}
				others = append(others, e)
			case adapterCountField:
				if clause, ok := adapterCount(name, e.Value); ok {
					counts = append(counts, clause)
					continue
				}
				others = append(others, e)
			default:
				if _, seen := perPlug[name]; !seen {
					adapters = append(adapters, name)
				}
				perPlug[name] = append(perPlug[name], bson.E{Key: "data." + path, Value: e.Value})
			}
		default:
			others = append(others, bson.E{Key: e.Key, Value: postProcessValue(e.Value, includeOutdated)})
		}
	}

	var clauses []bson.D
	if len(specific) > 0 {
		clauses = append(clauses, recordMatch(nil, specific, includeOutdated))
	}
	for _, name := range adapters {
		clauses = append(clauses, recordMatch(bson.D{{Key: "plugin_name", Value: name}}, perPlug[name], includeOutdated))
	}
	clauses = append(clauses, counts...)
	return joinClauses(others, clauses)
}

func postProcessValue(v interface{}, includeOutdated bool) interface{} {
	if d, ok := asDoc(v); ok {
		return PostProcess(d, includeOutdated)
	}
	if a, ok := asArray(v); ok {
		out := make(bson.A, 0, len(a))
		for _, item := range a {
			out = append(out, postProcessValue(item, includeOutdated))
		}
		return out
	}
	return v
}

// recordMatch matches an entity having an adapter record or adapterdata tag that
// satisfies every condition at once.
func recordMatch(scope, conds bson.D, includeOutdated bool) bson.D {
	adapter := make(bson.D, 0, len(scope)+len(conds)+2)
	adapter = append(adapter, CloneDoc(scope)...)
	adapter = append(adapter, CloneDoc(conds)...)
	adapter = append(adapter, liveRecord(includeOutdated)...)

	tag := make(bson.D, 0, len(scope)+len(conds)+3)
	tag = append(tag, CloneDoc(scope)...)
	tag = append(tag, CloneDoc(conds)...)
	tag = append(tag, bson.E{Key: "type", Value: "adapterdata"})
	tag = append(tag, liveRecord(includeOutdated)...)

	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "adapters", Value: bson.D{{Key: "$elemMatch", Value: adapter}}}},
		bson.D{{Key: "tags", Value: bson.D{{Key: "$elemMatch", Value: tag}}}},
	}}}
}

func liveRecord(includeOutdated bool) bson.D {
	d := bson.D{{Key: "pending_delete", Value: bson.D{{Key: "$ne", Value: true}}}}
	if !includeOutdated {
		d = append(d, bson.E{Key: "data._old", Value: bson.D{{Key: "$ne", Value: true}}})
	}
	return d
}
