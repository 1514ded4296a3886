package filter

import (
	"go.mongodb.org/mongo-driver/bson"
)

var countOperators = map[string]bool{
	"$eq": true, "$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true, "$in": true,
}

// adapterCountExpr counts the live, current records of one plugin. Outdated
// records are never counted.
func adapterCountExpr(plugin string) bson.D {
	return bson.D{{Key: "$size", Value: bson.D{{Key: "$filter", Value: bson.D{
		{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$adapters", bson.A{}}}}},
		{Key: "as", Value: "adapter"},
		{Key: "cond", Value: bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$$adapter.plugin_name", plugin}}},
			bson.D{{Key: "$ne", Value: bson.A{"$$adapter.pending_delete", true}}},
			bson.D{{Key: "$ne", Value: bson.A{"$$adapter.data._old", true}}},
		}}}},
	}}}}}
}

// adapterCount turns a condition on adapters_data.<plugin>.adapter_count into an
// aggregate expression over the entity's adapter records. It reports false when
// the condition uses an operator that has no count equivalent.
func adapterCount(plugin string, cond interface{}) (bson.D, bool) {
	count := adapterCountExpr(plugin)

	d, ok := asDoc(cond)
	if !ok || len(d) == 0 || d[0].Key == "" || d[0].Key[0] != '$' {
		return exprClause(bson.D{{Key: "$eq", Value: bson.A{count, cond}}}), true
	}

	preds := make(bson.A, 0, len(d))
	for _, e := range d {
		switch {
		case e.Key == "$exists":
			op := "$eq"
			if truthy(e.Value) {
				op = "$gt"
			}
			preds = append(preds, bson.D{{Key: op, Value: bson.A{adapterCountExpr(plugin), 0}}})
		case countOperators[e.Key]:
			preds = append(preds, bson.D{{Key: e.Key, Value: bson.A{adapterCountExpr(plugin), e.Value}}})
		default:
			return nil, false
		}
	}
	if len(preds) == 1 {
		return exprClause(preds[0].(bson.D)), true
	}
	return exprClause(bson.D{{Key: "$and", Value: preds}}), true
}

// adapterExists handles adapters_data.<plugin> == exists(b).
func adapterExists(plugin string, cond interface{}) (bson.D, bool) {
	v, ok := operatorValue(cond, "$exists")
	if !ok {
		return nil, false
	}
	op := "$eq"
	if truthy(v) {
		op = "$gt"
	}
	return exprClause(bson.D{{Key: op, Value: bson.A{adapterCountExpr(plugin), 0}}}), true
}

func exprClause(expr bson.D) bson.D {
	return bson.D{{Key: "$expr", Value: expr}}
}

func truthy(v interface{}) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return v != nil
}
