// Package view converts stored entity documents into the denormalized view shape
// and view projections into stored-document projections.
package view

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/logger"
	"assetql/pkg/models"
)

var metricFieldErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "assetql_view_field_errors",
		Help: "Number of view fields that could not be built from the stored document.",
	},
	[]string{"field"},
)

var entityKeys = map[string]bool{
	"internal_axon_id": true,
	"adapters":         true,
	"tags":             true,
	"_id":              true,
}

// Materialize builds the view of a stored entity document. A nil document yields a
// nil view. Missing keys fail the call unless ignoreErrors is set, in which case
// the affected field is left empty.
func Materialize(doc bson.M, ignoreErrors bool) (*models.View, error) {
	if doc == nil {
		return nil, nil
	}

	id, _ := doc["internal_axon_id"].(string)
	b := builder{id: id, ignoreErrors: ignoreErrors}

	adapters := b.records(doc, "adapters")
	tags := b.records(doc, "tags")
	if b.err != nil {
		return nil, b.err
	}

	live := make([]bson.M, 0, len(adapters))
	for _, a := range adapters {
		if pending, _ := a["pending_delete"].(bool); pending {
			continue
		}
		live = append(live, a)
	}

	v := &models.View{
		InternalAxonID: id,
		SpecificData:   []bson.M{},
		AdaptersData:   map[string][]bson.M{},
		AdaptersMeta:   map[string][]bson.M{},
		GenericData:    []bson.M{},
		Labels:         []string{},
		Adapters:       []string{},
	}

	if labels, err := labelNames(tags); b.check("labels", err) {
		v.Labels = labels
	}

	v.SpecificData = append(v.SpecificData, live...)
	for _, t := range tags {
		typ, hasType := t["type"]
		if typ == models.TagTypeAdapterData || (ignoreErrors && !hasType) {
			v.SpecificData = append(v.SpecificData, t)
		}
	}

	if data, meta, err := adapterMaps(v.SpecificData); b.check("adapters_data", err) {
		v.AdaptersData, v.AdaptersMeta = data, meta
	}

	for _, t := range tags {
		if t["type"] != models.TagTypeData {
			continue
		}
		if data, ok := t["data"].(bool); ok && !data {
			continue
		}
		v.GenericData = append(v.GenericData, t)
	}

	if names, err := pluginNames(live); b.check("adapters", err) {
		v.Adapters = names
	}

	for k, val := range doc {
		if entityKeys[k] {
			continue
		}
		if v.Extra == nil {
			v.Extra = bson.M{}
		}
		v.Extra[k] = val
	}

	if b.err != nil {
		return nil, b.err
	}
	return v, nil
}

type builder struct {
	id           string
	ignoreErrors bool
	err          error
}

// check records a field error. It reports whether the field value can be used.
func (b *builder) check(field string, err error) bool {
	if err == nil {
		return true
	}
	metricFieldErrors.WithLabelValues(field).Inc()
	if b.ignoreErrors {
		logger.Debugf("entity %s: field %s left empty: %v", b.id, field, err)
		return false
	}
	logger.Errorf("entity %s: build field %s: %v", b.id, field, err)
	if b.err == nil {
		b.err = fmt.Errorf("entity %s: %s: %w", b.id, field, err)
	}
	return false
}

func (b *builder) records(doc bson.M, key string) []bson.M {
	raw, ok := doc[key]
	if !ok {
		b.check(key, fmt.Errorf("missing %q", key))
		return nil
	}
	if raw == nil {
		return nil
	}
	items, ok := asArray(raw)
	if !ok {
		b.check(key, fmt.Errorf("%q is %T, not a list", key, raw))
		return nil
	}
	out := make([]bson.M, 0, len(items))
	for i, item := range items {
		m, ok := asMap(item)
		if !ok {
			b.check(key, fmt.Errorf("%s[%d] is %T, not a document", key, i, item))
			continue
		}
		out = append(out, m)
	}
	return out
}

func labelNames(tags []bson.M) ([]string, error) {
	names := []string{}
	for _, t := range tags {
		if t["type"] != models.TagTypeLabel {
			continue
		}
		if active, _ := t["data"].(bool); !active {
			continue
		}
		name, ok := t["name"].(string)
		if !ok {
			return nil, fmt.Errorf("label tag without name")
		}
		names = append(names, name)
	}
	return names, nil
}

func adapterMaps(records []bson.M) (map[string][]bson.M, map[string][]bson.M, error) {
	data := map[string][]bson.M{}
	meta := map[string][]bson.M{}
	for _, r := range records {
		plugin, ok := r["plugin_name"].(string)
		if !ok {
			return nil, nil, fmt.Errorf("record without plugin_name")
		}
		raw, ok := r["data"]
		if !ok {
			return nil, nil, fmt.Errorf("%s record without data", plugin)
		}
		bag, _ := asMap(raw)
		m := bson.M{}
		if cu, ok := r["client_used"]; ok {
			m["client_used"] = cu
		}
		data[plugin] = append(data[plugin], bag)
		meta[plugin] = append(meta[plugin], m)
	}
	return data, meta, nil
}

func pluginNames(adapters []bson.M) ([]string, error) {
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		name, ok := a["plugin_name"].(string)
		if !ok {
			return nil, fmt.Errorf("adapter without plugin_name")
		}
		names = append(names, name)
	}
	return names, nil
}

func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	case bson.D:
		return m.Map(), true
	}
	return nil, false
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
	}
	return nil, false
}
