package view

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

const preferredSuffix = "_preferred"

var (
	preferredPaths = []string{"adapters.data.adapter_properties", "adapters.data.last_seen"}
	recordPaths    = []string{"adapters.plugin_name", "adapters.pending_delete", "tags.plugin_name", "tags.type"}
)

// ConvertProjection rewrites a projection over view fields into a projection over
// stored entity documents. Output order follows input order without duplicates.
func ConvertProjection(projection bson.D) bson.D {
	out := projectionBuilder{seen: map[string]bool{}}
	for _, e := range projection {
		include := included(e.Value)
		key := e.Key
		switch {
		case key == "specific_data":
			out.add(e.Value, "adapters", "tags")
			out.bookkeeping(include)
		case strings.HasPrefix(key, "specific_data."):
			path, preferred := stripPreferred(strings.TrimPrefix(key, "specific_data."))
			out.add(e.Value, "adapters."+path, "tags."+path)
			out.bookkeeping(include)
			if preferred && include {
				out.add(e.Value, preferredPaths...)
			}
		case strings.HasPrefix(key, "adapters_data."):
			_, rest, _ := strings.Cut(strings.TrimPrefix(key, "adapters_data."), ".")
			if rest == "" {
				out.add(e.Value, "adapters.data", "tags.data")
			} else {
				path, preferred := stripPreferred(rest)
				out.add(e.Value, "adapters.data."+path, "tags.data."+path)
				if preferred && include {
					out.add(e.Value, preferredPaths...)
				}
			}
			out.bookkeeping(include)
		case key == "adapters_data":
			out.add(e.Value, "adapters.data", "tags.data")
			out.bookkeeping(include)
		case key == "adapters_meta":
			out.add(e.Value, "adapters.client_used", "tags.client_used")
			out.bookkeeping(include)
		case key == "labels":
			out.add(e.Value, "tags.name", "tags.type", "tags.data")
		case key == "generic_data":
			out.add(e.Value, "tags")
		case key == "adapters":
			out.add(e.Value, "adapters.plugin_name", "adapters.pending_delete")
		default:
			out.add(e.Value, key)
		}
	}
	return out.doc
}

type projectionBuilder struct {
	doc  bson.D
	seen map[string]bool
}

// add appends paths not already covered. A path replaces any previously added
// paths below it since Mongo rejects overlapping projection paths.
func (b *projectionBuilder) add(value interface{}, paths ...string) {
	for _, p := range paths {
		if b.covered(p) {
			continue
		}
		kept := b.doc[:0]
		for _, e := range b.doc {
			if strings.HasPrefix(e.Key, p+".") {
				delete(b.seen, e.Key)
				continue
			}
			kept = append(kept, e)
		}
		b.doc = append(kept, bson.E{Key: p, Value: value})
		b.seen[p] = true
	}
}

func (b *projectionBuilder) covered(path string) bool {
	for {
		if b.seen[path] {
			return true
		}
		idx := strings.LastIndex(path, ".")
		if idx < 0 {
			return false
		}
		path = path[:idx]
	}
}

func (b *projectionBuilder) bookkeeping(include bool) {
	if include {
		b.add(1, recordPaths...)
	}
}

func stripPreferred(path string) (string, bool) {
	idx := strings.LastIndex(path, ".")
	leaf := path[idx+1:]
	if !strings.HasSuffix(leaf, preferredSuffix) {
		return path, false
	}
	return strings.TrimSuffix(path, preferredSuffix), true
}

func included(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}
