package compiler

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/filter"
)

// DefaultCacheSize is the number of compiled filters kept when no size is configured.
const DefaultCacheSize = 100

type cacheKind uint8

const (
	entityFilter cacheKind = iota
	plainFilter
)

type cacheKey struct {
	kind       cacheKind
	query      string
	history    int64
	hasHistory bool
}

func newCacheKey(kind cacheKind, query string, historyDate *time.Time) cacheKey {
	k := cacheKey{kind: kind, query: query}
	if historyDate != nil {
		k.history = historyDate.UnixNano()
		k.hasHistory = true
	}
	return k
}

// PhysicalFilter is a compiled filter over stored entity documents. It is never
// modified after construction; Doc hands out copies.
type PhysicalFilter struct {
	doc bson.D
}

func newPhysicalFilter(doc bson.D) PhysicalFilter {
	if doc == nil {
		doc = bson.D{}
	}
	return PhysicalFilter{doc: doc}
}

// Doc returns a copy of the filter document.
func (f PhysicalFilter) Doc() bson.D {
	if f.doc == nil {
		return bson.D{}
	}
	return filter.CloneDoc(f.doc)
}

// IsEmpty reports whether the filter matches every document.
func (f PhysicalFilter) IsEmpty() bool {
	return len(f.doc) == 0
}

// MarshalJSON renders the filter as relaxed extended JSON.
func (f PhysicalFilter) MarshalJSON() ([]byte, error) {
	return bson.MarshalExtJSON(f.Doc(), false, false)
}

func (f PhysicalFilter) String() string {
	b, err := f.MarshalJSON()
	if err != nil {
		return "<invalid filter>"
	}
	return string(b)
}

// filterCache is a bounded LRU of compiled filters. Callers hold Compiler.mu.
type filterCache struct {
	lru *simplelru.LRU[cacheKey, PhysicalFilter]
}

func newFilterCache(size int) (*filterCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	lru, err := simplelru.NewLRU[cacheKey, PhysicalFilter](size, nil)
	if err != nil {
		return nil, err
	}
	return &filterCache{lru: lru}, nil
}

func (c *filterCache) get(k cacheKey) (PhysicalFilter, bool) {
	return c.lru.Get(k)
}

func (c *filterCache) add(k cacheKey, f PhysicalFilter) {
	c.lru.Add(k, f)
}

func (c *filterCache) len() int {
	return c.lru.Len()
}
