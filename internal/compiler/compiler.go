// Package compiler turns query strings into MongoDB filters over stored entities
// and caches the results.
package compiler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/filter"
	"assetql/internal/logger"
	"assetql/internal/querylang"
	"assetql/internal/store"
	"assetql/internal/xref"
)

const includeOutdatedPrefix = "INCLUDE OUTDATED:"

// Resolver resolves exists_in references to entity ids.
type Resolver interface {
	Resolve(ctx context.Context, ref xref.Reference) ([]string, error)
}

// Compiler compiles query strings. It is safe for concurrent use.
type Compiler struct {
	mu       sync.Mutex
	cache    *filterCache
	resolver Resolver
	labels   store.LabelProvider
	now      func() time.Time
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithResolver sets the exists_in resolver.
func WithResolver(r Resolver) Option {
	return func(c *Compiler) { c.resolver = r }
}

// WithLabels sets the connection label source.
func WithLabels(p store.LabelProvider) Option {
	return func(c *Compiler) { c.labels = p }
}

// WithClock overrides the wall clock used for NOW.
func WithClock(now func() time.Time) Option {
	return func(c *Compiler) { c.now = now }
}

// New constructs a compiler holding a cache of cacheSize filters.
func New(cacheSize int, opts ...Option) (*Compiler, error) {
	cache, err := newFilterCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create filter cache: %w", err)
	}
	c := &Compiler{cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ParseFilter compiles an entity query. historyDate anchors NOW and selects the
// historical snapshot the caller will query; nil means live data. An exists_in
// reference is resolved on every call, outside the cache lock; only the rest of
// the query is cached.
func (c *Compiler) ParseFilter(ctx context.Context, query string, historyDate *time.Time) (PhysicalFilter, error) {
	if strings.TrimSpace(query) == "" {
		return newPhysicalFilter(nil), nil
	}
	rest, includeOutdated, ref, err := splitPrefixes(query)
	if err != nil {
		metricCompileErrors.Inc()
		return PhysicalFilter{}, err
	}
	if ref != nil && c.resolver == nil {
		return PhysicalFilter{}, fmt.Errorf("%s: no enforcement run resolver configured", ref)
	}

	compile := func() (PhysicalFilter, error) {
		return c.compileEntities(ctx, rest, includeOutdated, historyDate)
	}
	var base PhysicalFilter
	switch {
	case querylang.ContainsConnectionLabel(rest):
		metricCacheBypass.WithLabelValues("connection_label").Inc()
		base, err = compile()
	case querylang.HasRelativeDate(rest):
		metricCacheBypass.WithLabelValues("now").Inc()
		base, err = compile()
	default:
		base, err = c.cached(newCacheKey(entityFilter, query, historyDate), compile)
	}
	if err != nil {
		return PhysicalFilter{}, err
	}
	if ref == nil {
		return base, nil
	}
	return c.restrictToReference(ctx, base, *ref)
}

// ParseFilterNonEntities compiles a query over documents that are not entities.
// No adapter or tag rewriting is applied.
func (c *Compiler) ParseFilterNonEntities(ctx context.Context, query string, historyDate *time.Time) (PhysicalFilter, error) {
	if strings.TrimSpace(query) == "" {
		return newPhysicalFilter(nil), nil
	}
	compile := func() (PhysicalFilter, error) {
		start := time.Now()
		defer func() { metricCompileSeconds.Observe(time.Since(start).Seconds()) }()

		raw, err := c.translate(ctx, query, historyDate, false)
		if err != nil {
			metricCompileErrors.Inc()
			return PhysicalFilter{}, err
		}
		return newPhysicalFilter(filter.TranslateNot(raw)), nil
	}
	if querylang.HasRelativeDate(query) {
		metricCacheBypass.WithLabelValues("now").Inc()
		return compile()
	}
	return c.cached(newCacheKey(plainFilter, query, historyDate), compile)
}

// CompileTree applies the entity rewrites to an already built raw filter.
// Negations are lifted first so adapter conditions under not() reach the
// adapters rewrite in positive form.
func (c *Compiler) CompileTree(raw bson.D, includeOutdated bool) PhysicalFilter {
	doc := filter.TranslateNot(raw)
	doc = filter.ConvertToMainDB(doc)
	return newPhysicalFilter(filter.PostProcess(doc, includeOutdated))
}

func (c *Compiler) cached(key cacheKey, compile func() (PhysicalFilter, error)) (PhysicalFilter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.cache.get(key); ok {
		metricCacheHit.Inc()
		return f, nil
	}
	metricCacheMiss.Inc()

	f, err := compile()
	if err != nil {
		return PhysicalFilter{}, err
	}
	c.cache.add(key, f)
	return f, nil
}

func (c *Compiler) compileEntities(ctx context.Context, text string, includeOutdated bool, historyDate *time.Time) (PhysicalFilter, error) {
	start := time.Now()
	defer func() { metricCompileSeconds.Observe(time.Since(start).Seconds()) }()

	raw, err := c.translate(ctx, text, historyDate, true)
	if err != nil {
		metricCompileErrors.Inc()
		logger.Debugf("compile %q: %v", text, err)
		return PhysicalFilter{}, err
	}
	return c.CompileTree(raw, includeOutdated), nil
}

// restrictToReference ANDs base with membership in the entity ids recorded for
// ref. An unknown run yields an empty id list.
func (c *Compiler) restrictToReference(ctx context.Context, base PhysicalFilter, ref xref.Reference) (PhysicalFilter, error) {
	ids, err := c.resolver.Resolve(ctx, ref)
	if err != nil {
		return PhysicalFilter{}, err
	}
	in := make(bson.A, 0, len(ids))
	for _, id := range ids {
		in = append(in, id)
	}
	idClause := bson.D{{Key: "internal_axon_id", Value: bson.D{{Key: "$in", Value: in}}}}
	if base.IsEmpty() {
		return newPhysicalFilter(idClause), nil
	}
	return newPhysicalFilter(bson.D{{Key: "$and", Value: bson.A{idClause, base.Doc()}}}), nil
}

// splitPrefixes removes the INCLUDE OUTDATED: and exists_in(...) prefixes, in
// either order, from the front of query.
func splitPrefixes(query string) (rest string, includeOutdated bool, ref *xref.Reference, err error) {
	rest = strings.TrimSpace(query)
	for {
		if strings.HasPrefix(rest, includeOutdatedPrefix) {
			includeOutdated = true
			rest = strings.TrimSpace(rest[len(includeOutdatedPrefix):])
			continue
		}
		r, remain, ok, perr := xref.ParseExistsIn(rest)
		if perr != nil {
			return "", false, nil, perr
		}
		if !ok {
			return rest, includeOutdated, ref, nil
		}
		if ref != nil {
			return "", false, nil, fmt.Errorf("only one exists_in reference is allowed")
		}
		ref = &r
		rest = strings.TrimSpace(remain)
	}
}

// translate runs the text rewrites, the parser and the AST passes, returning a
// raw filter over view paths.
func (c *Compiler) translate(ctx context.Context, text string, historyDate *time.Time, entities bool) (bson.D, error) {
	if strings.TrimSpace(text) == "" {
		return bson.D{}, nil
	}

	text = querylang.RewriteDateLiterals(text)
	if querylang.HasRelativeDate(text) {
		anchor := c.now()
		if historyDate != nil {
			anchor = *historyDate
		}
		text = querylang.RewriteRelativeDates(text, anchor)
	}

	expr, err := querylang.Parse(text)
	if err != nil {
		return nil, err
	}

	if !entities {
		expr = querylang.LiteralConnectionLabels(expr)
	} else if querylang.ContainsConnectionLabel(text) {
		if c.labels == nil {
			return nil, fmt.Errorf("query uses connection_label but no label provider is configured")
		}
		labels, err := c.labels.ConnectionLabels(ctx)
		if err != nil {
			return nil, fmt.Errorf("load connection labels: %w", err)
		}
		expr, err = querylang.ExpandConnectionLabels(expr, labels)
		if err != nil {
			return nil, err
		}
	}

	return querylang.ToFilter(expr)
}

func (c *Compiler) cacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.len()
}
