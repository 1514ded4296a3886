package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"assetql/internal/logger"
)

// LogsourceProduct is the Sigma logsource product accepted besides an empty one.
const LogsourceProduct = "assetql"

var errComplex = errors.New("unsupported rule construct")

var viewRoots = []string{
	"specific_data", "adapters_data", "adapters_meta", "generic_data",
	"adapters", "labels", "adapter_count", "internal_axon_id",
}

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

// SigmaEngine holds saved queries compiled from Sigma rules.
type SigmaEngine struct {
	queries []SavedQuery
}

var _ Source = (*SigmaEngine)(nil)

// NewSigmaEngine loads Sigma rules from a file or directory and compiles each into
// a raw entity filter. Unsupported or complex rules are skipped and included in stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}
	sort.Strings(files)

	stats.TotalFiles = len(files)
	queries := make([]SavedQuery, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			logger.Warnf("skip rule %s: %v", ruleFile, err)
			stats.SkippedInvalid++
			continue
		}

		if !isEntityLogsource(rule) {
			stats.SkippedDatasource++
			continue
		}

		q, err := CompileRule(rule)
		switch {
		case errors.Is(err, errComplex):
			logger.Debugf("skip rule %s: %v", ruleFile, err)
			stats.SkippedComplex++
			continue
		case err != nil:
			logger.Warnf("skip rule %s: %v", ruleFile, err)
			stats.SkippedInvalid++
			continue
		}

		queries = append(queries, q)
		stats.Loaded++
	}

	return &SigmaEngine{queries: queries}, stats, nil
}

// Queries returns the compiled saved queries in file order.
func (e *SigmaEngine) Queries() []SavedQuery {
	if e == nil {
		return nil
	}
	return e.queries
}

// CompileRule converts a single Sigma rule into a saved query.
func CompileRule(rule sigma.Rule) (SavedQuery, error) {
	if rule.Detection.Timeframe > 0 {
		return SavedQuery{}, fmt.Errorf("timeframe: %w", errComplex)
	}
	if len(rule.Detection.Conditions) == 0 {
		return SavedQuery{}, fmt.Errorf("rule has no condition")
	}

	clauses := make(bson.A, 0, len(rule.Detection.Conditions))
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return SavedQuery{}, fmt.Errorf("aggregation: %w", errComplex)
		}
		doc, err := compileExpression(cond.Search, rule.Detection.Searches)
		if err != nil {
			return SavedQuery{}, err
		}
		clauses = append(clauses, doc)
	}

	q := savedQueryFromRule(rule)
	if len(clauses) == 1 {
		q.Filter = clauses[0].(bson.D)
	} else {
		q.Filter = bson.D{{Key: "$or", Value: clauses}}
	}
	return q, nil
}

func compileExpression(expr sigma.SearchExpr, searches map[string]sigma.Search) (bson.D, error) {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		search, ok := searches[e.Name]
		if !ok {
			return nil, fmt.Errorf("condition references unknown search %q", e.Name)
		}
		doc, err := compileSearch(search)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", e.Name, err)
		}
		return doc, nil
	case sigma.And:
		return compileChildren("$and", e, searches)
	case sigma.Or:
		return compileChildren("$or", e, searches)
	case sigma.Not:
		inner, err := compileExpression(e.Expr, searches)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$nor", Value: bson.A{inner}}}, nil
	default:
		return nil, fmt.Errorf("condition %T: %w", expr, errComplex)
	}
}

func compileChildren(op string, children []sigma.SearchExpr, searches map[string]sigma.Search) (bson.D, error) {
	items := make(bson.A, 0, len(children))
	for _, child := range children {
		doc, err := compileExpression(child, searches)
		if err != nil {
			return nil, err
		}
		items = append(items, doc)
	}
	if len(items) == 1 {
		return items[0].(bson.D), nil
	}
	return bson.D{{Key: op, Value: items}}, nil
}

func compileSearch(search sigma.Search) (bson.D, error) {
	if len(search.Keywords) > 0 {
		return nil, fmt.Errorf("keyword search: %w", errComplex)
	}
	if len(search.EventMatchers) == 0 {
		return nil, fmt.Errorf("search has no event matchers: %w", errComplex)
	}

	alternatives := make(bson.A, 0, len(search.EventMatchers))
	for _, matcher := range search.EventMatchers {
		doc, err := compileEventMatcher(matcher)
		if err != nil {
			return nil, err
		}
		alternatives = append(alternatives, doc)
	}
	if len(alternatives) == 1 {
		return alternatives[0].(bson.D), nil
	}
	return bson.D{{Key: "$or", Value: alternatives}}, nil
}

// compileEventMatcher keeps distinct fields in one document so the entity rewrite
// applies them to the same adapter record.
func compileEventMatcher(matcher sigma.EventMatcher) (bson.D, error) {
	merged := bson.D{}
	seen := map[string]bool{}
	var clauses bson.A
	for _, fm := range matcher {
		cond, err := compileFieldMatcher(fm)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, cond)
		if len(cond) != 1 || seen[cond[0].Key] || strings.HasPrefix(cond[0].Key, "$") {
			merged = nil
			continue
		}
		seen[cond[0].Key] = true
		if merged != nil {
			merged = append(merged, cond[0])
		}
	}
	if merged != nil {
		return merged, nil
	}
	return bson.D{{Key: "$and", Value: clauses}}, nil
}

func compileFieldMatcher(fm sigma.FieldMatcher) (bson.D, error) {
	field := fieldPath(fm.Field)

	var transform string
	matchAll := false
	for _, mod := range fm.Modifiers {
		switch strings.ToLower(mod) {
		case "contains", "startswith", "endswith", "re":
			if transform != "" {
				return nil, fmt.Errorf("modifiers %v: %w", fm.Modifiers, errComplex)
			}
			transform = strings.ToLower(mod)
		case "all":
			matchAll = true
		default:
			return nil, fmt.Errorf("modifier %s: %w", mod, errComplex)
		}
	}
	if len(fm.Values) == 0 {
		return nil, fmt.Errorf("field %s has no values", fm.Field)
	}

	plain := bson.A{}
	var patterns []primitive.Regex
	for _, raw := range fm.Values {
		switch v := interface{}(raw).(type) {
		case string:
			re, isPattern, err := valuePattern(transform, v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", fm.Field, err)
			}
			if isPattern {
				patterns = append(patterns, re)
			} else {
				plain = append(plain, v)
			}
		case nil:
			if transform != "" {
				return nil, fmt.Errorf("field %s: null with %s modifier", fm.Field, transform)
			}
			plain = append(plain, nil)
		case int, int64, float64, bool:
			if transform != "" {
				re, _, err := valuePattern(transform, fmt.Sprint(v))
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", fm.Field, err)
				}
				patterns = append(patterns, re)
				continue
			}
			plain = append(plain, v)
		default:
			return nil, fmt.Errorf("field %s: unsupported value %T", fm.Field, raw)
		}
	}

	var items bson.A
	if !matchAll && len(plain) > 1 {
		items = append(items, bson.D{{Key: field, Value: bson.D{{Key: "$in", Value: plain}}}})
	} else {
		for _, v := range plain {
			items = append(items, bson.D{{Key: field, Value: v}})
		}
	}
	for _, re := range patterns {
		items = append(items, bson.D{{Key: field, Value: re}})
	}

	if len(items) == 1 {
		return items[0].(bson.D), nil
	}
	if matchAll {
		return bson.D{{Key: "$and", Value: items}}, nil
	}
	return bson.D{{Key: "$or", Value: items}}, nil
}

// valuePattern turns a rule value into a case-insensitive regex when a modifier or
// a wildcard asks for one.
func valuePattern(transform, value string) (primitive.Regex, bool, error) {
	var pattern string
	switch transform {
	case "re":
		if _, err := regexp.Compile(value); err != nil {
			return primitive.Regex{}, false, fmt.Errorf("bad regex %q: %w", value, err)
		}
		return primitive.Regex{Pattern: value}, true, nil
	case "contains":
		pattern = globPattern(value)
	case "startswith":
		pattern = "^" + globPattern(value)
	case "endswith":
		pattern = globPattern(value) + "$"
	default:
		if !strings.ContainsAny(value, "*?") {
			return primitive.Regex{}, false, nil
		}
		pattern = "^" + globPattern(value) + "$"
	}
	return primitive.Regex{Pattern: pattern, Options: "i"}, true, nil
}

func globPattern(value string) string {
	var b strings.Builder
	escaped := false
	for _, r := range value {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*':
			b.WriteString(".*")
		case r == '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(`\\`)
	}
	return b.String()
}

// fieldPath maps a rule field onto the view. Bare names address adapter data.
func fieldPath(field string) string {
	for _, root := range viewRoots {
		if field == root || strings.HasPrefix(field, root+".") {
			return field
		}
	}
	return "specific_data.data." + field
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isEntityLogsource(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == LogsourceProduct
}

func savedQueryFromRule(rule sigma.Rule) SavedQuery {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}

	level := strings.ToLower(strings.TrimSpace(rule.Level))
	if level == "" {
		level = "medium"
	}

	var tags []string
	for _, t := range rule.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, strings.ToLower(t))
		}
	}

	return SavedQuery{
		ID:       id,
		Name:     strings.TrimSpace(rule.Title),
		Severity: level,
		Tags:     tags,
		Filter:   bson.D{},
	}
}
