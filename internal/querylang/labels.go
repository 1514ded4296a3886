package querylang

import (
	"fmt"
	"sort"

	"assetql/pkg/models"
)

// ClientUsedField and PluginUniqueNameField identify an adapter connection.
const (
	ClientUsedField       = "specific_data.client_used"
	PluginUniqueNameField = "specific_data.plugin_unique_name"
)

// ExpandConnectionLabels replaces connection_label comparisons with disjunctions of
// (client_used, plugin_unique_name) tuples taken from labels. A label with no
// connections expands to a comparison that matches nothing.
func ExpandConnectionLabels(e Expr, labels map[string][]models.ConnectionRef) (Expr, error) {
	switch n := e.(type) {
	case AndExpr:
		terms, err := expandAll(n.Terms, labels)
		if err != nil {
			return nil, err
		}
		return AndExpr{Terms: terms}, nil
	case OrExpr:
		terms, err := expandAll(n.Terms, labels)
		if err != nil {
			return nil, err
		}
		return OrExpr{Terms: terms}, nil
	case NotExpr:
		term, err := ExpandConnectionLabels(n.Term, labels)
		if err != nil {
			return nil, err
		}
		return NotExpr{Term: term}, nil
	case ConnectionLabelExpr:
		return expandLabel(n, labels)
	}
	return e, nil
}

// LiteralConnectionLabels turns connection_label comparisons back into plain
// field comparisons, for documents where the field is stored as is.
func LiteralConnectionLabels(e Expr) Expr {
	switch n := e.(type) {
	case AndExpr:
		terms := make([]Expr, 0, len(n.Terms))
		for _, t := range n.Terms {
			terms = append(terms, LiteralConnectionLabels(t))
		}
		return AndExpr{Terms: terms}
	case OrExpr:
		terms := make([]Expr, 0, len(n.Terms))
		for _, t := range n.Terms {
			terms = append(terms, LiteralConnectionLabels(t))
		}
		return OrExpr{Terms: terms}
	case NotExpr:
		return NotExpr{Term: LiteralConnectionLabels(n.Term)}
	case ConnectionLabelExpr:
		return CompareExpr{Field: n.Field, Op: n.Op, Value: n.Value}
	}
	return e
}

func expandAll(terms []Expr, labels map[string][]models.ConnectionRef) ([]Expr, error) {
	out := make([]Expr, 0, len(terms))
	for _, t := range terms {
		x, err := ExpandConnectionLabels(t, labels)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}

func expandLabel(n ConnectionLabelExpr, labels map[string][]models.ConnectionRef) (Expr, error) {
	switch v := n.Value.(type) {
	case Exists:
		want := bool(v)
		if n.Op == OpNe {
			want = !want
		} else if n.Op != OpEq {
			return nil, fmt.Errorf("connection_label: operator %s not supported with exists()", n.Op)
		}
		names := make([]string, 0, len(labels))
		for name := range labels {
			names = append(names, name)
		}
		sort.Strings(names)
		all := tuplesFor(names, labels)
		if want {
			return all, nil
		}
		return NotExpr{Term: all}, nil
	case string:
		switch n.Op {
		case OpEq:
			return tuplesFor([]string{v}, labels), nil
		case OpNe:
			return NotExpr{Term: tuplesFor([]string{v}, labels)}, nil
		}
	case List:
		if n.Op == OpIn {
			names := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("connection_label: list values must be strings")
				}
				names = append(names, s)
			}
			return tuplesFor(names, labels), nil
		}
	}
	return nil, fmt.Errorf("connection_label: unsupported comparison %s %v", n.Op, n.Value)
}

func tuplesFor(names []string, labels map[string][]models.ConnectionRef) Expr {
	seen := make(map[models.ConnectionRef]struct{})
	var terms []Expr
	for _, name := range names {
		for _, ref := range labels[name] {
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			terms = append(terms, ConnectionTupleExpr{ClientID: ref.ClientID, PluginUniqueName: ref.PluginUniqueName})
		}
	}
	switch len(terms) {
	case 0:
		return CompareExpr{Field: ClientUsedField, Op: OpIn, Value: List{}}
	case 1:
		return terms[0]
	}
	return OrExpr{Terms: terms}
}
