package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// Prefix is a comparison prefix for ordered values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// Modifier is a search parameter modifier.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierNot      Modifier = "not"
	ModifierMissing  Modifier = "missing"
	ModifierBelow    Modifier = "below"
)

// Clause is one parameter of a query. Its values are ORed; clauses are ANDed.
type Clause struct {
	Param    string
	Modifier Modifier
	Values   []string
}

// Criteria is a parsed search query for one resource type.
type Criteria struct {
	ResourceType   string
	Clauses        []Clause
	Sort           []SortSpec
	IncludeDeleted bool
}

// resultParams control paging and rendering and are not matched against
// resources.
var resultParams = map[string]bool{
	"_count":     true,
	"_pageToken": true,
	"_format":    true,
	"_pretty":    true,
	"_total":     true,
}

// ParseCriteria builds criteria from query parameters. Parameter names are
// not checked here; Compile does that against a registry.
func ParseCriteria(resourceType string, params url.Values) (Criteria, error) {
	c := Criteria{ResourceType: resourceType}
	for name, values := range params {
		switch {
		case resultParams[name]:
			continue
		case name == "_sort":
			c.Sort = ParseSort(strings.Join(values, ","))
			continue
		case name == "_includeDeleted":
			b, err := strconv.ParseBool(values[len(values)-1])
			if err != nil {
				return Criteria{}, fmt.Errorf("%w: _includeDeleted must be true or false", fhir.ErrInvalidRequest)
			}
			c.IncludeDeleted = b
			continue
		}

		param, mod := splitModifier(name)
		for _, v := range values {
			c.Clauses = append(c.Clauses, Clause{Param: param, Modifier: mod, Values: splitValues(v)})
		}
	}
	return c, nil
}

// ParseCriteriaString parses "Type?param=value&...", the form used by
// Subscription.criteria.
func ParseCriteriaString(s string) (Criteria, error) {
	rt, query, _ := strings.Cut(strings.TrimSpace(s), "?")
	if rt == "" {
		return Criteria{}, fmt.Errorf("%w: criteria %q has no resource type", fhir.ErrInvalidRequest, s)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return Criteria{}, fmt.Errorf("%w: criteria %q: %v", fhir.ErrInvalidRequest, s, err)
	}
	return ParseCriteria(rt, params)
}

func splitModifier(name string) (string, Modifier) {
	base, mod, _ := strings.Cut(name, ":")
	return base, Modifier(mod)
}

// splitValues splits on commas not escaped with a backslash.
func splitValues(v string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(v); i++ {
		switch {
		case v[i] == '\\' && i+1 < len(v) && v[i+1] == ',':
			cur.WriteByte(',')
			i++
		case v[i] == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(v[i])
		}
	}
	return append(out, cur.String())
}

// splitPrefix extracts a comparison prefix; "gt2023-01-01" -> (gt, "2023-01-01").
func splitPrefix(raw string) (Prefix, string) {
	if len(raw) >= 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		switch p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return p, raw[2:]
		}
	}
	return PrefixEq, raw
}

// predicate is a compiled clause.
type predicate struct {
	def      ParamDef
	modifier Modifier
	// refType is set by a resource-type modifier on a reference (subject:Patient).
	refType string
	missing bool
	values  []value
}

type value struct {
	prefix Prefix
	raw    string
	term   term
	// decimals is the number of digits after the point in a number value.
	decimals int
	// hasSystem distinguishes "|code" (no system) from "code" (any system).
	hasSystem bool
}

// query is compiled criteria.
type query struct {
	resourceType   string
	preds          []predicate
	ascending      bool
	includeDeleted bool
}

// compile checks criteria against the registry and prepares them for
// evaluation. Unknown parameters and modifiers fail with
// fhir.ErrUnsupportedSearchParameter; malformed values with
// fhir.ErrInvalidRequest.
func (r *Registry) compile(c Criteria) (*query, error) {
	if !r.Supports(c.ResourceType) {
		return nil, fmt.Errorf("%w: %s", fhir.ErrUnknownResourceType, c.ResourceType)
	}
	q := &query{resourceType: c.ResourceType, includeDeleted: c.IncludeDeleted}

	switch len(c.Sort) {
	case 0:
	case 1:
		if c.Sort[0].Field != "_lastUpdated" {
			return nil, fmt.Errorf("%w: _sort=%s", fhir.ErrUnsupportedSearchParameter, c.Sort[0].Field)
		}
		q.ascending = !c.Sort[0].Descending
	default:
		return nil, fmt.Errorf("%w: _sort accepts a single field", fhir.ErrUnsupportedSearchParameter)
	}

	for _, cl := range c.Clauses {
		def, ok := r.Lookup(c.ResourceType, cl.Param)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a search parameter of %s", fhir.ErrUnsupportedSearchParameter, cl.Param, c.ResourceType)
		}
		p, err := compileClause(def, cl)
		if err != nil {
			return nil, err
		}
		q.preds = append(q.preds, p)
	}
	return q, nil
}

func compileClause(def ParamDef, cl Clause) (predicate, error) {
	p := predicate{def: def, modifier: cl.Modifier}

	switch {
	case cl.Modifier == ModifierNone:
	case cl.Modifier == ModifierMissing:
		if len(cl.Values) != 1 {
			return p, fmt.Errorf("%w: %s:missing takes one value", fhir.ErrInvalidRequest, cl.Param)
		}
		b, err := strconv.ParseBool(cl.Values[0])
		if err != nil {
			return p, fmt.Errorf("%w: %s:missing must be true or false", fhir.ErrInvalidRequest, cl.Param)
		}
		p.missing = b
		return p, nil
	case (cl.Modifier == ModifierExact || cl.Modifier == ModifierContains) && def.Type == TypeString:
	case cl.Modifier == ModifierNot && def.Type == TypeToken:
	case cl.Modifier == ModifierBelow && def.Type == TypeURI:
	case def.Type == TypeReference && fhir.IsKnownResourceType(string(cl.Modifier)):
		p.refType = string(cl.Modifier)
		p.modifier = ModifierNone
	default:
		return p, fmt.Errorf("%w: modifier :%s is not supported on %s", fhir.ErrUnsupportedSearchParameter, cl.Modifier, cl.Param)
	}

	for _, raw := range cl.Values {
		if raw == "" {
			continue
		}
		v, err := compileValue(def, raw)
		if err != nil {
			return p, fmt.Errorf("%w: %s=%s: %v", fhir.ErrInvalidRequest, cl.Param, raw, err)
		}
		p.values = append(p.values, v)
	}
	if len(p.values) == 0 {
		return p, fmt.Errorf("%w: %s has no value", fhir.ErrInvalidRequest, cl.Param)
	}
	return p, nil
}

func compileValue(def ParamDef, raw string) (value, error) {
	v := value{prefix: PrefixEq, raw: raw}
	switch def.Type {
	case TypeDate:
		v.prefix, raw = splitPrefix(raw)
		start, end, err := parseDateRange(raw)
		if err != nil {
			return v, err
		}
		v.term = term{Start: start, End: end}
	case TypeNumber:
		v.prefix, raw = splitPrefix(raw)
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return v, err
		}
		v.term = term{Num: n}
		if _, frac, ok := strings.Cut(raw, "."); ok {
			v.decimals = len(frac)
		}
	case TypeToken:
		if system, code, ok := strings.Cut(raw, "|"); ok {
			v.hasSystem = true
			v.term = term{System: system, Code: code}
		} else {
			v.term = term{Code: raw}
		}
	default:
		v.term = term{Str: raw}
	}
	return v, nil
}

// lastUpdatedRange is the interval covered by a stored lastUpdated instant.
func lastUpdatedRange(t time.Time) term {
	return term{Start: t, End: t.Add(time.Millisecond)}
}
