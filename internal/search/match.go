package search

import (
	"math"
	"strings"
)

// termsFunc returns the indexed terms of a parameter for one resource.
type termsFunc func(def ParamDef) []term

func (q *query) matches(terms termsFunc) bool {
	for _, p := range q.preds {
		if !p.matches(terms(p.def)) {
			return false
		}
	}
	return true
}

func (p predicate) matches(terms []term) bool {
	if p.modifier == ModifierMissing {
		return (len(terms) == 0) == p.missing
	}
	if p.modifier == ModifierNot {
		for _, v := range p.values {
			for _, t := range terms {
				if matchToken(v, t) {
					return false
				}
			}
		}
		return true
	}
	for _, v := range p.values {
		for _, t := range terms {
			if p.matchValue(v, t) {
				return true
			}
		}
	}
	return false
}

func (p predicate) matchValue(v value, t term) bool {
	switch p.def.Type {
	case TypeString:
		return matchString(p.modifier, v.term.Str, t.Str)
	case TypeURI:
		if p.modifier == ModifierBelow {
			return strings.HasPrefix(t.Str, v.term.Str)
		}
		return t.Str == v.term.Str
	case TypeToken:
		return matchToken(v, t)
	case TypeReference:
		return p.matchReference(v.term.Str, t.Str)
	case TypeDate:
		return matchDate(v.prefix, v.term, t)
	case TypeNumber:
		return matchNumber(v, t.Num)
	}
	return false
}

func matchString(mod Modifier, want, got string) bool {
	switch mod {
	case ModifierExact:
		return got == want
	case ModifierContains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(want))
	default:
		return strings.HasPrefix(strings.ToLower(got), strings.ToLower(want))
	}
}

// matchToken handles "code", "system|code", "|code" and "system|".
func matchToken(v value, t term) bool {
	if !v.hasSystem {
		return t.Code == v.term.Code
	}
	if v.term.Code == "" {
		return t.System == v.term.System
	}
	return t.System == v.term.System && t.Code == v.term.Code
}

// matchReference compares the stored reference with the search value. A
// bare id matches any type unless a type restriction applies; absolute
// references match on their trailing Type/id.
func (p predicate) matchReference(want, got string) bool {
	gotType, gotID := splitReference(got)
	if gotID == "" {
		return false
	}
	target := p.refType
	if target == "" {
		target = p.def.Target
	}
	if target != "" && gotType != target {
		return false
	}

	wantType, wantID := splitReference(want)
	if wantType == "" {
		return gotID == wantID
	}
	return gotType == wantType && gotID == wantID
}

func splitReference(ref string) (string, string) {
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return "", ref
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// matchDate compares intervals. The search value s and target t are both
// half-open [Start, End).
func matchDate(prefix Prefix, s, t term) bool {
	contained := !t.Start.Before(s.Start) && !t.End.After(s.End)
	switch prefix {
	case PrefixEq:
		return contained
	case PrefixNe:
		return !contained
	case PrefixGt:
		return t.End.After(s.End)
	case PrefixLt:
		return t.Start.Before(s.Start)
	case PrefixGe:
		return contained || t.End.After(s.End)
	case PrefixLe:
		return contained || t.Start.Before(s.Start)
	case PrefixSa:
		return !t.Start.Before(s.End)
	case PrefixEb:
		return !t.End.After(s.Start)
	case PrefixAp:
		return t.Start.Before(s.End) && s.Start.Before(t.End)
	}
	return false
}

// matchNumber applies the implicit precision of the search value: "100"
// matches [99.5, 100.5).
func matchNumber(v value, got float64) bool {
	want := v.term.Num
	half := 0.5 * math.Pow10(-v.decimals)
	eq := got >= want-half && got < want+half
	switch v.prefix {
	case PrefixEq:
		return eq
	case PrefixNe:
		return !eq
	case PrefixGt, PrefixSa:
		return got > want
	case PrefixLt, PrefixEb:
		return got < want
	case PrefixGe:
		return got >= want
	case PrefixLe:
		return got <= want
	case PrefixAp:
		return math.Abs(got-want) <= math.Abs(want)*0.1
	}
	return false
}
