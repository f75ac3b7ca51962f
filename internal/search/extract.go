package search

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// term is one indexed value of a parameter. Which fields are set depends on
// the parameter type.
type term struct {
	Str    string // string, uri, reference
	System string // token
	Code   string // token
	Start  time.Time
	End    time.Time // exclusive
	Num    float64
}

func decodeDoc(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// walk returns every value found at the dotted path, flattening arrays.
func walk(node interface{}, path []string) []interface{} {
	switch v := node.(type) {
	case []interface{}:
		var out []interface{}
		for _, item := range v {
			out = append(out, walk(item, path)...)
		}
		return out
	case nil:
		return nil
	}
	if len(path) == 0 {
		return []interface{}{node}
	}
	obj, ok := node.(map[string]interface{})
	if !ok {
		return nil
	}
	return walk(obj[path[0]], path[1:])
}

// extract derives the terms of def from a decoded resource.
func extract(doc map[string]interface{}, def ParamDef) []term {
	var out []term
	for _, p := range def.Paths {
		for _, v := range walk(doc, strings.Split(p, ".")) {
			out = append(out, toTerms(v, def.Type)...)
		}
	}
	return out
}

func toTerms(v interface{}, t ParamType) []term {
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return []term{{Str: s}}
		}
	case TypeURI:
		if s, ok := v.(string); ok {
			return []term{{Str: s}}
		}
	case TypeReference:
		switch x := v.(type) {
		case string:
			return []term{{Str: x}}
		case map[string]interface{}:
			if s, ok := x["reference"].(string); ok {
				return []term{{Str: s}}
			}
		}
	case TypeToken:
		return tokenTerms(v)
	case TypeDate:
		if r, ok := dateRangeOf(v); ok {
			return []term{r}
		}
	case TypeNumber:
		if n, ok := numberOf(v); ok {
			return []term{{Num: n}}
		}
	}
	return nil
}

func tokenTerms(v interface{}) []term {
	switch x := v.(type) {
	case string:
		return []term{{Code: x}}
	case bool:
		return []term{{Code: strconv.FormatBool(x)}}
	case json.Number:
		return []term{{Code: x.String()}}
	case map[string]interface{}:
		// CodeableConcept
		if codings, ok := x["coding"].([]interface{}); ok {
			var out []term
			for _, c := range codings {
				out = append(out, tokenTerms(c)...)
			}
			return out
		}
		system, _ := x["system"].(string)
		// Coding
		if code, ok := x["code"].(string); ok {
			return []term{{System: system, Code: code}}
		}
		// Identifier and ContactPoint
		if value, ok := x["value"].(string); ok {
			return []term{{System: system, Code: value}}
		}
	}
	return nil
}

func numberOf(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case map[string]interface{}:
		return numberOf(x["value"])
	}
	return 0, false
}

var (
	minTime = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

func dateRangeOf(v interface{}) (term, bool) {
	switch x := v.(type) {
	case string:
		start, end, err := parseDateRange(x)
		if err != nil {
			return term{}, false
		}
		return term{Start: start, End: end}, true
	case map[string]interface{}:
		// Period; a missing bound is open.
		s, hasStart := x["start"].(string)
		e, hasEnd := x["end"].(string)
		if !hasStart && !hasEnd {
			return term{}, false
		}
		r := term{Start: minTime, End: maxTime}
		if hasStart {
			start, _, err := parseDateRange(s)
			if err != nil {
				return term{}, false
			}
			r.Start = start
		}
		if hasEnd {
			_, end, err := parseDateRange(e)
			if err != nil {
				return term{}, false
			}
			r.End = end
		}
		return r, true
	}
	return term{}, false
}

// parseDateRange parses a FHIR date, dateTime or instant and returns the
// half-open interval it denotes at its own precision.
func parseDateRange(s string) (time.Time, time.Time, error) {
	layouts := []struct {
		layout string
		step   func(time.Time) time.Time
	}{
		{time.RFC3339Nano, nil},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, l := range layouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if l.step != nil {
			return t.UTC(), l.step(t).UTC(), nil
		}
		return t.UTC(), t.Add(precisionOf(s)).UTC(), nil
	}
	return time.Time{}, time.Time{}, &time.ParseError{Layout: "FHIR dateTime", Value: s}
}

// precisionOf returns the width of the smallest unit written in an RFC 3339
// timestamp, so "10:00:00Z" covers one second and "10:00:00.120Z" one
// millisecond.
func precisionOf(s string) time.Duration {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return time.Second
	}
	digits := 0
	for _, r := range s[dot+1:] {
		if r < '0' || r > '9' {
			break
		}
		digits++
	}
	if digits > 9 {
		digits = 9
	}
	return time.Duration(math.Pow10(9 - digits))
}
