package validation

import (
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

var (
	profileURLPattern = regexp.MustCompile(`^(https?://|urn:)\S+$`)
	pathPattern       = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)
)

// Profile is a set of constraints on one resource type, loaded from YAML.
//
//	url: http://example.org/fhir/StructureDefinition/mrn-patient
//	resourceType: Patient
//	enforce: true
//	rules:
//	  - path: identifier
//	    min: 1
//	  - path: gender
//	    valueSet: [male, female, other, unknown]
type Profile struct {
	URL          string `yaml:"url"`
	Name         string `yaml:"name"`
	ResourceType string `yaml:"resourceType"`
	// Enforce applies the profile to every resource of the type, not only
	// those listing it in meta.profile.
	Enforce bool   `yaml:"enforce"`
	Rules   []Rule `yaml:"rules"`

	source string
}

// Rule constrains the values found at Path.
type Rule struct {
	Path     string   `yaml:"path"`
	Required bool     `yaml:"required"`
	Min      int      `yaml:"min"`
	Max      *int     `yaml:"max"`
	Fixed    string   `yaml:"fixed"`
	ValueSet []string `yaml:"valueSet"`
	Pattern  string   `yaml:"pattern"`
	Severity string   `yaml:"severity"`
	Message  string   `yaml:"message"`

	sev Severity
	re  *regexp.Regexp
}

// Validate checks the profile definition itself.
func (p *Profile) Validate() error {
	if err := validation.ValidateStruct(p,
		validation.Field(&p.URL, validation.Required, validation.Match(profileURLPattern)),
		validation.Field(&p.ResourceType, validation.Required, validation.By(func(interface{}) error {
			if !fhir.IsKnownResourceType(p.ResourceType) {
				return fmt.Errorf("unknown resource type %q", p.ResourceType)
			}
			return nil
		})),
		validation.Field(&p.Rules, validation.Required),
	); err != nil {
		return err
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if err := validation.ValidateStruct(r,
			validation.Field(&r.Path, validation.Required, validation.Match(pathPattern)),
			validation.Field(&r.Min, validation.Min(0)),
			validation.Field(&r.Max, validation.NilOrNotEmpty, validation.Min(1)),
		); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		r.sev = SeverityError
		if r.Severity != "" {
			sev, err := ParseSeverity(r.Severity)
			if err != nil {
				return fmt.Errorf("rules[%d]: %w", i, err)
			}
			r.sev = sev
		}
		if r.Max != nil && *r.Max < r.Min {
			return fmt.Errorf("rules[%d]: max %d is below min %d", i, *r.Max, r.Min)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("rules[%d]: pattern: %w", i, err)
			}
			r.re = re
		}
	}
	return nil
}

// Check applies the profile to a decoded resource.
func (p *Profile) Check(doc map[string]interface{}) []Result {
	var results []Result
	for _, r := range p.Rules {
		results = append(results, r.check(doc, p)...)
	}
	return results
}

func (r Rule) check(doc map[string]interface{}, p *Profile) []Result {
	values := valuesAt(doc, strings.Split(r.Path, "."))
	path := p.ResourceType + "." + r.Path
	sev := r.sev

	result := func(code, format string, args ...interface{}) Result {
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf(format, args...)
		}
		return Result{Severity: sev, Code: code, Path: path, Message: msg + " (" + p.URL + ")"}
	}

	var results []Result
	min := r.Min
	if r.Required && min == 0 {
		min = 1
	}
	if len(values) < min {
		results = append(results, result(fhir.IssueTypeRequired, "%s requires at least %d value(s), found %d", r.Path, min, len(values)))
	}
	if r.Max != nil && len(values) > *r.Max {
		results = append(results, result(fhir.IssueTypeStructure, "%s allows at most %d value(s), found %d", r.Path, *r.Max, len(values)))
	}

	for _, v := range values {
		codes := codesOf(v)
		if r.Fixed != "" && !contains(codes, r.Fixed) {
			results = append(results, result(fhir.IssueTypeValue, "%s must be %q", r.Path, r.Fixed))
		}
		if len(r.ValueSet) > 0 && !intersects(codes, r.ValueSet) {
			results = append(results, result(fhir.IssueTypeCodeInvalid, "%s value %s is not in [%s]", r.Path, strings.Join(codes, ","), strings.Join(r.ValueSet, ", ")))
		}
		if r.re != nil {
			for _, c := range codes {
				if !r.re.MatchString(c) {
					results = append(results, result(fhir.IssueTypeValue, "%s value %q does not match %s", r.Path, c, r.Pattern))
				}
			}
		}
	}
	return results
}

func valuesAt(node interface{}, path []string) []interface{} {
	switch v := node.(type) {
	case nil:
		return nil
	case []interface{}:
		var out []interface{}
		for _, item := range v {
			out = append(out, valuesAt(item, path)...)
		}
		return out
	}
	if len(path) == 0 {
		return []interface{}{node}
	}
	obj, ok := node.(map[string]interface{})
	if !ok {
		return nil
	}
	return valuesAt(obj[path[0]], path[1:])
}

// codesOf returns the comparable string forms of a value: the value itself
// for primitives, and the codes of a Coding or CodeableConcept.
func codesOf(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case bool:
		return []string{fmt.Sprint(x)}
	case fmt.Stringer:
		return []string{x.String()}
	case map[string]interface{}:
		if codings, ok := x["coding"].([]interface{}); ok {
			var out []string
			for _, c := range codings {
				out = append(out, codesOf(c)...)
			}
			return out
		}
		if code, ok := x["code"].(string); ok {
			return []string{code}
		}
		if value, ok := x["value"]; ok {
			return codesOf(value)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}
