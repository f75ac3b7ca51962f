package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

var (
	idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)
	// relative references: Type/id, optionally versioned
	referencePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+/[A-Za-z0-9\-\.]{1,64}(/_history/[A-Za-z0-9\-\.]{1,64})?$`)
)

// statusValues lists the required status value set of each type.
var statusValues = map[string][]string{
	"Encounter":         {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":       {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Procedure":         {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"MedicationRequest": {"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"},
	"ServiceRequest":    {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"DiagnosticReport":  {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	"Appointment":       {"proposed", "pending", "booked", "arrived", "fulfilled", "cancelled", "noshow", "entered-in-error", "checked-in", "waitlist"},
	"DocumentReference": {"current", "superseded", "entered-in-error"},
	"Composition":       {"preliminary", "final", "amended", "entered-in-error"},
	"Subscription":      {"requested", "active", "error", "off"},
}

// builtinRules runs the checks every resource gets. expectedType is the type
// named in the request path.
func builtinRules(doc map[string]interface{}, expectedType string, supported func(string) bool) []Result {
	var results []Result

	rt, ok := doc["resourceType"].(string)
	switch {
	case !ok || rt == "":
		results = append(results, Result{
			Severity: SeverityError, Code: fhir.IssueTypeRequired, Path: "resourceType",
			Message: "resourceType is required",
		})
	case expectedType != "" && rt != expectedType:
		results = append(results, Result{
			Severity: SeverityError, Code: fhir.IssueTypeInvalid, Path: "resourceType",
			Message: fmt.Sprintf("resourceType %s does not match the request type %s", rt, expectedType),
		})
	case supported != nil && !supported(rt):
		results = append(results, Result{
			Severity: SeverityError, Code: fhir.IssueTypeNotSupported, Path: "resourceType",
			Message: fmt.Sprintf("resource type %s is not supported", rt),
		})
	}

	if id, present := doc["id"]; present {
		s, isStr := id.(string)
		if !isStr || !idPattern.MatchString(s) {
			results = append(results, Result{
				Severity: SeverityError, Code: fhir.IssueTypeValue, Path: "id",
				Message: fmt.Sprintf("id %v does not match %s", id, idPattern),
			})
		}
	}

	results = append(results, statusRule(doc, rt)...)
	results = append(results, walkReferences(doc, rt)...)
	return results
}

func statusRule(doc map[string]interface{}, rt string) []Result {
	status, ok := doc["status"]
	if !ok {
		return nil
	}
	s, isStr := status.(string)
	if !isStr {
		return []Result{{Severity: SeverityError, Code: fhir.IssueTypeValue, Path: rt + ".status", Message: "status must be a string"}}
	}
	valid, known := statusValues[rt]
	if !known {
		return nil
	}
	for _, v := range valid {
		if v == s {
			return nil
		}
	}
	return []Result{{
		Severity: SeverityError, Code: fhir.IssueTypeCodeInvalid, Path: rt + ".status",
		Message: fmt.Sprintf("invalid status '%s' for %s; valid values: %s", s, rt, strings.Join(valid, ", ")),
	}}
}

// walkReferences checks every Reference.reference in the resource.
func walkReferences(doc map[string]interface{}, path string) []Result {
	var results []Result
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "contained" {
			continue
		}
		p := path + "." + key
		switch v := doc[key].(type) {
		case map[string]interface{}:
			if ref, ok := v["reference"].(string); ok && !validReference(ref) {
				results = append(results, Result{
					Severity: SeverityError, Code: fhir.IssueTypeValue, Path: p + ".reference",
					Message: fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id'", ref),
				})
			}
			results = append(results, walkReferences(v, p)...)
		case []interface{}:
			for i, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					ip := fmt.Sprintf("%s[%d]", p, i)
					if ref, ok := m["reference"].(string); ok && !validReference(ref) {
						results = append(results, Result{
							Severity: SeverityError, Code: fhir.IssueTypeValue, Path: ip + ".reference",
							Message: fmt.Sprintf("invalid reference format '%s'; expected 'ResourceType/id'", ref),
						})
					}
					results = append(results, walkReferences(m, ip)...)
				}
			}
		}
	}
	return results
}

func validReference(ref string) bool {
	switch {
	case strings.HasPrefix(ref, "#"),
		strings.HasPrefix(ref, "urn:uuid:"),
		strings.HasPrefix(ref, "urn:oid:"),
		strings.HasPrefix(ref, "http://"),
		strings.HasPrefix(ref, "https://"):
		return true
	}
	return referencePattern.MatchString(ref)
}
