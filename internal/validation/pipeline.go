package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mitre/fhirserver/internal/platform/fhir"
)

// Validator applies the built-in rules and the applicable profiles. It holds
// no per-call state and is safe for concurrent use.
type Validator struct {
	profiles  *Registry
	supported func(string) bool
}

// NewValidator returns a validator. supported reports whether a resource
// type is served; nil accepts every type.
func NewValidator(profiles *Registry, supported func(string) bool) *Validator {
	return &Validator{profiles: profiles, supported: supported}
}

// Validate checks raw content written to resourceType. An empty
// resourceType skips the path/body type comparison.
func (v *Validator) Validate(raw json.RawMessage, resourceType string) []Result {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil || doc == nil {
		msg := "resource must be a JSON object"
		if err != nil {
			msg = fmt.Sprintf("malformed JSON: %v", err)
		}
		return []Result{{Severity: SeverityFatal, Code: fhir.IssueTypeStructure, Message: msg}}
	}
	if dec.More() {
		return []Result{{Severity: SeverityFatal, Code: fhir.IssueTypeStructure, Message: "unexpected data after the resource"}}
	}

	results := builtinRules(doc, resourceType, v.supported)
	if v.profiles == nil {
		return results
	}

	rt, _ := doc["resourceType"].(string)
	applied := make(map[string]bool)
	for _, url := range claimedProfiles(doc) {
		p, ok := v.profiles.Get(url)
		if !ok {
			results = append(results, Result{
				Severity: SeverityWarning, Code: fhir.IssueTypeNotSupported, Path: rt + ".meta.profile",
				Message: fmt.Sprintf("profile %s is not known to this server", url),
			})
			continue
		}
		if p.ResourceType != rt {
			results = append(results, Result{
				Severity: SeverityError, Code: fhir.IssueTypeInvalid, Path: rt + ".meta.profile",
				Message: fmt.Sprintf("profile %s constrains %s, not %s", url, p.ResourceType, rt),
			})
			continue
		}
		applied[url] = true
		results = append(results, p.Check(doc)...)
	}
	for _, p := range v.profiles.ForType(rt) {
		if p.Enforce && !applied[p.URL] {
			results = append(results, p.Check(doc)...)
		}
	}
	return results
}

func claimedProfiles(doc map[string]interface{}) []string {
	meta, _ := doc["meta"].(map[string]interface{})
	list, _ := meta["profile"].([]interface{})
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Pipeline validates writes and decides whether they may proceed.
type Pipeline struct {
	validator *Validator
	policy    Policy
	logger    zerolog.Logger
}

func NewPipeline(v *Validator, policy Policy, logger zerolog.Logger) *Pipeline {
	return &Pipeline{validator: v, policy: policy, logger: logger.With().Str("component", "validation").Logger()}
}

// Policy returns the active reject policy.
func (p *Pipeline) Policy() Policy {
	return p.policy
}

// Validate runs every rule and returns all findings without applying the
// policy. It backs the $validate operation.
func (p *Pipeline) Validate(raw json.RawMessage, resourceType string) []Result {
	return p.validator.Validate(raw, resourceType)
}

// Check validates a write. When the policy blocks, the error is a
// *fhir.ValidationError carrying every finding. Non-blocking findings are
// returned for the caller to log or report.
func (p *Pipeline) Check(raw json.RawMessage, resourceType string) ([]Result, error) {
	results := p.validator.Validate(raw, resourceType)
	if p.policy.Blocks(results) {
		p.logger.Debug().Str("resource_type", resourceType).Int("issues", len(results)).Msg("write rejected by validation")
		return results, &fhir.ValidationError{Issues: Issues(results)}
	}
	return results, nil
}
