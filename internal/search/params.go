// Package search maintains an in-memory index of resource field values and
// evaluates FHIR search criteria against it. The index is a projection of the
// resource store and can be rebuilt from it at any time.
package search

import (
	"sort"
	"strings"
)

// ParamType is the FHIR search parameter type.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeDate      ParamType = "date"
	TypeReference ParamType = "reference"
	TypeNumber    ParamType = "number"
	TypeURI       ParamType = "uri"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeToken, TypeDate, TypeReference, TypeNumber, TypeURI:
		return true
	}
	return false
}

// ParamDef describes one search parameter of a resource type. Paths are
// dotted element paths relative to the resource root; arrays are traversed
// transparently.
type ParamDef struct {
	Code        string
	Type        ParamType
	Paths       []string
	Description string
	// Target restricts reference values to one resource type.
	Target string
	Custom bool
}

// Universal parameters apply to every resource type.
var universalParams = []ParamDef{
	{Code: "_id", Type: TypeToken, Paths: []string{"id"}, Description: "Logical id of this artifact"},
	{Code: "_lastUpdated", Type: TypeDate, Paths: []string{"meta.lastUpdated"}, Description: "When the resource version last changed"},
	{Code: "_tag", Type: TypeToken, Paths: []string{"meta.tag"}, Description: "Tags applied to this resource"},
	{Code: "_security", Type: TypeToken, Paths: []string{"meta.security"}, Description: "Security Labels applied to this resource"},
	{Code: "_profile", Type: TypeURI, Paths: []string{"meta.profile"}, Description: "Profiles this resource claims to conform to"},
}

var builtinParams = map[string][]ParamDef{
	"Patient": {
		{Code: "name", Type: TypeString, Paths: []string{"name.family", "name.given", "name.text", "name.prefix", "name.suffix"}, Description: "A portion of either family or given name of the patient"},
		{Code: "family", Type: TypeString, Paths: []string{"name.family"}, Description: "A portion of the family name of the patient"},
		{Code: "given", Type: TypeString, Paths: []string{"name.given"}, Description: "A portion of the given name of the patient"},
		{Code: "identifier", Type: TypeToken, Paths: []string{"identifier"}, Description: "A patient identifier"},
		{Code: "gender", Type: TypeToken, Paths: []string{"gender"}, Description: "Gender of the patient"},
		{Code: "birthdate", Type: TypeDate, Paths: []string{"birthDate"}, Description: "The patient's date of birth"},
		{Code: "active", Type: TypeToken, Paths: []string{"active"}, Description: "Whether the patient record is active"},
		{Code: "address-city", Type: TypeString, Paths: []string{"address.city"}, Description: "A city specified in an address"},
		{Code: "address-postalcode", Type: TypeString, Paths: []string{"address.postalCode"}, Description: "A postalCode specified in an address"},
		{Code: "telecom", Type: TypeToken, Paths: []string{"telecom"}, Description: "The value in any kind of telecom details of the patient"},
		{Code: "general-practitioner", Type: TypeReference, Paths: []string{"generalPractitioner"}, Description: "Patient's nominated general practitioner"},
		{Code: "organization", Type: TypeReference, Paths: []string{"managingOrganization"}, Target: "Organization", Description: "The organization that is the custodian of the patient record"},
	},
	"Practitioner": {
		{Code: "name", Type: TypeString, Paths: []string{"name.family", "name.given", "name.text"}, Description: "A portion of either family or given name"},
		{Code: "family", Type: TypeString, Paths: []string{"name.family"}, Description: "A portion of the family name"},
		{Code: "identifier", Type: TypeToken, Paths: []string{"identifier"}, Description: "A practitioner's Identifier"},
		{Code: "active", Type: TypeToken, Paths: []string{"active"}, Description: "Whether the practitioner record is active"},
	},
	"Organization": {
		{Code: "name", Type: TypeString, Paths: []string{"name", "alias"}, Description: "A portion of the organization's name or alias"},
		{Code: "identifier", Type: TypeToken, Paths: []string{"identifier"}, Description: "Any identifier for the organization"},
		{Code: "type", Type: TypeToken, Paths: []string{"type"}, Description: "A code for the type of organization"},
		{Code: "partof", Type: TypeReference, Paths: []string{"partOf"}, Target: "Organization", Description: "An organization of which this organization forms a part"},
	},
	"Observation": {
		{Code: "code", Type: TypeToken, Paths: []string{"code"}, Description: "The code of the observation type"},
		{Code: "category", Type: TypeToken, Paths: []string{"category"}, Description: "The classification of the type of observation"},
		{Code: "status", Type: TypeToken, Paths: []string{"status"}, Description: "The status of the observation"},
		{Code: "subject", Type: TypeReference, Paths: []string{"subject"}, Description: "The subject that the observation is about"},
		{Code: "patient", Type: TypeReference, Paths: []string{"subject"}, Target: "Patient", Description: "The subject that the observation is about (if patient)"},
		{Code: "encounter", Type: TypeReference, Paths: []string{"encounter"}, Target: "Encounter", Description: "Encounter related to the observation"},
		{Code: "date", Type: TypeDate, Paths: []string{"effectiveDateTime", "effectivePeriod", "effectiveInstant"}, Description: "Obtained date/time"},
		{Code: "value-quantity", Type: TypeNumber, Paths: []string{"valueQuantity"}, Description: "The value of the observation, if the value is a Quantity"},
		{Code: "value-concept", Type: TypeToken, Paths: []string{"valueCodeableConcept"}, Description: "The value of the observation, if the value is a CodeableConcept"},
	},
	"Condition": {
		{Code: "code", Type: TypeToken, Paths: []string{"code"}, Description: "Code for the condition"},
		{Code: "clinical-status", Type: TypeToken, Paths: []string{"clinicalStatus"}, Description: "The clinical status of the condition"},
		{Code: "category", Type: TypeToken, Paths: []string{"category"}, Description: "The category of the condition"},
		{Code: "subject", Type: TypeReference, Paths: []string{"subject"}, Description: "Who has the condition?"},
		{Code: "patient", Type: TypeReference, Paths: []string{"subject"}, Target: "Patient", Description: "Who has the condition?"},
		{Code: "onset-date", Type: TypeDate, Paths: []string{"onsetDateTime", "onsetPeriod"}, Description: "Date related onsets"},
	},
	"Encounter": {
		{Code: "status", Type: TypeToken, Paths: []string{"status"}, Description: "The status of the encounter"},
		{Code: "class", Type: TypeToken, Paths: []string{"class"}, Description: "Classification of patient encounter"},
		{Code: "type", Type: TypeToken, Paths: []string{"type"}, Description: "Specific type of encounter"},
		{Code: "subject", Type: TypeReference, Paths: []string{"subject"}, Description: "The patient or group present at the encounter"},
		{Code: "patient", Type: TypeReference, Paths: []string{"subject"}, Target: "Patient", Description: "The patient present at the encounter"},
		{Code: "date", Type: TypeDate, Paths: []string{"period"}, Description: "A date within the period the Encounter lasted"},
	},
	"MedicationRequest": {
		{Code: "status", Type: TypeToken, Paths: []string{"status"}, Description: "Status of the prescription"},
		{Code: "intent", Type: TypeToken, Paths: []string{"intent"}, Description: "Returns prescriptions with different intents"},
		{Code: "code", Type: TypeToken, Paths: []string{"medicationCodeableConcept"}, Description: "Return prescriptions of this medication code"},
		{Code: "subject", Type: TypeReference, Paths: []string{"subject"}, Description: "The identity of a patient to list orders for"},
		{Code: "patient", Type: TypeReference, Paths: []string{"subject"}, Target: "Patient", Description: "Returns prescriptions for a specific patient"},
		{Code: "authoredon", Type: TypeDate, Paths: []string{"authoredOn"}, Description: "Return prescriptions written on this date"},
	},
	"Subscription": {
		{Code: "status", Type: TypeToken, Paths: []string{"status"}, Description: "The current state of the subscription"},
		{Code: "criteria", Type: TypeString, Paths: []string{"criteria"}, Description: "The search rules used to determine when to send a notification"},
		{Code: "type", Type: TypeToken, Paths: []string{"channel.type"}, Description: "The type of channel for the sent notifications"},
		{Code: "url", Type: TypeURI, Paths: []string{"channel.endpoint"}, Description: "The uri that will receive the notifications"},
	},
	"Basic": {
		{Code: "code", Type: TypeToken, Paths: []string{"code"}, Description: "Kind of Resource"},
		{Code: "subject", Type: TypeReference, Paths: []string{"subject"}, Description: "Identifies the focus of this resource"},
		{Code: "created", Type: TypeDate, Paths: []string{"created"}, Description: "When created"},
		{Code: "author", Type: TypeReference, Paths: []string{"author"}, Description: "Who created"},
	},
}

// SortSpec is one _sort directive.
type SortSpec struct {
	Field      string
	Descending bool
}

// ParseSort parses the _sort value. "-date,status" means date descending
// then status ascending.
func ParseSort(raw string) []SortSpec {
	if raw == "" {
		return nil
	}
	var specs []SortSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		spec := SortSpec{Field: part}
		if strings.HasPrefix(part, "-") {
			spec.Descending = true
			spec.Field = part[1:]
		}
		if spec.Field != "" {
			specs = append(specs, spec)
		}
	}
	return specs
}

func sortDefs(defs []ParamDef) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Code < defs[j].Code })
}
