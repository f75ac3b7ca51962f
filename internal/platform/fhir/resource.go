package fhir

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// resourceTypes lists the FHIR R4 resource types this server can store,
// sorted.
var resourceTypes = []string{
	"AllergyIntolerance", "Appointment", "Basic", "CarePlan", "CareTeam",
	"Communication", "Composition", "Condition", "Consent", "Coverage",
	"Device", "DiagnosticReport", "DocumentReference", "Encounter",
	"Immunization", "Location", "Medication", "MedicationAdministration",
	"MedicationRequest", "MedicationStatement", "Observation", "Organization",
	"Patient", "Practitioner", "PractitionerRole", "Procedure",
	"Questionnaire", "QuestionnaireResponse", "ServiceRequest", "Specimen",
	"Subscription",
}

var knownResourceTypes = func() map[string]bool {
	m := make(map[string]bool, len(resourceTypes))
	for _, rt := range resourceTypes {
		m[rt] = true
	}
	return m
}()

// IsKnownResourceType reports whether the server understands the given type.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}

// KnownResourceTypes returns every recognized resource type, sorted.
func KnownResourceTypes() []string {
	return append([]string(nil), resourceTypes...)
}
