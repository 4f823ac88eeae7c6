package fhir

// FHIR R4 resource models, limited to the fields the scheduling core reads
// and writes.

// Bundle is a FHIR search-result container.
type Bundle struct {
	ResourceType string `json:"resourceType"`
	Type         string `json:"type"`
	Total        int    `json:"total"`
	Entry        []struct {
		Resource interface{} `json:"resource"`
	} `json:"entry"`
}

// AppointmentResource is a FHIR Appointment.
type AppointmentResource struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Status       string            `json:"status"` // proposed, pending, booked, cancelled, ...
	Description  string            `json:"description,omitempty"`
	Comment      string            `json:"comment,omitempty"`
	Start        string            `json:"start"` // RFC3339
	End          string            `json:"end"`   // RFC3339
	Participant  []Participant     `json:"participant"`
	Slot         []Reference       `json:"slot,omitempty"`
	Identifier   []Identifier      `json:"identifier,omitempty"`
}

// SlotResource is a FHIR Slot.
type SlotResource struct {
	ResourceType string    `json:"resourceType"`
	ID           string    `json:"id"`
	Schedule     Reference `json:"schedule"`
	Status       string    `json:"status"` // free, busy, busy-unavailable, busy-tentative
	Start        string    `json:"start"`
	End          string    `json:"end"`
}

// PatientResource is a FHIR Patient, limited to the demographics intake
// reads back.
type PatientResource struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"` // YYYY-MM-DD
}

// HumanName is a FHIR name element.
type HumanName struct {
	Use    string   `json:"use,omitempty"` // official, usual, nickname, ...
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// ContactPoint is a FHIR telecom element.
type ContactPoint struct {
	System string `json:"system,omitempty"` // phone, email, ...
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// Participant is an appointment participant.
type Participant struct {
	Actor  Reference `json:"actor"`
	Status string    `json:"status"`
}

// Reference points at another FHIR resource, e.g. "Practitioner/42".
type Reference struct {
	Reference string `json:"reference"`
	Display   string `json:"display,omitempty"`
}

// Identifier carries a business identifier for a resource. The booking
// idempotency key is sent as an identifier so the EMR's conditional create
// can deduplicate retried writes.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

// OperationOutcome is the FHIR error envelope.
type OperationOutcome struct {
	ResourceType string `json:"resourceType"`
	Issue        []struct {
		Severity    string `json:"severity"`
		Code        string `json:"code"`
		Diagnostics string `json:"diagnostics,omitempty"`
	} `json:"issue"`
}
