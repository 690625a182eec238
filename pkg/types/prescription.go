package types

import (
	"fmt"
	"time"
)

// PrescriptionStatus represents the dispensation state of one
// prescription line item
type PrescriptionStatus string

const (
	PrescriptionStatusIssued    PrescriptionStatus = "ISSUED"
	PrescriptionStatusFilled    PrescriptionStatus = "FILLED"
	PrescriptionStatusCancelled PrescriptionStatus = "CANCELLED"
)

// Medication describes the prescribed drug on a single line item
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
}

// PrescriptionRef locates exactly one prescription line item within an
// encounter
type PrescriptionRef struct {
	EncounterID       string `json:"encounter_id"`
	PrescriptionIndex int    `json:"prescription_index"`
}

// String renders the reference in encounter:index form
func (r PrescriptionRef) String() string {
	return fmt.Sprintf("%s:%d", r.EncounterID, r.PrescriptionIndex)
}

// Prescription is the minimal dispensation-facing view of a prescription
// line item. Full clinical encounter modeling lives outside this core.
type Prescription struct {
	EncounterID       string             `json:"encounter_id"`
	PrescriptionIndex int                `json:"prescription_index"`
	PatientID         string             `json:"patient_id"`
	PrescriberID      string             `json:"prescriber_id"`
	OrganizationID    string             `json:"organization_id"`
	Medication        Medication         `json:"medication"`
	Status            PrescriptionStatus `json:"status"`
	IssuedAt          time.Time          `json:"issued_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Ref returns the line-item reference for this prescription
func (p *Prescription) Ref() PrescriptionRef {
	return PrescriptionRef{EncounterID: p.EncounterID, PrescriptionIndex: p.PrescriptionIndex}
}

// CredentialPayload is the decoded content of a signed prescription
// credential. It is ephemeral: minted on demand, transmitted out-of-band
// as a QR image, never persisted as a grant.
type CredentialPayload struct {
	EncounterID       string     `json:"encounter_id"`
	PrescriptionIndex int        `json:"prescription_index"`
	PatientID         string     `json:"patient_id"`
	PrescriberID      string     `json:"prescriber_id"`
	OrganizationID    string     `json:"organization_id"`
	Medication        Medication `json:"medication"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Nonce             string     `json:"nonce"`
}

// Ref returns the prescription line item the credential points at
func (p *CredentialPayload) Ref() PrescriptionRef {
	return PrescriptionRef{EncounterID: p.EncounterID, PrescriptionIndex: p.PrescriptionIndex}
}

// DispensationRecord links one verified credential to one dispensing
// event. At most one record exists per prescription line item.
type DispensationRecord struct {
	ID                       string          `json:"id"`
	Prescription             PrescriptionRef `json:"prescription"`
	DispensingPractitionerID string          `json:"dispensing_practitioner_id"`
	PharmacyOrganizationID   string          `json:"pharmacy_organization_id"`
	Quantity                 int             `json:"quantity"`
	FilledAt                 time.Time       `json:"filled_at"`
}
