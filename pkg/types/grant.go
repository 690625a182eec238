package types

import "time"

// GrantStatus represents the lifecycle state of an authorization grant
type GrantStatus string

const (
	GrantStatusPending  GrantStatus = "PENDING"
	GrantStatusActive   GrantStatus = "ACTIVE"
	GrantStatusRejected GrantStatus = "REJECTED"
	GrantStatusExpired  GrantStatus = "EXPIRED"
	GrantStatusRevoked  GrantStatus = "REVOKED"
)

// Terminal reports whether the status admits no further transitions
func (s GrantStatus) Terminal() bool {
	switch s {
	case GrantStatusRejected, GrantStatusExpired, GrantStatusRevoked:
		return true
	}
	return false
}

// Capability names a single record-access permission a grant can carry
type Capability string

const (
	CapabilityViewSummary       Capability = "view-summary"
	CapabilityViewFull          Capability = "view-full"
	CapabilityViewPrescriptions Capability = "view-prescriptions"
)

// AccessScope is the set of capabilities a grant permits. An empty scope
// is valid but grants no access.
type AccessScope map[Capability]bool

// Enabled reports whether the capability is explicitly present and true
func (s AccessScope) Enabled(c Capability) bool {
	return s[c]
}

// Breadth counts the enabled capabilities; used to rank grants by
// permissiveness.
func (s AccessScope) Breadth() int {
	n := 0
	for _, on := range s {
		if on {
			n++
		}
	}
	return n
}

// AuthorizationGrant is a patient's time-boxed authorization letting one
// organization and practitioner exercise specific record-access
// capabilities. Parties are referenced by ID only; the read-side join to
// full documents lives outside this core.
type AuthorizationGrant struct {
	ID                       string      `json:"id"`
	PatientID                string      `json:"patient_id"`
	OrganizationID           string      `json:"organization_id"`
	RequestingPractitionerID string      `json:"requesting_practitioner_id"`
	AccessScope              AccessScope `json:"access_scope"`
	Status                   GrantStatus `json:"status"`
	TimeWindowHours          int         `json:"time_window_hours"`
	GrantedAt                *time.Time  `json:"granted_at,omitempty"`
	ExpiresAt                *time.Time  `json:"expires_at,omitempty"`
	DecidedBy                string      `json:"decided_by,omitempty"`
	DecisionReason           string      `json:"decision_reason,omitempty"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
}

// GrantDecision is the outcome of an approve/reject/revoke operation
type GrantDecision struct {
	GrantID        string      `json:"grant_id"`
	PreviousStatus GrantStatus `json:"previous_status"`
	NewStatus      GrantStatus `json:"new_status"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
}

// AccessDecision is the evaluator's allow/deny answer along with the
// grant that backed it, for audit attribution.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	GrantID string `json:"grant_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
