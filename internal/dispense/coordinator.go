package dispense

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/curaflow/consent-core/internal/audit"
	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/monitoring"
	"github.com/curaflow/consent-core/pkg/types"
)

// CredentialVerifier validates a scanned credential and consumes its
// nonce
type CredentialVerifier interface {
	Verify(ctx context.Context, signedCredential string, now time.Time) (*types.CredentialPayload, error)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// DispenseRequest carries one scanned credential plus the pharmacy-side
// identifiers recorded on the dispensation
type DispenseRequest struct {
	Credential               string
	DispensingPractitionerID string
	PharmacyOrganizationID   string
	Quantity                 int
}

// DispenseResult reports the recorded dispensation
type DispenseResult struct {
	DispensationID string                `json:"dispensation_id"`
	Prescription   types.PrescriptionRef `json:"prescription"`
	FilledAt       time.Time             `json:"filled_at"`
}

// Coordinator drives the scan-to-fill flow: verify the credential, then
// record the dispensation at most once.
type Coordinator struct {
	logger     *logger.Logger
	verifier   CredentialVerifier
	repository Repository
	clock      Clock
	auditSink  audit.Sink
	metrics    *monitoring.MetricsCollector
}

// NewCoordinator creates a new dispensation coordinator
func NewCoordinator(
	log *logger.Logger,
	verifier CredentialVerifier,
	repository Repository,
	clock Clock,
	auditSink audit.Sink,
	metrics *monitoring.MetricsCollector,
) *Coordinator {
	return &Coordinator{
		logger:     log,
		verifier:   verifier,
		repository: repository,
		clock:      clock,
		auditSink:  auditSink,
		metrics:    metrics,
	}
}

// Dispense verifies the credential and fills the referenced prescription.
// Verification consumes the nonce first, so a credential that reaches the
// fill step can never be presented again even when the fill itself loses
// a race.
func (c *Coordinator) Dispense(ctx context.Context, req DispenseRequest) (*DispenseResult, error) {
	if req.DispensingPractitionerID == "" || req.PharmacyOrganizationID == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "dispensing practitioner and pharmacy organization IDs are required", nil)
	}
	if req.Quantity <= 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "quantity must be positive", nil)
	}

	now := c.clock.Now()
	payload, err := c.verifier.Verify(ctx, req.Credential, now)
	if err != nil {
		c.recordDispensation("credential_rejected")
		return nil, err
	}

	record := &types.DispensationRecord{
		ID:                       uuid.New().String(),
		Prescription:             payload.Ref(),
		DispensingPractitionerID: req.DispensingPractitionerID,
		PharmacyOrganizationID:   req.PharmacyOrganizationID,
		Quantity:                 req.Quantity,
		FilledAt:                 now,
	}

	filled, err := c.repository.Fill(ctx, record)
	if err != nil {
		c.recordDispensation("error")
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to record dispensation", err)
	}
	if !filled {
		c.recordDispensation("conflict")
		c.recordAudit(record, now, "denied")
		return nil, types.NewConflictError(types.ErrCodeConflict, "prescription was already dispensed")
	}

	c.recordDispensation("success")
	c.recordAudit(record, now, "success")

	return &DispenseResult{
		DispensationID: record.ID,
		Prescription:   record.Prescription,
		FilledAt:       record.FilledAt,
	}, nil
}

func (c *Coordinator) recordAudit(record *types.DispensationRecord, now time.Time, result string) {
	c.auditSink.Record(audit.Event{
		EventType:  audit.EventDispensationRecorded,
		ActorID:    record.DispensingPractitionerID,
		ResourceID: record.Prescription.String(),
		Action:     "dispense",
		Result:     result,
		OccurredAt: now,
		Metadata: map[string]interface{}{
			"pharmacy_organization_id": record.PharmacyOrganizationID,
			"quantity":                 record.Quantity,
		},
	})
}

func (c *Coordinator) recordDispensation(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordDispensation(outcome)
	}
}
