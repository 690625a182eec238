package credential

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/curaflow/consent-core/internal/audit"
	"github.com/curaflow/consent-core/pkg/config"
	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/monitoring"
	"github.com/curaflow/consent-core/pkg/types"
)

// Clock supplies the current time for issuance; verification takes the
// instant from the caller.
type Clock interface {
	Now() time.Time
}

// PrescriptionReader loads the prescription a credential is minted for
type PrescriptionReader interface {
	GetPrescription(ctx context.Context, ref types.PrescriptionRef) (*types.Prescription, error)
}

// Service mints and verifies signed prescription credentials. A
// credential represents a single pharmacy visit: its validity window is
// minutes, not hours, and its nonce is consumed exactly once.
type Service struct {
	config        *config.CredentialConfig
	logger        *logger.Logger
	signer        *Signer
	ledger        ReplayLedger
	prescriptions PrescriptionReader
	clock         Clock
	auditSink     audit.Sink
	metrics       *monitoring.MetricsCollector
}

// NewService creates a new prescription credential service
func NewService(
	cfg *config.CredentialConfig,
	log *logger.Logger,
	signer *Signer,
	ledger ReplayLedger,
	prescriptions PrescriptionReader,
	clock Clock,
	auditSink audit.Sink,
	metrics *monitoring.MetricsCollector,
) *Service {
	return &Service{
		config:        cfg,
		logger:        log,
		signer:        signer,
		ledger:        ledger,
		prescriptions: prescriptions,
		clock:         clock,
		auditSink:     auditSink,
		metrics:       metrics,
	}
}

// Issue mints a signed credential for one ISSUED prescription line item.
// The returned string is opaque and URL-safe, ready for QR encoding by
// the caller.
func (s *Service) Issue(ctx context.Context, encounterID string, prescriptionIndex int, prescriberID string) (string, *types.CredentialPayload, error) {
	if encounterID == "" || prescriberID == "" {
		return "", nil, types.NewValidationError(types.ErrCodeInvalidInput, "encounter and prescriber IDs are required", nil)
	}
	if prescriptionIndex < 0 {
		return "", nil, types.NewValidationError(types.ErrCodeInvalidInput, "prescription index must not be negative", nil)
	}

	ref := types.PrescriptionRef{EncounterID: encounterID, PrescriptionIndex: prescriptionIndex}
	rx, err := s.prescriptions.GetPrescription(ctx, ref)
	if err != nil {
		s.recordIssued("error")
		return "", nil, err
	}

	if rx.Status != types.PrescriptionStatusIssued {
		s.recordIssued("conflict")
		return "", nil, types.NewConflictError(types.ErrCodeConflict, "prescription is not in ISSUED state")
	}

	now := s.clock.Now()
	payload := &types.CredentialPayload{
		EncounterID:       rx.EncounterID,
		PrescriptionIndex: rx.PrescriptionIndex,
		PatientID:         rx.PatientID,
		PrescriberID:      prescriberID,
		OrganizationID:    rx.OrganizationID,
		Medication:        rx.Medication,
		IssuedAt:          now,
		ExpiresAt:         now.Add(time.Duration(s.config.TTLMinutes) * time.Minute),
		Nonce:             uuid.New().String(),
	}

	signed, err := s.signer.Sign(payload)
	if err != nil {
		s.recordIssued("error")
		return "", nil, types.NewInternalError(types.ErrCodeInternalError, "failed to sign credential", err)
	}

	s.recordIssued("success")
	s.auditSink.Record(audit.Event{
		EventType:  audit.EventCredentialIssued,
		ActorID:    prescriberID,
		ResourceID: ref.String(),
		Action:     "issue",
		Result:     "success",
		OccurredAt: now,
		Metadata: map[string]interface{}{
			"patient_id": rx.PatientID,
			"nonce":      payload.Nonce,
			"expires_at": payload.ExpiresAt,
		},
	})

	return signed, payload, nil
}

// Verify checks signature integrity, expiry and nonce freshness, then
// consumes the nonce. Parsing failures leave the nonce unconsumed, so a
// tampered or expired credential never burns a replay slot. Consumption
// itself is a single atomic write: two concurrent scans of the same
// credential produce exactly one success and one ReplayDetected.
func (s *Service) Verify(ctx context.Context, signedCredential string, now time.Time) (*types.CredentialPayload, error) {
	payload, err := s.signer.Parse(signedCredential, now)
	if err != nil {
		s.logVerificationFailure(err)
		return nil, err
	}

	consumed, err := s.ledger.Consume(ctx, payload.Nonce, payload.ExpiresAt)
	if err != nil {
		s.recordVerification("error")
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to consume nonce", err)
	}
	if !consumed {
		replayErr := types.NewVerificationError(types.ErrCodeReplayDetected, "credential nonce was already consumed")
		s.logVerificationFailure(replayErr)
		return nil, replayErr
	}

	s.recordVerification("success")
	s.auditSink.Record(audit.Event{
		EventType:  audit.EventCredentialVerified,
		ActorID:    payload.PrescriberID,
		ResourceID: payload.Ref().String(),
		Action:     "verify",
		Result:     "success",
		OccurredAt: now,
		Metadata: map[string]interface{}{
			"patient_id": payload.PatientID,
			"nonce":      payload.Nonce,
		},
	})

	return payload, nil
}

// logVerificationFailure records the precise failure cause server-side.
// Clients only ever see the uniform "invalid or expired code" response.
func (s *Service) logVerificationFailure(err error) {
	code := types.ErrCodeInternalError
	if appErr, ok := err.(*types.AppError); ok {
		code = appErr.Code
	}

	s.logger.WithField("failure_code", code).Warn("Credential verification failed")
	s.recordVerification(code)

	s.auditSink.Record(audit.Event{
		EventType:  audit.EventCredentialVerified,
		ActorID:    "unknown",
		Action:     "verify",
		Result:     "denied",
		OccurredAt: s.clock.Now(),
		Metadata: map[string]interface{}{
			"failure_code": code,
		},
	})
}

func (s *Service) recordIssued(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordCredentialIssued(outcome)
	}
}

func (s *Service) recordVerification(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordCredentialVerification(outcome)
	}
}
