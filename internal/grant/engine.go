package grant

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/curaflow/consent-core/internal/audit"
	"github.com/curaflow/consent-core/internal/notify"
	"github.com/curaflow/consent-core/pkg/config"
	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/monitoring"
	"github.com/curaflow/consent-core/pkg/types"
)

// Decision names the two outcomes a patient can choose for a pending grant
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Clock supplies the current time. Injected so expiry decisions are
// testable.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns the current time
func (SystemClock) Now() time.Time { return time.Now() }

// IDGenerator supplies collision-resistant identifiers
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates random UUIDs
type UUIDGenerator struct{}

// NewID returns a fresh UUID string
func (UUIDGenerator) NewID() string { return uuid.New().String() }

// Engine enforces the authorization grant state machine. It is the sole
// mutator of a grant's status, expiry and decision fields.
type Engine struct {
	config     *config.GrantConfig
	logger     *logger.Logger
	store      Store
	clock      Clock
	ids        IDGenerator
	auditSink  audit.Sink
	dispatcher notify.Dispatcher
	metrics    *monitoring.MetricsCollector
}

// NewEngine creates a new grant lifecycle engine
func NewEngine(
	cfg *config.GrantConfig,
	log *logger.Logger,
	store Store,
	clock Clock,
	ids IDGenerator,
	auditSink audit.Sink,
	dispatcher notify.Dispatcher,
	metrics *monitoring.MetricsCollector,
) *Engine {
	return &Engine{
		config:     cfg,
		logger:     log,
		store:      store,
		clock:      clock,
		ids:        ids,
		auditSink:  auditSink,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// RequestGrant creates a new grant in PENDING state on behalf of a
// requesting practitioner
func (e *Engine) RequestGrant(ctx context.Context, patientID, organizationID, practitionerID string, scope types.AccessScope, timeWindowHours int) (*types.AuthorizationGrant, error) {
	if patientID == "" || organizationID == "" || practitionerID == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "patient, organization and practitioner IDs are required", nil)
	}
	if scope.Breadth() == 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "access scope must enable at least one capability", nil)
	}
	if timeWindowHours <= 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "time window must be positive", map[string]interface{}{
			"time_window_hours": timeWindowHours,
		})
	}
	if e.config != nil && e.config.MaxTimeWindowHours > 0 && timeWindowHours > e.config.MaxTimeWindowHours {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "time window exceeds maximum", map[string]interface{}{
			"time_window_hours": timeWindowHours,
			"max_hours":         e.config.MaxTimeWindowHours,
		})
	}

	now := e.clock.Now()
	g := &types.AuthorizationGrant{
		ID:                       e.ids.NewID(),
		PatientID:                patientID,
		OrganizationID:           organizationID,
		RequestingPractitionerID: practitionerID,
		AccessScope:              scope,
		Status:                   types.GrantStatusPending,
		TimeWindowHours:          timeWindowHours,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	if err := e.store.Create(ctx, g); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to store grant", err)
	}

	e.auditSink.Record(audit.Event{
		EventType:  audit.EventGrantRequested,
		ActorID:    practitionerID,
		ResourceID: g.ID,
		Action:     "request",
		Result:     "success",
		OccurredAt: now,
		Metadata: map[string]interface{}{
			"patient_id":        patientID,
			"organization_id":   organizationID,
			"time_window_hours": timeWindowHours,
		},
	})
	e.notifyBestEffort(patientID, notify.TypeGrantRequested, map[string]interface{}{
		"grant_id":        g.ID,
		"organization_id": organizationID,
	})

	return g, nil
}

// Decide applies the patient's approve or reject decision to a PENDING
// grant. The status flip is a single atomic conditional write; a losing
// concurrent caller gets ConflictError.
func (e *Engine) Decide(ctx context.Context, grantID, actorID string, decision Decision, reason string) (*types.GrantDecision, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "decision must be approve or reject", map[string]interface{}{
			"decision": string(decision),
		})
	}
	if decision == DecisionReject && reason == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "rejection requires a reason", nil)
	}

	g, err := e.store.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}

	if g.PatientID != actorID {
		e.logger.Security("grant_decision_ownership_violation", actorID, map[string]interface{}{
			"grant_id": grantID,
		})
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only the grant's patient may decide it")
	}

	if g.Status != types.GrantStatusPending {
		return nil, types.NewConflictError(types.ErrCodeConflict, "grant is not pending")
	}

	now := e.clock.Now()
	fields := UpdateFields{DecidedBy: actorID}
	target := types.GrantStatusRejected
	var expiresAt *time.Time

	if decision == DecisionApprove {
		target = types.GrantStatusActive
		expiry := now.Add(time.Duration(g.TimeWindowHours) * time.Hour)
		expiresAt = &expiry
		fields.GrantedAt = &now
		fields.ExpiresAt = &expiry
	} else {
		fields.DecisionReason = reason
	}

	swapped, err := e.store.UpdateStatusCAS(ctx, grantID, types.GrantStatusPending, target, fields)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to update grant", err)
	}
	if !swapped {
		// Another decision landed between our read and the write.
		e.recordDecisionMetric(decision, "conflict")
		return nil, types.NewConflictError(types.ErrCodeConflict, "grant was decided concurrently")
	}

	e.recordDecisionMetric(decision, "success")
	e.auditSink.Record(audit.Event{
		EventType:  audit.EventGrantDecided,
		ActorID:    actorID,
		ResourceID: grantID,
		Action:     string(decision),
		Result:     "success",
		OccurredAt: now,
		Metadata: map[string]interface{}{
			"previous_status": string(types.GrantStatusPending),
			"new_status":      string(target),
			"reason":          reason,
		},
	})

	notifyType := notify.TypeGrantRejected
	if decision == DecisionApprove {
		notifyType = notify.TypeGrantApproved
	}
	e.notifyBestEffort(g.RequestingPractitionerID, notifyType, map[string]interface{}{
		"grant_id": grantID,
	})

	return &types.GrantDecision{
		GrantID:        grantID,
		PreviousStatus: types.GrantStatusPending,
		NewStatus:      target,
		ExpiresAt:      expiresAt,
	}, nil
}

// Revoke immediately terminates an ACTIVE grant at the patient's request
func (e *Engine) Revoke(ctx context.Context, grantID, actorID string) (*types.GrantDecision, error) {
	g, err := e.store.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}

	if g.PatientID != actorID {
		e.logger.Security("grant_revoke_ownership_violation", actorID, map[string]interface{}{
			"grant_id": grantID,
		})
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only the grant's patient may revoke it")
	}

	if g.Status != types.GrantStatusActive {
		return nil, types.NewConflictError(types.ErrCodeConflict, "only active grants can be revoked")
	}

	// An ACTIVE row past its expiry already reads as EXPIRED, which is
	// terminal; revoking it would disagree with every other read path.
	if g.ExpiresAt != nil && !e.clock.Now().Before(*g.ExpiresAt) {
		return nil, types.NewConflictError(types.ErrCodeConflict, "grant has already expired")
	}

	swapped, err := e.store.UpdateStatusCAS(ctx, grantID, types.GrantStatusActive, types.GrantStatusRevoked, UpdateFields{DecidedBy: actorID, ClearExpiry: true})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to revoke grant", err)
	}
	if !swapped {
		return nil, types.NewConflictError(types.ErrCodeConflict, "grant state changed concurrently")
	}

	now := e.clock.Now()
	e.auditSink.Record(audit.Event{
		EventType:  audit.EventGrantRevoked,
		ActorID:    actorID,
		ResourceID: grantID,
		Action:     "revoke",
		Result:     "success",
		OccurredAt: now,
	})
	e.notifyBestEffort(g.RequestingPractitionerID, notify.TypeGrantRevoked, map[string]interface{}{
		"grant_id": grantID,
	})

	return &types.GrantDecision{
		GrantID:        grantID,
		PreviousStatus: types.GrantStatusActive,
		NewStatus:      types.GrantStatusRevoked,
	}, nil
}

// GetGrant loads a grant, applying lazy expiry to the returned view:
// an ACTIVE grant past its expiry reads as EXPIRED without requiring a
// store write.
func (e *Engine) GetGrant(ctx context.Context, grantID string) (*types.AuthorizationGrant, error) {
	g, err := e.store.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}

	if g.Status == types.GrantStatusActive && g.ExpiresAt != nil && !e.clock.Now().Before(*g.ExpiresAt) {
		g.Status = types.GrantStatusExpired
	}

	return g, nil
}

// CheckAccess reports whether the grant permits the capability at the
// given instant. Pure with respect to its inputs: the caller supplies
// now, no hidden clock reads.
func CheckAccess(g *types.AuthorizationGrant, capability types.Capability, now time.Time) bool {
	if g == nil || g.Status != types.GrantStatusActive {
		return false
	}
	if g.ExpiresAt == nil || !now.Before(*g.ExpiresAt) {
		return false
	}
	return g.AccessScope.Enabled(capability)
}

// CheckAccessByID loads the grant and evaluates CheckAccess against it
func (e *Engine) CheckAccessByID(ctx context.Context, grantID string, capability types.Capability, now time.Time) (bool, error) {
	g, err := e.store.GetByID(ctx, grantID)
	if err != nil {
		return false, err
	}
	return CheckAccess(g, capability, now), nil
}

func (e *Engine) notifyBestEffort(recipientID, notificationType string, payload map[string]interface{}) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Dispatch(recipientID, notificationType, payload); err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"recipient_id": recipientID,
			"type":         notificationType,
		}).Warn("Notification dispatch failed")
	}
}

func (e *Engine) recordDecisionMetric(decision Decision, outcome string) {
	if e.metrics != nil {
		e.metrics.RecordGrantDecision(string(decision), outcome)
	}
}
