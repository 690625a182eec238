package grant

import (
	"context"
	"time"

	"github.com/curaflow/consent-core/internal/audit"
	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/monitoring"
	"github.com/curaflow/consent-core/pkg/types"
)

// Evaluator answers allow/deny for a requested read capability by
// finding the applicable grant between a patient and an organization.
// It layers on CheckAccess and never mutates grant state.
type Evaluator struct {
	logger    *logger.Logger
	store     Store
	auditSink audit.Sink
	metrics   *monitoring.MetricsCollector
}

// NewEvaluator creates a new access scope evaluator
func NewEvaluator(log *logger.Logger, store Store, auditSink audit.Sink, metrics *monitoring.MetricsCollector) *Evaluator {
	return &Evaluator{
		logger:    log,
		store:     store,
		auditSink: auditSink,
		metrics:   metrics,
	}
}

// EvaluateAccess decides whether the organization may exercise the
// capability against the patient's records at the given instant, and
// reports which grant backed an allow for audit attribution.
//
// Multiple active grants for the same pair are permitted; the most
// permissive still-active grant that explicitly carries the capability
// wins, ties broken by most recent approval. There is no implicit
// "any grant" shortcut.
func (ev *Evaluator) EvaluateAccess(ctx context.Context, patientID, organizationID string, capability types.Capability, now time.Time) (*types.AccessDecision, error) {
	grants, err := ev.store.FindByPatientAndOrg(ctx, patientID, organizationID)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to query grants", err)
	}

	var best *types.AuthorizationGrant
	for _, g := range grants {
		if !CheckAccess(g, capability, now) {
			continue
		}
		if best == nil || morePermissive(g, best) {
			best = g
		}
	}

	decision := &types.AccessDecision{}
	if best != nil {
		decision.Allowed = true
		decision.GrantID = best.ID
	} else {
		decision.Reason = "no active grant carries the requested capability"
	}

	ev.logger.RecordAccess(organizationID, patientID, string(capability), decision.GrantID, decision.Allowed)
	if ev.metrics != nil {
		ev.metrics.RecordAccessCheck(string(capability), decision.Allowed)
	}
	ev.auditSink.Record(audit.Event{
		EventType:  audit.EventAccessEvaluated,
		ActorID:    organizationID,
		ResourceID: decision.GrantID,
		Action:     string(capability),
		Result:     resultString(decision.Allowed),
		OccurredAt: now,
		Metadata: map[string]interface{}{
			"patient_id": patientID,
		},
	})

	return decision, nil
}

// morePermissive ranks candidate grants: wider scope first, then the
// most recent approval.
func morePermissive(a, b *types.AuthorizationGrant) bool {
	ba, bb := a.AccessScope.Breadth(), b.AccessScope.Breadth()
	if ba != bb {
		return ba > bb
	}
	if a.GrantedAt == nil || b.GrantedAt == nil {
		return false
	}
	return a.GrantedAt.After(*b.GrantedAt)
}

func resultString(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
