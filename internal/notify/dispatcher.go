package notify

import (
	"github.com/curaflow/consent-core/pkg/logger"
)

// Notification event types delivered to requesters and patients
const (
	TypeGrantRequested = "grant_requested"
	TypeGrantApproved  = "grant_approved"
	TypeGrantRejected  = "grant_rejected"
	TypeGrantRevoked   = "grant_revoked"
)

// Dispatcher delivers notifications to an external transport. Delivery
// is best-effort: callers log a failed dispatch and move on, the
// triggering operation never rolls back.
type Dispatcher interface {
	Dispatch(recipientID, notificationType string, payload map[string]interface{}) error
}

// LogDispatcher implements Dispatcher by writing to the structured log.
// The real push/email transport is an external collaborator.
type LogDispatcher struct {
	logger *logger.Logger
}

// NewLogDispatcher creates a new log-backed dispatcher
func NewLogDispatcher(log *logger.Logger) *LogDispatcher {
	return &LogDispatcher{logger: log}
}

// Dispatch logs the notification
func (d *LogDispatcher) Dispatch(recipientID, notificationType string, payload map[string]interface{}) error {
	d.logger.WithFields(map[string]interface{}{
		"recipient_id": recipientID,
		"type":         notificationType,
		"payload":      payload,
	}).Info("Notification dispatched")
	return nil
}
