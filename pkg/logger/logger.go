package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	log := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	// Set output format
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	// Set output destination
	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// WithFields creates a new logger entry with the specified fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithField creates a new logger entry with a single field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithError creates a new logger entry with an error field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// Audit logs audit events with structured format
func (l *Logger) Audit(actorID, action, resource string, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"audit":    true,
		"actor_id": actorID,
		"action":   action,
		"resource": resource,
		"success":  success,
		"details":  details,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// Security logs security-related events
func (l *Logger) Security(event string, actorID string, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"security": true,
		"event":    event,
		"actor_id": actorID,
		"details":  details,
	}).Warn("Security event")
}

// RecordAccess logs medical record access decisions with enhanced
// security context
func (l *Logger) RecordAccess(actorID, patientID, capability, grantID string, allowed bool) {
	entry := l.Logger.WithFields(logrus.Fields{
		"record_access": true,
		"actor_id":      actorID,
		"patient_id":    patientID,
		"capability":    capability,
		"grant_id":      grantID,
		"allowed":       allowed,
		"sensitive":     true,
	})

	if allowed {
		entry.Info("Record access granted")
	} else {
		entry.Warn("Record access denied")
	}
}
