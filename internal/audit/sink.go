package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/monitoring"
)

// EventType classifies audit events emitted by the core
type EventType string

const (
	EventGrantRequested       EventType = "grant_requested"
	EventGrantDecided         EventType = "grant_decided"
	EventGrantRevoked         EventType = "grant_revoked"
	EventAccessEvaluated      EventType = "access_evaluated"
	EventCredentialIssued     EventType = "credential_issued"
	EventCredentialVerified   EventType = "credential_verified"
	EventDispensationRecorded EventType = "dispensation_recorded"
)

// Event is one structured audit record
type Event struct {
	ID         string                 `json:"id"`
	EventType  EventType              `json:"event_type"`
	ActorID    string                 `json:"actor_id"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Action     string                 `json:"action"`
	Result     string                 `json:"result"`
	OccurredAt time.Time              `json:"occurred_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Sink receives audit events. Record must never block the caller and
// must never surface an error into the triggering operation; delivery is
// best-effort, at-least-once.
type Sink interface {
	Record(event Event)
	Close()
}

// AsyncSink buffers events on a channel and writes them to the audit
// table from a single goroutine.
type AsyncSink struct {
	db      *sql.DB
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	events  chan Event
	done    chan struct{}
}

// NewAsyncSink creates and starts an async audit sink
func NewAsyncSink(db *sql.DB, log *logger.Logger, metrics *monitoring.MetricsCollector, bufferSize int) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	s := &AsyncSink{
		db:      db,
		logger:  log,
		metrics: metrics,
		events:  make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}

	go s.run()
	return s
}

// Record enqueues an event, dropping it if the buffer is full
func (s *AsyncSink) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	select {
	case s.events <- event:
	default:
		s.logger.WithField("event_type", event.EventType).Warn("Audit buffer full, dropping event")
		if s.metrics != nil {
			s.metrics.RecordAuditEventDropped()
		}
	}
}

// Close drains the buffer and stops the writer goroutine
func (s *AsyncSink) Close() {
	close(s.events)
	<-s.done
}

func (s *AsyncSink) run() {
	defer close(s.done)

	for event := range s.events {
		if err := s.insert(event); err != nil {
			s.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to write audit event")
			if s.metrics != nil {
				s.metrics.RecordAuditEvent(string(event.EventType), false)
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordAuditEvent(string(event.EventType), true)
		}
	}
}

func (s *AsyncSink) insert(event Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO audit_log
		(id, event_type, actor_id, resource_id, action, result, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.db.Exec(query,
		event.ID,
		event.EventType,
		event.ActorID,
		nullString(event.ResourceID),
		event.Action,
		event.Result,
		event.OccurredAt,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// LogSink writes audit events to the structured log only. Used in tests
// and deployments without an audit database.
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a log-only audit sink
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

// Record logs the event
func (s *LogSink) Record(event Event) {
	s.logger.Audit(event.ActorID, event.Action, event.ResourceID, event.Result == "success", event.Metadata)
}

// Close is a no-op for the log sink
func (s *LogSink) Close() {}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// Trail provides read access to recorded audit events for attribution
// queries.
type Trail struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTrail creates an audit trail reader
func NewTrail(db *sql.DB, log *logger.Logger) *Trail {
	return &Trail{db: db, logger: log}
}

// Filter narrows an audit trail query
type Filter struct {
	ActorID    string
	ResourceID string
	EventType  EventType
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// Query retrieves audit entries matching the filter, newest first
func (t *Trail) Query(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT id, event_type, actor_id, resource_id, action, result, occurred_at, metadata
		FROM audit_log
		WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argIndex)
		args = append(args, filter.ActorID)
		argIndex++
	}

	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argIndex)
		args = append(args, filter.ResourceID)
		argIndex++
	}

	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIndex)
		args = append(args, filter.EventType)
		argIndex++
	}

	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIndex)
		args = append(args, filter.StartTime)
		argIndex++
	}

	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIndex)
		args = append(args, filter.EndTime)
		argIndex++
	}

	query += " ORDER BY occurred_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var resourceID sql.NullString
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.ActorID,
			&resourceID,
			&event.Action,
			&event.Result,
			&event.OccurredAt,
			&metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		if resourceID.Valid {
			event.ResourceID = resourceID.String
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				t.logger.WithError(err).Warn("Failed to unmarshal audit entry metadata")
				event.Metadata = make(map[string]interface{})
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}
