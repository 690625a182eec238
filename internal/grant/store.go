package grant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// UpdateFields carries the mutable columns written alongside a status
// transition. Nil pointers leave the column untouched; ClearExpiry nulls
// expires_at, which only ACTIVE and EXPIRED grants may carry.
type UpdateFields struct {
	GrantedAt      *time.Time
	ExpiresAt      *time.Time
	ClearExpiry    bool
	DecidedBy      string
	DecisionReason string
}

// Store is the persistence contract for authorization grants. It owns no
// business logic; the lifecycle engine is the sole caller of
// UpdateStatusCAS.
type Store interface {
	Create(ctx context.Context, g *types.AuthorizationGrant) error
	GetByID(ctx context.Context, id string) (*types.AuthorizationGrant, error)
	FindByPatientAndOrg(ctx context.Context, patientID, organizationID string) ([]*types.AuthorizationGrant, error)

	// UpdateStatusCAS transitions a grant from one status to another as a
	// single atomic conditional write. It returns false when the row no
	// longer carries the expected status, which the caller reports as a
	// lost race.
	UpdateStatusCAS(ctx context.Context, id string, from, to types.GrantStatus, fields UpdateFields) (bool, error)

	// MarkExpired flips ACTIVE grants whose expiry has passed to EXPIRED.
	// Storage hygiene only; read paths never rely on it.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewPostgresStore creates a new grant store
func NewPostgresStore(db *sql.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log,
	}
}

// Create inserts a new grant record
func (s *PostgresStore) Create(ctx context.Context, g *types.AuthorizationGrant) error {
	scopeJSON, err := json.Marshal(g.AccessScope)
	if err != nil {
		return fmt.Errorf("failed to marshal access scope: %w", err)
	}

	query := `
		INSERT INTO authorization_grants (
			id, patient_id, organization_id, requesting_practitioner_id,
			access_scope, status, time_window_hours, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query,
		g.ID,
		g.PatientID,
		g.OrganizationID,
		g.RequestingPractitionerID,
		scopeJSON,
		g.Status,
		g.TimeWindowHours,
		g.CreatedAt,
		g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}

	s.logger.WithField("grant_id", g.ID).Info("Created authorization grant")
	return nil
}

// GetByID retrieves a grant by ID
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*types.AuthorizationGrant, error) {
	query := `
		SELECT id, patient_id, organization_id, requesting_practitioner_id,
			   access_scope, status, time_window_hours, granted_at, expires_at,
			   decided_by, decision_reason, created_at, updated_at
		FROM authorization_grants
		WHERE id = $1`

	g, err := scanGrant(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, "grant not found")
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	return g, nil
}

// FindByPatientAndOrg retrieves all grants connecting an organization to a
// patient, newest first
func (s *PostgresStore) FindByPatientAndOrg(ctx context.Context, patientID, organizationID string) ([]*types.AuthorizationGrant, error) {
	query := `
		SELECT id, patient_id, organization_id, requesting_practitioner_id,
			   access_scope, status, time_window_hours, granted_at, expires_at,
			   decided_by, decision_reason, created_at, updated_at
		FROM authorization_grants
		WHERE patient_id = $1 AND organization_id = $2
		ORDER BY granted_at DESC NULLS LAST, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, patientID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*types.AuthorizationGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant row: %w", err)
		}
		grants = append(grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grant rows: %w", err)
	}

	return grants, nil
}

// UpdateStatusCAS performs the atomic conditional status transition
func (s *PostgresStore) UpdateStatusCAS(ctx context.Context, id string, from, to types.GrantStatus, fields UpdateFields) (bool, error) {
	query := `
		UPDATE authorization_grants
		SET status = $1,
			granted_at = COALESCE($2, granted_at),
			expires_at = CASE WHEN $3 THEN NULL ELSE COALESCE($4, expires_at) END,
			decided_by = COALESCE(NULLIF($5, ''), decided_by),
			decision_reason = COALESCE(NULLIF($6, ''), decision_reason),
			updated_at = NOW()
		WHERE id = $7 AND status = $8`

	result, err := s.db.ExecContext(ctx, query,
		to,
		nullTime(fields.GrantedAt),
		fields.ClearExpiry,
		nullTime(fields.ExpiresAt),
		fields.DecidedBy,
		fields.DecisionReason,
		id,
		from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update grant status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// MarkExpired flips overdue ACTIVE grants to EXPIRED
func (s *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE authorization_grants
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND expires_at <= $3`

	result, err := s.db.ExecContext(ctx, query, types.GrantStatusExpired, types.GrantStatusActive, now)
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired grants: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.WithField("count", rowsAffected).Info("Marked expired grants")
	}
	return rowsAffected, nil
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row scanner) (*types.AuthorizationGrant, error) {
	var g types.AuthorizationGrant
	var scopeJSON []byte
	var grantedAt, expiresAt sql.NullTime
	var decidedBy, decisionReason sql.NullString

	err := row.Scan(
		&g.ID,
		&g.PatientID,
		&g.OrganizationID,
		&g.RequestingPractitionerID,
		&scopeJSON,
		&g.Status,
		&g.TimeWindowHours,
		&grantedAt,
		&expiresAt,
		&decidedBy,
		&decisionReason,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scopeJSON, &g.AccessScope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access scope: %w", err)
	}

	if grantedAt.Valid {
		g.GrantedAt = &grantedAt.Time
	}
	if expiresAt.Valid {
		g.ExpiresAt = &expiresAt.Time
	}
	if decidedBy.Valid {
		g.DecidedBy = decidedBy.String
	}
	if decisionReason.Valid {
		g.DecisionReason = decisionReason.String
	}

	return &g, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
