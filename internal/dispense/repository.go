package dispense

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// Repository is the persistence contract for prescriptions and their
// dispensation records
type Repository interface {
	CreatePrescription(ctx context.Context, rx *types.Prescription) error
	GetPrescription(ctx context.Context, ref types.PrescriptionRef) (*types.Prescription, error)

	// Fill flips the prescription from ISSUED to FILLED and inserts the
	// dispensation record in one transaction. It returns false when the
	// prescription is no longer ISSUED, leaving no partial state behind.
	Fill(ctx context.Context, record *types.DispensationRecord) (bool, error)
}

// PostgresRepository implements Repository on PostgreSQL
type PostgresRepository struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewPostgresRepository creates a new prescription repository
func NewPostgresRepository(db *sql.DB, log *logger.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:     db,
		logger: log,
	}
}

// CreatePrescription inserts a new prescription line item
func (r *PostgresRepository) CreatePrescription(ctx context.Context, rx *types.Prescription) error {
	query := `
		INSERT INTO prescriptions (
			encounter_id, prescription_index, patient_id, prescriber_id,
			organization_id, medication_name, medication_dosage,
			medication_frequency, status, issued_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		rx.EncounterID,
		rx.PrescriptionIndex,
		rx.PatientID,
		rx.PrescriberID,
		rx.OrganizationID,
		rx.Medication.Name,
		rx.Medication.Dosage,
		rx.Medication.Frequency,
		rx.Status,
		rx.IssuedAt,
		rx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create prescription: %w", err)
	}

	r.logger.WithField("prescription", rx.Ref().String()).Info("Created prescription")
	return nil
}

// GetPrescription retrieves one line item by its encounter reference
func (r *PostgresRepository) GetPrescription(ctx context.Context, ref types.PrescriptionRef) (*types.Prescription, error) {
	query := `
		SELECT encounter_id, prescription_index, patient_id, prescriber_id,
			   organization_id, medication_name, medication_dosage,
			   medication_frequency, status, issued_at, updated_at
		FROM prescriptions
		WHERE encounter_id = $1 AND prescription_index = $2`

	var rx types.Prescription
	err := r.db.QueryRowContext(ctx, query, ref.EncounterID, ref.PrescriptionIndex).Scan(
		&rx.EncounterID,
		&rx.PrescriptionIndex,
		&rx.PatientID,
		&rx.PrescriberID,
		&rx.OrganizationID,
		&rx.Medication.Name,
		&rx.Medication.Dosage,
		&rx.Medication.Frequency,
		&rx.Status,
		&rx.IssuedAt,
		&rx.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, "prescription not found")
		}
		return nil, fmt.Errorf("failed to get prescription: %w", err)
	}

	return &rx, nil
}

// Fill performs the status flip and the record insert atomically
func (r *PostgresRepository) Fill(ctx context.Context, record *types.DispensationRecord) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	updateQuery := `
		UPDATE prescriptions
		SET status = $1, updated_at = $2
		WHERE encounter_id = $3 AND prescription_index = $4 AND status = $5`

	result, err := tx.ExecContext(ctx, updateQuery,
		types.PrescriptionStatusFilled,
		record.FilledAt,
		record.Prescription.EncounterID,
		record.Prescription.PrescriptionIndex,
		types.PrescriptionStatusIssued,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update prescription status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return false, nil
	}

	insertQuery := `
		INSERT INTO dispensations (
			id, encounter_id, prescription_index, dispensing_practitioner_id,
			pharmacy_organization_id, quantity, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		record.ID,
		record.Prescription.EncounterID,
		record.Prescription.PrescriptionIndex,
		record.DispensingPractitionerID,
		record.PharmacyOrganizationID,
		record.Quantity,
		record.FilledAt,
	); err != nil {
		return false, fmt.Errorf("failed to insert dispensation record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit dispensation: %w", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"dispensation_id": record.ID,
		"prescription":    record.Prescription.String(),
	}).Info("Recorded dispensation")
	return true, nil
}
