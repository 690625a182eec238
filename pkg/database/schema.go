package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the database schema for grant, prescription and
// dispensation storage
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	// Create extension for UUID generation
	if err := db.createExtensions(ctx); err != nil {
		return fmt.Errorf("failed to create extensions: %w", err)
	}

	// Create tables
	tables := []string{
		createGrantsTable,
		createPrescriptionsTable,
		createDispensationsTable,
		createConsumedNoncesTable,
		createAuditLogTable,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Create indexes
	indexes := []string{
		createGrantsIndexes,
		createPrescriptionsIndexes,
		createConsumedNoncesIndexes,
		createAuditLogIndexes,
	}

	for _, index := range indexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// createExtensions creates required PostgreSQL extensions
func (db *DB) createExtensions(ctx context.Context) error {
	extensions := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	}

	for _, ext := range extensions {
		if _, err := db.ExecContext(ctx, ext); err != nil {
			return fmt.Errorf("failed to create extension: %w", err)
		}
	}

	return nil
}

// SQL DDL statements for table creation
const (
	createGrantsTable = `
		CREATE TABLE IF NOT EXISTS authorization_grants (
			id UUID PRIMARY KEY,
			patient_id VARCHAR(100) NOT NULL,
			organization_id VARCHAR(100) NOT NULL,
			requesting_practitioner_id VARCHAR(100) NOT NULL,
			access_scope JSONB NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			time_window_hours INTEGER NOT NULL,
			granted_at TIMESTAMP WITH TIME ZONE,
			expires_at TIMESTAMP WITH TIME ZONE,
			decided_by VARCHAR(100),
			decision_reason TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createPrescriptionsTable = `
		CREATE TABLE IF NOT EXISTS prescriptions (
			encounter_id VARCHAR(100) NOT NULL,
			prescription_index INTEGER NOT NULL,
			patient_id VARCHAR(100) NOT NULL,
			prescriber_id VARCHAR(100) NOT NULL,
			organization_id VARCHAR(100) NOT NULL,
			medication_name VARCHAR(200) NOT NULL,
			medication_dosage VARCHAR(100) NOT NULL,
			medication_frequency VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'ISSUED',
			issued_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (encounter_id, prescription_index)
		);`

	createDispensationsTable = `
		CREATE TABLE IF NOT EXISTS dispensations (
			id UUID PRIMARY KEY,
			encounter_id VARCHAR(100) NOT NULL,
			prescription_index INTEGER NOT NULL,
			dispensing_practitioner_id VARCHAR(100) NOT NULL,
			pharmacy_organization_id VARCHAR(100) NOT NULL,
			quantity INTEGER NOT NULL,
			filled_at TIMESTAMP WITH TIME ZONE NOT NULL,
			UNIQUE (encounter_id, prescription_index),
			FOREIGN KEY (encounter_id, prescription_index)
				REFERENCES prescriptions (encounter_id, prescription_index)
		);`

	createConsumedNoncesTable = `
		CREATE TABLE IF NOT EXISTS consumed_nonces (
			nonce UUID PRIMARY KEY,
			consumed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			credential_expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);`

	createAuditLogTable = `
		CREATE TABLE IF NOT EXISTS audit_log (
			id UUID PRIMARY KEY,
			event_type VARCHAR(50) NOT NULL,
			actor_id VARCHAR(100) NOT NULL,
			resource_id VARCHAR(200),
			action VARCHAR(50) NOT NULL,
			result VARCHAR(20) NOT NULL,
			occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
			metadata JSONB,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`
)

// SQL DDL statements for index creation
const (
	createGrantsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_grants_patient_org ON authorization_grants(patient_id, organization_id);
		CREATE INDEX IF NOT EXISTS idx_grants_status ON authorization_grants(status);
		CREATE INDEX IF NOT EXISTS idx_grants_expires_at ON authorization_grants(expires_at);`

	createPrescriptionsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_prescriptions_patient_id ON prescriptions(patient_id);
		CREATE INDEX IF NOT EXISTS idx_prescriptions_status ON prescriptions(status);`

	createConsumedNoncesIndexes = `
		CREATE INDEX IF NOT EXISTS idx_consumed_nonces_expiry ON consumed_nonces(credential_expires_at);`

	createAuditLogIndexes = `
		CREATE INDEX IF NOT EXISTS idx_audit_log_actor_id ON audit_log(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
		CREATE INDEX IF NOT EXISTS idx_audit_log_occurred_at ON audit_log(occurred_at);`
)
