package credential

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/curaflow/consent-core/pkg/logger"
)

// ReplayLedger records consumed credential nonces. Consume is the only
// mutation and must be atomic: under concurrent scans of the same
// credential exactly one caller wins.
type ReplayLedger interface {
	// Consume claims the nonce for first use. It returns false when the
	// nonce was already consumed.
	Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)

	// PurgeExpired drops entries whose credential expiry has long
	// passed. Storage hygiene; replay safety never depends on it
	// because an expired credential fails verification before the
	// ledger is consulted.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// PostgresLedger implements ReplayLedger on PostgreSQL
type PostgresLedger struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewPostgresLedger creates a new replay ledger
func NewPostgresLedger(db *sql.DB, log *logger.Logger) *PostgresLedger {
	return &PostgresLedger{
		db:     db,
		logger: log,
	}
}

// Consume claims the nonce with a conflict-free insert
func (l *PostgresLedger) Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	query := `
		INSERT INTO consumed_nonces (nonce, credential_expires_at)
		VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING`

	result, err := l.db.ExecContext(ctx, query, nonce, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// PurgeExpired removes ledger entries for long-expired credentials
func (l *PostgresLedger) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM consumed_nonces WHERE credential_expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge nonces: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		l.logger.WithField("count", rowsAffected).Info("Purged expired credential nonces")
	}
	return rowsAffected, nil
}

// MemoryLedger implements ReplayLedger in process memory. Suitable for
// tests and single-node deployments.
type MemoryLedger struct {
	mu       sync.Mutex
	consumed map[string]time.Time
}

// NewMemoryLedger creates an in-memory replay ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		consumed: make(map[string]time.Time),
	}
}

// Consume claims the nonce under the ledger mutex
func (l *MemoryLedger) Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.consumed[nonce]; exists {
		return false, nil
	}
	l.consumed[nonce] = expiresAt
	return true, nil
}

// PurgeExpired removes entries for long-expired credentials
func (l *MemoryLedger) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var purged int64
	for nonce, expiresAt := range l.consumed {
		if expiresAt.Before(before) {
			delete(l.consumed, nonce)
			purged++
		}
	}
	return purged, nil
}
