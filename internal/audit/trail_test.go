package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaflow/consent-core/pkg/logger"
)

func setupTestTrail(t *testing.T) (*Trail, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTrail(db, logger.New("debug")), mock
}

func trailRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "event_type", "actor_id", "resource_id", "action", "result", "occurred_at", "metadata",
	})
}

func TestTrail_Query(t *testing.T) {
	t.Run("no filter returns newest first", func(t *testing.T) {
		trail, mock := setupTestTrail(t)

		occurred := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 ORDER BY occurred_at DESC")).
			WillReturnRows(trailRows().
				AddRow("evt-2", string(EventGrantRevoked), "patient-1", "grant-1", "revoke", "success", occurred, []byte(`{"grant_id":"grant-1"}`)).
				AddRow("evt-1", string(EventGrantRequested), "prac-1", nil, "request", "success", occurred.Add(-time.Hour), []byte(nil)))

		events, err := trail.Query(context.Background(), Filter{})

		assert.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "evt-2", events[0].ID)
		assert.Equal(t, "grant-1", events[0].ResourceID)
		assert.Equal(t, "grant-1", events[0].Metadata["grant_id"])
		assert.Empty(t, events[1].ResourceID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("appends one placeholder per populated field", func(t *testing.T) {
		trail, mock := setupTestTrail(t)

		mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND actor_id = $1 AND event_type = $2 ORDER BY occurred_at DESC LIMIT $3")).
			WithArgs("patient-1", string(EventGrantDecided), 25).
			WillReturnRows(trailRows())

		_, err := trail.Query(context.Background(), Filter{
			ActorID:   "patient-1",
			EventType: EventGrantDecided,
			Limit:     25,
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bounds the window with start and end", func(t *testing.T) {
		trail, mock := setupTestTrail(t)

		start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 0, 7)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND occurred_at >= $1 AND occurred_at <= $2 ORDER BY occurred_at DESC")).
			WithArgs(start, end).
			WillReturnRows(trailRows())

		_, err := trail.Query(context.Background(), Filter{StartTime: start, EndTime: end})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
