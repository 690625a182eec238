package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaflow/consent-core/pkg/logger"
)

func setupTestAuditRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock) {
	gin.SetMode(gin.TestMode)

	trail, mock := setupTestTrail(t)
	handlers := NewHandlers(trail, logger.New("debug"))

	router := gin.New()
	handlers.RegisterRoutes(router)
	return router, mock
}

func doAuditGet(router *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHandlers_QueryTrail(t *testing.T) {
	t.Run("returns matching events", func(t *testing.T) {
		router, mock := setupTestAuditRouter(t)

		occurred := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		mock.ExpectQuery(regexp.QuoteMeta("AND actor_id = $1")).
			WithArgs("patient-1", maxTrailEntries).
			WillReturnRows(trailRows().
				AddRow("evt-1", string(EventGrantRevoked), "patient-1", "grant-1", "revoke", "success", occurred, []byte(nil)))

		w := doAuditGet(router, "/api/v1/audit?actor_id=patient-1")

		assert.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Events []Event `json:"events"`
			Count  int     `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Count)
		require.Len(t, body.Events, 1)
		assert.Equal(t, EventGrantRevoked, body.Events[0].EventType)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("caps the requested limit", func(t *testing.T) {
		router, mock := setupTestAuditRouter(t)

		mock.ExpectQuery(regexp.QuoteMeta("LIMIT $1")).
			WithArgs(maxTrailEntries).
			WillReturnRows(trailRows())

		w := doAuditGet(router, "/api/v1/audit?limit=500")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a malformed start time", func(t *testing.T) {
		router, _ := setupTestAuditRouter(t)

		w := doAuditGet(router, "/api/v1/audit?start=yesterday")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects a non-positive limit", func(t *testing.T) {
		router, _ := setupTestAuditRouter(t)

		w := doAuditGet(router, "/api/v1/audit?limit=0")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
