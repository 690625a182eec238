package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// maxTrailEntries caps a single trail query
const maxTrailEntries = 100

// Handlers exposes the audit trail over HTTP
type Handlers struct {
	trail  *Trail
	logger *logger.Logger
}

// NewHandlers creates audit trail HTTP handlers
func NewHandlers(trail *Trail, log *logger.Logger) *Handlers {
	return &Handlers{
		trail:  trail,
		logger: log,
	}
}

// RegisterRoutes registers audit trail routes with the router
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	v1.GET("/audit", h.QueryTrail)
}

// QueryTrail returns recorded audit events matching the query
// parameters, newest first
func (h *Handlers) QueryTrail(c *gin.Context) {
	filter := Filter{
		ActorID:    c.Query("actor_id"),
		ResourceID: c.Query("resource_id"),
		EventType:  EventType(c.Query("event_type")),
		Limit:      maxTrailEntries,
	}

	if v := c.Query("start"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_REQUEST",
				"message": "start must be RFC3339",
			})
			return
		}
		filter.StartTime = parsed
	}

	if v := c.Query("end"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_REQUEST",
				"message": "end must be RFC3339",
			})
			return
		}
		filter.EndTime = parsed
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_REQUEST",
				"message": "limit must be a positive integer",
			})
			return
		}
		if n < maxTrailEntries {
			filter.Limit = n
		}
	}

	events, err := h.trail.Query(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to query audit trail")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   types.ErrCodeInternalError,
			"message": "An internal error occurred",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
