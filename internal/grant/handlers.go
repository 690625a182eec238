package grant

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// Handlers contains HTTP handlers for grant lifecycle operations
type Handlers struct {
	engine    *Engine
	evaluator *Evaluator
	clock     Clock
	logger    *logger.Logger
}

// NewHandlers creates new grant HTTP handlers
func NewHandlers(engine *Engine, evaluator *Evaluator, clock Clock, log *logger.Logger) *Handlers {
	return &Handlers{
		engine:    engine,
		evaluator: evaluator,
		clock:     clock,
		logger:    log,
	}
}

// RegisterRoutes registers grant routes with the router
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		grants := v1.Group("/grants")
		{
			grants.POST("", h.RequestGrant)
			grants.GET("/:id", h.GetGrant)
			grants.POST("/:id/decision", h.DecideGrant)
			grants.POST("/:id/revoke", h.RevokeGrant)
		}

		v1.GET("/access-check", h.CheckAccess)
	}
}

type requestGrantRequest struct {
	PatientID       string          `json:"patient_id" binding:"required"`
	OrganizationID  string          `json:"organization_id" binding:"required"`
	PractitionerID  string          `json:"practitioner_id" binding:"required"`
	AccessScope     map[string]bool `json:"access_scope" binding:"required"`
	TimeWindowHours int             `json:"time_window_hours" binding:"required"`
}

// RequestGrant handles grant creation requests
func (h *Handlers) RequestGrant(c *gin.Context) {
	var req requestGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Invalid grant request")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "Invalid request format",
		})
		return
	}

	scope := make(types.AccessScope, len(req.AccessScope))
	for name, enabled := range req.AccessScope {
		scope[types.Capability(name)] = enabled
	}

	g, err := h.engine.RequestGrant(c.Request.Context(), req.PatientID, req.OrganizationID, req.PractitionerID, scope, req.TimeWindowHours)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"grant": g,
	})
}

// GetGrant retrieves a grant by ID
func (h *Handlers) GetGrant(c *gin.Context) {
	g, err := h.engine.GetGrant(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"grant": g,
	})
}

type decideGrantRequest struct {
	ActorID  string `json:"actor_id" binding:"required"`
	Decision string `json:"decision" binding:"required"`
	Reason   string `json:"reason"`
}

// DecideGrant handles the patient's approve/reject decision
func (h *Handlers) DecideGrant(c *gin.Context) {
	var req decideGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "Invalid request format",
		})
		return
	}

	decision, err := h.engine.Decide(c.Request.Context(), c.Param("id"), req.ActorID, Decision(req.Decision), req.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decision": decision,
	})
}

type revokeGrantRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

// RevokeGrant handles explicit revocation by the patient
func (h *Handlers) RevokeGrant(c *gin.Context) {
	var req revokeGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "Invalid request format",
		})
		return
	}

	decision, err := h.engine.Revoke(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decision": decision,
	})
}

// CheckAccess evaluates a requested capability against the grants
// connecting an organization to a patient
func (h *Handlers) CheckAccess(c *gin.Context) {
	patientID := c.Query("patient_id")
	organizationID := c.Query("organization_id")
	capability := c.Query("capability")

	if patientID == "" || organizationID == "" || capability == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "patient_id, organization_id and capability are required",
		})
		return
	}

	now := h.clock.Now()
	if at := c.Query("at"); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_REQUEST",
				"message": "at must be RFC3339",
			})
			return
		}
		now = parsed
	}

	decision, err := h.evaluator.EvaluateAccess(c.Request.Context(), patientID, organizationID, types.Capability(capability), now)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (h *Handlers) handleError(c *gin.Context, err error) {
	if appErr, ok := err.(*types.AppError); ok {
		c.JSON(statusCodeFromErrorType(appErr.Type), gin.H{
			"error":   appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		})
		return
	}

	h.logger.WithError(err).Error("Internal server error")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   types.ErrCodeInternalError,
		"message": "An internal error occurred",
	})
}

func statusCodeFromErrorType(errorType types.ErrorType) int {
	switch errorType {
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeAuthorization:
		return http.StatusForbidden
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
