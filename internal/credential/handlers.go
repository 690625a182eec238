package credential

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// Handlers exposes credential issuance and verification over HTTP
type Handlers struct {
	service *Service
	logger  *logger.Logger
	clock   Clock
}

// NewHandlers creates credential HTTP handlers
func NewHandlers(service *Service, log *logger.Logger, clock Clock) *Handlers {
	return &Handlers{
		service: service,
		logger:  log,
		clock:   clock,
	}
}

// RegisterIssueRoutes mounts the prescriber-facing issuance endpoint
func (h *Handlers) RegisterIssueRoutes(router *gin.RouterGroup) {
	router.POST("/credentials", h.issueCredential)
}

// RegisterVerifyRoutes mounts the pharmacy-facing verification endpoint
func (h *Handlers) RegisterVerifyRoutes(router *gin.RouterGroup) {
	router.POST("/credentials/verify", h.verifyCredential)
}

type issueCredentialRequest struct {
	EncounterID       string `json:"encounter_id" binding:"required"`
	PrescriptionIndex *int   `json:"prescription_index" binding:"required"`
	PrescriberID      string `json:"prescriber_id" binding:"required"`
}

type issueCredentialResponse struct {
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h *Handlers) issueCredential(c *gin.Context) {
	var req issueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	signed, payload, err := h.service.Issue(c.Request.Context(), req.EncounterID, *req.PrescriptionIndex, req.PrescriberID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, issueCredentialResponse{
		Credential: signed,
		ExpiresAt:  payload.ExpiresAt,
	})
}

type verifyCredentialRequest struct {
	Credential string `json:"credential" binding:"required"`
}

func (h *Handlers) verifyCredential(c *gin.Context) {
	var req verifyCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	payload, err := h.service.Verify(c.Request.Context(), req.Credential, h.clock.Now())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, payload)
}

// handleError maps service errors to HTTP responses. Every verification
// failure collapses to the same client-facing message so a scanner
// cannot distinguish a forged credential from a replayed one.
func (h *Handlers) handleError(c *gin.Context, err error) {
	if appErr, ok := err.(*types.AppError); ok {
		if appErr.Type == types.ErrorTypeVerification {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":    types.ErrCodeInvalidInput,
					"message": "invalid or expired code",
				},
			})
			return
		}

		statusCode := statusCodeFromErrorType(appErr.Type)
		if statusCode >= http.StatusInternalServerError {
			h.logger.WithError(err).Error("Credential request failed")
		}
		c.JSON(statusCode, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
				"details": appErr.Details,
			},
		})
		return
	}

	h.logger.WithError(err).Error("Unexpected error in credential handler")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    types.ErrCodeInternalError,
			"message": "An unexpected error occurred",
		},
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
