package dispense

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/curaflow/consent-core/pkg/logger"
	"github.com/curaflow/consent-core/pkg/types"
)

// Handlers exposes prescription registration and the pharmacy dispensing
// flow over HTTP
type Handlers struct {
	coordinator *Coordinator
	repository  Repository
	logger      *logger.Logger
	clock       Clock
}

// NewHandlers creates dispensation HTTP handlers
func NewHandlers(coordinator *Coordinator, repository Repository, log *logger.Logger, clock Clock) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		repository:  repository,
		logger:      log,
		clock:       clock,
	}
}

// RegisterPrescriberRoutes mounts the prescription registration endpoints
func (h *Handlers) RegisterPrescriberRoutes(router *gin.RouterGroup) {
	router.POST("/prescriptions", h.createPrescription)
	router.GET("/prescriptions/:encounterID/:index", h.getPrescription)
}

// RegisterPharmacyRoutes mounts the scan-to-fill endpoint
func (h *Handlers) RegisterPharmacyRoutes(router *gin.RouterGroup) {
	router.POST("/dispense", h.dispense)
}

type createPrescriptionRequest struct {
	EncounterID       string           `json:"encounter_id" binding:"required"`
	PrescriptionIndex *int             `json:"prescription_index" binding:"required"`
	PatientID         string           `json:"patient_id" binding:"required"`
	PrescriberID      string           `json:"prescriber_id" binding:"required"`
	OrganizationID    string           `json:"organization_id" binding:"required"`
	Medication        types.Medication `json:"medication" binding:"required"`
}

func (h *Handlers) createPrescription(c *gin.Context) {
	var req createPrescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	if req.Medication.Name == "" {
		h.handleError(c, types.NewValidationError(types.ErrCodeInvalidInput, "medication name is required", nil))
		return
	}

	now := h.clock.Now()
	rx := &types.Prescription{
		EncounterID:       req.EncounterID,
		PrescriptionIndex: *req.PrescriptionIndex,
		PatientID:         req.PatientID,
		PrescriberID:      req.PrescriberID,
		OrganizationID:    req.OrganizationID,
		Medication:        req.Medication,
		Status:            types.PrescriptionStatusIssued,
		IssuedAt:          now,
		UpdatedAt:         now,
	}

	if err := h.repository.CreatePrescription(c.Request.Context(), rx); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rx)
}

func (h *Handlers) getPrescription(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		h.handleError(c, types.NewValidationError(types.ErrCodeInvalidInput, "prescription index must be a non-negative integer", nil))
		return
	}

	ref := types.PrescriptionRef{
		EncounterID:       c.Param("encounterID"),
		PrescriptionIndex: index,
	}

	rx, err := h.repository.GetPrescription(c.Request.Context(), ref)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rx)
}

type dispenseHTTPRequest struct {
	Credential               string `json:"credential" binding:"required"`
	DispensingPractitionerID string `json:"dispensing_practitioner_id" binding:"required"`
	PharmacyOrganizationID   string `json:"pharmacy_organization_id" binding:"required"`
	Quantity                 int    `json:"quantity" binding:"required"`
}

func (h *Handlers) dispense(c *gin.Context) {
	var req dispenseHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	result, err := h.coordinator.Dispense(c.Request.Context(), DispenseRequest{
		Credential:               req.Credential,
		DispensingPractitionerID: req.DispensingPractitionerID,
		PharmacyOrganizationID:   req.PharmacyOrganizationID,
		Quantity:                 req.Quantity,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// handleError maps errors to HTTP responses. Verification failures stay
// indistinguishable to the scanning client.
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
			h.logger.WithError(err).Error("Dispensation request failed")
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

	h.logger.WithError(err).Error("Unexpected error in dispensation handler")
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
