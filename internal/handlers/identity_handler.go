package handlers

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/middleware"
	"github.com/civicos/identity-service/internal/models"
	"github.com/civicos/identity-service/internal/services/verification"
	"github.com/civicos/identity-service/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// IdentityHandler handles identity verification requests
type IdentityHandler struct {
	service     *verification.Service
	audit       *utils.AuditLogger
	maxFileSize int64
}

// NewIdentityHandler creates a new identity handler
func NewIdentityHandler(service *verification.Service, audit *utils.AuditLogger, maxFileSize int64) *IdentityHandler {
	return &IdentityHandler{
		service:     service,
		audit:       audit,
		maxFileSize: maxFileSize,
	}
}

// StartVerification begins (or resumes) a verification attempt
func (h *IdentityHandler) StartVerification(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid email is required"})
		return
	}

	meta := database.SubmissionMeta{
		IP:          c.ClientIP(),
		UserAgent:   c.GetHeader("User-Agent"),
		Geolocation: c.GetHeader("X-Geolocation"),
	}

	record, err := h.service.Start(c.Request.Context(), userID, req.Email, meta)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.audit.LogEvent(c.Request.Context(), utils.AuditEventVerificationStarted, utils.AuditSeverityInfo,
		"Identity verification started", &userID, meta.IP, meta.UserAgent, true,
		map[string]interface{}{"verification_id": record.ID}); err != nil {
		// Audit failures must not block the workflow
		c.Error(err)
	}

	c.JSON(http.StatusOK, gin.H{
		"verification_id": record.ID,
		"status":          record.Status,
		"progress":        record.Progress,
	})
}

// SubmitStep accepts one verification step as a multipart form
func (h *IdentityHandler) SubmitStep(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	if err := c.Request.ParseMultipartForm(h.maxFileSize); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse form data"})
		return
	}

	verificationID, err := uuid.Parse(c.PostForm("verification_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid verification ID"})
		return
	}

	step := models.VerificationStep(c.PostForm("step"))
	if step == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Step name is required"})
		return
	}

	data := json.RawMessage(c.PostForm("data"))
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var files map[string][]*multipart.FileHeader
	if c.Request.MultipartForm != nil {
		files = c.Request.MultipartForm.File
	}

	result, err := h.service.SubmitStep(c.Request.Context(), userID, verificationID, step, data, files)
	if err != nil {
		h.auditSubmission(c, userID, verificationID, step, err)
		h.writeError(c, err)
		return
	}

	h.auditSubmission(c, userID, verificationID, step, nil)
	h.auditDecision(c, userID, verificationID, step, result)

	c.JSON(http.StatusOK, result)
}

// GetStatus returns the caller's durable verification status
func (h *IdentityHandler) GetStatus(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	status, err := h.service.Status(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"is_verified":        status.IsVerified,
		"verification_level": status.VerificationLevel,
		"verified_at":        status.VerifiedAt,
		"trust_score":        status.TrustScore,
		"permissions": gin.H{
			"can_vote":             status.CanVote,
			"can_comment":          status.CanComment,
			"can_create_petitions": status.CanCreatePetitions,
			"can_access_foi":       status.CanAccessFOI,
		},
	})
}

// auditSubmission records every step submission, failed ones with the error
func (h *IdentityHandler) auditSubmission(c *gin.Context, userID, verificationID uuid.UUID, step models.VerificationStep, submitErr error) {
	severity := utils.AuditSeverityInfo
	details := map[string]interface{}{
		"verification_id": verificationID,
		"step":            step,
	}
	if submitErr != nil {
		severity = utils.AuditSeverityError
		details["error"] = submitErr.Error()
	}

	if err := h.audit.LogEvent(c.Request.Context(), utils.AuditEventStepSubmitted, severity,
		"Verification step submitted", &userID, c.ClientIP(), c.GetHeader("User-Agent"),
		submitErr == nil, details); err != nil {
		c.Error(err)
	}
}

// auditDecision records decision-bearing step outcomes
func (h *IdentityHandler) auditDecision(c *gin.Context, userID, verificationID uuid.UUID, step models.VerificationStep, result verification.StepResult) {
	if step != models.StepTerms {
		return
	}

	eventType := utils.AuditEventSentToReview
	description := "Verification queued for manual review"
	if approved, ok := result["auto_approved"].(bool); ok && approved {
		eventType = utils.AuditEventAutoApproved
		description = "Verification auto-approved"
	}

	if err := h.audit.LogEvent(c.Request.Context(), eventType, utils.AuditSeverityInfo,
		description, &userID, c.ClientIP(), c.GetHeader("User-Agent"), true,
		map[string]interface{}{"verification_id": verificationID}); err != nil {
		c.Error(err)
	}
}

// writeError maps service errors onto HTTP responses
func (h *IdentityHandler) writeError(c *gin.Context, err error) {
	var validationErr *verification.ValidationError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Verification not found"})
	case errors.Is(err, database.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Verification was modified concurrently, please retry"})
	case errors.Is(err, verification.ErrTerminalStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "Verification is already finalized"})
	case errors.Is(err, verification.ErrStepOrder):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, verification.ErrUnknownStep):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown verification step"})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
