package handlers

import (
	"errors"
	"net/http"

	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/middleware"
	"github.com/civicos/identity-service/internal/services/verification"
	"github.com/civicos/identity-service/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminHandler handles the manual review queue
type AdminHandler struct {
	service *verification.Service
	audit   *utils.AuditLogger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service *verification.Service, audit *utils.AuditLogger) *AdminHandler {
	return &AdminHandler{service: service, audit: audit}
}

// ListVerifications returns records awaiting manual review
func (h *AdminHandler) ListVerifications(c *gin.Context) {
	records, err := h.service.ListReviewing(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list verifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verifications": records})
}

// Approve approves a verification and grants the user's capabilities
func (h *AdminHandler) Approve(c *gin.Context) {
	reviewerID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	verificationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid verification ID"})
		return
	}

	record, err := h.service.Approve(c.Request.Context(), verificationID, reviewerID.String())
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.audit.LogEvent(c.Request.Context(), utils.AuditEventAdminApproved, utils.AuditSeverityInfo,
		"Verification approved by reviewer", &reviewerID, c.ClientIP(), c.GetHeader("User-Agent"), true,
		map[string]interface{}{"verification_id": verificationID, "user_id": record.UserID}); err != nil {
		c.Error(err)
	}

	c.JSON(http.StatusOK, gin.H{
		"verification_id": record.ID,
		"status":          record.Status,
		"reviewed_by":     record.ReviewedBy,
		"reviewed_at":     record.ReviewedAt,
	})
}

// Reject rejects a verification with a reason
func (h *AdminHandler) Reject(c *gin.Context) {
	reviewerID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	verificationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid verification ID"})
		return
	}

	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Rejection reason is required"})
		return
	}

	record, err := h.service.Reject(c.Request.Context(), verificationID, reviewerID.String(), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.audit.LogEvent(c.Request.Context(), utils.AuditEventAdminRejected, utils.AuditSeverityWarning,
		"Verification rejected by reviewer", &reviewerID, c.ClientIP(), c.GetHeader("User-Agent"), true,
		map[string]interface{}{"verification_id": verificationID, "user_id": record.UserID, "reason": req.Reason}); err != nil {
		c.Error(err)
	}

	c.JSON(http.StatusOK, gin.H{
		"verification_id":  record.ID,
		"status":           record.Status,
		"rejection_reason": record.RejectionReason,
	})
}

func (h *AdminHandler) writeError(c *gin.Context, err error) {
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
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
