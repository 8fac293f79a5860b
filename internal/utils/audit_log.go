package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditEventType represents the type of audited event
type AuditEventType string

const (
	AuditEventVerificationStarted AuditEventType = "VERIFICATION_STARTED"
	AuditEventStepSubmitted       AuditEventType = "VERIFICATION_STEP_SUBMITTED"
	AuditEventAutoApproved        AuditEventType = "VERIFICATION_AUTO_APPROVED"
	AuditEventSentToReview        AuditEventType = "VERIFICATION_SENT_TO_REVIEW"
	AuditEventAdminApproved       AuditEventType = "VERIFICATION_ADMIN_APPROVED"
	AuditEventAdminRejected       AuditEventType = "VERIFICATION_ADMIN_REJECTED"
	AuditEventRecordsPurged       AuditEventType = "VERIFICATION_RECORDS_PURGED"
)

// AuditEventSeverity represents the severity level of an audit event
type AuditEventSeverity string

const (
	AuditSeverityInfo    AuditEventSeverity = "INFO"
	AuditSeverityWarning AuditEventSeverity = "WARNING"
	AuditSeverityError   AuditEventSeverity = "ERROR"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID          uuid.UUID          `gorm:"type:uuid;primary_key" json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	UserID      *uuid.UUID         `gorm:"type:uuid" json:"user_id"`
	IPAddress   string             `json:"ip_address"`
	UserAgent   string             `json:"user_agent"`
	EventType   AuditEventType     `json:"event_type"`
	Severity    AuditEventSeverity `json:"severity"`
	Description string             `json:"description"`
	Details     string             `gorm:"type:text" json:"details"` // JSON string of additional details
	Success     bool               `json:"success"`
	CreatedAt   time.Time          `json:"created_at"`
}

// BeforeCreate assigns a UUID when none is set
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// AuditLogger writes audit log entries to the database
type AuditLogger struct {
	db *gorm.DB
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(db *gorm.DB) *AuditLogger {
	return &AuditLogger{db: db}
}

// LogEvent logs an audited event
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, severity AuditEventSeverity, description string, userID *uuid.UUID, ipAddress, userAgent string, success bool, details map[string]interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit log details: %w", err)
	}

	auditLog := AuditLog{
		Timestamp:   time.Now(),
		UserID:      userID,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		EventType:   eventType,
		Severity:    severity,
		Description: description,
		Details:     string(detailsJSON),
		Success:     success,
	}

	if err := a.db.WithContext(ctx).Create(&auditLog).Error; err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	return nil
}
