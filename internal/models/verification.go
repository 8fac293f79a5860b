package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VerificationStatus represents the status of a verification attempt
type VerificationStatus string

const (
	VerificationStatusPending   VerificationStatus = "pending"
	VerificationStatusReviewing VerificationStatus = "reviewing"
	VerificationStatusApproved  VerificationStatus = "approved"
	VerificationStatusRejected  VerificationStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed from this status.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationStatusApproved || s == VerificationStatusRejected
}

// VerificationStep identifies one step of the verification workflow
type VerificationStep string

const (
	StepCaptcha        VerificationStep = "captcha"
	StepEmail          VerificationStep = "email"
	StepVerifyEmail    VerificationStep = "verify-email"
	StepMFA            VerificationStep = "mfa"
	StepVerifyTOTP     VerificationStep = "verify-totp"
	StepIDUpload       VerificationStep = "id-upload"
	StepLiveness       VerificationStep = "liveness"
	StepDuplicateCheck VerificationStep = "duplicate-check"
	StepTerms          VerificationStep = "terms"
)

// VerificationProgress marks how far a record has advanced through the workflow
type VerificationProgress string

const (
	ProgressStarted          VerificationProgress = "started"
	ProgressCaptchaDone      VerificationProgress = "captcha_done"
	ProgressEmailSent        VerificationProgress = "email_sent"
	ProgressEmailVerified    VerificationProgress = "email_verified"
	ProgressMFASet           VerificationProgress = "mfa_set"
	ProgressTOTPVerified     VerificationProgress = "totp_verified"
	ProgressIDUploaded       VerificationProgress = "id_uploaded"
	ProgressLivenessDone     VerificationProgress = "liveness_done"
	ProgressDuplicateChecked VerificationProgress = "duplicate_checked"
	ProgressTermsDone        VerificationProgress = "terms_done"
)

// StepTransition describes the progress states a step is reachable from and
// the state it advances to.
type StepTransition struct {
	From []VerificationProgress
	To   VerificationProgress
}

// Reachable reports whether the step may run from the given progress state.
func (t StepTransition) Reachable(progress VerificationProgress) bool {
	for _, from := range t.From {
		if from == progress {
			return true
		}
	}
	return false
}

// StepTransitions maps each step to its transition. Steps are only reachable
// in dependency order; the email step may re-enter from email_sent so an
// expired code can be reissued.
var StepTransitions = map[VerificationStep]StepTransition{
	StepCaptcha:        {[]VerificationProgress{ProgressStarted}, ProgressCaptchaDone},
	StepEmail:          {[]VerificationProgress{ProgressCaptchaDone, ProgressEmailSent}, ProgressEmailSent},
	StepVerifyEmail:    {[]VerificationProgress{ProgressEmailSent}, ProgressEmailVerified},
	StepMFA:            {[]VerificationProgress{ProgressEmailVerified}, ProgressMFASet},
	StepVerifyTOTP:     {[]VerificationProgress{ProgressMFASet}, ProgressTOTPVerified},
	StepIDUpload:       {[]VerificationProgress{ProgressTOTPVerified}, ProgressIDUploaded},
	StepLiveness:       {[]VerificationProgress{ProgressIDUploaded}, ProgressLivenessDone},
	StepDuplicateCheck: {[]VerificationProgress{ProgressLivenessDone}, ProgressDuplicateChecked},
	StepTerms:          {[]VerificationProgress{ProgressDuplicateChecked}, ProgressTermsDone},
}

// DocumentType represents the type of document uploaded during verification
type DocumentType string

const (
	DocumentTypeIDFront DocumentType = "id_front"
	DocumentTypeIDBack  DocumentType = "id_back"
	DocumentTypeSelfie  DocumentType = "selfie"
)

// VerificationLevel represents the level of identity assurance granted to a user
type VerificationLevel string

const (
	VerificationLevelNone       VerificationLevel = "none"
	VerificationLevelGovernment VerificationLevel = "government"
)

// ReviewerSystem is the reviewer recorded for auto-approved verifications.
const ReviewerSystem = "system"

// VerificationRecord represents one identity verification attempt
type VerificationRecord struct {
	ID       uuid.UUID          `gorm:"type:uuid;primary_key" json:"id"`
	UserID   uuid.UUID          `gorm:"type:uuid;index;not null" json:"user_id"`
	Email    string             `gorm:"type:varchar(255);not null" json:"email"`
	Status   VerificationStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Progress VerificationProgress `gorm:"type:varchar(30);not null;default:'started'" json:"progress"`

	// Step artifacts, populated as the workflow advances
	CaptchaToken       string     `gorm:"type:text" json:"-"`
	EmailCodeHash      string     `gorm:"type:varchar(255)" json:"-"`
	EmailCodeExpiresAt *time.Time `json:"-"`
	EmailVerified      bool       `gorm:"default:false" json:"email_verified"`
	TOTPSecret         string     `gorm:"type:varchar(255)" json:"-"`
	TOTPVerified       bool       `gorm:"default:false" json:"totp_verified"`
	IDFrontPath        string     `gorm:"type:text" json:"id_front_path,omitempty"`
	IDBackPath         string     `gorm:"type:text" json:"id_back_path,omitempty"`
	SelfiePath         string     `gorm:"type:text" json:"selfie_path,omitempty"`
	FaceMatchScore     *int       `json:"face_match_score,omitempty"`
	IDNumberHash       string     `gorm:"type:varchar(64);index" json:"-"`
	DuplicateID        bool       `gorm:"default:false" json:"duplicate_id"`
	DuplicateFace      bool       `gorm:"default:false" json:"duplicate_face"`
	DuplicateIP        bool       `gorm:"default:false" json:"duplicate_ip"`
	RiskScore          *int       `json:"risk_score,omitempty"`
	FlaggedReasons     StringList `gorm:"type:text" json:"flagged_reasons,omitempty"`
	TermsAgreed        bool       `gorm:"default:false" json:"terms_agreed"`
	TermsSignature     string     `gorm:"type:text" json:"-"`
	TermsAgreedAt      *time.Time `json:"terms_agreed_at,omitempty"`

	// Review outcome
	ReviewedBy      *string    `gorm:"type:varchar(100)" json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	RejectionReason *string    `gorm:"type:text" json:"rejection_reason,omitempty"`

	// Submission metadata
	SubmittedIP  string    `gorm:"type:varchar(45);index" json:"-"`
	UserAgent    string    `gorm:"type:text" json:"-"`
	Geolocation  string    `gorm:"type:varchar(255)" json:"-"`
	AutoDeleteAt time.Time `gorm:"index" json:"auto_delete_at"`

	// Version guards concurrent step submissions against silent clobbering
	Version int `gorm:"not null;default:1" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID when none is set
func (r *VerificationRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// VerificationDocument represents an artifact uploaded during verification
type VerificationDocument struct {
	ID             uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	VerificationID uuid.UUID    `gorm:"type:uuid;index;not null" json:"verification_id"`
	Verification   VerificationRecord `gorm:"foreignKey:VerificationID" json:"-"`
	Type           DocumentType `gorm:"type:varchar(20);not null" json:"type"`
	FilePath       string       `gorm:"type:text;not null" json:"file_path"`
	FileName       string       `gorm:"type:varchar(255);not null" json:"file_name"`
	FileSize       int64        `json:"file_size"`
	MimeType       string       `gorm:"type:varchar(100)" json:"mime_type"`
	ContentHash    string       `gorm:"type:varchar(64);index" json:"content_hash"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// BeforeCreate assigns a UUID when none is set
func (d *VerificationDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// UserVerificationStatus is the durable authorization record produced by an
// approved verification. One row per user, upserted.
type UserVerificationStatus struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primary_key" json:"id"`
	UserID             uuid.UUID         `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	IsVerified         bool              `gorm:"default:false" json:"is_verified"`
	VerificationLevel  VerificationLevel `gorm:"type:varchar(20);not null;default:'none'" json:"verification_level"`
	VerifiedAt         *time.Time        `json:"verified_at,omitempty"`
	LastVerificationID *uuid.UUID        `gorm:"type:uuid" json:"last_verification_id,omitempty"`
	CanVote            bool              `gorm:"default:false" json:"can_vote"`
	CanComment         bool              `gorm:"default:false" json:"can_comment"`
	CanCreatePetitions bool              `gorm:"default:false" json:"can_create_petitions"`
	CanAccessFOI       bool              `gorm:"default:false" json:"can_access_foi"`
	TrustScore         int               `gorm:"default:0" json:"trust_score"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// BeforeCreate assigns a UUID when none is set
func (s *UserVerificationStatus) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
