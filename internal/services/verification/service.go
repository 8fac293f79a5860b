package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"time"

	"github.com/civicos/identity-service/internal/config"
	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/models"
	"github.com/civicos/identity-service/internal/storage"
	"github.com/civicos/identity-service/internal/utils"
	"github.com/google/uuid"
)

var (
	// ErrTerminalStatus is returned when a step or decision targets an
	// approved or rejected record
	ErrTerminalStatus = errors.New("verification already finalized")

	// ErrStepOrder is returned when a step is submitted out of dependency order
	ErrStepOrder = errors.New("step not reachable from current progress")

	// ErrUnknownStep is returned for step names outside the workflow
	ErrUnknownStep = errors.New("unknown verification step")
)

// ValidationError marks client input errors; handlers surface it as a 400
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// StepResult is the step-specific response payload returned to the client
type StepResult map[string]interface{}

// Service orchestrates the identity verification workflow
type Service struct {
	store    *database.VerificationStore
	files    storage.Store
	mailer   Mailer
	captcha  CaptchaVerifier
	totp     TotpVerifier
	faces    FaceMatcher
	totpCfg  utils.TOTPConfig
	scorer   RiskScorer
	gate     DecisionGate
	cfg      config.VerificationConfig
	demoMode bool
}

// NewService creates a verification service with the given providers
func NewService(
	store *database.VerificationStore,
	files storage.Store,
	mailer Mailer,
	captcha CaptchaVerifier,
	totp TotpVerifier,
	faces FaceMatcher,
	cfg config.VerificationConfig,
	demoMode bool,
) *Service {
	return &Service{
		store:    store,
		files:    files,
		mailer:   mailer,
		captcha:  captcha,
		totp:     totp,
		faces:    faces,
		totpCfg:  utils.DefaultTOTPConfig(cfg.TOTPIssuer),
		scorer:   RiskScorer{FaceMatchThreshold: cfg.FaceMatchThreshold},
		gate:     DecisionGate{Threshold: cfg.RiskThreshold},
		cfg:      cfg,
		demoMode: demoMode,
	}
}

// Store exposes the underlying store for jobs and tests
func (s *Service) Store() *database.VerificationStore {
	return s.store
}

// Start begins a verification attempt for a user, reusing an active
// (non-terminal) record when one exists
func (s *Service) Start(ctx context.Context, userID uuid.UUID, email string, meta database.SubmissionMeta) (*models.VerificationRecord, error) {
	if email == "" {
		return nil, validationErrorf("Email is required")
	}

	record, err := s.store.GetActiveByUser(userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	return s.store.Create(userID, email, meta, s.cfg.RetentionWindow)
}

// Status returns the durable verification status for a user
func (s *Service) Status(ctx context.Context, userID uuid.UUID) (*models.UserVerificationStatus, error) {
	return s.store.GetUserStatus(userID)
}

// SubmitStep validates and applies one workflow step. Records belonging to
// another user are reported as absent. All of a step's field changes are
// applied in a single optimistic update.
func (s *Service) SubmitStep(ctx context.Context, userID, recordID uuid.UUID, step models.VerificationStep, data json.RawMessage, files map[string][]*multipart.FileHeader) (StepResult, error) {
	record, err := s.store.Get(recordID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, database.ErrNotFound
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrTerminalStatus, record.Status)
	}

	transition, ok := models.StepTransitions[step]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
	if !transition.Reachable(record.Progress) {
		return nil, fmt.Errorf("%w: %s is not reachable from %s", ErrStepOrder, step, record.Progress)
	}

	var (
		updates map[string]interface{}
		docs    []models.VerificationDocument
		result  StepResult
	)

	switch step {
	case models.StepCaptcha:
		updates, result, err = s.stepCaptcha(ctx, record, data)
	case models.StepEmail:
		updates, result, err = s.stepEmail(record)
	case models.StepVerifyEmail:
		updates, result, err = s.stepVerifyEmail(record, data)
	case models.StepMFA:
		updates, result, err = s.stepMFA(record)
	case models.StepVerifyTOTP:
		updates, result, err = s.stepVerifyTOTP(record, data)
	case models.StepIDUpload:
		updates, docs, result, err = s.stepIDUpload(record, files)
	case models.StepLiveness:
		updates, docs, result, err = s.stepLiveness(ctx, record, files)
	case models.StepDuplicateCheck:
		updates, result, err = s.stepDuplicateCheck(ctx, record, data)
	case models.StepTerms:
		// Terms finalizes the workflow through the decision gate and is
		// persisted transactionally with any capability grant.
		return s.stepTerms(record, data)
	}
	if err != nil {
		return nil, err
	}

	updates["progress"] = transition.To

	// Document rows commit in the same transaction as the record fields; a
	// failed commit leaves neither behind, only the stored files to clean up.
	updated, err := s.store.UpdateWithDocuments(record.ID, record.Version, updates, docs)
	if err != nil {
		s.removeStoredFiles(docs)
		return nil, err
	}

	result["verification_id"] = updated.ID
	result["status"] = updated.Status
	result["progress"] = updated.Progress
	return result, nil
}

// removeStoredFiles best-effort deletes files whose document rows never
// committed
func (s *Service) removeStoredFiles(docs []models.VerificationDocument) {
	for _, doc := range docs {
		if err := s.files.Remove(doc.FilePath); err != nil {
			log.Printf("Failed to remove uncommitted document file %s: %v", doc.FilePath, err)
		}
	}
}

// ListReviewing returns the manual review queue
func (s *Service) ListReviewing(ctx context.Context) ([]models.VerificationRecord, error) {
	return s.store.ListByStatus(models.VerificationStatusReviewing)
}

// Approve finalizes a verification as approved by an admin reviewer and
// grants the user's capabilities in the same transaction. Legal only from
// pending or reviewing; approved and rejected are terminal.
func (s *Service) Approve(ctx context.Context, recordID uuid.UUID, reviewerID string) (*models.VerificationRecord, error) {
	record, err := s.store.Get(recordID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrTerminalStatus, record.Status)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":      models.VerificationStatusApproved,
		"reviewed_by": reviewerID,
		"reviewed_at": now,
	}
	grant := database.CapabilityGrant{
		Level:      models.VerificationLevelGovernment,
		TrustScore: s.cfg.ReviewTrustScore,
	}

	return s.store.Finalize(record, updates, &grant)
}

// Reject finalizes a verification as rejected. The rejection reason is kept
// in its own field; flagged reasons from risk scoring stay untouched.
func (s *Service) Reject(ctx context.Context, recordID uuid.UUID, reviewerID, reason string) (*models.VerificationRecord, error) {
	if reason == "" {
		return nil, validationErrorf("Rejection reason is required")
	}

	record, err := s.store.Get(recordID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrTerminalStatus, record.Status)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":           models.VerificationStatusRejected,
		"reviewed_by":      reviewerID,
		"reviewed_at":      now,
		"rejection_reason": reason,
	}

	return s.store.Finalize(record, updates, nil)
}
