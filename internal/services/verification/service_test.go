package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/civicos/identity-service/internal/config"
	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/models"
	"github.com/civicos/identity-service/internal/storage"
	"github.com/civicos/identity-service/internal/utils"
)

type fakeMailer struct {
	sent []string
}

func (m *fakeMailer) SendVerificationCode(toEmail, code string, ttlMinutes int) error {
	m.sent = append(m.sent, code)
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.VerificationRecord{},
		&models.VerificationDocument{},
		&models.UserVerificationStatus{},
	))
	return db
}

func testVerificationConfig() config.VerificationConfig {
	return config.VerificationConfig{
		RiskThreshold:      50,
		FaceMatchThreshold: 75,
		IPRecordLimit:      3,
		OTPTTL:             10 * time.Minute,
		RetentionWindow:    72 * time.Hour,
		TOTPIssuer:         "CivicOS",
		AutoTrustScore:     75,
		ReviewTrustScore:   85,
	}
}

func newTestService(t *testing.T) (*Service, *database.VerificationStore, *fakeMailer) {
	t.Helper()
	return newTestServiceWithFileCap(t, 10<<20)
}

func newTestServiceWithFileCap(t *testing.T, maxFileSize int64) (*Service, *database.VerificationStore, *fakeMailer) {
	t.Helper()

	store := database.NewVerificationStore(setupTestDB(t))
	files, err := storage.NewLocalStore(t.TempDir(), maxFileSize)
	require.NoError(t, err)

	mailer := &fakeMailer{}
	svc := NewService(
		store,
		files,
		mailer,
		StubCaptchaVerifier{},
		OTPTotpVerifier{Config: utils.DefaultTOTPConfig("CivicOS")},
		StubFaceMatcher{Score: 85},
		testVerificationConfig(),
		true,
	)
	return svc, store, mailer
}

func testMeta() database.SubmissionMeta {
	return database.SubmissionMeta{
		IP:        "203.0.113.10",
		UserAgent: "test-agent",
	}
}

// seedRecord creates a record and fast-forwards it to the given progress
func seedRecord(t *testing.T, store *database.VerificationStore, userID uuid.UUID, progress models.VerificationProgress, extra map[string]interface{}) *models.VerificationRecord {
	t.Helper()

	record, err := store.Create(userID, "citizen@example.ca", testMeta(), 72*time.Hour)
	require.NoError(t, err)

	updates := map[string]interface{}{"progress": progress}
	for k, v := range extra {
		updates[k] = v
	}

	record, err = store.Update(record.ID, record.Version, updates)
	require.NoError(t, err)
	return record
}

// fileHeaders builds multipart file headers the way an HTTP upload would
func fileHeaders(t *testing.T, fields map[string]string, contentType string) map[string][]*multipart.FileHeader {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, name := range fields {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte("fake image bytes for " + name))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	return form.File
}

func TestStartCreatesAndReusesRecord(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := svc.Start(ctx, userID, "citizen@example.ca", testMeta())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationStatusPending, first.Status)
	assert.Equal(t, models.ProgressStarted, first.Progress)

	// Starting again resumes the active attempt instead of creating a new one
	second, err := svc.Start(ctx, userID, "citizen@example.ca", testMeta())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestWorkflowAutoApproval(t *testing.T) {
	svc, store, mailer := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record, err := svc.Start(ctx, userID, "citizen@example.ca", testMeta())
	require.NoError(t, err)

	submit := func(step models.VerificationStep, data string, files map[string][]*multipart.FileHeader) StepResult {
		t.Helper()
		result, err := svc.SubmitStep(ctx, userID, record.ID, step, json.RawMessage(data), files)
		require.NoError(t, err, "step %s", step)
		return result
	}

	submit(models.StepCaptcha, `{"captchaToken":"tok-123"}`, nil)

	emailResult := submit(models.StepEmail, `{}`, nil)
	code, ok := emailResult["code"].(string)
	require.True(t, ok, "demo mode echoes the emailed code")
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, code, mailer.sent[0])

	submit(models.StepVerifyEmail, fmt.Sprintf(`{"code":%q}`, code), nil)

	mfaResult := submit(models.StepMFA, `{}`, nil)
	secret, ok := mfaResult["secret"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, mfaResult["otpauth_url"])
	assert.NotEmpty(t, mfaResult["qr_code"])

	totpCode, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	submit(models.StepVerifyTOTP, fmt.Sprintf(`{"code":%q}`, totpCode), nil)

	submit(models.StepIDUpload, `{}`, fileHeaders(t, map[string]string{
		FileFieldIDFront: "front.png",
		FileFieldIDBack:  "back.png",
	}, "image/png"))

	livenessResult := submit(models.StepLiveness, `{}`, fileHeaders(t, map[string]string{
		FileFieldSelfie: "selfie.png",
	}, "image/png"))
	assert.Equal(t, 85, livenessResult["face_match_score"])
	assert.Equal(t, true, livenessResult["face_match_passed"])

	dupResult := submit(models.StepDuplicateCheck, `{"idNumber":"D1234-56789-00000"}`, nil)
	assert.Equal(t, 0, dupResult["risk_score"])
	assert.Empty(t, dupResult["flagged_reasons"])

	termsResult := submit(models.StepTerms, `{"agreed":true,"signature":"Jane Citizen"}`, nil)
	assert.Equal(t, true, termsResult["auto_approved"])
	assert.Equal(t, models.VerificationStatusApproved, termsResult["status"])

	final, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressTermsDone, final.Progress)
	require.NotNil(t, final.ReviewedBy)
	assert.Equal(t, models.ReviewerSystem, *final.ReviewedBy)
	assert.Empty(t, final.EmailCodeHash, "OTP hash is cleared after use")

	status, err := svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.True(t, status.IsVerified)
	assert.Equal(t, models.VerificationLevelGovernment, status.VerificationLevel)
	assert.Equal(t, 75, status.TrustScore)
	assert.True(t, status.CanVote)
	assert.True(t, status.CanComment)
	assert.True(t, status.CanCreatePetitions)
	assert.True(t, status.CanAccessFOI)

	docs, err := store.ListDocuments(record.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestStepOrderEnforced(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record, err := svc.Start(ctx, userID, "citizen@example.ca", testMeta())
	require.NoError(t, err)

	// verify-email requires the email step to have run first
	_, err = svc.SubmitStep(ctx, userID, record.ID, models.StepVerifyEmail, json.RawMessage(`{"code":"123456"}`), nil)
	assert.ErrorIs(t, err, ErrStepOrder)
}

func TestUnknownStep(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record, err := svc.Start(ctx, userID, "citizen@example.ca", testMeta())
	require.NoError(t, err)

	_, err = svc.SubmitStep(ctx, userID, record.ID, "palm-reading", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestTerminalStatusGuard(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record := seedRecord(t, store, userID, models.ProgressStarted, map[string]interface{}{
		"status": models.VerificationStatusApproved,
	})

	_, err := svc.SubmitStep(ctx, userID, record.ID, models.StepCaptcha, json.RawMessage(`{"captchaToken":"tok"}`), nil)
	assert.ErrorIs(t, err, ErrTerminalStatus)

	_, err = svc.Approve(ctx, record.ID, "admin-1")
	assert.ErrorIs(t, err, ErrTerminalStatus)

	_, err = svc.Reject(ctx, record.ID, "admin-1", "fraud")
	assert.ErrorIs(t, err, ErrTerminalStatus)
}

func TestOwnershipHidesForeignRecords(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.Start(ctx, uuid.New(), "citizen@example.ca", testMeta())
	require.NoError(t, err)

	_, err = svc.SubmitStep(ctx, uuid.New(), record.ID, models.StepCaptcha, json.RawMessage(`{"captchaToken":"tok"}`), nil)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestVerifyEmailInvalidCode(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	hash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	require.NoError(t, err)
	expires := time.Now().Add(10 * time.Minute)

	record := seedRecord(t, store, userID, models.ProgressEmailSent, map[string]interface{}{
		"email_code_hash":       string(hash),
		"email_code_expires_at": expires,
	})

	_, err = svc.SubmitStep(ctx, userID, record.ID, models.StepVerifyEmail, json.RawMessage(`{"code":"654321"}`), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Error(), "Invalid verification code")

	// A failed attempt leaves the code usable
	updated, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressEmailSent, updated.Progress)
	assert.NotEmpty(t, updated.EmailCodeHash)
}

func TestVerifyEmailExpiredCode(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	hash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	require.NoError(t, err)
	expires := time.Now().Add(-time.Minute)

	record := seedRecord(t, store, userID, models.ProgressEmailSent, map[string]interface{}{
		"email_code_hash":       string(hash),
		"email_code_expires_at": expires,
	})

	_, err = svc.SubmitStep(ctx, userID, record.ID, models.StepVerifyEmail, json.RawMessage(`{"code":"123456"}`), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Error(), "expired")
}

func TestEmailCodeCanBeReissued(t *testing.T) {
	svc, store, mailer := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	// The previously issued code expired before the user entered it
	hash, err := bcrypt.GenerateFromPassword([]byte("123456"), bcrypt.DefaultCost)
	require.NoError(t, err)

	record := seedRecord(t, store, userID, models.ProgressEmailSent, map[string]interface{}{
		"email_code_hash":       string(hash),
		"email_code_expires_at": time.Now().Add(-time.Minute),
	})

	// Requesting the email step again issues a fresh code instead of
	// dead-ending the attempt
	result, err := svc.SubmitStep(ctx, userID, record.ID, models.StepEmail, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	code, ok := result["code"].(string)
	require.True(t, ok)
	require.Len(t, mailer.sent, 1)

	updated, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressEmailSent, updated.Progress)

	_, err = svc.SubmitStep(ctx, userID, record.ID, models.StepVerifyEmail,
		json.RawMessage(fmt.Sprintf(`{"code":%q}`, code)), nil)
	require.NoError(t, err)
}

func TestVerifyEmailWithoutIssuedCode(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record := seedRecord(t, store, userID, models.ProgressEmailSent, nil)

	_, err := svc.SubmitStep(ctx, userID, record.ID, models.StepVerifyEmail, json.RawMessage(`{"code":"123456"}`), nil)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Error(), "No verification code")
}

func TestIDUploadRequiresBothSides(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record := seedRecord(t, store, userID, models.ProgressTOTPVerified, nil)

	files := fileHeaders(t, map[string]string{FileFieldIDFront: "front.png"}, "image/png")
	_, err := svc.SubmitStep(ctx, userID, record.ID, models.StepIDUpload, json.RawMessage(`{}`), files)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "Both front and back ID images required", validationErr.Error())

	// The record is untouched: no paths, no documents, no progress
	updated, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressTOTPVerified, updated.Progress)
	assert.Empty(t, updated.IDFrontPath)
	assert.Equal(t, record.Version, updated.Version)

	docs, err := store.ListDocuments(record.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIDUploadOversizeFileLeavesNothingBehind(t *testing.T) {
	// The back image exceeds the cap. The front one fits, but nothing may be
	// stored from a rejected submission: no paths, no document rows.
	svc, store, _ := newTestServiceWithFileCap(t, 40)
	ctx := context.Background()
	userID := uuid.New()

	record := seedRecord(t, store, userID, models.ProgressTOTPVerified, nil)

	files := fileHeaders(t, map[string]string{
		FileFieldIDFront: "front.png",
		FileFieldIDBack:  "back-of-drivers-licence.png",
	}, "image/png")
	_, err := svc.SubmitStep(ctx, userID, record.ID, models.StepIDUpload, json.RawMessage(`{}`), files)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Error(), "exceeds the size limit")

	updated, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressTOTPVerified, updated.Progress)
	assert.Empty(t, updated.IDFrontPath)
	assert.Empty(t, updated.IDBackPath)
	assert.Equal(t, record.Version, updated.Version)

	docs, err := store.ListDocuments(record.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIDUploadRejectsUnsupportedType(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record := seedRecord(t, store, userID, models.ProgressTOTPVerified, nil)

	files := fileHeaders(t, map[string]string{
		FileFieldIDFront: "front.gif",
		FileFieldIDBack:  "back.gif",
	}, "image/gif")
	_, err := svc.SubmitStep(ctx, userID, record.ID, models.StepIDUpload, json.RawMessage(`{}`), files)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Error(), "Unsupported file type")
}

func TestDuplicateIDSendsToReview(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	idNumber := "D1234-56789-00000"

	// Four other records share the submission IP; two of them also carry
	// the same ID number
	for i := 0; i < 4; i++ {
		extra := map[string]interface{}{}
		if i < 2 {
			extra["id_number_hash"] = utils.HashIDNumber(idNumber)
		}
		seedRecord(t, store, uuid.New(), models.ProgressStarted, extra)
	}

	// Face match came in below the threshold, adding a third flag
	record := seedRecord(t, store, userID, models.ProgressLivenessDone, map[string]interface{}{
		"face_match_score": 60,
	})

	dupResult, err := svc.SubmitStep(ctx, userID, record.ID, models.StepDuplicateCheck,
		json.RawMessage(fmt.Sprintf(`{"idNumber":%q}`, idNumber)), nil)
	require.NoError(t, err)
	assert.Equal(t, 80, dupResult["risk_score"])
	assert.Equal(t, []string{
		ReasonDuplicateID,
		ReasonDuplicateIP,
		ReasonLowFaceMatch,
	}, dupResult["flagged_reasons"])

	record, err = store.Get(record.ID)
	require.NoError(t, err)
	assert.True(t, record.DuplicateID)
	assert.False(t, record.DuplicateFace)
	assert.True(t, record.DuplicateIP)

	termsResult, err := svc.SubmitStep(ctx, userID, record.ID, models.StepTerms,
		json.RawMessage(`{"agreed":true,"signature":"Jane Citizen"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, false, termsResult["auto_approved"])
	assert.Equal(t, models.VerificationStatusReviewing, termsResult["status"])

	// No capabilities until an admin reviews
	status, err := svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.False(t, status.IsVerified)
	assert.False(t, status.CanVote)

	queue, err := svc.ListReviewing(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, record.ID, queue[0].ID)

	approved, err := svc.Approve(ctx, record.ID, "admin-7")
	require.NoError(t, err)
	assert.Equal(t, models.VerificationStatusApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, "admin-7", *approved.ReviewedBy)

	status, err = svc.Status(ctx, userID)
	require.NoError(t, err)
	assert.True(t, status.IsVerified)
	assert.Equal(t, 85, status.TrustScore)
}

func TestRejectPreservesFlaggedReasons(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record := seedRecord(t, store, userID, models.ProgressTermsDone, map[string]interface{}{
		"status":          models.VerificationStatusReviewing,
		"risk_score":      80,
		"flagged_reasons": models.StringList{ReasonDuplicateID, ReasonDuplicateIP},
	})

	rejected, err := svc.Reject(ctx, record.ID, "admin-7", "Document appears altered")
	require.NoError(t, err)

	assert.Equal(t, models.VerificationStatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "Document appears altered", *rejected.RejectionReason)
	assert.Equal(t, models.StringList{ReasonDuplicateID, ReasonDuplicateIP}, rejected.FlaggedReasons)
}

func TestRejectRequiresReason(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	record := seedRecord(t, store, userID, models.ProgressTermsDone, map[string]interface{}{
		"status": models.VerificationStatusReviewing,
	})

	_, err := svc.Reject(ctx, record.ID, "admin-7", "")

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestApproveUnknownRecord(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Approve(context.Background(), uuid.New(), "admin-7")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
