package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/civicos/identity-service/internal/config"
	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/handlers"
	"github.com/civicos/identity-service/internal/middleware"
	"github.com/civicos/identity-service/internal/models"
	"github.com/civicos/identity-service/internal/routes"
	"github.com/civicos/identity-service/internal/services/verification"
	"github.com/civicos/identity-service/internal/storage"
	"github.com/civicos/identity-service/internal/utils"
)

// Demo mode injects this fixed identity for every request
var demoUserID = uuid.MustParse("00000000-0000-4000-8000-000000000001")

type nopMailer struct{}

func (nopMailer) SendVerificationCode(string, string, int) error { return nil }

func setupTestServer(t *testing.T) (*gin.Engine, *database.VerificationStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.VerificationRecord{},
		&models.VerificationDocument{},
		&models.UserVerificationStatus{},
		&utils.AuditLog{},
	))

	store := database.NewVerificationStore(db)
	files, err := storage.NewLocalStore(t.TempDir(), 10<<20)
	require.NoError(t, err)

	cfg := &config.Config{
		AuthMode: config.AuthModeDemo,
		Verification: config.VerificationConfig{
			RiskThreshold:      50,
			FaceMatchThreshold: 75,
			IPRecordLimit:      3,
			OTPTTL:             10 * time.Minute,
			RetentionWindow:    72 * time.Hour,
			TOTPIssuer:         "CivicOS",
			AutoTrustScore:     75,
			ReviewTrustScore:   85,
		},
		Uploads: config.UploadsConfig{MaxFileSize: 10 << 20},
	}

	svc := verification.NewService(
		store,
		files,
		nopMailer{},
		verification.StubCaptchaVerifier{},
		verification.OTPTotpVerifier{Config: utils.DefaultTOTPConfig("CivicOS")},
		verification.StubFaceMatcher{Score: 85},
		cfg.Verification,
		cfg.IsDemoMode(),
	)

	audit := utils.NewAuditLogger(db)
	identityHandler := handlers.NewIdentityHandler(svc, audit, cfg.Uploads.MaxFileSize)
	adminHandler := handlers.NewAdminHandler(svc, audit)
	rateLimiter := middleware.NewRateLimiter(1000, 60000, 1000, 1000)
	t.Cleanup(rateLimiter.Stop)

	return routes.SetupRouter(cfg, identityHandler, adminHandler, rateLimiter), store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(payload)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestStartVerification(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/identity/start-verification",
		gin.H{"email": "citizen@example.ca"})

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["verification_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "started", body["progress"])
}

func TestStartVerificationRequiresEmail(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/identity/start-verification", gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitStepMissingIDImages(t *testing.T) {
	router, store := setupTestServer(t)

	record, err := store.Create(demoUserID, "demo@civicos.ca", database.SubmissionMeta{IP: "203.0.113.10"}, 72*time.Hour)
	require.NoError(t, err)
	record, err = store.Update(record.ID, record.Version, map[string]interface{}{
		"progress": models.ProgressTOTPVerified,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("verification_id", record.ID.String()))
	require.NoError(t, form.WriteField("step", string(models.StepIDUpload)))
	require.NoError(t, form.WriteField("data", "{}"))

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="id_front"; filename="front.png"`)
	h.Set("Content-Type", "image/png")
	part, err := form.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("fake image bytes"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/identity/submit-step", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Both front and back ID images required", body["error"])
}

func TestSubmitStepOutOfOrder(t *testing.T) {
	router, store := setupTestServer(t)

	record, err := store.Create(demoUserID, "demo@civicos.ca", database.SubmissionMeta{IP: "203.0.113.10"}, 72*time.Hour)
	require.NoError(t, err)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("verification_id", record.ID.String()))
	require.NoError(t, form.WriteField("step", string(models.StepVerifyEmail)))
	require.NoError(t, form.WriteField("data", `{"code":"123456"}`))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/identity/submit-step", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitStepFailureIsAudited(t *testing.T) {
	router, store := setupTestServer(t)

	record, err := store.Create(demoUserID, "demo@civicos.ca", database.SubmissionMeta{IP: "203.0.113.10"}, 72*time.Hour)
	require.NoError(t, err)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("verification_id", record.ID.String()))
	require.NoError(t, form.WriteField("step", string(models.StepVerifyEmail)))
	require.NoError(t, form.WriteField("data", `{"code":"123456"}`))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/identity/submit-step", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)

	var entry utils.AuditLog
	require.NoError(t, store.DB().
		Where("event_type = ?", utils.AuditEventStepSubmitted).
		First(&entry).Error)
	assert.False(t, entry.Success)
	assert.Equal(t, utils.AuditSeverityError, entry.Severity)
	assert.Contains(t, entry.Details, record.ID.String())
	assert.Contains(t, entry.Details, string(models.StepVerifyEmail))
}

func TestGetStatusUnverified(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/api/identity/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["is_verified"])
	assert.Equal(t, "none", body["verification_level"])

	permissions, ok := body["permissions"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, permissions["can_vote"])
	assert.Equal(t, false, permissions["can_comment"])
	assert.Equal(t, false, permissions["can_create_petitions"])
	assert.Equal(t, false, permissions["can_access_foi"])
}

func TestAdminListReviewQueue(t *testing.T) {
	router, store := setupTestServer(t)

	record, err := store.Create(uuid.New(), "citizen@example.ca", database.SubmissionMeta{IP: "203.0.113.10"}, 72*time.Hour)
	require.NoError(t, err)
	_, err = store.Update(record.ID, record.Version, map[string]interface{}{
		"status": models.VerificationStatusReviewing,
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/admin/identity-verifications", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	verifications, ok := body["verifications"].([]interface{})
	require.True(t, ok)
	assert.Len(t, verifications, 1)
}

func TestAdminApprove(t *testing.T) {
	router, store := setupTestServer(t)

	record, err := store.Create(uuid.New(), "citizen@example.ca", database.SubmissionMeta{IP: "203.0.113.10"}, 72*time.Hour)
	require.NoError(t, err)
	_, err = store.Update(record.ID, record.Version, map[string]interface{}{
		"status": models.VerificationStatusReviewing,
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/identity-verifications/%s/approve", record.ID), nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "approved", body["status"])

	// Approving twice hits the terminal-status guard
	w = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/identity-verifications/%s/approve", record.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminApproveUnknownRecord(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/identity-verifications/%s/approve", uuid.New()), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRejectRequiresReason(t *testing.T) {
	router, store := setupTestServer(t)

	record, err := store.Create(uuid.New(), "citizen@example.ca", database.SubmissionMeta{IP: "203.0.113.10"}, 72*time.Hour)
	require.NoError(t, err)
	_, err = store.Update(record.ID, record.Version, map[string]interface{}{
		"status": models.VerificationStatusReviewing,
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/identity-verifications/%s/reject", record.ID), gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/identity-verifications/%s/reject", record.ID),
		gin.H{"reason": "Document appears altered"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "Document appears altered", body["rejection_reason"])
}
