package verification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"time"

	"github.com/civicos/identity-service/internal/database"
	"github.com/civicos/identity-service/internal/models"
	"github.com/civicos/identity-service/internal/utils"
	"golang.org/x/crypto/bcrypt"
)

// Multipart field names for uploaded documents
const (
	FileFieldIDFront = "id_front"
	FileFieldIDBack  = "id_back"
	FileFieldSelfie  = "selfie"
)

var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
	"application/pdf": true,
}

const otpLength = 6

func (s *Service) stepCaptcha(ctx context.Context, record *models.VerificationRecord, data json.RawMessage) (map[string]interface{}, StepResult, error) {
	var payload struct {
		CaptchaToken string `json:"captchaToken"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.CaptchaToken == "" {
		return nil, nil, validationErrorf("Captcha token is required")
	}

	ok, err := s.captcha.Verify(ctx, payload.CaptchaToken)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, validationErrorf("Captcha verification failed")
	}

	updates := map[string]interface{}{
		"captcha_token": payload.CaptchaToken,
	}
	return updates, StepResult{"message": "Captcha accepted"}, nil
}

func (s *Service) stepEmail(record *models.VerificationRecord) (map[string]interface{}, StepResult, error) {
	code, err := utils.GenerateOTP(otpLength)
	if err != nil {
		return nil, nil, err
	}

	// Only the bcrypt hash is stored; the plaintext code leaves the server
	// via email, and via the response in demo mode only.
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	expiresAt := time.Now().Add(s.cfg.OTPTTL)

	if s.mailer != nil {
		if err := s.mailer.SendVerificationCode(record.Email, code, int(s.cfg.OTPTTL.Minutes())); err != nil {
			return nil, nil, err
		}
	}

	updates := map[string]interface{}{
		"email_code_hash":       string(hash),
		"email_code_expires_at": expiresAt,
	}

	result := StepResult{
		"message":    "Verification code sent",
		"expires_at": expiresAt,
	}
	if s.demoMode {
		result["code"] = code
	}
	return updates, result, nil
}

func (s *Service) stepVerifyEmail(record *models.VerificationRecord, data json.RawMessage) (map[string]interface{}, StepResult, error) {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Code == "" {
		return nil, nil, validationErrorf("Verification code is required")
	}

	if record.EmailCodeHash == "" || record.EmailCodeExpiresAt == nil {
		return nil, nil, validationErrorf("No verification code was issued")
	}
	if time.Now().After(*record.EmailCodeExpiresAt) {
		return nil, nil, validationErrorf("Verification code has expired")
	}
	if bcrypt.CompareHashAndPassword([]byte(record.EmailCodeHash), []byte(payload.Code)) != nil {
		return nil, nil, validationErrorf("Invalid verification code")
	}

	updates := map[string]interface{}{
		"email_code_hash":       "",
		"email_code_expires_at": nil,
		"email_verified":        true,
	}
	return updates, StepResult{"message": "Email verified"}, nil
}

func (s *Service) stepMFA(record *models.VerificationRecord) (map[string]interface{}, StepResult, error) {
	key, err := utils.GenerateTOTPKey(s.totpCfg, record.Email)
	if err != nil {
		return nil, nil, err
	}

	updates := map[string]interface{}{
		"totp_secret": key.Secret,
	}

	result := StepResult{
		"secret":      key.Secret,
		"otpauth_url": key.URL,
		"qr_code":     base64.StdEncoding.EncodeToString(key.QRCode),
	}
	return updates, result, nil
}

func (s *Service) stepVerifyTOTP(record *models.VerificationRecord, data json.RawMessage) (map[string]interface{}, StepResult, error) {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Code == "" {
		return nil, nil, validationErrorf("TOTP code is required")
	}

	if record.TOTPSecret == "" {
		return nil, nil, validationErrorf("TOTP has not been set up")
	}
	if !s.totp.Verify(record.TOTPSecret, payload.Code) {
		return nil, nil, validationErrorf("Invalid TOTP code")
	}

	updates := map[string]interface{}{
		"totp_verified": true,
	}
	return updates, StepResult{"message": "TOTP verified"}, nil
}

func (s *Service) stepIDUpload(record *models.VerificationRecord, files map[string][]*multipart.FileHeader) (map[string]interface{}, []models.VerificationDocument, StepResult, error) {
	front := singleFile(files, FileFieldIDFront)
	back := singleFile(files, FileFieldIDBack)
	if front == nil || back == nil {
		return nil, nil, nil, validationErrorf("Both front and back ID images required")
	}

	// Every file is validated before anything is stored, so a rejected back
	// image cannot leave an orphaned front behind
	for _, f := range []*multipart.FileHeader{front, back} {
		if err := s.validateUpload(f); err != nil {
			return nil, nil, nil, err
		}
	}

	frontDoc, err := s.storeDocument(record, models.DocumentTypeIDFront, front)
	if err != nil {
		return nil, nil, nil, err
	}
	backDoc, err := s.storeDocument(record, models.DocumentTypeIDBack, back)
	if err != nil {
		s.removeStoredFiles([]models.VerificationDocument{frontDoc})
		return nil, nil, nil, err
	}

	updates := map[string]interface{}{
		"id_front_path": frontDoc.FilePath,
		"id_back_path":  backDoc.FilePath,
	}
	docs := []models.VerificationDocument{frontDoc, backDoc}
	return updates, docs, StepResult{"message": "ID documents uploaded"}, nil
}

func (s *Service) stepLiveness(ctx context.Context, record *models.VerificationRecord, files map[string][]*multipart.FileHeader) (map[string]interface{}, []models.VerificationDocument, StepResult, error) {
	selfie := singleFile(files, FileFieldSelfie)
	if selfie == nil {
		return nil, nil, nil, validationErrorf("A selfie image is required")
	}
	if err := s.validateUpload(selfie); err != nil {
		return nil, nil, nil, err
	}

	selfieDoc, err := s.storeDocument(record, models.DocumentTypeSelfie, selfie)
	if err != nil {
		return nil, nil, nil, err
	}

	score, err := s.faces.MatchScore(ctx, selfieDoc.FilePath, record.IDFrontPath)
	if err != nil {
		s.removeStoredFiles([]models.VerificationDocument{selfieDoc})
		return nil, nil, nil, err
	}

	updates := map[string]interface{}{
		"selfie_path":      selfieDoc.FilePath,
		"face_match_score": score,
	}

	// A low score does not block progression; it only feeds risk scoring.
	passed := score >= s.cfg.FaceMatchThreshold
	result := StepResult{
		"face_match_score":  score,
		"face_match_passed": passed,
	}
	if !passed {
		result["message"] = "Face match failed"
	}
	return updates, []models.VerificationDocument{selfieDoc}, result, nil
}

func (s *Service) stepDuplicateCheck(ctx context.Context, record *models.VerificationRecord, data json.RawMessage) (map[string]interface{}, StepResult, error) {
	var payload struct {
		IDNumber string `json:"idNumber"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.IDNumber == "" {
		return nil, nil, validationErrorf("ID number is required")
	}

	idHash := utils.HashIDNumber(payload.IDNumber)

	idMatches, err := s.store.CountByIDHash(idHash, record.ID)
	if err != nil {
		return nil, nil, err
	}

	ipMatches, err := s.store.CountByIP(record.SubmittedIP, record.ID)
	if err != nil {
		return nil, nil, err
	}

	selfieHash := ""
	docs, err := s.store.ListDocuments(record.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, doc := range docs {
		if doc.Type == models.DocumentTypeSelfie {
			selfieHash = doc.ContentHash
		}
	}

	faceDup, err := s.faces.FindDuplicate(ctx, selfieHash)
	if err != nil {
		return nil, nil, err
	}

	// Score a copy with the fresh flags; the scorer never mutates storage.
	probe := *record
	probe.IDNumberHash = idHash
	probe.DuplicateID = idMatches > 0
	probe.DuplicateFace = faceDup
	probe.DuplicateIP = ipMatches > s.cfg.IPRecordLimit
	score, reasons := s.scorer.Score(&probe)

	updates := map[string]interface{}{
		"id_number_hash":  idHash,
		"duplicate_id":    probe.DuplicateID,
		"duplicate_face":  probe.DuplicateFace,
		"duplicate_ip":    probe.DuplicateIP,
		"risk_score":      score,
		"flagged_reasons": models.StringList(reasons),
	}

	result := StepResult{
		"risk_score":      score,
		"flagged_reasons": reasons,
	}
	return updates, result, nil
}

func (s *Service) stepTerms(record *models.VerificationRecord, data json.RawMessage) (StepResult, error) {
	var payload struct {
		Agreed    bool   `json:"agreed"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, validationErrorf("Terms payload is required")
	}
	if !payload.Agreed {
		return nil, validationErrorf("Terms must be agreed to")
	}
	if payload.Signature == "" {
		return nil, validationErrorf("Digital signature is required")
	}

	now := time.Now()
	updates := map[string]interface{}{
		"terms_agreed":    true,
		"terms_signature": payload.Signature,
		"terms_agreed_at": now,
		"progress":        models.ProgressTermsDone,
	}

	if s.gate.Decide(record) {
		updates["status"] = models.VerificationStatusApproved
		updates["reviewed_by"] = models.ReviewerSystem
		updates["reviewed_at"] = now

		grant := database.CapabilityGrant{
			Level:      models.VerificationLevelGovernment,
			TrustScore: s.cfg.AutoTrustScore,
		}
		updated, err := s.store.Finalize(record, updates, &grant)
		if err != nil {
			return nil, err
		}
		return StepResult{
			"verification_id": updated.ID,
			"status":          updated.Status,
			"progress":        updated.Progress,
			"auto_approved":   true,
		}, nil
	}

	updates["status"] = models.VerificationStatusReviewing
	updated, err := s.store.Finalize(record, updates, nil)
	if err != nil {
		return nil, err
	}
	return StepResult{
		"verification_id": updated.ID,
		"status":          updated.Status,
		"progress":        updated.Progress,
		"auto_approved":   false,
		"message":         "Verification queued for manual review",
	}, nil
}

// validateUpload checks a file's type and size before anything is stored
func (s *Service) validateUpload(file *multipart.FileHeader) error {
	if !allowedMimeTypes[file.Header.Get("Content-Type")] {
		return validationErrorf("Unsupported file type: %s", file.Header.Get("Content-Type"))
	}
	if file.Size > s.files.MaxFileSize() {
		return validationErrorf("File %s exceeds the size limit", file.Filename)
	}
	return nil
}

// storeDocument writes a file to storage and builds its document row. The
// row is not persisted here; it commits with the step's record update.
func (s *Service) storeDocument(record *models.VerificationRecord, docType models.DocumentType, file *multipart.FileHeader) (models.VerificationDocument, error) {
	stored, err := s.files.Save(record.ID, string(docType), file)
	if err != nil {
		return models.VerificationDocument{}, err
	}

	return models.VerificationDocument{
		VerificationID: record.ID,
		Type:           docType,
		FilePath:       stored.Path,
		FileName:       stored.Name,
		FileSize:       stored.Size,
		MimeType:       stored.MimeType,
		ContentHash:    stored.ContentHash,
		ExpiresAt:      record.AutoDeleteAt,
	}, nil
}

func singleFile(files map[string][]*multipart.FileHeader, field string) *multipart.FileHeader {
	headers := files[field]
	if len(headers) != 1 {
		return nil
	}
	return headers[0]
}
