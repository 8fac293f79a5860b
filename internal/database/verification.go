package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/civicos/identity-service/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a verification record does not exist.
	// Absence is a normal outcome for lookups, not an exceptional one.
	ErrNotFound = errors.New("verification record not found")

	// ErrConflict is returned when an update loses the optimistic version check.
	ErrConflict = errors.New("verification record was modified concurrently")
)

// SubmissionMeta carries request metadata recorded with a verification attempt
type SubmissionMeta struct {
	IP          string
	UserAgent   string
	Geolocation string
}

// VerificationStore provides persistence for verification attempts and the
// user statuses they produce
type VerificationStore struct {
	db *gorm.DB
}

// NewVerificationStore creates a new verification store
func NewVerificationStore(db *gorm.DB) *VerificationStore {
	return &VerificationStore{db: db}
}

// DB exposes the underlying connection for migrations and tests
func (s *VerificationStore) DB() *gorm.DB {
	return s.db
}

// Create inserts a new pending verification record for a user
func (s *VerificationStore) Create(userID uuid.UUID, email string, meta SubmissionMeta, retention time.Duration) (*models.VerificationRecord, error) {
	record := models.VerificationRecord{
		UserID:       userID,
		Email:        email,
		Status:       models.VerificationStatusPending,
		Progress:     models.ProgressStarted,
		SubmittedIP:  meta.IP,
		UserAgent:    meta.UserAgent,
		Geolocation:  meta.Geolocation,
		AutoDeleteAt: time.Now().Add(retention),
		Version:      1,
	}

	if err := s.db.Create(&record).Error; err != nil {
		return nil, fmt.Errorf("error creating verification record: %w", err)
	}

	return &record, nil
}

// Get retrieves a verification record by ID
func (s *VerificationStore) Get(id uuid.UUID) (*models.VerificationRecord, error) {
	var record models.VerificationRecord
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error finding verification record: %w", err)
	}
	return &record, nil
}

// GetActiveByUser returns the most recent non-terminal verification record
// for a user, or ErrNotFound when none exists
func (s *VerificationStore) GetActiveByUser(userID uuid.UUID) (*models.VerificationRecord, error) {
	var record models.VerificationRecord
	err := s.db.
		Where("user_id = ? AND status IN ?", userID, []models.VerificationStatus{
			models.VerificationStatusPending,
			models.VerificationStatusReviewing,
		}).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error finding active verification: %w", err)
	}
	return &record, nil
}

// Update applies a set of field updates to a record, guarded by the version
// counter. All of one step's changes go through a single Update call so a
// step is applied atomically or not at all.
func (s *VerificationStore) Update(id uuid.UUID, version int, updates map[string]interface{}) (*models.VerificationRecord, error) {
	return s.UpdateWithDocuments(id, version, updates, nil)
}

// UpdateWithDocuments applies a versioned update and inserts the step's
// document rows in the same transaction, so a step that stores artifacts
// commits its record fields and its documents together or not at all.
func (s *VerificationStore) UpdateWithDocuments(id uuid.UUID, version int, updates map[string]interface{}, docs []models.VerificationDocument) (*models.VerificationRecord, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		merged := make(map[string]interface{}, len(updates)+1)
		for k, v := range updates {
			merged[k] = v
		}
		merged["version"] = version + 1

		result := tx.Model(&models.VerificationRecord{}).
			Where("id = ? AND version = ?", id, version).
			Updates(merged)
		if result.Error != nil {
			return fmt.Errorf("error updating verification record: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			// Distinguish a missing row from a lost version race
			var count int64
			if err := tx.Model(&models.VerificationRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return fmt.Errorf("error checking verification record: %w", err)
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}

		for i := range docs {
			if err := tx.Create(&docs[i]).Error; err != nil {
				return fmt.Errorf("error creating verification document: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.Get(id)
}

// ListByStatus returns all verification records with the given status,
// oldest first, for the admin review queue
func (s *VerificationStore) ListByStatus(status models.VerificationStatus) ([]models.VerificationRecord, error) {
	var records []models.VerificationRecord
	if err := s.db.Where("status = ?", status).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error listing verification records: %w", err)
	}
	return records, nil
}

// PurgeExpired deletes pending records whose retention deadline has passed,
// together with their documents. Returns the number of records removed and
// the file paths of the deleted documents so the caller can remove them from
// storage. Invoked by the scheduled purge job, never from a request path.
func (s *VerificationStore) PurgeExpired(now time.Time) (int64, []string, error) {
	var (
		purged int64
		paths  []string
	)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var expired []models.VerificationRecord
		if err := tx.
			Where("status = ? AND auto_delete_at <= ?", models.VerificationStatusPending, now).
			Find(&expired).Error; err != nil {
			return fmt.Errorf("error finding expired records: %w", err)
		}

		if len(expired) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(expired))
		for _, record := range expired {
			ids = append(ids, record.ID)
		}

		var docs []models.VerificationDocument
		if err := tx.Where("verification_id IN ?", ids).Find(&docs).Error; err != nil {
			return fmt.Errorf("error listing expired documents: %w", err)
		}
		for _, doc := range docs {
			paths = append(paths, doc.FilePath)
		}

		if err := tx.Where("verification_id IN ?", ids).Delete(&models.VerificationDocument{}).Error; err != nil {
			return fmt.Errorf("error deleting expired documents: %w", err)
		}

		result := tx.Where("id IN ?", ids).Delete(&models.VerificationRecord{})
		if result.Error != nil {
			return fmt.Errorf("error deleting expired records: %w", result.Error)
		}

		purged = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	return purged, paths, nil
}

// CountByIDHash counts other records carrying the same hashed ID number.
// The current record is excluded so a resubmission never matches itself.
func (s *VerificationStore) CountByIDHash(hash string, exclude uuid.UUID) (int64, error) {
	var count int64
	err := s.db.Model(&models.VerificationRecord{}).
		Where("id_number_hash = ? AND id <> ?", hash, exclude).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting records by ID hash: %w", err)
	}
	return count, nil
}

// CountByIP counts other verification records submitted from the same IP
func (s *VerificationStore) CountByIP(ip string, exclude uuid.UUID) (int64, error) {
	var count int64
	err := s.db.Model(&models.VerificationRecord{}).
		Where("submitted_ip = ? AND id <> ?", ip, exclude).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting records by IP: %w", err)
	}
	return count, nil
}

// CreateDocument records an uploaded verification artifact
func (s *VerificationStore) CreateDocument(doc *models.VerificationDocument) error {
	if err := s.db.Create(doc).Error; err != nil {
		return fmt.Errorf("error creating verification document: %w", err)
	}
	return nil
}

// ListDocuments returns the documents attached to a verification record
func (s *VerificationStore) ListDocuments(verificationID uuid.UUID) ([]models.VerificationDocument, error) {
	var docs []models.VerificationDocument
	if err := s.db.Where("verification_id = ?", verificationID).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("error listing verification documents: %w", err)
	}
	return docs, nil
}

// CapabilityGrant describes the authorization granted to a user on approval
type CapabilityGrant struct {
	Level      models.VerificationLevel
	TrustScore int
}

// GetUserStatus retrieves the verification status for a user. A user with no
// row gets a zero-value status, not an error.
func (s *VerificationStore) GetUserStatus(userID uuid.UUID) (*models.UserVerificationStatus, error) {
	var status models.UserVerificationStatus
	err := s.db.Where("user_id = ?", userID).First(&status).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.UserVerificationStatus{
				UserID:            userID,
				VerificationLevel: models.VerificationLevelNone,
			}, nil
		}
		return nil, fmt.Errorf("error finding user verification status: %w", err)
	}
	return &status, nil
}

// Finalize records a review decision and, when the decision grants access,
// upserts the user's verification status in the same transaction.
func (s *VerificationStore) Finalize(record *models.VerificationRecord, updates map[string]interface{}, grant *CapabilityGrant) (*models.VerificationRecord, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		merged := make(map[string]interface{}, len(updates)+1)
		for k, v := range updates {
			merged[k] = v
		}
		merged["version"] = record.Version + 1

		result := tx.Model(&models.VerificationRecord{}).
			Where("id = ? AND version = ?", record.ID, record.Version).
			Updates(merged)
		if result.Error != nil {
			return fmt.Errorf("error updating verification record: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		if grant == nil {
			return nil
		}

		return upsertUserStatus(tx, record.UserID, record.ID, *grant)
	})
	if err != nil {
		return nil, err
	}

	return s.Get(record.ID)
}

// upsertUserStatus inserts or updates the durable per-user status row
func upsertUserStatus(tx *gorm.DB, userID, verificationID uuid.UUID, grant CapabilityGrant) error {
	now := time.Now()

	var status models.UserVerificationStatus
	err := tx.Where("user_id = ?", userID).First(&status).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("error finding user verification status: %w", err)
	}

	status.UserID = userID
	status.IsVerified = true
	status.VerificationLevel = grant.Level
	status.VerifiedAt = &now
	status.LastVerificationID = &verificationID
	status.CanVote = true
	status.CanComment = true
	status.CanCreatePetitions = true
	status.CanAccessFOI = true
	status.TrustScore = grant.TrustScore

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := tx.Create(&status).Error; err != nil {
			return fmt.Errorf("error creating user verification status: %w", err)
		}
		return nil
	}

	if err := tx.Save(&status).Error; err != nil {
		return fmt.Errorf("error updating user verification status: %w", err)
	}
	return nil
}
