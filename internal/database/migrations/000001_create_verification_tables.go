package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func createVerificationTablesMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_verification_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS verification_records (
					id UUID PRIMARY KEY,
					user_id UUID NOT NULL,
					email VARCHAR(255) NOT NULL,
					status VARCHAR(20) NOT NULL DEFAULT 'pending',
					progress VARCHAR(30) NOT NULL DEFAULT 'started',
					captcha_token TEXT,
					email_code_hash VARCHAR(255),
					email_code_expires_at TIMESTAMP WITH TIME ZONE,
					email_verified BOOLEAN DEFAULT FALSE,
					totp_secret VARCHAR(255),
					totp_verified BOOLEAN DEFAULT FALSE,
					id_front_path TEXT,
					id_back_path TEXT,
					selfie_path TEXT,
					face_match_score INTEGER,
					id_number_hash VARCHAR(64),
					duplicate_id BOOLEAN DEFAULT FALSE,
					duplicate_face BOOLEAN DEFAULT FALSE,
					duplicate_ip BOOLEAN DEFAULT FALSE,
					risk_score INTEGER,
					flagged_reasons TEXT,
					terms_agreed BOOLEAN DEFAULT FALSE,
					terms_signature TEXT,
					terms_agreed_at TIMESTAMP WITH TIME ZONE,
					reviewed_by VARCHAR(100),
					reviewed_at TIMESTAMP WITH TIME ZONE,
					rejection_reason TEXT,
					submitted_ip VARCHAR(45),
					user_agent TEXT,
					geolocation VARCHAR(255),
					auto_delete_at TIMESTAMP WITH TIME ZONE NOT NULL,
					version INTEGER NOT NULL DEFAULT 1,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_verification_records_user_id ON verification_records(user_id);
				CREATE INDEX IF NOT EXISTS idx_verification_records_status ON verification_records(status);
				CREATE INDEX IF NOT EXISTS idx_verification_records_id_number_hash ON verification_records(id_number_hash);
				CREATE INDEX IF NOT EXISTS idx_verification_records_submitted_ip ON verification_records(submitted_ip);
				CREATE INDEX IF NOT EXISTS idx_verification_records_auto_delete_at ON verification_records(auto_delete_at);
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS verification_documents (
					id UUID PRIMARY KEY,
					verification_id UUID NOT NULL REFERENCES verification_records(id),
					type VARCHAR(20) NOT NULL,
					file_path TEXT NOT NULL,
					file_name VARCHAR(255) NOT NULL,
					file_size BIGINT,
					mime_type VARCHAR(100),
					content_hash VARCHAR(64),
					expires_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_verification_documents_verification_id ON verification_documents(verification_id);
				CREATE INDEX IF NOT EXISTS idx_verification_documents_content_hash ON verification_documents(content_hash);
			`).Error; err != nil {
				return err
			}

			return tx.Exec(`
				CREATE TABLE IF NOT EXISTS user_verification_statuses (
					id UUID PRIMARY KEY,
					user_id UUID NOT NULL UNIQUE,
					is_verified BOOLEAN DEFAULT FALSE,
					verification_level VARCHAR(20) NOT NULL DEFAULT 'none',
					verified_at TIMESTAMP WITH TIME ZONE,
					last_verification_id UUID,
					can_vote BOOLEAN DEFAULT FALSE,
					can_comment BOOLEAN DEFAULT FALSE,
					can_create_petitions BOOLEAN DEFAULT FALSE,
					can_access_foi BOOLEAN DEFAULT FALSE,
					trust_score INTEGER DEFAULT 0,
					created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
				);
			`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Exec("DROP TABLE IF EXISTS verification_documents").Error; err != nil {
				return err
			}
			if err := tx.Exec("DROP TABLE IF EXISTS user_verification_statuses").Error; err != nil {
				return err
			}
			return tx.Exec("DROP TABLE IF EXISTS verification_records").Error
		},
	}
}
