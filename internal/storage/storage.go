package storage

import (
	"mime/multipart"

	"github.com/google/uuid"
)

// StoredFile describes a persisted verification document
type StoredFile struct {
	Path        string
	Name        string
	Size        int64
	MimeType    string
	ContentHash string
}

// Store persists uploaded verification documents. The local disk
// implementation is the default; a durable object store satisfies the same
// interface for production deployments.
type Store interface {
	Save(verificationID uuid.UUID, docType string, file *multipart.FileHeader) (*StoredFile, error)
	Remove(path string) error
	MaxFileSize() int64
}
