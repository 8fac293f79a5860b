package storage

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/civicos/identity-service/internal/utils"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// LocalStore stores verification documents on the local filesystem
type LocalStore struct {
	baseDir string
	maxSize int64
}

// NewLocalStore creates a local document store rooted at baseDir
func NewLocalStore(baseDir string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir, maxSize: maxSize}, nil
}

// Save writes an uploaded file under the verification's directory and
// returns its storage reference together with a content hash
func (s *LocalStore) Save(verificationID uuid.UUID, docType string, file *multipart.FileHeader) (*StoredFile, error) {
	if file.Size > s.maxSize {
		return nil, fmt.Errorf("file %s exceeds the %d byte limit", file.Filename, s.maxSize)
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("file %s exceeds the %d byte limit", file.Filename, s.maxSize)
	}

	dir := filepath.Join(s.baseDir, verificationID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s%s", slug.Make(docType), uuid.New().String(), filepath.Ext(file.Filename))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write uploaded file: %w", err)
	}

	return &StoredFile{
		Path:        path,
		Name:        file.Filename,
		Size:        int64(len(data)),
		MimeType:    file.Header.Get("Content-Type"),
		ContentHash: utils.HashContent(data),
	}, nil
}

// MaxFileSize returns the per-file size cap in bytes
func (s *LocalStore) MaxFileSize() int64 {
	return s.maxSize
}

// Remove deletes a stored file. Missing files are not an error; purge may
// run more than once over the same record.
func (s *LocalStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stored file: %w", err)
	}
	return nil
}
