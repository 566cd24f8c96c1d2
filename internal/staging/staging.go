package staging

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"product-import-service/internal/models"
)

var (
	ErrUnsupportedFormat = errors.New("only CSV and XLSX files are supported")
	ErrFileTooLarge      = errors.New("file exceeds the upload size limit")
	ErrEmptyFile         = errors.New("file is empty")
)

// StagedFile is an uploaded spreadsheet saved to local disk for a job
type StagedFile struct {
	Path   string
	Name   string
	Size   int64
	Format models.ImportFormat
}

// Store saves uploads under a single directory and removes them when a job is done.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates the staging directory if needed
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging dir %s: %w", dir, err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// DetectFormat determines the import format from the original file name
func DetectFormat(filename string) (models.ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return models.ImportFormatCSV, nil
	case ".xlsx":
		return models.ImportFormatXLSX, nil
	}
	return "", ErrUnsupportedFormat
}

// Save stages a multipart upload
func (s *Store) Save(header *multipart.FileHeader) (*StagedFile, error) {
	if s.maxBytes > 0 && header.Size > s.maxBytes {
		return nil, ErrFileTooLarge
	}
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	return s.SaveReader(header.Filename, file)
}

// SaveReader stages the content of r under a generated name keeping the
// original extension.
func (s *Store) SaveReader(filename string, r io.Reader) (*StagedFile, error) {
	format, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, uuid.New().String()+filepath.Ext(strings.ToLower(filename)))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged file: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	size, copyErr := io.Copy(out, src)
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("failed to write staged file: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("failed to write staged file: %w", closeErr)
	case s.maxBytes > 0 && size > s.maxBytes:
		err = ErrFileTooLarge
	case size == 0:
		err = ErrEmptyFile
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return &StagedFile{
		Path:   path,
		Name:   filepath.Base(filename),
		Size:   size,
		Format: format,
	}, nil
}

// Remove deletes a staged file. Paths outside the staging dir are refused.
func (s *Store) Remove(path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %s outside staging dir", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
