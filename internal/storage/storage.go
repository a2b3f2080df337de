// Package storage keeps job inputs and finished artifacts on the local
// filesystem. Uploads live under <dataDir>/uploads and finished
// artifacts under <dataDir>/completed as <jobID>.zip. Artifact removal
// is idempotent: deleting a path that is already gone succeeds, so
// retention sweeps can be retried safely.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/muxminus/stemd/pkg/jobs"
)

const (
	uploadsDirName   = "uploads"
	completedDirName = "completed"
	artifactSuffix   = ".zip"

	dirPermissions  = 0o755
	filePermissions = 0o644
)

// ErrArtifactMissing reports that no artifact file exists at the
// recorded path.
var ErrArtifactMissing = errors.New("artifact file missing")

// Store manages the on-disk layout for one data directory.
type Store struct {
	uploadsDir   string
	completedDir string
}

// New creates the uploads and completed directories under dataDir.
func New(dataDir string) (*Store, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, errors.New("storage: data directory is required")
	}
	store := &Store{
		uploadsDir:   filepath.Join(dataDir, uploadsDirName),
		completedDir: filepath.Join(dataDir, completedDirName),
	}
	for _, directory := range []string{store.uploadsDir, store.completedDir} {
		if err := os.MkdirAll(directory, dirPermissions); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", directory, err)
		}
	}
	return store, nil
}

// SaveUpload streams an uploaded input file to disk and returns its
// path. The file is named after the job so concurrent uploads cannot
// collide.
func (store *Store) SaveUpload(jobID jobs.JobID, originalFilename string, source io.Reader) (string, error) {
	destinationPath := filepath.Join(store.uploadsDir, jobID.String()+uploadExtension(originalFilename))
	destination, err := os.OpenFile(destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return "", fmt.Errorf("storage: create upload: %w", err)
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		os.Remove(destinationPath)
		return "", fmt.Errorf("storage: write upload: %w", err)
	}
	if err := destination.Close(); err != nil {
		os.Remove(destinationPath)
		return "", fmt.Errorf("storage: close upload: %w", err)
	}
	return destinationPath, nil
}

// ArtifactPath returns the canonical artifact location for a job.
func (store *Store) ArtifactPath(jobID jobs.JobID) string {
	return filepath.Join(store.completedDir, jobID.String()+artifactSuffix)
}

// StoreArtifact moves a produced archive into the completed directory
// and returns its final path. A cross-device rename falls back to
// copy-then-remove.
func (store *Store) StoreArtifact(jobID jobs.JobID, sourcePath string) (string, error) {
	destinationPath := store.ArtifactPath(jobID)
	if err := os.Rename(sourcePath, destinationPath); err == nil {
		return destinationPath, nil
	}
	if err := copyFile(sourcePath, destinationPath); err != nil {
		return "", fmt.Errorf("storage: store artifact: %w", err)
	}
	os.Remove(sourcePath)
	return destinationPath, nil
}

// OpenArtifact opens a stored artifact for reading.
func (store *Store) OpenArtifact(path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: %w: %s", ErrArtifactMissing, path)
		}
		return nil, fmt.Errorf("storage: open artifact: %w", err)
	}
	return file, nil
}

// Remove deletes a file. A path that no longer exists counts as
// success.
func (store *Store) Remove(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	return nil
}

func uploadExtension(filename string) string {
	extension := strings.ToLower(filepath.Ext(filename))
	if extension == "" {
		return ".bin"
	}
	return extension
}

func copyFile(sourcePath string, destinationPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.OpenFile(destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		os.Remove(destinationPath)
		return err
	}
	return destination.Close()
}
