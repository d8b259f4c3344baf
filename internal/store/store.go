// Package store implements the file-store collaborator: size queries,
// offset reads for downloads, staged writes for in-flight uploads, and
// collision-safe finalization.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fileferry/internal/config"
	"fileferry/internal/errors"
)

// Store manages the uploads directory and the staging area for
// in-flight uploads.
type Store struct {
	UploadsDir string
	PartialDir string
}

// New creates a store rooted at the given directories.
func New(uploadsDir, partialDir string) *Store {
	return &Store{UploadsDir: uploadsDir, PartialDir: partialDir}
}

// EnsureDirs creates the uploads and partial directories if missing.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.UploadsDir, s.PartialDir} {
		if err := os.MkdirAll(dir, config.DirPerms); err != nil {
			return errors.NewFileSystemError("mkdir", dir, err)
		}
	}
	return nil
}

// CleanName reduces a requested filename to a safe base name. Path
// separators and traversal components are rejected.
func CleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || strings.ContainsAny(base, `/\`) {
		return "", errors.NewValidationError("filename", name, "unsafe file name")
	}
	return base, nil
}

// Size returns the stored file's size in bytes, or 0 when it does not
// exist.
func (s *Store) Size(name string) int64 {
	base, err := CleanName(name)
	if err != nil {
		return 0
	}
	info, err := os.Stat(filepath.Join(s.UploadsDir, base))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Exists reports whether the named file is present in the store.
func (s *Store) Exists(name string) bool {
	base, err := CleanName(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(s.UploadsDir, base))
	return err == nil
}

// OpenRead opens the named file for reading positioned at offset and
// returns the handle together with the file's total size.
func (s *Store) OpenRead(name string, offset int64) (*os.File, int64, error) {
	base, err := CleanName(name)
	if err != nil {
		return nil, 0, err
	}
	path := filepath.Join(s.UploadsDir, base)

	file, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.NewFileSystemError("open", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, errors.NewFileSystemError("stat", path, err)
	}

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, 0, errors.NewFileSystemError("seek", path, err)
		}
	}
	return file, info.Size(), nil
}

// Stage creates a fresh staging file for an incoming upload and
// returns the open handle with its path. Completed uploads move into
// the uploads directory through Finalize.
func (s *Store) Stage(name string) (*os.File, string, error) {
	base, err := CleanName(name)
	if err != nil {
		return nil, "", err
	}

	// Each upload stages under its own file: simultaneous uploads of
	// the same name must never share a handle.
	file, err := os.CreateTemp(s.PartialDir, base+".*"+config.PartialExt)
	if err != nil {
		return nil, "", errors.NewFileSystemError("stage", base, err)
	}
	return file, file.Name(), nil
}

// Finalize moves a completed staging file into the uploads directory.
// An existing file is never silently overwritten: on collision the
// final name gets a numeric suffix. Returns the name actually used.
func (s *Store) Finalize(stagedPath, finalName string) (string, error) {
	base, err := CleanName(finalName)
	if err != nil {
		return "", err
	}

	target := base
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; s.Exists(target); n++ {
		target = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}

	finalPath := filepath.Join(s.UploadsDir, target)
	if err := os.Rename(stagedPath, finalPath); err != nil {
		return "", errors.NewFileSystemError("finalize", finalPath, err)
	}
	return target, nil
}

// Discard removes a staging file after a failed or aborted upload.
func (s *Store) Discard(stagedPath string) {
	if stagedPath == "" {
		return
	}
	os.Remove(stagedPath)
}
