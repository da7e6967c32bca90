package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"directlink/models"
)

// DefaultFilesDirName is the file store directory under the app data dir.
const DefaultFilesDirName = "files"

var (
	ErrInvalidFileName = errors.New("storage: invalid file name")
	ErrSizeMismatch    = errors.New("storage: file size mismatch")
	ErrSinkClosed      = errors.New("storage: sink already closed")
)

// Files keeps transferred files on disk, one directory per file type.
// Files only become visible under their final name once complete.
type Files struct {
	root string
}

// OpenFiles creates the file store rooted at root.
func OpenFiles(root string) (*Files, error) {
	for _, fileType := range []models.FileType{models.FileTypeChatImage, models.FileTypeAvatar} {
		if err := os.MkdirAll(filepath.Join(root, string(fileType)), 0o700); err != nil {
			return nil, fmt.Errorf("create file store directory: %w", err)
		}
	}
	return &Files{root: root}, nil
}

// Path returns where a file of the given type is stored.
func (f *Files) Path(fileType models.FileType, fileName string) (string, error) {
	switch fileType {
	case models.FileTypeChatImage, models.FileTypeAvatar:
	default:
		return "", fmt.Errorf("unknown file type %q", fileType)
	}
	if fileName == "" || fileName == "." || fileName == ".." ||
		strings.ContainsAny(fileName, `/\`) || filepath.Base(fileName) != fileName {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	return filepath.Join(f.root, string(fileType), fileName), nil
}

// Resolve reports Downloaded when the file is on disk and, if expectedSize is
// positive, has that size.
func (f *Files) Resolve(fileType models.FileType, fileName string, expectedSize int64) models.FileState {
	path, err := f.Path(fileType, fileName)
	if err != nil {
		return models.FileMissing
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return models.FileMissing
	}
	if expectedSize > 0 && info.Size() != expectedSize {
		return models.FileMissing
	}
	return models.FileDownloaded
}

// Open opens a stored file for reading and returns its size.
func (f *Files) Open(fileType models.FileType, fileName string) (io.ReadCloser, int64, error) {
	path, err := f.Path(fileType, fileName)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open file %q: %w", fileName, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("stat file %q: %w", fileName, err)
	}
	return file, info.Size(), nil
}

// Create returns a sink that writes to a temporary file next to the final
// path.
func (f *Files) Create(fileType models.FileType, fileName string) (*Sink, error) {
	path, err := f.Path(fileType, fileName)
	if err != nil {
		return nil, err
	}
	temp, err := os.CreateTemp(filepath.Dir(path), "."+fileName+".partial-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %q: %w", fileName, err)
	}
	return &Sink{file: temp, path: path}, nil
}

// Import copies r into the store under fileName and returns the byte count.
func (f *Files) Import(fileType models.FileType, fileName string, r io.Reader) (int64, error) {
	sink, err := f.Create(fileType, fileName)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(sink, r)
	if err != nil {
		sink.Abort()
		return 0, fmt.Errorf("import %q: %w", fileName, err)
	}
	if err := sink.Commit(n); err != nil {
		return 0, err
	}
	return n, nil
}

// Remove deletes a stored file. Missing files are not an error.
func (f *Files) Remove(fileType models.FileType, fileName string) error {
	path, err := f.Path(fileType, fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", fileName, err)
	}
	return nil
}

// Sink receives the bytes of one file. Nothing is visible under the final
// name until Commit succeeds; Abort discards everything written.
type Sink struct {
	file    *os.File
	path    string
	written int64
	closed  bool
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSinkClosed
	}
	n, err := s.file.Write(p)
	s.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (s *Sink) Written() int64 {
	return s.written
}

// Commit checks the size, flushes and moves the file into place. Any failure
// discards the partial file.
func (s *Sink) Commit(expectedSize int64) error {
	if s.closed {
		return ErrSinkClosed
	}
	if s.written != expectedSize {
		s.Abort()
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, s.written, expectedSize)
	}
	if err := s.file.Sync(); err != nil {
		s.Abort()
		return fmt.Errorf("sync %q: %w", s.path, err)
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.file.Name())
		return fmt.Errorf("close %q: %w", s.path, err)
	}
	if err := os.Rename(s.file.Name(), s.path); err != nil {
		_ = os.Remove(s.file.Name())
		return fmt.Errorf("move %q into place: %w", s.path, err)
	}
	return nil
}

// Abort discards the partial file. It is safe to call more than once.
func (s *Sink) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.file.Close()
	_ = os.Remove(s.file.Name())
}
