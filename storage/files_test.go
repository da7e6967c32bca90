package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"directlink/models"
)

func newTestFiles(t *testing.T) *Files {
	t.Helper()
	files, err := OpenFiles(filepath.Join(t.TempDir(), DefaultFilesDirName))
	if err != nil {
		t.Fatalf("open test files: %v", err)
	}
	return files
}

func TestSinkCommitMakesFileVisible(t *testing.T) {
	files := newTestFiles(t)
	payload := bytes.Repeat([]byte("x"), 4096)

	if state := files.Resolve(models.FileTypeChatImage, "photo.png", int64(len(payload))); state != models.FileMissing {
		t.Fatalf("expected missing before write, got %q", state)
	}

	sink, err := files.Create(models.FileTypeChatImage, "photo.png")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := sink.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if state := files.Resolve(models.FileTypeChatImage, "photo.png", 0); state != models.FileMissing {
		t.Fatalf("expected partial file to stay invisible, got %q", state)
	}
	if err := sink.Commit(int64(len(payload))); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if state := files.Resolve(models.FileTypeChatImage, "photo.png", int64(len(payload))); state != models.FileDownloaded {
		t.Fatalf("expected downloaded, got %q", state)
	}
	if state := files.Resolve(models.FileTypeChatImage, "photo.png", 10); state != models.FileMissing {
		t.Fatalf("expected size mismatch to resolve missing, got %q", state)
	}
	if state := files.Resolve(models.FileTypeAvatar, "photo.png", 0); state != models.FileMissing {
		t.Fatalf("expected other file type to be missing, got %q", state)
	}

	r, size, err := files.Open(models.FileTypeChatImage, "photo.png")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if size != int64(len(payload)) || !bytes.Equal(got, payload) {
		t.Fatalf("unexpected file contents: size=%d len=%d", size, len(got))
	}
}

func TestSinkAbortLeavesNoArtifact(t *testing.T) {
	files := newTestFiles(t)

	sink, err := files.Create(models.FileTypeChatImage, "photo.png")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := sink.Write(make([]byte, 500)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	sink.Abort()
	sink.Abort()

	if _, err := sink.Write([]byte("late")); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("expected ErrSinkClosed, got %v", err)
	}
	assertEmptyDir(t, filepath.Join(files.root, string(models.FileTypeChatImage)))
}

func TestSinkCommitRejectsShortFile(t *testing.T) {
	files := newTestFiles(t)

	sink, err := files.Create(models.FileTypeChatImage, "photo.png")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := sink.Write(make([]byte, 500)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Commit(1000); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	assertEmptyDir(t, filepath.Join(files.root, string(models.FileTypeChatImage)))
}

func TestFileNamesCannotEscapeRoot(t *testing.T) {
	files := newTestFiles(t)
	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		if _, err := files.Create(models.FileTypeChatImage, name); !errors.Is(err, ErrInvalidFileName) {
			t.Fatalf("expected %q to be rejected, got %v", name, err)
		}
	}
	if _, err := files.Path("document", "a.txt"); err == nil {
		t.Fatalf("expected unknown file type to be rejected")
	}
}

func TestImportAndRemove(t *testing.T) {
	files := newTestFiles(t)

	n, err := files.Import(models.FileTypeAvatar, "me.png", bytes.NewReader([]byte("avatar")))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if n != 6 || files.Resolve(models.FileTypeAvatar, "me.png", 6) != models.FileDownloaded {
		t.Fatalf("expected imported avatar, n=%d", n)
	}
	if err := files.Remove(models.FileTypeAvatar, "me.png"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := files.Remove(models.FileTypeAvatar, "me.png"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	if _, _, err := files.Open(models.FileTypeAvatar, "me.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %q: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files in %q, found %d", dir, len(entries))
	}
}
