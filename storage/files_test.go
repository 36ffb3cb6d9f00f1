package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFilePayloadReopensPerRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")
	content := []byte("payload contents")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	payload, err := FilePayload(path)
	if err != nil {
		t.Fatalf("FilePayload returned error: %v", err)
	}
	if payload.Size() != int64(len(content)) {
		t.Fatalf("Size() = %d, want %d", payload.Size(), len(content))
	}

	for i := 0; i < 2; i++ {
		reader, err := payload.Open()
		if err != nil {
			t.Fatalf("Open %d returned error: %v", i, err)
		}
		got, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil || !bytes.Equal(got, content) {
			t.Fatalf("read %d mismatch: %q %v", i, got, err)
		}
	}
}

func TestFilePayloadRejectsDirectory(t *testing.T) {
	if _, err := FilePayload(t.TempDir()); err == nil {
		t.Fatal("directory should be rejected")
	}
}

func TestWritePayload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "downloads")

	path, err := WritePayload(dir, "photo.jpg", bytes.NewReader([]byte("image bytes")))
	if err != nil {
		t.Fatalf("WritePayload returned error: %v", err)
	}
	if filepath.Base(path) != "photo.jpg" {
		t.Fatalf("unexpected final name: %q", path)
	}

	got, err := os.ReadFile(path)
	if err != nil || string(got) != "image bytes" {
		t.Fatalf("stored content mismatch: %q %v", got, err)
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Fatal("temp file should be renamed away")
	}
}

func TestWritePayloadCollisionSafeNames(t *testing.T) {
	dir := t.TempDir()

	first, err := WritePayload(dir, "notes.txt", bytes.NewReader([]byte("one")))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	second, err := WritePayload(dir, "notes.txt", bytes.NewReader([]byte("two")))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}

	if first == second {
		t.Fatal("colliding names must not overwrite")
	}
	if filepath.Base(second) != "notes (1).txt" {
		t.Fatalf("unexpected collision name: %q", filepath.Base(second))
	}

	got, err := os.ReadFile(first)
	if err != nil || string(got) != "one" {
		t.Fatalf("original content clobbered: %q %v", got, err)
	}
}
