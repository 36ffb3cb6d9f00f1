package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"landrop/transfer"
)

type filePayload struct {
	path string
	size int64
}

// FilePayload wraps a file on disk as a transfer payload source. The file is
// re-opened on each read so queued transfers hold no descriptor.
func FilePayload(path string) (transfer.Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat payload file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("payload path %q is a directory", path)
	}
	return filePayload{path: path, size: info.Size()}, nil
}

func (p filePayload) Open() (io.ReadCloser, error) {
	file, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open payload file: %w", err)
	}
	return file, nil
}

func (p filePayload) Size() int64 {
	return p.size
}

// WritePayload streams a received payload to the downloads directory under a
// collision-safe name and returns the final path.
func WritePayload(dir, name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create downloads directory: %w", err)
	}

	finalPath := uniquePath(dir, name)
	tempPath := finalPath + ".part"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create payload file: %w", err)
	}

	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("close payload file: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize payload file: %w", err)
	}
	return finalPath, nil
}

func uniquePath(dir, name string) string {
	base := filepath.Base(name)
	if base == "" || base == "." {
		base = "file.bin"
	}

	candidate := filepath.Join(dir, base)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
