package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/facette/natsort"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
	".bmp":  {},
}

// IsImageFile checks if a file has a supported image extension.
func IsImageFile(path string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ListFiles returns the absolute paths of all regular files directly under
// dir, in natural sort order so that "2.jpg" precedes "10.jpg".
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, abs)
	}
	natsort.Sort(files)
	return files, nil
}

// Mkdir creates dir and its parents; it does not fail if dir already exists.
func Mkdir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// ClearDir removes everything under dir by deleting and re-creating it.
func ClearDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return Mkdir(dir)
}

// Remove deletes the file at path; it does not fail if the file is missing.
func Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// LinkOrCopy hard-links src to dst, falling back to a copy on filesystems
// that do not support hard links.
func LinkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return CopyFile(src, dst)
}
