package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// BookOutput is the renderer's archive for one book.
type BookOutput struct {
	ConfigID string
	Archive  []byte
}

// Combine merges per-book archives into one. With exactly one book its files
// sit at the archive root; with more than one, each book's files go under a
// folder named by its config id. Consumers rely on this and nothing else to
// tell the layouts apart. It returns the archive and its file names in order.
func Combine(books []BookOutput) ([]byte, []string, error) {
	if len(books) == 0 {
		return nil, nil, fmt.Errorf("no books to combine")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	var names []string
	seen := make(map[string]bool)

	for _, book := range books {
		prefix := ""
		if len(books) > 1 {
			if book.ConfigID == "" {
				return nil, nil, fmt.Errorf("book without config id in a multi-book order")
			}
			prefix = book.ConfigID
		}

		zr, err := zip.NewReader(bytes.NewReader(book.Archive), int64(len(book.Archive)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open archive of book %s: %w", book.ConfigID, err)
		}

		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			name, err := entryName(prefix, f.Name)
			if err != nil {
				return nil, nil, fmt.Errorf("book %s: %w", book.ConfigID, err)
			}
			if seen[name] {
				return nil, nil, fmt.Errorf("duplicate archive entry %s", name)
			}
			seen[name] = true

			if err := copyEntry(zw, f, name); err != nil {
				return nil, nil, fmt.Errorf("book %s: %w", book.ConfigID, err)
			}
			names = append(names, name)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finish combined archive: %w", err)
	}
	return buf.Bytes(), names, nil
}

func entryName(prefix, name string) (string, error) {
	clean := path.Clean(strings.TrimLeft(strings.ReplaceAll(name, `\`, "/"), "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid archive entry %q", name)
	}
	if prefix == "" {
		return clean, nil
	}
	return path.Join(prefix, clean), nil
}

func copyEntry(zw *zip.Writer, f *zip.File, name string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   f.Method,
		Modified: f.Modified,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("failed to copy %s: %w", name, err)
	}
	return nil
}

// extract returns the named entry of an archive, matched on its base name.
func extract(archive []byte, base string) ([]byte, bool, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, false, err
	}
	for _, f := range zr.File {
		if path.Base(f.Name) != base || f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, false, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
	return nil, false, nil
}
