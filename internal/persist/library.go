package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Library moves recordings into a media library directory
type Library struct {
	dir string
}

// NewLibrary creates the library directory if needed
func NewLibrary(dir string) (*Library, error) {
	if dir == "" {
		return nil, fmt.Errorf("library directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create library directory: %w", err)
	}
	return &Library{dir: dir}, nil
}

// Dir returns the library directory
func (l *Library) Dir() string {
	return l.dir
}

// Persist moves path into the library, keeping its file name
func (l *Library) Persist(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := filepath.Join(l.dir, filepath.Base(path))

	// Link and O_EXCL both fail if dest exists, so a concurrent writer is never overwritten
	err := os.Link(path, dest)
	if err == nil {
		err = os.Remove(path)
	} else if !errors.Is(err, fs.ErrExist) {
		// Library lives on another filesystem, or links are unsupported there
		err = moveByCopy(path, dest)
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("library already contains %s", filepath.Base(path))
	}
	if err != nil {
		return fmt.Errorf("failed to move recording to library: %w", err)
	}

	slog.Info("Saved recording to library", "path", dest)
	return nil
}

func moveByCopy(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return os.Remove(src)
}
