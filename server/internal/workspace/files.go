// Package workspace holds the pieces of a sandbox's working tree that do not
// depend on where the sandbox runs: path confinement, directory listings and
// the generated agent instructions.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var (
	// ErrOutsideRoot is returned for paths that climb above the root.
	ErrOutsideRoot = errors.New("path traversal not allowed")

	// ErrNotDirectory is returned when listing something that is not a directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory is returned when reading a directory as a file.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNotExist is returned when the path does not exist.
	ErrNotExist = errors.New("path does not exist")
)

// Entry is one item in a directory listing. Path is relative to the listing
// root and always uses forward slashes.
type Entry struct {
	Name    string     `json:"name"`
	Path    string     `json:"path"`
	IsDir   bool       `json:"is_directory"`
	Size    *int64     `json:"size_bytes,omitempty"`
	ModTime *time.Time `json:"modified_at,omitempty"`
}

// SortEntries orders directories before files, then by case-insensitive name.
func SortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if a.IsDir != b.IsDir {
			if a.IsDir {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
}

// CleanRelative normalises a caller-supplied path to a slash-separated path
// relative to the root. Leading slashes are dropped. The empty path and "/"
// become ".".
func CleanRelative(p string) (string, error) {
	p = strings.TrimLeft(filepath.ToSlash(p), "/")
	if p == "" {
		return ".", nil
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return cleaned, nil
}

// Resolve joins rel onto root. Symlinks are evaluated as if root were the
// filesystem root, so a link cannot lead out of it.
func Resolve(root, rel string) (string, error) {
	cleaned, err := CleanRelative(rel)
	if err != nil {
		return "", err
	}
	full, err := securejoin.SecureJoin(root, cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	return full, nil
}

// ListDir lists the directory at rel under root.
func ListDir(root, rel string) ([]Entry, error) {
	cleaned, err := CleanRelative(rel)
	if err != nil {
		return nil, err
	}
	dir, err := Resolve(root, cleaned)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, statError(rel, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, rel)
	}

	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", rel, err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		fi, err := item.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entry := Entry{
			Name:  item.Name(),
			Path:  path.Join(cleaned, item.Name()),
			IsDir: fi.IsDir(),
		}
		if !entry.IsDir {
			size := fi.Size()
			entry.Size = &size
		}
		mod := fi.ModTime().UTC()
		entry.ModTime = &mod
		entries = append(entries, entry)
	}
	SortEntries(entries)
	return entries, nil
}

// ReadFile reads the regular file at rel under root.
func ReadFile(root, rel string) ([]byte, error) {
	file, err := Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return nil, statError(rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

func statError(rel string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotExist, rel)
	}
	return fmt.Errorf("failed to stat %s: %w", rel, err)
}
