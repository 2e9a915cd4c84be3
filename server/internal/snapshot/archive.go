// Package snapshot archives sandbox output trees and keeps the archives in
// blob storage.
//
// An archive is a tar stream compressed with zstd. Entries are stored
// relative to the directory that was archived, so extracting into a fresh
// sandbox reproduces the same layout.
package snapshot

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
)

// Extension is appended to archive storage paths.
const Extension = ".tar.zst"

// WriteTar writes the tree under dir as a tar stream. Entry names are
// prefixed with prefix (which may be empty). Symlinks are stored as links,
// not followed.
func WriteTar(w io.Writer, dir, prefix string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))
		if name == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", dir, err)
	}
	return tw.Close()
}

// ExtractTar unpacks a tar stream into dest. Entry names and link targets
// are confined to dest.
func ExtractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		name := strings.TrimPrefix(filepath.ToSlash(hdr.Name), "./")
		if name == "" || name == "." {
			continue
		}
		target, err := securejoin.SecureJoin(dest, name)
		if err != nil {
			return fmt.Errorf("invalid archive entry %q: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(tr, target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), hdr.Linkname)) {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func writeFile(r io.Reader, path string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Compress copies a tar stream into w as zstd.
func Compress(w io.Writer, tarStream io.Reader) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, tarStream); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress archive: %w", err)
	}
	return enc.Close()
}

// Decompress returns the tar stream inside a zstd archive.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return dec.IOReadCloser(), nil
}

// Pack archives dir into w: tar, then zstd.
func Pack(w io.Writer, dir string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteTar(pw, dir, ""))
	}()
	err := Compress(w, pr)
	pr.CloseWithError(err)
	return err
}

// Unpack extracts a zstd-compressed tar archive into dest.
func Unpack(r io.Reader, dest string) error {
	tr, err := Decompress(r)
	if err != nil {
		return err
	}
	defer tr.Close()
	return ExtractTar(tr, dest)
}
