// Package logfile manages append-only log files written by sandbox
// processes.
package logfile

import (
	"fmt"
	"io"
	"os"
)

// Size limits applied by Truncate.
const (
	MaxSize  = 512 * 1024
	KeepSize = 16 * 1024
)

// Truncate shrinks the file at path to its last KeepSize bytes once it has
// grown past MaxSize. A missing file is not an error.
func Truncate(path string) error {
	return truncate(path, MaxSize, KeepSize)
}

func truncate(path string, maxSize, keepSize int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() <= maxSize {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file for truncation: %w", err)
	}
	if _, err := f.Seek(max(info.Size()-keepSize, 0), io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek in log file: %w", err)
	}
	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read log file tail: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recreate log file: %w", err)
	}
	defer out.Close()

	header := fmt.Sprintf("=== log truncated (was %d bytes, kept last %d) ===\n", info.Size(), len(tail))
	if _, err := out.WriteString(header); err != nil {
		return fmt.Errorf("write truncation header: %w", err)
	}
	if _, err := out.Write(tail); err != nil {
		return fmt.Errorf("write log tail: %w", err)
	}
	return nil
}

// Open truncates path if it is oversized and opens it for appending.
func Open(path string) (*os.File, error) {
	if err := Truncate(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
