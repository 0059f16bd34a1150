// Package fileutil holds the file operations shared by the data file and the
// params ledger: line-preserving copies and atomic replacement.
package fileutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePermissions is the mode of files created by the acquisition pipeline.
const FilePermissions = 0o644

// SamePath reports whether a and b name the same file.
func SamePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}

	ai, errA := os.Stat(a)
	bi, errB := os.Stat(b)

	return errA == nil && errB == nil && os.SameFile(ai, bi)
}

// WriteAtomic writes path through a temporary sibling file that is synced and
// renamed over path, so readers see either the old or the new content.
func WriteAtomic(path string, write func(w io.Writer) error) (err error) {
	path = filepath.Clean(path)

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buffered := bufio.NewWriter(tmp)

	if err = write(buffered); err != nil {
		return err
	}

	if err = buffered.Flush(); err != nil {
		return fmt.Errorf("flush temp file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Chmod(tmp.Name(), FilePermissions); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	return nil
}

// CopyLines copies src to dst line by line, byte for byte, through WriteAtomic.
// dst is replaced only after the whole copy succeeded; src is never modified.
func CopyLines(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	defer func() {
		_ = in.Close()
	}()

	return WriteAtomic(dst, func(w io.Writer) error {
		return copyLines(w, bufio.NewReader(in))
	})
}

// copyLines streams r to w one line at a time.
func copyLines(w io.Writer, r *bufio.Reader) error {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return fmt.Errorf("write line: %w", werr)
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read line: %w", err)
		}
	}
}

// CountLines returns the number of lines in path. A final line without a
// newline counts. A missing file has zero lines.
func CountLines(path string) (int, error) {
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = f.Close()
	}()

	var (
		r     = bufio.NewReader(f)
		lines int
	)

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lines++
		}

		if errors.Is(err, io.EOF) {
			return lines, nil
		}

		if err != nil {
			return lines, fmt.Errorf("read %s: %w", path, err)
		}
	}
}

// RemoveIfExists deletes path, ignoring a missing file.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return nil
}
