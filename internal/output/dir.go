// Package output manages the directories extracted frames are written to.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/framesnap/framesnap/internal/failure"
)

const maxDirNameLen = 120

// SanitizeName maps s to a name safe on every supported filesystem. Control
// characters are dropped and anything outside letters, digits and a few
// punctuation marks becomes '_'.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.Trim(strings.TrimSpace(b.String()), ".")
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// DefaultDir returns ./{video basename} with the extension removed and the
// name sanitized.
func DefaultDir(videoPath string) string {
	base := filepath.Base(videoPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	name := SanitizeName(base, maxDirNameLen)
	if name == "" {
		name = "frames"
	}
	return filepath.Join(".", name)
}

// Prepare creates dir if needed and verifies a file can be created in it.
func Prepare(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("%w: empty path", failure.ErrOutputDirUnwritable)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", failure.ErrOutputDirUnwritable, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", failure.ErrOutputDirUnwritable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", failure.ErrOutputDirUnwritable, dir)
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", failure.ErrOutputDirUnwritable, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// ValidateDir checks a caller-supplied directory for the HTTP API: it must be
// clean, free of traversal and an existing directory.
func ValidateDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("dir is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("dir cannot contain path traversal")
		}
	}

	if filepath.Clean(dir) != dir {
		return fmt.Errorf("dir must be a clean path")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: dir does not exist", failure.ErrNotFound)
		}
		return fmt.Errorf("invalid dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("dir is not a directory")
	}
	return nil
}
