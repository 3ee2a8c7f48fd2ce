// Package pathutil validates the file names and patterns that address task
// configuration and log files.
package pathutil

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ---------------------------------------------------------------------------
// File Names
// ---------------------------------------------------------------------------

// ValidFileName reports an error unless name is a plain file name: non-empty,
// free of null bytes and path separators, and not a dot entry. Names are
// joined onto a fixed directory, so anything else could escape it.
func ValidFileName(name string) error {
	switch {
	case name == "":
		return errors.New("file name must not be empty")
	case ContainsNullByte(name):
		return fmt.Errorf("file name %q must not contain null bytes", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("file name %q must not contain path separators", name)
	case name == "." || name == "..":
		return fmt.Errorf("file name %q is not allowed", name)
	}
	return nil
}

// ReplaceExt replaces every occurrence of from in name with to. If name does
// not contain from, to is appended.
func ReplaceExt(name, from, to string) string {
	if !strings.Contains(name, from) {
		return name + to
	}
	return strings.ReplaceAll(name, from, to)
}

// ---------------------------------------------------------------------------
// Patterns
// ---------------------------------------------------------------------------

// ValidPattern reports whether pattern is a well-formed path.Match pattern.
func ValidPattern(pattern string) error {
	if pattern == "" {
		return errors.New("pattern must not be empty")
	}
	if ContainsNullByte(pattern) {
		return fmt.Errorf("pattern %q must not contain null bytes", pattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return nil
}

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
