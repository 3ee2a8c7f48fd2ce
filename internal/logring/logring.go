// Package logring keeps a bounded tail of output lines per key, persisted to
// one text file per key and mirrored in memory for observers.
package logring

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMaxLines is the number of lines retained per key.
const DefaultMaxLines = 50

// PathFunc maps a key to the file holding its lines.
type PathFunc[K comparable] func(K) string

// Store is a set of line rings keyed by K. A Store is safe for concurrent use.
type Store[K comparable] struct {
	path     PathFunc[K]
	maxLines int

	mu       sync.Mutex
	mem      map[K][]string
	onChange []func(K, []string)
}

// New returns a store that persists the ring for key k at path(k). A
// non-positive maxLines selects DefaultMaxLines.
func New[K comparable](path PathFunc[K], maxLines int) *Store[K] {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Store[K]{
		path:     path,
		maxLines: maxLines,
		mem:      make(map[K][]string),
	}
}

// OnChange registers fn to be called with a copy of the lines after every
// Append or Clear. Callbacks run synchronously on the mutating goroutine.
func (s *Store[K]) OnChange(fn func(K, []string)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Append adds line to the ring of k, dropping the oldest lines beyond the
// limit, and rewrites the backing file. Trailing newlines are stripped.
func (s *Store[K]) Append(k K, line string) error {
	line = strings.TrimRight(line, "\r\n")

	s.mu.Lock()
	lines, ok := s.mem[k]
	if !ok {
		lines = s.readFile(k)
	}
	lines = append(lines, line)
	if n := len(lines) - s.maxLines; n > 0 {
		lines = append([]string(nil), lines[n:]...)
	}
	s.mem[k] = lines
	err := s.writeFile(k, lines)
	snapshot := append([]string(nil), lines...)
	handlers := s.onChange
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(k, snapshot)
	}
	return err
}

// Get returns the retained lines for k, oldest first. The in-memory mirror is
// consulted first; on a miss the file is read and the mirror seeded.
func (s *Store[K]) Get(k K) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, ok := s.mem[k]
	if !ok {
		lines = s.readFile(k)
		s.mem[k] = lines
	}
	return append([]string(nil), lines...)
}

// Text returns the lines for k joined by newlines.
func (s *Store[K]) Text(k K) string {
	return strings.Join(s.Get(k), "\n")
}

// Clear deletes the backing file of k and resets its mirror to empty. The
// next Append starts a fresh sequence.
func (s *Store[K]) Clear(k K) error {
	s.mu.Lock()
	s.mem[k] = []string{}
	err := os.Remove(s.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	handlers := s.onChange
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(k, []string{})
	}
	if err != nil {
		return fmt.Errorf("logring: clear: %w", err)
	}
	return nil
}

// Snapshot returns a copy of every key currently mirrored in memory.
func (s *Store[K]) Snapshot() map[K][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[K][]string, len(s.mem))
	for k, v := range s.mem {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// readFile returns the last maxLines lines of the file for k. Missing or
// unreadable files yield an empty ring. Callers hold s.mu.
func (s *Store[K]) readFile(k K) []string {
	f, err := os.Open(s.path(k))
	if err != nil {
		return []string{}
	}
	defer f.Close() //nolint:errcheck // read-only

	lines := make([]string, 0, s.maxLines)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > s.maxLines {
			lines = lines[1:]
		}
	}
	return append([]string(nil), lines...)
}

// writeFile replaces the file for k with lines. Callers hold s.mu.
func (s *Store[K]) writeFile(k K, lines []string) error {
	p := s.path(k)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("logring: create dir: %w", err)
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("logring: write: %w", err)
	}
	return nil
}
