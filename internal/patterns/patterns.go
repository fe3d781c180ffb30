// Package patterns loads the shared pattern-list format policy rules
// reference: one glob or substring pattern per line, '#' starts a comment.
// A loaded set is read-only.
package patterns

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// Set is an immutable collection of match patterns.
type Set struct {
	globs   []string
	substrs []string
}

// Load reads a pattern list file.
func Load(file string) (*Set, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open pattern list: %w", err)
	}
	defer f.Close()

	set := &Set{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set.add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pattern list: %w", err)
	}
	return set, nil
}

// FromPatterns builds a set from in-memory patterns.
func FromPatterns(lines []string) *Set {
	set := &Set{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		set.add(line)
	}
	return set
}

func (s *Set) add(pattern string) {
	if strings.ContainsAny(pattern, "*?[") {
		s.globs = append(s.globs, pattern)
		return
	}
	s.substrs = append(s.substrs, strings.ToLower(pattern))
}

// Len returns the number of loaded patterns.
func (s *Set) Len() int {
	return len(s.globs) + len(s.substrs)
}

// Match reports whether the subject matches any pattern. Globs match the
// whole subject; plain patterns match as case-insensitive substrings.
func (s *Set) Match(subject string) bool {
	if s == nil {
		return false
	}
	lower := strings.ToLower(subject)
	for _, sub := range s.substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	for _, glob := range s.globs {
		if ok, err := path.Match(glob, subject); err == nil && ok {
			return true
		}
	}
	return false
}
