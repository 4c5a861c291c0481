// Package skiplist loads the manifest of test262 files that are excluded from
// every run.
package skiplist

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrManifest is wrapped by every error caused by a missing or malformed manifest.
var ErrManifest = errors.New("invalid skip-list manifest")

// Group is one named entry of the manifest. The upstream manifest is JSON, which
// yaml.v3 decodes as well.
type Group struct {
	Reason string   `yaml:"reason,omitempty"`
	Files  []string `yaml:"files"`
}

// Set is a read-only set of corpus-relative test paths.
type Set struct {
	paths map[string]struct{}
}

// New builds a set from the given paths.
func New(paths ...string) *Set {
	s := &Set{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		s.add(p)
	}
	return s
}

// Load reads and flattens the manifest at path. Either the whole manifest is
// loaded or an error wrapping ErrManifest is returned.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %w", ErrManifest, path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes manifest content.
func Parse(data []byte) (*Set, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: manifest is empty", ErrManifest)
	}

	var groups []Group
	if err := yaml.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	s := New()
	for _, g := range groups {
		for _, f := range g.Files {
			s.add(f)
		}
	}
	return s, nil
}

func (s *Set) add(p string) {
	p = strings.TrimSpace(p)
	if p == "" {
		return
	}
	s.paths[p] = struct{}{}
}

// Contains reports whether the relative path is excluded. A nil set excludes nothing.
func (s *Set) Contains(p string) bool {
	if s == nil {
		return false
	}
	_, ok := s.paths[strings.TrimSpace(p)]
	return ok
}

// Len returns the number of excluded paths.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.paths)
}

// Paths returns the excluded paths in lexical order.
func (s *Set) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
