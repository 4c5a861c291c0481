// Package selector decides which corpus tests a run stages.
package selector

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/conformance/skiplist"
	"github.com/ethereum-optimism/infra/conformance/types"
)

// ErrNotFound is wrapped by a SelectionError when a path does not exist.
var ErrNotFound = errors.New("not found")

// SelectionError names the list file or test path a selection failed on.
type SelectionError struct {
	Path string
	Err  error
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("selection failed for %s: %v", e.Path, e.Err)
}

func (e *SelectionError) Unwrap() error {
	return e.Err
}

// Selection is an ordered list of test paths, slash-separated and relative to
// Root. Paths in the skip set stay in the selection.
type Selection struct {
	Root  string
	Paths []string
}

// Len returns the number of selected paths.
func (s Selection) Len() int {
	return len(s.Paths)
}

// Config holds the corpus test root and the static list files.
type Config struct {
	TestDir    string
	ES5List    string
	ES2015List string
	CIList     string
	Log        log.Logger
}

// Selector builds selections from the static lists and marker scans.
type Selector struct {
	cfg Config
	log log.Logger
}

// New creates a Selector.
func New(cfg Config) *Selector {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Selector{cfg: cfg, log: cfg.Log.New("component", "selector")}
}

// Select returns the tests for mode. Modes that run the whole corpus in place
// yield an empty selection.
func (s *Selector) Select(mode types.SelectionMode, scope types.ES2015Scope) (Selection, error) {
	sel := Selection{Root: s.cfg.TestDir}
	var (
		paths []string
		err   error
	)
	switch mode {
	case types.ModeES51:
		paths, err = ReadList(s.cfg.ES5List)
	case types.ModeCI:
		paths, err = ReadList(s.cfg.CIList)
	case types.ModeES2015:
		paths, err = s.es2015(scope)
	case types.ModeDefault, types.ModeESNext:
		return sel, nil
	default:
		return sel, fmt.Errorf("unknown selection mode %q", mode)
	}
	if err != nil {
		return sel, err
	}
	sel.Paths = dedup(paths)
	s.log.Info("Selected tests", "mode", mode, "scope", scope, "count", len(sel.Paths))
	return sel, nil
}

func (s *Selector) es2015(scope types.ES2015Scope) ([]string, error) {
	scanned, err := Scan(s.cfg.TestDir, types.ModeES2015.Marker())
	if err != nil {
		return nil, err
	}
	s.log.Debug("Scanned corpus for marker", "marker", types.ModeES2015.Marker(), "matches", len(scanned))

	listed, err := ReadList(s.cfg.ES2015List)
	if err != nil {
		return nil, err
	}
	paths := append(scanned, listed...)
	if scope == types.ScopeOnly {
		return paths, nil
	}

	es5, err := ReadList(s.cfg.ES5List)
	if err != nil {
		return nil, err
	}
	return append(paths, es5...), nil
}

// Verify checks that every selected path outside the skip set exists under the
// selection root.
func (s *Selector) Verify(sel Selection, skip *skiplist.Set) error {
	for _, p := range sel.Paths {
		if skip.Contains(p) {
			continue
		}
		full := filepath.Join(sel.Root, filepath.FromSlash(p))
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				return &SelectionError{Path: p, Err: ErrNotFound}
			}
			return &SelectionError{Path: p, Err: err}
		}
		if info.IsDir() {
			return &SelectionError{Path: p, Err: errors.New("is a directory")}
		}
	}
	return nil
}

// ReadList reads a newline-delimited list of test paths. Lines are trimmed and
// blank lines dropped.
func ReadList(file string) ([]string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &SelectionError{Path: file, Err: ErrNotFound}
		}
		return nil, &SelectionError{Path: file, Err: err}
	}

	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, &SelectionError{Path: file, Err: err}
	}
	return paths, nil
}

// Scan walks root and returns the slash-separated relative path of every test
// file whose content contains marker, in walk order.
func Scan(root, marker string) ([]string, error) {
	var paths []string
	err := walkTests(root, func(p string, rel string) error {
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if bytes.Contains(content, []byte(marker)) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, &SelectionError{Path: root, Err: err}
	}
	return paths, nil
}

// Collect returns the test files an explicit --file or --dir names: the file
// itself, or every test file below the directory.
func Collect(target string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &SelectionError{Path: target, Err: ErrNotFound}
		}
		return nil, &SelectionError{Path: target, Err: err}
	}
	if !info.IsDir() {
		return []string{target}, nil
	}

	var files []string
	err = walkTests(target, func(p string, _ string) error {
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, &SelectionError{Path: target, Err: err}
	}
	return files, nil
}

// IsTestFile reports whether name looks like a runnable test.
func IsTestFile(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".js")
}

func walkTests(root string, fn func(p string, rel string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !IsTestFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return fn(p, path.Clean(filepath.ToSlash(rel)))
	})
}

func dedup(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
