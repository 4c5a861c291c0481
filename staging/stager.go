// Package staging materializes a selection of corpus tests into an edition
// tree and mirrors the runner's output layout.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/conformance/skiplist"
)

// DefaultThreads is the worker count used when none is configured.
const DefaultThreads = 8

// CopyError names the test path that could not be staged.
type CopyError struct {
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("failed to stage %s: %v", e.Path, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// Report counts what a Stage call did.
type Report struct {
	Selected int
	Copied   int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Config holds the source and destination roots of a staging run.
type Config struct {
	SourceDir string
	DestDir   string
	Skip      *skiplist.Set
	Threads   int
	Log       log.Logger
}

// Stager copies selected tests from SourceDir to DestDir in parallel.
type Stager struct {
	cfg Config
	log log.Logger
}

// New creates a Stager.
func New(cfg Config) (*Stager, error) {
	if cfg.SourceDir == "" || cfg.DestDir == "" {
		return nil, errors.New("source and destination directories are required")
	}
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Stager{cfg: cfg, log: cfg.Log.New("component", "stager")}, nil
}

// Stage copies every path that is not in the skip set. Destination
// directories are created for skipped paths too. Failures are collected per
// path and returned together once every worker has finished; files copied
// before a failure stay in place.
func (s *Stager) Stage(ctx context.Context, paths []string) (Report, error) {
	start := time.Now()
	var copied, skipped, failed atomic.Int64

	p := pool.New().
		WithErrors().
		WithContext(ctx).
		WithMaxGoroutines(s.cfg.Threads)
	for _, rel := range paths {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				failed.Add(1)
				return &CopyError{Path: rel, Err: err}
			}
			didCopy, err := s.stageOne(rel)
			switch {
			case err != nil:
				failed.Add(1)
				return &CopyError{Path: rel, Err: err}
			case didCopy:
				copied.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	err := p.Wait()

	report := Report{
		Selected: len(paths),
		Copied:   int(copied.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	s.log.Info("Staged tests", "dest", s.cfg.DestDir, "selected", report.Selected,
		"copied", report.Copied, "skipped", report.Skipped, "failed", report.Failed,
		"threads", s.cfg.Threads, "duration", report.Duration)
	return report, err
}

func (s *Stager) stageOne(rel string) (bool, error) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return false, errors.New("path escapes the corpus root")
	}
	dst := filepath.Join(s.cfg.DestDir, local)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}
	if s.cfg.Skip.Contains(rel) {
		s.log.Debug("Skipping test", "path", rel)
		return false, nil
	}
	return true, copyFile(filepath.Join(s.cfg.SourceDir, local), dst)
}

// copyFile writes src to a temporary file next to dst and renames it into
// place, so dst is either absent, the previous copy, or complete.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Mirror creates, under outRoot, the directory of every file relative to
// srcRoot. The skip set is not consulted.
func Mirror(files []string, srcRoot, outRoot string) error {
	absRoot, err := filepath.Abs(srcRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", srcRoot, err)
	}
	created := make(map[string]struct{})
	for _, f := range files {
		absFile, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", f, err)
		}
		rel, err := filepath.Rel(absRoot, absFile)
		if err != nil || !filepath.IsLocal(rel) {
			return fmt.Errorf("%s is not under %s", f, srcRoot)
		}
		dir := filepath.Join(outRoot, filepath.Dir(rel))
		if _, ok := created[dir]; ok {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
		created[dir] = struct{}{}
	}
	return nil
}

// Reset removes staging and output roots left by a previous run.
func Reset(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("failed to remove %s: %w", d, err)
		}
	}
	return nil
}
