// Package corpus keeps the test262 corpus and its harness repositories checked
// out at pinned revisions.
package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/ethereum-optimism/infra/conformance/metrics"
	"github.com/ethereum-optimism/infra/conformance/shell"
	"github.com/ethereum-optimism/infra/conformance/types"
)

// Repo is an external repository pinned at a revision.
type Repo struct {
	Name         string
	Dir          string
	URL          string
	Hash         string
	Patch        string   // applied after the first checkout and on every replug, optional
	StaleFiles   []string // generated files removed before a replug, relative to Dir
	NeedsInstall bool     // run npm install after sync
}

// Cloned reports whether the repository already has a local working copy.
func (r Repo) Cloned() bool {
	info, err := os.Stat(filepath.Join(r.Dir, ".git"))
	return err == nil && info.IsDir()
}

// CommandError is returned when a git or npm command fails.
type CommandError struct {
	Command  string
	Dir      string
	Status   shell.Status
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q in %s failed (%s, exit code %d)", e.Command, e.Dir, e.Status, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Config holds what a Synchronizer needs.
type Config struct {
	Repos     []Repo
	GitBinary string
	NpmBinary string
	Shell     shell.Runner
	Log       log.Logger
}

// Synchronizer clones, pins, patches and resets the repositories.
type Synchronizer struct {
	repos []Repo
	git   string
	npm   string
	sh    shell.Runner
	log   log.Logger
}

// New creates a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Shell == nil {
		return nil, errors.New("shell runner is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.GitBinary == "" {
		cfg.GitBinary = "git"
	}
	if cfg.NpmBinary == "" {
		cfg.NpmBinary = "npm"
	}
	seen := make(map[string]bool)
	for _, r := range cfg.Repos {
		if r.Name == "" || r.Dir == "" {
			return nil, errors.Errorf("repository %q needs a name and a directory", r.Name)
		}
		if seen[r.Name] {
			return nil, errors.Errorf("duplicate repository %q", r.Name)
		}
		seen[r.Name] = true
	}
	return &Synchronizer{
		repos: cfg.Repos,
		git:   cfg.GitBinary,
		npm:   cfg.NpmBinary,
		sh:    cfg.Shell,
		log:   cfg.Log.New("component", "corpus"),
	}, nil
}

// Repo looks up a repository by name.
func (s *Synchronizer) Repo(name string) (Repo, bool) {
	for _, r := range s.repos {
		if r.Name == name {
			return r, true
		}
	}
	return Repo{}, false
}

// Prepare makes sure every repository has a working copy. Missing ones are
// cloned, pinned and patched; existing ones are left untouched. Repositories
// that need node dependencies get an npm install either way.
func (s *Synchronizer) Prepare(ctx context.Context) error {
	for _, r := range s.repos {
		if r.Cloned() {
			s.log.Debug("Repository already present", "repo", r.Name, "dir", r.Dir)
		} else {
			if err := s.clone(ctx, r); err != nil {
				return err
			}
		}
		if r.NeedsInstall {
			if err := s.run(ctx, r.Name, r.Dir, s.npm, "install"); err != nil {
				return errors.Wrapf(err, "failed to install dependencies of %s", r.Name)
			}
		}
	}
	return nil
}

func (s *Synchronizer) clone(ctx context.Context, r Repo) error {
	s.log.Info("Cloning repository", "repo", r.Name, "url", r.URL, "hash", r.Hash)
	if r.URL == "" {
		return errors.Errorf("repository %s is missing and has no remote url", r.Name)
	}
	if err := os.MkdirAll(filepath.Dir(r.Dir), 0755); err != nil {
		return errors.Wrapf(err, "failed to create parent of %s", r.Dir)
	}
	if err := s.run(ctx, r.Name, "", s.git, "clone", r.URL, r.Dir); err != nil {
		return errors.Wrapf(err, "failed to clone %s", r.Name)
	}
	if err := s.Checkout(ctx, r, r.Hash); err != nil {
		return err
	}
	return s.applyPatch(ctx, r)
}

// Checkout pins the working tree of r to hash.
func (s *Synchronizer) Checkout(ctx context.Context, r Repo, hash string) error {
	if hash == "" {
		return errors.Errorf("no revision to check out for %s", r.Name)
	}
	if err := s.run(ctx, r.Name, r.Dir, s.git, "checkout", hash); err != nil {
		return errors.Wrapf(err, "failed to check out %s at %s", r.Name, hash)
	}
	return nil
}

// CleanReset discards every local modification and untracked file, then pins
// the working tree to hash. Ignored files such as node_modules survive.
func (s *Synchronizer) CleanReset(ctx context.Context, r Repo, hash string) error {
	s.log.Info("Resetting repository", "repo", r.Name, "hash", hash)
	if err := s.clean(ctx, r); err != nil {
		return err
	}
	return s.Checkout(ctx, r, hash)
}

func (s *Synchronizer) clean(ctx context.Context, r Repo) error {
	if err := s.run(ctx, r.Name, r.Dir, s.git, "checkout", "--", "."); err != nil {
		return errors.Wrapf(err, "failed to discard changes in %s", r.Name)
	}
	if err := s.run(ctx, r.Name, r.Dir, s.git, "clean", "-fd"); err != nil {
		return errors.Wrapf(err, "failed to clean %s", r.Name)
	}
	return nil
}

// Replug removes stale generated adapter files, cleans and re-applies the
// local patch of every patched repository.
func (s *Synchronizer) Replug(ctx context.Context) error {
	for _, r := range s.repos {
		if r.Patch == "" {
			continue
		}
		for _, f := range r.StaleFiles {
			p := filepath.Join(r.Dir, f)
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "failed to remove stale file %s", p)
			}
		}
		if err := s.clean(ctx, r); err != nil {
			return err
		}
		if err := s.applyPatch(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) applyPatch(ctx context.Context, r Repo) error {
	if r.Patch == "" {
		return nil
	}
	patch, err := filepath.Abs(r.Patch)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve patch %s", r.Patch)
	}
	if err := s.run(ctx, r.Name, r.Dir, s.git, "apply", patch); err != nil {
		return errors.Wrapf(err, "failed to apply %s to %s", filepath.Base(patch), r.Name)
	}
	return nil
}

// InstallFrontend installs the node dependencies of the ts2panda front-end.
// The package.json is looked up next to the tool's build directory.
func (s *Synchronizer) InstallFrontend(ctx context.Context, frontend, tool string) error {
	if frontend != types.FrontendTS2Panda || tool == "" {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(tool)
	if err != nil {
		resolved = tool
	}
	buildDir := filepath.Join(filepath.Dir(resolved), "..")
	for _, dir := range []string{buildDir, filepath.Join(buildDir, "..")} {
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
			if err := s.run(ctx, "frontend", dir, s.npm, "install"); err != nil {
				return errors.Wrap(err, "failed to install front-end dependencies")
			}
			return nil
		}
	}
	s.log.Warn("No package.json found for front-end, skipping npm install", "tool", tool)
	return nil
}

// Revision returns the commit currently checked out in r.
func (s *Synchronizer) Revision(ctx context.Context, r Repo) (string, error) {
	res, err := s.output(ctx, r, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res), nil
}

// Dirty reports whether r has local modifications or untracked files.
func (s *Synchronizer) Dirty(ctx context.Context, r Repo) (bool, error) {
	res, err := s.output(ctx, r, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res) != "", nil
}

func (s *Synchronizer) output(ctx context.Context, r Repo, args ...string) (string, error) {
	c := shell.Command{Name: s.git, Args: args, Dir: r.Dir}
	res, err := s.sh.Run(ctx, c)
	if err != nil {
		return "", errors.Wrapf(err, "failed to run %s", c)
	}
	if !res.Success() {
		return "", commandError(c, res)
	}
	return string(res.Stdout), nil
}

func (s *Synchronizer) run(ctx context.Context, repo, dir, name string, args ...string) error {
	c := shell.Command{Name: name, Args: args, Dir: dir}
	s.log.Info("Running command", "repo", repo, "cmd", c.String(), "dir", dir)
	res, err := s.sh.Run(ctx, c)
	if err != nil {
		metrics.RecordSyncCommand(repo, name, false)
		return errors.Wrapf(err, "failed to run %s", c)
	}
	metrics.RecordSyncCommand(repo, name, res.Success())
	if !res.Success() {
		return commandError(c, res)
	}
	return nil
}

func commandError(c shell.Command, res *shell.Result) *CommandError {
	return &CommandError{
		Command:  c.String(),
		Dir:      c.Dir,
		Status:   res.Status,
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(stripansi.Strip(string(res.Stderr))),
	}
}
