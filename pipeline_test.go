package conformance

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/conformance/invoker"
	"github.com/ethereum-optimism/infra/conformance/selector"
	"github.com/ethereum-optimism/infra/conformance/shell"
	"github.com/ethereum-optimism/infra/conformance/skiplist"
	"github.com/ethereum-optimism/infra/conformance/types"
)

// fakeRunner records every command and answers with respond, or success.
type fakeRunner struct {
	mu       sync.Mutex
	commands []shell.Command
	respond  func(shell.Command) *shell.Result
}

func (f *fakeRunner) Run(_ context.Context, c shell.Command) (*shell.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, c)
	f.mu.Unlock()
	if f.respond != nil {
		if res := f.respond(c); res != nil {
			return res, nil
		}
	}
	return &shell.Result{Command: c.String(), Status: shell.StatusSuccess}, nil
}

func (f *fakeRunner) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	for i, c := range f.commands {
		out[i] = c.String()
	}
	return out
}

func (f *fakeRunner) last() shell.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[len(f.commands)-1]
}

type fixture struct {
	root string
	defs Defaults
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// newFixture lays out a corpus with four tests, an es5 list naming three of
// them and a skip list excluding one.
func newFixture(t *testing.T) *fixture {
	root := t.TempDir()
	defs := DefaultDefaults(root)
	defs.DataDir = filepath.Join(root, "test262", "data")
	defs.HarnessDir = filepath.Join(root, "test262", "harness")
	defs.ESHostDir = filepath.Join(root, "test262", "eshost")
	defs.BaseOutDir = filepath.Join(root, "out", "test262")
	defs.ES5List = filepath.Join(root, "test262", "es5_tests.txt")
	defs.ES2015List = filepath.Join(root, "test262", "es2015_tests.txt")
	defs.CIList = filepath.Join(root, "test262", "CI_tests.txt")
	defs.SkipList = filepath.Join(root, "test262", "skip_tests.json")
	defs.ESHostPatch = filepath.Join(root, "test262", "eshost.patch")
	defs.HarnessPatch = filepath.Join(root, "test262", "harness.patch")
	defs.RunnerScript = filepath.Join(defs.HarnessDir, "bin", "run.js")

	corpusDir := filepath.Join(defs.DataDir, TestDirName)
	writeFile(t, filepath.Join(corpusDir, "built-ins", "Array", "a.js"), "// es5id: 15.4\n")
	writeFile(t, filepath.Join(corpusDir, "built-ins", "Array", "b.js"), "// es5id: 15.4.1\n")
	writeFile(t, filepath.Join(corpusDir, "built-ins", "Map", "c.js"), "// es6id: 23.1\n")
	writeFile(t, filepath.Join(corpusDir, "language", "d.js"), "// es5id: 7.1\n")

	writeFile(t, defs.ES5List, "built-ins/Array/a.js\nbuilt-ins/Array/b.js\n\n  language/d.js  \n")
	writeFile(t, defs.ES2015List, "built-ins/Array/a.js\n")
	writeFile(t, defs.CIList, "language/d.js\n")
	writeFile(t, defs.SkipList, `[{"reason": "flaky", "files": ["built-ins/Array/b.js"]}]`)

	return &fixture{root: root, defs: defs}
}

func (f *fixture) config(t *testing.T, opts Options) *Config {
	t.Helper()
	cfg, err := Resolve(opts, f.defs)
	require.NoError(t, err)
	cfg.Log = log.NewLogger(log.DiscardHandler())
	return &cfg
}

func (f *fixture) pipeline(t *testing.T, cfg *Config, runner shell.Runner) (*pipeline, *bytes.Buffer) {
	t.Helper()
	p, err := newPipeline(cfg, "test", runner, nil)
	require.NoError(t, err)
	var stdout bytes.Buffer
	p.stdout = &stdout
	p.stderr = &bytes.Buffer{}
	return p, &stdout
}

func TestRunES51(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{ES51: true, SkipSync: true})

	// leftovers of a previous run are removed
	writeFile(t, filepath.Join(cfg.ES51Dir, "old", "stale.js"), "")
	writeFile(t, filepath.Join(cfg.BaseOutDir, "stale.txt"), "")

	runner := &fakeRunner{}
	p, stdout := f.pipeline(t, cfg, runner)

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.ModeES51, result.Mode)
	assert.Equal(t, 3, result.Selected)
	assert.Equal(t, 2, result.Staging.Copied)
	assert.Equal(t, 1, result.Staging.Skipped)
	assert.Equal(t, 0, result.Staging.Failed)
	assert.NotNil(t, result.Runner)
	assert.Contains(t, stdout.String(), p.runID)

	assert.FileExists(t, filepath.Join(cfg.ES51Dir, "built-ins", "Array", "a.js"))
	assert.FileExists(t, filepath.Join(cfg.ES51Dir, "language", "d.js"))
	assert.NoFileExists(t, filepath.Join(cfg.ES51Dir, "built-ins", "Array", "b.js"), "skipped test must not be staged")
	assert.NoFileExists(t, filepath.Join(cfg.ES51Dir, "built-ins", "Map", "c.js"))
	assert.NoDirExists(t, filepath.Join(cfg.ES51Dir, "old"))
	assert.NoFileExists(t, filepath.Join(cfg.BaseOutDir, "stale.txt"))

	assert.DirExists(t, filepath.Join(cfg.OutputDir, "built-ins", "Array"))
	assert.DirExists(t, filepath.Join(cfg.OutputDir, "language"))

	// with SkipSync the harness is the only command
	require.Len(t, runner.lines(), 1)
	cmd := runner.last()
	assert.Equal(t, "node", cmd.Name)
	require.NotEmpty(t, cmd.Args)
	assert.Equal(t, cfg.RunnerScript, cmd.Args[0])
	assert.Equal(t, filepath.Join(cfg.ES51Dir, "**", "*.js"), cmd.Args[len(cmd.Args)-1])
	assert.Contains(t, cmd.Args, "--threads=8")
	assert.Contains(t, cmd.Args, "--timeout=480000")
	assert.Contains(t, cmd.Args, "--mode=only strict mode")
}

func TestRunES2015All(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{ES2015: "all", SkipSync: true})
	p, _ := f.pipeline(t, cfg, &fakeRunner{})

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	// c.js from the scan, a.js from the es2015 list, b.js and d.js from the es5 list
	assert.Equal(t, 4, result.Selected)
	assert.Equal(t, 3, result.Staging.Copied)
	assert.Equal(t, 1, result.Staging.Skipped)
	assert.FileExists(t, filepath.Join(cfg.ES2015Dir, "built-ins", "Map", "c.js"))
	assert.FileExists(t, filepath.Join(cfg.ES2015Dir, "built-ins", "Array", "a.js"))
	assert.FileExists(t, filepath.Join(cfg.ES2015Dir, "language", "d.js"))
	assert.DirExists(t, filepath.Join(f.defs.BaseOutDir, ES2015DirName, "built-ins", "Map"))
}

func TestRunDefaultModeRunsCorpusInPlace(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{SkipSync: true})
	runner := &fakeRunner{}
	p, stdout := f.pipeline(t, cfg, runner)

	result, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Selected)
	assert.Empty(t, stdout.String(), "nothing is staged")
	assert.NoDirExists(t, cfg.ES51Dir)
	for _, dir := range []string{"built-ins/Array", "built-ins/Map", "language"} {
		assert.DirExists(t, filepath.Join(cfg.OutputDir, filepath.FromSlash(dir)))
	}
	cmd := runner.last()
	assert.Equal(t, filepath.Join(cfg.CorpusTestDir, "**", "*.js"), cmd.Args[len(cmd.Args)-1])
}

func TestRunSingleFile(t *testing.T) {
	f := newFixture(t)
	file := filepath.Join(f.defs.DataDir, TestDirName, "built-ins", "Map", "c.js")
	cfg := f.config(t, Options{File: file, SkipSync: true})
	runner := &fakeRunner{}
	p, _ := f.pipeline(t, cfg, runner)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(cfg.OutputDir, "built-ins", "Map"))
	assert.NoDirExists(t, filepath.Join(cfg.OutputDir, "language"))
	cmd := runner.last()
	assert.Equal(t, file, cmd.Args[len(cmd.Args)-1])
}

func TestRunSyncsRepositories(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{ESNext: true})
	runner := &fakeRunner{}
	p, _ := f.pipeline(t, cfg, runner)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	lines := runner.lines()
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "git clone "+cfg.Test262URL+" "+cfg.DataDir)
	assert.Contains(t, joined, "git clone "+cfg.ESHostURL+" "+cfg.ESHostDir)
	assert.Contains(t, joined, "git clone "+cfg.HarnessURL+" "+cfg.HarnessDir)
	assert.Contains(t, joined, "git apply "+cfg.ESHostPatch)
	assert.Contains(t, joined, "git apply "+cfg.HarnessPatch)
	assert.Contains(t, joined, "npm install")

	// the corpus is pinned, then moved to the esnext revision before the harness runs
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "git checkout "+cfg.ESNextHash, lines[len(lines)-2])
	assert.Equal(t, "node", runner.last().Name)
}

func TestRunHarnessExitCodePropagates(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{CIBuild: true, SkipSync: true})
	runner := &fakeRunner{respond: func(c shell.Command) *shell.Result {
		return &shell.Result{Command: c.String(), Status: shell.StatusExitError, ExitCode: 3, Stderr: []byte("3 tests failed\n")}
	}}
	p, _ := f.pipeline(t, cfg, runner)

	result, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, invoker.IsExitError(err))
	assert.False(t, IsRuntimeError(err))
	assert.Equal(t, 3, ExitCode(err))
	assert.Equal(t, 1, result.Staging.Copied)
	assert.NotNil(t, result.Runner)
}

func TestRunHarnessTimeout(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{SkipSync: true, RunDeadline: time.Minute})
	runner := &fakeRunner{respond: func(c shell.Command) *shell.Result {
		assert.Equal(t, time.Minute, c.Timeout)
		return &shell.Result{Command: c.String(), Status: shell.StatusTimeout, ExitCode: -1}
	}}
	p, _ := f.pipeline(t, cfg, runner)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, invoker.IsTimeoutError(err))
	assert.Equal(t, 2, ExitCode(err))
}

func TestRunStageFailures(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		prepare func(f *fixture)
		stage   Stage
		target  error
	}{
		{
			name:    "missing skip list",
			opts:    Options{ES51: true},
			prepare: func(f *fixture) { require.NoError(t, os.Remove(f.defs.SkipList)) },
			stage:   StageSkipList,
			target:  skiplist.ErrManifest,
		},
		{
			name:    "missing es5 list",
			opts:    Options{ES51: true},
			prepare: func(f *fixture) { require.NoError(t, os.Remove(f.defs.ES5List)) },
			stage:   StageSelect,
			target:  selector.ErrNotFound,
		},
		{
			name: "listed test missing from the corpus",
			opts: Options{CIBuild: true},
			prepare: func(f *fixture) {
				require.NoError(t, os.Remove(filepath.Join(f.defs.DataDir, TestDirName, "language", "d.js")))
			},
			stage:  StageVerify,
			target: selector.ErrNotFound,
		},
		{
			name:   "missing target",
			opts:   Options{Dir: "does/not/exist"},
			stage:  StageMirror,
			target: selector.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			tt.opts.SkipSync = true
			cfg := f.config(t, tt.opts)
			runner := &fakeRunner{}
			p, _ := f.pipeline(t, cfg, runner)

			_, err := p.Run(context.Background())
			require.Error(t, err)

			var runtimeErr *RuntimeError
			require.True(t, errors.As(err, &runtimeErr), "want RuntimeError, got %T", err)
			assert.Equal(t, tt.stage, runtimeErr.Stage)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, 2, ExitCode(err))
			assert.Empty(t, runner.lines(), "the harness must not run")
		})
	}
}

func TestRunCanceled(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{ES51: true, SkipSync: true})
	p, _ := f.pipeline(t, cfg, &fakeRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx)
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	cfg := f.config(t, Options{SkipSync: true})

	done := make(chan error, 1)
	p, err := newPipeline(cfg, "test", &fakeRunner{}, func(err error) { done <- err })
	require.NoError(t, err)
	p.stdout = &bytes.Buffer{}
	p.stderr = &bytes.Buffer{}

	assert.True(t, p.Stopped())
	require.NoError(t, p.Start(context.Background()))
	assert.False(t, p.Stopped())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback was not called")
	}
	require.NotNil(t, p.result)

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, p.Stopped())
	require.NoError(t, p.Stop(context.Background()))
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(context.Background(), nil, "test", nil)
	require.Error(t, err)
	_, err = New(context.Background(), &Config{}, "test", nil)
	require.Error(t, err)
}
